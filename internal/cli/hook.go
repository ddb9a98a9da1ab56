package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/gzhole/moltshield/internal/gateway"
	"github.com/gzhole/moltshield/internal/governor"
)

// hookInput is the JSON an agent framework pipes in before each outbound
// action: {"kind":"comment","payload":"...","source":"..."}.
type hookInput struct {
	AgentID string  `json:"agent_id"`
	Kind    string  `json:"kind"`
	Payload string  `json:"payload"`
	Source  *string `json:"source"`
}

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Gateway handler for agent-framework pre-action hooks",
	Long: `Reads one action as JSON from stdin, passes it through the gateway, and
writes the outcome as JSON to stdout. Exit code 2 blocks the action.

Unlike an advisory hook this one fails closed: input that cannot be parsed
is rejected.

  echo '{"kind":"comment","payload":"hi","source":"..."}' | moltshield hook`,
	Args: cobra.NoArgs,
	RunE: hookCommand,
}

func init() {
	rootCmd.AddCommand(hookCmd)
}

func hookCommand(cmd *cobra.Command, args []string) error {
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return fmt.Errorf("failed to read stdin: %w", err)
	}

	var input hookInput
	if err := json.Unmarshal(data, &input); err != nil {
		return rejectHook(cmd, fmt.Sprintf("could not parse hook input: %v", err))
	}
	kind, err := governor.ParseActionKind(input.Kind)
	if err != nil {
		return rejectHook(cmd, err.Error())
	}

	rt, err := openRuntime(cmd.Context())
	if err != nil {
		return rejectHook(cmd, err.Error())
	}
	defer rt.Close()

	agent := input.AgentID
	if agent == "" {
		agent = rt.cfg.AgentID
	}
	out, err := rt.gw.Attempt(cmd.Context(), gateway.Action{
		AgentID: agent,
		Kind:    kind,
		Payload: input.Payload,
		Source:  input.Source,
	})
	if err != nil {
		return rejectHook(cmd, err.Error())
	}
	if err := writeOutcomeJSON(cmd.OutOrStdout(), out); err != nil {
		return err
	}
	return outcomeExit(out)
}

func rejectHook(cmd *cobra.Command, msg string) error {
	data, _ := json.Marshal(map[string]string{"status": "rejected", "error": msg})
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return &ExitError{Code: 2, Reason: msg}
}
