package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gzhole/moltshield/internal/governor"
)

var checkCmd = &cobra.Command{
	Use:   "check <post|comment|api-call>",
	Short: "Ask the governor to admit one action and account for it",
	Long: `Run the admission check for one action. On admission the counters are
updated and persisted before the command returns, so only call this when
the action will actually be sent. Exit code 2 when denied.

  moltshield check comment --agent molty`,
	Args: cobra.ExactArgs(1),
	RunE: checkCommand,
}

var suspendCmd = &cobra.Command{
	Use:   "suspend",
	Short: "Record that the platform rate-limited or suspended the agent",
	Args:  cobra.NoArgs,
	RunE:  suspendCommand,
}

func init() {
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(suspendCmd)
}

func checkCommand(cmd *cobra.Command, args []string) error {
	kind, err := governor.ParseActionKind(args[0])
	if err != nil {
		return err
	}
	rt, err := openRuntime(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	d, err := rt.gov.CheckAdmission(cmd.Context(), rt.cfg.AgentID, kind, time.Now())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if d.Admitted {
		fmt.Fprintf(out, "✅ ADMITTED %s for %s\n", kind, rt.cfg.AgentID)
		return nil
	}
	fmt.Fprintf(out, "⏳ DENIED %s for %s: %s (retry in %s)\n", kind, rt.cfg.AgentID, d.Reason, d.RetryAfter.Round(time.Second))
	return &ExitError{Code: 2, Reason: string(d.Reason)}
}

func suspendCommand(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	now := time.Now()
	if err := rt.gov.ReportExternalSuspension(cmd.Context(), rt.cfg.AgentID, now); err != nil {
		return err
	}
	st, err := rt.gov.State(cmd.Context(), rt.cfg.AgentID)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "⛔ %s suspended until %s\n", rt.cfg.AgentID, st.SuspendedUntil.Local().Format(time.DateTime))
	return nil
}
