package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/gzhole/moltshield/internal/approval"
	"github.com/gzhole/moltshield/internal/gateway"
	"github.com/gzhole/moltshield/internal/governor"
	"github.com/gzhole/moltshield/internal/guardian"
)

var (
	attemptPayload     string
	attemptPayloadFile string
	attemptSource      string
	attemptSourceFile  string
	attemptReview      bool
	attemptJSON        bool
)

var attemptCmd = &cobra.Command{
	Use:   "attempt <post|comment|api-call>",
	Short: "Pass an outbound action through the gateway",
	Long: `Run an outbound action through the full gateway: the source content that
prompted it is classified, the payload is checked for credentials, and the
governor decides admission. Exit code 0 means the action may be sent; 2
means it was denied or blocked.

Examples:
  moltshield attempt comment --payload "Great point" --source-file reply_to.txt
  moltshield attempt post --payload-file draft.md --review`,
	Args: cobra.ExactArgs(1),
	RunE: attemptCommand,
}

func init() {
	attemptCmd.Flags().StringVar(&attemptPayload, "payload", "", "Outbound content")
	attemptCmd.Flags().StringVar(&attemptPayloadFile, "payload-file", "", "Read outbound content from a file (- for stdin)")
	attemptCmd.Flags().StringVar(&attemptSource, "source", "", "Inbound content that prompted the action")
	attemptCmd.Flags().StringVar(&attemptSourceFile, "source-file", "", "Read inbound content from a file (- for stdin)")
	attemptCmd.Flags().BoolVar(&attemptReview, "review", false, "Ask on the terminal before sending actions flagged for human review")
	attemptCmd.Flags().BoolVar(&attemptJSON, "json", false, "Print the outcome as JSON")
	rootCmd.AddCommand(attemptCmd)
}

func attemptCommand(cmd *cobra.Command, args []string) error {
	kind, err := governor.ParseActionKind(args[0])
	if err != nil {
		return err
	}

	payload := attemptPayload
	if attemptPayloadFile != "" {
		if payload, err = readFileArg(cmd, attemptPayloadFile); err != nil {
			return fmt.Errorf("failed to read payload: %w", err)
		}
	}

	var source *string
	switch {
	case attemptSourceFile != "":
		s, err := readFileArg(cmd, attemptSourceFile)
		if err != nil {
			return fmt.Errorf("failed to read source: %w", err)
		}
		source = &s
	case cmd.Flags().Changed("source"):
		source = &attemptSource
	}

	var opts []gateway.Option
	if attemptReview {
		opts = append(opts, gateway.WithReviewer(terminalReviewer))
	}
	rt, err := openRuntime(cmd.Context(), opts...)
	if err != nil {
		return err
	}
	defer rt.Close()

	out, err := rt.gw.Attempt(cmd.Context(), gateway.Action{
		AgentID: rt.cfg.AgentID,
		Kind:    kind,
		Payload: payload,
		Source:  source,
	})
	if err != nil {
		return err
	}

	if attemptJSON {
		if err := writeOutcomeJSON(cmd.OutOrStdout(), out); err != nil {
			return err
		}
	} else {
		printOutcome(cmd.OutOrStdout(), kind, out)
	}
	return outcomeExit(out)
}

func terminalReviewer(_ context.Context, a gateway.Action, report guardian.ThreatReport) bool {
	res := approval.Ask(approval.Prompt{
		AgentID: a.AgentID,
		Action:  string(a.Kind),
		Payload: a.Payload,
		Rules:   report.ReviewRules,
		Reasons: report.ReviewReasons,
	})
	return res.Approved
}

type outcomeJSON struct {
	gateway.Outcome
	RetryAfterMS int64 `json:"retry_after_ms,omitempty"`
}

func writeOutcomeJSON(w io.Writer, out gateway.Outcome) error {
	return json.NewEncoder(w).Encode(outcomeJSON{Outcome: out, RetryAfterMS: out.RetryAfter.Milliseconds()})
}

func printOutcome(w io.Writer, kind governor.ActionKind, out gateway.Outcome) {
	switch out.Status {
	case gateway.StatusAdmitted:
		fmt.Fprintf(w, "✅ ADMITTED %s (%s)\n", kind, out.ID)
	case gateway.StatusDenied:
		fmt.Fprintf(w, "⏳ DENIED %s: %s", kind, out.Reason)
		if out.RetryAfter > 0 {
			fmt.Fprintf(w, " (retry in %s)", out.RetryAfter.Round(time.Second))
		}
		fmt.Fprintln(w)
	case gateway.StatusBlocked:
		fmt.Fprintf(w, "🛑 BLOCKED %s [%s]: %s\n", kind, out.Rule, out.Threat)
	}
	if out.RequiresReview {
		fmt.Fprintln(w, "     Source flagged for human review")
	}
}

func outcomeExit(out gateway.Outcome) error {
	switch out.Status {
	case gateway.StatusAdmitted:
		return nil
	case gateway.StatusDenied:
		return &ExitError{Code: 2, Reason: string(out.Reason)}
	default:
		return &ExitError{Code: 2, Reason: out.Rule}
	}
}
