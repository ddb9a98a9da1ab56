package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gzhole/moltshield/internal/gateway"
)

var (
	observeStatus    int
	observeBody      string
	observeBodyFile  string
	observeSuspended bool
	observeDM        bool
	challengeDetail  string
)

var observeCmd = &cobra.Command{
	Use:   "observe",
	Short: "Feed a platform response back into the governor and audit log",
	Long: `Report what the platform answered after an action. A 429, an explicit
suspension, or suspension wording suspends the agent; verification
challenges and platform security warnings are recorded.

  moltshield observe --status 429
  moltshield observe --body-file inbox.json --dm`,
	Args: cobra.NoArgs,
	RunE: observeCommand,
}

var challengeCmd = &cobra.Command{
	Use:   "challenge <challenge-id> <solved|failed|polled>",
	Short: "Record the progress of a platform verification challenge",
	Args:  cobra.ExactArgs(2),
	RunE:  challengeCommand,
}

func init() {
	observeCmd.Flags().IntVar(&observeStatus, "status", 200, "HTTP status code of the response")
	observeCmd.Flags().StringVar(&observeBody, "body", "", "Response body")
	observeCmd.Flags().StringVar(&observeBodyFile, "body-file", "", "Read the response body from a file (- for stdin)")
	observeCmd.Flags().BoolVar(&observeSuspended, "suspended", false, "The response flagged the agent as suspended")
	observeCmd.Flags().BoolVar(&observeDM, "dm", false, "The content arrived by direct message")
	challengeCmd.Flags().StringVar(&challengeDetail, "detail", "", "Free-form detail to record")
	rootCmd.AddCommand(observeCmd)
	rootCmd.AddCommand(challengeCmd)
}

func observeCommand(cmd *cobra.Command, args []string) error {
	body := observeBody
	if observeBodyFile != "" {
		var err error
		if body, err = readFileArg(cmd, observeBodyFile); err != nil {
			return fmt.Errorf("failed to read body: %w", err)
		}
	}

	rt, err := openRuntime(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	obs, err := rt.gw.ObserveResponse(cmd.Context(), rt.cfg.AgentID, gateway.PlatformResponse{
		StatusCode:       observeStatus,
		Body:             body,
		Suspended:        observeSuspended,
		ViaDirectMessage: observeDM,
	})

	out := cmd.OutOrStdout()
	if obs.Suspended {
		fmt.Fprintf(out, "⛔ %s suspended\n", rt.cfg.AgentID)
	}
	if obs.Challenge {
		fmt.Fprintln(out, "🧩 Verification challenge detected")
	}
	if obs.SecurityAlert {
		fmt.Fprintln(out, "🚨 Platform security alert recorded")
	}
	if obs == (gateway.Observation{}) {
		fmt.Fprintln(out, "✅ Nothing to record")
	}
	return err
}

func challengeCommand(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.gw.RecordChallenge(rt.cfg.AgentID, args[0], gateway.ChallengeResult(args[1]), challengeDetail); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Recorded challenge %s as %s\n", args[0], args[1])
	return nil
}
