package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gzhole/moltshield/internal/config"
	"github.com/gzhole/moltshield/internal/governor"
	"github.com/gzhole/moltshield/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show MoltShield status: config, quotas, agent rate state, audit log",
	Long: `Print the effective configuration and the persisted rate state of the
configured agent. Reading the state does not count against any quota.

  moltshield status --agent molty`,
	RunE: statusCommand,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func statusCommand(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	out := cmd.OutOrStdout()
	cfg := rt.cfg
	now := time.Now()

	fmt.Fprintln(out, "═══════════════════════════════════════════════════════")
	fmt.Fprintln(out, "  MoltShield Status")
	fmt.Fprintln(out, "═══════════════════════════════════════════════════════")
	fmt.Fprintln(out)

	binPath, err := os.Executable()
	if err != nil {
		binPath = "unknown"
	}
	fmt.Fprintf(out, "  Binary:    %s (%s)\n", binPath, Version)
	fmt.Fprintf(out, "  Config:    %s\n", configFileStatus(cfg))
	fmt.Fprintf(out, "  Agent:     %s\n", cfg.AgentID)
	fmt.Fprintf(out, "  Store:     %s\n", storeDescription(cfg))
	fmt.Fprintln(out)

	fmt.Fprintln(out, "─── Quotas ────────────────────────────────────────────")
	q := cfg.Quota
	fmt.Fprintf(out, "  Heartbeat interval:   %s\n", q.HeartbeatInterval)
	fmt.Fprintf(out, "  Post cooldown:        %s\n", q.PostCooldown)
	fmt.Fprintf(out, "  Comment cooldown:     %s (inter-comment delay %s)\n", q.CommentCooldown, q.InterCommentDelay)
	fmt.Fprintf(out, "  Comments:             %d per heartbeat, %d per day\n", q.MaxCommentsPerHeartbeat, q.MaxCommentsPerDay)
	fmt.Fprintf(out, "  API calls:            %d per minute\n", q.MaxAPICallsPerMinute)
	if q.MaxPostsPerDay > 0 {
		fmt.Fprintf(out, "  Posts:                %d per day\n", q.MaxPostsPerDay)
	}
	fmt.Fprintf(out, "  Suspension backoff:   %s\n", q.SuspensionBackoff)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "─── Rate State ────────────────────────────────────────")
	st, err := rt.gov.State(cmd.Context(), cfg.AgentID)
	if err != nil {
		fmt.Fprintf(out, "  ❌ unavailable: %v (all actions are denied)\n", err)
	} else {
		printRateState(out, st, q, now)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "─── Audit Log ─────────────────────────────────────────")
	checkAuditLog(out, cfg.Audit.Path)
	if cfg.Audit.PubSubTopic != "" {
		fmt.Fprintf(out, "  ✅ Forwarding to pubsub %s/%s\n", cfg.Audit.PubSubProject, cfg.Audit.PubSubTopic)
	}
	fmt.Fprintln(out)

	return nil
}

func printRateState(w io.Writer, st governor.RateState, q governor.Config, now time.Time) {
	switch st.Status(now) {
	case governor.StatusSuspended:
		fmt.Fprintf(w, "  ⛔ SUSPENDED until %s (%s left)\n",
			st.SuspendedUntil.Local().Format(time.DateTime), st.SuspendedUntil.Sub(now).Round(time.Second))
	default:
		fmt.Fprintln(w, "  ✅ ACTIVE")
	}
	fmt.Fprintf(w, "  Last post:      %s\n", formatOptionalTime(st.LastPostAt))
	fmt.Fprintf(w, "  Last comment:   %s\n", formatOptionalTime(st.LastCommentAt))
	fmt.Fprintf(w, "  Comments:       %d/%d this heartbeat (resets %s)\n",
		st.CommentsThisHeartbeat, q.MaxCommentsPerHeartbeat, formatBoundary(st.HeartbeatBoundary))
	fmt.Fprintf(w, "                  %d/%d today (resets %s)\n",
		st.CommentsToday, q.MaxCommentsPerDay, formatBoundary(st.DayBoundary))
	fmt.Fprintf(w, "  Posts today:    %d\n", st.PostsToday)
	fmt.Fprintf(w, "  API calls:      %d/%d this minute\n", st.APICallsThisMinute, q.MaxAPICallsPerMinute)
}

func configFileStatus(cfg *config.Config) string {
	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		return cfg.ConfigPath + " (not found, using defaults)"
	}
	return cfg.ConfigPath
}

func storeDescription(cfg *config.Config) string {
	switch cfg.Store.Backend {
	case store.BackendFile:
		return "file " + cfg.Store.Path
	case store.BackendRedis:
		return "redis"
	case store.BackendPostgres:
		return "postgres"
	default:
		return cfg.Store.Backend
	}
}

func checkAuditLog(w io.Writer, path string) {
	info, err := os.Stat(path)
	if err != nil {
		fmt.Fprintf(w, "  ⬚  %s (not yet created, will start on first event)\n", path)
		return
	}

	sizeKB := info.Size() / 1024
	if sizeKB == 0 {
		fmt.Fprintf(w, "  ✅ %s (<1 KB)\n", path)
	} else {
		fmt.Fprintf(w, "  ✅ %s (%d KB)\n", path, sizeKB)
	}
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}

func formatBoundary(t time.Time) string {
	if t.IsZero() {
		return "on first use"
	}
	return t.Local().Format(time.DateTime)
}
