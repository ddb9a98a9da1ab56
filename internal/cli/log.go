package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gzhole/moltshield/internal/audit"
)

var (
	logFilterType string
	logLast       int
	logSummary    bool
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "View and filter the audit log",
	Long: `View the MoltShield audit log with filtering and summary options.

Examples:
  moltshield log                              # Show all entries
  moltshield log --last 20                    # Show last 20 entries
  moltshield log --type INJECTION_DETECTED    # Show only one event type
  moltshield log --agent molty                # Show one agent's events
  moltshield log --summary                    # Show counts per event type`,
	RunE: logCommand,
}

func init() {
	logCmd.Flags().StringVar(&logFilterType, "type", "", "Filter by event type")
	logCmd.Flags().IntVar(&logLast, "last", 0, "Show last N entries")
	logCmd.Flags().BoolVar(&logSummary, "summary", false, "Show summary statistics")
	rootCmd.AddCommand(logCmd)
}

func logCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if logFilterType != "" && !audit.EventKind(strings.ToUpper(logFilterType)).Valid() {
		return fmt.Errorf("unknown event type %q", logFilterType)
	}

	events, err := audit.ReadFile(cfg.Audit.Path)
	if err != nil {
		return fmt.Errorf("failed to read audit log: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(events) == 0 {
		fmt.Fprintln(out, "No audit log entries found.")
		return nil
	}

	filtered := filterEvents(events, logFilterType, agentID)

	if logLast > 0 && logLast < len(filtered) {
		filtered = filtered[len(filtered)-logLast:]
	}

	if logSummary {
		printSummary(out, events)
		return nil
	}

	printEvents(out, filtered)
	return nil
}

func filterEvents(events []audit.Event, kind, agent string) []audit.Event {
	if kind == "" && agent == "" {
		return events
	}

	var filtered []audit.Event
	for _, e := range events {
		if kind != "" && !strings.EqualFold(string(e.Type), kind) {
			continue
		}
		if agent != "" && fmt.Sprint(e.Details["agent_id"]) != agent {
			continue
		}
		filtered = append(filtered, e)
	}
	return filtered
}

func printEvents(w io.Writer, events []audit.Event) {
	for _, e := range events {
		fmt.Fprintf(w, "%s %s %s\n", kindIcon(e.Type), formatTimestamp(e.Timestamp), e.Type)

		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "     %s: %s\n", k, formatDetail(e.Details[k]))
		}
		fmt.Fprintln(w)
	}
}

func printSummary(w io.Writer, all []audit.Event) {
	counts := map[audit.EventKind]int{}
	for _, e := range all {
		counts[e.Type]++
	}

	fmt.Fprintln(w, "═══════════════════════════════════════════")
	fmt.Fprintln(w, "  MoltShield Audit Summary")
	fmt.Fprintln(w, "═══════════════════════════════════════════")
	fmt.Fprintf(w, "  Total events:    %d\n", len(all))
	for _, k := range audit.Kinds() {
		if counts[k] > 0 {
			fmt.Fprintf(w, "  %-26s %d\n", string(k)+":", counts[k])
		}
	}
	fmt.Fprintln(w, "═══════════════════════════════════════════")

	fmt.Fprintf(w, "  First event:     %s\n", formatTimestamp(all[0].Timestamp))
	fmt.Fprintf(w, "  Last event:      %s\n", formatTimestamp(all[len(all)-1].Timestamp))

	var blocked []audit.Event
	for _, e := range all {
		if e.Type == audit.KindInjectionDetected {
			blocked = append(blocked, e)
		}
	}
	if len(blocked) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "  Recent injections:")
		limit := len(blocked)
		if limit > 10 {
			limit = 10
		}
		for _, e := range blocked[len(blocked)-limit:] {
			fmt.Fprintf(w, "    %s %s\n", formatTimestamp(e.Timestamp), formatDetail(e.Details["rule"]))
		}
	}

	fmt.Fprintln(w)
}

func kindIcon(kind audit.EventKind) string {
	switch kind {
	case audit.KindInjectionDetected, audit.KindKeyRequestBlocked, audit.KindSuspiciousPattern:
		return "🛑"
	case audit.KindSensitiveRequestFlagged:
		return "🔍"
	case audit.KindRateLimitBackoff:
		return "⏳"
	case audit.KindPlatformSecurityAlert:
		return "🚨"
	default:
		return "🧩"
	}
}

func formatDetail(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return "-"
	default:
		data, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(data)
	}
}

func formatTimestamp(ts string) string {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
