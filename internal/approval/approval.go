// Package approval asks a human operator to release an outbound action
// whose source content was flagged for review.
package approval

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/gzhole/moltshield/internal/redact"
)

type Result struct {
	Approved   bool
	UserAction string
}

type Prompt struct {
	AgentID string
	Action  string
	Payload string
	Rules   []string
	Reasons []string
}

// payloadPreview bounds how much of the payload is echoed to the terminal.
const payloadPreview = 280

func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// Ask prompts on the controlling terminal. Without a terminal the action is
// denied.
func Ask(p Prompt) Result {
	if !IsInteractive() {
		return Result{
			Approved:   false,
			UserAction: "auto_deny_non_interactive",
		}
	}
	return AskFrom(os.Stdin, os.Stderr, p)
}

// AskFrom runs the prompt over arbitrary streams.
func AskFrom(in io.Reader, out io.Writer, p Prompt) Result {
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "╔══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║              ⚠️  HUMAN REVIEW REQUIRED                        ║")
	fmt.Fprintln(out, "╚══════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out, "")
	fmt.Fprintf(out, "Agent:  %s\n", p.AgentID)
	fmt.Fprintf(out, "Action: %s\n", p.Action)
	if p.Payload != "" {
		fmt.Fprintf(out, "Payload: %s\n", redact.Preview(p.Payload, payloadPreview))
	}
	fmt.Fprintln(out, "")

	if len(p.Rules) > 0 {
		fmt.Fprintf(out, "Triggered rules: %s\n", strings.Join(p.Rules, ", "))
	}

	if len(p.Reasons) > 0 {
		fmt.Fprintln(out, "Reasons:")
		for _, reason := range p.Reasons {
			fmt.Fprintf(out, "  • %s\n", reason)
		}
	}

	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Options:")
	fmt.Fprintln(out, "  [a] Approve - send this action")
	fmt.Fprintln(out, "  [d] Deny - drop this action")
	fmt.Fprintln(out, "")

	reader := bufio.NewReader(in)

	for {
		fmt.Fprint(out, "Your choice [a/d]: ")
		input, err := reader.ReadString('\n')
		if err != nil && input == "" {
			return Result{
				Approved:   false,
				UserAction: "error_reading_input",
			}
		}

		input = strings.TrimSpace(strings.ToLower(input))

		switch input {
		case "a", "approve", "yes", "y":
			return Result{
				Approved:   true,
				UserAction: "approve",
			}
		case "d", "deny", "no", "n":
			return Result{
				Approved:   false,
				UserAction: "deny",
			}
		default:
			if err != nil {
				return Result{
					Approved:   false,
					UserAction: "error_reading_input",
				}
			}
			fmt.Fprintln(out, "Invalid input. Please enter 'a' to approve or 'd' to deny.")
		}
	}
}
