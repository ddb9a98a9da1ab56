package approval

import (
	"bytes"
	"strings"
	"testing"
)

func TestAskFrom(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		approved   bool
		userAction string
	}{
		{"approve", "a\n", true, "approve"},
		{"approve word", "Yes\n", true, "approve"},
		{"deny", "d\n", false, "deny"},
		{"retry after junk", "maybe\nn\n", false, "deny"},
		{"no trailing newline", "y", true, "approve"},
		{"eof", "", false, "error_reading_input"},
		{"junk then eof", "what", false, "error_reading_input"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			res := AskFrom(strings.NewReader(tt.input), &out, Prompt{
				AgentID: "agent-1",
				Action:  "comment",
				Payload: "Proposal: raise the quorum to 40%",
				Rules:   []string{"governance_change"},
				Reasons: []string{"requests a governance change"},
			})
			if res.Approved != tt.approved || res.UserAction != tt.userAction {
				t.Errorf("AskFrom() = %+v, want approved=%v action=%q", res, tt.approved, tt.userAction)
			}
			if !strings.Contains(out.String(), "governance_change") {
				t.Errorf("prompt did not list triggered rules:\n%s", out.String())
			}
		})
	}
}

func TestAskFromRedactsPayload(t *testing.T) {
	var out bytes.Buffer
	AskFrom(strings.NewReader("d\n"), &out, Prompt{
		Action:  "post",
		Payload: "my key is sk-ant-REDACTED",
	})
	if strings.Contains(out.String(), "abcdefghijklmnopqrstuvwxyz0123456789") {
		t.Errorf("payload secret echoed to terminal:\n%s", out.String())
	}
}
