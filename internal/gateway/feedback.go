package gateway

import (
	"context"
	"fmt"
	"net/http"
	"regexp"

	"github.com/gzhole/moltshield/internal/audit"
	"github.com/gzhole/moltshield/internal/redact"
)

// PlatformResponse is what the platform client saw after performing an
// admitted action, or after polling the agent's inbox.
type PlatformResponse struct {
	StatusCode       int    `json:"status_code"`
	Body             string `json:"body"`
	Suspended        bool   `json:"suspended"`
	ViaDirectMessage bool   `json:"via_direct_message"`
}

// Observation reports which signals a response carried.
type Observation struct {
	Suspended     bool `json:"suspended"`
	Challenge     bool `json:"challenge"`
	SecurityAlert bool `json:"security_alert"`
}

var (
	suspensionPattern = regexp.MustCompile(`(?i)\b(account|agent)\s+(has\s+been\s+|is\s+)?(temporarily\s+)?suspended\b|\brate[\s_-]?limit(ed)?\s+exceeded\b`)

	challengePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bverification\s+challenge\b`),
		regexp.MustCompile(`(?i)\bprove\s+(that\s+)?you\s+are\s+(an?\s+)?(ai|agent|bot|human)\b`),
		regexp.MustCompile(`(?i)\bverify\s+(that\s+)?you\s+are\s+(an?\s+)?(ai|agent|bot|human)\b`),
		regexp.MustCompile(`(?i)\bsolve\s+(this|the\s+following)\s+(challenge|puzzle|problem)\b`),
		regexp.MustCompile(`(?i)"?challenge_id"?\s*[:=]`),
		regexp.MustCompile(`(?i)\bcaptcha\b`),
	}

	securityAlertPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bsecurity\s+(alert|warning|notice)\b`),
		regexp.MustCompile(`(?i)\b(suspicious|unusual)\s+activity\b`),
		regexp.MustCompile(`(?i)\baccount\s+(has\s+been\s+)?(compromised|flagged)\b`),
		regexp.MustCompile(`(?i)\bcredentials?\s+(were|was|have\s+been)\s+(leaked|exposed|revoked)\b`),
	}
)

// ObserveResponse turns a platform response into governor transitions and
// audit events. A 429, an explicit suspension flag, or suspension wording
// in the body suspends the agent.
func (g *Gateway) ObserveResponse(ctx context.Context, agentID string, resp PlatformResponse) (Observation, error) {
	var obs Observation
	if agentID == "" {
		return obs, fmt.Errorf("observe response: agent id is required")
	}
	now := g.now()

	if matchesAny(resp.Body, challengePatterns) {
		obs.Challenge = true
		kind := audit.KindChallengeDetected
		if resp.ViaDirectMessage {
			kind = audit.KindChallengeDMDetected
		}
		g.audit.Record(kind, map[string]any{
			"agent_id":     agentID,
			"status_code":  resp.StatusCode,
			"body_preview": redact.Preview(resp.Body, previewLen),
		})
	}

	if matchesAny(resp.Body, securityAlertPatterns) {
		obs.SecurityAlert = true
		g.audit.Record(audit.KindPlatformSecurityAlert, map[string]any{
			"agent_id":     agentID,
			"status_code":  resp.StatusCode,
			"body_preview": redact.Preview(resp.Body, previewLen),
		})
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.Suspended || suspensionPattern.MatchString(resp.Body) {
		obs.Suspended = true
		g.log.Warn("platform reported suspension", "agent", agentID, "status", resp.StatusCode)
		if err := g.admitter.ReportExternalSuspension(ctx, agentID, now); err != nil {
			return obs, fmt.Errorf("report suspension: %w", err)
		}
	}
	return obs, nil
}

type ChallengeResult string

const (
	ChallengeSolved ChallengeResult = "solved"
	ChallengeFailed ChallengeResult = "failed"
	ChallengePolled ChallengeResult = "polled"
)

var challengeKinds = map[ChallengeResult]audit.EventKind{
	ChallengeSolved: audit.KindChallengeSolved,
	ChallengeFailed: audit.KindChallengeFailed,
	ChallengePolled: audit.KindChallengePolled,
}

// RecordChallenge logs the progress of a verification challenge the agent
// loop is handling.
func (g *Gateway) RecordChallenge(agentID, challengeID string, result ChallengeResult, detail string) error {
	kind, ok := challengeKinds[result]
	if !ok {
		return fmt.Errorf("unknown challenge result %q", result)
	}
	details := map[string]any{
		"agent_id":     agentID,
		"challenge_id": challengeID,
	}
	if detail != "" {
		details["detail"] = redact.Preview(detail, previewLen)
	}
	g.audit.Record(kind, details)
	return nil
}

func matchesAny(s string, patterns []*regexp.Regexp) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}
