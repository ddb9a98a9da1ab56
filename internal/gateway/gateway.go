// Package gateway is the single choke point for outbound platform actions.
// It inspects the inbound content that motivated an action, refuses to
// leak credentials, and asks the governor for admission.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gzhole/moltshield/internal/audit"
	"github.com/gzhole/moltshield/internal/governor"
	"github.com/gzhole/moltshield/internal/guardian"
	"github.com/gzhole/moltshield/internal/logs"
	"github.com/gzhole/moltshield/internal/metrics"
	"github.com/gzhole/moltshield/internal/redact"
	"github.com/gzhole/moltshield/internal/sanitize"
)

type Status string

const (
	StatusAdmitted Status = "admitted"
	StatusDenied   Status = "denied"
	StatusBlocked  Status = "blocked"
)

const (
	// ReasonReviewRejected denies an action the operator refused to release.
	ReasonReviewRejected governor.Reason = "review-rejected"

	RuleSecretLeak = "secret_leak"
)

// previewLen bounds excerpts of untrusted or outbound text in audit details.
const previewLen = 200

// Action is one outbound action the agent wants to perform. Source, when
// set, is the inbound content that prompted it.
type Action struct {
	AgentID string              `json:"agent_id"`
	Kind    governor.ActionKind `json:"kind"`
	Payload string              `json:"payload,omitempty"`
	Source  *string             `json:"source,omitempty"`
}

// Outcome tells the caller whether it may perform the action. Only an
// admitted outcome is permission to call the platform.
type Outcome struct {
	ID     string `json:"id"`
	Status Status `json:"status"`

	// Denied
	Reason     governor.Reason `json:"reason,omitempty"`
	RetryAfter time.Duration   `json:"-"`

	// Blocked
	Threat string `json:"threat,omitempty"`
	Rule   string `json:"rule,omitempty"`

	// RequiresReview is set when the source matched a sensitivity rule.
	RequiresReview bool `json:"requires_review,omitempty"`
}

func (o Outcome) Admitted() bool { return o.Status == StatusAdmitted }

// Admitter is the part of the governor the gateway drives.
type Admitter interface {
	CheckAdmission(ctx context.Context, agentID string, kind governor.ActionKind, now time.Time) (governor.Decision, error)
	ReportExternalSuspension(ctx context.Context, agentID string, now time.Time) error
}

// Reviewer decides whether an action whose source needs human review may
// proceed. It may block for operator input.
type Reviewer func(ctx context.Context, a Action, report guardian.ThreatReport) bool

type Gateway struct {
	classifier *guardian.Classifier
	admitter   Admitter
	audit      audit.Recorder
	log        *slog.Logger
	now        func() time.Time
	review     Reviewer
}

type Option func(*Gateway)

func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

func WithLogger(log *slog.Logger) Option {
	return func(g *Gateway) { g.log = log }
}

// WithReviewer holds sensitive actions for a human decision. Without a
// reviewer they are flagged and proceed to admission.
func WithReviewer(r Reviewer) Option {
	return func(g *Gateway) { g.review = r }
}

func WithClassifier(c *guardian.Classifier) Option {
	return func(g *Gateway) { g.classifier = c }
}

func New(admitter Admitter, rec audit.Recorder, opts ...Option) *Gateway {
	g := &Gateway{
		classifier: guardian.NewClassifier(),
		admitter:   admitter,
		audit:      rec,
		log:        logs.Discard(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Attempt runs the gateway checks in order: source classification, the
// outbound credential check, human review, then governor admission. A
// blocked source never reaches the governor. Errors are returned only for
// malformed actions.
func (g *Gateway) Attempt(ctx context.Context, a Action) (Outcome, error) {
	if a.AgentID == "" {
		return Outcome{}, governor.ErrInvalidAgent
	}
	if !a.Kind.Valid() {
		return Outcome{}, fmt.Errorf("%w: %q", governor.ErrUnknownAction, a.Kind)
	}

	out := Outcome{ID: uuid.NewString()}

	var report guardian.ThreatReport
	if a.Source != nil {
		report = g.classifier.Classify(*a.Source)
		if !report.Safe {
			g.recordThreat(out.ID, a.AgentID, a.Kind, *a.Source, report)
			out.Status = StatusBlocked
			out.Rule = report.RuleID
			out.Threat = report.Threats[0]
			g.log.Info("action blocked", "id", out.ID, "agent", a.AgentID, "action", string(a.Kind), "rule", out.Rule)
			return out, nil
		}
		if report.RequiresHumanReview {
			out.RequiresReview = true
			g.recordSensitive(out.ID, a.AgentID, a.Kind, *a.Source, report)
		}
	}

	if redact.ContainsSecret(a.Payload) {
		g.audit.Record(audit.KindSuspiciousPattern, map[string]any{
			"attempt_id":      out.ID,
			"agent_id":        a.AgentID,
			"action":          string(a.Kind),
			"rule":            RuleSecretLeak,
			"payload_preview": redact.Preview(a.Payload, previewLen),
		})
		metrics.Blocks.WithLabelValues(RuleSecretLeak).Inc()
		out.Status = StatusBlocked
		out.Rule = RuleSecretLeak
		out.Threat = "outbound payload contains a credential"
		g.log.Warn("outbound credential blocked", "id", out.ID, "agent", a.AgentID, "action", string(a.Kind))
		return out, nil
	}

	if out.RequiresReview && g.review != nil && !g.review(ctx, a, report) {
		out.Status = StatusDenied
		out.Reason = ReasonReviewRejected
		g.audit.Record(audit.KindSensitiveRequestFlagged, map[string]any{
			"attempt_id": out.ID,
			"agent_id":   a.AgentID,
			"action":     string(a.Kind),
			"decision":   "rejected",
			"reason":     string(ReasonReviewRejected),
			"rules":      report.ReviewRules,
		})
		g.log.Info("action rejected in review", "id", out.ID, "agent", a.AgentID, "action", string(a.Kind))
		return out, nil
	}

	d, err := g.admitter.CheckAdmission(ctx, a.AgentID, a.Kind, g.now())
	if err != nil {
		return Outcome{}, err
	}
	if !d.Admitted {
		out.Status = StatusDenied
		out.Reason = d.Reason
		out.RetryAfter = d.RetryAfter
		return out, nil
	}

	out.Status = StatusAdmitted
	g.log.Debug("action admitted", "id", out.ID, "agent", a.AgentID, "action", string(a.Kind))
	return out, nil
}

// Inspection is inbound content ready for the model: the classification
// and the sanitized text. Sanitized is produced whatever the verdict.
type Inspection struct {
	Report    guardian.ThreatReport `json:"report"`
	Sanitized string                `json:"sanitized"`
}

// Inspect classifies inbound content, records what it finds, and wraps the
// content in boundary markers.
func (g *Gateway) Inspect(agentID, text string) Inspection {
	id := uuid.NewString()
	report := g.classifier.Classify(text)
	if !report.Safe {
		g.recordThreat(id, agentID, "", text, report)
	}
	if report.RequiresHumanReview {
		g.recordSensitive(id, agentID, "", text, report)
	}
	return Inspection{Report: report, Sanitized: sanitize.Sanitize(text)}
}

func (g *Gateway) recordThreat(id, agentID string, kind governor.ActionKind, source string, report guardian.ThreatReport) {
	details := map[string]any{
		"attempt_id":     id,
		"agent_id":       agentID,
		"rule":           report.RuleID,
		"threat":         report.Threats[0],
		"source_preview": redact.Preview(source, previewLen),
	}
	if kind != "" {
		details["action"] = string(kind)
	}
	g.audit.Record(audit.KindInjectionDetected, details)
	metrics.Blocks.WithLabelValues(report.RuleID).Inc()

	if report.RuleID == guardian.RuleKeyRequest || guardian.IsKeyRequest(source) {
		g.audit.Record(audit.KindKeyRequestBlocked, map[string]any{
			"attempt_id": id,
			"agent_id":   agentID,
		})
	}
}

func (g *Gateway) recordSensitive(id, agentID string, kind governor.ActionKind, source string, report guardian.ThreatReport) {
	details := map[string]any{
		"attempt_id":     id,
		"agent_id":       agentID,
		"rules":          report.ReviewRules,
		"reasons":        report.ReviewReasons,
		"source_preview": redact.Preview(source, previewLen),
	}
	if kind != "" {
		details["action"] = string(kind)
	}
	g.audit.Record(audit.KindSensitiveRequestFlagged, details)
}
