// Package governor decides whether an outbound action may be sent to the
// platform now, and does the accounting for it in the same step.
//
// Each agent identity is a two-state machine:
//
//	ACTIVE    --ReportExternalSuspension-->  SUSPENDED
//	SUSPENDED --CheckAdmission at/after suspendedUntil-->  ACTIVE
//
// The governor never sleeps. A denial carries a retry-after hint and the
// caller's scheduler does the waiting.
//
// The store is the source of truth. Every call re-reads the agent's state
// and writes it back with a version check, so several processes sharing a
// store never admit from a stale copy; a lost race is retried on the
// fresh state.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gzhole/moltshield/internal/audit"
	"github.com/gzhole/moltshield/internal/metrics"
)

var (
	ErrUnknownAction    = errors.New("unknown action kind")
	ErrInvalidAgent     = errors.New("agent id is required")
	ErrNoState          = errors.New("no rate state stored")
	ErrStateUnavailable = errors.New("rate state unavailable")
	// ErrStateConflict is returned by Store.Save when the stored version
	// is no longer the one the state was loaded at.
	ErrStateConflict = errors.New("rate state changed concurrently")
)

// maxSaveAttempts bounds the load-decide-save retries after version
// conflicts before a call fails closed.
const maxSaveAttempts = 5

type ActionKind string

const (
	ActionPost    ActionKind = "post"
	ActionComment ActionKind = "comment"
	ActionAPICall ActionKind = "api-call"
)

func (k ActionKind) Valid() bool {
	switch k {
	case ActionPost, ActionComment, ActionAPICall:
		return true
	}
	return false
}

// ParseActionKind validates a kind received from outside the process.
func ParseActionKind(s string) (ActionKind, error) {
	k := ActionKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
	return k, nil
}

type Reason string

const (
	ReasonSuspended        Reason = "suspended"
	ReasonPostCooldown     Reason = "post-cooldown"
	ReasonCommentCooldown  Reason = "comment-cooldown"
	ReasonHeartbeatQuota   Reason = "heartbeat-quota"
	ReasonDailyQuota       Reason = "daily-quota"
	ReasonDailyPostQuota   Reason = "daily-post-quota"
	ReasonMinuteQuota      Reason = "minute-quota"
	ReasonStateUnavailable Reason = "state-unavailable"
)

// Decision is the outcome of one admission check. Reason and RetryAfter
// are set only when Admitted is false.
type Decision struct {
	Admitted   bool
	Reason     Reason
	RetryAfter time.Duration
}

// Store persists RateState per agent. Load returns ErrNoState when the
// agent has never been seen. Save writes state only if the stored version
// still equals state.Version (0 for a missing record), storing it as
// Version+1; otherwise it returns ErrStateConflict.
type Store interface {
	Load(ctx context.Context, agentID string) (RateState, error)
	Save(ctx context.Context, agentID string, state RateState) error
}

type Governor struct {
	cfg   Config
	store Store
	audit audit.Recorder
	log   *slog.Logger

	mu     sync.Mutex
	agents map[string]*agentState
}

// agentState serializes an agent's calls within this process. held is a
// suspension reported here that has not reached the store yet; it is laid
// over every load until a save succeeds.
type agentState struct {
	mu   sync.Mutex
	held *time.Time
}

func New(cfg Config, store Store, rec audit.Recorder, log *slog.Logger) (*Governor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("governor: store is required")
	}
	return &Governor{
		cfg:    cfg,
		store:  store,
		audit:  rec,
		log:    log,
		agents: make(map[string]*agentState),
	}, nil
}

func (g *Governor) Config() Config { return g.cfg }

// Load checks that an agent's state can be read from the store. Call it at
// startup; an error means the agent is denied until the store answers.
func (g *Governor) Load(ctx context.Context, agentID string) error {
	if agentID == "" {
		return ErrInvalidAgent
	}
	a := g.agent(agentID)
	a.mu.Lock()
	defer a.mu.Unlock()

	_, err := g.load(ctx, agentID, a)
	return err
}

// State returns the agent's current state as stored.
func (g *Governor) State(ctx context.Context, agentID string) (RateState, error) {
	if agentID == "" {
		return RateState{}, ErrInvalidAgent
	}
	a := g.agent(agentID)
	a.mu.Lock()
	defer a.mu.Unlock()

	return g.load(ctx, agentID, a)
}

// CheckAdmission runs the ordered admission checks for one action and, on
// admission, updates and persists the counters before returning. Errors
// are reserved for invalid requests; store failures deny with
// ReasonStateUnavailable.
func (g *Governor) CheckAdmission(ctx context.Context, agentID string, kind ActionKind, now time.Time) (Decision, error) {
	if agentID == "" {
		return Decision{}, ErrInvalidAgent
	}
	if !kind.Valid() {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownAction, kind)
	}

	a := g.agent(agentID)
	a.mu.Lock()
	defer a.mu.Unlock()

	for attempt := 1; ; attempt++ {
		st, err := g.load(ctx, agentID, a)
		if err != nil {
			return g.deny(agentID, kind, Decision{Reason: ReasonStateUnavailable}, err), nil
		}

		resumed := false
		if st.Suspended {
			if st.SuspendedUntil != nil && now.Before(*st.SuspendedUntil) {
				return g.deny(agentID, kind, Decision{
					Reason:     ReasonSuspended,
					RetryAfter: st.SuspendedUntil.Sub(now),
				}, nil), nil
			}
			st.Suspended = false
			st.SuspendedUntil = nil
			resumed = true
		}

		g.roll(&st, now)
		d, denied := g.evaluate(&st, kind, now)
		if denied && !resumed {
			return g.deny(agentID, kind, d, nil), nil
		}
		if !denied {
			g.account(&st, kind, now)
		}

		err = g.save(ctx, agentID, a, st)
		if errors.Is(err, ErrStateConflict) && attempt < maxSaveAttempts {
			continue
		}
		if err != nil {
			if denied {
				// The resume is redone on the next call.
				g.log.Warn("persist resume failed", "agent", agentID, "error", err)
				return g.deny(agentID, kind, d, nil), nil
			}
			return g.deny(agentID, kind, Decision{Reason: ReasonStateUnavailable}, err), nil
		}

		if resumed {
			g.audit.Record(audit.KindRateLimitBackoff, map[string]any{
				"decision": "resumed",
				"agent_id": agentID,
			})
		}
		if denied {
			return g.deny(agentID, kind, d, nil), nil
		}
		metrics.Admissions.WithLabelValues(string(kind)).Inc()
		g.noteAdmission(agentID, kind, st)
		return Decision{Admitted: true}, nil
	}
}

// ReportExternalSuspension moves the agent to SUSPENDED for the configured
// backoff. A longer suspension already in force is kept. If the new state
// cannot be persisted it is still enforced by this process and the error
// is returned.
func (g *Governor) ReportExternalSuspension(ctx context.Context, agentID string, now time.Time) error {
	if agentID == "" {
		return ErrInvalidAgent
	}
	a := g.agent(agentID)
	a.mu.Lock()
	defer a.mu.Unlock()

	for attempt := 1; ; attempt++ {
		until := now.Add(g.cfg.SuspensionBackoff)
		st, err := g.load(ctx, agentID, a)
		if err != nil {
			a.hold(until)
			g.recordSuspension(agentID, until, now, err)
			return err
		}

		if st.Suspended && st.SuspendedUntil != nil && st.SuspendedUntil.After(until) {
			until = *st.SuspendedUntil
		}
		st.Suspended = true
		st.SuspendedUntil = &until

		err = g.save(ctx, agentID, a, st)
		if errors.Is(err, ErrStateConflict) && attempt < maxSaveAttempts {
			continue
		}
		if err != nil {
			a.hold(until)
			g.recordSuspension(agentID, until, now, err)
			return fmt.Errorf("persist suspension: %w", err)
		}
		g.recordSuspension(agentID, until, now, nil)
		return nil
	}
}

func (g *Governor) recordSuspension(agentID string, until, now time.Time, cause error) {
	metrics.Suspensions.Inc()
	details := map[string]any{
		"decision":        "suspended",
		"agent_id":        agentID,
		"suspended_until": until.UTC().Format(time.RFC3339),
		"backoff_ms":      until.Sub(now).Milliseconds(),
	}
	if cause != nil {
		details["error"] = cause.Error()
	}
	g.audit.Record(audit.KindRateLimitBackoff, details)
}

func (g *Governor) agent(agentID string) *agentState {
	g.mu.Lock()
	defer g.mu.Unlock()

	a, ok := g.agents[agentID]
	if !ok {
		a = &agentState{}
		g.agents[agentID] = a
	}
	return a
}

// load reads the agent's state from the store and lays any held
// suspension over it. Callers hold a.mu.
func (g *Governor) load(ctx context.Context, agentID string, a *agentState) (RateState, error) {
	st, err := g.store.Load(ctx, agentID)
	switch {
	case errors.Is(err, ErrNoState):
		st = RateState{}
	case err != nil:
		return RateState{}, fmt.Errorf("%w: %v", ErrStateUnavailable, err)
	}
	if a.held != nil && (!st.Suspended || st.SuspendedUntil == nil || st.SuspendedUntil.Before(*a.held)) {
		until := *a.held
		st.Suspended = true
		st.SuspendedUntil = &until
	}
	return st, nil
}

// save writes st, which was derived from a load that included any held
// suspension, so a successful save makes the hold durable.
func (g *Governor) save(ctx context.Context, agentID string, a *agentState, st RateState) error {
	if err := g.store.Save(ctx, agentID, st); err != nil {
		return err
	}
	a.held = nil
	return nil
}

func (a *agentState) hold(until time.Time) {
	if a.held == nil || until.After(*a.held) {
		a.held = &until
	}
}

// roll resets every counter whose period has ended.
func (g *Governor) roll(st *RateState, now time.Time) {
	switch {
	case st.MinuteBoundary.IsZero():
		st.MinuteBoundary = now.Add(time.Minute)
	case !now.Before(st.MinuteBoundary):
		st.APICallsThisMinute = 0
		st.MinuteBoundary = advance(st.MinuteBoundary, time.Minute, now)
	}

	switch {
	case st.HeartbeatBoundary.IsZero():
		st.HeartbeatBoundary = now.Add(g.cfg.HeartbeatInterval)
	case !now.Before(st.HeartbeatBoundary):
		st.CommentsThisHeartbeat = 0
		st.HeartbeatBoundary = advance(st.HeartbeatBoundary, g.cfg.HeartbeatInterval, now)
	}

	switch {
	case st.DayBoundary.IsZero():
		st.DayBoundary = nextUTCMidnight(now)
	case !now.Before(st.DayBoundary):
		st.CommentsToday = 0
		st.PostsToday = 0
		st.DayBoundary = advance(st.DayBoundary, 24*time.Hour, now)
	}
}

// evaluate runs the cooldown then quota checks. The first failing check
// decides.
func (g *Governor) evaluate(st *RateState, kind ActionKind, now time.Time) (Decision, bool) {
	switch kind {
	case ActionPost:
		if st.LastPostAt != nil {
			if elapsed := now.Sub(*st.LastPostAt); elapsed < g.cfg.PostCooldown {
				return Decision{Reason: ReasonPostCooldown, RetryAfter: g.cfg.PostCooldown - elapsed}, true
			}
		}
		if g.cfg.MaxPostsPerDay > 0 && st.PostsToday >= g.cfg.MaxPostsPerDay {
			return Decision{Reason: ReasonDailyPostQuota, RetryAfter: st.DayBoundary.Sub(now)}, true
		}

	case ActionComment:
		floor := max(g.cfg.CommentCooldown, g.cfg.InterCommentDelay)
		if st.LastCommentAt != nil {
			if elapsed := now.Sub(*st.LastCommentAt); elapsed < floor {
				return Decision{Reason: ReasonCommentCooldown, RetryAfter: floor - elapsed}, true
			}
		}
		if st.CommentsThisHeartbeat >= g.cfg.MaxCommentsPerHeartbeat {
			return Decision{Reason: ReasonHeartbeatQuota, RetryAfter: st.HeartbeatBoundary.Sub(now)}, true
		}
		if st.CommentsToday >= g.cfg.MaxCommentsPerDay {
			return Decision{Reason: ReasonDailyQuota, RetryAfter: st.DayBoundary.Sub(now)}, true
		}

	case ActionAPICall:
		if st.APICallsThisMinute >= g.cfg.MaxAPICallsPerMinute {
			return Decision{Reason: ReasonMinuteQuota, RetryAfter: st.MinuteBoundary.Sub(now)}, true
		}
	}
	return Decision{}, false
}

func (g *Governor) account(st *RateState, kind ActionKind, now time.Time) {
	t := now
	switch kind {
	case ActionPost:
		st.LastPostAt = &t
		st.PostsToday++
	case ActionComment:
		st.LastCommentAt = &t
		st.CommentsThisHeartbeat++
		st.CommentsToday++
	case ActionAPICall:
		st.APICallsThisMinute++
	}
}

func (g *Governor) deny(agentID string, kind ActionKind, d Decision, cause error) Decision {
	d.Admitted = false
	details := map[string]any{
		"decision":       "denied",
		"agent_id":       agentID,
		"action":         string(kind),
		"reason":         string(d.Reason),
		"retry_after_ms": d.RetryAfter.Milliseconds(),
	}
	if cause != nil {
		details["error"] = cause.Error()
	}
	g.audit.Record(audit.KindRateLimitBackoff, details)
	metrics.Denials.WithLabelValues(string(kind), string(d.Reason)).Inc()
	return d
}

// noteAdmission logs every post and any admission that leaves a quota
// within 10% of its ceiling.
func (g *Governor) noteAdmission(agentID string, kind ActionKind, st RateState) {
	switch kind {
	case ActionPost:
		g.log.Info("post admitted", "agent", agentID, "posts_today", st.PostsToday)
		if nearCeiling(st.PostsToday, g.cfg.MaxPostsPerDay) {
			g.warnQuota(agentID, kind, "daily-posts", st.PostsToday, g.cfg.MaxPostsPerDay)
		}
	case ActionComment:
		if nearCeiling(st.CommentsThisHeartbeat, g.cfg.MaxCommentsPerHeartbeat) {
			g.warnQuota(agentID, kind, "heartbeat-comments", st.CommentsThisHeartbeat, g.cfg.MaxCommentsPerHeartbeat)
		}
		if nearCeiling(st.CommentsToday, g.cfg.MaxCommentsPerDay) {
			g.warnQuota(agentID, kind, "daily-comments", st.CommentsToday, g.cfg.MaxCommentsPerDay)
		}
	case ActionAPICall:
		if nearCeiling(st.APICallsThisMinute, g.cfg.MaxAPICallsPerMinute) {
			g.warnQuota(agentID, kind, "minute-api-calls", st.APICallsThisMinute, g.cfg.MaxAPICallsPerMinute)
		}
	}
}

func (g *Governor) warnQuota(agentID string, kind ActionKind, quota string, used, limit int) {
	g.log.Warn("admitted near quota ceiling",
		"agent", agentID, "action", string(kind), "quota", quota, "used", used, "limit", limit)
}

func nearCeiling(used, limit int) bool {
	return limit > 0 && used*10 >= limit*9
}
