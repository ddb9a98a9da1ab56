package governor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gzhole/moltshield/internal/audit"
	"github.com/gzhole/moltshield/internal/logs"
)

type memStore struct {
	mu      sync.Mutex
	states  map[string]RateState
	failOn  bool
	saves   int
	loadErr error

	// interleave runs once at the start of the next Save, standing in for
	// another process writing between this caller's load and save.
	interleave func()
}

func newMemStore() *memStore {
	return &memStore{states: make(map[string]RateState)}
}

func (m *memStore) Load(_ context.Context, agentID string) (RateState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return RateState{}, m.loadErr
	}
	st, ok := m.states[agentID]
	if !ok {
		return RateState{}, ErrNoState
	}
	return st.clone(), nil
}

func (m *memStore) Save(_ context.Context, agentID string, st RateState) error {
	m.mu.Lock()
	interleave := m.interleave
	m.interleave = nil
	m.mu.Unlock()
	if interleave != nil {
		interleave()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn {
		return errors.New("disk full")
	}
	if m.states[agentID].Version != st.Version {
		return ErrStateConflict
	}
	st.Version++
	m.saves++
	m.states[agentID] = st.clone()
	return nil
}

func (m *memStore) stored(agentID string) RateState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[agentID].clone()
}

func (m *memStore) setFail(v bool) {
	m.mu.Lock()
	m.failOn = v
	m.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recorder) Record(kind audit.EventKind, details map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, audit.Event{Type: kind, Details: details})
}

func (r *recorder) decisions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if d, ok := e.Details["decision"].(string); ok {
			out = append(out, d)
		}
	}
	return out
}

var t0 = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestGovernor(t *testing.T, cfg Config, store Store) (*Governor, *recorder) {
	t.Helper()
	rec := &recorder{}
	g, err := New(cfg, store, rec, logs.Discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g, rec
}

func mustCheck(t *testing.T, g *Governor, kind ActionKind, now time.Time) Decision {
	t.Helper()
	d, err := g.CheckAdmission(context.Background(), "agent-1", kind, now)
	if err != nil {
		t.Fatalf("CheckAdmission(%s): %v", kind, err)
	}
	return d
}

func TestHeartbeatQuota(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CommentCooldown = time.Second
	cfg.InterCommentDelay = time.Second
	g, _ := newTestGovernor(t, cfg, newMemStore())

	now := t0
	for i := 0; i < cfg.MaxCommentsPerHeartbeat; i++ {
		if d := mustCheck(t, g, ActionComment, now); !d.Admitted {
			t.Fatalf("comment %d denied: %+v", i+1, d)
		}
		now = now.Add(2 * time.Second)
	}

	d := mustCheck(t, g, ActionComment, now)
	if d.Admitted || d.Reason != ReasonHeartbeatQuota {
		t.Fatalf("6th comment: got %+v, want heartbeat-quota denial", d)
	}
	want := t0.Add(cfg.HeartbeatInterval).Sub(now)
	if d.RetryAfter != want {
		t.Errorf("RetryAfter = %s, want %s", d.RetryAfter, want)
	}

	if d := mustCheck(t, g, ActionComment, t0.Add(cfg.HeartbeatInterval)); !d.Admitted {
		t.Errorf("comment after heartbeat boundary denied: %+v", d)
	}
}

func TestCommentCooldown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CommentCooldown = 50 * time.Second
	g, _ := newTestGovernor(t, cfg, newMemStore())

	if d := mustCheck(t, g, ActionComment, t0); !d.Admitted {
		t.Fatalf("first comment denied: %+v", d)
	}
	d := mustCheck(t, g, ActionComment, t0.Add(30*time.Second))
	if d.Admitted || d.Reason != ReasonCommentCooldown {
		t.Fatalf("got %+v, want comment-cooldown", d)
	}
	if d.RetryAfter != 20*time.Second {
		t.Errorf("RetryAfter = %s, want 20s", d.RetryAfter)
	}
}

func TestInterCommentDelayIsFloor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CommentCooldown = 5 * time.Second
	cfg.InterCommentDelay = 20 * time.Second
	g, _ := newTestGovernor(t, cfg, newMemStore())

	mustCheck(t, g, ActionComment, t0)
	d := mustCheck(t, g, ActionComment, t0.Add(10*time.Second))
	if d.Admitted || d.RetryAfter != 10*time.Second {
		t.Fatalf("got %+v, want denial with 10s retry", d)
	}
}

func TestPostCooldownAndDailyCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPostsPerDay = 2
	g, _ := newTestGovernor(t, cfg, newMemStore())

	if d := mustCheck(t, g, ActionPost, t0); !d.Admitted {
		t.Fatalf("first post denied: %+v", d)
	}
	d := mustCheck(t, g, ActionPost, t0.Add(10*time.Minute))
	if d.Admitted || d.Reason != ReasonPostCooldown || d.RetryAfter != 20*time.Minute {
		t.Fatalf("got %+v, want post-cooldown with 20m retry", d)
	}
	if d := mustCheck(t, g, ActionPost, t0.Add(30*time.Minute)); !d.Admitted {
		t.Fatalf("post at cooldown end denied: %+v", d)
	}
	d = mustCheck(t, g, ActionPost, t0.Add(2*time.Hour))
	if d.Admitted || d.Reason != ReasonDailyPostQuota {
		t.Fatalf("got %+v, want daily-post-quota", d)
	}
	midnight := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)
	if d.RetryAfter != midnight.Sub(t0.Add(2*time.Hour)) {
		t.Errorf("RetryAfter = %s, want until UTC midnight", d.RetryAfter)
	}
	if d := mustCheck(t, g, ActionPost, midnight); !d.Admitted {
		t.Errorf("post after midnight denied: %+v", d)
	}
}

func TestMinuteQuota(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAPICallsPerMinute = 3
	g, _ := newTestGovernor(t, cfg, newMemStore())

	for i := 0; i < 3; i++ {
		if d := mustCheck(t, g, ActionAPICall, t0.Add(time.Duration(i)*time.Second)); !d.Admitted {
			t.Fatalf("call %d denied: %+v", i+1, d)
		}
	}
	d := mustCheck(t, g, ActionAPICall, t0.Add(45*time.Second))
	if d.Admitted || d.Reason != ReasonMinuteQuota || d.RetryAfter != 15*time.Second {
		t.Fatalf("got %+v, want minute-quota with 15s retry", d)
	}
	if d := mustCheck(t, g, ActionAPICall, t0.Add(time.Minute)); !d.Admitted {
		t.Errorf("call in next minute denied: %+v", d)
	}
}

func TestSuspensionLifecycle(t *testing.T) {
	cfg := DefaultConfig()
	g, rec := newTestGovernor(t, cfg, newMemStore())
	ctx := context.Background()

	if err := g.ReportExternalSuspension(ctx, "agent-1", t0); err != nil {
		t.Fatalf("ReportExternalSuspension: %v", err)
	}

	tests := []struct {
		name   string
		at     time.Duration
		admit  bool
		reason Reason
		retry  time.Duration
	}{
		{"immediately", 0, false, ReasonSuspended, time.Hour},
		{"half way", 30 * time.Minute, false, ReasonSuspended, 30 * time.Minute},
		{"at window end", time.Hour, true, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := mustCheck(t, g, ActionAPICall, t0.Add(tt.at))
			if d.Admitted != tt.admit || d.Reason != tt.reason || d.RetryAfter != tt.retry {
				t.Errorf("got %+v, want admitted=%v reason=%q retry=%s", d, tt.admit, tt.reason, tt.retry)
			}
		})
	}

	st, err := g.State(ctx, "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Suspended || st.SuspendedUntil != nil {
		t.Errorf("state still suspended after resume: %+v", st)
	}

	got := rec.decisions()
	want := []string{"suspended", "denied", "denied", "resumed"}
	if len(got) != len(want) {
		t.Fatalf("audit decisions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("audit decision %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSuspensionKeepsLongerWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SuspensionBackoff = 2 * time.Hour
	g, _ := newTestGovernor(t, cfg, newMemStore())
	ctx := context.Background()

	if err := g.ReportExternalSuspension(ctx, "agent-1", t0); err != nil {
		t.Fatal(err)
	}
	g.cfg.SuspensionBackoff = 10 * time.Minute
	if err := g.ReportExternalSuspension(ctx, "agent-1", t0.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	st, _ := g.State(ctx, "agent-1")
	if want := t0.Add(2 * time.Hour); !st.SuspendedUntil.Equal(want) {
		t.Errorf("SuspendedUntil = %s, want %s", st.SuspendedUntil, want)
	}
}

func TestRestartResumesFromStore(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CommentCooldown = time.Second
	cfg.InterCommentDelay = time.Second
	store := newMemStore()

	g1, _ := newTestGovernor(t, cfg, store)
	now := t0
	for i := 0; i < cfg.MaxCommentsPerHeartbeat; i++ {
		mustCheck(t, g1, ActionComment, now)
		now = now.Add(2 * time.Second)
	}

	g2, _ := newTestGovernor(t, cfg, store)
	if err := g2.Load(context.Background(), "agent-1"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	d := mustCheck(t, g2, ActionComment, now)
	if d.Admitted || d.Reason != ReasonHeartbeatQuota {
		t.Errorf("after restart got %+v, want heartbeat-quota", d)
	}
}

func TestBoundariesDoNotDrift(t *testing.T) {
	cfg := DefaultConfig()
	g, _ := newTestGovernor(t, cfg, newMemStore())
	ctx := context.Background()

	mustCheck(t, g, ActionAPICall, t0)
	// Checks land late in each period; the boundary must stay on the
	// minute grid anchored at t0.
	mustCheck(t, g, ActionAPICall, t0.Add(3*time.Minute+50*time.Second))

	st, _ := g.State(ctx, "agent-1")
	if want := t0.Add(4 * time.Minute); !st.MinuteBoundary.Equal(want) {
		t.Errorf("MinuteBoundary = %s, want %s", st.MinuteBoundary, want)
	}
	if want := t0.Add(cfg.HeartbeatInterval); !st.HeartbeatBoundary.Equal(want) {
		t.Errorf("HeartbeatBoundary = %s, want %s", st.HeartbeatBoundary, want)
	}

	later := t0.Add(9*time.Hour + 7*time.Minute)
	mustCheck(t, g, ActionAPICall, later)
	st, _ = g.State(ctx, "agent-1")
	if want := t0.Add(12 * time.Hour); !st.HeartbeatBoundary.Equal(want) {
		t.Errorf("HeartbeatBoundary = %s, want %s", st.HeartbeatBoundary, want)
	}
}

func TestPersistFailureFailsClosed(t *testing.T) {
	cfg := DefaultConfig()
	store := newMemStore()
	g, rec := newTestGovernor(t, cfg, store)
	ctx := context.Background()

	mustCheck(t, g, ActionAPICall, t0)
	store.setFail(true)

	d := mustCheck(t, g, ActionAPICall, t0.Add(time.Second))
	if d.Admitted || d.Reason != ReasonStateUnavailable {
		t.Fatalf("got %+v, want state-unavailable", d)
	}
	st, _ := g.State(ctx, "agent-1")
	if st.APICallsThisMinute != 1 {
		t.Errorf("APICallsThisMinute = %d, want 1 (rolled back)", st.APICallsThisMinute)
	}

	store.setFail(false)
	if d := mustCheck(t, g, ActionAPICall, t0.Add(2*time.Second)); !d.Admitted {
		t.Errorf("after store recovers got %+v", d)
	}

	last := rec.events[len(rec.events)-1]
	if last.Details["reason"] != string(ReasonStateUnavailable) {
		t.Errorf("last audit reason = %v, want state-unavailable", last.Details["reason"])
	}
}

func TestLoadFailureDenies(t *testing.T) {
	store := newMemStore()
	store.loadErr = errors.New("connection refused")
	g, _ := newTestGovernor(t, DefaultConfig(), store)

	d := mustCheck(t, g, ActionPost, t0)
	if d.Admitted || d.Reason != ReasonStateUnavailable {
		t.Fatalf("got %+v, want state-unavailable", d)
	}
	if err := g.Load(context.Background(), "agent-1"); !errors.Is(err, ErrStateUnavailable) {
		t.Errorf("Load error = %v, want ErrStateUnavailable", err)
	}
}

func TestConcurrentAdmissionDoesNotOvershoot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAPICallsPerMinute = 25
	store := newMemStore()
	g, _ := newTestGovernor(t, cfg, store)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := g.CheckAdmission(context.Background(), "agent-1", ActionAPICall, t0)
			if err != nil {
				t.Error(err)
				return
			}
			if d.Admitted {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != cfg.MaxAPICallsPerMinute {
		t.Errorf("admitted = %d, want %d", admitted, cfg.MaxAPICallsPerMinute)
	}
	if store.states["agent-1"].APICallsThisMinute != cfg.MaxAPICallsPerMinute {
		t.Errorf("persisted count = %d", store.states["agent-1"].APICallsThisMinute)
	}
}

func TestSharedStoreAcrossGovernors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCommentsPerHeartbeat = 1
	cfg.CommentCooldown = time.Second
	cfg.InterCommentDelay = time.Second
	store := newMemStore()
	ctx := context.Background()

	g1, _ := newTestGovernor(t, cfg, store)
	g2, _ := newTestGovernor(t, cfg, store)
	if err := g2.Load(ctx, "agent-1"); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if d := mustCheck(t, g1, ActionComment, t0); !d.Admitted {
		t.Fatalf("first governor: %+v", d)
	}
	d := mustCheck(t, g2, ActionComment, t0.Add(time.Minute))
	if d.Admitted || d.Reason != ReasonHeartbeatQuota {
		t.Fatalf("second governor got %+v, want heartbeat-quota", d)
	}

	if err := g2.ReportExternalSuspension(ctx, "agent-1", t0.Add(2*time.Minute)); err != nil {
		t.Fatal(err)
	}
	d = mustCheck(t, g1, ActionAPICall, t0.Add(3*time.Minute))
	if d.Admitted || d.Reason != ReasonSuspended {
		t.Errorf("first governor after suspension elsewhere got %+v, want suspended", d)
	}
}

func TestSaveConflictRetriesOnFreshState(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAPICallsPerMinute = 2
	store := newMemStore()
	g1, _ := newTestGovernor(t, cfg, store)
	g2, _ := newTestGovernor(t, cfg, store)

	mustCheck(t, g1, ActionAPICall, t0)

	var other Decision
	store.interleave = func() {
		other = mustCheck(t, g2, ActionAPICall, t0.Add(time.Second))
	}
	d := mustCheck(t, g1, ActionAPICall, t0.Add(time.Second))

	if !other.Admitted {
		t.Fatalf("interleaved call: %+v", other)
	}
	if d.Admitted || d.Reason != ReasonMinuteQuota {
		t.Errorf("got %+v, want minute-quota after reloading", d)
	}
	if got := store.stored("agent-1"); got.APICallsThisMinute != 2 || got.Version != 2 {
		t.Errorf("stored calls=%d version=%d, want 2 and 2", got.APICallsThisMinute, got.Version)
	}
}

func TestSuspensionHeldWhenPersistFails(t *testing.T) {
	store := newMemStore()
	g, rec := newTestGovernor(t, DefaultConfig(), store)
	ctx := context.Background()

	store.setFail(true)
	if err := g.ReportExternalSuspension(ctx, "agent-1", t0); err == nil {
		t.Fatal("expected persist error")
	}
	store.setFail(false)

	d := mustCheck(t, g, ActionAPICall, t0.Add(10*time.Minute))
	if d.Admitted || d.Reason != ReasonSuspended || d.RetryAfter != 50*time.Minute {
		t.Fatalf("got %+v, want suspended with 50m left", d)
	}
	if d := mustCheck(t, g, ActionAPICall, t0.Add(time.Hour)); !d.Admitted {
		t.Fatalf("after backoff got %+v", d)
	}
	if st := store.stored("agent-1"); st.Suspended {
		t.Errorf("stored state still suspended: %+v", st)
	}

	want := []string{"suspended", "denied", "resumed"}
	got := rec.decisions()
	if len(got) != len(want) {
		t.Fatalf("audit decisions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("audit decision %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestResumeRecordedOnlyOncePersisted(t *testing.T) {
	store := newMemStore()
	g, rec := newTestGovernor(t, DefaultConfig(), store)
	ctx := context.Background()

	if err := g.ReportExternalSuspension(ctx, "agent-1", t0); err != nil {
		t.Fatal(err)
	}

	store.setFail(true)
	d := mustCheck(t, g, ActionAPICall, t0.Add(time.Hour))
	if d.Admitted || d.Reason != ReasonStateUnavailable {
		t.Fatalf("got %+v, want state-unavailable", d)
	}
	for _, decision := range rec.decisions() {
		if decision == "resumed" {
			t.Fatal("resume recorded although it was not persisted")
		}
	}
	if st := store.stored("agent-1"); !st.Suspended {
		t.Errorf("stored state lost its suspension: %+v", st)
	}

	store.setFail(false)
	if d := mustCheck(t, g, ActionAPICall, t0.Add(time.Hour+time.Second)); !d.Admitted {
		t.Fatalf("after store recovers got %+v", d)
	}
	got := rec.decisions()
	if got[len(got)-1] != "resumed" {
		t.Errorf("audit decisions = %v, want trailing resumed", got)
	}
}

func TestInvalidRequests(t *testing.T) {
	g, _ := newTestGovernor(t, DefaultConfig(), newMemStore())
	ctx := context.Background()

	if _, err := g.CheckAdmission(ctx, "", ActionPost, t0); !errors.Is(err, ErrInvalidAgent) {
		t.Errorf("empty agent: err = %v", err)
	}
	if _, err := g.CheckAdmission(ctx, "agent-1", ActionKind("like"), t0); !errors.Is(err, ErrUnknownAction) {
		t.Errorf("unknown kind: err = %v", err)
	}
	if _, err := ParseActionKind("api-call"); err != nil {
		t.Errorf("ParseActionKind(api-call): %v", err)
	}
}

func TestAgentsAreIndependent(t *testing.T) {
	g, _ := newTestGovernor(t, DefaultConfig(), newMemStore())
	ctx := context.Background()

	if err := g.ReportExternalSuspension(ctx, "agent-a", t0); err != nil {
		t.Fatal(err)
	}
	d, err := g.CheckAdmission(ctx, "agent-b", ActionPost, t0)
	if err != nil || !d.Admitted {
		t.Errorf("agent-b: %+v, %v", d, err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"zero heartbeat", func(c *Config) { c.HeartbeatInterval = 0 }, false},
		{"negative post cap", func(c *Config) { c.MaxPostsPerDay = -1 }, false},
		{"zero minute quota", func(c *Config) { c.MaxAPICallsPerMinute = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, ok want %v", err, tt.ok)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("error %v does not wrap ErrInvalidConfig", err)
			}
		})
	}
}

func TestNearCeiling(t *testing.T) {
	tests := []struct {
		used, limit int
		want        bool
	}{
		{4, 5, false},
		{5, 5, true},
		{44, 50, false},
		{45, 50, true},
		{90, 100, true},
		{3, 0, false},
	}
	for _, tt := range tests {
		if got := nearCeiling(tt.used, tt.limit); got != tt.want {
			t.Errorf("nearCeiling(%d, %d) = %v, want %v", tt.used, tt.limit, got, tt.want)
		}
	}
}
