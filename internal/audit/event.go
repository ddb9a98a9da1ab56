package audit

// EventKind names a security-relevant event. The set is closed.
type EventKind string

const (
	KindInjectionDetected       EventKind = "INJECTION_DETECTED"
	KindKeyRequestBlocked       EventKind = "KEY_REQUEST_BLOCKED"
	KindSensitiveRequestFlagged EventKind = "SENSITIVE_REQUEST_FLAGGED"
	KindRateLimitBackoff        EventKind = "RATE_LIMIT_BACKOFF"
	KindSuspiciousPattern       EventKind = "SUSPICIOUS_PATTERN"
	KindPlatformSecurityAlert   EventKind = "PLATFORM_SECURITY_ALERT"
	KindChallengeDetected       EventKind = "CHALLENGE_DETECTED"
	KindChallengeSolved         EventKind = "CHALLENGE_SOLVED"
	KindChallengeFailed         EventKind = "CHALLENGE_FAILED"
	KindChallengePolled         EventKind = "CHALLENGE_POLLED"
	KindChallengeDMDetected     EventKind = "CHALLENGE_DM_DETECTED"
)

var kinds = []EventKind{
	KindInjectionDetected,
	KindKeyRequestBlocked,
	KindSensitiveRequestFlagged,
	KindRateLimitBackoff,
	KindSuspiciousPattern,
	KindPlatformSecurityAlert,
	KindChallengeDetected,
	KindChallengeSolved,
	KindChallengeFailed,
	KindChallengePolled,
	KindChallengeDMDetected,
}

// Kinds returns every event kind.
func Kinds() []EventKind {
	out := make([]EventKind, len(kinds))
	copy(out, kinds)
	return out
}

func (k EventKind) Valid() bool {
	for _, v := range kinds {
		if v == k {
			return true
		}
	}
	return false
}

// Event is one line of the audit log. The field names are read by external
// log tooling and must not change.
type Event struct {
	Timestamp string         `json:"timestamp"`
	Type      EventKind      `json:"type"`
	Details   map[string]any `json:"details"`
}

// Recorder accepts security events. Record never fails the caller.
type Recorder interface {
	Record(kind EventKind, details map[string]any)
}

// Forwarder receives a copy of every serialized record after the durable
// write. Forward must not block on network I/O.
type Forwarder interface {
	Forward(kind EventKind, line []byte)
	Close() error
}
