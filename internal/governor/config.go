package governor

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidConfig = errors.New("invalid quota config")

// Config holds the externally imposed limits for one agent identity. It is
// supplied at construction and never changed by the governor.
type Config struct {
	HeartbeatInterval       time.Duration `yaml:"heartbeat_interval"`
	PostCooldown            time.Duration `yaml:"post_cooldown"`
	CommentCooldown         time.Duration `yaml:"comment_cooldown"`
	InterCommentDelay       time.Duration `yaml:"inter_comment_delay"`
	MaxCommentsPerHeartbeat int           `yaml:"max_comments_per_heartbeat"`
	MaxCommentsPerDay       int           `yaml:"max_comments_per_day"`
	MaxAPICallsPerMinute    int           `yaml:"max_api_calls_per_minute"`
	// MaxPostsPerDay caps posts per UTC day. Zero leaves posts bounded by
	// the cooldown alone.
	MaxPostsPerDay    int           `yaml:"max_posts_per_day"`
	SuspensionBackoff time.Duration `yaml:"suspension_backoff"`
}

// DefaultConfig returns the platform's published limits.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:       4 * time.Hour,
		PostCooldown:            30 * time.Minute,
		CommentCooldown:         20 * time.Second,
		InterCommentDelay:       20 * time.Second,
		MaxCommentsPerHeartbeat: 5,
		MaxCommentsPerDay:       50,
		MaxAPICallsPerMinute:    100,
		SuspensionBackoff:       time.Hour,
	}
}

func (c Config) Validate() error {
	durations := []struct {
		name string
		v    time.Duration
	}{
		{"heartbeat_interval", c.HeartbeatInterval},
		{"post_cooldown", c.PostCooldown},
		{"comment_cooldown", c.CommentCooldown},
		{"inter_comment_delay", c.InterCommentDelay},
		{"suspension_backoff", c.SuspensionBackoff},
	}
	for _, d := range durations {
		if d.v <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %s", ErrInvalidConfig, d.name, d.v)
		}
	}

	limits := []struct {
		name string
		v    int
	}{
		{"max_comments_per_heartbeat", c.MaxCommentsPerHeartbeat},
		{"max_comments_per_day", c.MaxCommentsPerDay},
		{"max_api_calls_per_minute", c.MaxAPICallsPerMinute},
	}
	for _, l := range limits {
		if l.v <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidConfig, l.name, l.v)
		}
	}
	if c.MaxPostsPerDay < 0 {
		return fmt.Errorf("%w: max_posts_per_day must not be negative, got %d", ErrInvalidConfig, c.MaxPostsPerDay)
	}
	return nil
}
