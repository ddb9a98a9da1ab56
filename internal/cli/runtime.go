package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/gzhole/moltshield/internal/audit"
	"github.com/gzhole/moltshield/internal/config"
	"github.com/gzhole/moltshield/internal/gateway"
	"github.com/gzhole/moltshield/internal/governor"
	"github.com/gzhole/moltshield/internal/logs"
	"github.com/gzhole/moltshield/internal/store"
)

// runtime is the wired core shared by every stateful command.
type runtime struct {
	cfg   *config.Config
	log   *slog.Logger
	audit *audit.Logger
	store store.Store
	gov   *governor.Governor
	gw    *gateway.Gateway
}

func openRuntime(ctx context.Context, opts ...gateway.Option) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := logs.New(os.Stderr, logs.ParseLevel(cfg.LogLevel))

	auditOpts := []audit.Option{
		audit.WithConsole(log),
		audit.WithPreviewLen(cfg.Audit.PreviewLen),
	}
	if cfg.Audit.PubSubProject != "" {
		fwd, err := audit.NewPubSubForwarder(ctx, cfg.Audit.PubSubProject, cfg.Audit.PubSubTopic, log)
		if err != nil {
			return nil, fmt.Errorf("audit forwarder: %w", err)
		}
		auditOpts = append(auditOpts, audit.WithForwarder(fwd))
	}
	auditLog := audit.New(cfg.Audit.Path, auditOpts...)

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		_ = auditLog.Close()
		return nil, fmt.Errorf("state store: %w", err)
	}

	gov, err := governor.New(cfg.Quota, st, auditLog, log)
	if err != nil {
		_ = st.Close()
		_ = auditLog.Close()
		return nil, err
	}
	if err := gov.Load(ctx, cfg.AgentID); err != nil {
		// The governor denies this agent until a load succeeds.
		log.Error("rate state unavailable", "agent", cfg.AgentID, "error", err)
	}

	gwOpts := append([]gateway.Option{gateway.WithLogger(log)}, opts...)
	return &runtime{
		cfg:   cfg,
		log:   log,
		audit: auditLog,
		store: st,
		gov:   gov,
		gw:    gateway.New(gov, auditLog, gwOpts...),
	}, nil
}

func (rt *runtime) Close() {
	if err := rt.store.Close(); err != nil {
		rt.log.Warn("close state store", "error", err)
	}
	if err := rt.audit.Close(); err != nil {
		rt.log.Warn("close audit log", "error", err)
	}
}
