// Package daemon owns the consolidated relay subscription, the event router,
// and the lifecycle of per-project runtimes.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/tenex-chat/tenexd/internal/agents"
	"github.com/tenex-chat/tenexd/internal/bus"
	"github.com/tenex-chat/tenexd/internal/config"
	"github.com/tenex-chat/tenexd/internal/executor"
	"github.com/tenex-chat/tenexd/internal/gateway"
	"github.com/tenex-chat/tenexd/internal/llm"
	"github.com/tenex-chat/tenexd/internal/project"
	"github.com/tenex-chat/tenexd/internal/relay"
	"github.com/tenex-chat/tenexd/internal/store/archive"
	"github.com/tenex-chat/tenexd/pkg/protocol"

	"github.com/nbd-wtf/go-nostr"
)

const (
	reapInterval      = time.Minute
	heartbeatInterval = 30 * time.Second
	shutdownGrace     = 5 * time.Second
)

// Daemon is the long-running process: one subscription in, per-project
// runtimes materialized lazily, everything torn down on context cancel.
type Daemon struct {
	cfg      *config.Config
	log      *slog.Logger
	pool     *relay.Pool
	relayPub *relay.Publisher
	pub      *executor.Publisher
	global   *agents.GlobalStore
	exec     *executor.Executor
	bus      *bus.Bus
	gw       *gateway.Server
	arch     *archive.Archive
	fallback *relay.Signer
	cron     *gronx.Gronx

	mu       sync.Mutex
	runtimes map[string]*project.Runtime // coordinate → active runtime
	contexts map[string]*project.Context // coordinate → known definition
	failed   map[string]error            // coordinate → materialization failure
}

// New wires the daemon from validated config. Fatal wiring errors (bad nsec,
// unreadable global dir, archive open failure) surface here; the caller maps
// them to exit code 1.
func New(cfg *config.Config, log *slog.Logger) (*Daemon, error) {
	if log == nil {
		log = slog.Default()
	}

	var fallback *relay.Signer
	if cfg.Nsec != "" {
		s, err := relay.NewSigner(cfg.Nsec)
		if err != nil {
			return nil, fmt.Errorf("daemon: TENEX_NSEC: %w", err)
		}
		fallback = s
	}

	if err := os.MkdirAll(cfg.AgentsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("daemon: agents dir: %w", err)
	}
	global, err := agents.OpenGlobalStore(cfg.AgentsDir())
	if err != nil {
		return nil, fmt.Errorf("daemon: agents: %w", err)
	}

	pool := relay.NewPool(cfg.Relays)
	relayPub := relay.NewPublisher(pool)
	pub := executor.NewPublisher(relayPub, fallback)
	evBus := bus.New()

	d := &Daemon{
		cfg:      cfg,
		log:      log,
		pool:     pool,
		relayPub: relayPub,
		pub:      pub,
		global:   global,
		bus:      evBus,
		fallback: fallback,
		cron:     gronx.New(),
		runtimes: make(map[string]*project.Runtime),
		contexts: make(map[string]*project.Context),
		failed:   make(map[string]error),
	}

	d.exec = &executor.Executor{
		Provider:  llm.NewAnthropicProvider(cfg.LLM.APIKey, cfg.LLM.BaseURL),
		Tools:     builtinTools(),
		Publisher: pub,
		MaxSteps:  cfg.MaxSteps(),
		Emit:      evBus.Emit,
		Log:       log,
	}
	pub.OnPublished = d.onPublished

	if cfg.Archive.Enabled {
		a, err := archive.Open(filepath.Join(cfg.GlobalDir, "archive.db"), log)
		if err != nil {
			global.Close()
			return nil, err
		}
		d.arch = a
	}
	if cfg.Gateway.Listen != "" {
		d.gw = gateway.NewServer(cfg.Gateway.Listen, evBus, log)
	}
	return d, nil
}

// Bus exposes the observer bus, used by tests and the cmd layer.
func (d *Daemon) Bus() *bus.Bus { return d.bus }

// Run blocks until ctx is cancelled, then shuts down cleanly.
func (d *Daemon) Run(ctx context.Context) error {
	if d.gw != nil {
		if err := d.gw.Start(); err != nil {
			return fmt.Errorf("daemon: gateway: %w", err)
		}
	}

	events, err := d.pool.Subscribe(ctx, nostr.Filters{{
		Kinds: []int{
			protocol.KindConversationRoot,
			protocol.KindConversationReply,
			protocol.KindProject,
			protocol.KindAgentDefinition,
		},
	}})
	if err != nil {
		return fmt.Errorf("daemon: subscribe: %w", err)
	}
	d.log.Info("daemon running", "relays", len(d.cfg.Relays))

	reap := time.NewTicker(reapInterval)
	defer reap.Stop()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	maintenance := time.NewTicker(time.Minute)
	defer maintenance.Stop()

	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return nil
		case ev, ok := <-events:
			if !ok {
				d.shutdown()
				return nil
			}
			d.route(ctx, ev)
		case now := <-reap.C:
			d.reapIdle(now)
		case <-heartbeat.C:
			d.publishHeartbeats(ctx)
		case <-maintenance.C:
			d.runMaintenance()
		}
	}
}

// reapIdle tears down runtimes whose inactivity window elapsed with nothing
// pending.
func (d *Daemon) reapIdle(now time.Time) {
	d.mu.Lock()
	var idle []*project.Runtime
	for coord, rt := range d.runtimes {
		if rt.Idle(now) {
			idle = append(idle, rt)
			delete(d.runtimes, coord)
		}
	}
	d.mu.Unlock()

	for _, rt := range idle {
		d.log.Info("reaping idle project", "project", rt.Ctx.Slug)
		rt.Shutdown(shutdownGrace)
	}
}

func (d *Daemon) shutdown() {
	d.log.Info("shutting down")
	d.bus.Emit(protocol.EventShutdown, nil)

	d.mu.Lock()
	rts := make([]*project.Runtime, 0, len(d.runtimes))
	for _, rt := range d.runtimes {
		rts = append(rts, rt)
	}
	d.runtimes = make(map[string]*project.Runtime)
	d.mu.Unlock()

	var wg sync.WaitGroup
	for _, rt := range rts {
		wg.Add(1)
		go func(rt *project.Runtime) {
			defer wg.Done()
			rt.Shutdown(shutdownGrace)
		}(rt)
	}
	wg.Wait()

	d.relayPub.Close()
	d.pool.Close()
	d.global.Close()
	if d.gw != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		d.gw.Shutdown(ctx)
		cancel()
	}
	if d.arch != nil {
		d.arch.Close()
	}
	d.log.Info("shutdown complete")
}
