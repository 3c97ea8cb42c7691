package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ultrai/ultrai/internal/providers"
)

const (
	probeInterval = 30 * time.Second
	probeTimeout  = 5 * time.Second
)

// Prober periodically runs each adapter's HealthCheck and feeds the results
// into the Manager, so provider status reflects reality before the first
// user request.
type Prober struct {
	adapters map[string]providers.Adapter
	manager  *Manager
	log      *slog.Logger
	baseCtx  context.Context
	interval time.Duration

	done chan struct{}
	wg   sync.WaitGroup
}

// ProberOptions configures a Prober. Zero fields fall back to defaults.
type ProberOptions struct {
	Log *slog.Logger

	// Interval between probe rounds. Default 30s.
	Interval time.Duration
}

// NewProber creates a Prober and immediately runs one synchronous probe
// round before starting the background loop.
func NewProber(ctx context.Context, adapters map[string]providers.Adapter, mgr *Manager, opts ProberOptions) *Prober {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = probeInterval
	}
	p := &Prober{
		adapters: adapters,
		manager:  mgr,
		log:      log,
		baseCtx:  ctx,
		interval: interval,
		done:     make(chan struct{}),
	}

	p.probe()

	p.wg.Add(1)
	go p.run()

	return p
}

// Close stops the background probe goroutine.
func (p *Prober) Close() {
	close(p.done)
	p.wg.Wait()
}

func (p *Prober) run() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.probe()
		case <-p.done:
			return
		case <-p.baseCtx.Done():
			return
		}
	}
}

func (p *Prober) probe() {
	ctx, cancel := context.WithTimeout(p.baseCtx, probeTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for name, adapter := range p.adapters {
		wg.Add(1)
		go func(name string, adapter providers.Adapter) {
			defer wg.Done()
			if err := adapter.HealthCheck(ctx); err != nil {
				p.log.WarnContext(ctx, "provider probe failed",
					slog.String("provider", name),
					slog.String("error", err.Error()),
				)
				p.manager.RecordFailure(name, providers.KindNetwork)
				return
			}
			p.manager.MarkAvailable(name)
		}(name, adapter)
	}
	wg.Wait()
}
