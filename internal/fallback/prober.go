package fallback

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/promptgate/promptgate/internal/llm"
)

// ProberConfig configures the background reachability prober.
type ProberConfig struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
}

// DefaultProberConfig returns sensible defaults.
func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		Interval:     30 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}
}

// Prober periodically probes provider health endpoints. A reachable endpoint
// re-enables a disabled provider; a dead endpoint does not force a provider
// out, that is the engine's job based on real traffic.
type Prober struct {
	cfg    ProberConfig
	engine *Engine
	client *http.Client
	logger *slog.Logger
	stop   chan struct{}
	done   chan struct{}
}

// NewProber creates a prober over the engine's registered providers.
func NewProber(cfg ProberConfig, engine *Engine, logger *slog.Logger) *Prober {
	return &Prober{
		cfg:    cfg,
		engine: engine,
		client: &http.Client{Timeout: cfg.ProbeTimeout},
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start begins the periodic probe loop in a goroutine.
func (p *Prober) Start() {
	go p.run()
}

// Stop signals the prober to stop and waits for it to finish.
func (p *Prober) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Prober) run() {
	defer close(p.done)

	p.probeAll()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.probeAll()
		case <-p.stop:
			return
		}
	}
}

func (p *Prober) probeAll() {
	var wg sync.WaitGroup
	for _, id := range p.engine.Providers() {
		status, ok := p.engine.StatusOf(id)
		if !ok || status.State != StateDisabled {
			continue
		}
		client, ok := p.engine.Client(id)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(id llm.ProviderID, c llm.Client) {
			defer wg.Done()
			p.probe(id, c)
		}(id, client)
	}
	wg.Wait()
}

func (p *Prober) probe(id llm.ProviderID, c llm.Client) {
	endpoint := c.HealthEndpoint()
	if endpoint == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("health probe failed",
			slog.String("provider", string(id)),
			slog.String("error", err.Error()),
		)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	// 2xx, 401 (endpoint exists, auth required), and 405 (endpoint exists,
	// wrong method) all prove reachability.
	if resp.StatusCode >= 200 && resp.StatusCode < 300 ||
		resp.StatusCode == http.StatusUnauthorized ||
		resp.StatusCode == http.StatusMethodNotAllowed {
		p.logger.Info("provider endpoint reachable, re-enabling",
			slog.String("provider", string(id)),
			slog.Int("status", resp.StatusCode),
		)
		p.engine.SetAvailable(id, true, "probe_reachable")
	}
}
