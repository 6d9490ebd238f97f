package netstate

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Prober decides connectivity by polling an HTTP endpoint. Any response,
// whatever its status, counts as connected; a transport error counts as
// offline. Subscribers are notified on transitions only.
type Prober struct {
	hub
	url      string
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger

	mu      sync.RWMutex
	online  bool
	probed  bool
	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewProber creates a prober for url. interval <= 0 defaults to 10s.
func NewProber(url string, interval time.Duration, logger *slog.Logger) *Prober {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger.With("component", "netstate", "observer", "probe"),
		stop:     make(chan struct{}),
	}
}

// Start begins polling in a goroutine.
func (p *Prober) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.poll(ctx)
	p.logger.Info("network prober started", "url", p.url, "interval", p.interval)
}

// Stop ends polling and waits for the goroutine to exit.
func (p *Prober) Stop() {
	p.stopped.Do(func() {
		close(p.stop)
	})
	p.wg.Wait()
}

// Online probes immediately and returns the result.
func (p *Prober) Online(ctx context.Context) bool {
	return p.check(ctx)
}

func (p *Prober) poll(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.check(ctx)
		}
	}
}

func (p *Prober) check(ctx context.Context) bool {
	online := p.probe(ctx)

	p.mu.Lock()
	changed := !p.probed || p.online != online
	p.online = online
	p.probed = true
	p.mu.Unlock()

	if changed {
		p.logger.Info("network state changed", "online", online)
		p.notify(online)
	}
	return online
}

func (p *Prober) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		p.logger.Warn("build probe request", "error", err)
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("probe failed", "error", err)
		return false
	}
	resp.Body.Close() //nolint:errcheck
	return true
}
