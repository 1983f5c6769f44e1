package connectivity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	DefaultProbeInterval = 15 * time.Second
	DefaultProbeTimeout  = 3 * time.Second
)

// Prober checks reachability with an HTTP heartbeat.
// Anything other than a direct 2xx counts as offline: captive portals
// answer with redirects or their own pages.
type Prober struct {
	URL      string
	Interval time.Duration
	Timeout  time.Duration
	Client   *http.Client
}

// NewProber creates a prober for url with default interval and timeout.
func NewProber(url string) *Prober {
	return &Prober{
		URL:      url,
		Interval: DefaultProbeInterval,
		Timeout:  DefaultProbeTimeout,
	}
}

func (p *Prober) client() *http.Client {
	c := p.Client
	if c == nil {
		c = &http.Client{}
	}
	// Never follow redirects; copy so the caller's client is untouched.
	cp := *c
	cp.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &cp
}

// Probe performs one heartbeat and reports whether the remote answered.
func (p *Prober) Probe(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		slog.Warn("invalid probe request", "url", p.URL, "error", err)
		return false
	}
	resp, err := p.client().Do(req)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			slog.Debug("probe failed", "url", p.URL, "error", err)
		}
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !ok {
		slog.Debug("probe rejected", "url", p.URL, "status", resp.StatusCode)
	}
	return ok
}

// Detector feeds a Monitor from the platform signal. When a Prober is set,
// a platform "online" is only believed once a heartbeat succeeds, and Run
// keeps probing while the platform claims connectivity.
//
// Each report bumps a generation; a probe result is applied only if no
// newer report arrived while it ran.
type Detector struct {
	monitor *Monitor
	prober  *Prober

	mu       sync.Mutex
	platform bool
	gen      uint64
}

// NewDetector creates a detector. prober may be nil.
func NewDetector(m *Monitor, prober *Prober) *Detector {
	return &Detector{monitor: m, prober: prober, platform: m.IsOnline()}
}

// Report records a platform network-state signal.
func (d *Detector) Report(ctx context.Context, online bool) {
	d.mu.Lock()
	d.gen++
	gen := d.gen
	d.platform = online
	if !online || d.prober == nil {
		d.monitor.Set(online)
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	d.apply(gen, d.prober.Probe(ctx))
}

// apply sets the monitor from a probe started at generation gen.
func (d *Detector) apply(gen uint64, reachable bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if gen != d.gen || !d.platform {
		slog.Debug("stale probe result ignored", "reachable", reachable)
		return
	}
	d.monitor.Set(reachable)
}

// Run re-probes on the prober's interval until ctx is done.
// Without a prober it just waits for ctx.
func (d *Detector) Run(ctx context.Context) {
	if d.prober == nil {
		<-ctx.Done()
		return
	}
	interval := d.prober.Interval
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.mu.Lock()
			platform, gen := d.platform, d.gen
			d.mu.Unlock()
			if !platform {
				continue
			}
			d.apply(gen, d.prober.Probe(ctx))
		}
	}
}
