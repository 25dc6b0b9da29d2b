package connectivity

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

// ProbeConfig configures a Probe.
type ProbeConfig struct {
	// URL is fetched on every check; any 2xx response means online
	URL string
	// Interval between checks (default 15s)
	Interval time.Duration
	// Timeout bounds each check (default 5s)
	Timeout time.Duration
	// Client overrides the HTTP client
	Client *http.Client
	// Logger for transition logging (default: stderr with [connectivity] prefix)
	Logger *log.Logger
}

// Probe is a Signal driven by polling a health endpoint.
type Probe struct {
	config ProbeConfig
	client *http.Client
	logger *log.Logger

	mu      sync.Mutex
	online  bool
	checked bool
	subs    listeners
}

// NewProbe creates a Probe. It reports offline until the first check succeeds.
func NewProbe(config ProbeConfig) *Probe {
	if config.Interval == 0 {
		config.Interval = 15 * time.Second
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}
	client := config.Client
	if client == nil {
		client = &http.Client{}
	}
	return &Probe{config: config, client: client, logger: config.Logger}
}

// IsOnline implements Signal.
func (p *Probe) IsOnline() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// Subscribe implements Signal.
func (p *Probe) Subscribe(fn func()) func() {
	return p.subs.subscribe(fn)
}

// Check runs one probe, updates the state and returns it.
func (p *Probe) Check(ctx context.Context) bool {
	err := p.ping(ctx)
	online := err == nil

	p.mu.Lock()
	wasOnline, wasChecked := p.online, p.checked
	p.online, p.checked = online, true
	p.mu.Unlock()

	switch {
	case online && !wasOnline:
		p.logger.Printf("Remote reachable at %s", p.config.URL)
		p.subs.notify()
	case !online && (wasOnline || !wasChecked):
		p.logger.Printf("Remote unreachable: %v", err)
	}
	return online
}

func (p *Probe) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.URL, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

// Run checks immediately and then on every interval until ctx is cancelled.
func (p *Probe) Run(ctx context.Context) {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	p.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
