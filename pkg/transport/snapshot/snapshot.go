// Package snapshot is the HTTP GET/PUT transport variant: periodic
// fetch/store of the full encoded document against a stateless endpoint,
// authenticated with a bearer token sent in the Authorization header
// (§4.H). Ordering is
// eventual and coarse — every round trip exchanges the whole state, not a
// delta.
package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/troparcel/sync/pkg/log"
	"github.com/troparcel/sync/pkg/transport"
)

// DefaultPollInterval is how often the remote snapshot is re-fetched.
const DefaultPollInterval = 10 * time.Second

// Config configures one snapshot endpoint.
type Config struct {
	URL          string // full https URL
	BearerToken  string
	PollInterval time.Duration
	HTTPClient   *http.Client
}

// Adapter periodically GETs the remote snapshot and PUTs local sends.
type Adapter struct {
	cfg    Config
	client *http.Client

	mu       sync.Mutex
	cancel   context.CancelFunc
	lastETag string
}

// New returns an unconnected Adapter for cfg.
func New(cfg Config) *Adapter {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Adapter{cfg: cfg, client: client}
}

// Connect performs an initial fetch and starts the poll loop.
func (a *Adapter) Connect(ctx context.Context, _ []byte, events transport.Events) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	if events.OnStatus != nil {
		events.OnStatus(transport.StatusConnecting, nil)
	}

	a.fetch(runCtx, events)

	if events.OnStatus != nil {
		events.OnStatus(transport.StatusConnected, nil)
	}

	go a.pollLoop(runCtx, events)
	return nil
}

func (a *Adapter) pollLoop(ctx context.Context, events transport.Events) {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.fetch(ctx, events)
		}
	}
}

func (a *Adapter) fetch(ctx context.Context, events transport.Events) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.URL, nil)
	if err != nil {
		return
	}
	a.setAuth(req)

	a.mu.Lock()
	etag := a.lastETag
	a.mu.Unlock()
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		log.WithComponent("transport-snapshot").Warn().Err(err).Msg("snapshot fetch failed")
		if events.OnStatus != nil {
			events.OnStatus(transport.StatusError, err)
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("snapshot transport: unexpected status %d", resp.StatusCode)
		if events.OnStatus != nil {
			events.OnStatus(transport.StatusError, err)
		}
		return
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return
	}

	a.mu.Lock()
	a.lastETag = resp.Header.Get("ETag")
	a.mu.Unlock()

	if events.OnUpdate != nil {
		events.OnUpdate(data)
	}
}

// Send PUTs the full encoded state to the endpoint.
func (a *Adapter) Send(update []byte) error {
	req, err := http.NewRequest(http.MethodPut, a.cfg.URL, bytes.NewReader(update))
	if err != nil {
		return fmt.Errorf("snapshot transport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	a.setAuth(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("snapshot transport: PUT: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("snapshot transport: PUT returned status %d", resp.StatusCode)
	}
	return nil
}

func (a *Adapter) setAuth(req *http.Request) {
	if a.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.BearerToken)
	}
}

// Disconnect stops the poll loop.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	return nil
}

// Destroy is Disconnect with no further reuse expected.
func (a *Adapter) Destroy() error {
	return a.Disconnect()
}

var _ transport.Adapter = (*Adapter)(nil)
