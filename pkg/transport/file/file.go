// Package file is the shared-folder transport variant: peers exchange
// updates by polling a directory, relying on filesystem ACLs (e.g. a
// synced Dropbox/NFS folder) for access control (§4.H). Ordering is
// eventual — two peers polling the same directory can observe writes in
// different orders, which the CRDT merge tolerates by construction.
package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/troparcel/sync/pkg/log"
	"github.com/troparcel/sync/pkg/transport"
)

// DefaultPollInterval is how often the directory is rescanned.
const DefaultPollInterval = 3 * time.Second

// Config configures one directory-backed connection.
type Config struct {
	Dir          string // shared folder; created if missing
	PollInterval time.Duration
}

// Adapter polls Dir for new update files and writes its own sends there.
type Adapter struct {
	cfg    Config
	selfID string

	mu     sync.Mutex
	cancel context.CancelFunc
	seen   map[string]bool
}

// New returns an unconnected Adapter for cfg.
func New(cfg Config) *Adapter {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Adapter{
		cfg:    cfg,
		selfID: uuid.NewString(),
		seen:   make(map[string]bool),
	}
}

// Connect ensures the directory exists and starts the poll loop. The
// initial state vector is ignored: every poll delivers every file not
// written by this adapter instance and not previously seen at its current
// modification time.
func (a *Adapter) Connect(ctx context.Context, _ []byte, events transport.Events) error {
	if err := os.MkdirAll(a.cfg.Dir, 0o700); err != nil {
		return fmt.Errorf("file transport: mkdir %s: %w", a.cfg.Dir, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

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
			a.scan(events)
		}
	}
}

func (a *Adapter) scan(events transport.Events) {
	entries, err := os.ReadDir(a.cfg.Dir)
	if err != nil {
		log.WithComponent("transport-file").Warn().Err(err).Msg("failed to list shared folder")
		return
	}

	var names []string
	versions := make(map[string]string)
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".update" {
			names = append(names, e.Name())
			if info, err := e.Info(); err == nil {
				versions[e.Name()] = info.ModTime().String()
			}
		}
	}
	sort.Strings(names)

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, name := range names {
		// A peer rewrites the same file on every Send, so a file counts as
		// seen only at the modification time it had when it was delivered.
		key := name + "@" + versions[name]
		if a.seen[key] {
			continue
		}
		a.seen[key] = true
		if filepath.Base(name) == a.selfID+".update" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(a.cfg.Dir, name))
		if err != nil {
			continue
		}
		if events.OnUpdate != nil {
			events.OnUpdate(data)
		}
	}
}

// Send writes update to a file named for this adapter instance, overwriting
// any previous send (only the latest full/delta state matters per poll).
func (a *Adapter) Send(update []byte) error {
	dest := filepath.Join(a.cfg.Dir, a.selfID+".update")
	tmp, err := os.CreateTemp(a.cfg.Dir, ".update-*.tmp")
	if err != nil {
		return fmt.Errorf("file transport: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(update); err != nil {
		tmp.Close()
		return fmt.Errorf("file transport: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("file transport: close temp file: %w", err)
	}
	return os.Rename(tmpPath, dest)
}

// Disconnect stops the poll loop; Connect can be called again.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	return nil
}

// Destroy removes this instance's own update file and disconnects.
func (a *Adapter) Destroy() error {
	_ = a.Disconnect()
	return os.Remove(filepath.Join(a.cfg.Dir, a.selfID+".update"))
}

var _ transport.Adapter = (*Adapter)(nil)
