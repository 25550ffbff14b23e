package syncengine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/troparcel/sync/pkg/backup"
	"github.com/troparcel/sync/pkg/docstore"
	"github.com/troparcel/sync/pkg/log"
	"github.com/troparcel/sync/pkg/metrics"
	"github.com/troparcel/sync/pkg/storeadapter"
	"github.com/troparcel/sync/pkg/transport"
	"github.com/troparcel/sync/pkg/vault"
)

// SchemaVersion is the document schema version new engines start from.
const SchemaVersion = 1

// DefaultPushDebounce and DefaultSafetyNetInterval are the §4.G defaults.
const (
	DefaultPushDebounce      = 2 * time.Second
	DefaultSafetyNetInterval = 120 * time.Second
)

// Config wires one engine instance together. UserID, Adapter, Transport and
// Vault are required; everything else falls back to the spec defaults.
type Config struct {
	UserID string
	Room   string

	Adapter   storeadapter.Adapter
	Transport transport.Adapter
	Vault     *vault.Vault
	Journal   *backup.Journal
	Validator *backup.Validator

	PushDebounce      time.Duration
	SafetyNetInterval time.Duration // 0 uses DefaultSafetyNetInterval; negative disables

	// OnStatus and OnNotify wire the §7 host-facing status surface. Both
	// are optional; nil means the host isn't listening.
	OnStatus func(Status)
	OnNotify func(Notification)
}

// Engine drives the push/apply cycles for one room on one peer (§4.G).
type Engine struct {
	cfg    Config
	doc    *docstore.Document
	logger zerolog.Logger

	lockCh chan struct{}
	busy   atomic.Bool

	stateMu sync.Mutex
	state   State

	statusMu            sync.Mutex
	lastStatus          Status
	lastTransportStatus transport.Status
	lastTransportErr    bool

	applyingRemote atomic.Bool

	pushMu        sync.Mutex
	pushTimer     *time.Timer
	lastSentSV    docstore.StateVector

	safetyTicker *time.Ticker
	safetyStopCh chan struct{}

	unsubHost func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once
}

// New validates cfg, applies defaults and returns an unstarted Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.UserID == "" {
		return nil, fmt.Errorf("syncengine: UserID is required")
	}
	if cfg.Adapter == nil {
		return nil, fmt.Errorf("syncengine: Adapter is required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("syncengine: Transport is required")
	}
	if cfg.Vault == nil {
		return nil, fmt.Errorf("syncengine: Vault is required")
	}
	if cfg.PushDebounce <= 0 {
		cfg.PushDebounce = DefaultPushDebounce
	}
	if cfg.Validator == nil {
		cfg.Validator = backup.NewValidator(backup.Validator{})
	}

	lockCh := make(chan struct{}, 1)
	lockCh <- struct{}{}

	e := &Engine{
		cfg:          cfg,
		doc:          docstore.New(SchemaVersion),
		logger:       log.WithRoom(cfg.Room),
		lockCh:       lockCh,
		state:        StateIdle,
		safetyStopCh: make(chan struct{}),
	}
	return e, nil
}

// Document exposes the underlying replicated document, chiefly for tests
// and for the relay's compaction/persistence paths when an engine is
// embedded rather than talking over a network transport.
func (e *Engine) Document() *docstore.Document { return e.doc }

// State returns the engine's current state-machine position.
func (e *Engine) State() State {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.stateMu.Lock()
	e.state = s
	e.stateMu.Unlock()
	e.logger.Debug().Str("state", s.String()).Msg("syncengine: state transition")
	e.recomputeStatus()
}

// Start brings the engine from IDLE through WAITING_FOR_HOST and
// CONNECTING to READY: it subscribes to host changes, connects the
// transport (handing it the current state vector for catch-up) and starts
// the safety-net timer.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.setState(StateWaitingForHost)
	e.unsubHost = e.cfg.Adapter.Subscribe(e.onHostChange)

	e.setState(StateConnecting)
	sv := e.doc.StateVector()
	svBytes, err := docstore.EncodeStateVector(sv)
	if err != nil {
		return fmt.Errorf("syncengine: encode initial state vector: %w", err)
	}

	events := transport.Events{
		OnUpdate: e.onRemoteUpdate,
		OnStatus: e.onTransportStatus,
		OnPeer:   e.onPeer,
	}
	if err := e.cfg.Transport.Connect(e.ctx, svBytes, events); err != nil {
		return fmt.Errorf("syncengine: connect transport: %w", err)
	}

	e.pushMu.Lock()
	e.lastSentSV = sv
	e.pushMu.Unlock()

	e.setState(StateReady)
	e.startSafetyNet()
	return nil
}

// Stop is idempotent and implements the §4.G cancellation contract: cancel
// debouncers and the safety-net timer, await in-flight work up to a bounded
// timeout, flush the vault, disconnect the transport.
func (e *Engine) Stop() error {
	var stopErr error
	e.stopOnce.Do(func() {
		e.stopSafetyNet()

		e.pushMu.Lock()
		if e.pushTimer != nil {
			e.pushTimer.Stop()
		}
		e.pushMu.Unlock()

		if e.cancel != nil {
			e.cancel()
		}
		if e.unsubHost != nil {
			e.unsubHost()
		}

		done := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			e.logger.Warn().Msg("syncengine: stop timed out waiting for in-flight work")
		}

		e.cfg.Vault.SaveWithRetry()

		if err := e.cfg.Transport.Disconnect(); err != nil {
			stopErr = fmt.Errorf("syncengine: disconnect transport: %w", err)
		}
		e.setState(StateStopped)
	})
	return stopErr
}

// acquireLock implements the single FIFO mutex contract (§4.G): callers
// MUST call the returned release on every exit path. On acquisition
// failure the busy flag is unconditionally cleared before returning, per
// the spec's explicit callout of the reference implementation's stuck-flag
// bug.
func (e *Engine) acquireLock(ctx context.Context) (release func(), err error) {
	e.busy.Store(true)
	select {
	case <-e.lockCh:
		return func() {
			e.busy.Store(false)
			e.lockCh <- struct{}{}
		}, nil
	case <-ctx.Done():
		e.busy.Store(false)
		return nil, ctx.Err()
	}
}

func (e *Engine) onHostChange() {
	if e.applyingRemote.Load() {
		return
	}
	e.schedulePush()
}

func (e *Engine) schedulePush() {
	e.pushMu.Lock()
	defer e.pushMu.Unlock()
	if e.pushTimer != nil {
		e.pushTimer.Stop()
	}
	e.pushTimer = time.AfterFunc(e.cfg.PushDebounce, e.triggerPush)
}

func (e *Engine) triggerPush() {
	if e.ctx == nil || e.ctx.Err() != nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.runPushCycle(e.ctx); err != nil {
			e.logger.Warn().Err(err).Msg("syncengine: push cycle failed")
		}
	}()
}

func (e *Engine) onRemoteUpdate(update []byte) {
	if e.ctx == nil || e.ctx.Err() != nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.runApplyCycle(e.ctx, update); err != nil {
			e.logger.Warn().Err(err).Msg("syncengine: apply cycle failed")
		}
	}()
}

func (e *Engine) onTransportStatus(status transport.Status, err error) {
	e.statusMu.Lock()
	e.lastTransportStatus = status
	e.lastTransportErr = err != nil
	e.statusMu.Unlock()

	metrics.TransportStatusTotal.WithLabelValues(status.String()).Inc()
	if err != nil {
		metrics.RegisterComponent("transport", false, err.Error())
	} else {
		metrics.RegisterComponent("transport", status != transport.StatusDisconnected, status.String())
	}

	if err != nil {
		e.logger.Warn().Err(err).Str("status", status.String()).Msg("syncengine: transport status")
	} else {
		e.logger.Info().Str("status", status.String()).Msg("syncengine: transport status")
	}
	e.recomputeStatus()
}

func (e *Engine) onPeer(peerID string, joined bool) {
	e.logger.With().Str("peer", peerID).Logger().
		Info().Bool("joined", joined).Msg("syncengine: peer presence changed")
}

func (e *Engine) startSafetyNet() {
	interval := e.cfg.SafetyNetInterval
	if interval == 0 {
		interval = DefaultSafetyNetInterval
	}
	if interval <= 0 {
		return
	}
	e.safetyTicker = time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-e.safetyTicker.C:
				e.triggerPush()
			case <-e.safetyStopCh:
				return
			}
		}
	}()
}

func (e *Engine) stopSafetyNet() {
	if e.safetyTicker != nil {
		e.safetyTicker.Stop()
	}
	close(e.safetyStopCh)
}
