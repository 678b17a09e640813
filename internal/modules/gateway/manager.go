package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/foliotrack/foliotrack/internal/clients/ibgateway"
	"github.com/foliotrack/foliotrack/internal/modules/settings"
)

const (
	connectTimeout  = 20 * time.Second
	downloadTimeout = 15 * time.Second
	flushInterval   = 60 * time.Second
)

// TransportFactory builds a gateway transport for a set of connection
// parameters. Injected so tests can count constructions and substitute
// fakes.
type TransportFactory func(host string, port, clientID int) ibgateway.Transport

// connectAttempt is a shared in-flight connection operation. Concurrent
// Connect callers wait on the same attempt instead of opening parallel
// transport connections, which the gateway rejects (conflicting client id).
type connectAttempt struct {
	done chan struct{}
	err  error
}

// Manager owns at most one live connection to the desktop gateway per
// deployment. All singleton state lives on the instance; lifecycle is
// managed by whoever composes the application.
type Manager struct {
	mu               sync.Mutex
	transport        ibgateway.Transport
	connected        bool
	pending          *connectAttempt
	currentAccountID int64
	subscribedTicks  map[int64]bool
	flushStop        chan struct{}

	// flushMu serializes flushes; the periodic timer and a manual
	// trigger may overlap and both write the same durable rows.
	flushMu sync.Mutex

	factory    TransportFactory
	reconciler *Reconciler
	log        zerolog.Logger
}

// NewManager creates a gateway connection manager.
func NewManager(factory TransportFactory, reconciler *Reconciler, log zerolog.Logger) *Manager {
	return &Manager{
		factory:         factory,
		reconciler:      reconciler,
		subscribedTicks: make(map[int64]bool),
		log:             log.With().Str("component", "gateway_manager").Logger(),
	}
}

// Reconciler exposes the snapshot reconciler for status reads.
func (m *Manager) Reconciler() *Reconciler {
	return m.reconciler
}

// IsConnected returns current connection status.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// ActiveSubscriptionCount returns the number of live tick subscriptions.
func (m *Manager) ActiveSubscriptionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscribedTicks)
}

// Connect establishes the gateway connection. If already connected it is a
// no-op; if an attempt is in flight, the caller waits for that same
// attempt. On failure all partial state is torn down so a subsequent
// Connect starts clean.
func (m *Manager) Connect(ctx context.Context, cs *settings.ConnectionSettings) error {
	m.mu.Lock()

	if m.connected {
		m.mu.Unlock()
		return nil
	}

	if m.pending != nil {
		attempt := m.pending
		m.mu.Unlock()
		select {
		case <-attempt.done:
			return attempt.err
		case <-ctx.Done():
			// The shared attempt keeps running for the other callers;
			// this caller just stops waiting.
			return ctx.Err()
		}
	}

	attempt := &connectAttempt{done: make(chan struct{})}
	m.pending = attempt

	transport := m.factory(cs.Host, cs.Port, cs.ClientID)
	transport.SetHandlers(ibgateway.Handlers{
		OnAccountValue:     m.reconciler.HandleAccountValue,
		OnPortfolioUpdate:  m.reconciler.HandlePortfolioUpdate,
		OnTick:             m.reconciler.HandleTick,
		OnDownloadComplete: m.reconciler.HandleDownloadComplete,
		OnDisconnect:       m.handleUnsolicitedDisconnect,
	})
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	err := transport.Connect(dialCtx)

	m.mu.Lock()
	if err != nil {
		// Tear down partial state completely.
		_ = transport.Close()
		attempt.err = fmt.Errorf("%w: %v", ErrConnectionFailed, err)
		m.log.Error().Err(err).Str("host", cs.Host).Int("port", cs.Port).Msg("Gateway connection failed")
	} else {
		m.transport = transport
		m.connected = true
		m.currentAccountID = cs.LinkedAccountID
		m.log.Info().Str("host", cs.Host).Int("port", cs.Port).Msg("Gateway connected")
	}
	m.pending = nil
	m.mu.Unlock()

	close(attempt.done)
	return attempt.err
}

// RunRefreshCycle drives one full reconciliation cycle on an established
// connection: clear transient state, subscribe, wait for the initial
// download, subscribe ticks per instrument, flush, and start the periodic
// flush timer.
func (m *Manager) RunRefreshCycle(ctx context.Context, linkedAccountID int64) error {
	m.mu.Lock()
	transport := m.transport
	connected := m.connected
	m.mu.Unlock()

	if !connected || transport == nil {
		return fmt.Errorf("%w: not connected", ErrConnectionFailed)
	}

	m.reconciler.StartCycle()

	if err := transport.SubscribeAccountUpdates(); err != nil {
		return fmt.Errorf("%w: subscribe failed: %v", ErrConnectionFailed, err)
	}

	// Two-phase handshake: the gateway streams current state, then
	// signals completion; only then is the stream purely incremental.
	waitCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	if err := m.reconciler.WaitForDownload(waitCtx); err != nil {
		_ = transport.UnsubscribeAccountUpdates()
		return err
	}

	for _, id := range m.reconciler.KnownInstrumentIDs() {
		if err := transport.SubscribeMarketData(id); err != nil {
			m.log.Warn().Err(err).Int64("instrument", id).Msg("Tick subscription failed")
			continue
		}
		m.mu.Lock()
		m.subscribedTicks[id] = true
		m.mu.Unlock()
	}

	if err := m.Flush(ctx, linkedAccountID); err != nil {
		return err
	}

	m.startFlushLoop(linkedAccountID)
	return nil
}

// Flush runs one serialized flush of the transient stores.
// Safe to run back-to-back: identical transient state produces identical
// durable rows.
func (m *Manager) Flush(ctx context.Context, linkedAccountID int64) error {
	m.mu.Lock()
	var lookup MetadataLookup
	if m.connected && m.transport != nil {
		lookup = m.transport
	}
	m.mu.Unlock()

	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	return m.reconciler.Flush(ctx, linkedAccountID, lookup)
}

// startFlushLoop starts the periodic flush timer, replacing any previous
// loop. The timer decouples durable-write frequency from upstream update
// frequency.
func (m *Manager) startFlushLoop(linkedAccountID int64) {
	m.mu.Lock()
	if m.flushStop != nil {
		close(m.flushStop)
	}
	stop := make(chan struct{})
	m.flushStop = stop
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), flushInterval)
				if err := m.Flush(ctx, linkedAccountID); err != nil {
					m.log.Error().Err(err).Msg("Periodic flush failed")
				}
				cancel()
			}
		}
	}()

	m.log.Debug().Dur("interval", flushInterval).Msg("Periodic flush timer started")
}

// Disconnect cancels subscriptions and the flush timer, then closes the
// transport. Idempotent.
func (m *Manager) Disconnect() error {
	m.mu.Lock()

	if m.flushStop != nil {
		close(m.flushStop)
		m.flushStop = nil
	}

	transport := m.transport
	subscribed := m.subscribedTicks
	m.transport = nil
	m.connected = false
	m.subscribedTicks = make(map[int64]bool)
	m.mu.Unlock()

	if transport == nil {
		return nil
	}

	// Cancel subscriptions before closing so no late callback references
	// a closed transport.
	for id := range subscribed {
		_ = transport.UnsubscribeMarketData(id)
	}
	_ = transport.UnsubscribeAccountUpdates()

	if err := transport.Close(); err != nil {
		return fmt.Errorf("failed to close gateway transport: %w", err)
	}

	m.log.Info().Msg("Gateway disconnected")
	return nil
}

// handleUnsolicitedDisconnect runs the same cleanup as an explicit
// Disconnect when the transport drops on its own: subscriptions and the
// flush timer must not be left dangling.
func (m *Manager) handleUnsolicitedDisconnect(err error) {
	m.log.Warn().Err(err).Msg("Gateway connection lost")

	m.mu.Lock()
	if m.flushStop != nil {
		close(m.flushStop)
		m.flushStop = nil
	}
	m.transport = nil
	m.connected = false
	m.subscribedTicks = make(map[int64]bool)
	m.mu.Unlock()
}
