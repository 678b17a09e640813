package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foliotrack/foliotrack/internal/clients/ibgateway"
	"github.com/foliotrack/foliotrack/internal/modules/settings"
)

// fakeTransport is a scriptable in-memory Transport. On account
// subscription it replays downloadUpdates through the handlers and then
// signals download completion, mimicking the gateway's initial download.
type fakeTransport struct {
	mu              sync.Mutex
	handlers        ibgateway.Handlers
	connectErr      error
	connectDelay    time.Duration
	connectCalls    int32
	closeCalls      int32
	subscribed      bool
	tickSubs        map[int64]bool
	downloadUpdates []ibgateway.PortfolioUpdate
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{tickSubs: make(map[int64]bool)}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	atomic.AddInt32(&f.connectCalls, 1)
	if f.connectDelay > 0 {
		select {
		case <-time.After(f.connectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.connectErr
}

func (f *fakeTransport) Close() error {
	atomic.AddInt32(&f.closeCalls, 1)
	return nil
}

func (f *fakeTransport) SubscribeAccountUpdates() error {
	f.mu.Lock()
	f.subscribed = true
	handlers := f.handlers
	updates := f.downloadUpdates
	f.mu.Unlock()

	for _, u := range updates {
		handlers.OnPortfolioUpdate(u)
	}
	if handlers.OnDownloadComplete != nil {
		handlers.OnDownloadComplete()
	}
	return nil
}

func (f *fakeTransport) UnsubscribeAccountUpdates() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = false
	return nil
}

func (f *fakeTransport) SubscribeMarketData(instrumentID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tickSubs[instrumentID] = true
	return nil
}

func (f *fakeTransport) UnsubscribeMarketData(instrumentID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tickSubs, instrumentID)
	return nil
}

func (f *fakeTransport) ContractDetails(ctx context.Context, instrumentID int64) (*ibgateway.ContractDetails, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeTransport) SetHandlers(h ibgateway.Handlers) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = h
}

func testConnectionSettings() *settings.ConnectionSettings {
	return &settings.ConnectionSettings{
		UserID:          1,
		LinkedAccountID: 1,
		Host:            "127.0.0.1",
		Port:            5000,
		ClientID:        1,
	}
}

func newTestManager(t *testing.T, transport *fakeTransport) (*Manager, *int32) {
	var factoryCalls int32
	factory := func(host string, port, clientID int) ibgateway.Transport {
		atomic.AddInt32(&factoryCalls, 1)
		return transport
	}

	reconciler, _, db := newTestReconciler(t)
	t.Cleanup(func() { db.Close() })

	log := zerolog.New(nil).Level(zerolog.Disabled)
	return NewManager(factory, reconciler, log), &factoryCalls
}

func TestConnect_Idempotent(t *testing.T) {
	transport := newFakeTransport()
	m, factoryCalls := newTestManager(t, transport)

	require.NoError(t, m.Connect(context.Background(), testConnectionSettings()))
	require.NoError(t, m.Connect(context.Background(), testConnectionSettings()))

	assert.Equal(t, int32(1), atomic.LoadInt32(&transport.connectCalls))
	assert.Equal(t, int32(1), atomic.LoadInt32(factoryCalls))
	assert.True(t, m.IsConnected())
}

func TestConnect_ConcurrentCallersShareOneAttempt(t *testing.T) {
	transport := newFakeTransport()
	transport.connectDelay = 50 * time.Millisecond
	m, _ := newTestManager(t, transport)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Connect(context.Background(), testConnectionSettings())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&transport.connectCalls))
}

func TestConnect_FailureTearsDownAndAllowsRetry(t *testing.T) {
	transport := newFakeTransport()
	transport.connectErr = errors.New("connection refused")
	m, _ := newTestManager(t, transport)

	err := m.Connect(context.Background(), testConnectionSettings())
	require.ErrorIs(t, err, ErrConnectionFailed)
	assert.False(t, m.IsConnected())
	assert.Equal(t, int32(1), atomic.LoadInt32(&transport.closeCalls))

	// Retry succeeds once the gateway is reachable
	transport.connectErr = nil
	require.NoError(t, m.Connect(context.Background(), testConnectionSettings()))
	assert.True(t, m.IsConnected())
}

func TestRunRefreshCycle_NotConnected(t *testing.T) {
	transport := newFakeTransport()
	m, _ := newTestManager(t, transport)

	err := m.RunRefreshCycle(context.Background(), 1)
	assert.ErrorIs(t, err, ErrConnectionFailed)
}

func TestRunRefreshCycle_SubscribesTicksPerInstrument(t *testing.T) {
	transport := newFakeTransport()
	transport.downloadUpdates = []ibgateway.PortfolioUpdate{
		{InstrumentID: 42, Symbol: "VT", SecurityType: "STK", Currency: "USD", Quantity: 3, MarketPrice: 110, MarketValue: 330},
		{InstrumentID: 77, Symbol: "AAPL", SecurityType: "STK", Currency: "USD", Quantity: 10, MarketPrice: 200, MarketValue: 2000},
	}
	m, _ := newTestManager(t, transport)

	require.NoError(t, m.Connect(context.Background(), testConnectionSettings()))
	require.NoError(t, m.RunRefreshCycle(context.Background(), 1))

	transport.mu.Lock()
	sub42, sub77 := transport.tickSubs[42], transport.tickSubs[77]
	transport.mu.Unlock()
	assert.True(t, sub42)
	assert.True(t, sub77)
	assert.Equal(t, 2, m.ActiveSubscriptionCount())

	require.NoError(t, m.Disconnect())
}

func TestDisconnect_Idempotent(t *testing.T) {
	transport := newFakeTransport()
	m, _ := newTestManager(t, transport)

	require.NoError(t, m.Connect(context.Background(), testConnectionSettings()))
	require.NoError(t, m.Disconnect())
	require.NoError(t, m.Disconnect())

	assert.False(t, m.IsConnected())
	assert.Equal(t, int32(1), atomic.LoadInt32(&transport.closeCalls))
}

func TestDisconnect_CancelsSubscriptions(t *testing.T) {
	transport := newFakeTransport()
	transport.downloadUpdates = []ibgateway.PortfolioUpdate{
		{InstrumentID: 42, Symbol: "VT", SecurityType: "STK", Currency: "USD", Quantity: 3},
	}
	m, _ := newTestManager(t, transport)

	require.NoError(t, m.Connect(context.Background(), testConnectionSettings()))
	require.NoError(t, m.RunRefreshCycle(context.Background(), 1))

	require.NoError(t, m.Disconnect())

	assert.Equal(t, 0, m.ActiveSubscriptionCount())
	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.False(t, transport.subscribed)
	assert.Empty(t, transport.tickSubs)
}

func TestUnsolicitedDisconnect_CleansUpState(t *testing.T) {
	transport := newFakeTransport()
	transport.downloadUpdates = []ibgateway.PortfolioUpdate{
		{InstrumentID: 42, Symbol: "VT", SecurityType: "STK", Currency: "USD", Quantity: 3},
	}
	m, _ := newTestManager(t, transport)

	require.NoError(t, m.Connect(context.Background(), testConnectionSettings()))
	require.NoError(t, m.RunRefreshCycle(context.Background(), 1))
	require.True(t, m.IsConnected())

	// Transport drops on its own
	transport.mu.Lock()
	onDisconnect := transport.handlers.OnDisconnect
	transport.mu.Unlock()
	onDisconnect(errors.New("connection reset"))

	assert.False(t, m.IsConnected())
	assert.Equal(t, 0, m.ActiveSubscriptionCount())

	// A fresh connect works afterwards
	require.NoError(t, m.Connect(context.Background(), testConnectionSettings()))
	assert.True(t, m.IsConnected())
}
