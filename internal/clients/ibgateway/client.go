// Package ibgateway implements the websocket transport to the local
// Interactive Brokers desktop gateway. The gateway streams account values,
// portfolio updates, and market-data ticks over one connection and answers
// one-shot contract metadata requests.
package ibgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	writeWait = 10 * time.Second
)

// wire message envelope. Outgoing messages carry a type and optional
// arguments; incoming messages carry a channel and a payload.
type outboundMessage struct {
	Type         string `json:"type"`
	Channel      string `json:"channel,omitempty"`
	InstrumentID int64  `json:"instrument_id,omitempty"`
	RequestID    int64  `json:"request_id,omitempty"`
}

type inboundMessage struct {
	Channel   string          `json:"channel"`
	RequestID int64           `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Client is the websocket Transport implementation.
// One Client owns at most one physical connection; the connection manager
// on top of it enforces the process-wide singleton.
type Client struct {
	url      string
	clientID int

	mu         sync.RWMutex
	conn       *websocket.Conn
	connCtx    context.Context
	cancelFunc context.CancelFunc
	connected  bool
	closing    bool
	handlers   Handlers
	nextReqID  int64

	// In-flight contract detail requests keyed by request id.
	detailWaiters map[int64]chan *ContractDetails

	log zerolog.Logger
}

// make sure Client satisfies the Transport contract
var _ Transport = (*Client)(nil)

// NewClient creates a gateway transport client.
// host/port address the locally running desktop gateway; clientID
// identifies this consumer to the gateway (a second connection with a
// conflicting client id is rejected by the gateway).
func NewClient(host string, port, clientID int, log zerolog.Logger) *Client {
	return &Client{
		url:           fmt.Sprintf("ws://%s:%d/v1/api/ws", host, port),
		clientID:      clientID,
		detailWaiters: make(map[int64]chan *ContractDetails),
		log:           log.With().Str("client", "ibgateway").Logger(),
	}
}

// SetHandlers registers event callbacks. Must be called before Connect.
func (c *Client) SetHandlers(h Handlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = h
}

// Connect dials the gateway and starts the read loop.
// The caller's context bounds the dial; the connection itself lives until
// Close or a transport error.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	c.log.Info().Str("url", c.url).Int("client_id", c.clientID).Msg("Connecting to gateway")

	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial gateway: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())

	// Identify ourselves before anything else; the gateway rejects a
	// second connection with the same client id.
	hello := outboundMessage{Type: "hello", RequestID: int64(c.clientID)}
	if err := writeJSON(connCtx, conn, hello); err != nil {
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "hello failed")
		return fmt.Errorf("failed to send hello: %w", err)
	}

	c.conn = conn
	c.connCtx = connCtx
	c.cancelFunc = connCancel
	c.connected = true
	c.closing = false

	go c.readMessages(connCtx)

	c.log.Info().Msg("Connected to gateway")
	return nil
}

// Close tears down the connection. Idempotent.
// An explicit Close does not fire OnDisconnect.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	c.log.Info().Msg("Closing gateway connection")
	c.closing = true

	if c.cancelFunc != nil {
		c.cancelFunc()
		c.cancelFunc = nil
	}

	err := c.conn.Close(websocket.StatusNormalClosure, "")

	c.conn = nil
	c.connCtx = nil
	c.connected = false

	// Fail any in-flight contract detail requests.
	for id, ch := range c.detailWaiters {
		close(ch)
		delete(c.detailWaiters, id)
	}

	if err != nil {
		return fmt.Errorf("error closing gateway connection: %w", err)
	}

	return nil
}

// SubscribeAccountUpdates starts the combined account stream.
func (c *Client) SubscribeAccountUpdates() error {
	return c.send(outboundMessage{Type: "subscribe", Channel: "account"})
}

// UnsubscribeAccountUpdates stops the account stream.
func (c *Client) UnsubscribeAccountUpdates() error {
	return c.send(outboundMessage{Type: "unsubscribe", Channel: "account"})
}

// SubscribeMarketData starts tick updates for one instrument.
func (c *Client) SubscribeMarketData(instrumentID int64) error {
	return c.send(outboundMessage{Type: "subscribe", Channel: "ticks", InstrumentID: instrumentID})
}

// UnsubscribeMarketData stops tick updates for one instrument.
func (c *Client) UnsubscribeMarketData(instrumentID int64) error {
	return c.send(outboundMessage{Type: "unsubscribe", Channel: "ticks", InstrumentID: instrumentID})
}

// ContractDetails performs a one-shot metadata lookup, bounded by ctx.
func (c *Client) ContractDetails(ctx context.Context, instrumentID int64) (*ContractDetails, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, fmt.Errorf("not connected")
	}
	c.nextReqID++
	reqID := c.nextReqID
	waiter := make(chan *ContractDetails, 1)
	c.detailWaiters[reqID] = waiter
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.detailWaiters, reqID)
		c.mu.Unlock()
	}()

	msg := outboundMessage{Type: "contract_details", InstrumentID: instrumentID, RequestID: reqID}
	if err := c.send(msg); err != nil {
		return nil, err
	}

	select {
	case details, ok := <-waiter:
		if !ok || details == nil {
			return nil, fmt.Errorf("contract details request %d aborted", reqID)
		}
		return details, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("contract details lookup for instrument %d: %w", instrumentID, ctx.Err())
	}
}

// IsConnected returns current connection status.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// send marshals and writes one message with a write timeout.
func (c *Client) send(msg outboundMessage) error {
	c.mu.RLock()
	conn := c.conn
	ctx := c.connCtx
	c.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	if err := writeJSON(ctx, conn, msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Type, err)
	}

	return nil
}

func writeJSON(ctx context.Context, conn *websocket.Conn, msg outboundMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()

	return conn.Write(writeCtx, websocket.MessageText, data)
}

// readMessages continuously reads messages from the gateway until the
// connection closes. A transport-initiated close fires OnDisconnect;
// an explicit Close does not.
func (c *Client) readMessages(ctx context.Context) {
	var readErr error

	defer func() {
		c.mu.Lock()
		closing := c.closing
		handlers := c.handlers
		if !closing {
			// Transport-initiated drop: mirror Close's state cleanup so a
			// subsequent Connect starts clean.
			if c.cancelFunc != nil {
				c.cancelFunc()
				c.cancelFunc = nil
			}
			c.conn = nil
			c.connCtx = nil
			c.connected = false
			for id, ch := range c.detailWaiters {
				close(ch)
				delete(c.detailWaiters, id)
			}
		}
		c.mu.Unlock()

		c.log.Info().Msg("Gateway read loop stopped")

		if !closing && handlers.OnDisconnect != nil {
			handlers.OnDisconnect(readErr)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()

		if conn == nil {
			return
		}

		msgType, message, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
				c.log.Info().Int("status", int(closeStatus)).Msg("Gateway closed the connection")
			} else if ctx.Err() != nil {
				c.log.Debug().Msg("Read cancelled by context")
			} else {
				c.log.Error().Err(err).Msg("Unexpected gateway read error")
			}
			readErr = err
			return
		}

		if msgType != websocket.MessageText {
			c.log.Debug().Int("type", int(msgType)).Msg("Ignoring non-text message")
			continue
		}

		if err := c.handleMessage(message); err != nil {
			c.log.Error().Err(err).Str("message", string(message)).Msg("Failed to handle gateway message")
			// Keep reading despite parse errors
		}
	}
}

// handleMessage parses one inbound message and dispatches it.
func (c *Client) handleMessage(message []byte) error {
	var msg inboundMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return fmt.Errorf("failed to parse message: %w", err)
	}

	c.mu.RLock()
	handlers := c.handlers
	c.mu.RUnlock()

	switch msg.Channel {
	case "account_value":
		var av AccountValue
		if err := json.Unmarshal(msg.Data, &av); err != nil {
			return fmt.Errorf("failed to parse account value: %w", err)
		}
		if handlers.OnAccountValue != nil {
			handlers.OnAccountValue(av)
		}

	case "portfolio":
		var pu PortfolioUpdate
		if err := json.Unmarshal(msg.Data, &pu); err != nil {
			return fmt.Errorf("failed to parse portfolio update: %w", err)
		}
		if handlers.OnPortfolioUpdate != nil {
			handlers.OnPortfolioUpdate(pu)
		}

	case "tick":
		var tick Tick
		if err := json.Unmarshal(msg.Data, &tick); err != nil {
			return fmt.Errorf("failed to parse tick: %w", err)
		}
		if handlers.OnTick != nil {
			handlers.OnTick(tick)
		}

	case "download_complete":
		if handlers.OnDownloadComplete != nil {
			handlers.OnDownloadComplete()
		}

	case "contract_details":
		var details ContractDetails
		if err := json.Unmarshal(msg.Data, &details); err != nil {
			return fmt.Errorf("failed to parse contract details: %w", err)
		}
		c.mu.Lock()
		waiter, ok := c.detailWaiters[msg.RequestID]
		if ok {
			delete(c.detailWaiters, msg.RequestID)
		}
		c.mu.Unlock()
		if ok {
			waiter <- &details
		}

	default:
		c.log.Debug().Str("channel", msg.Channel).Msg("Ignoring unknown channel")
	}

	return nil
}
