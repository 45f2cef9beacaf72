// ws.go implements the OKX public WebSocket feed for the books channel.
//
// The feed subscribes per instrument and receives a full snapshot followed
// by incremental updates, each carrying a checksum over the merged top-25
// levels. Keepalive is the literal "ping"/"pong" text exchange; a read
// deadline (30s, ~2 missed pongs) detects silent server failures.
//
// The feed auto-reconnects with jittered exponential backoff (1s → 30s max)
// and re-subscribes to all tracked instruments. Every disconnect is signaled
// on Disconnects() so the book cache can mark its entries stale.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"okx-triarb/pkg/types"
)

const (
	pingInterval     = 20 * time.Second // OKX closes idle connections after 30s
	readTimeout      = 30 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	updateBufferSize = 256
)

// BookUpdate is one books-channel message for a single instrument.
type BookUpdate struct {
	Pair   string
	Action string // "snapshot" or "update"
	Data   types.BookData
}

// BooksFeed manages the public WebSocket connection for order-book data.
// It handles connection lifecycle, subscription tracking, message routing,
// and automatic reconnection.
type BooksFeed struct {
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	// Track subscriptions for automatic re-subscribe on reconnect
	subscribedMu sync.RWMutex
	subscribed   map[string]bool // instrument IDs

	updates     chan BookUpdate
	disconnects chan struct{}

	logger *slog.Logger
}

// NewBooksFeed creates a feed for the OKX public books channel.
func NewBooksFeed(wsURL string, logger *slog.Logger) *BooksFeed {
	return &BooksFeed{
		url:         wsURL,
		subscribed:  make(map[string]bool),
		updates:     make(chan BookUpdate, updateBufferSize),
		disconnects: make(chan struct{}, 1),
		logger:      logger.With("component", "ws_books"),
	}
}

// Updates returns a read-only channel of book snapshots and deltas.
func (f *BooksFeed) Updates() <-chan BookUpdate { return f.updates }

// Disconnects signals once per lost connection, before reconnect begins.
func (f *BooksFeed) Disconnects() <-chan struct{} { return f.disconnects }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *BooksFeed) Run(ctx context.Context) error {
	retry := &backoff.Backoff{
		Min:    time.Second,
		Max:    maxReconnectWait,
		Factor: 2,
		Jitter: true,
	}

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		select {
		case f.disconnects <- struct{}{}:
		default:
		}

		wait := retry.Duration()
		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", wait,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Subscribe adds instruments to the books subscription.
func (f *BooksFeed) Subscribe(pairs []string) error {
	f.subscribedMu.Lock()
	for _, p := range pairs {
		f.subscribed[p] = true
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(subscribeMsg("subscribe", pairs))
}

// Unsubscribe removes instruments from the subscription.
func (f *BooksFeed) Unsubscribe(pairs []string) error {
	f.subscribedMu.Lock()
	for _, p := range pairs {
		delete(f.subscribed, p)
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(subscribeMsg("unsubscribe", pairs))
}

// Resubscribe forces a fresh snapshot for one instrument. Used after a
// checksum mismatch or crossed book.
func (f *BooksFeed) Resubscribe(pair string) error {
	if err := f.writeJSON(subscribeMsg("unsubscribe", []string{pair})); err != nil {
		return err
	}
	return f.writeJSON(subscribeMsg("subscribe", []string{pair}))
}

// Close gracefully closes the connection.
func (f *BooksFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func subscribeMsg(op string, pairs []string) types.WSRequest {
	args := make([]types.WSArg, len(pairs))
	for i, p := range pairs {
		args[i] = types.WSArg{Channel: "books", InstID: p}
	}
	return types.WSRequest{Op: op, Args: args}
}

func (f *BooksFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected", "url", f.url)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *BooksFeed) sendInitialSubscription() error {
	f.subscribedMu.RLock()
	pairs := make([]string, 0, len(f.subscribed))
	for p := range f.subscribed {
		pairs = append(pairs, p)
	}
	f.subscribedMu.RUnlock()

	if len(pairs) == 0 {
		return nil
	}
	return f.writeJSON(subscribeMsg("subscribe", pairs))
}

func (f *BooksFeed) dispatchMessage(data []byte) {
	// Keepalive reply is a bare text frame, not JSON
	if string(data) == "pong" {
		return
	}

	var msg types.WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch {
	case msg.Event == "error":
		f.logger.Error("websocket error event", "code", msg.Code, "msg", msg.Msg)

	case msg.Event == "subscribe", msg.Event == "unsubscribe":
		f.logger.Debug("subscription ack", "event", msg.Event, "inst", msg.Arg.InstID)

	case msg.Arg.Channel == "books" && len(msg.Data) > 0:
		for _, book := range msg.Data {
			update := BookUpdate{
				Pair:   msg.Arg.InstID,
				Action: msg.Action,
				Data:   book,
			}
			select {
			case f.updates <- update:
			default:
				f.logger.Warn("update channel full, dropping message", "pair", update.Pair)
			}
		}

	default:
		f.logger.Debug("unknown ws message", "event", msg.Event, "channel", msg.Arg.Channel)
	}
}

func (f *BooksFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("ping")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *BooksFeed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *BooksFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
