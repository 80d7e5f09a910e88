package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yxzhao/perpbot/internal/domain"
)

// DefaultWSURL is the production USD-M futures stream endpoint.
const DefaultWSURL = "wss://fstream.binance.com/ws"

const (
	writeWait = 10 * time.Second

	// Binance sends a ping every 3 minutes and disconnects if no pong
	// arrives within 10; the read deadline just needs to outlast that cycle.
	pongWait   = 4 * time.Minute
	pingPeriod = (pongWait * 9) / 10

	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// QuoteHandler is called for every mark-price update received on the stream.
type QuoteHandler func(domain.Quote)

// WSClient is a WebSocket client for the <symbol>@markPrice@1s streams. It
// reconnects with exponential backoff and restores subscriptions after a
// reconnect.
type WSClient struct {
	wsURL string
	conn  *websocket.Conn

	mu     sync.RWMutex
	closed bool

	subscribed []string
	cmdID      int64

	handlerMu sync.RWMutex
	handlers  []QuoteHandler

	done chan struct{}
}

// NewWSClient creates a mark-price stream client. wsURL falls back to
// DefaultWSURL when empty.
func NewWSClient(wsURL string) *WSClient {
	if wsURL == "" {
		wsURL = DefaultWSURL
	}
	return &WSClient{
		wsURL: wsURL,
		done:  make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection and starts the read and ping
// loops.
func (w *WSClient) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("binance/ws: client is closed")
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("binance/ws: connect: %w", err)
	}
	w.conn = conn

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	// Binance pings from the server side; answering resets our deadline too.
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.PongMessage, []byte(appData))
	})

	go w.readLoop(conn)
	go w.pingLoop(conn)

	if len(w.subscribed) > 0 {
		if err := w.sendSubscribe(w.subscribed); err != nil {
			return fmt.Errorf("binance/ws: restore subscriptions: %w", err)
		}
	}
	return nil
}

// Subscribe adds mark-price streams for the given symbols.
func (w *WSClient) Subscribe(ctx context.Context, symbols []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("binance/ws: not connected")
	}
	if err := w.sendSubscribe(symbols); err != nil {
		return fmt.Errorf("binance/ws: subscribe: %w", err)
	}

	existing := make(map[string]struct{}, len(w.subscribed))
	for _, s := range w.subscribed {
		existing[s] = struct{}{}
	}
	for _, s := range symbols {
		if _, ok := existing[s]; !ok {
			w.subscribed = append(w.subscribed, s)
		}
	}
	return nil
}

// OnQuote registers a handler called for every mark-price update.
func (w *WSClient) OnQuote(handler QuoteHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.handlers = append(w.handlers, handler)
}

// Close shuts down the connection.
func (w *WSClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	close(w.done)

	if w.conn != nil {
		_ = w.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return w.conn.Close()
	}
	return nil
}

// sendSubscribe sends a SUBSCRIBE frame. Caller must hold w.mu.
func (w *WSClient) sendSubscribe(symbols []string) error {
	w.cmdID++

	streams := make([]string, len(symbols))
	for i, s := range symbols {
		streams[i] = strings.ToLower(s) + "@markPrice@1s"
	}
	cmd := wsSubscribeCmd{
		Method: "SUBSCRIBE",
		Params: streams,
		ID:     w.cmdID,
	}

	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal subscribe: %w", err)
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop reads messages from the connection it was started for and
// dispatches them. On disconnect it reconnects. The loop must only ever
// close its own connection: by the time the deferred close runs, w.conn
// already points at the replacement established by reconnect.
func (w *WSClient) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	for {
		select {
		case <-w.done:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
				return
			default:
			}
			w.reconnect()
			return
		}
		w.handleMessage(message)
	}
}

// pingLoop keeps one connection alive from our side as well. It exits on the
// first write failure; the replacement connection runs its own loop.
func (w *WSClient) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage parses a raw frame and fans a quote out to the handlers.
// Subscription acks and unknown event types are ignored.
func (w *WSClient) handleMessage(raw []byte) {
	var ev markPriceEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return
	}
	if ev.EventType != "markPriceUpdate" {
		return
	}
	q, err := ev.toQuote()
	if err != nil {
		return
	}

	w.handlerMu.RLock()
	handlers := w.handlers
	w.handlerMu.RUnlock()
	for _, h := range handlers {
		h(q)
	}
}

// reconnect re-establishes the connection with exponential backoff.
func (w *WSClient) reconnect() {
	delay := reconnectDelay

	for {
		select {
		case <-w.done:
			return
		default:
		}

		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := w.Connect(ctx)
		cancel()
		if err == nil {
			return
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}
