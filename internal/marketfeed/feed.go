// Package marketfeed maintains the live order book for every actively
// traded symbol over Bybit's v5 public linear websocket stream.
package marketfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"densityengine/internal/config"
	"densityengine/internal/domain"
	"densityengine/internal/log"
)

const wsURL = "wss://stream.bybit.com/v5/public/linear"

// Feed owns one websocket connection subscribed to the orderbook topic
// for every tracked symbol. It is the only writer of domain.OrderBook
// state; every other component reads through CurrentBook.
type Feed struct {
	cfg    config.WebSocketConfig
	logger *zap.Logger

	mu     sync.RWMutex
	conn   *websocket.Conn
	books  map[string]*bookState
	topics map[string]bool // subscribed topic strings, e.g. "orderbook.50.BTCUSDT"

	updates chan domain.OrderBook

	done        chan struct{}
	reconnectCh chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc

	connMu        sync.Mutex
	connectedAt   time.Time
	disconnectedAt time.Time
	connected     bool
}

// New constructs a Feed. Call Start to open the connection; symbols can
// be added and removed at any time via Subscribe/Unsubscribe.
func New(cfg config.WebSocketConfig, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Feed{
		cfg:         cfg,
		logger:      logger,
		books:       make(map[string]*bookState),
		topics:      make(map[string]bool),
		updates:     make(chan domain.OrderBook, 256),
		done:        make(chan struct{}),
		reconnectCh: make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Updates returns the channel every merged order book snapshot is
// published on, consumed by the density tracker and history recorder.
func (f *Feed) Updates() <-chan domain.OrderBook {
	return f.updates
}

// Start opens the initial websocket connection. Symbols subscribed
// before Start is called are sent as the first subscription batch.
func (f *Feed) Start() error {
	topics := f.currentTopics()
	return f.connect(topics)
}

// Stop tears down the connection and stops all background goroutines.
func (f *Feed) Stop() {
	f.cancel()
	close(f.done)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
}

// Subscribe adds a symbol to the tracked set, sending a live subscribe
// frame if already connected.
func (f *Feed) Subscribe(symbol string) error {
	topic := orderbookTopic(symbol, f.cfg.OrderbookDepth)

	f.mu.Lock()
	if f.topics[topic] {
		f.mu.Unlock()
		return nil
	}
	f.topics[topic] = true
	if _, ok := f.books[symbol]; !ok {
		f.books[symbol] = newBookState(symbol)
	}
	conn := f.conn
	f.mu.Unlock()

	if conn == nil {
		return nil
	}
	return f.sendOp(conn, "subscribe", []string{topic})
}

// Unsubscribe removes a symbol from the tracked set.
func (f *Feed) Unsubscribe(symbol string) error {
	topic := orderbookTopic(symbol, f.cfg.OrderbookDepth)

	f.mu.Lock()
	delete(f.topics, topic)
	delete(f.books, symbol)
	conn := f.conn
	f.mu.Unlock()

	if conn == nil {
		return nil
	}
	return f.sendOp(conn, "unsubscribe", []string{topic})
}

// CurrentBook returns the latest merged order book for symbol, or
// false if no ready snapshot exists yet.
func (f *Feed) CurrentBook(symbol string) (domain.OrderBook, bool) {
	f.mu.RLock()
	book, ok := f.books[symbol]
	f.mu.RUnlock()
	if !ok {
		return domain.OrderBook{}, false
	}
	return book.snapshot(f.cfg.OrderbookDepth)
}

// DisconnectedSince reports how long the feed has been disconnected,
// zero if currently connected. The safety supervisor escalates to
// EMERGENCY if this exceeds its configured connection-loss timeout
// while positions remain open.
func (f *Feed) DisconnectedSince() time.Duration {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.connected || f.disconnectedAt.IsZero() {
		return 0
	}
	return time.Since(f.disconnectedAt)
}

func (f *Feed) currentTopics() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.topics))
	for t := range f.topics {
		out = append(out, t)
	}
	return out
}

func (f *Feed) connect(topics []string) error {
	f.logger.Info("connecting to market feed", log.EventField("marketfeed_connect"), zap.String("url", wsURL))

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial market feed: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	for _, symbol := range f.bookSymbolsLocked() {
		f.books[symbol].invalidate()
	}
	f.mu.Unlock()

	f.setConnected(true)

	if len(topics) > 0 {
		if err := f.sendOp(conn, "subscribe", topics); err != nil {
			return fmt.Errorf("subscribe market feed: %w", err)
		}
	}

	go f.readLoop(conn)
	go f.pingLoop(conn)

	f.logger.Info("market feed connected", zap.Int("topics", len(topics)))
	return nil
}

func (f *Feed) bookSymbolsLocked() []string {
	out := make([]string, 0, len(f.books))
	for symbol := range f.books {
		out = append(out, symbol)
	}
	return out
}

func (f *Feed) setConnected(connected bool) {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	f.connected = connected
	if connected {
		f.connectedAt = time.Now()
		f.disconnectedAt = time.Time{}
	} else {
		f.disconnectedAt = time.Now()
	}
}

func (f *Feed) sendOp(conn *websocket.Conn, op string, args []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return conn.WriteJSON(map[string]interface{}{
		"op":   op,
		"args": args,
	})
}

func orderbookTopic(symbol string, depth int) string {
	if depth <= 0 {
		depth = 50
	}
	return fmt.Sprintf("orderbook.%d.%s", depth, symbol)
}

// wireMessage is Bybit's v5 public websocket envelope; orderbook frames
// set Topic to "orderbook.{depth}.{symbol}" and Type to "snapshot" or
// "delta".
type wireMessage struct {
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Ts      int64           `json:"ts"`
	Data    wireOrderbook   `json:"data"`
}

type wireOrderbook struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
	Seq    int64      `json:"seq"`
	PrevU  int64      `json:"pu"`
	U      int64      `json:"u"`
}

func (f *Feed) readLoop(conn *websocket.Conn) {
	defer func() {
		f.setConnected(false)
		f.tryReconnect()
	}()

	for {
		select {
		case <-f.done:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				f.logger.Warn("market feed read error", zap.Error(err))
			}
			return
		}
		f.handleMessage(message)
	}
}

func (f *Feed) handleMessage(raw []byte) {
	var msg wireMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}

	switch {
	case msg.Op == "pong" || msg.Op == "ping":
		return
	case msg.Op == "subscribe" || msg.Op == "unsubscribe":
		if msg.Success != nil && !*msg.Success {
			f.logger.Warn("market feed subscription rejected", zap.String("topic", msg.Topic))
		}
		return
	case hasOrderbookPrefix(msg.Topic):
		f.applyOrderbookMessage(msg)
	}
}

func hasOrderbookPrefix(topic string) bool {
	const prefix = "orderbook"
	return len(topic) >= len(prefix) && topic[:len(prefix)] == prefix
}

func (f *Feed) applyOrderbookMessage(msg wireMessage) {
	symbol := msg.Data.Symbol
	if symbol == "" {
		return
	}

	f.mu.RLock()
	book, ok := f.books[symbol]
	f.mu.RUnlock()
	if !ok {
		return
	}

	bids, err1 := parseLevels(msg.Data.Bids)
	asks, err2 := parseLevels(msg.Data.Asks)
	if err1 != nil || err2 != nil {
		return
	}
	at := time.UnixMilli(msg.Ts)

	switch msg.Type {
	case "snapshot":
		book.applySnapshot(bids, asks, msg.Data.U, at)
	case "delta":
		if !book.applyDelta(bids, asks, msg.Data.PrevU, msg.Data.U, at) {
			f.logger.Warn("market feed sequence gap, awaiting resnapshot",
				zap.String("symbol", symbol))
			return
		}
	default:
		return
	}

	snap, ok := book.snapshot(f.cfg.OrderbookDepth)
	if !ok {
		return
	}
	if err := snap.Validate(f.cfg.OrderbookDepth); err != nil {
		f.logger.Warn("market feed produced invalid book, invalidating",
			zap.String("symbol", symbol), zap.Error(err))
		book.invalidate()
		return
	}

	select {
	case f.updates <- snap:
	default:
		f.logger.Warn("market feed update channel full, dropping snapshot",
			zap.String("symbol", symbol))
	}
}

func parseLevels(raw [][]string) ([][2]decimal.Decimal, error) {
	out := make([][2]decimal.Decimal, 0, len(raw))
	for _, pair := range raw {
		if len(pair) != 2 {
			return nil, fmt.Errorf("marketfeed: malformed level %v", pair)
		}
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			return nil, err
		}
		volume, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, err
		}
		out = append(out, [2]decimal.Decimal{price, volume})
	}
	return out, nil
}

func (f *Feed) pingLoop(conn *websocket.Conn) {
	interval := f.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.done:
			return
		case <-f.ctx.Done():
			return
		case <-ticker.C:
			f.mu.RLock()
			cur := f.conn
			f.mu.RUnlock()
			if cur != conn {
				return
			}
			if err := f.sendOp(conn, "ping", nil); err != nil {
				f.logger.Warn("market feed ping failed", zap.Error(err))
			}
		}
	}
}

// tryReconnect is a non-blocking mutex guarding against concurrent
// reconnect attempts: the buffered channel send succeeds for exactly
// one caller at a time.
func (f *Feed) tryReconnect() {
	select {
	case <-f.done:
		return
	case f.reconnectCh <- struct{}{}:
	default:
		return
	}

	go func() {
		defer func() { <-f.reconnectCh }()

		delay := f.cfg.ReconnectDelayInitial
		if delay <= 0 {
			delay = time.Second
		}
		maxDelay := f.cfg.ReconnectDelayMax
		if maxDelay <= 0 {
			maxDelay = 30 * time.Second
		}

		for {
			select {
			case <-f.done:
				return
			case <-f.ctx.Done():
				return
			default:
			}

			f.logger.Warn("market feed reconnecting", zap.Duration("delay", delay))
			timer := time.NewTimer(delay)
			select {
			case <-f.done:
				timer.Stop()
				return
			case <-timer.C:
			}

			if err := f.connect(f.currentTopics()); err != nil {
				f.logger.Warn("market feed reconnect failed", zap.Error(err))
				delay *= 2
				if delay > maxDelay {
					delay = maxDelay
				}
				continue
			}

			f.logger.Info("market feed reconnected")
			return
		}
	}()
}
