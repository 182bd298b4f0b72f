package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"densityengine/internal/config"
	"densityengine/internal/domain"
)

// Client wraps a single ccxt Bybit instance with the retry, rate-gate,
// and error-classification behavior every exchange call needs (spec.md
// §6). All money fields travel as decimal.Decimal; nothing here ever
// touches a binary float on an order, price, or stop path.
type Client struct {
	cfg      config.ExchangeConfig
	logger   *zap.Logger
	exchange *ccxt.Bybit
	gate     *semaphore.Weighted
	inflight atomic.Int64

	marketsLoaded bool
}

// InflightFraction reports the fraction of the inflight rate gate
// currently occupied, the safety supervisor's API-gate-saturation
// metric (spec.md §4.10).
func (c *Client) InflightFraction() float64 {
	return float64(c.inflight.Load()) / float64(maxInflight)
}

// maxInflight bounds concurrent exchange calls in flight at once,
// mirroring the original bot's asyncio.Semaphore(20) rate gate.
const maxInflight = 20

// NewClient constructs a Bybit unified-trading client.
func NewClient(cfg config.ExchangeConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"defaultType": "linear",
		},
	}
	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}

	ex := ccxt.NewBybit(userConfig)
	if cfg.Testnet {
		ex.SetSandboxMode(true)
	}

	return &Client{
		cfg:      cfg,
		logger:   logger,
		exchange: ex,
		gate:     semaphore.NewWeighted(maxInflight),
	}, nil
}

func (c *Client) ensureMarketsLoaded(ctx context.Context) error {
	if c.marketsLoaded {
		return nil
	}
	if err := c.callWithRetry(ctx, "load_markets", false, func() error {
		_, err := c.exchange.LoadMarkets()
		return err
	}); err != nil {
		return err
	}
	c.marketsLoaded = true
	return nil
}

// GetWalletBalance returns the unified USDT wallet balance (spec.md §6
// get_wallet_balance).
func (c *Client) GetWalletBalance(ctx context.Context) (Balance, error) {
	var raw ccxt.Balances
	err := c.callWithRetry(ctx, "get_wallet_balance", false, func() error {
		result, err := c.exchange.FetchBalance()
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return Balance{}, err
	}

	usdt, ok := raw.Total["USDT"]
	if !ok {
		return Balance{Coin: "USDT"}, nil
	}
	free := raw.Free["USDT"]

	return Balance{
		Coin:      "USDT",
		Wallet:    decimal.NewFromFloat(usdt),
		Available: decimal.NewFromFloat(free),
	}, nil
}

// GetPositions returns every open linear position (spec.md §6
// get_positions), used for position-registry reconciliation at startup
// and for the safety supervisor's exposure checks.
func (c *Client) GetPositions(ctx context.Context) ([]PositionSnapshot, error) {
	var raw []ccxt.Position
	err := c.callWithRetry(ctx, "get_positions", false, func() error {
		result, err := c.exchange.FetchPositions()
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]PositionSnapshot, 0, len(raw))
	for _, p := range raw {
		var size decimal.Decimal
		if p.Contracts != nil {
			size = decimal.NewFromFloat(*p.Contracts)
		}
		if size.IsZero() {
			continue
		}

		direction := domain.DirectionLong
		if p.Side != nil && *p.Side == "short" {
			direction = domain.DirectionShort
		}

		var entry, leverage decimal.Decimal
		if p.EntryPrice != nil {
			entry = decimal.NewFromFloat(*p.EntryPrice)
		}
		if p.Leverage != nil {
			leverage = decimal.NewFromFloat(*p.Leverage)
		}

		symbol := ""
		if p.Symbol != nil {
			symbol = *p.Symbol
		}

		out = append(out, PositionSnapshot{
			Symbol:     symbol,
			Direction:  direction,
			Size:       size,
			EntryPrice: entry,
			Leverage:   leverage,
		})
	}
	return out, nil
}

// SetMarginMode switches a symbol into isolated margin before any order
// is placed on it (spec.md §4.7 step 1). A "mode already set" response
// is treated as success.
func (c *Client) SetMarginMode(ctx context.Context, symbol string, isolated bool) error {
	mode := "cross"
	if isolated {
		mode = "isolated"
	}
	return c.callWithRetry(ctx, "set_margin_mode", false, func() error {
		_, err := c.exchange.SetMarginMode(mode, ccxt.WithSetMarginModeSymbol(symbol))
		if err != nil && isBybitAlreadySetError(err) {
			return nil
		}
		return err
	})
}

// SetLeverage sets both buy and sell leverage for a symbol (spec.md
// §4.7 step 2). A "leverage not modified" response is treated as
// success, matching Bybit's idempotent semantics.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage decimal.Decimal) error {
	lev, _ := leverage.Float64()
	return c.callWithRetry(ctx, "set_leverage", false, func() error {
		_, err := c.exchange.SetLeverage(lev, ccxt.WithSetLeverageSymbol(symbol))
		if err != nil && isBybitAlreadySetError(err) {
			return nil
		}
		return err
	})
}

// PlaceOrder places a market order, optionally attaching a stop-loss
// atomically (spec.md §4.7 step 3/4: the position must never exist
// without a live stop).
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	side := "buy"
	if req.Direction == domain.DirectionShort {
		side = "sell"
	}
	if req.ReduceOnly {
		side = oppositeSide(side)
	}

	size, _ := req.Size.Float64()
	params := map[string]interface{}{
		"reduceOnly":   req.ReduceOnly,
		"positionIdx":  0,
		"timeInForce":  "GTC",
	}
	if !req.StopLoss.IsZero() {
		params["stopLoss"] = req.StopLoss.String()
		params["slOrderType"] = "Market"
		params["slTriggerBy"] = "LastPrice"
	}

	var raw ccxt.Order
	critical := req.ReduceOnly
	err := c.callWithRetry(ctx, "place_order", critical, func() error {
		result, err := c.exchange.CreateOrder(req.Symbol, "market", side, size,
			ccxt.WithCreateOrderParams(params))
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return OrderResult{}, err
	}

	res := OrderResult{FilledAt: time.Now().UTC()}
	if raw.Id != nil {
		res.OrderID = *raw.Id
	}
	if raw.Average != nil {
		res.AvgPrice = decimal.NewFromFloat(*raw.Average)
	} else if raw.Price != nil {
		res.AvgPrice = decimal.NewFromFloat(*raw.Price)
	}
	if raw.Filled != nil {
		res.FilledSize = decimal.NewFromFloat(*raw.Filled)
	} else {
		res.FilledSize = req.Size
	}
	return res, nil
}

// SetTradingStop updates an open position's live stop-loss (spec.md
// §4.7 step 5 and the breakeven promotion in §4.9). This is a Bybit V5
// position endpoint with no ccxt-unified equivalent, so it is invoked
// through ccxt's generated implicit V5 method.
func (c *Client) SetTradingStop(ctx context.Context, symbol string, stopLoss decimal.Decimal) error {
	params := map[string]interface{}{
		"category":    "linear",
		"symbol":      symbol,
		"stopLoss":    stopLoss.String(),
		"positionIdx": 0,
	}
	return c.callWithRetry(ctx, "set_trading_stop", true, func() error {
		_, err := c.exchange.PrivatePostV5PositionTradingStop(params)
		return err
	})
}

// ClosePosition places a reduce-only market order to flatten size
// (spec.md §4.7's force-close branch). This call is always treated as
// critical: leaving a position open without protection is the failure
// mode this engine exists to avoid.
func (c *Client) ClosePosition(ctx context.Context, symbol string, direction domain.Direction, size decimal.Decimal) (OrderResult, error) {
	return c.PlaceOrder(ctx, OrderRequest{
		Symbol:     symbol,
		Direction:  direction,
		Size:       size,
		ReduceOnly: true,
	})
}

func oppositeSide(side string) string {
	if side == "buy" {
		return "sell"
	}
	return "buy"
}

func isBybitAlreadySetError(err error) bool {
	var ccxtErr *ccxt.Error
	if !errors.As(err, &ccxtErr) {
		return false
	}
	return ccxtErr.Type == ccxt.ExchangeErrorErrType &&
		(containsCode(ccxtErr.Message, retCodeAlreadySet) || containsCode(ccxtErr.Message, retCodeAlreadySet2))
}

func containsCode(message string, code int) bool {
	needle := fmt.Sprintf("%d", code)
	return len(message) >= len(needle) && indexOf(message, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

// callWithRetry retries a failed exchange call with exponential backoff
// for ordinary operations, or the tighter linear backoff spec.md §4.7
// mandates for critical operations (stop-loss writes, force-closes):
// 5 attempts starting at 0.5s, each wait growing linearly rather than
// doubling, so the final retry still lands quickly.
func (c *Client) callWithRetry(ctx context.Context, operation string, critical bool, fn func() error) error {
	if err := c.gate.Acquire(ctx, 1); err != nil {
		return err
	}
	c.inflight.Add(1)
	defer func() {
		c.inflight.Add(-1)
		c.gate.Release(1)
	}()

	maxAttempts := c.cfg.Retry.MaxAttempts
	if critical {
		maxAttempts = c.cfg.Retry.CriticalMaxAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	attempt := 0
	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		latency := time.Since(start)

		if err == nil {
			if attempt > 1 {
				c.logger.Info("exchange call succeeded after retry",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", latency))
			}
			return nil
		}

		if errors.Is(err, ErrMaintenance) {
			c.logger.Warn("exchange under maintenance", zap.String("operation", operation), zap.Error(err))
			return err
		}

		retryable := IsRetryable(err)
		if !retryable || attempt >= maxAttempts {
			c.logger.Error("exchange call failed",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Bool("critical", critical),
				zap.Error(err))
			var ccxtErr *ccxt.Error
			if errors.As(err, &ccxtErr) && ccxtErr.Type == ccxt.RateLimitExceededErrType {
				return fmt.Errorf("%w: %w", ErrRateLimited, err)
			}
			return err
		}

		wait := c.backoff(attempt, critical)
		c.logger.Warn("exchange call failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) backoff(attempt int, critical bool) time.Duration {
	if critical {
		return 500 * time.Millisecond * time.Duration(attempt)
	}

	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = time.Second
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}
	wait := delay
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= maxDelay {
			wait = maxDelay
			break
		}
	}
	return wait
}
