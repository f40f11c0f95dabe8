package triggers

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"daytrader/internal/accounts"
	"daytrader/internal/audit"
	"daytrader/internal/money"
	"daytrader/internal/quotes"
)

// DefaultCadence is how often the loop polls the oracle for armed triggers.
const DefaultCadence = 5 * time.Second

// Loop is the background task that evaluates armed triggers against polled
// oracle prices. One firing per trigger per wakeup, deterministic order.
type Loop struct {
	registry *Registry
	store    *accounts.Store
	quotes   quotes.Getter
	audit    *audit.Logger
	nextTx   func() int64 // transaction numbers for trigger-initiated events
	cadence  time.Duration
	now      func() time.Time
	log      zerolog.Logger

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	stopped chan struct{}
}

// NewLoop creates the trigger loop. Clock and cadence are injectable for
// tests; zero values get defaults.
func NewLoop(
	registry *Registry,
	store *accounts.Store,
	quoteGetter quotes.Getter,
	auditLog *audit.Logger,
	nextTx func() int64,
	cadence time.Duration,
	now func() time.Time,
	log zerolog.Logger,
) *Loop {
	if cadence == 0 {
		cadence = DefaultCadence
	}
	if now == nil {
		now = time.Now
	}
	return &Loop{
		registry: registry,
		store:    store,
		quotes:   quoteGetter,
		audit:    auditLog,
		nextTx:   nextTx,
		cadence:  cadence,
		now:      now,
		log:      log.With().Str("component", "trigger_loop").Logger(),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start runs the loop in the background until Stop is called.
func (l *Loop) Start() {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		l.log.Warn().Msg("Trigger loop already started, ignoring")
		return
	}
	l.started = true
	l.mu.Unlock()

	l.log.Info().Dur("cadence", l.cadence).Msg("Trigger loop started")
	go func() {
		defer close(l.stopped)
		ticker := time.NewTicker(l.cadence)
		defer ticker.Stop()
		for {
			select {
			case <-l.stop:
				return
			case <-ticker.C:
				if _, err := l.RunOnce(); err != nil {
					l.log.Error().Err(err).Msg("Trigger evaluation cycle failed")
				}
			}
		}
	}()
}

// Stop stops the loop and waits for the current cycle to finish.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return
	}
	l.started = false
	l.mu.Unlock()

	close(l.stop)
	<-l.stopped
	l.log.Info().Msg("Trigger loop stopped")
}

// RunOnce evaluates every armed trigger once and returns how many fired.
// A quote failure skips that symbol's triggers for this cycle only.
func (l *Loop) RunOnce() (int, error) {
	armed, err := l.registry.IterateArmed()
	if err != nil {
		return 0, err
	}
	if len(armed) == 0 {
		return 0, nil
	}

	// One oracle consultation per distinct symbol per cycle; failures mark
	// the symbol unavailable rather than aborting the cycle.
	prices := make(map[string]money.Amount)
	failed := make(map[string]bool)
	for _, t := range armed {
		if _, ok := prices[t.Symbol]; ok || failed[t.Symbol] {
			continue
		}
		txNum := l.nextTx()
		quote, err := l.quotes.GetQuote(t.Symbol, t.UserID, txNum)
		if err != nil {
			failed[t.Symbol] = true
			l.log.Warn().Err(err).Str("symbol", t.Symbol).Msg("Quote unavailable, skipping symbol this cycle")
			l.audit.ErrorEvent(txNum, audit.CommandQuote, t.UserID, t.Symbol, "quote oracle unavailable: "+err.Error())
			continue
		}
		prices[t.Symbol] = quote.Price
	}

	fired := 0
	for _, t := range armed {
		price, ok := prices[t.Symbol]
		if !ok {
			continue
		}
		switch t.Side {
		case accounts.SideBuy:
			if price <= t.Price {
				if l.fireBuy(t, price) {
					fired++
				}
			}
		case accounts.SideSell:
			if price >= t.Price {
				if l.fireSell(t, price) {
					fired++
				}
			}
		}
	}
	return fired, nil
}

// fireBuy executes a triggered buy: shares = floor(reserve / price), the
// unspent residual is refunded to cash. Returns false when the trigger
// disappeared between iteration and firing.
func (l *Loop) fireBuy(t accounts.ArmedTrigger, price money.Amount) bool {
	txNum := l.nextTx()

	reserved, mut, err := l.registry.ClearBuy(t.UserID, t.Symbol)
	if err != nil {
		l.log.Error().Err(err).Str("user", t.UserID).Str("symbol", t.Symbol).Msg("Failed to clear buy trigger")
		l.audit.ErrorEvent(txNum, audit.CommandSetBuyTrigger, t.UserID, t.Symbol, err.Error())
		return false
	}
	if mut.Modified == 0 {
		// Cleared concurrently; nothing to do.
		return false
	}

	shares := reserved.DivFloor(price)
	spent := money.FromUnits(shares).Mul(price)
	residual := reserved - spent

	if shares > 0 {
		if _, err := l.store.IncHolding(t.UserID, t.Symbol, money.FromUnits(shares)); err != nil {
			l.log.Error().Err(err).Str("user", t.UserID).Str("symbol", t.Symbol).Msg("Failed to credit triggered buy")
			l.audit.ErrorEvent(txNum, audit.CommandSetBuyTrigger, t.UserID, t.Symbol, err.Error())
			return false
		}
		if err := l.store.AppendTransaction(t.UserID, accounts.SideBuy, t.Symbol, spent, l.now().UnixMilli()); err != nil {
			l.log.Error().Err(err).Str("user", t.UserID).Msg("Failed to journal triggered buy")
		}
	}
	if residual > 0 {
		if _, err := l.store.AddCash(t.UserID, residual); err != nil {
			l.log.Error().Err(err).Str("user", t.UserID).Msg("Failed to refund buy reserve residual")
			l.audit.ErrorEvent(txNum, audit.CommandSetBuyTrigger, t.UserID, t.Symbol, err.Error())
			return false
		}
	}

	l.audit.SystemEvent(txNum, audit.CommandSetBuyTrigger, t.UserID, t.Symbol, "")
	if balance, err := l.store.Balance(t.UserID); err == nil {
		l.audit.AccountTransaction(txNum, "add", t.UserID, balance)
	}

	l.log.Info().
		Str("user", t.UserID).
		Str("symbol", t.Symbol).
		Str("price", price.String()).
		Int64("shares", shares).
		Str("residual", residual.String()).
		Msg("Buy trigger fired")
	return true
}

// fireSell executes a triggered sell: the reserved shares (moved out of
// holdings at SET_SELL_TRIGGER) are sold at the latest price.
func (l *Loop) fireSell(t accounts.ArmedTrigger, price money.Amount) bool {
	txNum := l.nextTx()

	reserved, mut, err := l.registry.ClearSell(t.UserID, t.Symbol)
	if err != nil {
		l.log.Error().Err(err).Str("user", t.UserID).Str("symbol", t.Symbol).Msg("Failed to clear sell trigger")
		l.audit.ErrorEvent(txNum, audit.CommandSetSellTrigger, t.UserID, t.Symbol, err.Error())
		return false
	}
	if mut.Modified == 0 {
		return false
	}

	received := reserved.Mul(price)
	if _, err := l.store.AddCash(t.UserID, received); err != nil {
		l.log.Error().Err(err).Str("user", t.UserID).Str("symbol", t.Symbol).Msg("Failed to credit triggered sell")
		l.audit.ErrorEvent(txNum, audit.CommandSetSellTrigger, t.UserID, t.Symbol, err.Error())
		return false
	}
	if err := l.store.AppendTransaction(t.UserID, accounts.SideSell, t.Symbol, received, l.now().UnixMilli()); err != nil {
		l.log.Error().Err(err).Str("user", t.UserID).Msg("Failed to journal triggered sell")
	}

	l.audit.SystemEvent(txNum, audit.CommandSetSellTrigger, t.UserID, t.Symbol, "")
	if balance, err := l.store.Balance(t.UserID); err == nil {
		l.audit.AccountTransaction(txNum, "add", t.UserID, balance)
	}

	l.log.Info().
		Str("user", t.UserID).
		Str("symbol", t.Symbol).
		Str("price", price.String()).
		Str("received", received.String()).
		Msg("Sell trigger fired")
	return true
}
