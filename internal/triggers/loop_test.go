package triggers

import (
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daytrader/internal/accounts"
	"daytrader/internal/audit"
	"daytrader/internal/database"
	"daytrader/internal/money"
	"daytrader/internal/quotes"
)

// stubQuotes answers from a fixed price map and fails unknown symbols.
type stubQuotes struct {
	prices map[string]money.Amount
}

func (s *stubQuotes) GetQuote(symbol, username string, txNum int64) (quotes.Quote, error) {
	price, ok := s.prices[symbol]
	if !ok {
		return quotes.Quote{}, fmt.Errorf("no quote for %s", symbol)
	}
	return quotes.Quote{
		Price:           price,
		Symbol:          symbol,
		Username:        username,
		QuoteServerTime: 1700000000000,
		Cryptokey:       "crypto==",
	}, nil
}

type loopFixture struct {
	store    *accounts.Store
	registry *Registry
	oracle   *stubQuotes
	audit    *audit.Logger
	loop     *Loop
}

func newLoopFixture(t *testing.T) *loopFixture {
	t.Helper()
	dir := t.TempDir()

	accountsDB, err := database.New(database.Config{
		Path: filepath.Join(dir, "accounts.db"),
		Name: "accounts-test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = accountsDB.Close() })

	ledgerDB, err := database.New(database.Config{
		Path:    filepath.Join(dir, "ledger.db"),
		Profile: database.ProfileLedger,
		Name:    "ledger-test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledgerDB.Close() })

	store, err := accounts.New(accountsDB, zerolog.Nop())
	require.NoError(t, err)
	auditLog, err := audit.New(audit.Config{DB: ledgerDB, Log: zerolog.Nop()})
	require.NoError(t, err)

	registry := NewRegistry(store, zerolog.Nop())
	oracle := &stubQuotes{prices: map[string]money.Amount{}}

	var txSeq atomic.Int64
	loop := NewLoop(registry, store, oracle, auditLog,
		func() int64 { return txSeq.Add(1) }, 0, nil, zerolog.Nop())

	return &loopFixture{store: store, registry: registry, oracle: oracle, audit: auditLog, loop: loop}
}

func (f *loopFixture) armBuy(t *testing.T, user, symbol string, reserve, price money.Amount) {
	t.Helper()
	require.NoError(t, f.store.Create(user))
	_, err := f.store.IncReserveBuy(user, symbol, reserve)
	require.NoError(t, err)
	_, err = f.registry.SetArmedBuy(user, symbol, price)
	require.NoError(t, err)
}

func (f *loopFixture) armSell(t *testing.T, user, symbol string, reserve, price money.Amount) {
	t.Helper()
	require.NoError(t, f.store.Create(user))
	_, err := f.store.IncReserveSell(user, symbol, reserve)
	require.NoError(t, err)
	_, err = f.registry.ArmSell(user, symbol, price)
	require.NoError(t, err)
}

func TestBuyTriggerFiresAtOrBelowArmedPrice(t *testing.T) {
	f := newLoopFixture(t)
	f.armBuy(t, "alice", "ABC", money.MustParse("200.00"), money.MustParse("17.00"))
	f.oracle.prices["ABC"] = money.MustParse("16.75")

	fired, err := f.loop.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	// floor(200 / 16.75) = 11 shares, 184.25 spent, 15.75 refunded
	held, err := f.store.Holding("alice", "ABC")
	require.NoError(t, err)
	assert.Equal(t, money.FromUnits(11), held)
	balance, err := f.store.Balance("alice")
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("15.75"), balance)

	// trigger and reserve are consumed
	_, found, err := f.registry.Get("alice", accounts.SideBuy, "ABC")
	require.NoError(t, err)
	assert.False(t, found)
	_, ok, err := f.store.ReserveBuy("alice", "ABC")
	require.NoError(t, err)
	assert.False(t, ok)

	txs, err := f.store.ListTransactions("alice")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, accounts.SideBuy, txs[0].Type)
	assert.Equal(t, money.MustParse("184.25"), txs[0].Amount)
}

func TestBuyTriggerHoldsAboveArmedPrice(t *testing.T) {
	f := newLoopFixture(t)
	f.armBuy(t, "alice", "ABC", money.MustParse("200.00"), money.MustParse("17.00"))
	f.oracle.prices["ABC"] = money.MustParse("17.01")

	fired, err := f.loop.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, 0, fired)

	_, found, err := f.registry.Get("alice", accounts.SideBuy, "ABC")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestSellTriggerFiresAtOrAboveArmedPrice(t *testing.T) {
	f := newLoopFixture(t)
	f.armSell(t, "alice", "ABC", money.MustParse("5.00"), money.MustParse("20.00"))
	f.oracle.prices["ABC"] = money.MustParse("25.00")

	fired, err := f.loop.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	// 5 reserved units at 25.00 each
	balance, err := f.store.Balance("alice")
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("125.00"), balance)

	_, found, err := f.registry.Get("alice", accounts.SideSell, "ABC")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSellTriggerHoldsBelowArmedPrice(t *testing.T) {
	f := newLoopFixture(t)
	f.armSell(t, "alice", "ABC", money.MustParse("5.00"), money.MustParse("20.00"))
	f.oracle.prices["ABC"] = money.MustParse("19.99")

	fired, err := f.loop.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, 0, fired)
}

func TestQuoteFailureSkipsSymbolForCycle(t *testing.T) {
	f := newLoopFixture(t)
	f.armBuy(t, "alice", "ABC", money.MustParse("200.00"), money.MustParse("17.00"))
	f.armSell(t, "bob", "XYZ", money.MustParse("2.00"), money.MustParse("10.00"))
	// only XYZ has a price this cycle
	f.oracle.prices["XYZ"] = money.MustParse("12.00")

	fired, err := f.loop.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	// the ABC trigger survives for the next cycle
	_, found, err := f.registry.Get("alice", accounts.SideBuy, "ABC")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestTriggerWithoutReserveIsNoOp(t *testing.T) {
	f := newLoopFixture(t)
	require.NoError(t, f.store.Create("alice"))
	_, err := f.registry.SetArmedBuy("alice", "ABC", money.MustParse("17.00"))
	require.NoError(t, err)
	f.oracle.prices["ABC"] = money.MustParse("16.00")

	fired, err := f.loop.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, 0, fired)

	balance, err := f.store.Balance("alice")
	require.NoError(t, err)
	assert.Equal(t, money.Amount(0), balance)
}

func TestMultipleUsersFireInOneCycle(t *testing.T) {
	f := newLoopFixture(t)
	f.armBuy(t, "alice", "ABC", money.MustParse("100.00"), money.MustParse("20.00"))
	f.armSell(t, "bob", "ABC", money.MustParse("3.00"), money.MustParse("15.00"))
	f.oracle.prices["ABC"] = money.MustParse("16.00")

	fired, err := f.loop.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, 2, fired)
}

func TestLoopStartStop(t *testing.T) {
	f := newLoopFixture(t)
	loop := NewLoop(f.registry, f.store, f.oracle, f.audit, func() int64 { return 1 },
		10*time.Millisecond, nil, zerolog.Nop())

	loop.Start()
	time.Sleep(30 * time.Millisecond)
	loop.Stop()

	// stopping twice is safe
	loop.Stop()
}
