package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daytrader/internal/accounts"
	"daytrader/internal/audit"
	"daytrader/internal/database"
	"daytrader/internal/engine"
	"daytrader/internal/money"
	"daytrader/internal/pending"
	"daytrader/internal/quotes"
	"daytrader/internal/triggers"
)

type fixedQuotes struct{}

func (fixedQuotes) GetQuote(symbol, username string, txNum int64) (quotes.Quote, error) {
	return quotes.Quote{
		Price:           money.MustParse("16.75"),
		Symbol:          symbol,
		Username:        username,
		QuoteServerTime: 1700000000000,
		Cryptokey:       "crypto==",
	}, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	dir := t.TempDir()

	accountsDB, err := database.New(database.Config{
		Path: filepath.Join(dir, "accounts.db"),
		Name: "accounts-test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = accountsDB.Close() })
	ledgerDB, err := database.New(database.Config{
		Path: filepath.Join(dir, "ledger.db"),
		Name: "ledger-test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledgerDB.Close() })
	cacheDB, err := database.New(database.Config{
		Path: filepath.Join(dir, "cache.db"),
		Name: "cache-test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cacheDB.Close() })

	store, err := accounts.New(accountsDB, zerolog.Nop())
	require.NoError(t, err)
	auditLog, err := audit.New(audit.Config{DB: ledgerDB, Log: zerolog.Nop()})
	require.NoError(t, err)
	pendingStore, err := pending.New(cacheDB, nil, zerolog.Nop())
	require.NoError(t, err)

	eng := engine.New(engine.Config{
		Store:    store,
		Pending:  pendingStore,
		Registry: triggers.NewRegistry(store, zerolog.Nop()),
		Quotes:   fixedQuotes{},
		Audit:    auditLog,
		LogsDir:  filepath.Join(dir, "logs"),
		Log:      zerolog.Nop(),
	})
	dispatcher := engine.NewDispatcher(eng, 16, zerolog.Nop())
	t.Cleanup(dispatcher.Stop)

	srv := New(Config{
		Log:        zerolog.Nop(),
		Dispatcher: dispatcher,
		Counter:    &engine.TxCounter{},
		Port:       0,
		DevMode:    true,
	})
	ts := httptest.NewServer(srv.router)
	t.Cleanup(ts.Close)
	return ts
}

func getResult(t *testing.T, ts *httptest.Server, path string) engine.Result {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result engine.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAddAndQuoteEndpoints(t *testing.T) {
	ts := newTestServer(t)

	result := getResult(t, ts, "/commands/add?tx_num=1&userid=alice&amount=500.00")
	assert.Equal(t, "success", result.Status, result.Message)

	result = getResult(t, ts, "/commands/quote?tx_num=2&userid=alice&stock_symbol=abc")
	assert.Equal(t, "success", result.Status, result.Message)
	require.NotNil(t, result.Price)
	assert.Equal(t, money.MustParse("16.75"), *result.Price)
	// symbols are upcased at the ingress
	assert.Equal(t, "ABC", result.Symbol)
}

func TestBuyCommitOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	getResult(t, ts, "/commands/add?tx_num=1&userid=alice&amount=500.00")
	result := getResult(t, ts, "/commands/buy?tx_num=2&userid=alice&stock_symbol=ABC&amount=450.00")
	require.Equal(t, "success", result.Status, result.Message)

	result = getResult(t, ts, "/commands/commit_buy?tx_num=3&userid=alice")
	require.Equal(t, "success", result.Status, result.Message)

	summary := getResult(t, ts, "/commands/display_summary?tx_num=4&userid=alice")
	require.Equal(t, "success", summary.Status, summary.Message)
	require.NotNil(t, summary.Account)
	assert.Equal(t, money.MustParse("50.00"), summary.Account.Balance)
	assert.Equal(t, money.MustParse("450.00"), summary.Account.Holdings["ABC"])
}

func TestMissingTxNumGetsServerIssuedNumber(t *testing.T) {
	ts := newTestServer(t)

	result := getResult(t, ts, "/commands/add?userid=alice&amount=1.00")
	assert.Equal(t, "success", result.Status, result.Message)
}

func TestFailureEnvelope(t *testing.T) {
	ts := newTestServer(t)

	result := getResult(t, ts, fmt.Sprintf("/commands/commit_buy?tx_num=%d&userid=ghost", 1))
	assert.Equal(t, "failure", result.Status)
	assert.NotEmpty(t, result.Message)
}
