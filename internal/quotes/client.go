// Package quotes talks to the external quote oracle over its line-based TCP
// protocol and caches prices per symbol for a short freshness window.
package quotes

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"daytrader/internal/audit"
	"daytrader/internal/money"
)

// Quote is the oracle's answer for one symbol.
type Quote struct {
	Price           money.Amount `json:"price"`
	Symbol          string       `json:"symbol"`
	Username        string       `json:"username"`
	QuoteServerTime int64        `json:"timestamp"` // ms since epoch, oracle clock
	Cryptokey       string       `json:"cryptokey"`
	FetchedAt       time.Time    `json:"-"`
}

// Getter is the quote lookup used by command handlers and the trigger loop.
// Tests substitute a stub oracle.
type Getter interface {
	GetQuote(symbol, username string, txNum int64) (Quote, error)
}

// Config holds quote client configuration.
type Config struct {
	Addr           string        // host:port of the quote oracle
	ConnectTimeout time.Duration // default 1s
	ReadTimeout    time.Duration // default 2s
	CacheTTL       time.Duration // default 60s
}

// Client fetches quotes over TCP with a per-symbol cache. No retries: a
// failed fetch is surfaced to the caller, which fails its command or skips
// its trigger cycle.
type Client struct {
	cfg   Config
	audit *audit.Logger
	now   func() time.Time
	log   zerolog.Logger

	mu    sync.Mutex
	cache map[string]Quote
}

// New creates a quote client. The audit logger receives a quoteServer event
// on every cache miss; the injectable clock (nil means time.Now) drives
// cache freshness.
func New(cfg Config, auditLog *audit.Logger, now func() time.Time, log zerolog.Logger) *Client {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 1 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 2 * time.Second
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 60 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &Client{
		cfg:   cfg,
		audit: auditLog,
		now:   now,
		log:   log.With().Str("component", "quote_client").Logger(),
		cache: make(map[string]Quote),
	}
}

// GetQuote returns the cached quote for the symbol while it is fresh,
// otherwise contacts the oracle. Only an actual oracle hit emits a
// quoteServer audit event.
func (c *Client) GetQuote(symbol, username string, txNum int64) (Quote, error) {
	now := c.now()

	c.mu.Lock()
	cached, ok := c.cache[symbol]
	c.mu.Unlock()
	if ok && now.Sub(cached.FetchedAt) < c.cfg.CacheTTL {
		c.log.Debug().
			Str("symbol", symbol).
			Str("price", cached.Price.String()).
			Msg("Quote served from cache")
		return cached, nil
	}

	quote, err := c.fetch(symbol, username)
	if err != nil {
		return Quote{}, err
	}
	quote.FetchedAt = now

	c.mu.Lock()
	c.cache[symbol] = quote
	c.mu.Unlock()

	if c.audit != nil {
		c.audit.QuoteServer(txNum, quote.Price, quote.Symbol, quote.Username, quote.QuoteServerTime, quote.Cryptokey)
	}

	c.log.Debug().
		Str("symbol", symbol).
		Str("price", quote.Price.String()).
		Msg("Quote fetched from oracle")
	return quote, nil
}

// fetch performs one request/response round trip:
// send "<SYMBOL> <USER>\n", read "<price>,<symbol>,<user>,<ts>,<cryptokey>\n".
func (c *Client) fetch(symbol, username string) (Quote, error) {
	conn, err := net.DialTimeout("tcp", c.cfg.Addr, c.cfg.ConnectTimeout)
	if err != nil {
		return Quote{}, fmt.Errorf("failed to connect to quote oracle at %s: %w", c.cfg.Addr, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
		return Quote{}, fmt.Errorf("failed to set oracle deadline: %w", err)
	}

	if _, err := fmt.Fprintf(conn, "%s %s\n", symbol, username); err != nil {
		return Quote{}, fmt.Errorf("failed to send quote request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return Quote{}, fmt.Errorf("failed to read quote response: %w", err)
	}

	return parseResponse(line)
}

func parseResponse(line string) (Quote, error) {
	fields := strings.Split(strings.TrimRight(line, "\r\n"), ",")
	if len(fields) != 5 {
		return Quote{}, fmt.Errorf("malformed quote response: expected 5 fields, got %d", len(fields))
	}

	price, err := money.Parse(fields[0])
	if err != nil {
		return Quote{}, fmt.Errorf("malformed quote price: %w", err)
	}
	ts, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return Quote{}, fmt.Errorf("malformed quote timestamp %q: %w", fields[3], err)
	}

	return Quote{
		Price:           price,
		Symbol:          fields[1],
		Username:        fields[2],
		QuoteServerTime: ts,
		Cryptokey:       fields[4],
	}, nil
}
