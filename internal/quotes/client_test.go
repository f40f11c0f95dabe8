package quotes

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daytrader/internal/money"
)

// fakeOracle is a line-protocol TCP server answering every request with a
// fixed price. It counts hits so cache behavior is observable.
type fakeOracle struct {
	listener net.Listener
	hits     atomic.Int64
	response func(symbol, user string) string
}

func newFakeOracle(t *testing.T) *fakeOracle {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	o := &fakeOracle{
		listener: l,
		response: func(symbol, user string) string {
			return fmt.Sprintf("16.75,%s,%s,1700000000000,crypto==\n", symbol, user)
		},
	}
	go o.serve()
	t.Cleanup(func() { _ = l.Close() })
	return o
}

func (o *fakeOracle) serve() {
	for {
		conn, err := o.listener.Accept()
		if err != nil {
			return
		}
		go func(c net.Conn) {
			defer c.Close()
			line, err := bufio.NewReader(c).ReadString('\n')
			if err != nil {
				return
			}
			o.hits.Add(1)
			fields := strings.Fields(strings.TrimSpace(line))
			if len(fields) != 2 {
				return
			}
			fmt.Fprint(c, o.response(fields[0], fields[1]))
		}(conn)
	}
}

func (o *fakeOracle) addr() string {
	return o.listener.Addr().String()
}

func TestGetQuoteFetchesAndParses(t *testing.T) {
	oracle := newFakeOracle(t)
	client := New(Config{Addr: oracle.addr()}, nil, nil, zerolog.Nop())

	q, err := client.GetQuote("ABC", "alice", 1)
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("16.75"), q.Price)
	assert.Equal(t, "ABC", q.Symbol)
	assert.Equal(t, "alice", q.Username)
	assert.Equal(t, int64(1700000000000), q.QuoteServerTime)
	assert.Equal(t, "crypto==", q.Cryptokey)
}

func TestGetQuoteServesFromCacheWithinTTL(t *testing.T) {
	oracle := newFakeOracle(t)

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	client := New(Config{Addr: oracle.addr()}, nil, clock, zerolog.Nop())

	_, err := client.GetQuote("ABC", "alice", 1)
	require.NoError(t, err)
	_, err = client.GetQuote("ABC", "bob", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), oracle.hits.Load())

	// a different symbol misses
	_, err = client.GetQuote("XYZ", "alice", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), oracle.hits.Load())
}

func TestGetQuoteRefetchesAfterTTL(t *testing.T) {
	oracle := newFakeOracle(t)

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	client := New(Config{Addr: oracle.addr()}, nil, func() time.Time { return now }, zerolog.Nop())

	_, err := client.GetQuote("ABC", "alice", 1)
	require.NoError(t, err)

	now = now.Add(61 * time.Second)
	_, err = client.GetQuote("ABC", "alice", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), oracle.hits.Load())
}

func TestGetQuoteConnectFailure(t *testing.T) {
	// a listener that is immediately closed yields a refused port
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	client := New(Config{Addr: addr, ConnectTimeout: 200 * time.Millisecond}, nil, nil, zerolog.Nop())
	_, err = client.GetQuote("ABC", "alice", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect")
}

func TestGetQuoteMalformedResponse(t *testing.T) {
	oracle := newFakeOracle(t)
	oracle.response = func(symbol, user string) string { return "not,enough,fields\n" }

	client := New(Config{Addr: oracle.addr()}, nil, nil, zerolog.Nop())
	_, err := client.GetQuote("ABC", "alice", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed quote response")
}

func TestParseResponse(t *testing.T) {
	q, err := parseResponse("16.75,ABC,alice,1700000000000,crypto==\r\n")
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("16.75"), q.Price)

	_, err = parseResponse("bogus,ABC,alice,1700000000000,crypto==\n")
	assert.Error(t, err)

	_, err = parseResponse("16.75,ABC,alice,notanumber,crypto==\n")
	assert.Error(t, err)
}
