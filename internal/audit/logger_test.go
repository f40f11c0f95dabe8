package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daytrader/internal/database"
	"daytrader/internal/money"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "ledger.db"),
		Profile: database.ProfileLedger,
		Name:    "ledger-test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger, err := New(Config{
		DB:         db,
		ServerName: "test-server",
		Log:        zerolog.Nop(),
	})
	require.NoError(t, err)
	return logger
}

func TestEmitAndSnapshot(t *testing.T) {
	l := newTestLogger(t)
	funds := money.MustParse("500.00")

	l.UserCommand(1, CommandAdd, "alice", "", &funds)
	l.AccountTransaction(1, "add", "alice", funds)
	l.QuoteServer(2, money.MustParse("16.75"), "ABC", "alice", 1700000000000, "crypto==")
	l.SystemEvent(3, CommandDumplog, "alice", "", "out.xml")
	l.ErrorEvent(4, CommandBuy, "alice", "ABC", "Not enough money")
	l.DebugEvent(5, CommandQuote, "alice", "command received")

	events, err := l.Snapshot("")
	require.NoError(t, err)
	require.Len(t, events, 6)

	assert.Equal(t, EventUserCommand, events[0].Type)
	assert.Equal(t, CommandAdd, events[0].Command)
	require.NotNil(t, events[0].Funds)
	assert.Equal(t, funds, *events[0].Funds)
	assert.Equal(t, "test-server", events[0].Server)
	assert.NotEmpty(t, events[0].ID)

	assert.Equal(t, EventQuoteServer, events[2].Type)
	require.NotNil(t, events[2].Price)
	assert.Equal(t, money.MustParse("16.75"), *events[2].Price)
	assert.Equal(t, "crypto==", events[2].Cryptokey)

	assert.Equal(t, EventErrorEvent, events[4].Type)
	assert.Equal(t, "Not enough money", events[4].ErrorMessage)
}

func TestSnapshotFiltersByUsername(t *testing.T) {
	l := newTestLogger(t)

	l.UserCommand(1, CommandAdd, "alice", "", nil)
	l.UserCommand(2, CommandAdd, "bob", "", nil)

	events, err := l.Snapshot("alice")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "alice", events[0].Username)
}

func TestInvalidEventsAreDroppedNotFatal(t *testing.T) {
	l := newTestLogger(t)

	// transactionNum must be positive
	l.UserCommand(0, CommandAdd, "alice", "", nil)
	// symbol longer than three characters
	l.ErrorEvent(1, CommandBuy, "alice", "TOOLONG", "boom")
	// accountTransaction action must be add/remove; emit directly
	l.emit(Event{Type: EventAccountTransaction, TransactionNum: 1, Action: "steal", Username: "alice"})
	// unknown command string
	l.emit(Event{Type: EventUserCommand, TransactionNum: 1, Command: CommandType("EXPLODE")})

	events, err := l.Snapshot("")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestTimestampPlausibilityWindow(t *testing.T) {
	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "ledger.db"),
		Name: "ledger-test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	past := time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC)
	l, err := New(Config{
		DB:  db,
		Now: func() time.Time { return past },
		Log: zerolog.Nop(),
	})
	require.NoError(t, err)

	l.UserCommand(1, CommandAdd, "alice", "", nil)

	events, err := l.Snapshot("")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSnapshotChronologicalOrder(t *testing.T) {
	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "ledger.db"),
		Name: "ledger-test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ts := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	step := 0
	l, err := New(Config{
		DB: db,
		Now: func() time.Time {
			// emit events with descending timestamps
			step++
			return ts.Add(time.Duration(10-step) * time.Second)
		},
		Log: zerolog.Nop(),
	})
	require.NoError(t, err)

	l.UserCommand(1, CommandAdd, "alice", "", nil)
	l.UserCommand(2, CommandQuote, "alice", "ABC", nil)
	l.UserCommand(3, CommandBuy, "alice", "ABC", nil)

	events, err := l.Snapshot("")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.True(t, events[0].Timestamp <= events[1].Timestamp)
	assert.True(t, events[1].Timestamp <= events[2].Timestamp)
	// latest emission has the earliest timestamp
	assert.Equal(t, CommandBuy, events[0].Command)
}
