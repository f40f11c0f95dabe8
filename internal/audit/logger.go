package audit

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"daytrader/internal/database"
	"daytrader/internal/money"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	server TEXT NOT NULL,
	transaction_num INTEGER NOT NULL,
	command TEXT NOT NULL DEFAULT '',
	username TEXT NOT NULL DEFAULT '',
	stock_symbol TEXT NOT NULL DEFAULT '',
	funds INTEGER,
	price INTEGER,
	quote_server_time INTEGER NOT NULL DEFAULT 0,
	cryptokey TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL DEFAULT '',
	filename TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	debug_message TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_events_username ON audit_events(username);
CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp);
`

// Config holds audit logger configuration.
type Config struct {
	DB         *database.DB
	ServerName string
	// Plausibility window for event timestamps. Events outside the window are
	// dropped as programmer errors. Zero values get generous defaults.
	MinTimestamp time.Time
	MaxTimestamp time.Time
	Now          func() time.Time // injectable clock, defaults to time.Now
	Log          zerolog.Logger
}

// Logger is the append-only audit event log. Emission never fails the
// calling command: an event that does not validate is logged and dropped.
type Logger struct {
	db         *database.DB
	serverName string
	minTS      int64
	maxTS      int64
	now        func() time.Time
	log        zerolog.Logger
}

// New creates the audit logger and its table in the ledger database.
func New(cfg Config) (*Logger, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("audit logger requires a database")
	}
	if _, err := cfg.DB.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create audit schema: %w", err)
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "transaction-server"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MinTimestamp.IsZero() {
		cfg.MinTimestamp = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	if cfg.MaxTimestamp.IsZero() {
		cfg.MaxTimestamp = time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return &Logger{
		db:         cfg.DB,
		serverName: cfg.ServerName,
		minTS:      cfg.MinTimestamp.UnixMilli(),
		maxTS:      cfg.MaxTimestamp.UnixMilli(),
		now:        cfg.Now,
		log:        cfg.Log.With().Str("component", "audit").Logger(),
	}, nil
}

// UserCommand records a successfully executed user command.
func (l *Logger) UserCommand(txNum int64, cmd CommandType, username, symbol string, funds *money.Amount) {
	l.emit(Event{
		Type:           EventUserCommand,
		TransactionNum: txNum,
		Command:        cmd,
		Username:       username,
		StockSymbol:    symbol,
		Funds:          funds,
	})
}

// QuoteServer records a hit against the external quote oracle. Emitted only
// on cache misses.
func (l *Logger) QuoteServer(txNum int64, price money.Amount, symbol, username string, quoteServerTime int64, cryptokey string) {
	l.emit(Event{
		Type:            EventQuoteServer,
		TransactionNum:  txNum,
		Price:           &price,
		StockSymbol:     symbol,
		Username:        username,
		QuoteServerTime: quoteServerTime,
		Cryptokey:       cryptokey,
	})
}

// AccountTransaction records a change to a user's cash balance. Action is
// "add" or "remove"; funds is the balance after the change.
func (l *Logger) AccountTransaction(txNum int64, action, username string, funds money.Amount) {
	l.emit(Event{
		Type:           EventAccountTransaction,
		TransactionNum: txNum,
		Action:         action,
		Username:       username,
		Funds:          &funds,
	})
}

// SystemEvent records an engine-initiated event (trigger firings, dumplog
// writes, summary reads).
func (l *Logger) SystemEvent(txNum int64, cmd CommandType, username, symbol, filename string) {
	l.emit(Event{
		Type:           EventSystemEvent,
		TransactionNum: txNum,
		Command:        cmd,
		Username:       username,
		StockSymbol:    symbol,
		Filename:       filename,
	})
}

// ErrorEvent records a failed command or a skipped trigger cycle.
func (l *Logger) ErrorEvent(txNum int64, cmd CommandType, username, symbol, errorMessage string) {
	l.emit(Event{
		Type:           EventErrorEvent,
		TransactionNum: txNum,
		Command:        cmd,
		Username:       username,
		StockSymbol:    symbol,
		ErrorMessage:   errorMessage,
	})
}

// DebugEvent records command entry for debugging.
func (l *Logger) DebugEvent(txNum int64, cmd CommandType, username, debugMessage string) {
	l.emit(Event{
		Type:           EventDebugEvent,
		TransactionNum: txNum,
		Command:        cmd,
		Username:       username,
		DebugMessage:   debugMessage,
	})
}

// emit validates and appends one event. A failed validation is a programmer
// error, not a user error: it is logged and the event dropped, never a crash.
func (l *Logger) emit(e Event) {
	e.ID = uuid.NewString()
	e.Server = l.serverName
	e.Timestamp = l.now().UnixMilli()

	if err := l.validate(e); err != nil {
		l.log.Error().
			Err(err).
			Str("event_type", string(e.Type)).
			Int64("transaction_num", e.TransactionNum).
			Msg("Dropping invalid audit event")
		return
	}

	_, err := l.db.Exec(`INSERT INTO audit_events
		(id, event_type, timestamp, server, transaction_num, command, username,
		 stock_symbol, funds, price, quote_server_time, cryptokey, action,
		 filename, error_message, debug_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), e.Timestamp, e.Server, e.TransactionNum,
		string(e.Command), e.Username, e.StockSymbol,
		amountOrNil(e.Funds), amountOrNil(e.Price),
		e.QuoteServerTime, e.Cryptokey, e.Action, e.Filename,
		e.ErrorMessage, e.DebugMessage)
	if err != nil {
		l.log.Error().
			Err(err).
			Str("event_type", string(e.Type)).
			Int64("transaction_num", e.TransactionNum).
			Msg("Failed to append audit event")
	}
}

func (l *Logger) validate(e Event) error {
	if e.TransactionNum <= 0 {
		return fmt.Errorf("transactionNum must be positive, got %d", e.TransactionNum)
	}
	if e.Timestamp < l.minTS || e.Timestamp > l.maxTS {
		return fmt.Errorf("timestamp %d outside plausibility window [%d, %d]", e.Timestamp, l.minTS, l.maxTS)
	}
	if e.Server == "" {
		return fmt.Errorf("server name is empty")
	}
	if len(e.StockSymbol) > 3 {
		return fmt.Errorf("stock symbol %q longer than 3 characters", e.StockSymbol)
	}

	switch e.Type {
	case EventUserCommand, EventSystemEvent, EventErrorEvent, EventDebugEvent:
		if !e.Command.IsValid() {
			return fmt.Errorf("unknown command %q", e.Command)
		}
	case EventQuoteServer:
		if e.Price == nil {
			return fmt.Errorf("quoteServer event missing price")
		}
		if e.StockSymbol == "" {
			return fmt.Errorf("quoteServer event missing stock symbol")
		}
		if e.Cryptokey == "" {
			return fmt.Errorf("quoteServer event missing cryptokey")
		}
	case EventAccountTransaction:
		if e.Action != "add" && e.Action != "remove" {
			return fmt.Errorf("accountTransaction action %q is not add/remove", e.Action)
		}
		if e.Username == "" {
			return fmt.Errorf("accountTransaction event missing username")
		}
		if e.Funds == nil {
			return fmt.Errorf("accountTransaction event missing funds")
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}

// Snapshot returns events in chronological order. A non-empty username
// restricts the snapshot to that user's events.
func (l *Logger) Snapshot(username string) ([]Event, error) {
	query := `SELECT id, event_type, timestamp, server, transaction_num, command,
		username, stock_symbol, funds, price, quote_server_time, cryptokey,
		action, filename, error_message, debug_message
		FROM audit_events`
	args := []interface{}{}
	if username != "" {
		query += ` WHERE username = ?`
		args = append(args, username)
	}
	query += ` ORDER BY timestamp ASC, seq ASC`

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var eventType string
		var command string
		var funds, price *int64
		if err := rows.Scan(&e.ID, &eventType, &e.Timestamp, &e.Server,
			&e.TransactionNum, &command, &e.Username, &e.StockSymbol,
			&funds, &price, &e.QuoteServerTime, &e.Cryptokey,
			&e.Action, &e.Filename, &e.ErrorMessage, &e.DebugMessage); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.Type = EventType(eventType)
		e.Command = CommandType(command)
		if funds != nil {
			f := money.Amount(*funds)
			e.Funds = &f
		}
		if price != nil {
			p := money.Amount(*price)
			e.Price = &p
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit events: %w", err)
	}
	return events, nil
}

func amountOrNil(a *money.Amount) interface{} {
	if a == nil {
		return nil
	}
	return int64(*a)
}
