// Package accounts owns the durable per-user account documents: cash
// balance, holdings, reserve accounts, price triggers and the committed
// transaction journal. All mutations are field-level and guarded so that
// cash and holdings can never go negative.
package accounts

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"daytrader/internal/database"
	"daytrader/internal/money"
)

// Side distinguishes BUY from SELL for intents, triggers and journal rows.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	userid TEXT PRIMARY KEY,
	balance INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS holdings (
	userid TEXT NOT NULL,
	symbol TEXT NOT NULL,
	quantity INTEGER NOT NULL,
	PRIMARY KEY (userid, symbol)
);
CREATE TABLE IF NOT EXISTS reserve_buy (
	userid TEXT NOT NULL,
	symbol TEXT NOT NULL,
	amount INTEGER NOT NULL,
	PRIMARY KEY (userid, symbol)
);
CREATE TABLE IF NOT EXISTS reserve_sell (
	userid TEXT NOT NULL,
	symbol TEXT NOT NULL,
	quantity INTEGER NOT NULL,
	PRIMARY KEY (userid, symbol)
);
CREATE TABLE IF NOT EXISTS triggers (
	userid TEXT NOT NULL,
	side TEXT NOT NULL,
	symbol TEXT NOT NULL,
	price INTEGER,
	PRIMARY KEY (userid, side, symbol)
);
CREATE TABLE IF NOT EXISTS transactions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	userid TEXT NOT NULL,
	tx_type TEXT NOT NULL,
	symbol TEXT NOT NULL,
	amount INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_userid ON transactions(userid);
`

// Mutation reports how many rows a field-level mutation matched and
// modified. Callers assert single-document effect (1/1) and treat any
// deviation as an internal error.
type Mutation struct {
	Matched  int64 `json:"matched_count"`
	Modified int64 `json:"modified_count"`
}

// Transaction is one committed trade in the journal.
type Transaction struct {
	ID        int64        `json:"id"`
	UserID    string       `json:"userid"`
	Type      Side         `json:"tx_type"`
	Symbol    string       `json:"stock_symbol"`
	Amount    money.Amount `json:"amount"`
	CreatedAt int64        `json:"timestamp"` // ms since epoch
}

// Account is the full account document as returned to DISPLAY_SUMMARY.
// Trigger prices are nil while half-armed (reserve set, no price yet).
type Account struct {
	UserID       string                   `json:"userid"`
	Balance      money.Amount             `json:"balance"`
	Holdings     map[string]money.Amount  `json:"stocks"`
	ReserveBuy   map[string]money.Amount  `json:"reserve_buy"`
	ReserveSell  map[string]money.Amount  `json:"reserve_sell"`
	BuyTriggers  map[string]*money.Amount `json:"buy_triggers"`
	SellTriggers map[string]*money.Amount `json:"sell_triggers"`
}

// Store handles account database operations.
type Store struct {
	db  *database.DB
	log zerolog.Logger
}

// New creates the store and its tables in the accounts database.
func New(db *database.DB, log zerolog.Logger) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create accounts schema: %w", err)
	}
	return &Store{
		db:  db,
		log: log.With().Str("repo", "accounts").Logger(),
	}, nil
}

// Exists reports whether an account document exists for the user.
func (s *Store) Exists(userID string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM accounts WHERE userid = ?`, userID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check account existence: %w", err)
	}
	return true, nil
}

// Create creates an account with zero balance. Creating an account that
// already exists is a no-op.
func (s *Store) Create(userID string) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO accounts (userid, balance, created_at) VALUES (?, 0, ?)`,
		userID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to create account %s: %w", userID, err)
	}
	return nil
}

// AddCash increments (or, with a negative delta, decrements) the cash
// balance. A decrement that would take the balance negative matches no rows.
func (s *Store) AddCash(userID string, delta money.Amount) (Mutation, error) {
	res, err := s.db.Exec(
		`UPDATE accounts SET balance = balance + ? WHERE userid = ? AND balance + ? >= 0`,
		int64(delta), userID, int64(delta))
	if err != nil {
		return Mutation{}, fmt.Errorf("failed to update balance for %s: %w", userID, err)
	}
	return mutationFrom(res)
}

// Balance returns the current cash balance.
func (s *Store) Balance(userID string) (money.Amount, error) {
	var balance int64
	err := s.db.QueryRow(`SELECT balance FROM accounts WHERE userid = ?`, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("account %s does not exist", userID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance for %s: %w", userID, err)
	}
	return money.Amount(balance), nil
}

// IncHolding adjusts the holding quantity for a symbol. Increments upsert
// the row; decrements are guarded against going negative and the row is
// dropped when the quantity reaches zero.
func (s *Store) IncHolding(userID, symbol string, delta money.Amount) (Mutation, error) {
	return s.incQuantity("holdings", "quantity", userID, symbol, delta, true)
}

// Holding returns the held quantity for a symbol; absent symbols hold zero.
func (s *Store) Holding(userID, symbol string) (money.Amount, error) {
	return s.quantity("holdings", "quantity", userID, symbol)
}

// IncReserveBuy adjusts the cash reserved for a triggered buy on a symbol.
func (s *Store) IncReserveBuy(userID, symbol string, delta money.Amount) (Mutation, error) {
	return s.incQuantity("reserve_buy", "amount", userID, symbol, delta, false)
}

// ReserveBuy returns the reserved buy cash for a symbol, and whether a
// reserve row exists.
func (s *Store) ReserveBuy(userID, symbol string) (money.Amount, bool, error) {
	return s.reserve("reserve_buy", "amount", userID, symbol)
}

// UnsetReserveBuy removes the buy reserve row for a symbol and returns the
// cash that was reserved.
func (s *Store) UnsetReserveBuy(userID, symbol string) (money.Amount, Mutation, error) {
	return s.unsetReserve("reserve_buy", "amount", userID, symbol)
}

// IncReserveSell adjusts the shares reserved for a triggered sell.
func (s *Store) IncReserveSell(userID, symbol string, delta money.Amount) (Mutation, error) {
	return s.incQuantity("reserve_sell", "quantity", userID, symbol, delta, false)
}

// ReserveSell returns the reserved sell shares for a symbol, and whether a
// reserve row exists.
func (s *Store) ReserveSell(userID, symbol string) (money.Amount, bool, error) {
	return s.reserve("reserve_sell", "quantity", userID, symbol)
}

// UnsetReserveSell removes the sell reserve row for a symbol and returns the
// shares that were reserved.
func (s *Store) UnsetReserveSell(userID, symbol string) (money.Amount, Mutation, error) {
	return s.unsetReserve("reserve_sell", "quantity", userID, symbol)
}

// SetTrigger records a trigger for (user, side, symbol). A nil price is a
// half-armed trigger (SET_SELL_AMOUNT before SET_SELL_TRIGGER). Setting an
// existing trigger replaces it.
func (s *Store) SetTrigger(userID string, side Side, symbol string, price *money.Amount) (Mutation, error) {
	var p interface{}
	if price != nil {
		p = int64(*price)
	}
	res, err := s.db.Exec(
		`INSERT INTO triggers (userid, side, symbol, price) VALUES (?, ?, ?, ?)
		 ON CONFLICT(userid, side, symbol) DO UPDATE SET price = excluded.price`,
		userID, string(side), symbol, p)
	if err != nil {
		return Mutation{}, fmt.Errorf("failed to set %s trigger for %s/%s: %w", side, userID, symbol, err)
	}
	return mutationFrom(res)
}

// UnsetTrigger removes a trigger if present.
func (s *Store) UnsetTrigger(userID string, side Side, symbol string) (Mutation, error) {
	res, err := s.db.Exec(`DELETE FROM triggers WHERE userid = ? AND side = ? AND symbol = ?`,
		userID, string(side), symbol)
	if err != nil {
		return Mutation{}, fmt.Errorf("failed to unset %s trigger for %s/%s: %w", side, userID, symbol, err)
	}
	return mutationFrom(res)
}

// Trigger returns the trigger price for (user, side, symbol). The bool
// reports whether the trigger row exists; a nil price on an existing row
// means half-armed.
func (s *Store) Trigger(userID string, side Side, symbol string) (*money.Amount, bool, error) {
	var price *int64
	err := s.db.QueryRow(`SELECT price FROM triggers WHERE userid = ? AND side = ? AND symbol = ?`,
		userID, string(side), symbol).Scan(&price)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read trigger for %s/%s: %w", userID, symbol, err)
	}
	if price == nil {
		return nil, true, nil
	}
	p := money.Amount(*price)
	return &p, true, nil
}

// ArmedTrigger is one fully armed trigger together with its reserve, as
// iterated by the trigger loop.
type ArmedTrigger struct {
	UserID   string
	Side     Side
	Symbol   string
	Price    money.Amount
	Reserved money.Amount
}

// ArmedTriggers returns every trigger that has a price, joined with its
// reserve, in deterministic (user, side, symbol) order. Half-armed triggers
// are excluded; they can never fire.
func (s *Store) ArmedTriggers() ([]ArmedTrigger, error) {
	rows, err := s.db.Query(`
		SELECT t.userid, t.side, t.symbol, t.price,
			COALESCE(rb.amount, 0), COALESCE(rs.quantity, 0)
		FROM triggers t
		LEFT JOIN reserve_buy rb ON t.side = 'BUY' AND rb.userid = t.userid AND rb.symbol = t.symbol
		LEFT JOIN reserve_sell rs ON t.side = 'SELL' AND rs.userid = t.userid AND rs.symbol = t.symbol
		WHERE t.price IS NOT NULL
		ORDER BY t.userid, t.side, t.symbol`)
	if err != nil {
		return nil, fmt.Errorf("failed to query armed triggers: %w", err)
	}
	defer rows.Close()

	var armed []ArmedTrigger
	for rows.Next() {
		var t ArmedTrigger
		var side string
		var price, reserveBuy, reserveSell int64
		if err := rows.Scan(&t.UserID, &side, &t.Symbol, &price, &reserveBuy, &reserveSell); err != nil {
			return nil, fmt.Errorf("failed to scan armed trigger: %w", err)
		}
		t.Side = Side(side)
		t.Price = money.Amount(price)
		if t.Side == SideBuy {
			t.Reserved = money.Amount(reserveBuy)
		} else {
			t.Reserved = money.Amount(reserveSell)
		}
		armed = append(armed, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating armed triggers: %w", err)
	}
	return armed, nil
}

// AppendTransaction appends one committed trade to the journal.
func (s *Store) AppendTransaction(userID string, txType Side, symbol string, amount money.Amount, createdAt int64) error {
	_, err := s.db.Exec(
		`INSERT INTO transactions (userid, tx_type, symbol, amount, created_at) VALUES (?, ?, ?, ?, ?)`,
		userID, string(txType), symbol, int64(amount), createdAt)
	if err != nil {
		return fmt.Errorf("failed to append transaction for %s: %w", userID, err)
	}
	return nil
}

// ListTransactions returns the user's committed trades in append order.
func (s *Store) ListTransactions(userID string) ([]Transaction, error) {
	rows, err := s.db.Query(
		`SELECT id, userid, tx_type, symbol, amount, created_at FROM transactions WHERE userid = ? ORDER BY id ASC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions for %s: %w", userID, err)
	}
	defer rows.Close()

	var txs []Transaction
	for rows.Next() {
		var t Transaction
		var txType string
		var amount int64
		if err := rows.Scan(&t.ID, &t.UserID, &txType, &t.Symbol, &amount, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		t.Type = Side(txType)
		t.Amount = money.Amount(amount)
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return txs, nil
}

// GetAccount assembles the full account document. Returns nil when the
// account does not exist.
func (s *Store) GetAccount(userID string) (*Account, error) {
	exists, err := s.Exists(userID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	balance, err := s.Balance(userID)
	if err != nil {
		return nil, err
	}

	acct := &Account{
		UserID:       userID,
		Balance:      balance,
		Holdings:     map[string]money.Amount{},
		ReserveBuy:   map[string]money.Amount{},
		ReserveSell:  map[string]money.Amount{},
		BuyTriggers:  map[string]*money.Amount{},
		SellTriggers: map[string]*money.Amount{},
	}

	if err := s.fillQuantities("holdings", "quantity", userID, acct.Holdings); err != nil {
		return nil, err
	}
	if err := s.fillQuantities("reserve_buy", "amount", userID, acct.ReserveBuy); err != nil {
		return nil, err
	}
	if err := s.fillQuantities("reserve_sell", "quantity", userID, acct.ReserveSell); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`SELECT side, symbol, price FROM triggers WHERE userid = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query triggers for %s: %w", userID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var side, symbol string
		var price *int64
		if err := rows.Scan(&side, &symbol, &price); err != nil {
			return nil, fmt.Errorf("failed to scan trigger: %w", err)
		}
		var p *money.Amount
		if price != nil {
			v := money.Amount(*price)
			p = &v
		}
		if Side(side) == SideBuy {
			acct.BuyTriggers[symbol] = p
		} else {
			acct.SellTriggers[symbol] = p
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating triggers: %w", err)
	}
	return acct, nil
}

// incQuantity adjusts a (userid, symbol) quantity row. dropAtZero removes
// the row once the quantity reaches zero (holdings invariant: entries that
// drop to zero are removed).
func (s *Store) incQuantity(table, column, userID, symbol string, delta money.Amount, dropAtZero bool) (Mutation, error) {
	var m Mutation
	err := database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		var res sql.Result
		var err error
		if delta >= 0 {
			res, err = tx.Exec(fmt.Sprintf(
				`INSERT INTO %s (userid, symbol, %s) VALUES (?, ?, ?)
				 ON CONFLICT(userid, symbol) DO UPDATE SET %s = %s + excluded.%s`,
				table, column, column, column, column),
				userID, symbol, int64(delta))
		} else {
			res, err = tx.Exec(fmt.Sprintf(
				`UPDATE %s SET %s = %s + ? WHERE userid = ? AND symbol = ? AND %s + ? >= 0`,
				table, column, column, column),
				int64(delta), userID, symbol, int64(delta))
		}
		if err != nil {
			return err
		}
		m, err = mutationFrom(res)
		if err != nil {
			return err
		}
		if dropAtZero && m.Modified > 0 {
			if _, err := tx.Exec(fmt.Sprintf(
				`DELETE FROM %s WHERE userid = ? AND symbol = ? AND %s = 0`, table, column),
				userID, symbol); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Mutation{}, fmt.Errorf("failed to adjust %s for %s/%s: %w", table, userID, symbol, err)
	}
	return m, nil
}

func (s *Store) quantity(table, column, userID, symbol string) (money.Amount, error) {
	var qty int64
	err := s.db.QueryRow(fmt.Sprintf(
		`SELECT %s FROM %s WHERE userid = ? AND symbol = ?`, column, table),
		userID, symbol).Scan(&qty)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read %s for %s/%s: %w", table, userID, symbol, err)
	}
	return money.Amount(qty), nil
}

func (s *Store) reserve(table, column, userID, symbol string) (money.Amount, bool, error) {
	var qty int64
	err := s.db.QueryRow(fmt.Sprintf(
		`SELECT %s FROM %s WHERE userid = ? AND symbol = ?`, column, table),
		userID, symbol).Scan(&qty)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read %s for %s/%s: %w", table, userID, symbol, err)
	}
	return money.Amount(qty), true, nil
}

func (s *Store) unsetReserve(table, column, userID, symbol string) (money.Amount, Mutation, error) {
	var reserved money.Amount
	var m Mutation
	err := database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		var qty int64
		err := tx.QueryRow(fmt.Sprintf(
			`SELECT %s FROM %s WHERE userid = ? AND symbol = ?`, column, table),
			userID, symbol).Scan(&qty)
		if err == sql.ErrNoRows {
			m = Mutation{Matched: 0, Modified: 0}
			return nil
		}
		if err != nil {
			return err
		}
		reserved = money.Amount(qty)
		res, err := tx.Exec(fmt.Sprintf(
			`DELETE FROM %s WHERE userid = ? AND symbol = ?`, table),
			userID, symbol)
		if err != nil {
			return err
		}
		m, err = mutationFrom(res)
		return err
	})
	if err != nil {
		return 0, Mutation{}, fmt.Errorf("failed to unset %s for %s/%s: %w", table, userID, symbol, err)
	}
	return reserved, m, nil
}

func (s *Store) fillQuantities(table, column, userID string, out map[string]money.Amount) error {
	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT symbol, %s FROM %s WHERE userid = ?`, column, table), userID)
	if err != nil {
		return fmt.Errorf("failed to query %s for %s: %w", table, userID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var symbol string
		var qty int64
		if err := rows.Scan(&symbol, &qty); err != nil {
			return fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		out[symbol] = money.Amount(qty)
	}
	return rows.Err()
}

func mutationFrom(res sql.Result) (Mutation, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return Mutation{}, fmt.Errorf("failed to read rows affected: %w", err)
	}
	// SQLite reports rows actually changed, so matched == modified.
	return Mutation{Matched: affected, Modified: affected}, nil
}
