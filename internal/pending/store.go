// Package pending holds staged BUY/SELL intents awaiting the user's COMMIT.
// Intents live in the cache database (ephemeral, speed-profile), keyed by
// (user, side), and expire 60 seconds after staging. A background sweeper
// deletes expired rows; Get filters them out even before the sweeper runs.
package pending

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"daytrader/internal/accounts"
	"daytrader/internal/database"
	"daytrader/internal/money"
)

// TTL is how long a staged intent remains committable.
const TTL = 60 * time.Second

const schema = `
CREATE TABLE IF NOT EXISTS pending_transactions (
	userid TEXT NOT NULL,
	side TEXT NOT NULL,
	payload BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (userid, side)
);
`

// Intent is one staged BUY or SELL. Amount is the target dollar spend for a
// BUY and the share quantity for a SELL. QuotedPrice is the oracle price at
// staging time.
type Intent struct {
	Symbol      string       `msgpack:"symbol"`
	Amount      money.Amount `msgpack:"amount"`
	QuotedPrice money.Amount `msgpack:"quoted_price"`
	CreatedAt   time.Time    `msgpack:"-"` // held in its own column
}

// Expired reports whether the intent is older than the TTL at the given time.
func (i Intent) Expired(now time.Time) bool {
	return now.Sub(i.CreatedAt) > TTL
}

// Store is the pending-intent cache.
type Store struct {
	db  *database.DB
	now func() time.Time
	log zerolog.Logger

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	stopped chan struct{}
}

// New creates the store and its table in the cache database. The clock is
// injectable for tests; nil means time.Now.
func New(db *database.DB, now func() time.Time, log zerolog.Logger) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create pending schema: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	return &Store{
		db:      db,
		now:     now,
		log:     log.With().Str("component", "pending").Logger(),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}, nil
}

// Put stages an intent, replacing any previous intent for the same
// (user, side). The replaced intent held no resources, so nothing is
// released.
func (s *Store) Put(userID string, side accounts.Side, intent Intent) error {
	payload, err := msgpack.Marshal(&intent)
	if err != nil {
		return fmt.Errorf("failed to encode pending intent: %w", err)
	}
	createdAt := intent.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO pending_transactions (userid, side, payload, created_at) VALUES (?, ?, ?, ?)`,
		userID, string(side), payload, createdAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to stage pending %s for %s: %w", side, userID, err)
	}
	return nil
}

// Get returns the staged intent for (user, side). Expired intents are
// reported as absent even if the sweeper has not deleted them yet.
func (s *Store) Get(userID string, side accounts.Side) (Intent, bool, error) {
	var payload []byte
	var createdAt int64
	err := s.db.QueryRow(
		`SELECT payload, created_at FROM pending_transactions WHERE userid = ? AND side = ?`,
		userID, string(side)).Scan(&payload, &createdAt)
	if err == sql.ErrNoRows {
		return Intent{}, false, nil
	}
	if err != nil {
		return Intent{}, false, fmt.Errorf("failed to load pending %s for %s: %w", side, userID, err)
	}

	var intent Intent
	if err := msgpack.Unmarshal(payload, &intent); err != nil {
		return Intent{}, false, fmt.Errorf("failed to decode pending intent: %w", err)
	}
	intent.CreatedAt = time.UnixMilli(createdAt)

	if intent.Expired(s.now()) {
		return Intent{}, false, nil
	}
	return intent, true, nil
}

// Delete removes the staged intent, reporting whether one existed.
func (s *Store) Delete(userID string, side accounts.Side) (bool, error) {
	res, err := s.db.Exec(
		`DELETE FROM pending_transactions WHERE userid = ? AND side = ?`,
		userID, string(side))
	if err != nil {
		return false, fmt.Errorf("failed to delete pending %s for %s: %w", side, userID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected > 0, nil
}

// Sweep deletes all expired intents and returns how many were removed.
func (s *Store) Sweep() (int64, error) {
	cutoff := s.now().Add(-TTL).UnixMilli()
	res, err := s.db.Exec(`DELETE FROM pending_transactions WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep pending intents: %w", err)
	}
	return res.RowsAffected()
}

// StartSweeper runs the background TTL sweeper at the given cadence until
// StopSweeper is called. Cadence must be coarse (≤ 1s is plenty); Get
// already hides expired rows, the sweeper only reclaims them.
func (s *Store) StartSweeper(cadence time.Duration) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		s.log.Warn().Msg("Sweeper already started, ignoring")
		return
	}
	s.started = true
	s.mu.Unlock()

	go func() {
		defer close(s.stopped)
		ticker := time.NewTicker(cadence)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				swept, err := s.Sweep()
				if err != nil {
					s.log.Error().Err(err).Msg("Pending intent sweep failed")
					continue
				}
				if swept > 0 {
					s.log.Debug().Int64("swept", swept).Msg("Expired pending intents removed")
				}
			}
		}
	}()
}

// StopSweeper stops the sweeper and waits for it to exit.
func (s *Store) StopSweeper() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	close(s.stop)
	<-s.stopped
}
