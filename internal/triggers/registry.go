// Package triggers stores armed BUY/SELL price triggers and runs the
// background loop that fires them against polled oracle prices.
package triggers

import (
	"github.com/rs/zerolog"

	"daytrader/internal/accounts"
	"daytrader/internal/money"
)

// Registry is the trigger-side view over the account store: it owns the
// trigger rows and the pairing with their reserve accounts. All methods are
// atomic per (user, side, symbol).
type Registry struct {
	store *accounts.Store
	log   zerolog.Logger
}

// NewRegistry creates the trigger registry.
func NewRegistry(store *accounts.Store, log zerolog.Logger) *Registry {
	return &Registry{
		store: store,
		log:   log.With().Str("component", "trigger_registry").Logger(),
	}
}

// SetArmedBuy arms a BUY trigger at the given price. The cash reserve must
// already exist (SET_BUY_AMOUNT); callers check that precondition.
func (r *Registry) SetArmedBuy(userID, symbol string, price money.Amount) (accounts.Mutation, error) {
	return r.store.SetTrigger(userID, accounts.SideBuy, symbol, &price)
}

// SetHalfArmedSell records a SELL trigger without a price. Half-armed
// triggers never fire; SET_SELL_TRIGGER supplies the price later.
func (r *Registry) SetHalfArmedSell(userID, symbol string) (accounts.Mutation, error) {
	return r.store.SetTrigger(userID, accounts.SideSell, symbol, nil)
}

// ArmSell sets the price on a SELL trigger, fully arming it. Re-arming an
// already armed trigger replaces the price only.
func (r *Registry) ArmSell(userID, symbol string, price money.Amount) (accounts.Mutation, error) {
	return r.store.SetTrigger(userID, accounts.SideSell, symbol, &price)
}

// Get returns the trigger price for (user, side, symbol); a nil price on an
// existing trigger means half-armed.
func (r *Registry) Get(userID string, side accounts.Side, symbol string) (*money.Amount, bool, error) {
	return r.store.Trigger(userID, side, symbol)
}

// ClearBuy removes the BUY trigger and its cash reserve, returning the
// reserved cash and the reserve-row mutation so callers can detect a
// missing reserve.
func (r *Registry) ClearBuy(userID, symbol string) (money.Amount, accounts.Mutation, error) {
	if _, err := r.store.UnsetTrigger(userID, accounts.SideBuy, symbol); err != nil {
		return 0, accounts.Mutation{}, err
	}
	return r.store.UnsetReserveBuy(userID, symbol)
}

// ClearSell removes the SELL trigger and its share reserve, returning the
// reserved shares and the reserve-row mutation.
func (r *Registry) ClearSell(userID, symbol string) (money.Amount, accounts.Mutation, error) {
	if _, err := r.store.UnsetTrigger(userID, accounts.SideSell, symbol); err != nil {
		return 0, accounts.Mutation{}, err
	}
	return r.store.UnsetReserveSell(userID, symbol)
}

// IterateArmed returns a consistent snapshot of every fully armed trigger
// with its reserve, ordered by (user, side, symbol) so evaluation is
// deterministic.
func (r *Registry) IterateArmed() ([]accounts.ArmedTrigger, error) {
	return r.store.ArmedTriggers()
}
