package engine

import (
	"time"

	"github.com/rs/zerolog"

	"daytrader/internal/accounts"
	"daytrader/internal/audit"
	"daytrader/internal/money"
	"daytrader/internal/pending"
	"daytrader/internal/quotes"
	"daytrader/internal/triggers"
)

// Config holds the engine's dependencies and behavior flags.
type Config struct {
	Store    *accounts.Store
	Pending  *pending.Store
	Registry *triggers.Registry
	Quotes   quotes.Getter
	Audit    *audit.Logger
	LogsDir  string

	// CommitBuyCreditsShares switches COMMIT_BUY to credit whole shares at
	// the staged quote price instead of the dollar figure. Off by default to
	// keep the historical scalar-transfer behavior.
	CommitBuyCreditsShares bool

	Now func() time.Time // injectable clock, defaults to time.Now
	Log zerolog.Logger
}

// Engine executes commands. It is safe for concurrent use across users; the
// Dispatcher guarantees per-user serialization on top of it.
type Engine struct {
	store        *accounts.Store
	pending      *pending.Store
	registry     *triggers.Registry
	quotes       quotes.Getter
	audit        *audit.Logger
	logsDir      string
	creditShares bool
	now          func() time.Time
	log          zerolog.Logger
}

// New creates the engine.
func New(cfg Config) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		store:        cfg.Store,
		pending:      cfg.Pending,
		registry:     cfg.Registry,
		quotes:       cfg.Quotes,
		audit:        cfg.Audit,
		logsDir:      cfg.LogsDir,
		creditShares: cfg.CommitBuyCreditsShares,
		now:          cfg.Now,
		log:          cfg.Log.With().Str("component", "engine").Logger(),
	}
}

// Execute runs one command to completion and returns its result envelope.
// Every command gets a debugEvent on entry; failures emit an errorEvent,
// successes a userCommand event.
func (e *Engine) Execute(cmd Command) Result {
	e.audit.DebugEvent(cmd.TransactionNum, cmd.Type, cmd.UserID, "command received")

	p, verr := validate(cmd)
	if verr != nil {
		return e.fail(cmd, verr)
	}

	var result Result
	var err *Error
	switch cmd.Type {
	case audit.CommandAdd:
		result, err = e.add(p)
	case audit.CommandQuote:
		result, err = e.quote(p)
	case audit.CommandBuy:
		result, err = e.buy(p)
	case audit.CommandCommitBuy:
		result, err = e.commitBuy(p)
	case audit.CommandCancelBuy:
		result, err = e.cancelBuy(p)
	case audit.CommandSell:
		result, err = e.sell(p)
	case audit.CommandCommitSell:
		result, err = e.commitSell(p)
	case audit.CommandCancelSell:
		result, err = e.cancelSell(p)
	case audit.CommandSetBuyAmount:
		result, err = e.setBuyAmount(p)
	case audit.CommandSetBuyTrigger:
		result, err = e.setBuyTrigger(p)
	case audit.CommandCancelSetBuy:
		result, err = e.cancelSetBuy(p)
	case audit.CommandSetSellAmount:
		result, err = e.setSellAmount(p)
	case audit.CommandSetSellTrigger:
		result, err = e.setSellTrigger(p)
	case audit.CommandCancelSetSell:
		result, err = e.cancelSetSell(p)
	case audit.CommandDumplog:
		result, err = e.dumplog(p)
	case audit.CommandDisplaySummary:
		result, err = e.displaySummary(p)
	default:
		err = validationf("unknown command %q", string(cmd.Type))
	}
	if err != nil {
		return e.fail(cmd, err)
	}
	return result
}

// fail records the errorEvent for a failed command and builds the failure
// envelope. Internal errors are additionally logged; partial state from an
// internal failure is not rolled back.
func (e *Engine) fail(cmd Command, err *Error) Result {
	if err.Kind == ErrInternal {
		e.log.Error().
			Str("command", string(cmd.Type)).
			Str("user", cmd.UserID).
			Int64("transaction_num", cmd.TransactionNum).
			Msg(err.Message)
	}
	e.audit.ErrorEvent(cmd.TransactionNum, cmd.Type, cmd.UserID, eventSymbol(cmd.Symbol), err.Message)
	return failure(err.Message)
}

// expectOne asserts a single-document mutation effect.
func expectOne(m accounts.Mutation, what string) *Error {
	if m.Matched != 1 || m.Modified != 1 {
		return internalf("%s matched %d and modified %d documents, expected exactly 1", what, m.Matched, m.Modified)
	}
	return nil
}

func (e *Engine) add(p params) (Result, *Error) {
	if err := e.store.Create(p.UserID); err != nil {
		return Result{}, internalf("failed to ensure account: %v", err)
	}
	m, err := e.store.AddCash(p.UserID, p.amount)
	if err != nil {
		return Result{}, internalf("failed to add funds: %v", err)
	}
	if verr := expectOne(m, "ADD balance update"); verr != nil {
		return Result{}, verr
	}
	balance, err := e.store.Balance(p.UserID)
	if err != nil {
		return Result{}, internalf("failed to read balance: %v", err)
	}

	e.audit.AccountTransaction(p.TransactionNum, "add", p.UserID, balance)
	e.audit.UserCommand(p.TransactionNum, audit.CommandAdd, p.UserID, "", &p.amount)

	return success("Successfully added " + p.amount.String() + " to account").withMutation(m), nil
}

func (e *Engine) quote(p params) (Result, *Error) {
	q, err := e.quotes.GetQuote(p.Symbol, p.UserID, p.TransactionNum)
	if err != nil {
		return Result{}, upstreamf("failed to fetch quote for %s: %v", p.Symbol, err)
	}

	e.audit.UserCommand(p.TransactionNum, audit.CommandQuote, p.UserID, p.Symbol, nil)

	r := success("")
	r.Price = &q.Price
	r.Symbol = q.Symbol
	r.Username = p.UserID
	r.QuoteServerTime = q.QuoteServerTime
	r.Cryptokey = q.Cryptokey
	return r, nil
}

func (e *Engine) buy(p params) (Result, *Error) {
	exists, err := e.store.Exists(p.UserID)
	if err != nil {
		return Result{}, internalf("failed to check account: %v", err)
	}
	if !exists {
		return Result{}, preconditionf("Account %s does not exist", p.UserID)
	}
	balance, err := e.store.Balance(p.UserID)
	if err != nil {
		return Result{}, internalf("failed to read balance: %v", err)
	}
	if balance < p.amount {
		return Result{}, preconditionf("Not enough money in account to buy %s of %s", p.amount, p.Symbol)
	}

	q, err := e.quotes.GetQuote(p.Symbol, p.UserID, p.TransactionNum)
	if err != nil {
		return Result{}, upstreamf("failed to fetch quote for %s: %v", p.Symbol, err)
	}
	shares := p.amount.DivFloor(q.Price)

	// Staging replaces any earlier pending BUY; the engine never holds more
	// than one pending intent per side per user.
	if err := e.pending.Put(p.UserID, accounts.SideBuy, pending.Intent{
		Symbol:      p.Symbol,
		Amount:      p.amount,
		QuotedPrice: q.Price,
		CreatedAt:   e.now(),
	}); err != nil {
		return Result{}, internalf("failed to stage BUY: %v", err)
	}

	e.audit.UserCommand(p.TransactionNum, audit.CommandBuy, p.UserID, p.Symbol, &p.amount)

	r := success("BUY staged, confirm with COMMIT_BUY within 60 seconds")
	r.Price = &q.Price
	r.Symbol = p.Symbol
	r.SharesToBuy = &shares
	return r, nil
}

func (e *Engine) commitBuy(p params) (Result, *Error) {
	intent, ok, err := e.pending.Get(p.UserID, accounts.SideBuy)
	if err != nil {
		return Result{}, internalf("failed to load pending BUY: %v", err)
	}
	if !ok {
		return Result{}, preconditionf("No pending BUY transaction to commit for %s", p.UserID)
	}
	if _, err := e.pending.Delete(p.UserID, accounts.SideBuy); err != nil {
		return Result{}, internalf("failed to consume pending BUY: %v", err)
	}

	m, err := e.store.AddCash(p.UserID, -intent.Amount)
	if err != nil {
		return Result{}, internalf("failed to debit account: %v", err)
	}
	if m.Modified == 0 {
		// Funds were drained between staging and commit.
		return Result{}, preconditionf("Not enough money in account to commit BUY of %s", intent.Amount)
	}
	balance, err := e.store.Balance(p.UserID)
	if err != nil {
		return Result{}, internalf("failed to read balance: %v", err)
	}
	e.audit.AccountTransaction(p.TransactionNum, "remove", p.UserID, balance)

	credit := intent.Amount
	if e.creditShares {
		credit = money.FromUnits(intent.Amount.DivFloor(intent.QuotedPrice))
	}
	hm, err := e.store.IncHolding(p.UserID, intent.Symbol, credit)
	if err != nil {
		return Result{}, internalf("failed to credit holdings: %v", err)
	}
	if verr := expectOne(hm, "COMMIT_BUY holdings update"); verr != nil {
		return Result{}, verr
	}

	if err := e.store.AppendTransaction(p.UserID, accounts.SideBuy, intent.Symbol, intent.Amount, e.now().UnixMilli()); err != nil {
		e.log.Error().Err(err).Str("user", p.UserID).Msg("Failed to journal committed BUY")
	}
	e.audit.UserCommand(p.TransactionNum, audit.CommandCommitBuy, p.UserID, intent.Symbol, &intent.Amount)

	r := success("Successfully committed BUY of " + intent.Symbol).withMutation(hm)
	r.Symbol = intent.Symbol
	return r, nil
}

func (e *Engine) cancelBuy(p params) (Result, *Error) {
	intent, ok, err := e.pending.Get(p.UserID, accounts.SideBuy)
	if err != nil {
		return Result{}, internalf("failed to load pending BUY: %v", err)
	}
	if !ok {
		return Result{}, preconditionf("No pending BUY transaction to cancel for %s", p.UserID)
	}
	if _, err := e.pending.Delete(p.UserID, accounts.SideBuy); err != nil {
		return Result{}, internalf("failed to delete pending BUY: %v", err)
	}

	e.audit.UserCommand(p.TransactionNum, audit.CommandCancelBuy, p.UserID, intent.Symbol, nil)
	return success("Successfully cancelled pending BUY transaction"), nil
}

func (e *Engine) sell(p params) (Result, *Error) {
	exists, err := e.store.Exists(p.UserID)
	if err != nil {
		return Result{}, internalf("failed to check account: %v", err)
	}
	if !exists {
		return Result{}, preconditionf("Account %s does not exist", p.UserID)
	}
	held, err := e.store.Holding(p.UserID, p.Symbol)
	if err != nil {
		return Result{}, internalf("failed to read holdings: %v", err)
	}
	if held == 0 {
		return Result{}, preconditionf("User %s does not own any %s stock", p.UserID, p.Symbol)
	}
	if p.amount > held {
		return Result{}, preconditionf("Not enough %s stock owned to sell %s", p.Symbol, p.amount)
	}

	q, err := e.quotes.GetQuote(p.Symbol, p.UserID, p.TransactionNum)
	if err != nil {
		return Result{}, upstreamf("failed to fetch quote for %s: %v", p.Symbol, err)
	}

	if err := e.pending.Put(p.UserID, accounts.SideSell, pending.Intent{
		Symbol:      p.Symbol,
		Amount:      p.amount,
		QuotedPrice: q.Price,
		CreatedAt:   e.now(),
	}); err != nil {
		return Result{}, internalf("failed to stage SELL: %v", err)
	}

	e.audit.UserCommand(p.TransactionNum, audit.CommandSell, p.UserID, p.Symbol, &p.amount)

	r := success("SELL staged, confirm with COMMIT_SELL within 60 seconds")
	r.Price = &q.Price
	r.Symbol = p.Symbol
	return r, nil
}

func (e *Engine) commitSell(p params) (Result, *Error) {
	intent, ok, err := e.pending.Get(p.UserID, accounts.SideSell)
	if err != nil {
		return Result{}, internalf("failed to load pending SELL: %v", err)
	}
	if !ok {
		return Result{}, preconditionf("No pending SELL transaction to commit for %s", p.UserID)
	}
	if _, err := e.pending.Delete(p.UserID, accounts.SideSell); err != nil {
		return Result{}, internalf("failed to consume pending SELL: %v", err)
	}

	hm, err := e.store.IncHolding(p.UserID, intent.Symbol, -intent.Amount)
	if err != nil {
		return Result{}, internalf("failed to debit holdings: %v", err)
	}
	if hm.Modified == 0 {
		// Holdings shrank between staging and commit.
		return Result{}, preconditionf("Not enough %s stock owned to commit SELL", intent.Symbol)
	}

	m, err := e.store.AddCash(p.UserID, intent.Amount)
	if err != nil {
		return Result{}, internalf("failed to credit account: %v", err)
	}
	if verr := expectOne(m, "COMMIT_SELL balance update"); verr != nil {
		return Result{}, verr
	}
	balance, err := e.store.Balance(p.UserID)
	if err != nil {
		return Result{}, internalf("failed to read balance: %v", err)
	}
	e.audit.AccountTransaction(p.TransactionNum, "add", p.UserID, balance)

	if err := e.store.AppendTransaction(p.UserID, accounts.SideSell, intent.Symbol, intent.Amount, e.now().UnixMilli()); err != nil {
		e.log.Error().Err(err).Str("user", p.UserID).Msg("Failed to journal committed SELL")
	}
	e.audit.UserCommand(p.TransactionNum, audit.CommandCommitSell, p.UserID, intent.Symbol, &intent.Amount)

	r := success("Successfully committed SELL of " + intent.Symbol).withMutation(m)
	r.Symbol = intent.Symbol
	return r, nil
}

func (e *Engine) cancelSell(p params) (Result, *Error) {
	intent, ok, err := e.pending.Get(p.UserID, accounts.SideSell)
	if err != nil {
		return Result{}, internalf("failed to load pending SELL: %v", err)
	}
	if !ok {
		return Result{}, preconditionf("No pending SELL transaction to cancel for %s", p.UserID)
	}
	if _, err := e.pending.Delete(p.UserID, accounts.SideSell); err != nil {
		return Result{}, internalf("failed to delete pending SELL: %v", err)
	}

	e.audit.UserCommand(p.TransactionNum, audit.CommandCancelSell, p.UserID, intent.Symbol, nil)
	return success("Successfully cancelled pending SELL transaction"), nil
}

func (e *Engine) setBuyAmount(p params) (Result, *Error) {
	exists, err := e.store.Exists(p.UserID)
	if err != nil {
		return Result{}, internalf("failed to check account: %v", err)
	}
	if !exists {
		return Result{}, preconditionf("Account %s does not exist", p.UserID)
	}

	// The guarded debit doubles as the funds check: it matches nothing when
	// the balance would go negative.
	m, err := e.store.AddCash(p.UserID, -p.amount)
	if err != nil {
		return Result{}, internalf("failed to move funds to reserve: %v", err)
	}
	if m.Modified == 0 {
		return Result{}, preconditionf("Not enough money in account to set aside %s for %s", p.amount, p.Symbol)
	}

	rm, err := e.store.IncReserveBuy(p.UserID, p.Symbol, p.amount)
	if err != nil {
		return Result{}, internalf("failed to credit buy reserve: %v", err)
	}

	e.audit.UserCommand(p.TransactionNum, audit.CommandSetBuyAmount, p.UserID, p.Symbol, &p.amount)
	return success("Set aside " + p.amount.String() + " for triggered BUY of " + p.Symbol).withMutation(rm), nil
}

func (e *Engine) setBuyTrigger(p params) (Result, *Error) {
	_, hasReserve, err := e.store.ReserveBuy(p.UserID, p.Symbol)
	if err != nil {
		return Result{}, internalf("failed to read buy reserve: %v", err)
	}
	if !hasReserve {
		return Result{}, preconditionf("No BUY amount set for %s, run SET_BUY_AMOUNT first", p.Symbol)
	}

	if _, err := e.registry.SetArmedBuy(p.UserID, p.Symbol, p.amount); err != nil {
		return Result{}, internalf("failed to arm buy trigger: %v", err)
	}

	e.audit.UserCommand(p.TransactionNum, audit.CommandSetBuyTrigger, p.UserID, p.Symbol, &p.amount)
	return success("BUY trigger for " + p.Symbol + " armed at " + p.amount.String()), nil
}

func (e *Engine) cancelSetBuy(p params) (Result, *Error) {
	reserved, m, err := e.registry.ClearBuy(p.UserID, p.Symbol)
	if err != nil {
		return Result{}, internalf("failed to clear buy trigger: %v", err)
	}
	if m.Modified == 0 {
		return Result{}, preconditionf("No BUY reserve for stock %s to cancel", p.Symbol)
	}

	rm, err := e.store.AddCash(p.UserID, reserved)
	if err != nil {
		return Result{}, internalf("failed to refund buy reserve: %v", err)
	}
	if verr := expectOne(rm, "CANCEL_SET_BUY refund"); verr != nil {
		return Result{}, verr
	}

	e.audit.UserCommand(p.TransactionNum, audit.CommandCancelSetBuy, p.UserID, p.Symbol, &reserved)
	return success("Cancelled triggered BUY for " + p.Symbol + ", refunded " + reserved.String()).withMutation(m), nil
}

func (e *Engine) setSellAmount(p params) (Result, *Error) {
	exists, err := e.store.Exists(p.UserID)
	if err != nil {
		return Result{}, internalf("failed to check account: %v", err)
	}
	if !exists {
		return Result{}, preconditionf("Account %s does not exist", p.UserID)
	}

	// Restaging replaces any earlier reserve. If its trigger was armed, the
	// shares already left holdings and come back first.
	price, found, err := e.registry.Get(p.UserID, accounts.SideSell, p.Symbol)
	if err != nil {
		return Result{}, internalf("failed to read sell trigger: %v", err)
	}
	if found {
		old, om, err := e.store.UnsetReserveSell(p.UserID, p.Symbol)
		if err != nil {
			return Result{}, internalf("failed to clear previous sell reserve: %v", err)
		}
		if price != nil && om.Modified > 0 {
			if _, err := e.store.IncHolding(p.UserID, p.Symbol, old); err != nil {
				return Result{}, internalf("failed to restore reserved shares: %v", err)
			}
		}
	}

	held, err := e.store.Holding(p.UserID, p.Symbol)
	if err != nil {
		return Result{}, internalf("failed to read holdings: %v", err)
	}
	if held == 0 {
		return Result{}, preconditionf("User %s does not own any %s stock", p.UserID, p.Symbol)
	}
	if p.amount > held {
		return Result{}, preconditionf("Not enough %s stock owned to set aside %s", p.Symbol, p.amount)
	}

	rm, err := e.store.IncReserveSell(p.UserID, p.Symbol, p.amount)
	if err != nil {
		return Result{}, internalf("failed to record sell reserve: %v", err)
	}
	if _, err := e.registry.SetHalfArmedSell(p.UserID, p.Symbol); err != nil {
		return Result{}, internalf("failed to stage sell trigger: %v", err)
	}

	e.audit.UserCommand(p.TransactionNum, audit.CommandSetSellAmount, p.UserID, p.Symbol, &p.amount)
	return success("Set aside " + p.amount.String() + " " + p.Symbol + " for triggered SELL").withMutation(rm), nil
}

func (e *Engine) setSellTrigger(p params) (Result, *Error) {
	price, found, err := e.registry.Get(p.UserID, accounts.SideSell, p.Symbol)
	if err != nil {
		return Result{}, internalf("failed to read sell trigger: %v", err)
	}
	if !found {
		return Result{}, preconditionf("No SELL amount set for %s, run SET_SELL_AMOUNT first", p.Symbol)
	}
	reserved, hasReserve, err := e.store.ReserveSell(p.UserID, p.Symbol)
	if err != nil {
		return Result{}, internalf("failed to read sell reserve: %v", err)
	}
	if !hasReserve {
		return Result{}, preconditionf("No SELL amount set for %s, run SET_SELL_AMOUNT first", p.Symbol)
	}

	// First arming moves the reserved shares out of holdings so they cannot
	// be sold twice. Re-arming only replaces the price.
	if price == nil {
		hm, err := e.store.IncHolding(p.UserID, p.Symbol, -reserved)
		if err != nil {
			return Result{}, internalf("failed to move reserved shares: %v", err)
		}
		if hm.Modified == 0 {
			return Result{}, internalf("reserved %s of %s exceeds current holdings", reserved, p.Symbol)
		}
	}

	if _, err := e.registry.ArmSell(p.UserID, p.Symbol, p.amount); err != nil {
		return Result{}, internalf("failed to arm sell trigger: %v", err)
	}

	e.audit.UserCommand(p.TransactionNum, audit.CommandSetSellTrigger, p.UserID, p.Symbol, &p.amount)
	return success("SELL trigger for " + p.Symbol + " armed at " + p.amount.String()), nil
}

func (e *Engine) cancelSetSell(p params) (Result, *Error) {
	price, found, err := e.registry.Get(p.UserID, accounts.SideSell, p.Symbol)
	if err != nil {
		return Result{}, internalf("failed to read sell trigger: %v", err)
	}

	reserved, m, err := e.registry.ClearSell(p.UserID, p.Symbol)
	if err != nil {
		return Result{}, internalf("failed to clear sell trigger: %v", err)
	}
	if !found && m.Modified == 0 {
		return Result{}, preconditionf("No SELL reserve for stock %s to cancel", p.Symbol)
	}

	// Shares left holdings only once the trigger was armed.
	if found && price != nil && m.Modified > 0 {
		if _, err := e.store.IncHolding(p.UserID, p.Symbol, reserved); err != nil {
			return Result{}, internalf("failed to return reserved shares: %v", err)
		}
	}

	e.audit.UserCommand(p.TransactionNum, audit.CommandCancelSetSell, p.UserID, p.Symbol, nil)
	return success("Cancelled triggered SELL for " + p.Symbol).withMutation(m), nil
}

func (e *Engine) dumplog(p params) (Result, *Error) {
	events, err := e.audit.Snapshot(p.UserID)
	if err != nil {
		return Result{}, internalf("failed to snapshot audit log: %v", err)
	}

	name, err := audit.DumpToFile(e.logsDir, p.Filename, e.now(), events)
	if err != nil {
		return Result{}, internalf("failed to write audit dump: %v", err)
	}

	e.audit.SystemEvent(p.TransactionNum, audit.CommandDumplog, p.UserID, "", name)
	e.audit.UserCommand(p.TransactionNum, audit.CommandDumplog, p.UserID, "", nil)

	r := success("Wrote audit log to " + name)
	r.Filename = name
	return r, nil
}

func (e *Engine) displaySummary(p params) (Result, *Error) {
	acct, err := e.store.GetAccount(p.UserID)
	if err != nil {
		return Result{}, internalf("failed to load account: %v", err)
	}
	if acct == nil {
		return Result{}, preconditionf("Account %s does not exist", p.UserID)
	}
	txs, err := e.store.ListTransactions(p.UserID)
	if err != nil {
		return Result{}, internalf("failed to load transactions: %v", err)
	}

	e.audit.SystemEvent(p.TransactionNum, audit.CommandDisplaySummary, p.UserID, "", "")
	e.audit.UserCommand(p.TransactionNum, audit.CommandDisplaySummary, p.UserID, "", nil)

	r := success("")
	r.Account = acct
	r.Transactions = txs
	return r, nil
}
