// Package engine executes the sixteen trading commands against the account,
// pending-intent and trigger stores, and serializes execution per user.
package engine

import (
	"daytrader/internal/accounts"
	"daytrader/internal/audit"
	"daytrader/internal/money"
)

// Command is one parsed trading command as received from the ingress layer.
// Amount carries the raw decimal string; each handler parses it with the
// meaning that command gives it (dollars, shares or a trigger price).
type Command struct {
	TransactionNum int64             `json:"transaction_num"`
	Type           audit.CommandType `json:"command"`
	UserID         string            `json:"userid,omitempty"`
	Symbol         string            `json:"stock_symbol,omitempty"`
	Amount         string            `json:"amount,omitempty"`
	Filename       string            `json:"filename,omitempty"`
}

// Result is the response envelope returned for every command, success or
// failure. Optional fields are populated per command.
type Result struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`

	Price           *money.Amount `json:"price,omitempty"`
	Symbol          string        `json:"stock_symbol,omitempty"`
	Username        string        `json:"username,omitempty"`
	QuoteServerTime int64         `json:"timestamp,omitempty"`
	Cryptokey       string        `json:"cryptokey,omitempty"`
	SharesToBuy     *int64        `json:"shares_to_buy,omitempty"`

	Matched  *int64 `json:"matched_count,omitempty"`
	Modified *int64 `json:"modified_count,omitempty"`

	Account      *accounts.Account      `json:"account,omitempty"`
	Transactions []accounts.Transaction `json:"transactions,omitempty"`
	Filename     string                 `json:"filename,omitempty"`
}

const (
	statusSuccess = "success"
	statusFailure = "failure"
)

func success(message string) Result {
	return Result{Status: statusSuccess, Message: message}
}

func failure(message string) Result {
	return Result{Status: statusFailure, Message: message}
}

func (r Result) withMutation(m accounts.Mutation) Result {
	r.Matched = &m.Matched
	r.Modified = &m.Modified
	return r
}

// params is a Command with its amount parsed. Validation runs inside the
// user's worker, before the handler body touches any store.
type params struct {
	Command
	amount money.Amount
}

// eventSymbol clamps a symbol for audit emission. An over-long symbol fails
// event validation; the error message already names it.
func eventSymbol(s string) string {
	if len(s) > 3 {
		return ""
	}
	return s
}

// validate checks parameter presence and types for the command. It performs
// no store reads; precondition checks belong to the handlers.
func validate(cmd Command) (params, *Error) {
	p := params{Command: cmd}

	if !cmd.Type.IsValid() {
		return p, validationf("unknown command %q", string(cmd.Type))
	}

	needsUser := cmd.Type != audit.CommandDumplog
	if needsUser && cmd.UserID == "" {
		return p, validationf("%s requires a userid", cmd.Type)
	}
	if len(cmd.Symbol) > 3 {
		return p, validationf("stock symbol %q is longer than 3 characters", cmd.Symbol)
	}

	switch cmd.Type {
	case audit.CommandQuote, audit.CommandCancelSetBuy, audit.CommandCancelSetSell:
		if cmd.Symbol == "" {
			return p, validationf("%s requires a stock symbol", cmd.Type)
		}
	case audit.CommandBuy, audit.CommandSell,
		audit.CommandSetBuyAmount, audit.CommandSetBuyTrigger,
		audit.CommandSetSellAmount, audit.CommandSetSellTrigger:
		if cmd.Symbol == "" {
			return p, validationf("%s requires a stock symbol", cmd.Type)
		}
		amount, err := money.Parse(cmd.Amount)
		if err != nil {
			return p, validationf("%s amount: %v", cmd.Type, err)
		}
		if amount <= 0 {
			return p, validationf("%s amount must be positive, got %s", cmd.Type, amount)
		}
		p.amount = amount
	case audit.CommandAdd:
		amount, err := money.Parse(cmd.Amount)
		if err != nil {
			return p, validationf("ADD amount: %v", err)
		}
		if amount <= 0 {
			return p, validationf("ADD amount must be positive, got %s", amount)
		}
		p.amount = amount
	case audit.CommandDumplog:
		if cmd.Filename == "" {
			return p, validationf("DUMPLOG requires a filename")
		}
	}
	return p, nil
}
