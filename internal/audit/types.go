// Package audit provides the typed, append-only event log required for the
// trading audit trail, and its XML dump format.
package audit

import (
	"daytrader/internal/money"
)

// EventType identifies one of the six audit event variants.
type EventType string

const (
	EventUserCommand        EventType = "userCommand"
	EventQuoteServer        EventType = "quoteServer"
	EventAccountTransaction EventType = "accountTransaction"
	EventSystemEvent        EventType = "systemEvent"
	EventErrorEvent         EventType = "errorEvent"
	EventDebugEvent         EventType = "debugEvent"
)

// CommandType enumerates the audited commands. SET_SELL_AMOUNT and
// SET_SELL_TRIGGER are distinct values; older revisions of the log schema
// collapsed them into one string, which made the two commands
// indistinguishable in dumps.
type CommandType string

const (
	CommandAdd            CommandType = "ADD"
	CommandQuote          CommandType = "QUOTE"
	CommandBuy            CommandType = "BUY"
	CommandCommitBuy      CommandType = "COMMIT_BUY"
	CommandCancelBuy      CommandType = "CANCEL_BUY"
	CommandSell           CommandType = "SELL"
	CommandCommitSell     CommandType = "COMMIT_SELL"
	CommandCancelSell     CommandType = "CANCEL_SELL"
	CommandSetBuyAmount   CommandType = "SET_BUY_AMOUNT"
	CommandCancelSetBuy   CommandType = "CANCEL_SET_BUY"
	CommandSetBuyTrigger  CommandType = "SET_BUY_TRIGGER"
	CommandSetSellAmount  CommandType = "SET_SELL_AMOUNT"
	CommandSetSellTrigger CommandType = "SET_SELL_TRIGGER"
	CommandCancelSetSell  CommandType = "CANCEL_SET_SELL"
	CommandDumplog        CommandType = "DUMPLOG"
	CommandDisplaySummary CommandType = "DISPLAY_SUMMARY"
)

// IsValid reports whether c is one of the enumerated commands.
func (c CommandType) IsValid() bool {
	switch c {
	case CommandAdd, CommandQuote, CommandBuy, CommandCommitBuy, CommandCancelBuy,
		CommandSell, CommandCommitSell, CommandCancelSell,
		CommandSetBuyAmount, CommandCancelSetBuy, CommandSetBuyTrigger,
		CommandSetSellAmount, CommandSetSellTrigger, CommandCancelSetSell,
		CommandDumplog, CommandDisplaySummary:
		return true
	}
	return false
}

// Event is one audit record. Which optional fields are populated depends on
// the variant; events are immutable once logged.
type Event struct {
	ID             string // uuid, assigned at emit time
	Type           EventType
	Timestamp      int64 // ms since epoch
	Server         string
	TransactionNum int64

	Command         CommandType
	Username        string
	StockSymbol     string
	Funds           *money.Amount
	Price           *money.Amount
	QuoteServerTime int64
	Cryptokey       string
	Action          string // accountTransaction: "add" or "remove"
	Filename        string
	ErrorMessage    string
	DebugMessage    string
}
