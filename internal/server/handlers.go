package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"daytrader/internal/audit"
	"daytrader/internal/engine"
)

// commandRoutes maps URL path segments under /commands to command types.
var commandRoutes = map[string]audit.CommandType{
	"add":              audit.CommandAdd,
	"quote":            audit.CommandQuote,
	"buy":              audit.CommandBuy,
	"commit_buy":       audit.CommandCommitBuy,
	"cancel_buy":       audit.CommandCancelBuy,
	"sell":             audit.CommandSell,
	"commit_sell":      audit.CommandCommitSell,
	"cancel_sell":      audit.CommandCancelSell,
	"set_buy_amount":   audit.CommandSetBuyAmount,
	"set_buy_trigger":  audit.CommandSetBuyTrigger,
	"cancel_set_buy":   audit.CommandCancelSetBuy,
	"set_sell_amount":  audit.CommandSetSellAmount,
	"set_sell_trigger": audit.CommandSetSellTrigger,
	"cancel_set_sell":  audit.CommandCancelSetSell,
	"dumplog":          audit.CommandDumplog,
	"display_summary":  audit.CommandDisplaySummary,
}

// commandHandler builds the handler for one command endpoint. Query
// parameters: tx_num, userid, stock_symbol, amount, filename. A missing or
// invalid tx_num gets the next server-issued number.
func (s *Server) commandHandler(cmdType audit.CommandType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		txNum, err := strconv.ParseInt(q.Get("tx_num"), 10, 64)
		if err != nil || txNum <= 0 {
			txNum = s.counter.Next()
		}

		cmd := engine.Command{
			TransactionNum: txNum,
			Type:           cmdType,
			UserID:         q.Get("userid"),
			Symbol:         strings.ToUpper(q.Get("stock_symbol")),
			Amount:         q.Get("amount"),
			Filename:       q.Get("filename"),
		}

		result := s.dispatcher.Dispatch(cmd)
		s.writeJSON(w, http.StatusOK, result)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
	}
}
