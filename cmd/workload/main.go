// Command workload replays a workload file of trading commands against a
// running transaction server. Each line has the form
//
//	[12] BUY,username,SYM,100.00
//
// The bracketed number becomes the command's transaction number.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"daytrader/pkg/logger"
)

var commandPaths = map[string]string{
	"ADD":              "add",
	"QUOTE":            "quote",
	"BUY":              "buy",
	"COMMIT_BUY":       "commit_buy",
	"CANCEL_BUY":       "cancel_buy",
	"SELL":             "sell",
	"COMMIT_SELL":      "commit_sell",
	"CANCEL_SELL":      "cancel_sell",
	"SET_BUY_AMOUNT":   "set_buy_amount",
	"SET_BUY_TRIGGER":  "set_buy_trigger",
	"CANCEL_SET_BUY":   "cancel_set_buy",
	"SET_SELL_AMOUNT":  "set_sell_amount",
	"SET_SELL_TRIGGER": "set_sell_trigger",
	"CANCEL_SET_SELL":  "cancel_set_sell",
	"DUMPLOG":          "dumplog",
	"DISPLAY_SUMMARY":  "display_summary",
}

func main() {
	var (
		serverURL = flag.String("server", "http://localhost:8001", "transaction server base URL")
		file      = flag.String("file", "", "workload file to replay (required)")
		delay     = flag.Duration("delay", 0, "pause between commands")
	)
	flag.Parse()

	log := logger.New(logger.Config{Level: "info", Pretty: true})

	if *file == "" {
		log.Fatal().Msg("A workload file is required, pass -file")
	}
	f, err := os.Open(*file)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open workload file")
	}
	defer f.Close()

	client := &http.Client{Timeout: 30 * time.Second}

	var sent, failed int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		reqURL, err := buildURL(*serverURL, line)
		if err != nil {
			log.Warn().Err(err).Str("line", line).Msg("Skipping malformed workload line")
			continue
		}

		resp, err := client.Get(reqURL)
		if err != nil {
			failed++
			log.Error().Err(err).Str("url", reqURL).Msg("Request failed")
			continue
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		sent++

		if strings.Contains(string(body), `"status":"failure"`) {
			failed++
			log.Warn().Str("line", line).Str("response", strings.TrimSpace(string(body))).Msg("Command rejected")
		}

		if *delay > 0 {
			time.Sleep(*delay)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Fatal().Err(err).Msg("Failed to read workload file")
	}

	log.Info().Int("sent", sent).Int("failed", failed).Msg("Workload replay finished")
}

// buildURL converts one workload line into the matching command endpoint URL.
func buildURL(base, line string) (string, error) {
	txNum := ""
	if strings.HasPrefix(line, "[") {
		end := strings.Index(line, "]")
		if end < 0 {
			return "", fmt.Errorf("unterminated transaction number in %q", line)
		}
		txNum = strings.TrimSpace(line[1:end])
		line = strings.TrimSpace(line[end+1:])
	}

	parts := strings.Split(line, ",")
	name := strings.ToUpper(strings.TrimSpace(parts[0]))
	path, ok := commandPaths[name]
	if !ok {
		return "", fmt.Errorf("unknown command %q", name)
	}

	q := url.Values{}
	if txNum != "" {
		q.Set("tx_num", txNum)
	}

	// Positional arguments after the command name follow each command's
	// workload-file convention.
	args := parts[1:]
	for i := range args {
		args[i] = strings.TrimSpace(args[i])
	}
	switch name {
	case "ADD":
		setArgs(q, args, "userid", "amount")
	case "QUOTE", "CANCEL_SET_BUY", "CANCEL_SET_SELL":
		setArgs(q, args, "userid", "stock_symbol")
	case "BUY", "SELL", "SET_BUY_AMOUNT", "SET_BUY_TRIGGER", "SET_SELL_AMOUNT", "SET_SELL_TRIGGER":
		setArgs(q, args, "userid", "stock_symbol", "amount")
	case "COMMIT_BUY", "CANCEL_BUY", "COMMIT_SELL", "CANCEL_SELL", "DISPLAY_SUMMARY":
		setArgs(q, args, "userid")
	case "DUMPLOG":
		// One argument is a filename, two are userid then filename.
		if len(args) >= 2 {
			setArgs(q, args, "userid", "filename")
		} else {
			setArgs(q, args, "filename")
		}
	}

	return base + "/commands/" + path + "?" + q.Encode(), nil
}

func setArgs(q url.Values, args []string, keys ...string) {
	for i, key := range keys {
		if i < len(args) && args[i] != "" {
			q.Set(key, args[i])
		}
	}
}
