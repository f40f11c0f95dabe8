package audit

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"daytrader/internal/money"
)

// WriteXML serializes events as the dumplog document: a <log> root whose
// children are one element per event, tagged with the event type. Fields are
// written as sub-elements in a fixed order so output is deterministic.
func WriteXML(w io.Writer, events []Event) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "<log>\n"); err != nil {
		return err
	}
	for _, e := range events {
		if err := writeEvent(w, e); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, "</log>\n"); err != nil {
		return err
	}
	return nil
}

func writeEvent(w io.Writer, e Event) error {
	if _, err := fmt.Fprintf(w, "\t<%s>\n", e.Type); err != nil {
		return err
	}

	// Common fields first, then variant-specific fields. Only set fields are
	// written; order is fixed.
	fields := []struct {
		tag   string
		value string
		set   bool
	}{
		{"timestamp", strconv.FormatInt(e.Timestamp, 10), true},
		{"server", e.Server, true},
		{"transactionNum", strconv.FormatInt(e.TransactionNum, 10), true},
		{"command", string(e.Command), e.Command != ""},
		{"username", e.Username, e.Username != ""},
		{"stockSymbol", e.StockSymbol, e.StockSymbol != ""},
		{"funds", amountString(e.Funds), e.Funds != nil},
		{"price", amountString(e.Price), e.Price != nil},
		{"quoteServerTime", strconv.FormatInt(e.QuoteServerTime, 10), e.QuoteServerTime != 0},
		{"cryptokey", e.Cryptokey, e.Cryptokey != ""},
		{"action", e.Action, e.Action != ""},
		{"filename", e.Filename, e.Filename != ""},
		{"errorMessage", e.ErrorMessage, e.ErrorMessage != ""},
		{"debugMessage", e.DebugMessage, e.DebugMessage != ""},
	}
	for _, f := range fields {
		if !f.set {
			continue
		}
		if _, err := fmt.Fprintf(w, "\t\t<%s>", f.tag); err != nil {
			return err
		}
		if err := xml.EscapeText(w, []byte(f.value)); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "</%s>\n", f.tag); err != nil {
			return err
		}
	}

	_, err := fmt.Fprintf(w, "\t</%s>\n", e.Type)
	return err
}

func amountString(a *money.Amount) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// DumpFilename derives the on-disk name for a dumplog: the requested name
// with a -YYYYMMDD-HHMMSS suffix of the writing instant, inserted before the
// .xml extension when one is present.
func DumpFilename(filename string, at time.Time) string {
	suffix := at.Format("20060102-150405")
	if strings.HasSuffix(filename, ".xml") {
		base := strings.TrimSuffix(filename, ".xml")
		return fmt.Sprintf("%s-%s.xml", base, suffix)
	}
	return fmt.Sprintf("%s-%s.xml", filename, suffix)
}

// DumpToFile writes the XML document under dir, creating it if needed, and
// returns the final filename (without the directory).
func DumpToFile(dir, filename string, at time.Time, events []Event) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create dump directory: %w", err)
	}
	name := DumpFilename(filepath.Base(filename), at)

	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return "", fmt.Errorf("failed to create dump file: %w", err)
	}
	defer f.Close()

	if err := WriteXML(f, events); err != nil {
		return "", fmt.Errorf("failed to write dump file: %w", err)
	}
	return name, nil
}
