package scanning

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultNote is used when a filename carries no note
const DefaultNote = "No note"

const dateLayout = "20060102"

var (
	datePattern   = regexp.MustCompile(`^\d{8}$`)
	amountPattern = regexp.MustCompile(`^\d+(\.\d{1,2})?$`)

	acceptedExtensions = map[string]bool{
		".pdf": true,
		".png": true,
		".jpg": true,
	}
)

// Accepted reports whether a file with this name is picked up by a scan.
// Extensions are compared case-insensitively.
func Accepted(name string) bool {
	return acceptedExtensions[strings.ToLower(filepath.Ext(name))]
}

// Parse extracts date, amount and note from a receipt filename of the form
// <YYYYMMDD>_<amount>[_<note>].<ext>. Names without any underscore are split
// on dots instead, which keeps older "20240101.12.pdf" style names working.
func Parse(name string) (*ReceiptData, error) {
	base := strings.TrimSuffix(name, filepath.Ext(name))

	sep := "_"
	if !strings.Contains(base, "_") {
		sep = "."
	}
	parts := strings.Split(base, sep)
	if len(parts) < 2 {
		return nil, &ParseError{Filename: name, Reason: "expected <YYYYMMDD>_<amount>"}
	}

	date, err := parseDate(parts[0])
	if err != nil {
		return nil, &ParseError{Filename: name, Reason: err.Error()}
	}

	amount, err := parseAmount(parts[1])
	if err != nil {
		return nil, &ParseError{Filename: name, Reason: err.Error()}
	}

	note := strings.Join(parts[2:], "_")
	if note == "" {
		note = DefaultNote
	}

	return &ReceiptData{
		Date:   date,
		Amount: amount,
		Note:   note,
	}, nil
}

// Audit returns a ParseError for every name that fails date or amount
// validation. Unlike a scan it does not filter on extension; only database
// files are skipped, and names are split on underscores only.
func Audit(names []string) []*ParseError {
	invalid := make([]*ParseError, 0)
	for _, name := range names {
		ext := filepath.Ext(name)
		if strings.EqualFold(ext, ".db") {
			continue
		}

		parts := strings.Split(strings.TrimSuffix(name, ext), "_")
		if len(parts) < 2 {
			invalid = append(invalid, &ParseError{Filename: name, Reason: "expected <YYYYMMDD>_<amount>"})
			continue
		}
		if _, err := parseDate(parts[0]); err != nil {
			invalid = append(invalid, &ParseError{Filename: name, Reason: err.Error()})
			continue
		}
		if _, err := parseAmount(parts[1]); err != nil {
			invalid = append(invalid, &ParseError{Filename: name, Reason: err.Error()})
		}
	}
	return invalid
}

// Fingerprint returns the hex encoded SHA-256 digest of a file's contents
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func parseDate(s string) (time.Time, error) {
	if !datePattern.MatchString(s) {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYYMMDD)", s)
	}
	date, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYYMMDD)", s)
	}
	return date, nil
}

func parseAmount(s string) (decimal.Decimal, error) {
	if !amountPattern.MatchString(s) {
		return decimal.Zero, fmt.Errorf("invalid amount %q (want digits with up to 2 decimals)", s)
	}
	amount, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parsing amount %q: %w", s, err)
	}
	return amount, nil
}
