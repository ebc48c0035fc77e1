package receipt

import (
	"time"

	"github.com/shopspring/decimal"
)

// Receipt represents a receipt file and the metadata parsed from its name
type Receipt struct {
	ID           int64           `json:"id"`
	Filename     string          `json:"filename"`
	SourcePath   string          `json:"path"`
	Date         time.Time       `json:"date"`
	Amount       decimal.Decimal `json:"amount"`
	Note         string          `json:"note"`
	IsReimbursed bool            `json:"is_reimbursed"`
	Fingerprint  string          `json:"file_hash"` // SHA-256 of the file contents
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Reimbursement represents a committed payout covering a set of receipts
type Reimbursement struct {
	ID         int64           `json:"id"`
	Date       time.Time       `json:"date"`
	Amount     decimal.Decimal `json:"amount"`
	ReceiptIDs []int64         `json:"receipts_used"`
	Timestamp  time.Time       `json:"timestamp"`
}
