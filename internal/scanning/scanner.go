package scanning

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ReceiptData contains the metadata encoded in a receipt filename
type ReceiptData struct {
	Date   time.Time
	Amount decimal.Decimal
	Note   string
}

// ParseError reports a filename that does not follow the receipt naming convention
type ParseError struct {
	Filename string `json:"filename"`
	Reason   string `json:"reason"`
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid receipt filename %q: %s", e.Filename, e.Reason)
}
