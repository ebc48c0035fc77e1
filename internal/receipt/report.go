package receipt

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// ExportCSV writes one row per reimbursement
	ExportCSV = "csv"
	// ExportJSON writes the report as a JSON array
	ExportJSON = "json"

	reportDateLayout    = "2006-01-02"
	exportTimeLayout    = "20060102_150405"
	exportFileSeparator = "; "
)

// Summary totals the receipts on both sides of the ledger
type Summary struct {
	Available  decimal.Decimal `json:"available"`
	Reimbursed decimal.Decimal `json:"reimbursed"`
}

// ReportEntry is one reimbursement with the files it covered
type ReportEntry struct {
	ID     int64           `json:"id"`
	Date   string          `json:"date"`
	Amount decimal.Decimal `json:"amount"`
	Files  []string        `json:"files"`
}

// Summary returns the total of unreimbursed receipts and the total already reimbursed
// Reimbursed uses the committed amounts, which a later rename does not change.
func (s *Service) Summary() (*Summary, error) {
	receipts, err := s.db.ListUnreimbursedReceipts()
	if err != nil {
		return nil, fmt.Errorf("listing unreimbursed receipts: %w", err)
	}
	reimbursements, err := s.db.ListReimbursements()
	if err != nil {
		return nil, fmt.Errorf("listing reimbursements: %w", err)
	}

	summary := &Summary{Available: decimal.Zero, Reimbursed: decimal.Zero}
	for _, r := range receipts {
		summary.Available = summary.Available.Add(r.Amount)
	}
	for _, r := range reimbursements {
		summary.Reimbursed = summary.Reimbursed.Add(r.Amount)
	}
	return summary, nil
}

// Report lists every reimbursement in timestamp order with its receipt filenames
func (s *Service) Report() ([]*ReportEntry, error) {
	reimbursements, err := s.db.ListReimbursements()
	if err != nil {
		return nil, fmt.Errorf("listing reimbursements: %w", err)
	}

	entries := make([]*ReportEntry, 0, len(reimbursements))
	for _, r := range reimbursements {
		files, err := s.db.ReceiptFilenamesByID(r.ReceiptIDs)
		if err != nil {
			return nil, fmt.Errorf("getting files for reimbursement %d: %w", r.ID, err)
		}
		entries = append(entries, &ReportEntry{
			ID:     r.ID,
			Date:   r.Date.Format(reportDateLayout),
			Amount: r.Amount,
			Files:  files,
		})
	}
	return entries, nil
}

// ExportReport writes the report in format (csv or json) to the export
// directory and returns the file path. It writes nothing and returns an empty
// path when there are no reimbursements.
func (s *Service) ExportReport(format string) (string, error) {
	format = strings.ToLower(format)
	if format != ExportCSV && format != ExportJSON {
		return "", fmt.Errorf("unsupported export format %q (want csv or json)", format)
	}

	entries, err := s.Report()
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		slog.Info("No reimbursements to export")
		return "", nil
	}

	var data []byte
	switch format {
	case ExportCSV:
		data, err = encodeReportCSV(entries)
	case ExportJSON:
		data, err = json.MarshalIndent(entries, "", "  ")
	}
	if err != nil {
		return "", fmt.Errorf("encoding %s report: %w", format, err)
	}

	filename := fmt.Sprintf("reimbursements_%s.%s", s.timeSource.Now().Format(exportTimeLayout), format)
	path, err := s.exports.Save(filename, data)
	if err != nil {
		return "", fmt.Errorf("saving report: %w", err)
	}

	slog.Info("Report exported", "path", path, "format", format, "reimbursements", len(entries))
	return path, nil
}

func encodeReportCSV(entries []*ReportEntry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"Date", "Amount", "Files"}); err != nil {
		return nil, err
	}
	for _, e := range entries {
		row := []string{e.Date, e.Amount.StringFixed(2), strings.Join(e.Files, exportFileSeparator)}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
