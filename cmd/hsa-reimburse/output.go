package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"

	"github.com/zombor/hsa-reimburse/internal/config"
	"github.com/zombor/hsa-reimburse/internal/receipt"
	"github.com/zombor/hsa-reimburse/internal/scanning"
)

var (
	successSymbol = "✓"
	errorSymbol   = "✗"
	infoSymbol    = "→"
	warnSymbol    = "!"

	successStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#00D787", Dark: "#00D787"})
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#FF5F87", Dark: "#FF5F87"})
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#5FAFFF", Dark: "#5FAFFF"})
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#D78700", Dark: "#FFAF00"})
	pathStyle    = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#00D7D7", Dark: "#00D7D7"})
	headerStyle  = lipgloss.NewStyle().Bold(true)
	amountStyle  = lipgloss.NewStyle().Width(10).Align(lipgloss.Right)
)

func printSuccess(w io.Writer, message string) {
	_, _ = fmt.Fprintf(w, "%s %s\n",
		successStyle.Render(successSymbol),
		message,
	)
}

func printError(w io.Writer, message string) {
	_, _ = fmt.Fprintf(w, "%s %s\n",
		errorStyle.Render(errorSymbol),
		errorStyle.Render(message),
	)
}

func printInfof(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, "%s %s\n",
		infoStyle.Render(infoSymbol),
		fmt.Sprintf(format, args...),
	)
}

func printWarnf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, "%s %s\n",
		warnStyle.Render(warnSymbol),
		fmt.Sprintf(format, args...),
	)
}

// promptYesNo asks a yes/no question, defaulting to no
func promptYesNo(question string) (bool, error) {
	var confirm bool

	form := huh.NewConfirm().
		Title(question).
		WithButtonAlignment(lipgloss.Left).
		Value(&confirm)

	if err := form.Run(); err != nil {
		return false, fmt.Errorf("failed to read response: %w", err)
	}
	return confirm, nil
}

func money(d decimal.Decimal) string {
	return "$" + d.StringFixed(2)
}

func printScanReport(w io.Writer, report *receipt.ScanReport) {
	printSuccess(w, fmt.Sprintf("Scanned %s: %d new, %d updated, %d unchanged",
		pathStyle.Render(report.Path), report.New, report.Updated, report.Unchanged))

	for _, name := range report.Duplicates {
		printWarnf(w, "%s duplicates a receipt already recorded", name)
	}
	for _, name := range report.Orphaned {
		printWarnf(w, "%s is recorded but no longer in the directory", name)
	}
	for _, fileErr := range report.Errors {
		printError(w, fmt.Sprintf("%s: %s", fileErr.Filename, fileErr.Reason))
	}
}

func printInvalid(w io.Writer, invalid []*scanning.ParseError) {
	if len(invalid) == 0 {
		printSuccess(w, "All receipt files are named correctly")
		return
	}
	printWarnf(w, "%d files do not match YYYYMMDD_amount[_note].ext", len(invalid))
	for _, parseErr := range invalid {
		_, _ = fmt.Fprintf(w, "  %s  %s\n", parseErr.Filename, parseErr.Reason)
	}
}

func printSelection(w io.Writer, selection *receipt.Selection) {
	_, _ = fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("Receipts selected for %s", money(selection.Target))))
	for _, r := range selection.Receipts {
		_, _ = fmt.Fprintf(w, "  %4d  %s  %s  %s\n",
			r.ID, r.Date.Format("2006-01-02"), amountStyle.Render(money(r.Amount)), r.Filename)
	}
	_, _ = fmt.Fprintf(w, "  Total %s\n", money(selection.Total))
}

func printSummary(w io.Writer, summary *receipt.Summary) {
	_, _ = fmt.Fprintf(w, "%-12s %s\n", "Available", amountStyle.Render(money(summary.Available)))
	_, _ = fmt.Fprintf(w, "%-12s %s\n", "Reimbursed", amountStyle.Render(money(summary.Reimbursed)))
}

func printReport(w io.Writer, entries []*receipt.ReportEntry) {
	if len(entries) == 0 {
		printInfof(w, "No reimbursements recorded")
		return
	}
	_, _ = fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%-10s  %10s  %s", "Date", "Amount", "Files")))
	for _, entry := range entries {
		_, _ = fmt.Fprintf(w, "%-10s  %s  %s\n",
			entry.Date, amountStyle.Render(money(entry.Amount)), strings.Join(entry.Files, ", "))
	}
}

func printConfig(w io.Writer, path string, cfg *config.Config) {
	rows := []struct{ key, value string }{
		{"config", path},
		{"store", cfg.Store},
		{"database", cfg.DatabasePath},
		{"receipts", cfg.ReceiptsDir},
		{"backups", cfg.BackupDir},
		{"exports", cfg.ExportDir},
	}
	for _, row := range rows {
		_, _ = fmt.Fprintf(w, "%-10s %s\n", row.key, pathStyle.Render(row.value))
	}
}
