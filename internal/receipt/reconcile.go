package receipt

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/zombor/hsa-reimburse/internal/scanning"
)

// FileError records why a single file was skipped during a scan
type FileError struct {
	Filename string `json:"filename"`
	Reason   string `json:"reason"`
	Err      error  `json:"-"`
}

func (e FileError) Error() string {
	return fmt.Sprintf("%s: %s", e.Filename, e.Reason)
}

func (e FileError) Unwrap() error {
	return e.Err
}

func newFileError(filename string, err error) FileError {
	return FileError{Filename: filename, Reason: err.Error(), Err: err}
}

// ScanReport summarizes what a scan changed
type ScanReport struct {
	Path       string      `json:"path"`
	New        int         `json:"new"`
	Updated    int         `json:"updated"`
	Unchanged  int         `json:"unchanged"`
	Orphaned   []string    `json:"orphaned"`
	Duplicates []string    `json:"duplicates"`
	Errors     []FileError `json:"errors"`
}

// scannedFile is a parsed, fingerprinted file awaiting reconciliation
type scannedFile struct {
	name string
	data *scanning.ReceiptData
}

// Scan reconciles the receipt files in dir against the stored receipts.
//
// Receipts are matched by content fingerprint, not by name, so a renamed file
// updates its existing record. Files that cannot be parsed or read are
// reported and skipped; everything else is committed. Stored receipts whose
// file was not seen are reported as orphaned but never deleted.
func (s *Service) Scan(dir string) (*ScanReport, error) {
	slog.Info("Scanning receipts", "path", dir)

	names, err := s.dir.Files(dir)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		slog.Warn("No files found in directory", "path", dir)
	}

	report := &ScanReport{
		Path:       dir,
		Orphaned:   make([]string, 0),
		Duplicates: make([]string, 0),
		Errors:     make([]FileError, 0),
	}
	observed := make(map[string]bool)

	// Group files by fingerprint so copies of the same content are resolved together
	groups := make(map[string][]scannedFile)
	var fingerprints []string
	for _, name := range names {
		if !scanning.Accepted(name) {
			continue
		}
		observed[name] = true

		data, err := scanning.Parse(name)
		if err != nil {
			slog.Warn("Skipping receipt with invalid filename", "filename", name, "error", err)
			report.Errors = append(report.Errors, newFileError(name, err))
			continue
		}

		content, err := s.dir.ReadFile(dir, name)
		if err != nil {
			slog.Error("Failed to read receipt", "filename", name, "error", err)
			report.Errors = append(report.Errors, newFileError(name, err))
			continue
		}

		fingerprint := scanning.Fingerprint(content)
		if _, ok := groups[fingerprint]; !ok {
			fingerprints = append(fingerprints, fingerprint)
		}
		groups[fingerprint] = append(groups[fingerprint], scannedFile{name: name, data: data})
	}

	// Apply renames before inserts so a freed filename can be reused in the same pass
	var inserts []string
	for _, fingerprint := range fingerprints {
		files := groups[fingerprint]
		existing, err := s.db.FindReceiptByFingerprint(fingerprint)
		if errors.Is(err, ErrNotFound) {
			inserts = append(inserts, fingerprint)
			continue
		}
		if err != nil {
			for _, f := range files {
				report.Errors = append(report.Errors, newFileError(f.name, err))
			}
			continue
		}
		s.reconcileExisting(dir, existing, files, report)
	}

	for _, fingerprint := range inserts {
		s.insertNew(dir, fingerprint, groups[fingerprint], report)
	}

	stored, err := s.db.ListReceiptFilenames()
	if err != nil {
		return nil, fmt.Errorf("listing stored filenames: %w", err)
	}
	for _, filename := range stored {
		if !observed[filename] {
			report.Orphaned = append(report.Orphaned, filename)
		}
	}
	sort.Strings(report.Orphaned)

	if len(report.Orphaned) > 0 {
		slog.Warn("Receipts missing from the scanned directory", "path", dir, "count", len(report.Orphaned))
	}
	slog.Info("Scan complete",
		"path", dir,
		"new", report.New,
		"updated", report.Updated,
		"unchanged", report.Unchanged,
		"errors", len(report.Errors),
	)

	return report, nil
}

// reconcileExisting handles files whose content is already stored
func (s *Service) reconcileExisting(dir string, existing *Receipt, files []scannedFile, report *ScanReport) {
	winner := 0
	for i, f := range files {
		if f.name == existing.Filename {
			winner = i
			break
		}
	}
	recordDuplicates(files, winner, report)

	f := files[winner]
	if f.name == existing.Filename {
		report.Unchanged++
		if existing.SourcePath == dir {
			return
		}
		existing.SourcePath = dir
		existing.UpdatedAt = s.timeSource.Now()
		if err := s.db.SaveReceipt(existing); err != nil {
			slog.Error("Failed to update receipt path", "filename", f.name, "error", err)
			report.Errors = append(report.Errors, newFileError(f.name, err))
		}
		return
	}

	previous := existing.Filename
	existing.Filename = f.name
	existing.SourcePath = dir
	existing.Date = f.data.Date
	existing.Amount = f.data.Amount
	existing.Note = f.data.Note
	existing.UpdatedAt = s.timeSource.Now()
	if err := s.db.SaveReceipt(existing); err != nil {
		slog.Error("Failed to update renamed receipt", "filename", f.name, "previous", previous, "error", err)
		report.Errors = append(report.Errors, newFileError(f.name, err))
		return
	}
	slog.Info("Receipt renamed", "id", existing.ID, "from", previous, "to", f.name)
	report.Updated++
}

// insertNew stores the first file of a group of identical new files
func (s *Service) insertNew(dir string, fingerprint string, files []scannedFile, report *ScanReport) {
	recordDuplicates(files, 0, report)

	f := files[0]
	now := s.timeSource.Now()
	receipt := &Receipt{
		Filename:    f.name,
		SourcePath:  dir,
		Date:        f.data.Date,
		Amount:      f.data.Amount,
		Note:        f.data.Note,
		Fingerprint: fingerprint,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.SaveReceipt(receipt); err != nil {
		if errors.Is(err, ErrDuplicateContent) {
			// Existing record wins
			slog.Warn("Ignoring receipt with duplicate content", "filename", f.name)
			report.Duplicates = append(report.Duplicates, f.name)
			return
		}
		slog.Error("Failed to save receipt", "filename", f.name, "error", err)
		report.Errors = append(report.Errors, newFileError(f.name, err))
		return
	}
	report.New++
}

func recordDuplicates(files []scannedFile, winner int, report *ScanReport) {
	for i, f := range files {
		if i == winner {
			continue
		}
		slog.Warn("Ignoring receipt with duplicate content", "filename", f.name, "kept", files[winner].name)
		report.Duplicates = append(report.Duplicates, f.name)
	}
}

// CheckInvalid lists the files in dir that do not follow the naming convention
func (s *Service) CheckInvalid(dir string) ([]*scanning.ParseError, error) {
	slog.Info("Checking for invalid files", "path", dir)

	names, err := s.dir.Files(dir)
	if err != nil {
		return nil, err
	}
	return scanning.Audit(names), nil
}
