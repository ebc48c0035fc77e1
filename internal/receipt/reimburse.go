package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// backupTimeLayout keeps backup names unique per call and safe on every filesystem
const backupTimeLayout = "2006-01-02T15-04-05.000000"

// Selection is a proposed set of receipts for a reimbursement request
type Selection struct {
	Target   decimal.Decimal `json:"target"`
	Receipts []*Receipt      `json:"receipts"`
	Total    decimal.Decimal `json:"total"`
}

// Empty reports whether no receipt was selected
func (s *Selection) Empty() bool {
	return s == nil || len(s.Receipts) == 0
}

// IDs returns the IDs of the selected receipts in selection order
func (s *Selection) IDs() []int64 {
	ids := make([]int64, 0, len(s.Receipts))
	for _, r := range s.Receipts {
		ids = append(ids, r.ID)
	}
	return ids
}

// ConfirmSelectionFunc decides whether a proposed selection should be committed
type ConfirmSelectionFunc func(selection *Selection) (bool, error)

// ConfirmFunc decides whether a destructive operation should proceed
type ConfirmFunc func() (bool, error)

// ResetResult describes a completed reset
type ResetResult struct {
	Removed    int    `json:"removed"`
	BackupPath string `json:"backup_path,omitempty"`
}

// Select greedily picks receipts, largest first, whose amounts sum to at most target.
//
// Candidates are visited once in descending amount order (ties keep their
// input order) and a receipt is taken whenever it still fits. This is not an
// optimal subset sum: a skipped receipt is never reconsidered.
func Select(target decimal.Decimal, candidates []*Receipt) *Selection {
	sorted := make([]*Receipt, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Amount.GreaterThan(sorted[j].Amount)
	})

	selection := &Selection{
		Target:   target,
		Receipts: make([]*Receipt, 0),
		Total:    decimal.Zero,
	}
	for _, r := range sorted {
		if next := selection.Total.Add(r.Amount); next.LessThanOrEqual(target) {
			selection.Receipts = append(selection.Receipts, r)
			selection.Total = next
		}
	}
	return selection
}

// Preview selects unreimbursed receipts for target without changing anything
func (s *Service) Preview(target decimal.Decimal) (*Selection, error) {
	if target.IsNegative() {
		return nil, fmt.Errorf("target amount %s must not be negative", target.StringFixed(2))
	}

	candidates, err := s.db.ListUnreimbursedReceipts()
	if err != nil {
		return nil, fmt.Errorf("listing unreimbursed receipts: %w", err)
	}
	return Select(target, candidates), nil
}

// RequestReimbursement previews a selection for target, asks confirm, and
// commits it. A nil confirm always proceeds.
func (s *Service) RequestReimbursement(target decimal.Decimal, confirm ConfirmSelectionFunc) (*Reimbursement, *Selection, error) {
	slog.Info("Requesting reimbursement", "target", target.StringFixed(2))

	selection, err := s.Preview(target)
	if err != nil {
		return nil, nil, err
	}
	if selection.Empty() {
		slog.Warn("No receipts fit the requested amount", "target", target.StringFixed(2))
		return nil, selection, ErrNothingSelected
	}

	if confirm != nil {
		ok, err := confirm(selection)
		if err != nil {
			return nil, selection, fmt.Errorf("confirming reimbursement: %w", err)
		}
		if !ok {
			slog.Info("Reimbursement cancelled")
			return nil, selection, ErrCancelled
		}
	}

	reimbursement, err := s.Commit(selection)
	if err != nil {
		return nil, selection, err
	}
	return reimbursement, selection, nil
}

// Commit records selection as a reimbursement and flags its receipts.
// Either everything is stored or nothing is.
func (s *Service) Commit(selection *Selection) (*Reimbursement, error) {
	if selection.Empty() {
		return nil, ErrNothingSelected
	}

	now := s.timeSource.Now()
	reimbursement := &Reimbursement{
		// The local calendar day, stored as UTC midnight like receipt dates
		Date:       time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC),
		Amount:     selection.Total,
		ReceiptIDs: selection.IDs(),
		Timestamp:  now,
	}
	if err := s.db.CommitReimbursement(reimbursement); err != nil {
		return nil, fmt.Errorf("committing reimbursement: %w", err)
	}

	slog.Info("Reimbursement recorded",
		"id", reimbursement.ID,
		"amount", reimbursement.Amount.StringFixed(2),
		"receipts", len(reimbursement.ReceiptIDs),
	)
	return reimbursement, nil
}

// ResetReimbursements backs up and deletes every reimbursement and clears all
// reimbursed flags. A nil confirm always proceeds. Nothing is deleted unless
// the backup was written and read back successfully.
func (s *Service) ResetReimbursements(confirm ConfirmFunc) (*ResetResult, error) {
	if confirm != nil {
		ok, err := confirm()
		if err != nil {
			return nil, fmt.Errorf("confirming reset: %w", err)
		}
		if !ok {
			slog.Info("Reset cancelled")
			return nil, ErrCancelled
		}
	}

	result := &ResetResult{}
	removed, err := s.db.ResetReimbursements(func(reimbursements []*Reimbursement) error {
		path, err := s.writeBackup(reimbursements)
		if err != nil {
			return err
		}
		result.BackupPath = path
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("resetting reimbursements: %w", err)
	}
	result.Removed = removed

	slog.Info("Reimbursements reset", "removed", removed, "backup", result.BackupPath)
	return result, nil
}

// BackupReimbursements writes every reimbursement to a new backup file and
// returns its path. It returns an empty path when there is nothing to back up.
func (s *Service) BackupReimbursements() (string, error) {
	reimbursements, err := s.db.ListReimbursements()
	if err != nil {
		return "", fmt.Errorf("listing reimbursements: %w", err)
	}
	if len(reimbursements) == 0 {
		slog.Info("No reimbursements to back up")
		return "", nil
	}
	return s.writeBackup(reimbursements)
}

func (s *Service) writeBackup(reimbursements []*Reimbursement) (string, error) {
	data, err := json.MarshalIndent(reimbursements, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling backup: %w", err)
	}

	filename := fmt.Sprintf("backup_reimbursements_%s.json", s.timeSource.Now().Format(backupTimeLayout))
	path, err := s.backups.Save(filename, data)
	if err != nil {
		return "", fmt.Errorf("saving backup: %w", err)
	}

	written, err := s.backups.Get(filename)
	if err != nil {
		return "", fmt.Errorf("verifying backup: %w", err)
	}
	if len(written) == 0 {
		return "", fmt.Errorf("verifying backup: %s is empty", path)
	}

	slog.Info("Backup written", "path", path, "reimbursements", len(reimbursements))
	return path, nil
}

// RestoreReimbursements loads reimbursements from a backup file and re-flags
// their receipts. It returns how many were restored. The restore is
// all-or-nothing: an ID that already exists or a receipt that is missing or
// already reimbursed aborts it.
func (s *Service) RestoreReimbursements(path string) (int, error) {
	slog.Info("Restoring reimbursements", "path", path)

	data, err := s.dir.ReadFile(filepath.Dir(path), filepath.Base(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, &BackupFileNotFoundError{Path: path}
		}
		return 0, err
	}

	var reimbursements []*Reimbursement
	if err := json.Unmarshal(data, &reimbursements); err != nil {
		return 0, &MalformedBackupError{Path: path, Reason: "invalid JSON", Err: err}
	}
	if err := validateBackup(reimbursements); err != nil {
		return 0, &MalformedBackupError{Path: path, Reason: err.Error()}
	}

	if err := s.db.RestoreReimbursements(reimbursements); err != nil {
		return 0, fmt.Errorf("restoring reimbursements: %w", err)
	}

	slog.Info("Reimbursements restored", "path", path, "count", len(reimbursements))
	return len(reimbursements), nil
}

func validateBackup(reimbursements []*Reimbursement) error {
	seen := make(map[int64]bool, len(reimbursements))
	for i, r := range reimbursements {
		switch {
		case r == nil:
			return fmt.Errorf("entry %d is null", i)
		case r.ID <= 0:
			return fmt.Errorf("entry %d has invalid id %d", i, r.ID)
		case seen[r.ID]:
			return fmt.Errorf("reimbursement %d appears more than once", r.ID)
		case len(r.ReceiptIDs) == 0:
			return fmt.Errorf("reimbursement %d has no receipts", r.ID)
		case r.Amount.IsNegative():
			return fmt.Errorf("reimbursement %d has negative amount", r.ID)
		case r.Timestamp.IsZero():
			return fmt.Errorf("reimbursement %d has no timestamp", r.ID)
		}
		seen[r.ID] = true
	}
	return nil
}
