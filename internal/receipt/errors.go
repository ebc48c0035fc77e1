package receipt

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a receipt or reimbursement does not exist
	ErrNotFound = errors.New("not found")

	// ErrDuplicateContent is returned when a receipt with the same fingerprint is already stored
	ErrDuplicateContent = errors.New("receipt with identical content already exists")

	// ErrFilenameTaken is returned when another receipt already owns the filename
	ErrFilenameTaken = errors.New("filename already belongs to another receipt")

	// ErrAlreadyReimbursed is returned when committing a receipt that is already reimbursed
	ErrAlreadyReimbursed = errors.New("receipt is already reimbursed")

	// ErrNothingSelected is returned when committing an empty selection
	ErrNothingSelected = errors.New("no receipts selected")

	// ErrCancelled is returned when the caller declines a confirmation
	ErrCancelled = errors.New("cancelled")
)

// DirectoryNotFoundError is returned when a scanned directory does not exist
type DirectoryNotFoundError struct {
	Path string
}

func (e *DirectoryNotFoundError) Error() string {
	return fmt.Sprintf("directory not found: %s", e.Path)
}

// FileReadError wraps a failure to read a single receipt file
type FileReadError struct {
	Path string
	Err  error
}

func (e *FileReadError) Error() string {
	return fmt.Sprintf("reading %s: %v", e.Path, e.Err)
}

func (e *FileReadError) Unwrap() error {
	return e.Err
}

// BackupFileNotFoundError is returned when restoring from a missing backup
type BackupFileNotFoundError struct {
	Path string
}

func (e *BackupFileNotFoundError) Error() string {
	return fmt.Sprintf("backup file not found: %s", e.Path)
}

// MalformedBackupError is returned when a backup file cannot be decoded or contains invalid records
type MalformedBackupError struct {
	Path   string
	Reason string
	Err    error
}

func (e *MalformedBackupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed backup %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed backup %s: %s", e.Path, e.Reason)
}

func (e *MalformedBackupError) Unwrap() error {
	return e.Err
}
