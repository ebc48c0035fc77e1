package receipt

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Service handles receipt and reimbursement operations. It keeps no state
// between calls; every operation reads the current rows from the DB.
type Service struct {
	db         DB
	dir        Directory
	backups    Storage
	exports    Storage
	timeSource TimeSource
}

// NewService creates a new Service with the default time source
func NewService(db DB, dir Directory, backups Storage, exports Storage) *Service {
	return NewServiceWithDeps(db, dir, backups, exports, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, dir Directory, backups Storage, exports Storage, timeSrc TimeSource) *Service {
	return &Service{
		db:         db,
		dir:        dir,
		backups:    backups,
		exports:    exports,
		timeSource: timeSrc,
	}
}

// GetReceipt retrieves a receipt by ID
func (s *Service) GetReceipt(id int64) (*Receipt, error) {
	receipt, err := s.db.GetReceipt(id)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	return receipt, nil
}

// ListReceipts returns all receipts
func (s *Service) ListReceipts() ([]*Receipt, error) {
	receipts, err := s.db.ListReceipts()
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	return receipts, nil
}

// GetReceiptFile reads the file backing a receipt from where it was last seen
func (s *Service) GetReceiptFile(id int64) ([]byte, string, error) {
	receipt, err := s.db.GetReceipt(id)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt: %w", err)
	}

	data, err := s.dir.ReadFile(receipt.SourcePath, receipt.Filename)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt file: %w", err)
	}

	return data, contentType(receipt.Filename), nil
}

// GetReimbursement retrieves a reimbursement by ID
func (s *Service) GetReimbursement(id int64) (*Reimbursement, error) {
	reimbursement, err := s.db.GetReimbursement(id)
	if err != nil {
		return nil, fmt.Errorf("getting reimbursement: %w", err)
	}
	return reimbursement, nil
}

// GetReimbursementWithReceipts retrieves a reimbursement with its associated receipts
func (s *Service) GetReimbursementWithReceipts(id int64) (*Reimbursement, []*Receipt, error) {
	reimbursement, err := s.db.GetReimbursement(id)
	if err != nil {
		return nil, nil, fmt.Errorf("getting reimbursement: %w", err)
	}

	receipts := make([]*Receipt, 0, len(reimbursement.ReceiptIDs))
	for _, receiptID := range reimbursement.ReceiptIDs {
		receipt, err := s.db.GetReceipt(receiptID)
		if err != nil {
			return nil, nil, fmt.Errorf("getting receipt %d: %w", receiptID, err)
		}
		receipts = append(receipts, receipt)
	}

	return reimbursement, receipts, nil
}

// ListReimbursements returns all reimbursements ordered by timestamp
func (s *Service) ListReimbursements() ([]*Reimbursement, error) {
	reimbursements, err := s.db.ListReimbursements()
	if err != nil {
		return nil, fmt.Errorf("listing reimbursements: %w", err)
	}
	return reimbursements, nil
}

func contentType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".pdf":
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}
