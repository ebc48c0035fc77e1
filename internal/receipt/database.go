package receipt

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

const (
	bucketName              = "receipts"
	fingerprintBucketName   = "receipt_fingerprints"
	filenameBucketName      = "receipt_filenames"
	reimbursementBucketName = "reimbursements"
)

// BackupFunc receives every reimbursement before a reset deletes them.
// Returning an error aborts the reset.
type BackupFunc func(reimbursements []*Reimbursement) error

// DB defines the interface for database operations
type DB interface {
	// SaveReceipt inserts a receipt when its ID is zero and updates it otherwise.
	// Filename and fingerprint must stay unique across receipts.
	SaveReceipt(receipt *Receipt) error

	// GetReceipt retrieves a receipt by ID
	GetReceipt(id int64) (*Receipt, error)

	// FindReceiptByFingerprint retrieves the receipt whose file content hashes to fingerprint
	FindReceiptByFingerprint(fingerprint string) (*Receipt, error)

	// ListReceipts returns all receipts in insertion order
	ListReceipts() ([]*Receipt, error)

	// ListUnreimbursedReceipts returns receipts not yet reimbursed, in insertion order
	ListUnreimbursedReceipts() ([]*Receipt, error)

	// ListReceiptFilenames returns the filename of every stored receipt
	ListReceiptFilenames() ([]string, error)

	// ReceiptFilenamesByID returns filenames for the given receipt IDs, skipping unknown IDs
	ReceiptFilenamesByID(ids []int64) ([]string, error)

	// GetReimbursement retrieves a reimbursement by ID
	GetReimbursement(id int64) (*Reimbursement, error)

	// ListReimbursements returns all reimbursements ordered by timestamp
	ListReimbursements() ([]*Reimbursement, error)

	// CommitReimbursement stores the reimbursement and marks its receipts as
	// reimbursed in one transaction
	CommitReimbursement(reimbursement *Reimbursement) error

	// ResetReimbursements hands every reimbursement to backup, then deletes them
	// and clears all reimbursed flags in one transaction
	ResetReimbursements(backup BackupFunc) (int, error)

	// RestoreReimbursements re-inserts reimbursements with their original IDs and
	// marks their receipts as reimbursed in one transaction
	RestoreReimbursements(reimbursements []*Reimbursement) error

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance.
// BoltDB holds an exclusive file lock, so a second process opening the same
// file fails after the timeout instead of sharing it.
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	// Create buckets if they don't exist
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{bucketName, fingerprintBucketName, filenameBucketName, reimbursementBucketName} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// SaveReceipt saves a receipt to the database
func (b *BoltDB) SaveReceipt(receipt *Receipt) error {
	id := receipt.ID
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		fingerprints := tx.Bucket([]byte(fingerprintBucketName))
		filenames := tx.Bucket([]byte(filenameBucketName))

		if owner := fingerprints.Get([]byte(receipt.Fingerprint)); owner != nil && btoi(owner) != id {
			return fmt.Errorf("saving receipt %s: %w", receipt.Filename, ErrDuplicateContent)
		}
		if owner := filenames.Get([]byte(receipt.Filename)); owner != nil && btoi(owner) != id {
			return fmt.Errorf("saving receipt %s: %w", receipt.Filename, ErrFilenameTaken)
		}

		if id == 0 {
			seq, err := bucket.NextSequence()
			if err != nil {
				return fmt.Errorf("allocating receipt id: %w", err)
			}
			id = int64(seq)
		} else {
			existing, err := getReceipt(bucket, id)
			if err != nil {
				return err
			}
			// Drop index entries that point at the old name or content
			if err := filenames.Delete([]byte(existing.Filename)); err != nil {
				return err
			}
			if err := fingerprints.Delete([]byte(existing.Fingerprint)); err != nil {
				return err
			}
		}

		stored := *receipt
		stored.ID = id
		if err := putReceipt(bucket, &stored); err != nil {
			return err
		}
		if err := fingerprints.Put([]byte(stored.Fingerprint), itob(id)); err != nil {
			return err
		}
		return filenames.Put([]byte(stored.Filename), itob(id))
	})
	if err != nil {
		return err
	}
	receipt.ID = id
	return nil
}

// GetReceipt retrieves a receipt by ID
func (b *BoltDB) GetReceipt(id int64) (*Receipt, error) {
	var receipt *Receipt
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		receipt, err = getReceipt(tx.Bucket([]byte(bucketName)), id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// FindReceiptByFingerprint retrieves a receipt by the hash of its contents
func (b *BoltDB) FindReceiptByFingerprint(fingerprint string) (*Receipt, error) {
	var receipt *Receipt
	err := b.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket([]byte(fingerprintBucketName)).Get([]byte(fingerprint))
		if id == nil {
			return fmt.Errorf("receipt with fingerprint %s: %w", fingerprint, ErrNotFound)
		}
		var err error
		receipt, err = getReceipt(tx.Bucket([]byte(bucketName)), btoi(id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// ListReceipts returns all receipts
func (b *BoltDB) ListReceipts() ([]*Receipt, error) {
	return b.listReceipts(func(*Receipt) bool { return true })
}

// ListUnreimbursedReceipts returns all receipts that are not reimbursed
func (b *BoltDB) ListUnreimbursedReceipts() ([]*Receipt, error) {
	return b.listReceipts(func(r *Receipt) bool { return !r.IsReimbursed })
}

func (b *BoltDB) listReceipts(keep func(*Receipt) bool) ([]*Receipt, error) {
	receipts := make([]*Receipt, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		return bucket.ForEach(func(k, v []byte) error {
			var receipt Receipt
			if err := json.Unmarshal(v, &receipt); err != nil {
				return fmt.Errorf("unmarshaling receipt: %w", err)
			}
			if keep(&receipt) {
				receipts = append(receipts, &receipt)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return receipts, nil
}

// ListReceiptFilenames returns the filenames of all stored receipts
func (b *BoltDB) ListReceiptFilenames() ([]string, error) {
	filenames := make([]string, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(filenameBucketName)).ForEach(func(k, v []byte) error {
			filenames = append(filenames, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return filenames, nil
}

// ReceiptFilenamesByID returns the filenames for a list of receipt IDs
func (b *BoltDB) ReceiptFilenamesByID(ids []int64) ([]string, error) {
	filenames := make([]string, 0, len(ids))
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		for _, id := range ids {
			receipt, err := getReceipt(bucket, id)
			if err != nil {
				continue
			}
			filenames = append(filenames, receipt.Filename)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return filenames, nil
}

// GetReimbursement retrieves a reimbursement by ID
func (b *BoltDB) GetReimbursement(id int64) (*Reimbursement, error) {
	var reimbursement *Reimbursement
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(reimbursementBucketName)).Get(itob(id))
		if data == nil {
			return fmt.Errorf("reimbursement %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &reimbursement)
	})
	if err != nil {
		return nil, err
	}
	return reimbursement, nil
}

// ListReimbursements returns all reimbursements ordered by timestamp
func (b *BoltDB) ListReimbursements() ([]*Reimbursement, error) {
	var reimbursements []*Reimbursement
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		reimbursements, err = listReimbursements(tx.Bucket([]byte(reimbursementBucketName)))
		return err
	})
	if err != nil {
		return nil, err
	}
	return reimbursements, nil
}

// CommitReimbursement saves a reimbursement and flags its receipts
func (b *BoltDB) CommitReimbursement(reimbursement *Reimbursement) error {
	var id int64
	err := b.db.Update(func(tx *bbolt.Tx) error {
		if err := markReimbursed(tx.Bucket([]byte(bucketName)), reimbursement.ReceiptIDs, reimbursement.Timestamp); err != nil {
			return err
		}

		bucket := tx.Bucket([]byte(reimbursementBucketName))
		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating reimbursement id: %w", err)
		}
		id = int64(seq)

		stored := *reimbursement
		stored.ID = id
		return putReimbursement(bucket, &stored)
	})
	if err != nil {
		return err
	}
	reimbursement.ID = id
	return nil
}

// ResetReimbursements backs up and deletes every reimbursement, then clears
// the reimbursed flag on every receipt
func (b *BoltDB) ResetReimbursements(backup BackupFunc) (int, error) {
	var removed int
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(reimbursementBucketName))
		reimbursements, err := listReimbursements(bucket)
		if err != nil {
			return err
		}

		if len(reimbursements) > 0 && backup != nil {
			if err := backup(reimbursements); err != nil {
				return fmt.Errorf("backing up reimbursements: %w", err)
			}
		}

		// Delete keys one by one; dropping the bucket would rewind its sequence
		for _, r := range reimbursements {
			if err := bucket.Delete(itob(r.ID)); err != nil {
				return fmt.Errorf("deleting reimbursement %d: %w", r.ID, err)
			}
		}
		removed = len(reimbursements)

		receipts := tx.Bucket([]byte(bucketName))
		var flagged []*Receipt
		err = receipts.ForEach(func(k, v []byte) error {
			var receipt Receipt
			if err := json.Unmarshal(v, &receipt); err != nil {
				return fmt.Errorf("unmarshaling receipt: %w", err)
			}
			if receipt.IsReimbursed {
				flagged = append(flagged, &receipt)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, receipt := range flagged {
			receipt.IsReimbursed = false
			if err := putReceipt(receipts, receipt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// RestoreReimbursements inserts reimbursements from a backup
func (b *BoltDB) RestoreReimbursements(reimbursements []*Reimbursement) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(reimbursementBucketName))
		receipts := tx.Bucket([]byte(bucketName))

		var maxID uint64
		for _, r := range reimbursements {
			if bucket.Get(itob(r.ID)) != nil {
				return fmt.Errorf("reimbursement %d already exists", r.ID)
			}
			if err := markReimbursed(receipts, r.ReceiptIDs, r.Timestamp); err != nil {
				return fmt.Errorf("restoring reimbursement %d: %w", r.ID, err)
			}
			if err := putReimbursement(bucket, r); err != nil {
				return err
			}
			if uint64(r.ID) > maxID {
				maxID = uint64(r.ID)
			}
		}

		// Keep new IDs ahead of restored ones
		if bucket.Sequence() < maxID {
			return bucket.SetSequence(maxID)
		}
		return nil
	})
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}

func markReimbursed(bucket *bbolt.Bucket, ids []int64, at time.Time) error {
	for _, id := range ids {
		receipt, err := getReceipt(bucket, id)
		if err != nil {
			return err
		}
		if receipt.IsReimbursed {
			return fmt.Errorf("receipt %d: %w", id, ErrAlreadyReimbursed)
		}
		receipt.IsReimbursed = true
		receipt.UpdatedAt = at
		if err := putReceipt(bucket, receipt); err != nil {
			return err
		}
	}
	return nil
}

func getReceipt(bucket *bbolt.Bucket, id int64) (*Receipt, error) {
	data := bucket.Get(itob(id))
	if data == nil {
		return nil, fmt.Errorf("receipt %d: %w", id, ErrNotFound)
	}
	var receipt Receipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		return nil, fmt.Errorf("unmarshaling receipt: %w", err)
	}
	return &receipt, nil
}

func putReceipt(bucket *bbolt.Bucket, receipt *Receipt) error {
	data, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("marshaling receipt: %w", err)
	}
	return bucket.Put(itob(receipt.ID), data)
}

func listReimbursements(bucket *bbolt.Bucket) ([]*Reimbursement, error) {
	reimbursements := make([]*Reimbursement, 0)
	err := bucket.ForEach(func(k, v []byte) error {
		var reimbursement Reimbursement
		if err := json.Unmarshal(v, &reimbursement); err != nil {
			return fmt.Errorf("unmarshaling reimbursement: %w", err)
		}
		reimbursements = append(reimbursements, &reimbursement)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortByTimestamp(reimbursements)
	return reimbursements, nil
}

func putReimbursement(bucket *bbolt.Bucket, reimbursement *Reimbursement) error {
	data, err := json.Marshal(reimbursement)
	if err != nil {
		return fmt.Errorf("marshaling reimbursement: %w", err)
	}
	return bucket.Put(itob(reimbursement.ID), data)
}

// sortByTimestamp orders reimbursements chronologically, keeping ID order for ties
func sortByTimestamp(reimbursements []*Reimbursement) {
	sort.SliceStable(reimbursements, func(i, j int) bool {
		return reimbursements[i].Timestamp.Before(reimbursements[j].Timestamp)
	})
}

// itob encodes an ID as a big-endian key so bucket iteration follows insertion order
func itob(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func btoi(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}
