package receipt

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS receipts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	filename TEXT NOT NULL UNIQUE,
	path TEXT NOT NULL DEFAULT '',
	date TEXT NOT NULL,
	amount TEXT NOT NULL,
	note TEXT NOT NULL DEFAULT '',
	is_reimbursed BOOLEAN NOT NULL DEFAULT 0,
	file_hash TEXT NOT NULL UNIQUE,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS reimbursements (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	date TEXT NOT NULL,
	amount TEXT NOT NULL,
	receipts_used TEXT NOT NULL,
	timestamp TEXT NOT NULL
);
`

const receiptColumns = `id, filename, path, date, amount, note, is_reimbursed, file_hash, created_at, updated_at`

const reimbursementColumns = `id, date, amount, receipts_used, timestamp`

// timeLayout is fixed width so stored timestamps compare lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// SQLiteDB implements the DB interface on a SQLite file
type SQLiteDB struct {
	db *sql.DB
}

// NewSQLiteDB opens (or creates) a SQLite database and ensures the schema exists
func NewSQLiteDB(path string) (*SQLiteDB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// WAL mode lets readers proceed during a write; it does not make two
	// writing processes safe
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=1000", path)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return &SQLiteDB{db: db}, nil
}

// transaction executes fn within a transaction, rolling back on error
func (s *SQLiteDB) transaction(fn func(*sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction error: %v, rollback error: %w", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// SaveReceipt saves a receipt to the database
func (s *SQLiteDB) SaveReceipt(receipt *Receipt) error {
	id := receipt.ID
	err := s.transaction(func(tx *sql.Tx) error {
		owner, err := ownerID(tx, `SELECT id FROM receipts WHERE file_hash = ?`, receipt.Fingerprint)
		if err != nil {
			return err
		}
		if owner != 0 && owner != id {
			return fmt.Errorf("saving receipt %s: %w", receipt.Filename, ErrDuplicateContent)
		}

		owner, err = ownerID(tx, `SELECT id FROM receipts WHERE filename = ?`, receipt.Filename)
		if err != nil {
			return err
		}
		if owner != 0 && owner != id {
			return fmt.Errorf("saving receipt %s: %w", receipt.Filename, ErrFilenameTaken)
		}

		if id == 0 {
			result, err := tx.Exec(`
				INSERT INTO receipts (filename, path, date, amount, note, is_reimbursed, file_hash, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				receipt.Filename, receipt.SourcePath, formatTime(receipt.Date), receipt.Amount.String(),
				receipt.Note, receipt.IsReimbursed, receipt.Fingerprint,
				formatTime(receipt.CreatedAt), formatTime(receipt.UpdatedAt),
			)
			if err != nil {
				return fmt.Errorf("inserting receipt %s: %w", receipt.Filename, err)
			}
			id, err = result.LastInsertId()
			return err
		}

		result, err := tx.Exec(`
			UPDATE receipts SET filename = ?, path = ?, date = ?, amount = ?, note = ?,
				is_reimbursed = ?, file_hash = ?, updated_at = ?
			WHERE id = ?`,
			receipt.Filename, receipt.SourcePath, formatTime(receipt.Date), receipt.Amount.String(),
			receipt.Note, receipt.IsReimbursed, receipt.Fingerprint, formatTime(receipt.UpdatedAt), id,
		)
		if err != nil {
			return fmt.Errorf("updating receipt %d: %w", id, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("receipt %d: %w", id, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return err
	}
	receipt.ID = id
	return nil
}

// GetReceipt retrieves a receipt by ID
func (s *SQLiteDB) GetReceipt(id int64) (*Receipt, error) {
	return getSQLiteReceipt(s.db, id)
}

// FindReceiptByFingerprint retrieves a receipt by the hash of its contents
func (s *SQLiteDB) FindReceiptByFingerprint(fingerprint string) (*Receipt, error) {
	row := s.db.QueryRow(`SELECT `+receiptColumns+` FROM receipts WHERE file_hash = ?`, fingerprint)
	receipt, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("receipt with fingerprint %s: %w", fingerprint, ErrNotFound)
	}
	return receipt, err
}

// ListReceipts returns all receipts
func (s *SQLiteDB) ListReceipts() ([]*Receipt, error) {
	return s.queryReceipts(`SELECT ` + receiptColumns + ` FROM receipts ORDER BY id`)
}

// ListUnreimbursedReceipts returns all receipts that are not reimbursed
func (s *SQLiteDB) ListUnreimbursedReceipts() ([]*Receipt, error) {
	return s.queryReceipts(`SELECT ` + receiptColumns + ` FROM receipts WHERE is_reimbursed = 0 ORDER BY id`)
}

func (s *SQLiteDB) queryReceipts(query string, args ...any) ([]*Receipt, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying receipts: %w", err)
	}
	defer rows.Close()

	receipts := make([]*Receipt, 0)
	for rows.Next() {
		receipt, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, receipt)
	}
	return receipts, rows.Err()
}

// ListReceiptFilenames returns the filenames of all stored receipts
func (s *SQLiteDB) ListReceiptFilenames() ([]string, error) {
	rows, err := s.db.Query(`SELECT filename FROM receipts ORDER BY filename`)
	if err != nil {
		return nil, fmt.Errorf("querying filenames: %w", err)
	}
	defer rows.Close()

	filenames := make([]string, 0)
	for rows.Next() {
		var filename string
		if err := rows.Scan(&filename); err != nil {
			return nil, fmt.Errorf("scanning filename: %w", err)
		}
		filenames = append(filenames, filename)
	}
	return filenames, rows.Err()
}

// ReceiptFilenamesByID returns the filenames for a list of receipt IDs
func (s *SQLiteDB) ReceiptFilenamesByID(ids []int64) ([]string, error) {
	filenames := make([]string, 0, len(ids))
	for _, id := range ids {
		var filename string
		err := s.db.QueryRow(`SELECT filename FROM receipts WHERE id = ?`, id).Scan(&filename)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("querying filename for receipt %d: %w", id, err)
		}
		filenames = append(filenames, filename)
	}
	return filenames, nil
}

// GetReimbursement retrieves a reimbursement by ID
func (s *SQLiteDB) GetReimbursement(id int64) (*Reimbursement, error) {
	row := s.db.QueryRow(`SELECT `+reimbursementColumns+` FROM reimbursements WHERE id = ?`, id)
	reimbursement, err := scanReimbursement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reimbursement %d: %w", id, ErrNotFound)
	}
	return reimbursement, err
}

// ListReimbursements returns all reimbursements ordered by timestamp
func (s *SQLiteDB) ListReimbursements() ([]*Reimbursement, error) {
	return listSQLiteReimbursements(s.db)
}

// CommitReimbursement saves a reimbursement and flags its receipts
func (s *SQLiteDB) CommitReimbursement(reimbursement *Reimbursement) error {
	var id int64
	err := s.transaction(func(tx *sql.Tx) error {
		if err := markSQLiteReimbursed(tx, reimbursement.ReceiptIDs, reimbursement.Timestamp); err != nil {
			return err
		}

		used, err := json.Marshal(reimbursement.ReceiptIDs)
		if err != nil {
			return fmt.Errorf("marshaling receipt ids: %w", err)
		}
		result, err := tx.Exec(`
			INSERT INTO reimbursements (date, amount, receipts_used, timestamp)
			VALUES (?, ?, ?, ?)`,
			formatTime(reimbursement.Date), reimbursement.Amount.String(), string(used), formatTime(reimbursement.Timestamp),
		)
		if err != nil {
			return fmt.Errorf("inserting reimbursement: %w", err)
		}
		id, err = result.LastInsertId()
		return err
	})
	if err != nil {
		return err
	}
	reimbursement.ID = id
	return nil
}

// ResetReimbursements backs up and deletes every reimbursement, then clears
// the reimbursed flag on every receipt
func (s *SQLiteDB) ResetReimbursements(backup BackupFunc) (int, error) {
	var removed int
	err := s.transaction(func(tx *sql.Tx) error {
		reimbursements, err := listSQLiteReimbursements(tx)
		if err != nil {
			return err
		}

		if len(reimbursements) > 0 && backup != nil {
			if err := backup(reimbursements); err != nil {
				return fmt.Errorf("backing up reimbursements: %w", err)
			}
		}

		if _, err := tx.Exec(`DELETE FROM reimbursements`); err != nil {
			return fmt.Errorf("deleting reimbursements: %w", err)
		}
		if _, err := tx.Exec(`UPDATE receipts SET is_reimbursed = 0 WHERE is_reimbursed = 1`); err != nil {
			return fmt.Errorf("clearing reimbursed flags: %w", err)
		}
		removed = len(reimbursements)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// RestoreReimbursements inserts reimbursements from a backup
func (s *SQLiteDB) RestoreReimbursements(reimbursements []*Reimbursement) error {
	return s.transaction(func(tx *sql.Tx) error {
		for _, r := range reimbursements {
			owner, err := ownerID(tx, `SELECT id FROM reimbursements WHERE id = ?`, r.ID)
			if err != nil {
				return err
			}
			if owner != 0 {
				return fmt.Errorf("reimbursement %d already exists", r.ID)
			}
			if err := markSQLiteReimbursed(tx, r.ReceiptIDs, r.Timestamp); err != nil {
				return fmt.Errorf("restoring reimbursement %d: %w", r.ID, err)
			}

			used, err := json.Marshal(r.ReceiptIDs)
			if err != nil {
				return fmt.Errorf("marshaling receipt ids: %w", err)
			}
			_, err = tx.Exec(`
				INSERT INTO reimbursements (id, date, amount, receipts_used, timestamp)
				VALUES (?, ?, ?, ?, ?)`,
				r.ID, formatTime(r.Date), r.Amount.String(), string(used), formatTime(r.Timestamp),
			)
			if err != nil {
				return fmt.Errorf("inserting reimbursement %d: %w", r.ID, err)
			}
		}
		return nil
	})
}

// Close closes the database connection
func (s *SQLiteDB) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func markSQLiteReimbursed(q querier, ids []int64, at time.Time) error {
	for _, id := range ids {
		var reimbursed bool
		err := q.QueryRow(`SELECT is_reimbursed FROM receipts WHERE id = ?`, id).Scan(&reimbursed)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("receipt %d: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("querying receipt %d: %w", id, err)
		}
		if reimbursed {
			return fmt.Errorf("receipt %d: %w", id, ErrAlreadyReimbursed)
		}
		if _, err := q.Exec(`UPDATE receipts SET is_reimbursed = 1, updated_at = ? WHERE id = ?`, formatTime(at), id); err != nil {
			return fmt.Errorf("marking receipt %d: %w", id, err)
		}
	}
	return nil
}

func getSQLiteReceipt(q querier, id int64) (*Receipt, error) {
	row := q.QueryRow(`SELECT `+receiptColumns+` FROM receipts WHERE id = ?`, id)
	receipt, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("receipt %d: %w", id, ErrNotFound)
	}
	return receipt, err
}

func listSQLiteReimbursements(q querier) ([]*Reimbursement, error) {
	rows, err := q.Query(`SELECT ` + reimbursementColumns + ` FROM reimbursements ORDER BY timestamp, id`)
	if err != nil {
		return nil, fmt.Errorf("querying reimbursements: %w", err)
	}
	defer rows.Close()

	reimbursements := make([]*Reimbursement, 0)
	for rows.Next() {
		reimbursement, err := scanReimbursement(rows)
		if err != nil {
			return nil, err
		}
		reimbursements = append(reimbursements, reimbursement)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortByTimestamp(reimbursements)
	return reimbursements, nil
}

// ownerID returns the id selected by query, or zero when no row matches
func ownerID(q querier, query string, arg any) (int64, error) {
	var id int64
	err := q.QueryRow(query, arg).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("querying owner: %w", err)
	}
	return id, nil
}

func scanReceipt(row rowScanner) (*Receipt, error) {
	var (
		receipt                Receipt
		date, created, updated string
	)
	err := row.Scan(&receipt.ID, &receipt.Filename, &receipt.SourcePath, &date, &receipt.Amount,
		&receipt.Note, &receipt.IsReimbursed, &receipt.Fingerprint, &created, &updated)
	if err != nil {
		return nil, err
	}

	if receipt.Date, err = parseTime(date); err != nil {
		return nil, err
	}
	if receipt.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if receipt.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &receipt, nil
}

func scanReimbursement(row rowScanner) (*Reimbursement, error) {
	var (
		reimbursement   Reimbursement
		date, timestamp string
		used            string
	)
	if err := row.Scan(&reimbursement.ID, &date, &reimbursement.Amount, &used, &timestamp); err != nil {
		return nil, err
	}

	var err error
	if reimbursement.Date, err = parseTime(date); err != nil {
		return nil, err
	}
	if reimbursement.Timestamp, err = parseTime(timestamp); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(used), &reimbursement.ReceiptIDs); err != nil {
		return nil, fmt.Errorf("unmarshaling receipts_used for reimbursement %d: %w", reimbursement.ID, err)
	}
	return &reimbursement, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing time %q: %w", s, err)
	}
	return t, nil
}
