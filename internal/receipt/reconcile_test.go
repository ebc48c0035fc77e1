package receipt

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/hsa-reimburse/internal/scanning"
)

var _ = Describe("Scan", func() {
	const receiptsDir = "/receipts"

	var (
		db      *mockDB
		dir     *mockDirectory
		timeSrc *mockTimeSource
		service *Service
		report  *ScanReport
		err     error
	)

	BeforeEach(func() {
		db = newMockDB()
		dir = newMockDirectory()
		dir.dirs[receiptsDir] = make(map[string][]byte)
		timeSrc = &mockTimeSource{now: time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)}
		service = NewServiceWithDeps(db, dir, newMockStorage(), newMockStorage(), timeSrc)
	})

	JustBeforeEach(func() {
		report, err = service.Scan(receiptsDir)
	})

	When("the directory holds new receipts", func() {
		BeforeEach(func() {
			dir.put(receiptsDir, "20240115_25.99_pharmacy.pdf", []byte("pharmacy"))
			dir.put(receiptsDir, "20240201_100.png", []byte("dentist"))
		})

		It("inserts one receipt per file", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(report.New).To(Equal(2))
			Expect(report.Updated).To(BeZero())
			Expect(report.Unchanged).To(BeZero())
			Expect(db.receipts).To(HaveLen(2))
		})

		It("stores the parsed metadata and fingerprint", func() {
			r, findErr := db.FindReceiptByFingerprint(scanning.Fingerprint([]byte("pharmacy")))
			Expect(findErr).NotTo(HaveOccurred())
			Expect(r.Filename).To(Equal("20240115_25.99_pharmacy.pdf"))
			Expect(r.SourcePath).To(Equal(receiptsDir))
			Expect(r.Date).To(BeTemporally("==", time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)))
			Expect(r.Amount.StringFixed(2)).To(Equal("25.99"))
			Expect(r.Note).To(Equal("pharmacy"))
			Expect(r.IsReimbursed).To(BeFalse())
			Expect(r.CreatedAt).To(Equal(timeSrc.now))
		})

		It("uses the default note when none is given", func() {
			r, _ := db.FindReceiptByFingerprint(scanning.Fingerprint([]byte("dentist")))
			Expect(r.Note).To(Equal(scanning.DefaultNote))
		})
	})

	When("scanned twice without changes", func() {
		BeforeEach(func() {
			dir.put(receiptsDir, "20240115_25.99.pdf", []byte("one"))
			dir.put(receiptsDir, "20240116_10.pdf", []byte("two"))
			_, scanErr := service.Scan(receiptsDir)
			Expect(scanErr).NotTo(HaveOccurred())
		})

		It("reports every receipt as unchanged", func() {
			Expect(report.New).To(BeZero())
			Expect(report.Unchanged).To(Equal(2))
			Expect(db.receipts).To(HaveLen(2))
		})
	})

	When("a filename is invalid", func() {
		BeforeEach(func() {
			dir.put(receiptsDir, "20240115_25.99.pdf", []byte("good"))
			dir.put(receiptsDir, "scan0001.pdf", []byte("bad"))
		})

		It("reports the file and commits the rest", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(report.New).To(Equal(1))
			Expect(report.Errors).To(HaveLen(1))
			Expect(report.Errors[0].Filename).To(Equal("scan0001.pdf"))

			var parseErr *scanning.ParseError
			Expect(errors.As(report.Errors[0], &parseErr)).To(BeTrue())
		})
	})

	When("a file has an unsupported extension", func() {
		BeforeEach(func() {
			dir.put(receiptsDir, "notes.txt", []byte("text"))
			dir.put(receiptsDir, "20240115_25.99.heic", []byte("photo"))
		})

		It("ignores it", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(report.New).To(BeZero())
			Expect(report.Errors).To(BeEmpty())
		})
	})

	When("a file cannot be read", func() {
		BeforeEach(func() {
			dir.put(receiptsDir, "20240115_25.99.pdf", []byte("locked"))
			dir.put(receiptsDir, "20240116_5.pdf", []byte("readable"))
			dir.readErrs["20240115_25.99.pdf"] = errors.New("permission denied")
		})

		It("reports a read error and commits the rest", func() {
			Expect(report.New).To(Equal(1))
			Expect(report.Errors).To(HaveLen(1))

			var readErr *FileReadError
			Expect(errors.As(report.Errors[0], &readErr)).To(BeTrue())
		})
	})

	When("a receipt was renamed", func() {
		var original *Receipt

		BeforeEach(func() {
			original = db.addReceipt(&Receipt{
				Filename:     "20240115_25.99.pdf",
				SourcePath:   receiptsDir,
				Amount:       dollars("25.99"),
				Fingerprint:  scanning.Fingerprint([]byte("content")),
				IsReimbursed: true,
			})
			dir.put(receiptsDir, "20240115_26.50_corrected.pdf", []byte("content"))
		})

		It("updates the existing record", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Updated).To(Equal(1))
			Expect(report.New).To(BeZero())
			Expect(db.receipts).To(HaveLen(1))

			r := db.receipts[original.ID]
			Expect(r.Filename).To(Equal("20240115_26.50_corrected.pdf"))
			Expect(r.Amount.StringFixed(2)).To(Equal("26.50"))
			Expect(r.Note).To(Equal("corrected"))
		})

		It("keeps the reimbursed flag", func() {
			Expect(db.receipts[original.ID].IsReimbursed).To(BeTrue())
		})

		It("does not report the old name as orphaned", func() {
			Expect(report.Orphaned).To(BeEmpty())
		})
	})

	When("a renamed receipt frees its name for a new file", func() {
		var original *Receipt

		BeforeEach(func() {
			original = db.addReceipt(&Receipt{
				Filename:    "20240115_25.99.pdf",
				SourcePath:  receiptsDir,
				Fingerprint: scanning.Fingerprint([]byte("old content")),
			})
			dir.put(receiptsDir, "20240115_25.99.pdf", []byte("new content"))
			dir.put(receiptsDir, "20240115_25.99_moved.pdf", []byte("old content"))
		})

		It("renames the old record and inserts the new one", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Updated).To(Equal(1))
			Expect(report.New).To(Equal(1))
			Expect(report.Errors).To(BeEmpty())
			Expect(db.receipts[original.ID].Filename).To(Equal("20240115_25.99_moved.pdf"))
		})
	})

	When("two files have identical content", func() {
		BeforeEach(func() {
			dir.put(receiptsDir, "20240115_25.99.pdf", []byte("same"))
			dir.put(receiptsDir, "20240115_25.99_copy.pdf", []byte("same"))
		})

		It("stores the first and reports the other as a duplicate", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(report.New).To(Equal(1))
			Expect(report.Duplicates).To(ConsistOf("20240115_25.99_copy.pdf"))
			Expect(db.receipts).To(HaveLen(1))
		})
	})

	When("a copy of a stored receipt appears", func() {
		BeforeEach(func() {
			db.addReceipt(&Receipt{
				Filename:    "20240115_25.99_copy.pdf",
				SourcePath:  receiptsDir,
				Fingerprint: scanning.Fingerprint([]byte("same")),
			})
			dir.put(receiptsDir, "20240115_25.99.pdf", []byte("same"))
			dir.put(receiptsDir, "20240115_25.99_copy.pdf", []byte("same"))
		})

		It("keeps the stored name and reports the copy", func() {
			Expect(report.Unchanged).To(Equal(1))
			Expect(report.Updated).To(BeZero())
			Expect(report.Duplicates).To(ConsistOf("20240115_25.99.pdf"))
		})
	})

	When("a stored receipt is missing from the directory", func() {
		BeforeEach(func() {
			db.addReceipt(&Receipt{
				Filename:    "20231201_12.pdf",
				SourcePath:  receiptsDir,
				Fingerprint: scanning.Fingerprint([]byte("gone")),
			})
			dir.put(receiptsDir, "20240115_25.99.pdf", []byte("here"))
		})

		It("reports it as orphaned without deleting it", func() {
			Expect(report.Orphaned).To(ConsistOf("20231201_12.pdf"))
			Expect(db.receipts).To(HaveLen(2))
		})
	})

	When("the directory does not exist", func() {
		BeforeEach(func() {
			delete(dir.dirs, receiptsDir)
		})

		It("returns a DirectoryNotFoundError", func() {
			var notFound *DirectoryNotFoundError
			Expect(errors.As(err, &notFound)).To(BeTrue())
			Expect(notFound.Path).To(Equal(receiptsDir))
			Expect(report).To(BeNil())
		})
	})

	When("saving a receipt fails", func() {
		BeforeEach(func() {
			dir.put(receiptsDir, "20240115_25.99.pdf", []byte("content"))
			db.saveErr = errors.New("disk full")
		})

		It("records the failure against the file", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(report.New).To(BeZero())
			Expect(report.Errors).To(HaveLen(1))
			Expect(report.Errors[0].Reason).To(Equal("disk full"))
		})
	})
})

var _ = Describe("CheckInvalid", func() {
	var (
		dir     *mockDirectory
		service *Service
	)

	BeforeEach(func() {
		dir = newMockDirectory()
		service = NewServiceWithDeps(newMockDB(), dir, newMockStorage(), newMockStorage(), &mockTimeSource{})
	})

	It("lists files that break the naming convention", func() {
		dir.put("/r", "20240115_25.99.pdf", nil)
		dir.put("/r", "invalid_file.pdf", nil)
		dir.put("/r", "20240101_12.345.pdf", nil)
		dir.put("/r", "receipts.db", nil)

		invalid, err := service.CheckInvalid("/r")
		Expect(err).NotTo(HaveOccurred())

		names := make([]string, 0, len(invalid))
		for _, e := range invalid {
			names = append(names, e.Filename)
		}
		Expect(names).To(ConsistOf("invalid_file.pdf", "20240101_12.345.pdf"))
	})

	It("returns an empty list for a clean directory", func() {
		dir.put("/r", "20240115_25.99.pdf", nil)

		invalid, err := service.CheckInvalid("/r")
		Expect(err).NotTo(HaveOccurred())
		Expect(invalid).To(BeEmpty())
	})

	It("fails for a missing directory", func() {
		_, err := service.CheckInvalid("/missing")
		var notFound *DirectoryNotFoundError
		Expect(errors.As(err, &notFound)).To(BeTrue())
	})
})
