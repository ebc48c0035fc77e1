package receipt

import (
	"errors"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("BoltDB", func() {
	itBehavesLikeADB(func(dir string) (DB, error) {
		return NewBoltDB(filepath.Join(dir, "test.db"))
	})

	It("refuses a second handle on the same file", func() {
		path := filepath.Join(GinkgoT().TempDir(), "locked.db")
		first, err := NewBoltDB(path)
		Expect(err).NotTo(HaveOccurred())
		defer first.Close()

		_, err = NewBoltDB(path)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("SQLiteDB", func() {
	itBehavesLikeADB(func(dir string) (DB, error) {
		return NewSQLiteDB(filepath.Join(dir, "nested", "receipts.db"))
	})
})

func testReceipt(filename, fingerprint, amount string) *Receipt {
	now := time.Date(2024, 1, 20, 9, 0, 0, 0, time.UTC)
	return &Receipt{
		Filename:    filename,
		SourcePath:  "/receipts",
		Date:        time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		Amount:      dollars(amount),
		Note:        "No note",
		Fingerprint: fingerprint,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func itBehavesLikeADB(open func(dir string) (DB, error)) {
	var (
		tmpDir string
		db     DB
	)

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		var err error
		db, err = open(tmpDir)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if db != nil {
			db.Close()
		}
	})

	Describe("SaveReceipt", func() {
		var (
			receipt *Receipt
			err     error
		)

		BeforeEach(func() {
			receipt = testReceipt("20240115_25.99.pdf", "hash-1", "25.99")
		})

		JustBeforeEach(func() {
			err = db.SaveReceipt(receipt)
		})

		When("inserting", func() {
			It("assigns sequential IDs", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(receipt.ID).To(Equal(int64(1)))

				second := testReceipt("20240116_10.pdf", "hash-2", "10")
				Expect(db.SaveReceipt(second)).To(Succeed())
				Expect(second.ID).To(Equal(int64(2)))
			})

			It("stores every field", func() {
				saved, getErr := db.GetReceipt(receipt.ID)
				Expect(getErr).NotTo(HaveOccurred())
				Expect(saved.Filename).To(Equal("20240115_25.99.pdf"))
				Expect(saved.SourcePath).To(Equal("/receipts"))
				Expect(saved.Date).To(BeTemporally("==", receipt.Date))
				Expect(saved.Amount.Equal(dollars("25.99"))).To(BeTrue())
				Expect(saved.Note).To(Equal("No note"))
				Expect(saved.Fingerprint).To(Equal("hash-1"))
				Expect(saved.IsReimbursed).To(BeFalse())
				Expect(saved.CreatedAt).To(BeTemporally("==", receipt.CreatedAt))
			})
		})

		When("another receipt has the same content", func() {
			BeforeEach(func() {
				Expect(db.SaveReceipt(testReceipt("other.pdf", "hash-1", "1"))).To(Succeed())
			})

			It("returns ErrDuplicateContent without assigning an ID", func() {
				Expect(err).To(MatchError(ErrDuplicateContent))
				Expect(receipt.ID).To(BeZero())
			})
		})

		When("another receipt has the same filename", func() {
			BeforeEach(func() {
				Expect(db.SaveReceipt(testReceipt("20240115_25.99.pdf", "hash-other", "1"))).To(Succeed())
			})

			It("returns ErrFilenameTaken", func() {
				Expect(err).To(MatchError(ErrFilenameTaken))
			})
		})

		When("updating a renamed receipt", func() {
			JustBeforeEach(func() {
				Expect(err).NotTo(HaveOccurred())
				receipt.Filename = "20240115_25.99_renamed.pdf"
				receipt.IsReimbursed = true
				err = db.SaveReceipt(receipt)
			})

			It("keeps the ID", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(receipt.ID).To(Equal(int64(1)))

				receipts, listErr := db.ListReceipts()
				Expect(listErr).NotTo(HaveOccurred())
				Expect(receipts).To(HaveLen(1))
				Expect(receipts[0].Filename).To(Equal("20240115_25.99_renamed.pdf"))
				Expect(receipts[0].IsReimbursed).To(BeTrue())
			})

			It("frees the old filename", func() {
				Expect(db.SaveReceipt(testReceipt("20240115_25.99.pdf", "hash-new", "5"))).To(Succeed())

				filenames, listErr := db.ListReceiptFilenames()
				Expect(listErr).NotTo(HaveOccurred())
				Expect(filenames).To(ConsistOf("20240115_25.99.pdf", "20240115_25.99_renamed.pdf"))
			})

			It("is still found by fingerprint", func() {
				found, findErr := db.FindReceiptByFingerprint("hash-1")
				Expect(findErr).NotTo(HaveOccurred())
				Expect(found.Filename).To(Equal("20240115_25.99_renamed.pdf"))
			})
		})
	})

	Describe("lookups", func() {
		It("returns ErrNotFound for an unknown receipt", func() {
			_, err := db.GetReceipt(99)
			Expect(err).To(MatchError(ErrNotFound))
		})

		It("returns ErrNotFound for an unknown fingerprint", func() {
			_, err := db.FindReceiptByFingerprint("missing")
			Expect(err).To(MatchError(ErrNotFound))
		})

		It("returns ErrNotFound for an unknown reimbursement", func() {
			_, err := db.GetReimbursement(99)
			Expect(err).To(MatchError(ErrNotFound))
		})

		It("returns empty lists for an empty store", func() {
			receipts, err := db.ListReceipts()
			Expect(err).NotTo(HaveOccurred())
			Expect(receipts).To(BeEmpty())

			reimbursements, err := db.ListReimbursements()
			Expect(err).NotTo(HaveOccurred())
			Expect(reimbursements).To(BeEmpty())
		})

		It("skips unknown IDs when resolving filenames", func() {
			r := testReceipt("a.pdf", "hash-a", "1")
			Expect(db.SaveReceipt(r)).To(Succeed())

			filenames, err := db.ReceiptFilenamesByID([]int64{r.ID, 42})
			Expect(err).NotTo(HaveOccurred())
			Expect(filenames).To(Equal([]string{"a.pdf"}))
		})
	})

	Describe("reimbursements", func() {
		var a, b, c *Receipt

		BeforeEach(func() {
			a = testReceipt("a.pdf", "hash-a", "40")
			b = testReceipt("b.pdf", "hash-b", "35")
			c = testReceipt("c.pdf", "hash-c", "20")
			for _, r := range []*Receipt{a, b, c} {
				Expect(db.SaveReceipt(r)).To(Succeed())
			}
		})

		newReimbursement := func(ts time.Time, ids ...int64) *Reimbursement {
			return &Reimbursement{
				Date:       time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC),
				Amount:     dollars("60"),
				ReceiptIDs: ids,
				Timestamp:  ts,
			}
		}

		Describe("CommitReimbursement", func() {
			It("stores the reimbursement and flags its receipts", func() {
				r := newReimbursement(time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC), a.ID, c.ID)
				Expect(db.CommitReimbursement(r)).To(Succeed())
				Expect(r.ID).To(Equal(int64(1)))

				saved, err := db.GetReimbursement(r.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(saved.ReceiptIDs).To(Equal([]int64{a.ID, c.ID}))
				Expect(saved.Amount.Equal(dollars("60"))).To(BeTrue())
				Expect(saved.Timestamp).To(BeTemporally("==", r.Timestamp))

				unreimbursed, err := db.ListUnreimbursedReceipts()
				Expect(err).NotTo(HaveOccurred())
				Expect(unreimbursed).To(HaveLen(1))
				Expect(unreimbursed[0].ID).To(Equal(b.ID))
			})

			It("is all-or-nothing when a receipt is already reimbursed", func() {
				Expect(db.CommitReimbursement(newReimbursement(time.Now().UTC(), c.ID))).To(Succeed())

				err := db.CommitReimbursement(newReimbursement(time.Now().UTC(), a.ID, c.ID))
				Expect(err).To(MatchError(ErrAlreadyReimbursed))

				saved, getErr := db.GetReceipt(a.ID)
				Expect(getErr).NotTo(HaveOccurred())
				Expect(saved.IsReimbursed).To(BeFalse())

				reimbursements, listErr := db.ListReimbursements()
				Expect(listErr).NotTo(HaveOccurred())
				Expect(reimbursements).To(HaveLen(1))
			})

			It("is all-or-nothing when a receipt is missing", func() {
				err := db.CommitReimbursement(newReimbursement(time.Now().UTC(), a.ID, 99))
				Expect(err).To(MatchError(ErrNotFound))

				saved, getErr := db.GetReceipt(a.ID)
				Expect(getErr).NotTo(HaveOccurred())
				Expect(saved.IsReimbursed).To(BeFalse())
			})
		})

		Describe("ListReimbursements", func() {
			It("orders by timestamp", func() {
				later := newReimbursement(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), a.ID)
				earlier := newReimbursement(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), b.ID)
				Expect(db.CommitReimbursement(later)).To(Succeed())
				Expect(db.CommitReimbursement(earlier)).To(Succeed())

				reimbursements, err := db.ListReimbursements()
				Expect(err).NotTo(HaveOccurred())
				Expect(reimbursements).To(HaveLen(2))
				Expect(reimbursements[0].ID).To(Equal(earlier.ID))
				Expect(reimbursements[1].ID).To(Equal(later.ID))
			})
		})

		Describe("ResetReimbursements", func() {
			var first *Reimbursement

			BeforeEach(func() {
				first = newReimbursement(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), a.ID, c.ID)
				Expect(db.CommitReimbursement(first)).To(Succeed())
			})

			It("hands every reimbursement to the backup before deleting", func() {
				var backedUp []*Reimbursement
				removed, err := db.ResetReimbursements(func(rs []*Reimbursement) error {
					backedUp = rs
					return nil
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(removed).To(Equal(1))
				Expect(backedUp).To(HaveLen(1))
				Expect(backedUp[0].ID).To(Equal(first.ID))

				reimbursements, _ := db.ListReimbursements()
				Expect(reimbursements).To(BeEmpty())
				unreimbursed, _ := db.ListUnreimbursedReceipts()
				Expect(unreimbursed).To(HaveLen(3))
			})

			It("changes nothing when the backup fails", func() {
				setupErr := errors.New("backup failed")
				_, err := db.ResetReimbursements(func([]*Reimbursement) error { return setupErr })
				Expect(err).To(MatchError(setupErr))

				reimbursements, _ := db.ListReimbursements()
				Expect(reimbursements).To(HaveLen(1))
				saved, _ := db.GetReceipt(a.ID)
				Expect(saved.IsReimbursed).To(BeTrue())
			})

			It("never reuses reimbursement IDs", func() {
				_, err := db.ResetReimbursements(nil)
				Expect(err).NotTo(HaveOccurred())

				next := newReimbursement(time.Now().UTC(), b.ID)
				Expect(db.CommitReimbursement(next)).To(Succeed())
				Expect(next.ID).To(Equal(first.ID + 1))
			})
		})

		Describe("RestoreReimbursements", func() {
			var backedUp []*Reimbursement

			BeforeEach(func() {
				Expect(db.CommitReimbursement(newReimbursement(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), a.ID))).To(Succeed())
				Expect(db.CommitReimbursement(newReimbursement(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), c.ID))).To(Succeed())
				_, err := db.ResetReimbursements(func(rs []*Reimbursement) error {
					backedUp = rs
					return nil
				})
				Expect(err).NotTo(HaveOccurred())
			})

			It("re-inserts with original IDs and re-flags receipts", func() {
				Expect(db.RestoreReimbursements(backedUp)).To(Succeed())

				reimbursements, err := db.ListReimbursements()
				Expect(err).NotTo(HaveOccurred())
				Expect(reimbursements).To(HaveLen(2))
				Expect(reimbursements[0].ID).To(Equal(int64(1)))
				Expect(reimbursements[1].ID).To(Equal(int64(2)))

				unreimbursed, _ := db.ListUnreimbursedReceipts()
				Expect(unreimbursed).To(HaveLen(1))
				Expect(unreimbursed[0].ID).To(Equal(b.ID))
			})

			It("keeps new IDs ahead of restored ones", func() {
				Expect(db.RestoreReimbursements(backedUp)).To(Succeed())

				next := newReimbursement(time.Now().UTC(), b.ID)
				Expect(db.CommitReimbursement(next)).To(Succeed())
				Expect(next.ID).To(Equal(int64(3)))
			})

			It("restores nothing when an ID already exists", func() {
				Expect(db.RestoreReimbursements(backedUp[:1])).To(Succeed())

				Expect(db.RestoreReimbursements(backedUp)).To(HaveOccurred())
				reimbursements, _ := db.ListReimbursements()
				Expect(reimbursements).To(HaveLen(1))
				saved, _ := db.GetReceipt(c.ID)
				Expect(saved.IsReimbursed).To(BeFalse())
			})
		})
	})

	Describe("through the service", func() {
		const receiptsDir = "/receipts"

		var (
			dir     *mockDirectory
			service *Service
		)

		BeforeEach(func() {
			dir = newMockDirectory()
			dir.put(receiptsDir, "20240101_40.pdf", []byte("clinic"))
			dir.put(receiptsDir, "20240102_35.pdf", []byte("pharmacy"))

			tokyo := time.FixedZone("JST", 9*60*60)
			timeSrc := &mockTimeSource{now: time.Date(2024, 7, 4, 8, 0, 0, 0, tokyo)}
			service = NewServiceWithDeps(db, dir, newMockStorage(), newMockStorage(), timeSrc)

			_, err := service.Scan(receiptsDir)
			Expect(err).NotTo(HaveOccurred())
			_, _, err = service.RequestReimbursement(dollars("40"), nil)
			Expect(err).NotTo(HaveOccurred())
		})

		It("reports the local calendar day of the commit", func() {
			saved, err := db.GetReimbursement(1)
			Expect(err).NotTo(HaveOccurred())
			Expect(saved.Date).To(BeTemporally("==", time.Date(2024, 7, 4, 0, 0, 0, 0, time.UTC)))

			entries, err := service.Report()
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].Date).To(Equal("2024-07-04"))
		})

		It("keeps the committed total after a reimbursed receipt is renamed", func() {
			dir.remove(receiptsDir, "20240101_40.pdf")
			dir.put(receiptsDir, "20240101_4.pdf", []byte("clinic"))

			report, err := service.Scan(receiptsDir)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Updated).To(Equal(1))

			summary, err := service.Summary()
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.Reimbursed.StringFixed(2)).To(Equal("40.00"))
			Expect(summary.Available.StringFixed(2)).To(Equal("35.00"))

			entries, err := service.Report()
			Expect(err).NotTo(HaveOccurred())
			Expect(entries[0].Amount.StringFixed(2)).To(Equal("40.00"))
		})
	})
}
