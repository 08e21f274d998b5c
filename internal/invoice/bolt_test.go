package invoice

import (
	"context"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
	"go.etcd.io/bbolt"

	"github.com/zombor/invoice-extractor/internal/database"
)

var _ = Describe("BoltRepository", func() {
	var (
		ctx   context.Context
		db    *bbolt.DB
		clock *mockTimeSource
		repo  *BoltRepository
		acme  NewInvoice
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		db, err = database.OpenBolt(filepath.Join(GinkgoT().TempDir(), "test.db"), Bucket)
		Expect(err).NotTo(HaveOccurred())

		clock = &mockTimeSource{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
		repo = NewBoltRepositoryWithDeps(db, &mockIDGenerator{}, clock)

		acme = NewInvoice{
			FileID:   "file-1",
			FileName: "acme.pdf",
			Vendor:   Vendor{Name: "Acme Corp", Address: strPtr("1 Main St")},
			Invoice: Details{
				Number: "INV-001",
				Date:   "2024-02-28",
				LineItems: []LineItem{
					{
						Description: "Widget",
						UnitPrice:   decimal.RequireFromString("50"),
						Quantity:    decimal.RequireFromString("2"),
						Total:       decimal.RequireFromString("100"),
					},
				},
			},
		}
	})

	AfterEach(func() {
		if db != nil {
			db.Close()
		}
	})

	Describe("Create", func() {
		var (
			in  NewInvoice
			id  string
			err error
		)

		BeforeEach(func() {
			in = acme
		})

		JustBeforeEach(func() {
			id, err = repo.Create(ctx, in)
		})

		When("the invoice is valid", func() {
			It("should return a new id", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(id).To(Equal("00000000-0000-4000-8000-000000000001"))
			})

			It("should store the record with a server-side createdAt", func() {
				inv, getErr := repo.Get(ctx, id)
				Expect(getErr).NotTo(HaveOccurred())
				Expect(inv.FileID).To(Equal("file-1"))
				Expect(inv.FileName).To(Equal("acme.pdf"))
				Expect(inv.Vendor.Name).To(Equal("Acme Corp"))
				Expect(*inv.Vendor.Address).To(Equal("1 Main St"))
				Expect(inv.CreatedAt).To(BeTemporally("==", clock.now))
				Expect(inv.UpdatedAt).To(BeNil())
			})

			It("should store line items as given", func() {
				inv, getErr := repo.Get(ctx, id)
				Expect(getErr).NotTo(HaveOccurred())
				Expect(inv.Invoice.LineItems).To(HaveLen(1))
				Expect(inv.Invoice.LineItems[0].Total.Equal(decimal.RequireFromString("100"))).To(BeTrue())
			})
		})

		When("line items are missing", func() {
			BeforeEach(func() {
				in.Invoice.LineItems = nil
			})

			It("should store an empty list", func() {
				Expect(err).NotTo(HaveOccurred())
				inv, getErr := repo.Get(ctx, id)
				Expect(getErr).NotTo(HaveOccurred())
				Expect(inv.Invoice.LineItems).NotTo(BeNil())
				Expect(inv.Invoice.LineItems).To(BeEmpty())
			})
		})

		When("the vendor name is blank", func() {
			BeforeEach(func() {
				in.Vendor.Name = "   "
			})

			It("should return ErrValidation and store nothing", func() {
				Expect(err).To(MatchError(ErrValidation))
				all, listErr := repo.List(ctx, "")
				Expect(listErr).NotTo(HaveOccurred())
				Expect(all).To(BeEmpty())
			})
		})

		When("the invoice number is missing", func() {
			BeforeEach(func() {
				in.Invoice.Number = ""
			})

			It("should return ErrValidation", func() {
				Expect(err).To(MatchError(ErrValidation))
				Expect(err.Error()).To(ContainSubstring("invoice number"))
			})
		})
	})

	Describe("Get", func() {
		It("should return ErrNotFound for an unknown id", func() {
			_, err := repo.Get(ctx, "00000000-0000-4000-8000-000000000099")
			Expect(err).To(MatchError(ErrNotFound))
		})

		It("should return ErrNotFound for a malformed id", func() {
			_, err := repo.Get(ctx, "not-an-id")
			Expect(err).To(MatchError(ErrNotFound))
		})
	})

	Describe("List", func() {
		var ids []string

		BeforeEach(func() {
			ids = nil
			for _, in := range []NewInvoice{
				{Vendor: Vendor{Name: "Acme Corp"}, Invoice: Details{Number: "INV-001"}},
				{Vendor: Vendor{Name: "Globex"}, Invoice: Details{Number: "ACME-7"}},
				{Vendor: Vendor{Name: "Initech"}, Invoice: Details{Number: "42"}},
			} {
				clock.Advance(time.Minute)
				id, err := repo.Create(ctx, in)
				Expect(err).NotTo(HaveOccurred())
				ids = append(ids, id)
			}
		})

		It("should return everything newest first without a term", func() {
			all, err := repo.List(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(all).To(HaveLen(3))
			Expect(all[0].ID).To(Equal(ids[2]))
			Expect(all[2].ID).To(Equal(ids[0]))
		})

		It("should match vendor name or invoice number ignoring case", func() {
			found, err := repo.List(ctx, "acme")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(HaveLen(2))
			Expect(found[0].Vendor.Name).To(Equal("Globex"))
			Expect(found[1].Vendor.Name).To(Equal("Acme Corp"))
		})

		It("should return an empty list when nothing matches", func() {
			found, err := repo.List(ctx, "umbrella")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).NotTo(BeNil())
			Expect(found).To(BeEmpty())
		})

		It("should order records created at the same instant by id", func() {
			id, err := repo.Create(ctx, NewInvoice{Vendor: Vendor{Name: "Same Time"}, Invoice: Details{Number: "1"}})
			Expect(err).NotTo(HaveOccurred())
			all, err := repo.List(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(all[0].ID).To(Equal(id))
			Expect(all[1].ID).To(Equal(ids[2]))
		})
	})

	Describe("Update", func() {
		var (
			id      string
			patch   Patch
			updated bool
			err     error
		)

		BeforeEach(func() {
			var createErr error
			id, createErr = repo.Create(ctx, acme)
			Expect(createErr).NotTo(HaveOccurred())
			clock.Advance(time.Hour)
			patch = Patch{}
		})

		JustBeforeEach(func() {
			updated, err = repo.Update(ctx, id, patch)
		})

		When("the invoice sub-object is replaced", func() {
			BeforeEach(func() {
				patch.Invoice = &Details{Number: "INV-2", Date: "2024-01-01", LineItems: []LineItem{}}
			})

			It("should replace the whole sub-object and set updatedAt", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(updated).To(BeTrue())

				inv, getErr := repo.Get(ctx, id)
				Expect(getErr).NotTo(HaveOccurred())
				Expect(inv.Invoice.Number).To(Equal("INV-2"))
				Expect(inv.Invoice.LineItems).To(BeEmpty())
				Expect(inv.Vendor.Name).To(Equal("Acme Corp"))
				Expect(inv.UpdatedAt).NotTo(BeNil())
				Expect(*inv.UpdatedAt).To(BeTemporally("==", clock.now))
			})
		})

		When("a partial vendor is sent", func() {
			BeforeEach(func() {
				patch.Vendor = &Vendor{Name: "Acme Inc"}
			})

			It("should drop fields the patch left out", func() {
				Expect(updated).To(BeTrue())
				inv, getErr := repo.Get(ctx, id)
				Expect(getErr).NotTo(HaveOccurred())
				Expect(inv.Vendor.Name).To(Equal("Acme Inc"))
				Expect(inv.Vendor.Address).To(BeNil())
			})
		})

		When("nothing changes", func() {
			BeforeEach(func() {
				v := acme.Vendor
				patch.Vendor = &v
			})

			It("should return false and leave updatedAt unset", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(updated).To(BeFalse())
				inv, getErr := repo.Get(ctx, id)
				Expect(getErr).NotTo(HaveOccurred())
				Expect(inv.UpdatedAt).To(BeNil())
			})
		})

		When("the patch is empty", func() {
			It("should return false", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(updated).To(BeFalse())
			})
		})

		When("the id doesn't exist", func() {
			BeforeEach(func() {
				id = "00000000-0000-4000-8000-000000000099"
				patch.Vendor = &Vendor{Name: "Nobody"}
			})

			It("should return false, not an error", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(updated).To(BeFalse())
			})
		})

		When("the patch blanks a required field", func() {
			BeforeEach(func() {
				patch.Vendor = &Vendor{Name: ""}
			})

			It("should return ErrValidation", func() {
				Expect(err).To(MatchError(ErrValidation))
				Expect(updated).To(BeFalse())
			})

			When("the id doesn't exist either", func() {
				BeforeEach(func() {
					id = "00000000-0000-4000-8000-000000000099"
				})

				It("should return false, not a validation error", func() {
					Expect(err).NotTo(HaveOccurred())
					Expect(updated).To(BeFalse())
				})
			})
		})
	})

	Describe("Delete", func() {
		It("should report whether a record was removed", func() {
			id, err := repo.Create(ctx, acme)
			Expect(err).NotTo(HaveOccurred())

			deleted, err := repo.Delete(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(deleted).To(BeTrue())

			_, err = repo.Get(ctx, id)
			Expect(err).To(MatchError(ErrNotFound))

			deleted, err = repo.Delete(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(deleted).To(BeFalse())
		})

		It("should return false for a malformed id", func() {
			deleted, err := repo.Delete(ctx, "../etc")
			Expect(err).NotTo(HaveOccurred())
			Expect(deleted).To(BeFalse())
		})
	})
})
