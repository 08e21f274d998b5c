package pipeline

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/invoice-extractor/internal/blob"
	"github.com/zombor/invoice-extractor/internal/extraction"
	"github.com/zombor/invoice-extractor/internal/invoice"
	"github.com/zombor/invoice-extractor/internal/pdftext"
)

var _ = Describe("Pipeline", func() {
	var (
		ctx    context.Context
		store  *mockStore
		text   *mockTextExtractor
		engine *mockEngine
		cfg    Config
		p      *Pipeline
		draft  *extraction.Draft
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = newMockStore()
		text = &mockTextExtractor{text: "Invoice INV-1 from Acme Corp, total 100.00"}
		draft = &extraction.Draft{Vendor: &extraction.DraftVendor{Name: strPtr("Acme Corp")}}
		engine = &mockEngine{results: []engineResult{{draft: draft}}}
		cfg = Config{MaxUploadBytes: 64}
	})

	JustBeforeEach(func() {
		p = New(store, text, engine, cfg)
	})

	Describe("New", func() {
		BeforeEach(func() {
			cfg = Config{}
		})

		It("should fill in defaults", func() {
			Expect(p.MaxUploadBytes()).To(Equal(DefaultMaxUploadBytes))
			Expect(p.cfg.MinTextLength).To(Equal(pdftext.MinTextLength))
			Expect(p.cfg.Retry.attempts()).To(Equal(1))
		})
	})

	Describe("Ingest", func() {
		var (
			upload Upload
			file   *blob.StoredFile
			err    error
		)

		BeforeEach(func() {
			upload = Upload{
				Filename:    "invoice.pdf",
				ContentType: "application/pdf",
				Size:        9,
				Body:        strings.NewReader("%PDF-1.4\n"),
			}
		})

		JustBeforeEach(func() {
			file, err = p.Ingest(ctx, upload)
		})

		When("the upload is a small PDF", func() {
			It("should store it", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(file.Filename).To(Equal("invoice.pdf"))
				Expect(store.bodies[file.ID]).To(Equal([]byte("%PDF-1.4\n")))
			})
		})

		When("the content type has parameters and odd casing", func() {
			BeforeEach(func() {
				upload.ContentType = "Application/PDF; charset=binary"
			})

			It("should accept it", func() {
				Expect(err).NotTo(HaveOccurred())
			})
		})

		When("the content type is not PDF", func() {
			BeforeEach(func() {
				upload.ContentType = "image/png"
			})

			It("should reject it and store nothing", func() {
				Expect(err).To(MatchError(ErrUnsupportedContentType))
				Expect(Classify(err)).To(Equal(ClassInput))
				Expect(store.files).To(BeEmpty())
			})
		})

		When("the filename is blank", func() {
			BeforeEach(func() {
				upload.Filename = "  "
			})

			It("should reject it", func() {
				Expect(err).To(MatchError(ErrFilenameRequired))
				Expect(store.files).To(BeEmpty())
			})
		})

		When("the declared size is over the limit", func() {
			BeforeEach(func() {
				upload.Size = 65
			})

			It("should reject it before reading", func() {
				Expect(err).To(MatchError(ErrFileTooLarge))
				Expect(store.files).To(BeEmpty())
			})
		})

		When("the body is larger than declared", func() {
			BeforeEach(func() {
				upload.Size = -1
				upload.Body = bytes.NewReader(bytes.Repeat([]byte("a"), 65))
			})

			It("should abort with ErrFileTooLarge and store nothing", func() {
				Expect(err).To(MatchError(ErrFileTooLarge))
				Expect(Classify(err)).To(Equal(ClassInput))
				Expect(store.files).To(BeEmpty())
			})
		})

		When("the body is exactly at the limit", func() {
			BeforeEach(func() {
				upload.Size = -1
				upload.Body = bytes.NewReader(bytes.Repeat([]byte("a"), 64))
			})

			It("should store it", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(file.Size).To(Equal(int64(64)))
			})
		})

		When("the store fails", func() {
			BeforeEach(func() {
				store.putErr = blob.ErrStorageWrite
			})

			It("should report an external error", func() {
				Expect(err).To(MatchError(blob.ErrStorageWrite))
				Expect(Classify(err)).To(Equal(ClassExternal))
			})
		})
	})

	Describe("Extract", func() {
		var (
			fileID string
			model  string
			result *Result
			err    error
		)

		BeforeEach(func() {
			f, putErr := store.Put(ctx, strings.NewReader("%PDF-1.4 body"), "acme.pdf")
			Expect(putErr).NotTo(HaveOccurred())
			fileID = f.ID
			model = "gemini"
		})

		JustBeforeEach(func() {
			result, err = p.Extract(ctx, fileID, model)
		})

		When("everything works", func() {
			It("should return the draft with file details", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(result.FileID).To(Equal(fileID))
				Expect(result.FileName).To(Equal("acme.pdf"))
				Expect(result.Model).To(Equal(extraction.ModelGemini))
				Expect(result.Draft).To(BeIdenticalTo(draft))
			})

			It("should pass the stored bytes to the text extractor", func() {
				Expect(text.input).To(Equal([]byte("%PDF-1.4 body")))
				Expect(engine.texts).To(Equal([]string{text.text}))
			})

			It("should close the reader", func() {
				Expect(store.opened).To(Equal(1))
				Expect(store.closed).To(Equal(1))
			})
		})

		When("the model is unsupported", func() {
			BeforeEach(func() {
				model = "gpt"
			})

			It("should fail before reading the file", func() {
				Expect(err).To(MatchError(extraction.ErrUnsupportedModel))
				Expect(store.opened).To(BeZero())
				Expect(Classify(err)).To(Equal(ClassInput))
			})
		})

		When("the file doesn't exist", func() {
			BeforeEach(func() {
				fileID = "missing"
			})

			It("should return not found", func() {
				Expect(err).To(MatchError(blob.ErrNotFound))
				Expect(Classify(err)).To(Equal(ClassNotFound))
			})
		})

		When("the PDF is unreadable", func() {
			BeforeEach(func() {
				text.err = pdftext.ErrUnreadablePDF
			})

			It("should not call the model and close the reader", func() {
				Expect(err).To(MatchError(pdftext.ErrUnreadablePDF))
				Expect(engine.calls).To(BeZero())
				Expect(store.closed).To(Equal(1))
			})
		})

		When("the text is below the floor", func() {
			BeforeEach(func() {
				text.text = "  short  "
			})

			It("should fail without calling the model", func() {
				Expect(err).To(MatchError(ErrTextTooShort))
				Expect(engine.calls).To(BeZero())
				Expect(Classify(err)).To(Equal(ClassInput))
			})
		})

		When("the floor is configured higher", func() {
			BeforeEach(func() {
				cfg.MinTextLength = 1000
			})

			It("should use it", func() {
				Expect(err).To(MatchError(ErrTextTooShort))
			})
		})

		When("the model returns malformed output with the default policy", func() {
			BeforeEach(func() {
				engine.results = []engineResult{{err: extraction.ErrMalformedModelOutput}, {draft: draft}}
			})

			It("should not retry", func() {
				Expect(err).To(MatchError(extraction.ErrMalformedModelOutput))
				Expect(engine.calls).To(Equal(1))
				Expect(Classify(err)).To(Equal(ClassExternal))
			})
		})

		When("retries are enabled", func() {
			BeforeEach(func() {
				cfg.Retry = RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
			})

			Context("and a transient error clears", func() {
				BeforeEach(func() {
					engine.results = []engineResult{{err: extraction.ErrMalformedModelOutput}, {err: extraction.ErrGeneration}, {draft: draft}}
				})

				It("should succeed on the last attempt", func() {
					Expect(err).NotTo(HaveOccurred())
					Expect(engine.calls).To(Equal(3))
					Expect(result.Draft).To(BeIdenticalTo(draft))
				})
			})

			Context("and the error persists", func() {
				BeforeEach(func() {
					engine.results = []engineResult{{err: extraction.ErrGeneration}}
				})

				It("should stop after MaxAttempts", func() {
					Expect(err).To(MatchError(extraction.ErrGeneration))
					Expect(engine.calls).To(Equal(3))
				})
			})

			Context("and the model is unavailable", func() {
				BeforeEach(func() {
					engine.results = []engineResult{{err: extraction.ErrModelUnavailable}}
				})

				It("should not retry", func() {
					Expect(err).To(MatchError(extraction.ErrModelUnavailable))
					Expect(engine.calls).To(Equal(1))
				})
			})
		})
	})

	Describe("ExtractText", func() {
		It("should run the model without the floor", func() {
			got, err := p.ExtractText(ctx, "tiny", "ollama")
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(BeIdenticalTo(draft))
			Expect(engine.texts).To(Equal([]string{"tiny"}))
		})

		It("should require text", func() {
			_, err := p.ExtractText(ctx, " \n", "ollama")
			Expect(err).To(MatchError(ErrTextRequired))
			Expect(engine.calls).To(BeZero())
		})

		It("should reject unsupported models", func() {
			_, err := p.ExtractText(ctx, "text", "")
			Expect(err).To(MatchError(extraction.ErrUnsupportedModel))
		})
	})
})

var _ = Describe("Classify", func() {
	DescribeTable("maps errors to classes",
		func(err error, class Class) {
			Expect(Classify(err)).To(Equal(class))
		},
		Entry("nil", nil, Class("")),
		Entry("validation", invoice.ErrValidation, ClassInput),
		Entry("invoice not found", invoice.ErrNotFound, ClassNotFound),
		Entry("oversize wrapped by the store", errors.Join(blob.ErrStorageWrite, ErrFileTooLarge), ClassInput),
		Entry("storage write", blob.ErrStorageWrite, ClassExternal),
		Entry("unavailable model", extraction.ErrModelUnavailable, ClassExternal),
		Entry("bad request", ErrInvalidRequest, ClassInput),
		Entry("anything else", errors.New("boom"), ClassInternal),
	)
})
