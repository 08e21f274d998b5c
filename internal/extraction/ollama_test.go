package extraction

import (
	"context"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("Ollama", func() {
	var (
		server *ghttp.Server
		ollama *Ollama
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		var err error
		ollama, err = NewOllama(server.URL(), "llama3.1")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		server.Close()
	})

	Describe("Generate", func() {
		var (
			output string
			err    error
		)

		JustBeforeEach(func() {
			output, err = ollama.Generate(context.Background(), "extract this")
		})

		When("the server answers", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.CombineHandlers(
					ghttp.VerifyRequest(http.MethodPost, "/api/chat"),
					ghttp.VerifyContentType("application/json"),
					ghttp.VerifyJSONRepresenting(map[string]any{
						"model":  "llama3.1",
						"stream": false,
						"format": "json",
						"options": map[string]any{
							"temperature": 0,
						},
						"messages": []map[string]any{
							{
								"role":    "system",
								"content": "You are an expert at reading invoices and extracting accurate structured data from their text.",
							},
							{
								"role":    "user",
								"content": "extract this",
							},
						},
					}),
					ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{
						"message": map[string]any{"role": "assistant", "content": `{"vendor": {"name": "Acme"}}`},
						"done":    true,
					}),
				))
			})

			It("should return the message content", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(output).To(Equal(`{"vendor": {"name": "Acme"}}`))
			})
		})

		When("the model is not installed", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.RespondWith(http.StatusNotFound, `{"error": "model 'llama3.1' not found"}`))
			})

			It("should return ErrModelUnavailable", func() {
				Expect(err).To(MatchError(ErrModelUnavailable))
			})
		})

		When("the server fails", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.RespondWith(http.StatusInternalServerError, "oops"))
			})

			It("should return ErrGeneration", func() {
				Expect(err).To(MatchError(ErrGeneration))
				Expect(err.Error()).To(ContainSubstring("status 500"))
			})
		})

		When("the response body is not JSON", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.RespondWith(http.StatusOK, "not json"))
			})

			It("should return ErrGeneration", func() {
				Expect(err).To(MatchError(ErrGeneration))
			})
		})
	})

	Describe("NewOllama", func() {
		It("should apply defaults", func() {
			o, err := NewOllama("", "")
			Expect(err).NotTo(HaveOccurred())
			Expect(o.baseURL).To(Equal("http://localhost:11434"))
			Expect(o.model).To(Equal("llama3.1"))
		})
	})
})
