package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/zombor/invoice-extractor/internal/blob"
	"github.com/zombor/invoice-extractor/internal/extraction"
	"github.com/zombor/invoice-extractor/internal/invoice"
	"github.com/zombor/invoice-extractor/internal/pipeline"
)

const (
	maxJSONBody = 1 << 20
	// room for multipart boundaries and headers on top of the file itself
	multipartOverhead = 1 << 20
)

// uploadFields are the accepted multipart field names, in order of preference
var uploadFields = []string{"pdf", "file"}

// handleHealth reports liveness and the configured models
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	models := s.models
	if models == nil {
		models = []extraction.Model{}
	}
	writeData(w, http.StatusOK, map[string]any{
		"status": "ok",
		"models": models,
	})
}

// handleUploadFile streams a multipart upload into the blob store
func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.pipeline.MaxUploadBytes()+multipartOverhead)

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: expected a multipart form: %w", pipeline.ErrInvalidRequest, err))
		return
	}

	part, err := findUploadPart(mr)
	if err != nil {
		writeUploadError(w, r, err)
		return
	}
	defer part.Close()

	file, err := s.pipeline.Ingest(r.Context(), pipeline.Upload{
		Filename:    filepath.Base(part.FileName()),
		ContentType: part.Header.Get("Content-Type"),
		Size:        -1, // multipart parts carry no length
		Body:        part,
	})
	if err != nil {
		writeUploadError(w, r, err)
		return
	}

	writeData(w, http.StatusCreated, map[string]any{
		"fileId":   file.ID,
		"fileName": file.Filename,
		"size":     file.Size,
	})
}

// findUploadPart returns the first part named like an upload field
func findUploadPart(mr *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, fmt.Errorf("%w: no PDF file provided", pipeline.ErrInvalidRequest)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: reading multipart form: %w", pipeline.ErrInvalidRequest, err)
		}
		for _, field := range uploadFields {
			if part.FormName() == field && part.FileName() != "" {
				return part, nil
			}
		}
		part.Close()
	}
}

// writeUploadError reports a failed upload. An oversized body is left partly
// unread, so the connection is closed after the reply.
func writeUploadError(w http.ResponseWriter, r *http.Request, err error) {
	err = uploadError(err)
	if errors.Is(err, pipeline.ErrFileTooLarge) {
		w.Header().Set("Connection", "close")
	}
	writeError(w, r, err)
}

// uploadError turns the request body limit into the pipeline's size error
func uploadError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) && !errors.Is(err, pipeline.ErrFileTooLarge) {
		return fmt.Errorf("%w: request body exceeds %d bytes", pipeline.ErrFileTooLarge, maxErr.Limit)
	}
	return err
}

// pathID returns the {id} path value, rejecting anything not shaped like an id
func pathID(r *http.Request, valid func(string) bool) (string, error) {
	id := r.PathValue("id")
	if !valid(id) {
		return "", fmt.Errorf("%w: invalid id %q", pipeline.ErrInvalidRequest, id)
	}
	return id, nil
}

// handleGetFile streams a stored PDF for inline viewing
func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, blob.ValidID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	rc, file, err := s.files.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", blob.ContentTypePDF)
	w.Header().Set("Content-Length", strconv.FormatInt(file.Size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": file.Filename}))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		slog.Error("Error streaming file", "file_id", file.ID, "error", err)
	}
}

// handleDeleteFile removes a stored PDF. Invoices that reference it are left alone.
func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, blob.ValidID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	deleted, err := s.files.Delete(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !deleted {
		writeError(w, r, blob.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "File deleted"})
}

type extractRequest struct {
	FileID string `json:"fileId"`
	Model  string `json:"model"`
}

type extractResponse struct {
	FileID   string                   `json:"fileId"`
	FileName string                   `json:"fileName"`
	Model    extraction.Model         `json:"model"`
	Vendor   *extraction.DraftVendor  `json:"vendor"`
	Invoice  *extraction.DraftDetails `json:"invoice"`
}

// handleExtract runs extract-and-review on a stored file
func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	var req extractRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.FileID) == "" {
		writeError(w, r, fmt.Errorf("%w: fileId is required", pipeline.ErrInvalidRequest))
		return
	}
	if !blob.ValidID(req.FileID) {
		writeError(w, r, fmt.Errorf("%w: invalid fileId %q", pipeline.ErrInvalidRequest, req.FileID))
		return
	}

	result, err := s.pipeline.Extract(r.Context(), req.FileID, req.Model)
	s.observeExtraction(req.Model, err)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeData(w, http.StatusOK, extractResponse{
		FileID:   result.FileID,
		FileName: result.FileName,
		Model:    result.Model,
		Vendor:   result.Draft.Vendor,
		Invoice:  result.Draft.Invoice,
	})
}

type extractTextRequest struct {
	Text  string `json:"text"`
	Model string `json:"model"`
}

// handleExtractText runs the model on raw text
func (s *Server) handleExtractText(w http.ResponseWriter, r *http.Request) {
	var req extractTextRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	draft, err := s.pipeline.ExtractText(r.Context(), req.Text, req.Model)
	s.observeExtraction(req.Model, err)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeData(w, http.StatusOK, draft)
}

func (s *Server) observeExtraction(model string, err error) {
	if _, parseErr := extraction.ParseModel(model); parseErr != nil {
		model = "unsupported"
	}
	outcome := "success"
	if err != nil {
		outcome = string(pipeline.Classify(err))
	}
	s.metrics.ObserveExtraction(model, outcome)
}

// handleListInvoices returns invoices, optionally filtered by ?q=
func (s *Server) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	invoices, err := s.invoices.List(r.Context(), q)
	if err != nil {
		writeError(w, r, err)
		return
	}

	count := len(invoices)
	body := envelope{Success: true, Data: invoices, Count: &count}
	if q != "" {
		body.Query = &q
	}
	writeJSON(w, http.StatusOK, body)
}

// handleGetInvoice returns a single invoice
func (s *Server) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, invoice.ValidID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	inv, err := s.invoices.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, inv)
}

// handleCreateInvoice persists a reviewed invoice
func (s *Server) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	var in invoice.NewInvoice
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(in.FileID) == "" || strings.TrimSpace(in.FileName) == "" {
		writeError(w, r, fmt.Errorf("%w: fileId and fileName are required", invoice.ErrValidation))
		return
	}

	id, err := s.invoices.Create(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}

	inv, err := s.invoices.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, fmt.Errorf("reading created invoice: %w", err))
		return
	}

	slog.Info("Created invoice", "id", id, "file_id", in.FileID, "vendor", in.Vendor.Name)
	writeJSON(w, http.StatusCreated, envelope{Success: true, Data: inv, Message: "Invoice saved"})
}

// handleUpdateInvoice replaces the vendor and/or invoice sub-objects
func (s *Server) handleUpdateInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, invoice.ValidID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var patch invoice.Patch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, r, err)
		return
	}

	updated, err := s.invoices.Update(r.Context(), id, patch)
	if err != nil {
		writeError(w, r, err)
		return
	}

	inv, err := s.invoices.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	message := "Invoice updated"
	if !updated {
		message = "No changes"
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: inv, Message: message})
}

// handleDeleteInvoice deletes an invoice
func (s *Server) handleDeleteInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, invoice.ValidID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	deleted, err := s.invoices.Delete(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !deleted {
		writeError(w, r, invoice.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "Invoice deleted"})
}

// decodeJSON reads a bounded JSON body into v
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(v); err != nil {
		return fmt.Errorf("%w: decoding body: %w", pipeline.ErrInvalidRequest, err)
	}
	return nil
}
