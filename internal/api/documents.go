package api

import (
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/rohit280101/AI-IDP/internal/extract"
	"github.com/rohit280101/AI-IDP/internal/ingest"
	"github.com/rohit280101/AI-IDP/internal/pipeline"
	"github.com/rohit280101/AI-IDP/internal/storage"
)

// OwnerHeader optionally names the owner of an uploaded document.
const OwnerHeader = "X-Owner-Id"

const defaultOwner = "default"

// multipart framing on top of the file itself
const multipartOverhead = 1 << 20

// DocumentView is the JSON form of a document. Texts are only filled in by
// the single-document endpoint.
type DocumentView struct {
	ID              string                  `json:"id"`
	OwnerID         string                  `json:"owner_id"`
	Filename        string                  `json:"filename"`
	ContentType     string                  `json:"content_type"`
	SizeBytes       int64                   `json:"size_bytes"`
	Status          string                  `json:"status"`
	EmbeddingStatus string                  `json:"embedding_status"`
	Classification  *storage.Classification `json:"classification"`
	RawText         *string                 `json:"raw_text,omitempty"`
	CleanedText     *string                 `json:"cleaned_text,omitempty"`
	CreatedAt       time.Time               `json:"created_at"`
	UpdatedAt       time.Time               `json:"updated_at"`
}

func toView(d storage.Document, withText bool) DocumentView {
	v := DocumentView{
		ID:              d.ID,
		OwnerID:         d.OwnerID,
		Filename:        d.Filename,
		ContentType:     d.ContentType,
		SizeBytes:       d.SizeBytes,
		Status:          d.Status,
		EmbeddingStatus: d.EmbeddingStatus,
		Classification:  d.Classification,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
	if withText {
		v.RawText = d.RawText
		v.CleanedText = d.CleanedText
	}
	return v
}

// UploadResponse is returned with 202 Accepted once a document is queued.
type UploadResponse struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Status   string `json:"status"`
	TraceID  string `json:"trace_id"`
}

func handleUpload(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, deps.MaxUploadBytes+multipartOverhead)
		defer r.Body.Close()

		if err := r.ParseMultipartForm(32 << 20); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error",
					"file exceeds the %d byte limit", deps.MaxUploadBytes)
				return
			}
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart body: %v", err)
			return
		}
		if r.MultipartForm != nil {
			defer r.MultipartForm.RemoveAll()
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "form field \"file\" is required")
			return
		}
		defer file.Close()

		if header.Size > deps.MaxUploadBytes {
			httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error",
				"file exceeds the %d byte limit", deps.MaxUploadBytes)
			return
		}

		data, err := io.ReadAll(io.LimitReader(file, deps.MaxUploadBytes+1))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading file: %v", err)
			return
		}
		if int64(len(data)) > deps.MaxUploadBytes {
			httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error",
				"file exceeds the %d byte limit", deps.MaxUploadBytes)
			return
		}
		if len(data) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "file is empty")
			return
		}

		filename := filepath.Base(header.Filename)
		contentType := resolveContentType(header.Header.Get("Content-Type"), filename, data)
		if !extract.Supported(contentType) {
			httpError(w, http.StatusBadRequest, "invalid_request_error",
				"unsupported content type %q; allowed: pdf, png, jpeg, text, html, markdown", contentType)
			return
		}

		ref, err := deps.Blobs.Put(r.Context(), filename, data)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to store file: %v", err)
			return
		}

		owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
		if owner == "" {
			owner = defaultOwner
		}
		doc := storage.Document{
			ID:          uuid.New().String(),
			OwnerID:     owner,
			Filename:    filename,
			ContentType: contentType,
			StorageRef:  ref,
			SizeBytes:   int64(len(data)),
		}
		if err := deps.Store.SaveDocument(doc); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save document: %v", err)
			return
		}

		traceID := pipeline.TraceID(r.Context())
		if _, err := ingest.Enqueue(deps.Store, doc.ID, traceID); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "saved document but failed to queue processing: %v", err)
			return
		}
		slog.Info("document uploaded", "trace_id", traceID, "document_id", doc.ID,
			"filename", filename, "content_type", contentType, "size_bytes", doc.SizeBytes)

		writeJSON(w, http.StatusAccepted, UploadResponse{
			ID:       doc.ID,
			Filename: filename,
			Status:   storage.StatusUploaded,
			TraceID:  traceID,
		})
	}
}

var extensionTypes = map[string]string{
	".pdf":      extract.TypePDF,
	".png":      extract.TypePNG,
	".jpg":      extract.TypeJPEG,
	".jpeg":     extract.TypeJPEG,
	".txt":      extract.TypeText,
	".html":     extract.TypeHTML,
	".htm":      extract.TypeHTML,
	".md":       extract.TypeMarkdown,
	".markdown": extract.TypeMarkdown,
}

// resolveContentType trusts a specific declared type, then the file
// extension, then content sniffing. The result is a bare media type.
func resolveContentType(declared, filename string, data []byte) string {
	if mt, _, err := mime.ParseMediaType(declared); err == nil && mt != "application/octet-stream" {
		return mt
	}
	if ct, ok := extensionTypes[strings.ToLower(filepath.Ext(filename))]; ok {
		return ct
	}
	mt, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	return mt
}

func handleListDocuments(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)
		owner := r.URL.Query().Get("owner")

		docs, err := deps.Store.ListDocuments(owner, limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list documents: %v", err)
			return
		}

		views := make([]DocumentView, len(docs))
		for i, d := range docs {
			views[i] = toView(d, false)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleGetDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		doc, err := deps.Store.GetDocument(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get document: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, toView(doc, true))
	}
}

func handleReprocess(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		doc, err := deps.Store.GetDocument(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get document: %v", err)
			return
		}

		added, err := ingest.Enqueue(deps.Store, id, pipeline.TraceID(r.Context()))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to queue processing: %v", err)
			return
		}
		if !added {
			httpError(w, http.StatusConflict, "conflict", "document %s is already queued or processing", id)
			return
		}

		slog.Info("document requeued", "document_id", id, "previous_status", doc.Status)
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "queued"})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
