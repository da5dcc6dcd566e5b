package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/rohit280101/AI-IDP/internal/retrieval"
	"github.com/rohit280101/AI-IDP/internal/search"
	"github.com/rohit280101/AI-IDP/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

type SearchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type SearchResponse struct {
	Query   string          `json:"query"`
	Results []search.Result `json:"results"`
}

func handleSearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req SearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		results, err := deps.Search.Search(r.Context(), req.Query, req.Limit)
		if errors.Is(err, search.ErrEmptyQuery) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "search failed: %v", err)
			return
		}
		if results == nil {
			results = []search.Result{}
		}

		writeJSON(w, http.StatusOK, SearchResponse{Query: req.Query, Results: results})
	}
}

type ReindexResponse struct {
	Indexed int `json:"indexed"`
}

// handleReindex rebuilds the vector index from every completed document with
// text and marks those documents as embedded.
func handleReindex(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docs, err := deps.Store.ListIndexableDocuments()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list documents: %v", err)
			return
		}

		sources := make([]retrieval.Source, len(docs))
		for i, d := range docs {
			sources[i] = retrieval.Source{DocumentID: d.ID, Text: d.Text()}
		}

		n, err := deps.Reindexer.Reindex(r.Context(), sources)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "reindex failed: %v", err)
			return
		}

		for _, d := range docs {
			if d.EmbeddingStatus == storage.StatusCompleted {
				continue
			}
			d.EmbeddingStatus = storage.StatusCompleted
			if err := deps.Store.UpdateDocument(d); err != nil {
				slog.Warn("updating embedding status after reindex", "document_id", d.ID, "error", err)
			}
		}
		slog.Info("vector index rebuilt", "documents", n)

		writeJSON(w, http.StatusOK, ReindexResponse{Indexed: n})
	}
}
