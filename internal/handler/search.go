package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/dukerupert/imagefy/internal/imagesearch"
)

type SearchHandler struct {
	svc    *imagesearch.Service
	logger *slog.Logger
}

func NewSearchHandler(svc *imagesearch.Service, logger *slog.Logger) *SearchHandler {
	return &SearchHandler{svc: svc, logger: logger}
}

func (h *SearchHandler) SearchImages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	text := strings.TrimSpace(q.Get("query"))
	if text == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))

	body, err := h.svc.Search(r.Context(), imagesearch.Query{Text: text, Page: page, PerPage: perPage})
	switch {
	case errors.Is(err, imagesearch.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, "Image search is not configured")
		return
	case err != nil:
		h.logger.Error("image search", "query", text, "error", err)
		writeError(w, http.StatusBadGateway, "Image search failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
