package api

import (
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/concord/internal/docservice"
	"github.com/starford/concord/internal/models"
)

// SiteHandler serves the web render of each document at the address the
// renderers link to: /animals/dog.html is the page of animals/dog<ext>.
type SiteHandler struct {
	svc *docservice.Service
	ext string
}

// NewSiteHandler creates a handler for documents whose source files end in ext.
func NewSiteHandler(svc *docservice.Service, ext string) *SiteHandler {
	return &SiteHandler{svc: svc, ext: ext}
}

// sourcePath maps a page name back to its document path.
func (h *SiteHandler) sourcePath(page string) (string, error) {
	if page == "" {
		return "", fmt.Errorf("page is required")
	}
	// Reject anything with traversal before cleaning hides it.
	for _, seg := range strings.Split(page, "/") {
		if seg == ".." {
			return "", fmt.Errorf("invalid page: %s", page)
		}
	}
	cleaned := strings.TrimPrefix(path.Clean("/"+page), "/")
	if !strings.HasSuffix(cleaned, ".html") || cleaned == ".html" {
		return "", fmt.Errorf("invalid page: %s", page)
	}
	return strings.TrimSuffix(cleaned, ".html") + h.ext, nil
}

// ServePage handles GET /*. Outdated pages are rebuilt before they are served.
func (h *SiteHandler) ServePage(w http.ResponseWriter, r *http.Request) {
	doc, err := h.sourcePath(chi.URLParam(r, "*"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rec, err := h.svc.Render(r.Context(), doc, models.RenderWeb, true)
	if err != nil {
		writeError(w, "serve page", err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Render-Outdated", strconv.FormatBool(rec.Outdated))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rec.Output)
}
