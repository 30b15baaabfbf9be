package ingestion

import (
	"fmt"
	"net/http"
	"strings"
)

// Handler exposes imports as an HTTP endpoint.
type Handler struct {
	service *Service
}

// NewHTTPHandler wraps the service with a POST endpoint that answers with the
// imported records as a JSON array.
func NewHTTPHandler(service *Service) http.Handler {
	return &Handler{service: service}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, fmt.Sprintf("invalid form data: %v", err), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, fmt.Sprintf("file required: %v", err), http.StatusBadRequest)
		return
	}
	defer file.Close()

	req := Request{
		FileName: header.Filename,
		Type:     strings.TrimSpace(r.FormValue("type")),
		Data:     file,
	}

	records, summary, err := h.service.Import(r.Context(), req)
	if err != nil {
		status := http.StatusBadRequest
		if r.Context().Err() != nil {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Import-Records", fmt.Sprint(summary.Records))
	if err := WriteJSON(w, records); err != nil {
		h.service.logger.Printf("[HTTP] import response failed: %v", err)
	}
}
