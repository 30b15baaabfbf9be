package export

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/rpattn/tidyexport/internal/domain"
	"github.com/rpattn/tidyexport/internal/pipeline"
)

// maxUploadBytes bounds a single streamed export request body.
const maxUploadBytes = 1 << 30

type Handler struct {
	service *Service
	logger  *log.Logger
}

func NewHTTPHandler(service *Service) http.Handler {
	return &Handler{service: service, logger: service.logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case r.Method == http.MethodGet && strings.HasSuffix(path, "/columns"):
		writeJSON(w, http.StatusOK, map[string]any{"columns": h.service.Columns()})
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/csv"):
		h.handleStream(w, r, FormatCSV)
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/xlsx"):
		h.handleStream(w, r, FormatXLSX)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request, format Format) {
	defer r.Body.Close()
	units, err := unitsParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	out := &trackingWriter{ResponseWriter: w}
	var sink pipeline.Sink
	switch format {
	case FormatXLSX:
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", `attachment; filename="export.xlsx"`)
		sink = NewWorkbookSink(h.service.cache, out, WithWorkbookCommitTimeout(h.service.commitTimeout), WithWorkbookLogger(h.logger))
	default:
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="export.csv"`)
		sink = NewCSVSink(h.service.cache, out)
	}

	body := http.MaxBytesReader(w, r.Body, maxUploadBytes)
	stats, err := h.service.Stream(r.Context(), body, units, sink)
	if err != nil {
		h.logger.Printf("[HTTP] %s export failed after %d records: %v", format, stats.RecordsRead, err)
		if !out.written {
			w.Header().Del("Content-Disposition")
			status := http.StatusInternalServerError
			if errors.Is(err, pipeline.ErrNotArray) || isDecodeError(err) {
				status = http.StatusBadRequest
			}
			http.Error(w, err.Error(), status)
		}
		return
	}
}

func unitsParam(r *http.Request) (domain.Units, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("units"))
	if raw == "" {
		return "", nil
	}
	units, err := domain.ParseUnits(raw)
	if err != nil {
		return "", fmt.Errorf("invalid units: %w", err)
	}
	return units, nil
}

func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &syntaxErr) || errors.As(err, &maxBytesErr)
}

// trackingWriter records whether any of the response body has been sent.
type trackingWriter struct {
	http.ResponseWriter
	written bool
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	if len(p) > 0 {
		t.written = true
	}
	return t.ResponseWriter.Write(p)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
