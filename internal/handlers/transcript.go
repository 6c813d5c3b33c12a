package handlers

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/assist-relay/internal/models"
	"github.com/MegaGrindStone/assist-relay/internal/transcript"
)

// HandleTranscript returns the transcript on GET and deletes it on DELETE. Deleting also stops the
// reply being streamed, if any.
func (m Main) HandleTranscript(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		messages := m.transcript.Messages()
		if messages == nil {
			messages = []models.Message{}
		}
		writeJSON(w, http.StatusOK, messages)
	case http.MethodDelete:
		m.streaming.stop()
		if err := m.transcript.Clear(r.Context()); err != nil {
			m.logger.Error("Failed to clear transcript", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleExport downloads the transcript as a timestamped file. The "format" query parameter selects
// json (default) or html.
func (m Main) HandleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	format, err := transcript.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	name, data, err := m.transcript.Export(m.now(), format)
	if err != nil {
		m.logger.Error("Failed to export transcript", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	contentType := "application/json"
	if format == transcript.FormatHTML {
		contentType = "text/html; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	_, _ = w.Write(data)
}

// HandleRateLimit reports the remaining prompts and the seconds until the window resets.
func (m Main) HandleRateLimit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, m.limiter.Status(m.now()))
}

// HandleModels lists the models a request may select.
func (m Main) HandleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, models.KnownModels)
}
