package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/assist-relay/internal/models"
)

// HandleLogin exchanges the "token" form field for the owner's profile and stores the session.
func (m Main) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := r.FormValue("token")
	profile, err := m.auth.Profile(r.Context(), token)
	if err != nil {
		m.logger.Error("Login failed", slog.String(errLoggerKey, err.Error()))
		status := http.StatusUnauthorized
		var ve *models.ValidationError
		if errors.As(err, &ve) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	if err := m.sessions.SaveSession(r.Context(), models.Session{Token: token, Profile: profile}); err != nil {
		m.logger.Error("Failed to save session", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

// HandleLogout forgets the stored session.
func (m Main) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := m.sessions.ClearSession(r.Context()); err != nil {
		m.logger.Error("Failed to clear session", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleProfile returns the signed-in profile, or 404 for a guest.
func (m Main) HandleProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	session, found, err := m.sessions.Session(r.Context())
	if err != nil {
		m.logger.Error("Failed to read session", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "Not signed in", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, session.Profile)
}
