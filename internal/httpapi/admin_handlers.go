package httpapi

import (
	"net/http"
	"strings"
	"time"
)

type sessionView struct {
	ID             string    `json:"id"`
	AdminID        string    `json:"admin_id"`
	Fingerprint    string    `json:"fingerprint"`
	IP             string    `json:"ip"`
	UserAgent      string    `json:"user_agent"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

func (a *API) handleSessionsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	c, err := requireContext(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	sessions, err := a.svc.ListSessions(r.Context(), c)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, sessionView{
			ID:             s.ID,
			AdminID:        s.AdminID,
			Fingerprint:    s.Fingerprint,
			IP:             s.IP,
			UserAgent:      s.UserAgent,
			CreatedAt:      s.CreatedAt,
			LastActivityAt: s.LastActivityAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

func (a *API) handleSessionResource(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/admin/sessions/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "resource not found")
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	c, err := requireContext(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if err := a.svc.RevokeSession(r.Context(), c, id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": true})
}
