package httpapi

import (
	"net/http"
)

// handleLifecycleEvent answers install/uninstall deliveries in plain text.
func (a *API) handleLifecycleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	res := a.events.Handle(r.Context(), r)
	switch res.Status {
	case http.StatusOK:
		writeText(w, http.StatusOK, "OK")
	case http.StatusUnauthorized:
		writeText(w, res.Status, "event authentication failed")
	default:
		writeText(w, res.Status, "malformed event")
	}
}

func (a *API) handleBusinessEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	res := a.events.Handle(r.Context(), r)
	if res.Status != http.StatusOK {
		msg := "malformed event"
		if res.Status == http.StatusUnauthorized {
			msg = "event authentication failed"
		}
		writeError(w, r, res.Status, msg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
