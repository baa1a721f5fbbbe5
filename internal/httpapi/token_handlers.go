package httpapi

import (
	"net/http"
	"strings"
	"time"

	"b24app.dev/internal/account"
	"b24app.dev/internal/audit"
	"b24app.dev/internal/obs"
)

type tokenRequest struct {
	Domain   string `json:"DOMAIN"`
	MemberID string `json:"member_id"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (a *API) handleGetToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	domain := account.NormalizeDomain(req.Domain)
	if domain == "" {
		writeError(w, r, http.StatusBadRequest, "DOMAIN is required")
		return
	}
	memberID := strings.TrimSpace(req.MemberID)

	token, expiresAt, err := a.codec.Issue(domain, memberID)
	if err != nil {
		obs.Logger().ErrorContext(r.Context(), "issue session token", obs.Err(err))
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}
	obs.ObserveTokenIssued()
	_ = audit.LogEvent(r.Context(), "session.token.issued", map[string]any{
		"domain":     domain,
		"member_id":  memberID,
		"expires_at": expiresAt.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}
