package httpapi

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strings"

	"b24app.dev/internal/account"
	"b24app.dev/internal/installation"
	"b24app.dev/internal/obs"
	"b24app.dev/internal/portal"
)

const placementOptionsKey = "PLACEMENT_OPTIONS"

func (a *API) handleInstall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost, http.MethodOptions)
		return
	}

	fields, err := readFlatPayload(r)
	if err != nil {
		writeText(w, http.StatusBadRequest, "invalid install payload: "+err.Error())
		return
	}
	p, err := installation.ParsePayload(fields)
	if err != nil {
		writeText(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := obs.With(r.Context(), "member_id", p.MemberID, "domain", p.Domain)

	if _, err := a.installer.BeginInstall(ctx, p); err != nil {
		switch {
		case errors.Is(err, installation.ErrInvalidPayload):
			writeText(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, installation.ErrAlreadyInstalled), errors.Is(err, account.ErrConflict):
			writeText(w, http.StatusConflict, "application is already installed for this portal")
		case errors.Is(err, portal.ErrRemote):
			writeText(w, http.StatusInternalServerError, "portal request failed")
		default:
			writeText(w, http.StatusInternalServerError, "installation failed")
		}
		return
	}
	writeText(w, http.StatusOK, "OK")
}

// readFlatPayload accepts a JSON object or a form. Form keys in bracket
// notation under PLACEMENT_OPTIONS are folded into a nested map.
func readFlatPayload(r *http.Request) (map[string]any, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		var out map[string]any
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		if err := dec.Decode(&out); err != nil {
			return nil, err
		}
		if out == nil {
			return nil, errors.New("expected a JSON object")
		}
		return out, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(r.Form))
	options := map[string]any{}
	for key, vals := range r.Form {
		if len(vals) == 0 {
			continue
		}
		v := vals[len(vals)-1]
		if name, ok := strings.CutPrefix(key, placementOptionsKey+"["); ok && strings.HasSuffix(name, "]") {
			options[strings.TrimSuffix(name, "]")] = v
			continue
		}
		out[key] = v
	}
	if len(options) > 0 {
		out[placementOptionsKey] = options
	}
	return out, nil
}
