package installation

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"b24app.dev/internal/account"
	"b24app.dev/internal/portal"
)

// AUTH_EXPIRES values below this are relative seconds, above it absolute unix time.
const absoluteExpiryThreshold = 1_000_000_000

// FrontendPayload is the placement data the portal hands to the application
// frontend, forwarded to the install endpoint.
type FrontendPayload struct {
	Domain           string
	HTTPS            bool
	Lang             string
	AppSID           string
	AccessToken      string
	RefreshToken     string
	AuthExpires      int64
	MemberID         string
	UserID           int64
	Placement        string
	PlacementOptions map[string]any
}

// ParsePayload validates the flat install map. Values may be JSON scalars or
// form strings; PLACEMENT_OPTIONS may be a JSON string or an object.
func ParsePayload(m map[string]any) (FrontendPayload, error) {
	p := FrontendPayload{
		Domain:       account.NormalizeDomain(str(m["DOMAIN"])),
		HTTPS:        str(m["PROTOCOL"]) == "1",
		Lang:         str(m["LANG"]),
		AppSID:       str(m["APP_SID"]),
		AccessToken:  str(m["AUTH_ID"]),
		RefreshToken: str(m["REFRESH_TOKEN"]),
		MemberID:     str(m["member_id"]),
		Placement:    str(m["PLACEMENT"]),
	}

	var missing []string
	for name, v := range map[string]string{"DOMAIN": p.Domain, "AUTH_ID": p.AccessToken, "member_id": p.MemberID} {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return FrontendPayload{}, fmt.Errorf("%w: missing %s", ErrInvalidPayload, strings.Join(missing, ", "))
	}

	var err error
	if p.AuthExpires, err = integer(m, "AUTH_EXPIRES"); err != nil {
		return FrontendPayload{}, err
	}
	if p.UserID, err = integer(m, "user_id"); err != nil {
		return FrontendPayload{}, err
	}
	if p.PlacementOptions, err = placementOptions(m["PLACEMENT_OPTIONS"]); err != nil {
		return FrontendPayload{}, err
	}
	return p, nil
}

// Auth converts the payload credential for the portal client factory.
func (p FrontendPayload) Auth(now time.Time) portal.AuthData {
	auth := portal.AuthData{
		Domain:       p.Domain,
		Protocol:     "http",
		MemberID:     p.MemberID,
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		UserID:       p.UserID,
	}
	if p.HTTPS {
		auth.Protocol = "https"
	}
	switch {
	case p.AuthExpires >= absoluteExpiryThreshold:
		auth.ExpiresAt = p.AuthExpires
		auth.ExpiresIn = max(p.AuthExpires-now.Unix(), 0)
	case p.AuthExpires > 0:
		auth.ExpiresIn = p.AuthExpires
		auth.ExpiresAt = now.Unix() + p.AuthExpires
	}
	return auth
}

func placementOptions(v any) (map[string]any, error) {
	switch t := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return t, nil
	case string:
		if strings.TrimSpace(t) == "" {
			return map[string]any{}, nil
		}
		var out map[string]any
		if err := json.Unmarshal([]byte(t), &out); err != nil || out == nil {
			return nil, fmt.Errorf("%w: invalid PLACEMENT_OPTIONS", ErrInvalidPayload)
		}
		return out, nil
	case []any:
		if len(t) == 0 {
			return map[string]any{}, nil
		}
	}
	return nil, fmt.Errorf("%w: invalid PLACEMENT_OPTIONS", ErrInvalidPayload)
}

func integer(m map[string]any, key string) (int64, error) {
	s := str(m[key])
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidPayload, key)
	}
	return n, nil
}

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "1"
		}
		return "0"
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}
