// Package webhook receives portal event deliveries, authenticates them
// against the stored tenant and dispatches them by event code.
package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"b24app.dev/internal/account"
	"b24app.dev/internal/portal"
)

// MaxBodyBytes caps the event body read by ParseEvent.
const MaxBodyBytes = 1 << 20

// Event is one inbound delivery. Payload is the data block of the event.
type Event struct {
	Code      string
	HandlerID string
	Auth      portal.AuthData
	Payload   map[string]any
	Timestamp time.Time
}

// CanAccept is the structural check: an event code and the tenant identity
// (auth[domain], auth[member_id]) must be present.
func CanAccept(r *http.Request) bool {
	_, err := ParseEvent(r)
	return err == nil
}

// ParseEvent decodes a form-encoded (bracket notation) or JSON delivery.
// The body stays readable for later handlers.
func ParseEvent(r *http.Request) (Event, error) {
	fields, err := decode(r)
	if err != nil {
		return Event{}, err
	}

	ev := Event{
		Code:      strings.ToUpper(text(fields["event"])),
		HandlerID: text(fields["event_handler_id"]),
		Payload:   object(fields["data"]),
	}
	a := object(fields["auth"])
	ev.Auth = portal.AuthData{
		Domain:           account.NormalizeDomain(text(a["domain"])),
		Protocol:         "https",
		MemberID:         text(a["member_id"]),
		AccessToken:      text(a["access_token"]),
		RefreshToken:     text(a["refresh_token"]),
		ApplicationToken: text(a["application_token"]),
		ClientEndpoint:   text(a["client_endpoint"]),
		Status:           text(a["status"]),
		ExpiresAt:        number(a["expires"]),
		ExpiresIn:        number(a["expires_in"]),
		UserID:           number(a["user_id"]),
	}
	if scope := text(a["scope"]); scope != "" {
		ev.Auth.Scope = strings.Split(scope, ",")
	}
	if strings.HasPrefix(ev.Auth.ClientEndpoint, "http://") {
		ev.Auth.Protocol = "http"
	}
	if ts := number(fields["ts"]); ts > 0 {
		ev.Timestamp = time.Unix(ts, 0).UTC()
	}

	var missing []string
	if ev.Code == "" {
		missing = append(missing, "event")
	}
	if ev.Auth.Domain == "" {
		missing = append(missing, "auth[domain]")
	}
	if ev.Auth.MemberID == "" {
		missing = append(missing, "auth[member_id]")
	}
	if len(missing) > 0 {
		return Event{}, fmt.Errorf("%w: missing %s", ErrMalformedEvent, strings.Join(missing, ", "))
	}
	return ev, nil
}

func decode(r *http.Request) (map[string]any, error) {
	if r.Body == nil {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedEvent)
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrMalformedEvent, err)
	}
	if len(raw) > MaxBodyBytes {
		return nil, fmt.Errorf("%w: body too large", ErrMalformedEvent)
	}
	r.Body = io.NopCloser(bytes.NewReader(raw))

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var out map[string]any
		if err := dec.Decode(&out); err != nil || out == nil {
			return nil, fmt.Errorf("%w: invalid json", ErrMalformedEvent)
		}
		return out, nil
	}

	values, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid form: %v", ErrMalformedEvent, err)
	}
	return expand(values), nil
}

// expand turns bracket keys like data[FIELDS][ID] into nested maps.
func expand(values url.Values) map[string]any {
	out := map[string]any{}
	for key, vals := range values {
		if len(vals) == 0 {
			continue
		}
		path := splitKey(key)
		node := out
		for _, part := range path[:len(path)-1] {
			child, ok := node[part].(map[string]any)
			if !ok {
				child = map[string]any{}
				node[part] = child
			}
			node = child
		}
		leaf := path[len(path)-1]
		if _, nested := node[leaf].(map[string]any); !nested {
			node[leaf] = vals[len(vals)-1]
		}
	}
	return out
}

func splitKey(key string) []string {
	i := strings.IndexByte(key, '[')
	if i <= 0 || !strings.HasSuffix(key, "]") {
		return []string{key}
	}
	return append([]string{key[:i]}, strings.Split(key[i+1:len(key)-1], "][")...)
}

func object(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func number(v any) int64 {
	n, err := strconv.ParseInt(text(v), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

var (
	ErrMalformedEvent = errors.New("webhook: malformed event")
	// ErrAuthentication is returned when the delivery does not prove it comes from the tenant portal.
	ErrAuthentication = errors.New("webhook: event authentication failed")
	ErrUnknownTenant  = errors.New("webhook: unknown tenant")
)
