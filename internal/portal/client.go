package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/samber/oops"
)

const maxResponseBytes = 4 << 20

// Error is a failure reported by the portal REST API.
type Error struct {
	Method      string
	Status      int
	Code        string
	Description string
}

func (e *Error) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("portal %s: %s (%s)", e.Method, e.Code, e.Description)
	}
	return fmt.Sprintf("portal %s: %s (http %d)", e.Method, e.Code, e.Status)
}

func (e *Error) Is(target error) bool { return target == ErrRemote }

// Client calls the REST API of one portal.
type Client struct {
	http     *http.Client
	endpoint string // e.g. https://acme.bitrix24.com/rest/
	domain   string
	tokens   *tokenSource
}

var _ API = (*Client)(nil)

type envelope struct {
	Result           json.RawMessage `json:"result"`
	Total            *int            `json:"total"`
	Next             *int            `json:"next"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

func (c *Client) Domain() string { return c.domain }

// Call invokes a REST method and decodes its result into out (may be nil).
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	env, err := c.call(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return oops.In("portal").With("method", method, "domain", c.domain).
			Wrapf(&Error{Method: method, Code: "decode_result", Description: err.Error()}, "decode %s result", method)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, params any) (envelope, error) {
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return envelope{}, c.wrap(method, err)
	}
	env, err := c.do(ctx, method, params, tok.AccessToken)
	var remoteErr *Error
	if err != nil && errors.As(err, &remoteErr) && remoteErr.Code == "expired_token" {
		tok, rerr := c.tokens.Refresh(ctx, tok.AccessToken)
		if rerr != nil {
			return envelope{}, c.wrap(method, rerr)
		}
		env, err = c.do(ctx, method, params, tok.AccessToken)
	}
	if err != nil {
		return envelope{}, c.wrap(method, err)
	}
	return env, nil
}

func (c *Client) wrap(method string, err error) error {
	var remoteErr *Error
	if errors.As(err, &remoteErr) {
		return oops.In("portal").With("method", method, "domain", c.domain).Wrap(err)
	}
	return oops.In("portal").With("method", method, "domain", c.domain).
		Wrapf(fmt.Errorf("%w: %w", ErrRemote, err), "call %s", method)
}

func (c *Client) do(ctx context.Context, method string, params any, accessToken string) (envelope, error) {
	if params == nil {
		params = map[string]any{}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return envelope{}, fmt.Errorf("encode params: %w", err)
	}
	u := c.endpoint + url.PathEscape(method) + ".json?" + url.Values{"auth": {accessToken}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return envelope{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return envelope{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return envelope{}, err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, &Error{Method: method, Status: resp.StatusCode, Code: "invalid_response", Description: snippet(raw)}
	}
	if env.Error != "" {
		return envelope{}, &Error{Method: method, Status: resp.StatusCode, Code: env.Error, Description: env.ErrorDescription}
	}
	if resp.StatusCode >= 400 {
		return envelope{}, &Error{Method: method, Status: resp.StatusCode, Code: "http_error"}
	}
	return env, nil
}

func (c *Client) CurrentUserProfile(ctx context.Context) (Profile, error) {
	var raw map[string]any
	if err := c.Call(ctx, "profile", nil, &raw); err != nil {
		return Profile{}, err
	}
	return Profile{
		ID:       asInt(raw["ID"]),
		Admin:    asBool(raw["ADMIN"]),
		Name:     asString(raw["NAME"]),
		LastName: asString(raw["LAST_NAME"]),
	}, nil
}

func (c *Client) ApplicationInfo(ctx context.Context) (AppInfo, error) {
	var raw map[string]any
	if err := c.Call(ctx, "app.info", nil, &raw); err != nil {
		return AppInfo{}, err
	}
	return AppInfo{
		ID:            asInt(raw["ID"]),
		Code:          asString(raw["CODE"]),
		Version:       int(asInt(raw["VERSION"])),
		Status:        asString(raw["STATUS"]),
		Installed:     asBool(raw["INSTALLED"]),
		LicenseFamily: asString(raw["LICENSE_FAMILY"]),
	}, nil
}

// CountUsers returns the number of portal users, with no filter applied.
func (c *Client) CountUsers(ctx context.Context) (int, error) {
	env, err := c.call(ctx, "user.get", map[string]any{"FILTER": map[string]any{}})
	if err != nil {
		return 0, err
	}
	if env.Total != nil {
		return *env.Total, nil
	}
	var users []json.RawMessage
	_ = json.Unmarshal(env.Result, &users)
	return len(users), nil
}

func (c *Client) EventHandlers(ctx context.Context) ([]Subscription, error) {
	var subs []Subscription
	if err := c.Call(ctx, "event.get", nil, &subs); err != nil {
		return nil, err
	}
	return subs, nil
}

func (c *Client) Bind(ctx context.Context, sub Subscription) error {
	params := map[string]any{"event": sub.Event, "handler": sub.Handler}
	if sub.UserID > 0 {
		params["auth_type"] = sub.UserID
	}
	return c.Call(ctx, "event.bind", params, nil)
}

func (c *Client) Unbind(ctx context.Context, sub Subscription) error {
	return c.Call(ctx, "event.unbind", map[string]any{"event": sub.Event, "handler": sub.Handler}, nil)
}

// UnbindAll removes every registration and returns how many were removed.
func (c *Client) UnbindAll(ctx context.Context) (int, error) {
	subs, err := c.EventHandlers(ctx)
	if err != nil {
		return 0, err
	}
	for i, sub := range subs {
		if err := c.Unbind(ctx, sub); err != nil {
			return i, err
		}
	}
	return len(subs), nil
}

func (c *Client) ReconcileSubscriptions(ctx context.Context, desired []Subscription) (SyncResult, error) {
	return Reconcile(ctx, c, desired)
}

// Reconcile unbinds registrations that are not desired and binds the missing
// ones. Running it twice against an unchanged portal makes no calls the second time
// beyond the initial listing.
func Reconcile(ctx context.Context, api API, desired []Subscription) (SyncResult, error) {
	var res SyncResult
	current, err := api.EventHandlers(ctx)
	if err != nil {
		return res, err
	}
	want := make(map[string]Subscription, len(desired))
	for _, sub := range desired {
		want[sub.key()] = sub
	}
	have := make(map[string]bool, len(current))
	for _, sub := range current {
		if _, ok := want[sub.key()]; ok {
			have[sub.key()] = true
			continue
		}
		if err := api.Unbind(ctx, sub); err != nil {
			return res, err
		}
		res.Unbound++
	}
	for _, sub := range desired {
		if have[sub.key()] {
			continue
		}
		if err := api.Bind(ctx, sub); err != nil {
			return res, err
		}
		have[sub.key()] = true
		res.Bound++
	}
	return res, nil
}

func (c *Client) GetContact(ctx context.Context, id int64) (map[string]any, error) {
	var contact map[string]any
	if err := c.Call(ctx, "crm.contact.get", map[string]any{"id": id}, &contact); err != nil {
		return nil, err
	}
	return contact, nil
}

func (c *Client) AddContact(ctx context.Context, fields map[string]any) (int64, error) {
	var id any
	if err := c.Call(ctx, "crm.contact.add", map[string]any{"fields": fields}, &id); err != nil {
		return 0, err
	}
	return asInt(id), nil
}

// The portal encodes numbers and flags as strings in most payloads.

func asInt(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return n
	case bool:
		if t {
			return 1
		}
	}
	return 0
}

func asBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		switch strings.ToUpper(strings.TrimSpace(t)) {
		case "Y", "1", "TRUE":
			return true
		}
	}
	return false
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
