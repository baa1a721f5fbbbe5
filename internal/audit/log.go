// Package audit records tenant lifecycle transitions as structured log lines.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"strings"

	"b24app.dev/internal/auth"
	"b24app.dev/internal/obs"
)

// LogEvent writes an audit log entry enriched with the request context:
// request-scoped attributes come from slog-context, session claims from auth.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	attrs := []slog.Attr{
		slog.String("type", "audit"),
		slog.String("event", event),
	}
	if claims, ok := auth.ClaimsFromContext(ctx); ok {
		attrs = append(attrs, slog.String("session_domain", claims.Domain))
		if claims.MemberID != "" {
			attrs = append(attrs, slog.String("session_member_id", claims.MemberID))
		}
	}
	copyFields := make(map[string]any, len(fields))
	maps.Copy(copyFields, fields)
	attrs = append(attrs, slog.Any("fields", copyFields))

	obs.Logger().LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
	return nil
}
