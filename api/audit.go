package api

import (
	"log/slog"
	"net/http"
)

// AuditEvent identifies the type of security-relevant action being
// logged.
type AuditEvent string

const (
	AuditLoginSuccess         AuditEvent = "login_success"
	AuditLoginFailure         AuditEvent = "login_failure"
	AuditRegisterSuccess      AuditEvent = "register_success"
	AuditRegisterRejected     AuditEvent = "register_rejected"
	AuditAuthorizeStarted     AuditEvent = "authorize_started"
	AuditCallbackSuccess      AuditEvent = "callback_success"
	AuditCallbackFailure      AuditEvent = "callback_failure"
	AuditAccountLinked        AuditEvent = "account_linked"
	AuditLinkRejected         AuditEvent = "link_rejected"
	AuditSessionRotated       AuditEvent = "session_rotated"
	AuditSessionRefreshFailed AuditEvent = "session_refresh_failed"
	AuditSessionExpired       AuditEvent = "session_expired"
	AuditSwitchSuccess        AuditEvent = "switch_success"
	AuditSwitchDenied         AuditEvent = "switch_denied"
	AuditLogout               AuditEvent = "logout"
	AuditCSRFRejected         AuditEvent = "csrf_rejected"
	AuditRateLimited          AuditEvent = "rate_limited"
	AuditRateLimiterError     AuditEvent = "rate_limiter_error"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger *slog.Logger
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{logger: logger.With("component", "audit")}
}

// log writes one audit entry. Session ids and tokens never go in here;
// user ids and emails are the only identifiers logged.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
}

// logUser is a convenience for events attributed to a user.
func (al *auditLogger) logUser(event AuditEvent, r *http.Request, userID string, extra ...slog.Attr) {
	attrs := append([]slog.Attr{slog.String("user_id", userID)}, extra...)
	al.log(event, r, attrs...)
}

// logFailure logs a denied or failed action with its reason.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := append([]slog.Attr{slog.String("reason", reason)}, extra...)
	al.log(event, r, attrs...)
}
