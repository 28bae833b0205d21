package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/labroute/internal/platform/auth"
)

// AuditEntry records one call to the /api/v1 surface: who called, for which
// organization, what was touched and how it ended.
type AuditEntry struct {
	UserID       string
	Organization string
	UserRoles    []string
	Area         string // reports, deliveries, schemas, filters, settings, blobs
	ReportID     string
	Action       string // read, submit, rerun, delete
	IPAddress    string
	UserAgent    string
	Path         string
	Method       string
	Timestamp    time.Time
	RequestID    string
	StatusCode   int
}

// AuditRecorder persists audit entries. Tests supply their own.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every /api/v1 request after it has been handled. Recorder
// failures are logged and never fail the request.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !isAuditablePath(path) {
				return next(c)
			}

			err := next(c)

			ctx := req.Context()
			entry := AuditEntry{
				Timestamp:    time.Now().UTC(),
				Path:         path,
				Method:       req.Method,
				IPAddress:    c.RealIP(),
				UserAgent:    req.UserAgent(),
				StatusCode:   c.Response().Status,
				UserID:       auth.UserIDFromContext(ctx),
				Organization: auth.OrganizationFromContext(ctx),
				UserRoles:    auth.RolesFromContext(ctx),
				Area:         extractArea(path),
				ReportID:     extractReportID(path),
			}
			entry.Action = auditAction(req.Method, entry.Area, path)
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			evt := logger.Info()
			if entry.StatusCode == http.StatusUnauthorized || entry.StatusCode == http.StatusForbidden {
				evt = logger.Warn()
			}
			evt.
				Str("type", "api_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Str("organization", entry.Organization).
				Strs("user_roles", entry.UserRoles).
				Str("area", entry.Area).
				Str("report_id", entry.ReportID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("api_access")

			return err
		}
	}
}

func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, "/api/v1/")
}

func apiSegments(path string) []string {
	return strings.Split(strings.Trim(strings.TrimPrefix(path, "/api/v1/"), "/"), "/")
}

// extractArea returns the first segment under /api/v1.
//
//	/api/v1/reports/<id>/root -> reports
//	/api/v1/settings/receivers/ca-dph.elr -> settings
func extractArea(path string) string {
	if seg := apiSegments(path); seg[0] != "" {
		return seg[0]
	}
	return "unknown"
}

// extractReportID returns the report id of /api/v1/reports/<id>/... paths.
func extractReportID(path string) string {
	seg := apiSegments(path)
	if len(seg) >= 2 && seg[0] == "reports" && isUUID(seg[1]) {
		return seg[1]
	}
	return ""
}

// auditAction classifies a request. POSTs below a report are stage reruns.
func auditAction(method, area, path string) string {
	switch method {
	case http.MethodPost:
		if area == "reports" && extractReportID(path) != "" {
			return "rerun"
		}
		if area == "reports" {
			return "submit"
		}
		return "evaluate"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	}
	return "read"
}

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
