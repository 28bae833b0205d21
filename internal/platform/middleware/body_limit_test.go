package middleware

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestParseLimit(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"1M", 1 << 20},
		{"10MB", 10 << 20},
		{"512K", 512 << 10},
		{"1G", 1 << 30},
		{"1024", 1024},
		{"", 1 << 20},
		{"invalid", 1 << 20},
		{"-5", 1 << 20},
	}

	for _, tt := range tests {
		if got := parseLimit(tt.input); got != tt.want {
			t.Errorf("parseLimit(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func serveWithLimit(t *testing.T, method, path, body string, defaultLimit, reportLimit string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	e.Use(BodyLimit(defaultLimit, reportLimit))
	handler := func(c echo.Context) error {
		if _, err := io.ReadAll(c.Request().Body); err != nil {
			return err
		}
		return c.String(http.StatusCreated, "created")
	}
	e.POST("/api/v1/reports", handler)
	e.POST("/api/v1/schemas/validate", handler)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestBodyLimit_AllowsSmallBody(t *testing.T) {
	rec := serveWithLimit(t, http.MethodPost, "/api/v1/schemas/validate", `{"name":"ORU"}`, "1K", "1M")
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestBodyLimit_RejectsOversizedBody(t *testing.T) {
	rec := serveWithLimit(t, http.MethodPost, "/api/v1/schemas/validate", strings.Repeat("x", 2048), "1K", "1M")
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	var outcome map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &outcome); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if outcome["resourceType"] != "OperationOutcome" {
		t.Errorf("expected OperationOutcome, got %v", outcome)
	}
}

func TestBodyLimit_UsesReportLimitForSubmissions(t *testing.T) {
	rec := serveWithLimit(t, http.MethodPost, "/api/v1/reports", strings.Repeat("x", 2048), "1K", "1M")
	if rec.Code != http.StatusCreated {
		t.Errorf("expected submission under report limit to pass, got %d", rec.Code)
	}
	rec = serveWithLimit(t, http.MethodPost, "/api/v1/reports", strings.Repeat("x", 4096), "1K", "2K")
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413 over report limit, got %d", rec.Code)
	}
}

func TestBodyLimit_EnforcesLimitDuringRead(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/schemas/validate", strings.NewReader(strings.Repeat("y", 4096)))
	req.ContentLength = -1
	c := e.NewContext(req, httptest.NewRecorder())

	handler := func(c echo.Context) error {
		_, err := io.ReadAll(c.Request().Body)
		return err
	}
	err := BodyLimit("1K", "1M")(handler)(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413 while reading, got %v", err)
	}
}
