package schema

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func newTestHandler(src Source) (*Handler, *echo.Echo) {
	r := NewResolver(src)
	return NewHandler(r, NewCache(r, time.Minute)), echo.New()
}

func postValidate(t *testing.T, h *Handler, e *echo.Echo, body string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/schemas/validate", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return rec, h.Validate(e.NewContext(req, rec))
}

func httpStatus(t *testing.T, err error) int {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	return he.Code
}

func TestHandler_ValidateOK(t *testing.T) {
	h, e := newTestHandler(MapSource{"parent.yml": parentDoc, "child.yml": childDoc})
	rec, err := postValidate(t, h, e, `{"name":"child","kind":"fhir-transform"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp validateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Valid || resp.Elements != 3 || resp.Revision == "" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestHandler_ValidateViolations(t *testing.T) {
	h, e := newTestHandler(MapSource{"loop.yml": "extends: loop\n"})
	rec, err := postValidate(t, h, e, `{"name":"loop","kind":"fhir-transform"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "extends cycle") {
		t.Errorf("expected the cycle to be reported, got %s", rec.Body.String())
	}
}

func TestHandler_ValidateErrors(t *testing.T) {
	h, e := newTestHandler(MapSource{})
	cases := map[string]int{
		`{"name":"missing","kind":"fhir-transform"}`: http.StatusNotFound,
		`{"name":"x","kind":"xml-to-json"}`:          http.StatusBadRequest,
		`{"kind":"fhir-transform"}`:                  http.StatusBadRequest,
	}
	for body, want := range cases {
		_, err := postValidate(t, h, e, body)
		if got := httpStatus(t, err); got != want {
			t.Errorf("%s: expected %d, got %d", body, want, got)
		}
	}

	h, e = newTestHandler(blockingSource{})
	h.resolver.timeout = 10 * time.Millisecond
	_, err := postValidate(t, h, e, `{"name":"slow","kind":"fhir-transform"}`)
	if got := httpStatus(t, err); got != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", got)
	}
}

func TestHandler_GetResolved(t *testing.T) {
	h, e := newTestHandler(MapSource{"parent.yml": parentDoc, "child.yml": childDoc})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/schemas/resolved?name=child&kind=fhir-transform", nil)
	rec := httptest.NewRecorder()
	if err := h.GetResolved(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out struct {
		URI      string `json:"uri"`
		Elements []struct {
			Name string `json:"name"`
		} `json:"elements"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.URI != "child.yml" || len(out.Elements) != 3 || out.Elements[2].Name != "c" {
		t.Errorf("unexpected resolved schema %+v", out)
	}
	if h.cache.Len() != 1 {
		t.Error("expected the resolved schema to be cached")
	}
}
