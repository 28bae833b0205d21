package filter

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func postEvaluate(t *testing.T, body string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	h := NewHandler(newTestRouter())
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/filters/evaluate", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return rec, h.Evaluate(e.NewContext(req, rec))
}

func TestHandler_Evaluate(t *testing.T) {
	rec, err := postEvaluate(t, `{
		"organization": "ca-dph", "receiver": "elr", "topic": "test",
		"organizationFilters": {"jurisdictionalFilter": ["allowAll()"]},
		"trackingColumn": "message_id",
		"rows": [
			{"message_id": "m0", "patient_dob": "19800101", "processing_mode_code": "P"},
			{"message_id": "m1", "processing_mode_code": "P"}
		]
	}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp evaluateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Kept) != 1 || resp.Kept[0] != 0 || resp.Dropped != 1 {
		t.Errorf("unexpected response %+v", resp)
	}
	if len(resp.Audit) != 1 || resp.Audit[0].ItemID != "m1" {
		t.Errorf("unexpected audit %+v", resp.Audit)
	}
}

func TestHandler_EvaluateConfigurationError(t *testing.T) {
	rec, err := postEvaluate(t, `{
		"organization": "o", "receiver": "r", "topic": "test",
		"receiverFilters": {"qualityFilter": ["nope()"]},
		"rows": []
	}`)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "o.r.qualityFilter[0]") {
		t.Errorf("expected location in body, got %s", rec.Body.String())
	}
}

func TestHandler_EvaluateBadRequest(t *testing.T) {
	_, err := postEvaluate(t, `{"organization": "o", "receiver": "r"}`)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}
