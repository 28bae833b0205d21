package lineage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func newContext(e *echo.Echo, target, id string) (echo.Context, *httptest.ResponseRecorder) {
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, target, nil), rec)
	if id != "" {
		c.SetParamNames("id")
		c.SetParamValues(id)
	}
	return c, rec
}

func TestHandler_GetRoot(t *testing.T) {
	s := newTestService()
	h := NewHandler(s)
	e := echo.New()
	r1 := report(t, s, StageReceive, uuid.Nil)
	r2 := report(t, s, StageConvert, r1.ID)

	c, rec := newContext(e, "/api/v1/reports/"+r2.ID.String()+"/root", r2.ID.String())
	if err := h.GetRoot(c); err != nil {
		t.Fatal(err)
	}
	var resp rootResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Root == nil || resp.Root.ID != r1.ID || len(resp.Path) != 2 {
		t.Errorf("unexpected response %s", rec.Body.String())
	}

	c, rec = newContext(e, "/", r1.ID.String())
	if err := h.GetRoot(c); err != nil {
		t.Fatal(err)
	}
	var raw map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &raw)
	if raw["root"] != nil {
		t.Errorf("expected a null root for a submission, got %v", raw["root"])
	}
}

func TestHandler_Errors(t *testing.T) {
	h := NewHandler(newTestService())
	e := echo.New()

	c, _ := newContext(e, "/", "not-a-uuid")
	if he, ok := h.GetReport(c).(*echo.HTTPError); !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400")
	}
	c, _ = newContext(e, "/", uuid.New().String())
	if he, ok := h.GetDescendants(c).(*echo.HTTPError); !ok || he.Code != http.StatusNotFound {
		t.Errorf("expected 404")
	}
	c, _ = newContext(e, "/api/v1/deliveries", "")
	if he, ok := h.ListDeliveries(c).(*echo.HTTPError); !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without a receiver")
	}
}

func TestHandler_ListDeliveries(t *testing.T) {
	s := newTestService()
	h := NewHandler(s)
	e := echo.New()
	r1 := report(t, s, StageReceive, uuid.Nil)
	a, _ := s.StartAction(context.Background(), StageSend, "")
	if err := s.CreateReport(context.Background(), &Report{ActionID: a.ID, Stage: StageSend, Receiver: "x"}, r1.ID); err != nil {
		t.Fatal(err)
	}

	c, rec := newContext(e, "/api/v1/deliveries?receiver=x", "")
	if err := h.ListDeliveries(c); err != nil {
		t.Fatal(err)
	}
	var resp struct {
		Data  []Delivery `json:"data"`
		Total int        `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 1 || resp.Data[0].Root.ID != r1.ID {
		t.Errorf("unexpected response %s", rec.Body.String())
	}
}
