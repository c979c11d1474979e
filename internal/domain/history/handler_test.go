package history

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestHandler_List(t *testing.T) {
	store := NewMemoryStore(10)
	for i := 1; i <= 4; i++ {
		store.Record(context.Background(), snapshotAt(i))
	}
	h := NewHandler(store)
	e := echo.New()

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/history?limit=2", nil), rec)
	if err := h.List(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Data    []Snapshot `json:"data"`
		Total   int        `json:"total"`
		HasMore bool       `json:"hasMore"`
		Next    string     `json:"next"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 4 || len(resp.Data) != 2 || !resp.HasMore {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.Data[0].Total != 4 {
		t.Errorf("expected newest first, got %d", resp.Data[0].Total)
	}
	if resp.Next != "/api/history?limit=2&offset=2" {
		t.Errorf("unexpected next link %q", resp.Next)
	}
}
