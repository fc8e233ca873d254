package server

import (
	"encoding/json"
	"go/types"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi"
)

func TestHumanPayloadJSON(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/level", nil)
	HumanPayload{T: types.Float64, Float: 73.4}.EncodeAndRespond(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var f FloatT
	if err := json.NewDecoder(w.Body).Decode(&f); err != nil {
		t.Fatal(err)
	}
	if f.F64 != 73.4 {
		t.Errorf("expected 73.4, got %v", f.F64)
	}
}

func TestHumanPayloadText(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/rate", nil)
	r.Header.Set("Accept", "text/plain")
	HumanPayload{T: types.String, String: "FAST"}.EncodeAndRespond(w, r)
	if got := strings.TrimSpace(w.Body.String()); got != "FAST" {
		t.Errorf("expected FAST, got %q", got)
	}
}

func TestHumanPayloadUnsupportedKind(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	HumanPayload{T: types.Complex128}.EncodeAndRespond(w, r)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
}

func TestEndpointsSorted(t *testing.T) {
	nop := func(w http.ResponseWriter, r *http.Request) {}
	rt := RouteTable{
		Post("/rate"):  nop,
		Get("/rate"):   nop,
		Get("/level"):  nop,
		Post("/raw"):   nop,
		Get("/status"): nop,
	}
	want := []string{"GET /level", "GET /rate", "POST /rate", "POST /raw", "GET /status"}
	got := rt.Endpoints()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestBind(t *testing.T) {
	rt := RouteTable{
		Get("/ping"): func(w http.ResponseWriter, r *http.Request) {
			HumanPayload{T: types.Bool, Bool: true}.EncodeAndRespond(w, r)
		},
	}
	r := chi.NewRouter()
	rt.Bind(r)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/ping", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for an unbound method, got %d", w.Code)
	}
}

func TestReplyWithFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "run.csv"), []byte("timestamp,elapsed_s\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	w := httptest.NewRecorder()
	ReplyWithFile(w, httptest.NewRequest(http.MethodGet, "/run.csv", nil), "run.csv", dir)
	if w.Code != http.StatusOK || !strings.HasPrefix(w.Body.String(), "timestamp") {
		t.Errorf("expected the file back, got %d %q", w.Code, w.Body.String())
	}
	w = httptest.NewRecorder()
	ReplyWithFile(w, httptest.NewRequest(http.MethodGet, "/nope.csv", nil), "nope.csv", dir)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}
