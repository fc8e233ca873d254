package oxford

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"

	"github.com/cryolab/cryolab/server"
	"github.com/cryolab/cryolab/server/middleware/locker"
)

func mount(h server.HTTPer, l *locker.Locker) http.Handler {
	r := chi.NewRouter()
	if l != nil {
		locker.Inject(h, l)
		r.Use(l.Check)
	}
	h.RT().Bind(r)
	return r
}

func call(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
	return w
}

func TestHTTPILM(t *testing.T) {
	ilm, sim := NewILM210Mock()
	sim.Boiloff = 0
	h := mount(NewHTTPILM210(ilm), nil)

	w := call(h, http.MethodGet, "/level", "")
	var f server.FloatT
	if err := json.NewDecoder(w.Body).Decode(&f); err != nil || f.F64 != 73.4 {
		t.Errorf("expected 73.4, got %v %v", f.F64, err)
	}
	if w := call(h, http.MethodPost, "/rate", `{"str":"fast"}`); w.Code != http.StatusOK {
		t.Fatalf("expected 200 setting the rate, got %d %s", w.Code, w.Body)
	}
	w = call(h, http.MethodGet, "/rate", "")
	if strings.TrimSpace(w.Body.String()) != `{"str":"FAST"}` {
		t.Errorf("unexpected rate %q", w.Body.String())
	}
	if w := call(h, http.MethodPost, "/rate", `{"str":"medium"}`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for an unknown rate, got %d", w.Code)
	}
	w = call(h, http.MethodPost, "/raw", `{"str":"V"}`)
	if !strings.Contains(w.Body.String(), "ILM200") {
		t.Errorf("unexpected raw reply %q", w.Body.String())
	}
}

func TestHTTPITC(t *testing.T) {
	itc, _ := NewITC503Mock()
	h := mount(NewHTTPITC503(itc), nil)
	if w := call(h, http.MethodPost, "/temperature-setpoint", `{"f64":10}`); w.Code != http.StatusInternalServerError {
		t.Errorf("expected the local controller to refuse, got %d", w.Code)
	}
	if w := call(h, http.MethodPost, "/raw", `{"str":"C3"}`); w.Code != http.StatusOK {
		t.Fatalf("expected remote, got %d", w.Code)
	}
	if w := call(h, http.MethodPost, "/temperature-setpoint", `{"f64":10}`); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", w.Code, w.Body)
	}
	w := call(h, http.MethodPost, "/pid", `{"p":20,"i":2,"d":0}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 setting PID, got %d %s", w.Code, w.Body)
	}
	w = call(h, http.MethodGet, "/pid", "")
	var pid PID
	if err := json.NewDecoder(w.Body).Decode(&pid); err != nil || pid != (PID{P: 20, I: 2}) {
		t.Errorf("unexpected PID %+v %v", pid, err)
	}
	if w := call(h, http.MethodGet, "/temperature/2", ""); w.Code != http.StatusOK {
		t.Errorf("expected 200 reading sensor 2, got %d", w.Code)
	}
	if w := call(h, http.MethodGet, "/temperature/7", ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for sensor 7, got %d", w.Code)
	}
	if w := call(h, http.MethodPost, "/remote-status", `{"int":9}`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for remote status 9, got %d", w.Code)
	}
	if w := call(h, http.MethodPost, "/remote-status", `{"int":1}`); w.Code != http.StatusOK {
		t.Errorf("expected 200 locking the front panel, got %d %s", w.Code, w.Body)
	}
}

func TestHTTPSwitchHeaterInterlock(t *testing.T) {
	ips, sim := NewMercuryIPSMock(AxisZ)
	l := locker.New()
	l.AllowReads = true
	h := mount(NewHTTPMercuryIPS(ips, l), l)

	sim.Current, sim.Persistent = 1.00, 0.85
	w := call(h, http.MethodPost, "/switch-heater", `{"bool":true}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", w.Code, w.Body)
	}
	if sim.Heater {
		t.Fatal("heater changed despite the interlock")
	}

	sim.Persistent = 0.95
	if w := call(h, http.MethodPost, "/switch-heater", `{"bool":true}`); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", w.Code, w.Body)
	}
	if !sim.Heater {
		t.Error("expected the heater on")
	}
	if w := call(h, http.MethodPost, "/action", `{"str":"RTOS"}`); w.Code != http.StatusLocked {
		t.Errorf("expected 423 while the switch settles, got %d", w.Code)
	}
	if w := call(h, http.MethodGet, "/switch-heater", ""); w.Code != http.StatusOK {
		t.Errorf("expected reads to pass during settling, got %d", w.Code)
	}
	l.Unlock()
	if w := call(h, http.MethodPost, "/action", `{"str":"RTOS"}`); w.Code != http.StatusLocked {
		t.Errorf("an operator unlock cut the settle time short, got %d", w.Code)
	}

	h = mount(NewHTTPMercuryIPS(ips, nil), nil)
	if w := call(h, http.MethodPost, "/action", `{"str":"sideways"}`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a bad action, got %d", w.Code)
	}
	if w := call(h, http.MethodPost, "/current-setpoint", `{"f64":500}`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 beyond the current limit, got %d", w.Code)
	}
}

func TestHTTPRawCannotSwitchHeater(t *testing.T) {
	ips, sim := NewMercuryIPSMock(AxisZ)
	l := locker.New()
	h := mount(NewHTTPMercuryIPS(ips, l), l)
	sim.Current, sim.Persistent = 1.00, 0.85

	for _, cmd := range []string{"SET:DEV:GRPZ:PSU:SIG:SWHN:ON", "set:dev:grpz:psu:sig:swhn:off"} {
		w := call(h, http.MethodPost, "/raw", `{"str":"`+cmd+`"}`)
		if w.Code != http.StatusConflict {
			t.Errorf("%s: expected 409, got %d %s", cmd, w.Code, w.Body)
		}
	}
	if sim.Heater {
		t.Error("heater switched around the interlock")
	}
	if w := call(h, http.MethodPost, "/raw", `{"str":"*IDN?"}`); w.Code != http.StatusOK {
		t.Errorf("expected other raw commands to pass, got %d %s", w.Code, w.Body)
	}
}
