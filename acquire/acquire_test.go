package acquire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/cryolab/cryolab/instrument"
	"github.com/cryolab/cryolab/server"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting")
		}
		time.Sleep(time.Millisecond)
	}
}

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var d dto.Metric
	if err := m.Write(&d); err != nil {
		t.Fatal(err)
	}
	if d.Gauge != nil {
		return d.GetGauge().GetValue()
	}
	return d.GetCounter().GetValue()
}

func TestHistoryWraps(t *testing.T) {
	h := NewHistory(3)
	if _, ok := h.Last(); ok {
		t.Error("expected no last reading in an empty history")
	}
	for i := 1; i <= 5; i++ {
		h.Append(Reading{Values: map[string]float64{"v": float64(i)}})
	}
	got := h.Contiguous()
	if len(got) != 3 {
		t.Fatalf("expected 3 readings, got %d", len(got))
	}
	for i, want := range []float64{3, 4, 5} {
		if got[i].Values["v"] != want {
			t.Errorf("reading %d: expected %v, got %v", i, want, got[i].Values["v"])
		}
	}
	if last, _ := h.Last(); last.Values["v"] != 5 {
		t.Errorf("expected last 5, got %v", last.Values["v"])
	}
	h.Reset()
	if h.Len() != 0 || len(h.Contiguous()) != 0 {
		t.Error("expected an empty history after reset")
	}
}

func TestChannels(t *testing.T) {
	var order []string
	mk := func(name string, v float64, err error) Channel {
		return func(context.Context) (float64, error) {
			order = append(order, name)
			return v, err
		}
	}
	fn := Channels(map[string]Channel{"level": mk("level", 70, nil), "current": mk("current", 1, nil)})
	vals, err := fn(context.Background())
	if err != nil || vals["level"] != 70 || vals["current"] != 1 {
		t.Fatalf("unexpected sample %v %v", vals, err)
	}
	if strings.Join(order, ",") != "current,level" {
		t.Errorf("expected channels read in name order, got %v", order)
	}
	fn = Channels(map[string]Channel{"a": mk("a", 0, instrument.ErrProtocol), "b": mk("b", 1, nil)})
	if _, err := fn(context.Background()); !errors.Is(err, instrument.ErrProtocol) {
		t.Errorf("expected the channel error, got %v", err)
	}
}

type memSink struct {
	mu   sync.Mutex
	got  []Reading
	fail bool
}

func (s *memSink) Write(_ context.Context, r Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	s.got = append(s.got, r)
	return nil
}

func (s *memSink) n() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func TestPollerLimitAndSinks(t *testing.T) {
	sink := &memSink{}
	bad := &memSink{fail: true}
	m := NewMetrics(prometheus.NewRegistry())
	i := 0.
	p := NewPoller("ilm", time.Millisecond, func(context.Context) (map[string]float64, error) {
		i++
		return map[string]float64{"level": i}, nil
	}, WithLimit(3), WithSink(sink), WithSink(bad), WithMetrics(m))
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return !p.Running() })
	if p.History().Len() != 3 || sink.n() != 3 {
		t.Errorf("expected 3 readings, got %d in history and %d in the sink", p.History().Len(), sink.n())
	}
	if v := value(t, m.Reading.WithLabelValues("ilm", "level")); v != 3 {
		t.Errorf("expected gauge 3, got %v", v)
	}
	if v := value(t, m.Errors.WithLabelValues("ilm", "sink")); v != 3 {
		t.Errorf("expected 3 sink errors, got %v", v)
	}
	if p.Err() != nil {
		t.Errorf("expected no error, got %v", p.Err())
	}
}

func TestPollerSkipsProtocolErrors(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	calls := 0
	p := NewPoller("itc", time.Millisecond, func(context.Context) (map[string]float64, error) {
		calls++
		if calls%2 == 1 {
			return nil, fmt.Errorf("%w: ?@1R1", instrument.ErrProtocol)
		}
		return map[string]float64{"temperature": 4.2}, nil
	}, WithLimit(2), WithMetrics(m))
	p.Start(context.Background())
	waitFor(t, func() bool { return !p.Running() })
	if p.History().Len() != 2 {
		t.Errorf("expected 2 readings, got %d", p.History().Len())
	}
	if v := value(t, m.Errors.WithLabelValues("itc", "protocol")); v != 2 {
		t.Errorf("expected 2 protocol errors, got %v", v)
	}
}

func TestPollerHaltsOnConnectionError(t *testing.T) {
	p := NewPoller("ips", time.Millisecond, func(context.Context) (map[string]float64, error) {
		return nil, fmt.Errorf("%w: connection refused", instrument.ErrConnection)
	})
	p.Start(context.Background())
	waitFor(t, func() bool { return !p.Running() })
	if !errors.Is(p.Err(), instrument.ErrConnection) {
		t.Errorf("expected ErrConnection, got %v", p.Err())
	}
	if err := p.Start(context.Background()); err != nil {
		t.Errorf("expected a halted poller to restart, got %v", err)
	}
	p.Stop()
}

func TestPollerStartStop(t *testing.T) {
	p := NewPoller("k6221", time.Hour, func(context.Context) (map[string]float64, error) {
		return map[string]float64{"delta": 1e-6}, nil
	})
	p.Stop()
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.Start(context.Background()); err != ErrRunning {
		t.Errorf("expected ErrRunning, got %v", err)
	}
	waitFor(t, func() bool { return p.History().Len() == 1 })
	p.Stop()
	p.Stop()
	if p.Running() {
		t.Error("expected the poller stopped")
	}
}

type table server.RouteTable

func (t table) RT() server.RouteTable { return server.RouteTable(t) }

func TestHTTP(t *testing.T) {
	p := NewPoller("ilm", time.Hour, func(context.Context) (map[string]float64, error) {
		return map[string]float64{"level": 50}, nil
	})
	rt := table{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	Inject(ctx, rt, p)

	w := httptest.NewRecorder()
	rt[server.Get("/last")](w, httptest.NewRequest(http.MethodGet, "/last", nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204 before any reading, got %d", w.Code)
	}
	w = httptest.NewRecorder()
	rt[server.Post("/poll")](w, httptest.NewRequest(http.MethodPost, "/poll", strings.NewReader(`{"bool":true}`)))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 starting, got %d", w.Code)
	}
	waitFor(t, func() bool { return p.History().Len() == 1 })

	w = httptest.NewRecorder()
	rt[server.Get("/history")](w, httptest.NewRequest(http.MethodGet, "/history", nil))
	var hist []Reading
	if err := json.NewDecoder(w.Body).Decode(&hist); err != nil || len(hist) != 1 || hist[0].Values["level"] != 50 {
		t.Errorf("unexpected history %+v %v", hist, err)
	}
	w = httptest.NewRecorder()
	rt[server.Get("/poll")](w, httptest.NewRequest(http.MethodGet, "/poll", nil))
	var st Status
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil || !st.Running || st.Period != 3600 {
		t.Errorf("unexpected status %+v %v", st, err)
	}
	w = httptest.NewRecorder()
	rt[server.Post("/poll")](w, httptest.NewRequest(http.MethodPost, "/poll", strings.NewReader(`{"bool":false}`)))
	if p.Running() {
		t.Error("expected the poller stopped")
	}
}
