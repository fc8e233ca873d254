package instrument

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cryolab/cryolab/comm"
)

// scripted answers each CR-terminated command with reply(cmd)
type scripted struct {
	mu     sync.Mutex
	in     bytes.Buffer
	out    bytes.Buffer
	sent   []string
	reply  func(string) string
	closed bool
}

func (s *scripted) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.in.Write(p)
	for {
		line, err := s.in.ReadString('\r')
		if err != nil {
			s.in.WriteString(line)
			break
		}
		cmd := strings.TrimSuffix(line, "\r")
		s.sent = append(s.sent, cmd)
		if r := s.reply(cmd); r != "" {
			s.out.WriteString(r + "\r")
		}
	}
	return len(p), nil
}

func (s *scripted) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out.Len() == 0 {
		return 0, io.EOF
	}
	return s.out.Read(p)
}

func (s *scripted) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func testProfile() Profile {
	return Profile{
		Name:        "test",
		Prefix:      "@1",
		TxTerm:      '\r',
		RxTerm:      '\r',
		ErrorMarker: "?",
		Mode:        ReadAvailable,
		Timeout:     50 * time.Millisecond,
		SafeState:   []Command{Cmd("C", 0)},
	}
}

func newScripted(reply func(string) string) (*Adapter, *scripted) {
	s := &scripted{reply: reply}
	pool := comm.NewPool(1, 0, func() (io.ReadWriteCloser, error) { return s, nil })
	return New(pool, "sim", testProfile()), s
}

func TestExecuteFramesCommand(t *testing.T) {
	a, s := newScripted(func(cmd string) string { return "R0473" })
	resp, err := a.Execute(context.Background(), Cmd("R", 1))
	if err != nil {
		t.Fatal(err)
	}
	if resp != "R0473" {
		t.Errorf("expected R0473, got %q", resp)
	}
	if len(s.sent) != 1 || s.sent[0] != "@1R1" {
		t.Errorf("expected @1R1 on the wire, got %v", s.sent)
	}
}

func TestExecuteErrorMarker(t *testing.T) {
	a, _ := newScripted(func(cmd string) string { return "?R1" })
	resp, err := a.Execute(context.Background(), Cmd("R", 1))
	if !errors.Is(err, ErrProtocol) {
		t.Errorf("expected ErrProtocol, got %v", err)
	}
	if resp != "" {
		t.Errorf("expected no response on error marker, got %q", resp)
	}
}

func TestExecuteNoResponse(t *testing.T) {
	a, _ := newScripted(func(cmd string) string { return "" })
	_, err := a.Execute(context.Background(), Cmd("X"))
	if !errors.Is(err, ErrProtocol) {
		t.Errorf("expected ErrProtocol, got %v", err)
	}
}

func TestExecuteTransportFailure(t *testing.T) {
	pool := comm.NewPool(1, 0, func() (io.ReadWriteCloser, error) { return nil, errors.New("no such port") })
	a := New(pool, "sim", testProfile())
	_, err := a.Execute(context.Background(), Cmd("X"))
	if !errors.Is(err, ErrConnection) {
		t.Errorf("expected ErrConnection, got %v", err)
	}
}

func TestCloseRestoresLocalAndIsIdempotent(t *testing.T) {
	a, s := newScripted(func(cmd string) string { return "C" })
	if _, err := a.Execute(context.Background(), Cmd("C", 3)); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(context.Background()); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
	if s.sent[len(s.sent)-1] != "@1C0" {
		t.Errorf("expected close to send @1C0 last, sent %v", s.sent)
	}
	if !s.closed {
		t.Error("expected the transport to be closed")
	}
	if _, err := a.Execute(context.Background(), Cmd("X")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected after close, got %v", err)
	}
}

func TestCloseAfterFailureDoesNotPanic(t *testing.T) {
	pool := comm.NewPool(1, 0, func() (io.ReadWriteCloser, error) { return nil, errors.New("unplugged") })
	a := New(pool, "sim", testProfile())
	a.Execute(context.Background(), Cmd("X"))
	a.Close(context.Background())
	a.Close(context.Background())
}

func TestSettleHonorsContext(t *testing.T) {
	a, _ := newScripted(func(cmd string) string { return "V" })
	a.prof.Settle = time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := a.Execute(ctx, Cmd("V"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("settle delay ignored the context")
	}
}

func TestQueriesOnly(t *testing.T) {
	a, s := newScripted(func(cmd string) string {
		if strings.HasSuffix(cmd, "?") {
			return "1"
		}
		return ""
	})
	a.prof.Prefix = ""
	a.prof.QueriesOnly = true
	resp, err := a.Execute(context.Background(), Cmd("OUTP ON"))
	if err != nil || resp != "" {
		t.Errorf("a set command should return nothing, got %q, %v", resp, err)
	}
	resp, err = a.Execute(context.Background(), Cmd("OUTP?"))
	if err != nil || resp != "1" {
		t.Errorf("expected 1, got %q, %v", resp, err)
	}
	if len(s.sent) != 2 {
		t.Errorf("expected two commands on the wire, got %v", s.sent)
	}
}

func TestProbeRejectsWrongInstrument(t *testing.T) {
	a, _ := newScripted(func(cmd string) string { return "IPS120-10 Version 3.07" })
	a.prof.Probe = Cmd("V")
	a.prof.Check = func(s string) error {
		if !strings.Contains(s, "ILM") {
			return errors.New("not an ILM")
		}
		return nil
	}
	if err := a.probe(context.Background()); !errors.Is(err, ErrConnection) {
		t.Errorf("expected ErrConnection, got %v", err)
	}
}

func TestDialBadAddress(t *testing.T) {
	_, err := Dial(context.Background(), "not an address", testProfile())
	if !errors.Is(err, ErrConnection) {
		t.Errorf("expected ErrConnection, got %v", err)
	}
}

func TestDialConnectTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal("could not listen, test aborted:", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	start := time.Now()
	_, err = Dial(context.Background(), addr, testProfile(), WithConnectTimeout(100*time.Millisecond))
	if !errors.Is(err, ErrConnection) {
		t.Errorf("expected ErrConnection, got %v", err)
	}
	if el := time.Since(start); el > 2*time.Second {
		t.Errorf("connection retried for %v past its limit", el)
	}
}

func TestDecodeNumericRoundTrip(t *testing.T) {
	cases := []struct {
		prefix, unit string
		v            float64
	}{
		{"R", "", 47.3},
		{"", "A", -12.345},
		{"", "A/m", 0.5},
		{"R", "", 0},
		{"", "T", 5.99999},
	}
	for _, c := range cases {
		raw := EncodeNumeric(c.prefix, c.v, c.unit)
		got, ok := DecodeNumeric(raw, c.prefix, c.unit)
		if !ok {
			t.Errorf("%q did not decode", raw)
			continue
		}
		if math.Abs(got-c.v) > 1e-9 {
			t.Errorf("%q decoded to %f, expected %f", raw, got, c.v)
		}
	}
}

func TestDecodeNumericMalformed(t *testing.T) {
	for _, raw := range []string{"", "R", "Rabc", "X12", "12.3.4A"} {
		if _, ok := DecodeNumeric(raw, "R", ""); ok {
			t.Errorf("%q should not decode", raw)
		}
	}
}

var rateTable = BitTable{
	{Mask: 0x02, Label: "FAST"},
	{Mask: 0x04, Label: "SLOW"},
}

func TestDecodeEnum(t *testing.T) {
	f := Field{Start: 5, End: 7, MinLen: 10}
	cases := map[string]string{
		"X200S020000R00": "FAST",
		"X200S040000R00": "SLOW",
		"X200S000000R00": Unknown,
		"X200S":          Unknown,
		"":               Unknown,
		"X200SZZ0000R00": Unknown,
	}
	for raw, want := range cases {
		if got := DecodeEnum(raw, f, rateTable); got != want {
			t.Errorf("%q: expected %s, got %s", raw, want, got)
		}
	}
}

func TestDecodeIndex(t *testing.T) {
	table := map[int]string{0: "OFF", 1: "ON"}
	if got := DecodeIndex("L1", 1, table); got != "ON" {
		t.Errorf("expected ON, got %s", got)
	}
	if got := DecodeIndex("L7", 1, table); got != Unknown {
		t.Errorf("expected %s, got %s", Unknown, got)
	}
	if got := DecodeIndex("L", 1, table); got != Unknown {
		t.Errorf("expected %s, got %s", Unknown, got)
	}
}

// lateLine answers one line, but only once delay has passed since the command
type lateLine struct {
	mu    sync.Mutex
	delay time.Duration
	ready time.Time
	out   bytes.Buffer
}

func (l *lateLine) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ready = time.Now().Add(l.delay)
	l.out.WriteString("KEITHLEY INSTRUMENTS INC.,MODEL 6221\n")
	return len(p), nil
}

func (l *lateLine) Read(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if time.Now().Before(l.ready) || l.out.Len() == 0 {
		return 0, io.EOF
	}
	return l.out.Read(p)
}

func (l *lateLine) Close() error { return nil }

func TestExecuteReadLineOutlastsSerialTimeout(t *testing.T) {
	port := &lateLine{delay: 150 * time.Millisecond}
	pool := comm.NewPool(1, 0, func() (io.ReadWriteCloser, error) { return port, nil })
	prof := Profile{Name: "k6221", TxTerm: '\n', RxTerm: '\n', Mode: ReadLine, QueriesOnly: true, Timeout: 5 * time.Second}
	a := New(pool, "sim", prof)
	resp, err := a.Execute(context.Background(), Cmd("*IDN?"))
	if err != nil {
		t.Fatalf("expected the late reply, got %v", err)
	}
	if !strings.Contains(resp, "6221") {
		t.Errorf("got %q", resp)
	}
}
