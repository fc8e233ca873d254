package comm_test

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cryolab/cryolab/comm"
)

func tcpEchoServer(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal("could not listen, test aborted:", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() { io.Copy(conn, conn) }() // use goroutines to handle multiple connections
		}
	}()
	return ln.Addr().String()
}

func TestParseAddress(t *testing.T) {
	cases := []struct {
		in   string
		kind comm.Kind
		want string
	}{
		{"GPIB0::5::INSTR", comm.KindGPIB, "5"},
		{"gpib1::24::INSTR", comm.KindGPIB, "24"},
		{"ASRL/dev/ttyUSB0::INSTR", comm.KindSerial, "/dev/ttyUSB0"},
		{"TCPIP0::10.0.0.7::7020::SOCKET", comm.KindTCP, "10.0.0.7:7020"},
		{"10.0.0.7:7020", comm.KindTCP, "10.0.0.7:7020"},
		{"/dev/ttyUSB1", comm.KindSerial, "/dev/ttyUSB1"},
		{"COM4", comm.KindSerial, "COM4"},
	}
	for _, c := range cases {
		a, err := comm.ParseAddress(c.in)
		if err != nil {
			t.Errorf("%s: unexpected error %v", c.in, err)
			continue
		}
		if a.Kind != c.kind {
			t.Errorf("%s: expected kind %v, got %v", c.in, c.kind, a.Kind)
		}
		var got string
		switch a.Kind {
		case comm.KindGPIB:
			got = strconv.Itoa(a.Primary)
		case comm.KindSerial:
			got = a.Device
		case comm.KindTCP:
			got = net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
		}
		if got != c.want {
			t.Errorf("%s: expected %s, got %s", c.in, c.want, got)
		}
	}
}

func TestParseAddressRejectsGarbage(t *testing.T) {
	bad := []string{"", "GPIB0::31::INSTR", "GPIB0", "TCPIP0::host::INSTR", "ASRL::INSTR", "USB0::1::2::INSTR", "nohost"}
	for _, in := range bad {
		_, err := comm.ParseAddress(in)
		if err == nil {
			t.Errorf("expected %q to be rejected", in)
		}
	}
}

func TestParseControllerDefaultsPort(t *testing.T) {
	cases := [][2]string{
		{"10.0.0.9", "10.0.0.9:1234"},
		{" prologix.lab ", "prologix.lab:1234"},
		{"10.0.0.9:5000", "10.0.0.9:5000"},
		{"TCPIP0::10.0.0.9::1234::SOCKET", "10.0.0.9:1234"},
	}
	for _, c := range cases {
		in, want := c[0], c[1]
		a, err := comm.ParseController(in)
		if err != nil {
			t.Errorf("%s: unexpected error %v", in, err)
			continue
		}
		if a.Kind != comm.KindTCP {
			t.Errorf("%s: expected a TCP controller, got %v", in, a.Kind)
		}
		if got := net.JoinHostPort(a.Host, strconv.Itoa(a.Port)); got != want {
			t.Errorf("%s: expected %s, got %s", in, want, got)
		}
	}
	a, err := comm.ParseController("/dev/ttyUSB0")
	if err != nil || a.Kind != comm.KindSerial {
		t.Errorf("expected a serial controller, got %v %v", a.Kind, err)
	}
	if _, err := comm.ParseController(""); err == nil {
		t.Error("expected an empty controller to be rejected")
	}
}

func TestOpenerGPIBReachesBareHostController(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(comm.PrologixPort))
	if err != nil {
		t.Skip("Prologix port unavailable:", err)
	}
	defer ln.Close()
	got := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var seen []byte
		buf := make([]byte, 256)
		for !bytes.Contains(seen, []byte("++addr")) {
			n, err := conn.Read(buf)
			seen = append(seen, buf[:n]...)
			if err != nil {
				break
			}
		}
		got <- string(seen)
	}()
	addr, _ := comm.ParseAddress("GPIB0::12::INSTR")
	conn, err := comm.Opener(addr, comm.DialConfig{GPIBController: "127.0.0.1", Timeout: time.Second})()
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	select {
	case s := <-got:
		if !strings.Contains(s, "++addr 12") {
			t.Errorf("expected the controller to be configured for address 12, got %q", s)
		}
	case <-time.After(2 * time.Second):
		t.Error("nothing reached the controller")
	}
}

func TestOpenerTCPEcho(t *testing.T) {
	addr, err := comm.ParseAddress(tcpEchoServer(t))
	if err != nil {
		t.Fatal(err)
	}
	conn, err := comm.Opener(addr, comm.DialConfig{Timeout: time.Second})()
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	rw := comm.NewTimeout(conn, time.Second)
	if _, err := io.WriteString(rw, "*IDN?\n"); err != nil {
		t.Fatal(err)
	}
	b, err := comm.ReadLine(rw, '\n', 64, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "*IDN?\n" {
		t.Errorf("expected echo of *IDN?\\n, got %q", b)
	}
}

func TestOpenerGPIBWithoutControllerFailsFast(t *testing.T) {
	addr, _ := comm.ParseAddress("GPIB0::12::INSTR")
	start := time.Now()
	_, err := comm.Opener(addr, comm.DialConfig{})()
	if !errors.Is(err, comm.ErrNoController) {
		t.Errorf("expected ErrNoController, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("a configuration error should not be retried")
	}
}

type fakeConn struct {
	mu     sync.Mutex
	closed bool
}

func (f *fakeConn) Read(p []byte) (int, error)  { return 0, io.EOF }
func (f *fakeConn) Write(p []byte) (int, error) { return len(p), nil }
func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestPoolReusesAndRemakes(t *testing.T) {
	made := 0
	pool := comm.NewPool(1, 0, func() (io.ReadWriteCloser, error) {
		made++
		return &fakeConn{}, nil
	})
	c1, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	pool.Put(c1)
	c2, _ := pool.Get()
	if c1 != c2 || made != 1 {
		t.Errorf("expected the idle connection to be reused, made %d", made)
	}
	pool.ReturnWithError(c2, errors.New("broken"))
	if !c2.(*fakeConn).closed {
		t.Error("expected a destroyed connection to be closed")
	}
	c3, _ := pool.Get()
	if made != 2 || c3 == c2 {
		t.Errorf("expected a new connection after destroy, made %d", made)
	}
	pool.Put(c3)
}

func TestPoolMaintainsSize(t *testing.T) {
	pool := comm.NewPool(1, time.Second, func() (io.ReadWriteCloser, error) { return &fakeConn{}, nil })
	held, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	got := make(chan io.ReadWriter, 1)
	go func() {
		rw, _ := pool.Get()
		got <- rw
	}()
	select {
	case <-got:
		t.Fatal("failed to prevent pool overflow")
	case <-time.After(50 * time.Millisecond):
	}
	pool.Put(held)
	select {
	case rw := <-got:
		pool.Put(rw)
	case <-time.After(time.Second):
		t.Fatal("waiter was not handed the returned connection")
	}
}

func TestPoolReclaimsIdle(t *testing.T) {
	pool := comm.NewPool(1, 10*time.Millisecond, func() (io.ReadWriteCloser, error) { return &fakeConn{}, nil })
	c, _ := pool.Get()
	pool.Put(c)
	time.Sleep(100 * time.Millisecond)
	if pool.Size() != 0 {
		t.Errorf("expected idle connections to be freed, pool holds %d", pool.Size())
	}
	fc := c.(*fakeConn)
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if !fc.closed {
		t.Error("reclaimed connection was not closed")
	}
}

func TestPoolCloseIsIdempotent(t *testing.T) {
	pool := comm.NewPool(1, 0, func() (io.ReadWriteCloser, error) { return &fakeConn{}, nil })
	c, _ := pool.Get()
	pool.Put(c)
	if err := pool.Close(); err != nil {
		t.Fatal(err)
	}
	if err := pool.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Get(); !errors.Is(err, comm.ErrPoolClosed) {
		t.Errorf("expected ErrPoolClosed, got %v", err)
	}
}

func TestReadAvailableCollectsBurst(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	go func() {
		b.Write([]byte("X0"))
		time.Sleep(5 * time.Millisecond)
		b.Write([]byte("3S02R\r"))
	}()
	out, err := comm.ReadAvailable(a, time.Second, 50*time.Millisecond, 64)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "X03S02R\r" {
		t.Errorf("expected both writes to be collected, got %q", out)
	}
}

func TestReadAvailableNothing(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	_, err := comm.ReadAvailable(a, 20*time.Millisecond, 10*time.Millisecond, 64)
	if !errors.Is(err, comm.ErrNoResponse) {
		t.Errorf("expected ErrNoResponse, got %v", err)
	}
}

func TestReadAvailableWithoutDeadlines(t *testing.T) {
	r := bytes.NewBufferString("R0473\r")
	out, err := comm.ReadAvailable(r, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "R0473\r" {
		t.Errorf("got %q", out)
	}
}

func TestReadLineLeavesRemainder(t *testing.T) {
	r := strings.NewReader("first\nsecond\n")
	b, err := comm.ReadLine(r, '\n', 0, 0)
	if err != nil || string(b) != "first\n" {
		t.Fatalf("got %q, %v", b, err)
	}
	b, err = comm.ReadLine(r, '\n', 0, 0)
	if err != nil || string(b) != "second\n" {
		t.Fatalf("got %q, %v", b, err)
	}
}

// slowPort behaves like a serial port whose read timeout expires before the
// instrument answers: reads return 0, io.EOF until after
type slowPort struct {
	after time.Time
	reply *strings.Reader
}

func (s *slowPort) Read(p []byte) (int, error) {
	if time.Now().Before(s.after) {
		return 0, io.EOF
	}
	return s.reply.Read(p)
}

func TestReadLineWaitsForSlowSerial(t *testing.T) {
	r := &slowPort{after: time.Now().Add(150 * time.Millisecond), reply: strings.NewReader("KEITHLEY 6221\n")}
	b, err := comm.ReadLine(r, '\n', 0, 5*time.Second)
	if err != nil || string(b) != "KEITHLEY 6221\n" {
		t.Fatalf("got %q, %v", b, err)
	}
}

func TestReadLineGivesUpAfterWait(t *testing.T) {
	r := &slowPort{after: time.Now().Add(time.Hour), reply: strings.NewReader("")}
	start := time.Now()
	_, err := comm.ReadLine(r, '\n', 0, 50*time.Millisecond)
	if !errors.Is(err, comm.ErrNoResponse) {
		t.Errorf("expected ErrNoResponse, got %v", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("returned before the wait elapsed")
	}
}

func TestReadAvailableWaitsForSlowSerial(t *testing.T) {
	r := &slowPort{after: time.Now().Add(100 * time.Millisecond), reply: strings.NewReader("R0473\r")}
	b, err := comm.ReadAvailable(r, time.Second, 0, 0)
	if err != nil || string(b) != "R0473\r" {
		t.Fatalf("got %q, %v", b, err)
	}
}

type recorder struct {
	bytes.Buffer
	reply  *strings.Reader
	closed bool
}

func (r *recorder) Read(p []byte) (int, error) { return r.reply.Read(p) }
func (r *recorder) Close() error               { r.closed = true; return nil }

func TestPrologixFraming(t *testing.T) {
	rec := &recorder{reply: strings.NewReader("KEITHLEY INSTRUMENTS INC.,MODEL 6221\n")}
	p, err := comm.NewPrologix(rec, 12, '\n')
	if err != nil {
		t.Fatal(err)
	}
	setup := rec.String()
	for _, want := range []string{"++mode 1\n", "++addr 12\n", "++auto 0\n", "++eos 2\n"} {
		if !strings.Contains(setup, want) {
			t.Errorf("controller setup missing %q", want)
		}
	}
	rec.Reset()
	if _, err := p.Write([]byte("*IDN?\n")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 64)
	if _, err := p.Read(buf); err != nil {
		t.Fatal(err)
	}
	if rec.String() != "*IDN?\n++read eoi\n" {
		t.Errorf("unexpected bytes to controller %q", rec.String())
	}
	rec.Reset()
	p.Write([]byte("+1\r"))
	if rec.String() != "\x1b+1\n" {
		t.Errorf("expected + to be escaped, got %q", rec.String())
	}
	rec.Reset()
	p.Close()
	if rec.String() != "++loc\n" || !rec.closed {
		t.Errorf("expected ++loc before close, got %q", rec.String())
	}
}
