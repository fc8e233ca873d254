package comm

import (
	"errors"
	"io"
	"net"
	"os"
	"time"
)

type readDeadliner interface {
	SetReadDeadline(time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(time.Time) error
}

// Timeout sets a fresh deadline of D before every Read and Write
type Timeout struct {
	rw io.ReadWriter
	D  time.Duration
}

// NewTimeout wraps rw.  Transports without deadlines (serial ports carry
// their own read timeout) are returned unwrapped.
func NewTimeout(rw io.ReadWriter, d time.Duration) io.ReadWriter {
	_, r := rw.(readDeadliner)
	_, w := rw.(writeDeadliner)
	if !r || !w || d <= 0 {
		return rw
	}
	return &Timeout{rw: rw, D: d}
}

func (t *Timeout) Read(p []byte) (int, error) {
	t.rw.(readDeadliner).SetReadDeadline(time.Now().Add(t.D))
	return t.rw.Read(p)
}

func (t *Timeout) Write(p []byte) (int, error) {
	t.rw.(writeDeadliner).SetWriteDeadline(time.Now().Add(t.D))
	return t.rw.Write(p)
}

// ReadLine reads one byte at a time until term is seen or max bytes have
// been read.  The terminator is included in the result.
//
// A serial port reports io.EOF when its own read timeout, shorter than the
// instrument's response time, runs out.  Readers without deadlines are
// therefore read until term or until wait has elapsed, and ErrNoResponse is
// returned if nothing arrived in that time.  A wait of 0, or a reader that
// takes deadlines, stops at the first error.
func ReadLine(r io.Reader, term byte, max int, wait time.Duration) ([]byte, error) {
	if max <= 0 {
		max = DefaultReadSize
	}
	retry := wait > 0 && !canDeadline(r)
	start := time.Now()
	out := make([]byte, 0, 64)
	var b [1]byte
	for len(out) < max {
		n, err := r.Read(b[:])
		if n == 1 {
			out = append(out, b[0])
			if b[0] == term {
				return out, nil
			}
		}
		if err == nil {
			continue
		}
		if !errors.Is(err, io.EOF) {
			return out, err
		}
		if retry && time.Since(start) < wait {
			if n == 0 {
				time.Sleep(emptyReadBackoff)
			}
			continue
		}
		switch {
		case len(out) > 0:
			return out, ErrTerminatorNotFound
		case retry:
			return nil, ErrNoResponse
		}
		return out, err
	}
	return out, ErrTerminatorNotFound
}

// emptyReadBackoff is slept after an empty read of a transport without
// deadlines, tarm/serial ports block for their own ReadTimeout before that
const emptyReadBackoff = 5 * time.Millisecond

// canDeadline reports whether reads from r are bounded by deadlines, in
// which case io.EOF means the peer went away
func canDeadline(r io.Reader) bool {
	switch r.(type) {
	case readDeadliner, *Timeout:
		return true
	}
	return false
}

// DefaultReadSize is the buffer used when a caller does not bound a read
const DefaultReadSize = 1500

// ReadAvailable collects whatever the remote sends.  It waits up to wait for
// the first byte, then keeps reading until the line has been quiet for quiet
// or max bytes have arrived.  Readers without deadlines are read until they
// report no more data, after retrying empty reads for up to wait.  If nothing
// arrives ErrNoResponse is returned, which does not by itself indicate a
// broken connection.
func ReadAvailable(r io.Reader, wait, quiet time.Duration, max int) ([]byte, error) {
	if max <= 0 {
		max = DefaultReadSize
	}
	buf := make([]byte, max)
	rd, deadlines := r.(readDeadliner)
	if deadlines {
		defer rd.SetReadDeadline(time.Time{})
	}
	start := time.Now()
	n := 0
	d := wait
	for n < max {
		if deadlines {
			rd.SetReadDeadline(time.Now().Add(d))
		}
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			if isTimeout(err) {
				break
			}
			if errors.Is(err, io.EOF) {
				if n == 0 && !deadlines && time.Since(start) < wait {
					time.Sleep(emptyReadBackoff)
					continue
				}
				break
			}
			return buf[:n], err
		}
		if m == 0 && !deadlines {
			break
		}
		d = quiet
	}
	if n == 0 {
		return nil, ErrNoResponse
	}
	return buf[:n], nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
