package instrument

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cryolab/cryolab/comm"
)

// Simulator is an in-memory stand-in for an instrument's serial line.
// Every command terminated with RxTerm is passed to Handle, and a non-empty
// answer is queued for reading with TxTerm appended.
type Simulator struct {
	RxTerm, TxTerm byte

	// Handle answers one command, without its terminator
	Handle func(cmd string) string

	mu  sync.Mutex
	in  bytes.Buffer
	out bytes.Buffer
}

// Write feeds bytes to the simulated instrument
func (s *Simulator) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.in.Write(p)
	for {
		i := bytes.IndexByte(s.in.Bytes(), s.RxTerm)
		if i < 0 {
			break
		}
		cmd := string(s.in.Next(i + 1)[:i])
		cmd = strings.TrimRight(cmd, "\r\n")
		if resp := s.Handle(cmd); resp != "" {
			s.out.WriteString(resp)
			s.out.WriteByte(s.TxTerm)
		}
	}
	return len(p), nil
}

// Read returns queued replies, or io.EOF when there are none
func (s *Simulator) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out.Len() == 0 {
		return 0, io.EOF
	}
	return s.out.Read(p)
}

// Close discards anything in flight.  The simulator may be reused.
func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.in.Reset()
	s.out.Reset()
	return nil
}

// simTimeout bounds the wait for a reply that the simulator, which answers
// as soon as a command is written, is never going to send
const simTimeout = 20 * time.Millisecond

// NewSimulated returns an adapter talking to sim instead of hardware.  The
// settle delay and command pacing of prof are dropped.
func NewSimulated(sim *Simulator, prof Profile, opts ...Option) *Adapter {
	prof.Settle = 0
	prof.Rate = 0
	prof.Timeout = simTimeout
	pool := comm.NewPool(1, 0, func() (io.ReadWriteCloser, error) { return sim, nil })
	return New(pool, "mock:"+prof.Name, prof, opts...)
}
