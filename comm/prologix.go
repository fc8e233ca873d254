package comm

import (
	"fmt"
	"io"
	"time"

	"go.uber.org/multierr"
)

const (
	esc     = 0x1B
	usbTerm = '\n'
)

// Prologix adapts a Prologix GPIB-USB or GPIB-Ethernet controller to a plain
// ReadWriteCloser for a single instrument.  Each Write is forwarded to the
// instrument; the first Read after a Write asks the controller to read from
// the bus until EOI.
//
// The instrument's own terminator is stripped from writes and re-applied by
// the controller (++eos), since the controller discards unescaped CR and LF.
type Prologix struct {
	rw          io.ReadWriteCloser
	primary     int
	readPending bool
}

// NewPrologix configures the controller on rw to talk to the instrument at
// the given primary address.  eos is the instrument's terminator: '\r', '\n',
// or 0 for CR+LF.
func NewPrologix(rw io.ReadWriteCloser, primary int, eos byte) (*Prologix, error) {
	if primary < 0 || primary > 30 {
		return nil, fmt.Errorf("invalid primary address %d (must be 0-30)", primary)
	}
	eosMode := 0
	switch eos {
	case '\r':
		eosMode = 1
	case '\n':
		eosMode = 2
	}
	p := &Prologix{rw: rw, primary: primary}
	// controller mode, no read-after-write (we ask explicitly with ++read),
	// EOI asserted with the last byte
	cmds := []string{
		"mode 1",
		fmt.Sprintf("addr %d", primary),
		"auto 0",
		"eoi 1",
		fmt.Sprintf("eos %d", eosMode),
		"read_tmo_ms 500",
	}
	for _, c := range cmds {
		if err := p.Controller(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Controller sends a ++ command to the controller itself
func (p *Prologix) Controller(cmd string) error {
	_, err := fmt.Fprintf(p.rw, "++%s%c", cmd, usbTerm)
	return err
}

// Write sends p to the instrument, escaping bytes the controller would
// otherwise interpret
func (p *Prologix) Write(b []byte) (int, error) {
	payload := trimTerm(b)
	buf := make([]byte, 0, len(payload)*2+1)
	for _, c := range payload {
		switch c {
		case esc, '+', '\r', '\n':
			buf = append(buf, esc)
		}
		buf = append(buf, c)
	}
	buf = append(buf, usbTerm)
	if _, err := p.rw.Write(buf); err != nil {
		return 0, err
	}
	p.readPending = true
	return len(b), nil
}

// Read reads the instrument's reply, requesting it from the bus if needed
func (p *Prologix) Read(b []byte) (int, error) {
	if p.readPending {
		p.readPending = false
		if err := p.Controller("read eoi"); err != nil {
			return 0, err
		}
	}
	return p.rw.Read(b)
}

// Close returns the instrument to front panel control and releases the controller
func (p *Prologix) Close() error {
	return multierr.Append(p.Controller("loc"), p.rw.Close())
}

// SetReadDeadline forwards to an Ethernet controller's socket
func (p *Prologix) SetReadDeadline(t time.Time) error {
	if rd, ok := p.rw.(readDeadliner); ok {
		return rd.SetReadDeadline(t)
	}
	return nil
}

// SetWriteDeadline forwards to an Ethernet controller's socket
func (p *Prologix) SetWriteDeadline(t time.Time) error {
	if wd, ok := p.rw.(writeDeadliner); ok {
		return wd.SetWriteDeadline(t)
	}
	return nil
}

func trimTerm(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\r' || b[len(b)-1] == '\n') {
		b = b[:len(b)-1]
	}
	return b
}
