/*Package comm provides the transports used to talk to lab hardware.

A device is reached through an address in one of the VISA-like forms
understood by ParseAddress: an RS-232 port, a raw TCP socket, or a GPIB
primary address behind a Prologix controller.  Connections are produced by an
Opener, which retries with an exponential backoff, and are handed out by a
Pool so that only one command is ever in flight on a given wire.

Most drivers in this module boil down to:

	addr, _ := comm.ParseAddress("ASRL3::INSTR")
	pool := comm.NewPool(1, 0, comm.Opener(addr, comm.DialConfig{Serial: settings}))
	conn, err := pool.Get()
	if err != nil {
		return err
	}
	defer func() { pool.ReturnWithError(conn, err) }()
	...
*/
package comm

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrNotConnected is generated when a transport is used after it was released
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")

	// ErrNoResponse is generated when nothing at all was read before the timeout
	ErrNoResponse = errors.New("no bytes available from remote")

	// ErrNoController is generated when a GPIB address is dialed without a Prologix controller
	ErrNoController = errors.New("GPIB address requires a Prologix controller address")
)

// SerialSettings holds the line parameters of an RS-232 link
type SerialSettings struct {
	Baud        int
	DataBits    byte
	Parity      serial.Parity
	StopBits    serial.StopBits
	ReadTimeout time.Duration
}

// Config converts the settings to a tarm/serial config for the named port
func (s SerialSettings) Config(name string) *serial.Config {
	c := &serial.Config{
		Name:        name,
		Baud:        s.Baud,
		Size:        s.DataBits,
		Parity:      s.Parity,
		StopBits:    s.StopBits,
		ReadTimeout: s.ReadTimeout,
	}
	if c.Baud == 0 {
		c.Baud = 9600
	}
	if c.Size == 0 {
		c.Size = serial.DefaultSize
	}
	if c.Parity == 0 {
		c.Parity = serial.ParityNone
	}
	if c.StopBits == 0 {
		c.StopBits = serial.Stop1
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 100 * time.Millisecond
	}
	return c
}

// DialConfig holds everything needed to open a transport for an Address
type DialConfig struct {
	// Serial is used for ASRL addresses and for a USB Prologix controller
	Serial SerialSettings

	// Timeout bounds the TCP dial
	Timeout time.Duration

	// GPIBController is the address of the Prologix controller that GPIB
	// addresses are routed through, e.g. /dev/ttyUSB0 or 192.168.1.50:1234
	GPIBController string

	// EOS is the terminator the instrument expects on the GPIB bus
	EOS byte

	// MaxElapsed caps the time spent retrying the connection
	MaxElapsed time.Duration
}

// CreationFunc is a function which returns a new "connection" to something
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.ReadWriteCloser, error)

// Opener returns a CreationFunc which opens the transport for addr.
// Transient failures are retried with an exponential backoff; a missing
// serial device or a bad configuration fails immediately.
func Opener(addr Address, cfg DialConfig) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var (
			conn  io.ReadWriteCloser
			fatal error
			last  error
		)
		op := func() error {
			c, err := open(addr, cfg)
			if err != nil {
				if permanent(err) {
					fatal = err
					return nil
				}
				last = err
				return err
			}
			conn = c
			return nil
		}
		elapsed := cfg.MaxElapsed
		if elapsed == 0 {
			elapsed = 3 * time.Second
		}
		// we use an exponential backoff, terminal servers
		// do not like being connection thrashed
		err := backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     25 * time.Millisecond,
			RandomizationFactor: 0.,
			Multiplier:          2.,
			MaxInterval:         1 * time.Second,
			MaxElapsedTime:      elapsed,
			Clock:               backoff.SystemClock})
		if fatal != nil {
			return nil, fatal
		}
		if err != nil {
			if last != nil {
				return nil, fmt.Errorf("connection timeout to %s: %w", addr, last)
			}
			return nil, fmt.Errorf("connection timeout to %s", addr)
		}
		return conn, nil
	}
}

func permanent(err error) bool {
	if errors.Is(err, ErrNoController) || errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return true
	}
	var aerr *AddressError
	return errors.As(err, &aerr)
}

func open(addr Address, cfg DialConfig) (io.ReadWriteCloser, error) {
	switch addr.Kind {
	case KindSerial:
		return serial.OpenPort(cfg.Serial.Config(addr.Device))
	case KindTCP:
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 3 * time.Second
		}
		return TCPSetup(net.JoinHostPort(addr.Host, strconv.Itoa(addr.Port)), timeout)
	case KindGPIB:
		if strings.TrimSpace(cfg.GPIBController) == "" {
			return nil, ErrNoController
		}
		ctl, err := ParseController(cfg.GPIBController)
		if err != nil {
			return nil, err
		}
		if ctl.Kind == KindGPIB {
			return nil, &AddressError{Addr: cfg.GPIBController, Reason: "a Prologix controller cannot itself be a GPIB address"}
		}
		ctlCfg := cfg
		ctlCfg.GPIBController = ""
		conn, err := open(ctl, ctlCfg)
		if err != nil {
			return nil, err
		}
		p, err := NewPrologix(conn, addr.Primary, cfg.EOS)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return p, nil
	}
	return nil, &AddressError{Addr: addr.Raw, Reason: "unknown transport"}
}

// TCPSetup opens a new TCP connection with a bounded dial time.
// Read and write deadlines are left to the caller, see NewTimeout.
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetKeepAlive(true)
		tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	return conn, nil
}
