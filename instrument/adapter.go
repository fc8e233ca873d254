/*Package instrument is the command/response layer shared by every driver.

An Adapter owns one transport for the life of a connection.  Each call frames
a command for the instrument's protocol (an ISOBUS "@n" address, a line
terminator), writes it, waits the protocol's settle interval and reads the
reply.  Profile describes a protocol; the oxford and keithley packages carry
the profiles for their instruments.

Replies are decoded with DecodeNumeric, DecodeEnum and DecodeIndex, which
return sentinels instead of failing so that a single garbled reply never
brings down a polling loop.
*/
package instrument

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cryolab/cryolab/comm"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"
)

// ReadMode is how a reply is collected from the wire
type ReadMode int

const (
	// ReadAvailable takes whatever bytes are buffered after the settle delay
	ReadAvailable ReadMode = iota

	// ReadLine reads through the Rx terminator
	ReadLine
)

// Profile describes the framing and timing of an instrument protocol
type Profile struct {
	// Name is used in log lines
	Name string

	// Prefix is prepended to every command, e.g. "@1" for ISOBUS address 1
	Prefix string

	TxTerm byte
	RxTerm byte

	// Settle is slept between write and read
	Settle time.Duration

	// ErrorMarker is a substring whose presence in a reply means the
	// instrument rejected the command
	ErrorMarker string

	Mode ReadMode

	// QueriesOnly is set for SCPI instruments, which only reply to commands
	// containing a '?'
	QueriesOnly bool

	// Quiet ends a ReadAvailable read once no bytes arrive for this long
	Quiet time.Duration

	// Timeout bounds each read and write
	Timeout time.Duration

	MaxResponse int

	// Probe is sent once on connect; Check validates its reply
	Probe        Command
	Check        func(string) error
	ProbeTimeout time.Duration

	// SafeState is sent, best effort, on Close
	SafeState []Command

	// Rate caps commands per second, 0 is unlimited
	Rate float64

	Serial comm.SerialSettings
}

// Command is a mnemonic and its argument
type Command struct {
	Mnemonic string
	Arg      string
}

// Cmd builds a command from a mnemonic and an optional argument, Cmd("R", 1) is "R1"
func Cmd(mnemonic string, arg ...interface{}) Command {
	c := Command{Mnemonic: mnemonic}
	if len(arg) > 0 {
		c.Arg = fmt.Sprint(arg...)
	}
	return c
}

func (c Command) String() string {
	return c.Mnemonic + c.Arg
}

// Adapter sends commands to one instrument and reads its replies.
// It is safe for concurrent use; at most one command is in flight.
type Adapter struct {
	prof    Profile
	addr    string
	pool    *comm.Pool
	limiter *rate.Limiter
	log     *logrus.Entry

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// Option configures an Adapter
type Option func(*options)

type options struct {
	log        *logrus.Entry
	controller string
	maxElapsed time.Duration
}

// WithLogger sets the logger the adapter writes to
func WithLogger(l *logrus.Entry) Option {
	return func(o *options) { o.log = l }
}

// WithGPIBController sets the address of the Prologix controller that GPIB
// addresses are reached through
func WithGPIBController(addr string) Option {
	return func(o *options) { o.controller = addr }
}

// WithConnectTimeout caps the time spent retrying the initial connection
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) { o.maxElapsed = d }
}

// New returns an adapter speaking prof over the connections in pool.
// No I/O is done until the first command.
func New(pool *comm.Pool, addr string, prof Profile, opts ...Option) *Adapter {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logrus.NewEntry(logrus.StandardLogger())
	}
	if prof.Timeout == 0 {
		prof.Timeout = 3 * time.Second
	}
	if prof.Quiet == 0 {
		prof.Quiet = 20 * time.Millisecond
	}
	a := &Adapter{
		prof: prof,
		addr: addr,
		pool: pool,
		log:  o.log.WithFields(logrus.Fields{"instrument": prof.Name, "addr": addr}),
	}
	if prof.Rate > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(prof.Rate), 1)
	}
	return a
}

// Dial parses addr, opens the transport and runs the profile's identity
// probe.  Every failure wraps ErrConnection, and nothing is left open.
func Dial(ctx context.Context, addr string, prof Profile, opts ...Option) (*Adapter, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	parsed, err := comm.ParseAddress(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	cfg := comm.DialConfig{
		Serial:         prof.Serial,
		Timeout:        prof.Timeout,
		GPIBController: o.controller,
		EOS:            prof.TxTerm,
		MaxElapsed:     o.maxElapsed,
	}
	a := New(comm.NewPool(1, 0, comm.Opener(parsed, cfg)), addr, prof, opts...)
	if err := a.probe(ctx); err != nil {
		a.release()
		return nil, err
	}
	a.log.Info("connected")
	return a, nil
}

func (a *Adapter) probe(ctx context.Context) error {
	if a.prof.Probe.Mnemonic == "" {
		// no identity command, just prove the transport opens
		a.mu.Lock()
		defer a.mu.Unlock()
		conn, err := a.pool.Get()
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrConnection, a.addr, err)
		}
		a.pool.Put(conn)
		return nil
	}
	timeout := a.prof.ProbeTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := a.Execute(ctx, a.prof.Probe)
	if err != nil {
		return fmt.Errorf("%w: identity probe of %s failed: %v", ErrConnection, a.addr, err)
	}
	if a.prof.Check != nil {
		if err := a.prof.Check(resp); err != nil {
			return fmt.Errorf("%w: %s is not the expected instrument: %v", ErrConnection, a.addr, err)
		}
	}
	return nil
}

// Profile returns the protocol profile of the adapter
func (a *Adapter) Profile() Profile {
	return a.prof
}

// Addr returns the address the adapter was made for
func (a *Adapter) Addr() string {
	return a.addr
}

// Log returns the adapter's logger, for drivers to annotate
func (a *Adapter) Log() *logrus.Entry {
	return a.log
}

// Execute sends cmd and returns the instrument's reply with terminators
// trimmed.  On failure the reply is empty and the error wraps ErrConnection
// (the transport failed and will be reopened on the next call) or
// ErrProtocol (the instrument answered with its error marker, or not at all).
// Commands to which a SCPI instrument does not reply return "", nil.
func (a *Adapter) Execute(ctx context.Context, cmd Command) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return "", ErrNotConnected
	}
	return a.execute(ctx, cmd)
}

// Raw sends a free-form command string, for maintenance and debugging
func (a *Adapter) Raw(ctx context.Context, s string) (string, error) {
	return a.Execute(ctx, Command{Mnemonic: s})
}

// must hold mu
func (a *Adapter) execute(ctx context.Context, cmd Command) (string, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}
	wantReply := !a.prof.QueriesOnly || strings.Contains(cmd.Mnemonic, "?")
	conn, err := a.pool.Get()
	if err != nil {
		a.log.WithError(err).Error("could not open transport")
		return "", fmt.Errorf("%w: %s: %v", ErrConnection, a.addr, err)
	}
	raw, err := a.exchange(ctx, conn, cmd, wantReply)
	a.pool.ReturnWithError(conn, err)
	if err != nil && ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err != nil {
		a.log.WithError(err).WithField("cmd", cmd.String()).Error("transport failure")
		return "", fmt.Errorf("%w: %s: %s: %v", ErrConnection, a.addr, cmd, err)
	}
	if !wantReply {
		return "", nil
	}
	resp := strings.TrimRight(string(raw), "\r\n")
	a.log.WithFields(logrus.Fields{"cmd": cmd.String(), "resp": resp}).Debug("exchange")
	if resp == "" {
		a.log.WithField("cmd", cmd.String()).Warn("no response")
		return "", fmt.Errorf("%w: no response to %s", ErrProtocol, cmd)
	}
	if a.prof.ErrorMarker != "" && strings.Contains(resp, a.prof.ErrorMarker) {
		a.log.WithFields(logrus.Fields{"cmd": cmd.String(), "resp": resp}).Warn("instrument rejected command")
		return "", fmt.Errorf("%w: %s rejected with %q", ErrProtocol, cmd, resp)
	}
	return resp, nil
}

// exchange returns only transport errors; an empty reply is not one
func (a *Adapter) exchange(ctx context.Context, conn io.ReadWriter, cmd Command, wantReply bool) ([]byte, error) {
	timeout := a.prof.Timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	rw := comm.NewTimeout(conn, timeout)
	frame := a.prof.Prefix + cmd.String() + string(a.prof.TxTerm)
	if _, err := io.WriteString(rw, frame); err != nil {
		return nil, err
	}
	if !wantReply {
		return nil, nil
	}
	if a.prof.Settle > 0 {
		t := time.NewTimer(a.prof.Settle)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			// the reply is still coming; drop the connection rather than
			// leave it for the next caller to read
			return nil, ctx.Err()
		}
	}
	var (
		raw []byte
		err error
	)
	switch a.prof.Mode {
	case ReadLine:
		raw, err = comm.ReadLine(rw, a.prof.RxTerm, a.prof.MaxResponse, timeout)
	default:
		raw, err = comm.ReadAvailable(conn, timeout, a.prof.Quiet, a.prof.MaxResponse)
	}
	if err == comm.ErrNoResponse {
		return nil, nil
	}
	return raw, err
}

// Close puts the instrument in its safe state (local front-panel control,
// output off) and releases the transport.  Failures of the safe-state
// commands are logged and swallowed.  Close may be called on any exit path,
// including after errors; calls after the first do nothing.
func (a *Adapter) Close(ctx context.Context) error {
	var err error
	a.closeOnce.Do(func() {
		a.mu.Lock()
		var safe error
		for _, cmd := range a.prof.SafeState {
			if _, e := a.execute(ctx, cmd); e != nil {
				safe = multierr.Append(safe, e)
			}
		}
		a.closed = true
		a.mu.Unlock()
		if safe != nil {
			a.log.WithError(safe).Warn("could not restore safe state on close")
		}
		err = a.release()
		a.log.Info("closed")
	})
	return err
}

func (a *Adapter) release() error {
	err := a.pool.Close()
	if err != nil {
		a.log.WithError(err).Warn("error releasing transport")
	}
	return err
}
