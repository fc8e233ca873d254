/*Package acquire polls instruments on a timer.

A Poller samples one node every period, keeps a ring buffer of recent
readings, updates Prometheus gauges and hands each reading to its sinks (CSV
files, Redis).  The caller owns the poller and the instrument behind it:
stopping a poller never closes the instrument.

Protocol and decode failures skip one cycle.  A connection failure halts the
poller; it is reported through Err and must be restarted by the caller.
*/
package acquire

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cryolab/cryolab/instrument"
)

// ErrRunning is returned by Start on a poller that is already running
var ErrRunning = errors.New("poller already running")

// SampleFunc takes one reading from an instrument
type SampleFunc func(context.Context) (map[string]float64, error)

// Channel is a named single-valued accessor
type Channel func(context.Context) (float64, error)

// Channels combines accessors into a SampleFunc.  They are read in name
// order; the first error aborts the sample.
func Channels(chans map[string]Channel) SampleFunc {
	names := make([]string, 0, len(chans))
	for k := range chans {
		names = append(names, k)
	}
	sort.Strings(names)
	return func(ctx context.Context) (map[string]float64, error) {
		out := make(map[string]float64, len(names))
		for _, n := range names {
			v, err := chans[n](ctx)
			if err != nil {
				return nil, err
			}
			out[n] = v
		}
		return out, nil
	}
}

// Sink receives every reading
type Sink interface {
	Write(context.Context, Reading) error
}

// Option configures a Poller
type Option func(*Poller)

// WithHistory sets the ring buffer capacity, default 1000
func WithHistory(n int) Option {
	return func(p *Poller) { p.hist = NewHistory(n) }
}

// WithSink adds a sink
func WithSink(s Sink) Option {
	return func(p *Poller) { p.sinks = append(p.sinks, s) }
}

// WithLogger sets the logger
func WithLogger(l *logrus.Entry) Option {
	return func(p *Poller) { p.log = l }
}

// WithMetrics reports to m
func WithMetrics(m *Metrics) Option {
	return func(p *Poller) { p.metrics = m }
}

// WithLimit stops the poller after n successful samples; 0 is unlimited
func WithLimit(n int) Option {
	return func(p *Poller) { p.limit = n }
}

// Poller samples a node periodically
type Poller struct {
	node    string
	period  time.Duration
	sample  SampleFunc
	hist    *History
	sinks   []Sink
	log     *logrus.Entry
	metrics *Metrics
	limit   int
	now     func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	started time.Time
}

// NewPoller returns a stopped poller of node
func NewPoller(node string, period time.Duration, fn SampleFunc, opts ...Option) *Poller {
	p := &Poller{
		node:   node,
		period: period,
		sample: fn,
		now:    time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	if p.hist == nil {
		p.hist = NewHistory(1000)
	}
	if p.log == nil {
		p.log = logrus.WithField("node", node)
	}
	return p
}

// Node is the name of the polled node
func (p *Poller) Node() string {
	return p.node
}

// Period is the sampling period
func (p *Poller) Period() time.Duration {
	return p.period
}

// History returns the ring buffer of readings
func (p *Poller) History() *History {
	return p.hist
}

// Start begins polling in a new goroutine.  The first sample is taken
// immediately.  Polling ends when ctx is done, Stop is called, the sample
// limit is reached or the connection fails.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		select {
		case <-p.done:
		default:
			return ErrRunning
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.err = nil
	p.started = p.now()
	p.log.WithField("period", p.period).Info("polling started")
	go p.run(ctx, p.done)
	return nil
}

// Stop ends polling and waits for the goroutine to exit.  Stopping a stopped
// poller does nothing.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the poller is running
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Err is the error that halted the poller, if any
func (p *Poller) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Started is when the poller was last started
func (p *Poller) Started() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.period)
	defer ticker.Stop()
	n := 0
	for {
		skipped, err := p.poll(ctx)
		if err != nil {
			p.mu.Lock()
			p.err = err
			p.mu.Unlock()
			p.log.WithError(err).Error("polling halted")
			return
		}
		if !skipped {
			n++
		}
		if p.limit > 0 && n >= p.limit {
			p.log.WithField("samples", n).Info("sample limit reached")
			return
		}
		select {
		case <-ctx.Done():
			p.log.Info("polling stopped")
			return
		case <-ticker.C:
		}
	}
}

// poll takes one sample.  skipped is true when the cycle produced no
// reading; err is non-nil only when polling must halt.
func (p *Poller) poll(ctx context.Context) (skipped bool, err error) {
	vals, err := p.sample(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return true, nil
		}
		kind := errorKind(err)
		p.metrics.fail(p.node, kind)
		if kind == "connection" {
			return true, err
		}
		p.log.WithError(err).Warn("sample skipped")
		return true, nil
	}
	r := Reading{Node: p.node, Time: p.now(), Values: vals}
	p.hist.Append(r)
	p.metrics.observe(r)
	for _, s := range p.sinks {
		if err := s.Write(ctx, r); err != nil {
			p.metrics.fail(p.node, "sink")
			p.log.WithError(err).Warn("sink write failed")
		}
	}
	return false, nil
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, instrument.ErrConnection), errors.Is(err, instrument.ErrNotConnected):
		return "connection"
	case errors.Is(err, instrument.ErrProtocol):
		return "protocol"
	case errors.Is(err, instrument.ErrDecode):
		return "decode"
	}
	return "other"
}
