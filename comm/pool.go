package comm

import (
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// ErrPoolClosed is returned by Get after the pool has been closed
var ErrPoolClosed = errors.New("connection pool is closed")

// Pool is a communication pool which holds one or more connections to a device
// that will be closed if they are not in use, and re-opened as needed.
// it is concurrent safe.  Pools must be created with NewPool.
//
// A pool of size one serializes access to the device; the holder of the
// connection is the only party that may write to or read from it.
type Pool struct {
	maxSize int
	timeout time.Duration // time after all are returned to free idle connections, 0 never frees
	maker   CreationFunc

	slots chan struct{} // one token per connection on lease

	mu      sync.Mutex
	idle    []io.ReadWriteCloser
	onLease int
	timer   *time.Timer
	closed  bool
}

// NewPool creates a new pool of at most maxSize connections made by maker.
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Pool{
		maxSize: maxSize,
		timeout: timeout,
		maker:   maker,
		slots:   make(chan struct{}, maxSize),
	}
}

// Get retrieves a communicator from the pool, blocking until one is
// available if all are in use.  It is guaranteed that there is no contestion
// for the ReadWriter.
//
// When done with the communicator, return it with Put(), or discard it with
// Destroy() if it has become no good (e.g., all calls error).
// ReturnWithError picks between the two.
//
// If the error from Get is not nil, you must not return it
// to the pool.
func (p *Pool) Get() (io.ReadWriter, error) {
	p.slots <- struct{}{}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		<-p.slots
		return nil, ErrPoolClosed
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	if n := len(p.idle); n > 0 {
		ret := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.onLease++
		return ret, nil
	}
	c, err := p.maker()
	if err != nil {
		<-p.slots
		return nil, err
	}
	p.onLease++
	return c, nil
}

// Put restores a communicator to the pool.  It may be reused, or will be
// automatically freed after all connections are returned and the timeout
// has elapsed.
func (p *Pool) Put(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	p.mu.Lock()
	p.onLease--
	if p.closed {
		rwc.Close()
	} else {
		p.idle = append(p.idle, rwc)
		if p.onLease == 0 && p.timeout > 0 {
			p.startReclaim()
		}
	}
	p.mu.Unlock()
	<-p.slots
}

// Destroy immediately frees a communicator from the pool.  This should be used
// instead of Put if the communicator has gone bad.
func (p *Pool) Destroy(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	rwc.Close()
	p.mu.Lock()
	p.onLease--
	p.mu.Unlock()
	<-p.slots
}

// ReturnWithError returns the connection with Put if err is nil, otherwise
// it is presumed broken and destroyed.  It is intended to be deferred with
// a closure over the caller's error.
func (p *Pool) ReturnWithError(rw io.ReadWriter, err error) {
	if err != nil {
		p.Destroy(rw)
		return
	}
	p.Put(rw)
}

// Size returns the number of connections in the pool, or given out from it
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle) + p.onLease
}

// Active returns the number of connections owned by the pool that are currently
// given out
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onLease
}

// Close frees all idle connections and prevents new ones from being made.
// Connections on lease are closed when they come back.  Close is idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
	}
	return p.freeIdle()
}

// must hold mu
func (p *Pool) freeIdle() error {
	var err error
	for _, c := range p.idle {
		err = multierr.Append(err, c.Close())
	}
	p.idle = nil
	return err
}

// must hold mu
func (p *Pool) startReclaim() {
	if p.timer != nil {
		p.timer.Reset(p.timeout)
		return
	}
	p.timer = time.AfterFunc(p.timeout, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.onLease == 0 {
			p.freeIdle()
		}
	})
}
