// Package locker provides an HTTP middleware which allows an HTTPHandler to be locked, returning 423 (locked)
package locker

import (
	"encoding/json"
	"go/types"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cryolab/cryolab/server"
)

// Inject adds a lock route to a server.HTTPer which is used to manipulate the locker
func Inject(other server.HTTPer, l *Locker) {
	rt := other.RT()
	rt[server.Get("/lock")] = l.HTTPGet
	rt[server.Post("/lock")] = l.HTTPSet
}

// Locker is a type which behaves like a sync.Mutex without the blocking,
// and holds a list of routes to not protect.  It carries two independent
// locks: one held by the operator until Unlock, and one held for a fixed
// time (LockFor) which only expiry releases.
type Locker struct {
	mu       sync.Mutex
	isLocked bool
	until    time.Time
	reason   string
	now      func() time.Time

	// DoNotProtect is a list of paths not to apply the lock to
	DoNotProtect []string

	// AllowReads lets GET requests through while locked
	AllowReads bool
}

// New returns a new Locker with DoNotProtect prepopulated with "lock"
func New() *Locker {
	return &Locker{DoNotProtect: []string{"lock"}, now: time.Now}
}

// Lock the locker
func (l *Locker) Lock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.isLocked = true
}

// LockFor locks the locker for d.  A timed lock already held for longer is
// not shortened.
func (l *Locker) LockFor(d time.Duration, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	until := l.now().Add(d)
	if until.Before(l.until) {
		return
	}
	l.until = until
	l.reason = reason
}

// Unlock releases the operator lock.  A timed lock stays until it expires.
func (l *Locker) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.isLocked = false
}

// Locked returns true if the locker is locked
func (l *Locker) Locked() bool {
	locked, _ := l.state()
	return locked
}

func (l *Locker) state() (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.isLocked {
		return true, "locked by operator"
	}
	if !l.until.IsZero() && l.now().Before(l.until) {
		return true, l.reason
	}
	return false, ""
}

// Check is an HTTP middleware that returns http.StatusLocked if Locked() is true, otherwise passes down the line
func (l *Locker) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if locked, reason := l.state(); locked {
			protected := !(l.AllowReads && r.Method == http.MethodGet)
			url := r.URL.Path
			for _, str := range l.DoNotProtect {
				if strings.Contains(url, str) {
					protected = false
				}
			}
			if protected {
				http.Error(w, reason, http.StatusLocked)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// HTTPSet calls Lock or Unlock based on json:bool on the request body
func (l *Locker) HTTPSet(w http.ResponseWriter, r *http.Request) {
	b := server.BoolT{}
	err := json.NewDecoder(r.Body).Decode(&b)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if b.Bool {
		l.Lock()
	} else {
		l.Unlock()
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPGet returns Locked() over HTTP as JSON
func (l *Locker) HTTPGet(w http.ResponseWriter, r *http.Request) {
	hp := server.HumanPayload{T: types.Bool, Bool: l.Locked()}
	hp.EncodeAndRespond(w, r)
}
