package acquire

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cryolab/cryolab/server"
)

// Status is the state of a poller as served over HTTP
type Status struct {
	Running bool      `json:"running"`
	Period  float64   `json:"periodSeconds"`
	Started time.Time `json:"started"`
	Samples int       `json:"samples"`
	Err     string    `json:"error,omitempty"`
}

// Status reports the state of the poller
func (p *Poller) Status() Status {
	s := Status{
		Running: p.Running(),
		Period:  p.period.Seconds(),
		Started: p.Started(),
		Samples: p.hist.Len(),
	}
	if err := p.Err(); err != nil {
		s.Err = err.Error()
	}
	return s
}

// HTTPYield returns the history as a JSON array of readings, oldest first
func (p *Poller) HTTPYield(w http.ResponseWriter, r *http.Request) {
	server.RespondJSON(w, p.hist.Contiguous())
}

// HTTPLast returns the newest reading, or 204 if there is none
func (p *Poller) HTTPLast(w http.ResponseWriter, r *http.Request) {
	last, ok := p.hist.Last()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	server.RespondJSON(w, last)
}

// HTTPStatus returns Status as JSON
func (p *Poller) HTTPStatus(w http.ResponseWriter, r *http.Request) {
	server.RespondJSON(w, p.Status())
}

// HTTPControl starts or stops the poller with {"bool": true|false}.  Polling
// started here lives as long as ctx, not the request.
func (p *Poller) HTTPControl(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b := server.BoolT{}
		err := json.NewDecoder(r.Body).Decode(&b)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !b.Bool {
			p.Stop()
			w.WriteHeader(http.StatusOK)
			return
		}
		if err := p.Start(ctx); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// Inject adds the history and polling routes to an HTTPer
func Inject(ctx context.Context, other server.HTTPer, p *Poller) {
	rt := other.RT()
	rt[server.Get("/history")] = p.HTTPYield
	rt[server.Get("/last")] = p.HTTPLast
	rt[server.Get("/poll")] = p.HTTPStatus
	rt[server.Post("/poll")] = p.HTTPControl(ctx)
}
