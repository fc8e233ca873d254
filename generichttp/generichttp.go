// Package generichttp defines interfaces for generic devices
// and an extensible type that wraps them in an HTTP interface
package generichttp

import (
	"context"
	"encoding/json"
	"errors"
	"go/types"
	"net/http"
	"strings"

	"github.com/cryolab/cryolab/instrument"
	"github.com/cryolab/cryolab/server"
	"github.com/cryolab/cryolab/util"
)

var (
	// ErrBadRequest marks errors caused by the client's input
	ErrBadRequest = errors.New("bad request")

	// ErrConflict marks requests refused because of the instrument's state
	ErrConflict = errors.New("conflict")
)

// StatusCode maps an error from a driver to an HTTP status
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest), errors.Is(err, util.ErrOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, instrument.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// Error replies with the error's message and StatusCode
func Error(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), StatusCode(err))
}

// decode reads a JSON body into v
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// GetFloat calls a float-getting function and returns the response
// as json {'f64': value}
func GetFloat(fcn func(context.Context) (float64, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := fcn(r.Context())
		if err != nil {
			Error(w, err)
			return
		}
		hp := server.HumanPayload{T: types.Float64, Float: f}
		hp.EncodeAndRespond(w, r)
	}
}

// SetFloat parses a JSON input of {'f64': value} and
// calls fcn with it
func SetFloat(fcn func(context.Context, float64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := server.FloatT{}
		if !decode(w, r, &f) {
			return
		}
		if err := fcn(r.Context(), f.F64); err != nil {
			Error(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetInt calls an int-getting function and returns the response
// as json {'int': value}
func GetInt(fcn func(context.Context) (int, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		i, err := fcn(r.Context())
		if err != nil {
			Error(w, err)
			return
		}
		hp := server.HumanPayload{T: types.Int, Int: i}
		hp.EncodeAndRespond(w, r)
	}
}

// SetInt parses a JSON input of {'int': value} and
// calls fcn with it
func SetInt(fcn func(context.Context, int) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		i := server.IntT{}
		if !decode(w, r, &i) {
			return
		}
		if err := fcn(r.Context(), i.Int); err != nil {
			Error(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetString calls a string-getting function and returns the response
// as json {'str': value}
func GetString(fcn func(context.Context) (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := fcn(r.Context())
		if err != nil {
			Error(w, err)
			return
		}
		hp := server.HumanPayload{T: types.String, String: s}
		hp.EncodeAndRespond(w, r)
	}
}

// SetString parses a JSON input of {'str': value} and
// calls fcn with it
func SetString(fcn func(context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := server.StrT{}
		if !decode(w, r, &s) {
			return
		}
		if err := fcn(r.Context(), s.Str); err != nil {
			Error(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetBool calls a bool-getting function and returns the response
// as json {'bool': value}
func GetBool(fcn func(context.Context) (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := fcn(r.Context())
		if err != nil {
			Error(w, err)
			return
		}
		hp := server.HumanPayload{T: types.Bool, Bool: b}
		hp.EncodeAndRespond(w, r)
	}
}

// SetBool parses a JSON input of {'bool': value} and
// calls fcn with it
func SetBool(fcn func(context.Context, bool) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b := server.BoolT{}
		if !decode(w, r, &b) {
			return
		}
		if err := fcn(r.Context(), b.Bool); err != nil {
			Error(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetJSON calls fcn and encodes whatever it returns as JSON, for structured
// readings like a PID triple or a status block
func GetJSON(fcn func(context.Context) (interface{}, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := fcn(r.Context())
		if err != nil {
			Error(w, err)
			return
		}
		server.RespondJSON(w, v)
	}
}

// Action calls fcn, which takes no input, on POST
func Action(fcn func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fcn(r.Context()); err != nil {
			Error(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// RawCommunicator sends free-form commands
type RawCommunicator interface {
	Raw(context.Context, string) (string, error)
}

// InjectRaw adds a /raw POST route taking {"str": cmd} and returning the
// instrument's reply
func InjectRaw(other server.HTTPer, raw RawCommunicator) {
	other.RT()[server.Post("/raw")] = func(w http.ResponseWriter, r *http.Request) {
		str := server.StrT{}
		if !decode(w, r, &str) {
			return
		}
		resp, err := raw.Raw(r.Context(), str.Str)
		if err != nil {
			Error(w, err)
			return
		}
		hp := server.HumanPayload{T: types.String, String: resp}
		hp.EncodeAndRespond(w, r)
	}
}

// SubMuxSanitize converts a URL endpoint such as "omc/nkt", "/omc/nkt/" or
// "/omc/nkt/*" into the "/omc/nkt" form a chi router mounts on
func SubMuxSanitize(str string) string {
	str = strings.TrimSuffix(str, "*")
	str = strings.Trim(str, "/")
	return "/" + str
}
