package keithley

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"

	"github.com/cryolab/cryolab/generichttp"
	"github.com/cryolab/cryolab/server"
)

// HTTPWrapper provides HTTP bindings on top of a K6221
type HTTPWrapper struct {
	K *K6221

	RouteTable server.RouteTable
}

// NewHTTPWrapper returns a new HTTP wrapper with the route table pre-configured
func NewHTTPWrapper(k *K6221) HTTPWrapper {
	w := HTTPWrapper{K: k}
	w.RouteTable = server.RouteTable{
		server.Get("/identity"):     generichttp.GetString(k.Identify),
		server.Get("/output"):       generichttp.GetBool(k.Output),
		server.Post("/output"):      generichttp.SetBool(k.SetOutput),
		server.Post("/current"):     generichttp.SetFloat(k.SetCurrent),
		server.Post("/compliance"):  generichttp.SetFloat(k.SetCompliance),
		server.Post("/reset"):       generichttp.Action(k.Reset),
		server.Post("/delta/arm"):   w.arm,
		server.Post("/delta/start"): generichttp.Action(k.Start),
		server.Post("/delta/abort"): generichttp.Action(k.Abort),
		server.Get("/delta/active"): generichttp.GetBool(k.DeltaActive),
		server.Get("/delta/reading"): generichttp.GetJSON(func(ctx context.Context) (interface{}, error) {
			return k.ReadDataPoint(ctx)
		}),
		server.Get("/delta/buffer"): generichttp.GetJSON(func(ctx context.Context) (interface{}, error) {
			return k.ReadBuffer(ctx)
		}),
		server.Get("/errors"): generichttp.GetJSON(func(ctx context.Context) (interface{}, error) {
			return k.Errors(ctx)
		}),
	}
	generichttp.InjectRaw(w, k.Adapter())
	return w
}

// arm takes a DeltaConfig as JSON; fields left out take the values of a
// symmetric 1 mA configuration
func (h HTTPWrapper) arm(w http.ResponseWriter, r *http.Request) {
	c := SymmetricDelta(1e-3)
	err := json.NewDecoder(r.Body).Decode(&c)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = h.K.Arm(r.Context(), c)
	switch {
	case errors.Is(err, ErrInvalidDelta):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrNoNanovoltmeter):
		http.Error(w, err.Error(), http.StatusConflict)
	case err != nil:
		generichttp.Error(w, err)
	default:
		w.WriteHeader(http.StatusOK)
	}
}

// RT satisfies the HTTPer interface
func (h HTTPWrapper) RT() server.RouteTable {
	return h.RouteTable
}
