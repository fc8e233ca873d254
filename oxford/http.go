package oxford

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"go/types"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi"

	"github.com/cryolab/cryolab/generichttp"
	"github.com/cryolab/cryolab/generichttp/thermal"
	"github.com/cryolab/cryolab/server"
	"github.com/cryolab/cryolab/server/middleware/locker"
)

func badRequest(err error) error {
	return fmt.Errorf("%w: %v", generichttp.ErrBadRequest, err)
}

// HTTPILM210 provides HTTP bindings on top of an ILM210
type HTTPILM210 struct {
	ILM *ILM210

	RouteTable server.RouteTable
}

// NewHTTPILM210 returns a new HTTP wrapper with the route table pre-configured
func NewHTTPILM210(m *ILM210) HTTPILM210 {
	w := HTTPILM210{ILM: m}
	rt := server.RouteTable{
		server.Get("/level"):   generichttp.GetFloat(m.Level),
		server.Get("/status"):  generichttp.GetString(m.Status),
		server.Get("/rate"):    generichttp.GetString(w.rate),
		server.Post("/rate"):   generichttp.SetString(w.setRate),
		server.Post("/remote"): generichttp.SetBool(w.setRemote),
		server.Get("/version"): generichttp.GetString(m.Version),
		server.Get("/identity"): generichttp.GetJSON(func(ctx context.Context) (interface{}, error) {
			return m.Identify(ctx)
		}),
	}
	w.RouteTable = rt
	generichttp.InjectRaw(w, m.Adapter())
	return w
}

func (h HTTPILM210) rate(ctx context.Context) (string, error) {
	r, err := h.ILM.Rate(ctx)
	return string(r), err
}

func (h HTTPILM210) setRate(ctx context.Context, s string) error {
	r, err := ParseProbeRate(s)
	if err != nil {
		return badRequest(err)
	}
	return h.ILM.SetRate(ctx, r)
}

func (h HTTPILM210) setRemote(ctx context.Context, b bool) error {
	if b {
		return h.ILM.Remote(ctx)
	}
	return h.ILM.Local(ctx)
}

// RT satisfies the HTTPer interface
func (h HTTPILM210) RT() server.RouteTable {
	return h.RouteTable
}

// HTTPITC503 provides HTTP bindings on top of an ITC503
type HTTPITC503 struct {
	ITC *ITC503

	RouteTable server.RouteTable
}

// NewHTTPITC503 returns a new HTTP wrapper with the route table pre-configured
func NewHTTPITC503(c *ITC503) HTTPITC503 {
	w := HTTPITC503{ITC: c}
	rt := server.RouteTable{
		server.Get("/temperature/{sensor}"): w.temperatureOf,
		server.Get("/heater-output"):        generichttp.GetFloat(c.HeaterOutput),
		server.Get("/pid"): generichttp.GetJSON(func(ctx context.Context) (interface{}, error) {
			return c.PID(ctx)
		}),
		server.Post("/pid"): w.setPID,
		server.Get("/status"): generichttp.GetJSON(func(ctx context.Context) (interface{}, error) {
			return c.Status(ctx)
		}),
		server.Post("/heater-gas-mode"): generichttp.SetInt(func(ctx context.Context, i int) error {
			return c.SetHeaterGasMode(ctx, HeaterGasMode(i))
		}),
		server.Post("/auto-pid"): generichttp.SetBool(c.SetAutoPID),
		server.Post("/heater-sensor"): generichttp.SetInt(func(ctx context.Context, i int) error {
			if err := checkSensor(i); err != nil {
				return badRequest(err)
			}
			return c.SetHeaterSensor(ctx, i)
		}),
		server.Post("/remote-status"): generichttp.SetInt(w.setRemoteStatus),
		server.Get("/version"):        generichttp.GetString(c.Version),
	}
	thermal.HTTPController(c, rt)
	w.RouteTable = rt
	generichttp.InjectRaw(w, c.Adapter())
	return w
}

func (h HTTPITC503) setRemoteStatus(ctx context.Context, i int) error {
	r := RemoteStatus(i)
	if r < LocalLocked || r > RemoteUnlocked {
		return badRequest(fmt.Errorf("remote status %d not in 0-3", i))
	}
	return h.ITC.SetRemoteStatus(ctx, r)
}

func (h HTTPITC503) temperatureOf(w http.ResponseWriter, r *http.Request) {
	sensor, err := strconv.Atoi(chi.URLParam(r, "sensor"))
	if err == nil {
		err = checkSensor(sensor)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	k, err := h.ITC.Temperature(r.Context(), sensor)
	if err != nil {
		generichttp.Error(w, err)
		return
	}
	hp := server.HumanPayload{T: types.Float64, Float: float64(k)}
	hp.EncodeAndRespond(w, r)
}

func (h HTTPITC503) setPID(w http.ResponseWriter, r *http.Request) {
	var pid PID
	err := json.NewDecoder(r.Body).Decode(&pid)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.ITC.SetPID(r.Context(), pid); err != nil {
		generichttp.Error(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// RT satisfies the HTTPer interface
func (h HTTPITC503) RT() server.RouteTable {
	return h.RouteTable
}

// HTTPMercuryIPS provides HTTP bindings on top of a MercuryIPS.  Switch heater
// changes pass the interlock first and then hold Lock for Settle.
type HTTPMercuryIPS struct {
	IPS *MercuryIPS

	// Lock is the node's locker, may be nil
	Lock *locker.Locker

	// Settle is how long Lock is held after a switch heater change
	Settle time.Duration

	RouteTable server.RouteTable
}

// NewHTTPMercuryIPS returns a new HTTP wrapper with the route table pre-configured
func NewHTTPMercuryIPS(m *MercuryIPS, l *locker.Locker) HTTPMercuryIPS {
	w := HTTPMercuryIPS{IPS: m, Lock: l, Settle: HeaterSettle}
	rt := server.RouteTable{
		server.Get("/current"):             generichttp.GetFloat(m.Current),
		server.Get("/persistent-current"):  generichttp.GetFloat(m.PersistentCurrent),
		server.Get("/current-setpoint"):    generichttp.GetFloat(m.CurrentSetpoint),
		server.Post("/current-setpoint"):   generichttp.SetFloat(m.SetCurrent),
		server.Get("/ramp-rate"):           generichttp.GetFloat(m.CurrentRampRate),
		server.Post("/ramp-rate"):          generichttp.SetFloat(m.SetCurrentRampRate),
		server.Get("/voltage"):             generichttp.GetFloat(m.Voltage),
		server.Get("/field"):               generichttp.GetFloat(m.Field),
		server.Get("/field-setpoint"):      generichttp.GetFloat(m.FieldSetpoint),
		server.Post("/field-setpoint"):     generichttp.SetFloat(m.SetFieldSetpoint),
		server.Get("/field-ramp-rate"):     generichttp.GetFloat(m.FieldRampRate),
		server.Post("/field-ramp-rate"):    generichttp.SetFloat(m.SetFieldRampRate),
		server.Get("/switch-heater"):       generichttp.GetString(m.SwitchHeater),
		server.Post("/switch-heater"):      w.setSwitchHeater,
		server.Get("/action"):              generichttp.GetString(w.action),
		server.Post("/action"):             generichttp.SetString(w.setAction),
		server.Get("/identity"):            generichttp.GetString(m.Identify),
		server.Get("/catalog"): generichttp.GetJSON(func(ctx context.Context) (interface{}, error) {
			return m.Catalog(ctx)
		}),
	}
	w.RouteTable = rt
	generichttp.InjectRaw(w, guardedRaw{m})
	return w
}

// guardedRaw passes free-form commands to the supply, except switch heater
// changes, which must go through the interlock
type guardedRaw struct {
	m *MercuryIPS
}

func (g guardedRaw) Raw(ctx context.Context, s string) (string, error) {
	if strings.Contains(strings.ToUpper(s), "SWHN") {
		return "", fmt.Errorf("%w: %w: switch heater changes go through POST /switch-heater", generichttp.ErrConflict, ErrInterlock)
	}
	return g.m.Adapter().Raw(ctx, s)
}

func (h HTTPMercuryIPS) action(ctx context.Context) (string, error) {
	a, err := h.IPS.Action(ctx)
	return string(a), err
}

func (h HTTPMercuryIPS) setAction(ctx context.Context, s string) error {
	a, err := ParseMagnetAction(s)
	if err != nil {
		return badRequest(err)
	}
	return h.IPS.SetAction(ctx, a)
}

func (h HTTPMercuryIPS) setSwitchHeater(w http.ResponseWriter, r *http.Request) {
	b := server.BoolT{}
	err := json.NewDecoder(r.Body).Decode(&b)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = h.IPS.SwitchHeaterGuarded(r.Context(), b.Bool)
	if errors.Is(err, ErrInterlock) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		generichttp.Error(w, err)
		return
	}
	if h.Lock != nil && h.Settle > 0 {
		h.Lock.LockFor(h.Settle, "switch heater settling")
	}
	w.WriteHeader(http.StatusOK)
}

// RT satisfies the HTTPer interface
func (h HTTPMercuryIPS) RT() server.RouteTable {
	return h.RouteTable
}
