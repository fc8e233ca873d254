package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/cryolab/cryolab/acquire"
	"github.com/cryolab/cryolab/export"
	"github.com/cryolab/cryolab/generichttp"
	"github.com/cryolab/cryolab/instrument"
	"github.com/cryolab/cryolab/keithley"
	"github.com/cryolab/cryolab/oxford"
	"github.com/cryolab/cryolab/server"
	"github.com/cryolab/cryolab/server/middleware/locker"
)

// ObjSetup describes one instrument to serve
type ObjSetup struct {
	// Addr holds the address of the instrument: GPIB0::12::INSTR,
	// ASRL3::INSTR, TCPIP0::10.0.0.5::7020::SOCKET, host:port or /dev/ttyUSB0
	Addr string `koanf:"addr" yaml:"addr"`

	// Endpoint is the path the routes from this instrument will be served on,
	// ex. Endpoint="/fridge/ilm" will produce /fridge/ilm/level, etc.
	Endpoint string `koanf:"endpoint" yaml:"endpoint"`

	// Type is the kind of instrument, e.g. ilm210
	Type string `koanf:"type" yaml:"type"`

	// ISOBUS is the ISOBUS address of Oxford ILM and ITC instruments, default 1
	ISOBUS int `koanf:"isobus" yaml:"isobus"`

	// Axis is the Mercury iPS magnet group, GRPX, GRPY or GRPZ (default)
	Axis string `koanf:"axis" yaml:"axis"`

	// Reset sends *RST to a Keithley on connect
	Reset bool `koanf:"reset" yaml:"reset"`

	// PollSeconds is the sampling period; 0 does not poll until asked to over HTTP
	PollSeconds float64 `koanf:"pollseconds" yaml:"pollseconds"`

	// History is the number of readings kept in memory, default 1000
	History int `koanf:"history" yaml:"history"`

	// CSV appends every reading to <DataDir>/<node>.csv
	CSV bool `koanf:"csv" yaml:"csv"`
}

// LogConfig configures logging
type LogConfig struct {
	// Level is a logrus level, e.g. info or debug
	Level string `koanf:"level" yaml:"level"`

	// Format is text or json
	Format string `koanf:"format" yaml:"format"`

	// File also writes the log to a rotated file, if not empty
	File string `koanf:"file" yaml:"file"`

	// MaxSizeMB is the size a log file is rotated at
	MaxSizeMB int `koanf:"maxsizemb" yaml:"maxsizemb"`
}

// RedisConfig configures publishing readings to Redis
type RedisConfig struct {
	// Addr of the server; publishing is off if empty
	Addr     string `koanf:"addr" yaml:"addr"`
	Password string `koanf:"password" yaml:"password"`
	DB       int    `koanf:"db" yaml:"db"`
	Channel  string `koanf:"channel" yaml:"channel"`
}

// Config is a struct that holds the initialization parameters for the
// server and its instruments.  It is populated by koanf.
type Config struct {
	// Addr is the address to listen at
	Addr string `koanf:"addr" yaml:"addr"`

	// Mock replaces every instrument with a simulator
	Mock bool `koanf:"mock" yaml:"mock"`

	// Metrics serves Prometheus metrics on /metrics
	Metrics bool `koanf:"metrics" yaml:"metrics"`

	// Prologix is the address of the Prologix controller GPIB instruments
	// are reached through
	Prologix string `koanf:"prologix" yaml:"prologix"`

	// ConnectSeconds caps the time spent retrying an instrument's first
	// connection, default 3
	ConnectSeconds float64 `koanf:"connectseconds" yaml:"connectseconds"`

	// DataDir is where CSV files are written
	DataDir string `koanf:"datadir" yaml:"datadir"`

	Log LogConfig `koanf:"log" yaml:"log"`

	Redis RedisConfig `koanf:"redis" yaml:"redis"`

	// Nodes is the list of nodes to set up
	Nodes []ObjSetup `koanf:"nodes" yaml:"nodes"`
}

// device is an opened instrument
type device struct {
	httper server.HTTPer
	lock   *locker.Locker
	sample acquire.SampleFunc
	close  func(context.Context) error
	ident  func(context.Context) (string, error)
}

func nodeName(endpoint string) string {
	return strings.ReplaceAll(strings.Trim(generichttp.SubMuxSanitize(endpoint), "/"), "/", "-")
}

// open connects to the instrument of node, or its simulator when mock is true
func open(ctx context.Context, c Config, node ObjSetup) (*device, error) {
	opts := []instrument.Option{
		instrument.WithLogger(logrus.WithFields(logrus.Fields{"node": nodeName(node.Endpoint), "type": node.Type})),
	}
	if c.Prologix != "" {
		opts = append(opts, instrument.WithGPIBController(c.Prologix))
	}
	if c.ConnectSeconds > 0 {
		opts = append(opts, instrument.WithConnectTimeout(time.Duration(c.ConnectSeconds*float64(time.Second))))
	}
	isobus := node.ISOBUS
	if isobus == 0 {
		isobus = 1
	}
	lock := locker.New()
	switch strings.ToLower(node.Type) {
	case "ilm", "ilm210", "ilm200":
		var (
			ilm *oxford.ILM210
			err error
		)
		if c.Mock {
			ilm, _ = oxford.NewILM210Mock(opts...)
		} else if ilm, err = oxford.DialILM210(ctx, node.Addr, isobus, opts...); err != nil {
			return nil, err
		}
		return &device{
			httper: oxford.NewHTTPILM210(ilm),
			lock:   lock,
			sample: acquire.Channels(map[string]acquire.Channel{"level": ilm.Level}),
			close:  ilm.Close,
			ident:  ilm.Version,
		}, nil

	case "itc", "itc503":
		var (
			itc *oxford.ITC503
			err error
		)
		if c.Mock {
			itc, _ = oxford.NewITC503Mock(opts...)
			if err := itc.Initialize(ctx); err != nil {
				return nil, err
			}
		} else if itc, err = oxford.DialITC503(ctx, node.Addr, isobus, opts...); err != nil {
			return nil, err
		}
		return &device{
			httper: oxford.NewHTTPITC503(itc),
			lock:   lock,
			sample: acquire.Channels(map[string]acquire.Channel{
				"temperature": itc.GetTemperature,
				"setpoint":    itc.GetTemperatureSetpoint,
				"heater":      itc.HeaterOutput,
			}),
			close: itc.Close,
			ident: itc.Version,
		}, nil

	case "ips", "mercury", "mercury-ips":
		axis := oxford.AxisZ
		if node.Axis != "" {
			var err error
			if axis, err = oxford.ParseAxis(node.Axis); err != nil {
				return nil, err
			}
		}
		var (
			ips *oxford.MercuryIPS
			err error
		)
		if c.Mock {
			ips, _ = oxford.NewMercuryIPSMock(axis, opts...)
		} else if ips, err = oxford.DialMercuryIPS(ctx, node.Addr, axis, opts...); err != nil {
			return nil, err
		}
		// reads stay available while the switch heater settles
		lock.AllowReads = true
		return &device{
			httper: oxford.NewHTTPMercuryIPS(ips, lock),
			lock:   lock,
			sample: acquire.Channels(map[string]acquire.Channel{
				"current":            ips.Current,
				"persistent_current": ips.PersistentCurrent,
				"field":              ips.Field,
			}),
			close: ips.Close,
			ident: ips.Identify,
		}, nil

	case "k6221", "6221", "keithley":
		var (
			k   *keithley.K6221
			err error
		)
		if c.Mock {
			k, _ = keithley.NewMock(opts...)
		} else if k, err = keithley.Dial(ctx, node.Addr, node.Reset, opts...); err != nil {
			return nil, err
		}
		return &device{
			httper: keithley.NewHTTPWrapper(k),
			lock:   lock,
			sample: deltaSampler(k),
			close:  k.Close,
			ident:  k.Identify,
		}, nil
	}
	return nil, fmt.Errorf("type %q not understood", node.Type)
}

// deltaSampler reads the delta measurement while delta mode is armed
func deltaSampler(k *keithley.K6221) acquire.SampleFunc {
	return func(ctx context.Context) (map[string]float64, error) {
		active, err := k.DeltaActive(ctx)
		if err != nil {
			return nil, err
		}
		if !active {
			return map[string]float64{"armed": 0}, nil
		}
		r, err := k.ReadDataPoint(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]float64{"armed": 1, "delta": r.Value}, nil
	}
}

// Server is the HTTP interface to every configured instrument
type Server struct {
	Router  chi.Router
	Pollers map[string]*acquire.Poller

	closers []func(context.Context) error
}

// Close stops polling and closes every instrument
func (s *Server) Close(ctx context.Context) error {
	for _, p := range s.Pollers {
		p.Stop()
	}
	var err error
	for _, c := range s.closers {
		err = multierr.Append(err, c(ctx))
	}
	return err
}

// BuildServer opens every node of c and mounts its routes on a chi router.
// The router serves /endpoints, a JSON map of every node's routes, and
// /metrics if enabled.  A sink that keeps recent readings, such as
// export.Redis, is also served on each node's /recent.  Pollers run until ctx is done.  On error the nodes
// opened so far are closed.
func BuildServer(ctx context.Context, c Config, reg *prometheus.Registry, sinks ...acquire.Sink) (*Server, error) {
	root := chi.NewRouter()
	root.Use(middleware.RequestID)
	root.Use(middleware.Recoverer)
	root.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: logrus.StandardLogger(), NoColor: true}))
	supergraph := map[string][]string{}
	s := &Server{Router: root, Pollers: map[string]*acquire.Poller{}}
	metrics := acquire.NewMetrics(reg)

	for _, node := range c.Nodes {
		hndlS := generichttp.SubMuxSanitize(node.Endpoint)
		if _, dup := supergraph[hndlS]; dup {
			s.Close(ctx)
			return nil, fmt.Errorf("endpoint %s used twice", hndlS)
		}
		dev, err := open(ctx, c, node)
		if err != nil {
			s.Close(ctx)
			return nil, fmt.Errorf("%s (%s at %s): %w", hndlS, node.Type, node.Addr, err)
		}
		s.closers = append(s.closers, dev.close)
		name := nodeName(node.Endpoint)

		period := time.Duration(node.PollSeconds * float64(time.Second))
		if period <= 0 {
			period = 10 * time.Second
		}
		hist := node.History
		if hist == 0 {
			hist = 1000
		}
		opts := []acquire.Option{
			acquire.WithHistory(hist),
			acquire.WithMetrics(metrics),
			acquire.WithLogger(logrus.WithField("node", name)),
		}
		for _, sink := range sinks {
			opts = append(opts, acquire.WithSink(sink))
		}
		if node.CSV && c.DataDir != "" {
			f := export.NewCSVFile(filepath.Join(c.DataDir, name+".csv"))
			opts = append(opts, acquire.WithSink(f))
			s.closers = append(s.closers, func(context.Context) error { return f.Close() })
		}
		poller := acquire.NewPoller(name, period, dev.sample, opts...)
		s.Pollers[name] = poller
		acquire.Inject(ctx, dev.httper, poller)
		dev.httper.RT()[server.Get("/history.csv")] = export.HTTPHistoryCSV(poller)
		for _, sink := range sinks {
			if src, ok := sink.(export.RecentSource); ok {
				dev.httper.RT()[server.Get("/recent")] = export.HTTPRecent(src, name)
				break
			}
		}
		locker.Inject(dev.httper, dev.lock)
		if node.PollSeconds > 0 {
			poller.Start(ctx)
		}

		supergraph[hndlS] = dev.httper.RT().Endpoints()
		r := chi.NewRouter()
		r.Use(dev.lock.Check)
		dev.httper.RT().Bind(r)
		root.Mount(hndlS, r)
	}
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	if c.Metrics {
		root.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	return s, nil
}
