package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	yml "gopkg.in/yaml.v2"

	"github.com/cryolab/cryolab/acquire"
	"github.com/cryolab/cryolab/export"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "cryoserver.yml"

	// EnvPrefix marks environment variables that override the config file,
	// CRYO_REDIS_ADDR sets redis.addr
	EnvPrefix = "CRYO_"
	k         = koanf.New(".")
)

func defaultConfig() Config {
	return Config{
		Addr:           ":8000",
		Metrics:        true,
		ConnectSeconds: 3,
		DataDir:        "data",
		Log:            LogConfig{Level: "info", Format: "text", MaxSizeMB: 100},
		Redis:          RedisConfig{Channel: "cryolab"},
		Nodes:          []ObjSetup{}}
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".")
}

func setupconfig() {
	k.Load(structs.Provider(defaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			logrus.Fatalf("error loading config: %v", err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		logrus.Fatalf("error loading environment: %v", err)
	}
}

func loadConfig() Config {
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		logrus.Fatal(err)
	}
	return c
}

func root() {
	str := `cryoserver talks to the instruments of a cryostat and exposes an HTTP
interface to them.  Readings are polled, kept in memory, written to CSV files
and optionally published to Redis.

Usage:
	cryoserver <command>

Commands:
	run
	probe [<type> <addr>]
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `cryoserver is amenable to configuration via its .yml file.  For a primer on YAML, see
https://yaml.org/start.html

Any key may be overridden from the environment, CRYO_ADDR=:9000 or
CRYO_LOG_LEVEL=debug for example.

No two endpoints can have the same URL.

URLs may look like any variation between "fridge/ilm" or "/fridge/ilm/*", the
leading and trailing slashes, as well as the *, are added by the server if missing.

Addresses may be VISA style (GPIB0::12::INSTR, ASRL3::INSTR,
TCPIP0::10.0.0.5::7020::SOCKET), host:port or a serial device.  GPIB addresses
are reached through the Prologix controller given by "prologix".

Setting "mock: true" replaces every instrument with a simulator.

Each node polls every "pollseconds"; 0 leaves polling off until POST /poll.

"connectseconds" bounds how long an instrument's first connection is retried.

With "redis.addr" set, readings are published to Redis and each node serves
its newest ones on GET /recent?n=100.

Hardware and matching "type" fields, case insensitive:
- Keithley
	> 6221 current source with 2182A, "k6221", "6221", "keithley"
- Oxford Instruments
	> ILM 210 level meter, "ilm", "ilm210", "ilm200" (isobus: address)
	> ITC 503 temperature controller, "itc", "itc503" (isobus: address)
	> Mercury iPS-M magnet supply, "ips", "mercury", "mercury-ips" (axis: GRPZ)`
	fmt.Println(str)
}

func mkconf() {
	c := loadConfig()
	if len(c.Nodes) == 0 {
		c.Nodes = []ObjSetup{
			{Endpoint: "/fridge/ilm", Type: "ilm210", Addr: "ASRL1::INSTR", ISOBUS: 6, PollSeconds: 60},
			{Endpoint: "/fridge/itc", Type: "itc503", Addr: "GPIB0::24::INSTR", ISOBUS: 1, PollSeconds: 5, CSV: true},
			{Endpoint: "/fridge/ips", Type: "mercury", Addr: "TCPIP0::192.168.1.50::7020::SOCKET", Axis: "GRPZ", PollSeconds: 5, CSV: true},
			{Endpoint: "/transport/k6221", Type: "k6221", Addr: "GPIB0::12::INSTR"},
		}
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		logrus.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		logrus.Fatal(err)
	}
}

func printconf() {
	c := loadConfig()
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		logrus.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("cryoserver version %v\n", Version)
}

func run() {
	c := loadConfig()
	closeLog, err := setupLogging(c.Log)
	if err != nil {
		logrus.Fatal(err)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var sinks []acquire.Sink
	if c.Redis.Addr != "" {
		rdb, err := export.DialRedis(ctx, c.Redis.Addr, c.Redis.Password, c.Redis.DB, c.Redis.Channel)
		if err != nil {
			logrus.Fatal(err)
		}
		defer rdb.Close()
		sinks = append(sinks, rdb)
	}

	srv, err := BuildServer(ctx, c, reg, sinks...)
	if err != nil {
		logrus.Fatal(err)
	}
	hs := &http.Server{Addr: c.Addr, Handler: srv.Router}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		hs.Shutdown(sctx)
	}()

	logrus.WithField("addr", c.Addr).Info("now listening for requests")
	err = hs.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logrus.Error(err)
	}
	cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Close(cctx); err != nil {
		logrus.WithError(err).Error("closing instruments")
	}
	logrus.Info("shut down")
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "probe":
		c := loadConfig()
		if len(args) >= 4 {
			// cryoserver probe <type> <addr>
			c.Nodes = []ObjSetup{{Endpoint: args[2], Type: args[2], Addr: args[3]}}
		}
		if !probe(c) {
			os.Exit(1)
		}
		return
	case "version":
		pversion()
		return
	default:
		logrus.Fatal("unknown command")
	}
}
