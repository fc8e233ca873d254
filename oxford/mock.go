package oxford

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/cryolab/cryolab/instrument"
)

// isobusCommand strips the @n address, returning the command letter and argument
func isobusCommand(cmd string) (byte, string) {
	if strings.HasPrefix(cmd, "@") {
		i := 1
		for i < len(cmd) && cmd[i] >= '0' && cmd[i] <= '9' {
			i++
		}
		cmd = cmd[i:]
	}
	if cmd == "" {
		return 0, ""
	}
	return cmd[0], cmd[1:]
}

// ILMSim simulates an ILM 210 with a slowly boiling-off helium reservoir
type ILMSim struct {
	mu     sync.Mutex
	Level  float64 // percent
	Rate   ProbeRate
	Remote RemoteStatus
	// Boiloff is subtracted from the level on every read, percent
	Boiloff float64
}

func (s *ILMSim) handle(cmd string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, arg := isobusCommand(cmd)
	writeable := s.Remote == RemoteLocked || s.Remote == RemoteUnlocked
	switch c {
	case 'V':
		return "ILM200 Version 1.08 (c) OXFORD 1994"
	case 'R':
		if arg != "1" {
			return "?" + cmd
		}
		s.Level = math.Max(0, s.Level-s.Boiloff)
		return fmt.Sprintf("R%03d", int(math.Round(s.Level*10)))
	case 'X':
		var st byte
		switch s.Rate {
		case Fast:
			st = 0x02
		case Slow:
			st = 0x04
		}
		return fmt.Sprintf("X300S%02X0000R%02d", st, int(s.Remote))
	case 'C':
		n, err := strconv.Atoi(arg)
		if err != nil || n < 0 || n > 3 {
			return "?" + cmd
		}
		s.Remote = RemoteStatus(n)
		return "C"
	case 'S', 'T':
		if !writeable || arg != "1" {
			return "?" + cmd
		}
		if c == 'S' {
			s.Rate = Slow
		} else {
			s.Rate = Fast
		}
		return string(c)
	}
	return "?" + cmd
}

// NewILM210Mock returns an ILM210 talking to a simulator
func NewILM210Mock(opts ...instrument.Option) (*ILM210, *ILMSim) {
	sim := &ILMSim{Level: 73.4, Rate: Slow, Boiloff: 0.01}
	s := &instrument.Simulator{RxTerm: '\r', TxTerm: '\r', Handle: sim.handle}
	return NewILM210(instrument.NewSimulated(s, ISOBUS(1, "ilm210"), opts...)), sim
}

// ITCSim simulates an ITC 503 whose temperature relaxes toward the setpoint
type ITCSim struct {
	mu        sync.Mutex
	Temp      [3]float64
	Setpoint  float64
	PID       PID
	HeaterGas HeaterGasMode
	AutoPID   bool
	Remote    RemoteStatus
	Sensor    int
	// Relax is the fraction of the error closed on every read
	Relax float64
}

func (s *ITCSim) handle(cmd string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, arg := isobusCommand(cmd)
	remote := s.Remote == RemoteLocked || s.Remote == RemoteUnlocked
	parseF := func() (float64, bool) {
		f, err := strconv.ParseFloat(arg, 64)
		return f, err == nil
	}
	switch c {
	case 'V':
		return "ITC503 Version 1.1 (c) OXFORD 1998"
	case 'R':
		n, err := strconv.Atoi(arg)
		if err != nil {
			return "?" + cmd
		}
		switch n {
		case 0:
			return fmt.Sprintf("R%.3f", s.Setpoint)
		case 1, 2, 3:
			if n == s.Sensor {
				s.Temp[n-1] += (s.Setpoint - s.Temp[n-1]) * s.Relax
			}
			return fmt.Sprintf("R%.3f", s.Temp[n-1])
		case 5:
			return fmt.Sprintf("R%.1f", math.Min(99.9, math.Abs(s.Setpoint-s.Temp[s.Sensor-1])*10))
		case 8:
			return fmt.Sprintf("R%.1f", s.PID.P)
		case 9:
			return fmt.Sprintf("R%.1f", s.PID.I)
		case 10:
			return fmt.Sprintf("R%.1f", s.PID.D)
		}
		return "?" + cmd
	case 'X':
		l := 0
		if s.AutoPID {
			l = 1
		}
		return fmt.Sprintf("X0A%dC%dS00H%dL%d", int(s.HeaterGas), int(s.Remote), s.Sensor, l)
	case 'C':
		n, err := strconv.Atoi(arg)
		if err != nil || n < 0 || n > 3 {
			return "?" + cmd
		}
		s.Remote = RemoteStatus(n)
		return "C"
	}
	if !remote {
		return "?" + cmd
	}
	switch c {
	case 'T':
		f, ok := parseF()
		if !ok {
			return "?" + cmd
		}
		s.Setpoint = f
	case 'P', 'I', 'D':
		f, ok := parseF()
		if !ok {
			return "?" + cmd
		}
		switch c {
		case 'P':
			s.PID.P = f
		case 'I':
			s.PID.I = f
		default:
			s.PID.D = f
		}
	case 'A':
		n, err := strconv.Atoi(arg)
		if err != nil || n < 0 || n > 3 {
			return "?" + cmd
		}
		s.HeaterGas = HeaterGasMode(n)
	case 'L':
		if arg != "0" && arg != "1" {
			return "?" + cmd
		}
		s.AutoPID = arg == "1"
	case 'H':
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 || n > 3 {
			return "?" + cmd
		}
		s.Sensor = n
	default:
		return "?" + cmd
	}
	return string(c)
}

// NewITC503Mock returns an ITC503 talking to a simulator sitting at 4.2 K
func NewITC503Mock(opts ...instrument.Option) (*ITC503, *ITCSim) {
	sim := &ITCSim{
		Temp:     [3]float64{4.2, 4.2, 4.2},
		Setpoint: 4.2,
		PID:      PID{P: 5, I: 1, D: 0},
		Sensor:   1,
		Relax:    0.2,
	}
	s := &instrument.Simulator{RxTerm: '\r', TxTerm: '\r', Handle: sim.handle}
	return NewITC503(instrument.NewSimulated(s, ISOBUS(1, "itc503"), opts...)), sim
}

// MercurySim simulates one axis of a Mercury iPS.  A sweep moves the lead
// current one Step toward its target on every read.
type MercurySim struct {
	mu         sync.Mutex
	Axis       Axis
	Current    float64
	Persistent float64
	Setpoint   float64
	Ramp       float64 // A/min
	FieldRamp  float64 // T/min
	Heater     bool
	Action     MagnetAction
	TeslaPerA  float64
	Step       float64
}

func (s *MercurySim) advance() {
	var target float64
	switch s.Action {
	case RampToSetpoint:
		target = s.Setpoint
	case RampToZero:
		target = 0
	default:
		return
	}
	d := target - s.Current
	if math.Abs(d) <= s.Step {
		s.Current = target
		s.Action = Hold
	} else {
		s.Current += math.Copysign(s.Step, d)
	}
	if s.Heater {
		s.Persistent = s.Current
	}
}

func (s *MercurySim) handle(cmd string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	node := "DEV:" + string(s.Axis) + ":PSU"
	switch {
	case cmd == "*IDN?":
		return "IDN:OXFORD INSTRUMENTS:MERCURY IPS:SIM0001:2.6.04.000"
	case cmd == "READ:SYS:CAT?":
		return "STAT:SYS:CAT:DEV:" + string(s.Axis) + ":PSU:DEV:MB1.T1:TEMP:DEV:PSU.M1:PSU"
	case strings.HasPrefix(cmd, "READ:"+node+":SIG:"):
		sig := strings.TrimSuffix(strings.TrimPrefix(cmd, "READ:"+node+":SIG:"), "?")
		s.advance()
		var v string
		switch sig {
		case "CURR":
			v = fmt.Sprintf("%.4fA", s.Current)
		case "PCUR":
			v = fmt.Sprintf("%.4fA", s.Persistent)
		case "CSET":
			v = fmt.Sprintf("%.4fA", s.Setpoint)
		case "RCST":
			v = fmt.Sprintf("%.4fA/m", s.Ramp)
		case "VOLT":
			v = "0.0000V"
		case "FLD":
			v = fmt.Sprintf("%.4fT", s.Current*s.TeslaPerA)
		case "FSET":
			v = fmt.Sprintf("%.4fT", s.Setpoint*s.TeslaPerA)
		case "RFST":
			v = fmt.Sprintf("%.4fT/m", s.FieldRamp)
		case "SWHT":
			v = "OFF"
			if s.Heater {
				v = "ON"
			}
		default:
			return "STAT:" + strings.TrimSuffix(strings.TrimPrefix(cmd, "READ:"), "?") + ":INVALID"
		}
		return "STAT:" + node + ":SIG:" + sig + ":" + v
	case cmd == "READ:"+node+":ACTN?":
		return "STAT:" + node + ":ACTN:" + string(s.Action)
	case strings.HasPrefix(cmd, "SET:"+node+":"):
		if s.apply(strings.TrimPrefix(cmd, "SET:"+node+":")) {
			return "STAT:" + cmd + ":VALID"
		}
		return "STAT:" + cmd + ":INVALID"
	}
	return "STAT:" + cmd + ":INVALID"
}

func (s *MercurySim) apply(path string) bool {
	i := strings.LastIndexByte(path, ':')
	if i < 0 {
		return false
	}
	key, val := path[:i], path[i+1:]
	f, ferr := strconv.ParseFloat(val, 64)
	switch key {
	case "SIG:CSET":
		if ferr != nil {
			return false
		}
		s.Setpoint = f
	case "SIG:FSET":
		if ferr != nil || s.TeslaPerA == 0 {
			return false
		}
		s.Setpoint = f / s.TeslaPerA
	case "SIG:RCST":
		if ferr != nil {
			return false
		}
		s.Ramp = f
	case "SIG:RFST":
		if ferr != nil {
			return false
		}
		s.FieldRamp = f
	case "SIG:SWHN":
		switch val {
		case "ON":
			s.Heater = true
		case "OFF":
			s.Heater = false
		default:
			return false
		}
	case "ACTN":
		a := MagnetAction(val)
		if !a.valid() {
			return false
		}
		s.Action = a
	default:
		return false
	}
	return true
}

// NewMercuryIPSMock returns a MercuryIPS talking to a simulator of axis
func NewMercuryIPSMock(axis Axis, opts ...instrument.Option) (*MercuryIPS, *MercurySim) {
	sim := &MercurySim{
		Axis:      axis,
		Ramp:      10,
		FieldRamp: 0.1,
		Action:    Hold,
		TeslaPerA: 0.1,
		Step:      0.5,
	}
	s := &instrument.Simulator{RxTerm: '\n', TxTerm: '\n', Handle: sim.handle}
	return NewMercuryIPS(instrument.NewSimulated(s, MercuryProfile(), opts...), axis), sim
}
