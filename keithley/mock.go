package keithley

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/cryolab/cryolab/instrument"
)

// Sim simulates a 6221 wired to a 2182A and a resistive sample
type Sim struct {
	mu sync.Mutex

	// Resistance of the sample, Ohm
	Resistance   float64
	Nanovolt     bool
	Output       bool
	Current      float64
	Compliance   float64
	Armed        bool
	Running      bool
	High, Low    float64
	Unit         DeltaUnit
	Points       int
	Buffer       []float64
	Log          []string
	readingCount int

	// Errors is the error queue, replies to SYST:ERR? in order
	Errors []string
}

func (s *Sim) reading() float64 {
	if s.Unit == Ohms {
		return s.Resistance
	}
	return (s.High - s.Low) / 2 * s.Resistance
}

func (s *Sim) handle(cmd string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Log = append(s.Log, cmd)
	head, arg := cmd, ""
	if i := strings.IndexByte(cmd, ' '); i >= 0 {
		head, arg = cmd[:i], cmd[i+1:]
	}
	f, _ := strconv.ParseFloat(arg, 64)
	switch head {
	case "*IDN?":
		return "KEITHLEY INSTRUMENTS INC.,MODEL 6221,4096321,D03  /700x"
	case "*RST":
		s.Output, s.Armed, s.Running = false, false, false
		s.Current = 0
	case "OUTP":
		s.Output = arg == "ON" || arg == "1"
	case "OUTP?":
		if s.Output {
			return "1"
		}
		return "0"
	case "SOUR:CURR":
		s.Current = f
	case "SOUR:CURR:COMP":
		s.Compliance = f
	case "SOUR:DELT:NVPR?":
		if s.Nanovolt {
			return "1"
		}
		return "0"
	case "UNIT":
		s.Unit = DeltaUnit(arg)
	case "SOUR:DELT:HIGH":
		s.High = f
	case "SOUR:DELT:LOW":
		s.Low = f
	case "TRAC:POIN":
		s.Points, _ = strconv.Atoi(arg)
	case "SOUR:DELT:ARM":
		s.Armed = true
	case "SOUR:DELT:ARM?":
		if s.Armed {
			return "1"
		}
		return "0"
	case "INIT:IMM":
		if s.Armed {
			s.Running = true
			s.Output = true
		}
	case "SOUR:SWE:ABOR":
		s.Armed, s.Running = false, false
	case "SENS:DATA:FRES?":
		v := s.reading()
		if s.Running && len(s.Buffer) < s.Points {
			s.Buffer = append(s.Buffer, v)
		}
		s.readingCount++
		return fmt.Sprintf("%+.6E,%+.3E", v, float64(s.readingCount)*0.1)
	case "SYST:ERR?":
		if len(s.Errors) == 0 {
			return `0,"No error"`
		}
		e := s.Errors[0]
		s.Errors = s.Errors[1:]
		return e
	case "TRAC:DATA?":
		parts := make([]string, 0, 2*len(s.Buffer))
		for i, v := range s.Buffer {
			parts = append(parts, fmt.Sprintf("%+.6E", v), fmt.Sprintf("%+.3E", float64(i)*0.1))
		}
		return strings.Join(parts, ",")
	}
	return ""
}

// NewMock returns a 6221 talking to a simulator with a 2182A attached and a
// 10 Ohm sample
func NewMock(opts ...instrument.Option) (*K6221, *Sim) {
	sim := &Sim{Resistance: 10, Nanovolt: true, Unit: Volts, Points: 65536, Compliance: 10}
	s := &instrument.Simulator{RxTerm: '\n', TxTerm: '\n', Handle: sim.handle}
	return New(instrument.NewSimulated(s, Profile(), opts...)), sim
}
