/*Package keithley drives the Keithley 6221 AC and DC current source, in
particular its delta mode, in which the 6221 alternates between two currents
and a 2182A nanovoltmeter on the trigger link measures the voltage difference.

The 6221 speaks SCPI over GPIB (through a Prologix controller), RS-232 or
Ethernet.
*/
package keithley

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cryolab/cryolab/comm"
	"github.com/cryolab/cryolab/instrument"
	"github.com/cryolab/cryolab/scpi"
	"github.com/cryolab/cryolab/util"
	"github.com/pkg/errors"
	"github.com/tarm/serial"
)

// MaxCurrent is the largest delta mode current, A
const MaxCurrent = 0.105

// ComplianceRange is the settable voltage compliance, V
var ComplianceRange = util.Limiter{Min: 0.1, Max: 105}

var (
	// ErrInvalidDelta is wrapped when a delta configuration is refused before sending
	ErrInvalidDelta = errors.New("invalid delta mode configuration")

	// ErrNoNanovoltmeter is returned by Arm when no 2182A answers on the trigger link
	ErrNoNanovoltmeter = errors.New("no 2182A nanovoltmeter detected")
)

// Profile is the adapter profile for the 6221
func Profile() instrument.Profile {
	return instrument.Profile{
		Name:         "k6221",
		TxTerm:       '\n',
		RxTerm:       '\n',
		Mode:         instrument.ReadLine,
		QueriesOnly:  true,
		Timeout:      5 * time.Second,
		MaxResponse:  4096,
		Probe:        instrument.Cmd("*IDN?"),
		ProbeTimeout: 5 * time.Second,
		Check: func(s string) error {
			if !strings.Contains(s, "6221") {
				return errors.Errorf("identity %q is not a 6221", s)
			}
			return nil
		},
		SafeState: []instrument.Command{
			instrument.Cmd("SOUR:SWE:ABOR"),
			instrument.Cmd("OUTP OFF"),
		},
		Serial: comm.SerialSettings{
			Baud:     9600,
			DataBits: 8,
			Parity:   serial.ParityNone,
			StopBits: serial.Stop1,
		},
	}
}

// DeltaUnit is the unit delta readings are reported in
type DeltaUnit string

const (
	Volts DeltaUnit = "V"
	Ohms  DeltaUnit = "OHMS"
)

// DeltaConfig holds the delta mode settings
type DeltaConfig struct {
	// High and Low are the two source currents, A
	High float64 `json:"high"`
	Low  float64 `json:"low"`

	// Delay is the settling time after each current change, s
	Delay float64 `json:"delay"`

	// Count is the number of readings to take, 0 runs until aborted
	Count int `json:"count"`

	// ComplianceAbort stops the measurement if the source goes into compliance
	ComplianceAbort bool `json:"complianceAbort"`

	// BufferPoints is the size of the reading buffer
	BufferPoints int `json:"bufferPoints"`

	Unit DeltaUnit `json:"unit"`

	// Compliance is the voltage compliance of the source, V
	Compliance float64 `json:"compliance"`
}

// SymmetricDelta is a configuration alternating between +amps and -amps
func SymmetricDelta(amps float64) DeltaConfig {
	return DeltaConfig{
		High:         amps,
		Low:          -amps,
		Delay:        0.002,
		Count:        0,
		BufferPoints: 65536,
		Unit:         Volts,
		Compliance:   10,
	}
}

// Validate checks the configuration against the limits of the instrument
func (c DeltaConfig) Validate() error {
	if c.High < 0 || c.High > MaxCurrent {
		return errors.Wrapf(ErrInvalidDelta, "high current %g A outside [0, %g]", c.High, MaxCurrent)
	}
	if err := util.Symmetric(MaxCurrent).Validate("low current", c.Low); err != nil {
		return errors.Wrap(ErrInvalidDelta, err.Error())
	}
	if c.High == c.Low {
		return errors.Wrap(ErrInvalidDelta, "high and low currents must differ")
	}
	if c.Delay < 0 {
		return errors.Wrapf(ErrInvalidDelta, "delay %g s must not be negative", c.Delay)
	}
	if c.Count < 0 {
		return errors.Wrapf(ErrInvalidDelta, "count %d must not be negative", c.Count)
	}
	if c.BufferPoints < 1 || c.BufferPoints > 65536 {
		return errors.Wrapf(ErrInvalidDelta, "buffer points %d outside [1, 65536]", c.BufferPoints)
	}
	switch c.Unit {
	case Volts, Ohms:
	default:
		return errors.Wrapf(ErrInvalidDelta, "unit must be V or OHMS, not %q", c.Unit)
	}
	if !ComplianceRange.Check(c.Compliance) {
		return errors.Wrapf(ErrInvalidDelta, "compliance %g V outside [%g, %g]", c.Compliance, ComplianceRange.Min, ComplianceRange.Max)
	}
	return nil
}

// DeltaReading is one delta measurement
type DeltaReading struct {
	Value     float64   `json:"value"`
	Unit      DeltaUnit `json:"unit"`
	Timestamp float64   `json:"timestamp"`
}

// K6221 is a Keithley 6221 current source
type K6221 struct {
	a    *instrument.Adapter
	unit DeltaUnit
}

// New wraps an adapter, see Dial
func New(a *instrument.Adapter) *K6221 {
	return &K6221{a: a, unit: Volts}
}

// Dial connects to the 6221 and, if reset is true, returns it to its
// power-on state
func Dial(ctx context.Context, addr string, reset bool, opts ...instrument.Option) (*K6221, error) {
	a, err := instrument.Dial(ctx, addr, Profile(), opts...)
	if err != nil {
		return nil, err
	}
	k := New(a)
	if reset {
		if err := k.Reset(ctx); err != nil {
			a.Close(ctx)
			return nil, err
		}
	}
	return k, nil
}

// Adapter returns the underlying adapter
func (k *K6221) Adapter() *instrument.Adapter {
	return k.a
}

func (k *K6221) write(ctx context.Context, cmds ...string) error {
	for _, c := range cmds {
		if _, err := k.a.Execute(ctx, instrument.Cmd(c)); err != nil {
			return errors.Wrapf(err, "sending %s", c)
		}
	}
	return nil
}

func (k *K6221) query(ctx context.Context, q string) (string, error) {
	resp, err := k.a.Execute(ctx, instrument.Cmd(q))
	return strings.TrimSpace(resp), errors.Wrapf(err, "querying %s", q)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'E', 6, 64)
}

// Identify returns the *IDN? string
func (k *K6221) Identify(ctx context.Context) (string, error) {
	return k.query(ctx, "*IDN?")
}

// Reset returns the instrument to its power-on state
func (k *K6221) Reset(ctx context.Context) error {
	return k.write(ctx, "*RST")
}

// SetOutput turns the source output on or off
func (k *K6221) SetOutput(ctx context.Context, on bool) error {
	if on {
		return k.write(ctx, "OUTP ON")
	}
	return k.write(ctx, "OUTP OFF")
}

// Output reports whether the source output is on
func (k *K6221) Output(ctx context.Context) (bool, error) {
	s, err := k.query(ctx, "OUTP?")
	if err != nil {
		return false, err
	}
	return s == "1" || s == "ON", nil
}

// SetCurrent sets the DC source current, A
func (k *K6221) SetCurrent(ctx context.Context, amps float64) error {
	if err := util.Symmetric(MaxCurrent).Validate("current", amps); err != nil {
		return err
	}
	return k.write(ctx, "SOUR:CURR "+formatFloat(amps))
}

// SetCompliance sets the voltage compliance, V
func (k *K6221) SetCompliance(ctx context.Context, volts float64) error {
	if err := ComplianceRange.Validate("compliance", volts); err != nil {
		return err
	}
	return k.write(ctx, "SOUR:CURR:COMP "+formatFloat(volts))
}

// NanovoltmeterPresent asks the 6221 whether a 2182A answers on the trigger link
func (k *K6221) NanovoltmeterPresent(ctx context.Context) (bool, error) {
	s, err := k.query(ctx, "SOUR:DELT:NVPR?")
	if err != nil {
		return false, err
	}
	return s == "1", nil
}

// Arm validates and sends the delta configuration, then arms delta mode.
// Start begins the measurement.
func (k *K6221) Arm(ctx context.Context, c DeltaConfig) error {
	if err := c.Validate(); err != nil {
		return err
	}
	ok, err := k.NanovoltmeterPresent(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoNanovoltmeter
	}
	count := "INF"
	if c.Count > 0 {
		count = strconv.Itoa(c.Count)
	}
	cab := "OFF"
	if c.ComplianceAbort {
		cab = "ON"
	}
	err = k.write(ctx,
		"UNIT "+string(c.Unit),
		"SOUR:CURR:COMP "+formatFloat(c.Compliance),
		"SOUR:DELT:HIGH "+formatFloat(c.High),
		"SOUR:DELT:LOW "+formatFloat(c.Low),
		"SOUR:DELT:DEL "+formatFloat(c.Delay),
		"SOUR:DELT:COUN "+count,
		"SOUR:DELT:CAB "+cab,
		"TRAC:POIN "+strconv.Itoa(c.BufferPoints),
		"SOUR:DELT:ARM",
	)
	if err != nil {
		return errors.Wrap(err, "arming delta mode")
	}
	errs, err := k.Errors(ctx)
	if err != nil {
		return errors.Wrap(err, "arming delta mode")
	}
	if len(errs) > 0 {
		return errors.Wrap(errs[0], "arming delta mode")
	}
	k.unit = c.Unit
	k.a.Log().WithField("high", c.High).WithField("low", c.Low).Info("delta mode armed")
	return nil
}

// Errors drains the instrument's error queue
func (k *K6221) Errors(ctx context.Context) ([]scpi.Error, error) {
	return scpi.AllErrors(ctx, k.a)
}

// Start triggers an armed delta measurement
func (k *K6221) Start(ctx context.Context) error {
	return k.write(ctx, "INIT:IMM")
}

// Abort stops a running delta measurement
func (k *K6221) Abort(ctx context.Context) error {
	return k.write(ctx, "SOUR:SWE:ABOR")
}

// DeltaActive reports whether delta mode is armed
func (k *K6221) DeltaActive(ctx context.Context) (bool, error) {
	s, err := k.query(ctx, "SOUR:DELT:ARM?")
	if err != nil {
		return false, err
	}
	return s == "1", nil
}

// ReadDataPoint returns the most recent delta reading
func (k *K6221) ReadDataPoint(ctx context.Context) (DeltaReading, error) {
	s, err := k.query(ctx, "SENS:DATA:FRES?")
	if err != nil {
		return DeltaReading{}, err
	}
	return k.parseReading(s)
}

func (k *K6221) parseReading(s string) (DeltaReading, error) {
	fields := strings.Split(s, ",")
	v, ok := instrument.DecodeNumeric(fields[0], "", "")
	if !ok {
		return DeltaReading{}, errors.Wrapf(instrument.ErrDecode, "reading %q", s)
	}
	r := DeltaReading{Value: v, Unit: k.unit}
	if len(fields) > 1 {
		r.Timestamp, _ = instrument.DecodeNumeric(fields[1], "", "")
	}
	return r, nil
}

// ReadBuffer returns every reading in the buffer
func (k *K6221) ReadBuffer(ctx context.Context) ([]DeltaReading, error) {
	s, err := k.query(ctx, "TRAC:DATA?")
	if err != nil {
		return nil, err
	}
	if s == "" {
		return nil, nil
	}
	fields := strings.Split(s, ",")
	out := make([]DeltaReading, 0, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		r, err := k.parseReading(fields[i] + "," + fields[i+1])
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Close aborts any measurement, turns the output off and releases the
// instrument
func (k *K6221) Close(ctx context.Context) error {
	return k.a.Close(ctx)
}
