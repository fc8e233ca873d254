package oxford

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cryolab/cryolab/comm"
	"github.com/cryolab/cryolab/instrument"
	"github.com/cryolab/cryolab/util"
	"github.com/tarm/serial"
)

// MercuryPort is the TCP port the Mercury iPS listens on
const MercuryPort = 7020

// Axis is a magnet group on the Mercury iPS
type Axis string

const (
	AxisX Axis = "GRPX"
	AxisY Axis = "GRPY"
	AxisZ Axis = "GRPZ"
)

// ParseAxis accepts X, GRPX, x, ...; the empty string is Z
func ParseAxis(s string) (Axis, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	switch s {
	case "", "Z", "GRPZ":
		return AxisZ, nil
	case "X", "GRPX":
		return AxisX, nil
	case "Y", "GRPY":
		return AxisY, nil
	}
	return "", fmt.Errorf("unknown magnet axis %q", s)
}

var (
	// MaxCurrent is the largest lead current setpoint accepted, A
	MaxCurrent = 360.0
	// MaxCurrentRamp is the largest current sweep rate accepted, A/min
	MaxCurrentRamp = 1200.0

	fieldLimits = map[Axis]util.Limiter{
		AxisZ: util.Symmetric(6),
		AxisX: util.Symmetric(1),
		AxisY: util.Symmetric(1),
	}
)

// MagnetAction is the activity of the power supply output
type MagnetAction string

const (
	Hold           MagnetAction = "HOLD"
	RampToSetpoint MagnetAction = "RTOS"
	RampToZero     MagnetAction = "RTOZ"
	Clamp          MagnetAction = "CLMP"
	ActionUnknown  MagnetAction = instrument.Unknown
)

func (m MagnetAction) valid() bool {
	switch m {
	case Hold, RampToSetpoint, RampToZero, Clamp:
		return true
	}
	return false
}

// ParseMagnetAction is case insensitive
func ParseMagnetAction(s string) (MagnetAction, error) {
	m := MagnetAction(strings.ToUpper(strings.TrimSpace(s)))
	if !m.valid() {
		return ActionUnknown, fmt.Errorf("magnet action must be HOLD, RTOS, RTOZ or CLMP, not %q", s)
	}
	return m, nil
}

// MercuryProfile is the adapter profile for the Mercury iPS SCPI interface
func MercuryProfile() instrument.Profile {
	return instrument.Profile{
		Name:         "mercuryips",
		TxTerm:       '\n',
		RxTerm:       '\n',
		Mode:         instrument.ReadLine,
		Timeout:      10 * time.Second,
		MaxResponse:  2048,
		Probe:        instrument.Cmd("*IDN?"),
		ProbeTimeout: 10 * time.Second,
		Check: func(s string) error {
			if !strings.Contains(strings.ToUpper(s), "OXFORD INSTRUMENTS:MERCURY") {
				return fmt.Errorf("identity %q is not a Mercury", s)
			}
			return nil
		},
		Serial: comm.SerialSettings{
			Baud:     9600,
			DataBits: 8,
			Parity:   serial.ParityNone,
			StopBits: serial.Stop1,
		},
	}
}

// MercuryIPS is an Oxford Mercury iPS-M magnet power supply.  Every accessor
// acts on Axis.
type MercuryIPS struct {
	a    *instrument.Adapter
	Axis Axis
}

// NewMercuryIPS wraps an adapter, see DialMercuryIPS
func NewMercuryIPS(a *instrument.Adapter, axis Axis) *MercuryIPS {
	return &MercuryIPS{a: a, Axis: axis}
}

// DialMercuryIPS connects to the supply.  A bare host is given MercuryPort.
func DialMercuryIPS(ctx context.Context, addr string, axis Axis, opts ...instrument.Option) (*MercuryIPS, error) {
	if !strings.Contains(addr, ":") && !strings.HasPrefix(addr, "/") && !strings.HasPrefix(strings.ToUpper(addr), "COM") {
		addr = fmt.Sprintf("%s:%d", addr, MercuryPort)
	}
	a, err := instrument.Dial(ctx, addr, MercuryProfile(), opts...)
	if err != nil {
		return nil, err
	}
	return NewMercuryIPS(a, axis), nil
}

// Adapter returns the underlying adapter
func (m *MercuryIPS) Adapter() *instrument.Adapter {
	return m.a
}

func (m *MercuryIPS) node() string {
	return "DEV:" + string(m.Axis) + ":PSU"
}

// lastField is the text after the final ':'
func lastField(s string) string {
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// decodeStat pulls the value of sig out of a reply such as
// STAT:DEV:GRPZ:PSU:SIG:CURR:12.3456A.  Some firmware separates the unit
// with another colon, ...:CURR:12.3456:A, which is accepted too.
func decodeStat(raw, sig, unit string) (float64, bool) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	for i := len(parts) - 2; i >= 0; i-- {
		if parts[i] != sig {
			continue
		}
		val := parts[i+1]
		if i+2 < len(parts) {
			val += parts[i+2]
		}
		return instrument.DecodeNumeric(val, "", unit)
	}
	return instrument.DecodeNumeric(lastField(raw), "", unit)
}

func (m *MercuryIPS) readSig(ctx context.Context, sig, unit string) (float64, error) {
	q := fmt.Sprintf("READ:%s:SIG:%s?", m.node(), sig)
	raw, err := m.a.Execute(ctx, instrument.Cmd(q))
	if err != nil {
		return 0, err
	}
	v, ok := decodeStat(raw, sig, unit)
	if !ok {
		return 0, fmt.Errorf("%w: %s replied %q", instrument.ErrDecode, q, raw)
	}
	return v, nil
}

// set sends a SET command; the supply answers ...:VALID or ...:INVALID
func (m *MercuryIPS) set(ctx context.Context, path, value string) error {
	c := fmt.Sprintf("SET:%s:%s:%s", m.node(), path, value)
	raw, err := m.a.Execute(ctx, instrument.Cmd(c))
	if err != nil {
		return err
	}
	if strings.Contains(raw, "INVALID") {
		m.a.Log().WithFields(map[string]interface{}{"cmd": c, "resp": raw}).Warn("supply rejected setting")
		return fmt.Errorf("%w: %s rejected with %q", instrument.ErrProtocol, c, raw)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

// Identify returns the *IDN? string
func (m *MercuryIPS) Identify(ctx context.Context) (string, error) {
	return m.a.Execute(ctx, instrument.Cmd("*IDN?"))
}

// Current is the output (lead) current, A
func (m *MercuryIPS) Current(ctx context.Context) (float64, error) {
	return m.readSig(ctx, "CURR", "A")
}

// PersistentCurrent is the current last left in the magnet, A
func (m *MercuryIPS) PersistentCurrent(ctx context.Context) (float64, error) {
	return m.readSig(ctx, "PCUR", "A")
}

// CurrentSetpoint is the target current, A
func (m *MercuryIPS) CurrentSetpoint(ctx context.Context) (float64, error) {
	return m.readSig(ctx, "CSET", "A")
}

// SetCurrent sets the target current, A
func (m *MercuryIPS) SetCurrent(ctx context.Context, amps float64) error {
	if err := util.Symmetric(MaxCurrent).Validate("current setpoint", amps); err != nil {
		return err
	}
	return m.set(ctx, "SIG:CSET", formatFloat(amps))
}

// CurrentRampRate is the current sweep rate, A/min
func (m *MercuryIPS) CurrentRampRate(ctx context.Context) (float64, error) {
	return m.readSig(ctx, "RCST", "A/m")
}

// SetCurrentRampRate sets the current sweep rate, A/min
func (m *MercuryIPS) SetCurrentRampRate(ctx context.Context, rate float64) error {
	l := util.Limiter{Min: 0, Max: MaxCurrentRamp}
	if err := l.Validate("current ramp rate", rate); err != nil {
		return err
	}
	return m.set(ctx, "SIG:RCST", formatFloat(rate))
}

// Voltage is the output voltage, V
func (m *MercuryIPS) Voltage(ctx context.Context) (float64, error) {
	return m.readSig(ctx, "VOLT", "V")
}

// Field is the output field, T
func (m *MercuryIPS) Field(ctx context.Context) (float64, error) {
	return m.readSig(ctx, "FLD", "T")
}

// FieldSetpoint is the target field, T
func (m *MercuryIPS) FieldSetpoint(ctx context.Context) (float64, error) {
	return m.readSig(ctx, "FSET", "T")
}

// SetFieldSetpoint sets the target field, T.  The Z solenoid goes to 6 T, the
// X and Y split pairs to 1 T.
func (m *MercuryIPS) SetFieldSetpoint(ctx context.Context, tesla float64) error {
	l, ok := fieldLimits[m.Axis]
	if !ok {
		return fmt.Errorf("no field limits for axis %s", m.Axis)
	}
	if err := l.Validate("field setpoint", tesla); err != nil {
		return err
	}
	return m.set(ctx, "SIG:FSET", formatFloat(tesla))
}

// FieldRampRate is the field sweep rate, T/min
func (m *MercuryIPS) FieldRampRate(ctx context.Context) (float64, error) {
	return m.readSig(ctx, "RFST", "T/m")
}

// SetFieldRampRate sets the field sweep rate, T/min
func (m *MercuryIPS) SetFieldRampRate(ctx context.Context, rate float64) error {
	if rate < 0 {
		return fmt.Errorf("field ramp rate %g must not be negative", rate)
	}
	return m.set(ctx, "SIG:RFST", formatFloat(rate))
}

// SwitchHeater reports the persistent switch heater, ON, OFF or instrument.Unknown
func (m *MercuryIPS) SwitchHeater(ctx context.Context) (string, error) {
	raw, err := m.a.Execute(ctx, instrument.Cmd(fmt.Sprintf("READ:%s:SIG:SWHT?", m.node())))
	if err != nil {
		return "", err
	}
	switch s := strings.ToUpper(strings.TrimSpace(lastField(raw))); s {
	case "ON", "OFF":
		return s, nil
	}
	return instrument.Unknown, nil
}

// SetSwitchHeater turns the persistent switch heater on or off.  It does not
// check that the lead and magnet currents match; see CheckHeaterInterlock and
// SwitchHeaterGuarded.
func (m *MercuryIPS) SetSwitchHeater(ctx context.Context, on bool) error {
	v := "OFF"
	if on {
		v = "ON"
	}
	return m.set(ctx, "SIG:SWHN", v)
}

// Action reports what the output is doing
func (m *MercuryIPS) Action(ctx context.Context) (MagnetAction, error) {
	raw, err := m.a.Execute(ctx, instrument.Cmd(fmt.Sprintf("READ:%s:ACTN?", m.node())))
	if err != nil {
		return ActionUnknown, err
	}
	a := MagnetAction(strings.ToUpper(strings.TrimSpace(lastField(raw))))
	if !a.valid() {
		return ActionUnknown, nil
	}
	return a, nil
}

// SetAction starts or stops a sweep
func (m *MercuryIPS) SetAction(ctx context.Context, a MagnetAction) error {
	if !a.valid() {
		return fmt.Errorf("invalid magnet action %q", a)
	}
	return m.set(ctx, "ACTN", string(a))
}

// Hold stops any sweep
func (m *MercuryIPS) Hold(ctx context.Context) error { return m.SetAction(ctx, Hold) }

// RampToSetpoint sweeps to the setpoint
func (m *MercuryIPS) RampToSetpoint(ctx context.Context) error {
	return m.SetAction(ctx, RampToSetpoint)
}

// RampToZero sweeps to zero
func (m *MercuryIPS) RampToZero(ctx context.Context) error { return m.SetAction(ctx, RampToZero) }

// Clamp clamps the output
func (m *MercuryIPS) Clamp(ctx context.Context) error { return m.SetAction(ctx, Clamp) }

// Catalog lists the devices fitted, as DEV:<uid>:<type> strings
func (m *MercuryIPS) Catalog(ctx context.Context) ([]string, error) {
	raw, err := m.a.Execute(ctx, instrument.Cmd("READ:SYS:CAT?"))
	if err != nil {
		return nil, err
	}
	return parseCatalog(raw), nil
}

func parseCatalog(raw string) []string {
	var out []string
	for _, chunk := range strings.Split(raw, "DEV:")[1:] {
		chunk = strings.TrimSuffix(strings.TrimSpace(chunk), ":")
		if chunk != "" {
			out = append(out, "DEV:"+chunk)
		}
	}
	return out
}

// Close releases the supply.  The magnet is left as it is.
func (m *MercuryIPS) Close(ctx context.Context) error {
	return m.a.Close(ctx)
}
