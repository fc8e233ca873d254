package oxford

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/cryolab/cryolab/instrument"
	"github.com/cryolab/cryolab/temperature"
	"go.uber.org/multierr"
)

// typical operating ranges, outside of which a setting is logged but still sent
var (
	itcTemperatureRange = [2]float64{0.3, 1500}
	itcPRange           = [2]float64{0.1, 1000}
	itcIRange           = [2]float64{0.1, 140}
	itcDRange           = [2]float64{0, 273}
)

// HeaterGasMode is the A command setting
type HeaterGasMode int

const (
	HeaterManualGasManual HeaterGasMode = iota
	HeaterAutoGasManual
	HeaterManualGasAuto
	HeaterAutoGasAuto
)

var heaterGasLabels = map[int]string{
	0: "HEATER MANUAL, GAS MANUAL",
	1: "HEATER AUTO, GAS MANUAL",
	2: "HEATER MANUAL, GAS AUTO",
	3: "HEATER AUTO, GAS AUTO",
}

var onOff = map[int]string{0: "OFF", 1: "ON"}

// ITCStatus is the decoded X reply, XnAnCnSnnHnLn
type ITCStatus struct {
	System       string `json:"system"`
	HeaterGas    string `json:"heaterGas"`
	Control      string `json:"control"`
	Sweep        string `json:"sweep"`
	HeaterSensor string `json:"heaterSensor"`
	AutoPID      string `json:"autoPID"`
}

// PID holds the three loop terms
type PID struct {
	P float64 `json:"p"`
	I float64 `json:"i"`
	D float64 `json:"d"`
}

// ITC503 is an Oxford ITC 503 temperature controller
type ITC503 struct {
	isobus

	// Sensor is the sensor read by GetTemperature, 1-3
	Sensor int
}

// NewITC503 wraps an adapter, see DialITC503
func NewITC503(a *instrument.Adapter) *ITC503 {
	return &ITC503{isobus: isobus{a}, Sensor: 1}
}

// DialITC503 connects to the controller at ISOBUS address n on addr and puts
// it under computer control with automatic heater, gas and PID
func DialITC503(ctx context.Context, addr string, n int, opts ...instrument.Option) (*ITC503, error) {
	prof := ISOBUS(n, "itc503")
	prof.Check = versionCheck("ITC")
	a, err := instrument.Dial(ctx, addr, prof, opts...)
	if err != nil {
		return nil, err
	}
	c := NewITC503(a)
	if err := c.Initialize(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}
	return c, nil
}

// Adapter returns the underlying adapter
func (c *ITC503) Adapter() *instrument.Adapter {
	return c.a
}

// Initialize sets remote & unlocked, heater and gas auto, auto-PID on
func (c *ITC503) Initialize(ctx context.Context) error {
	if err := c.setRemoteStatus(ctx, RemoteUnlocked); err != nil {
		return err
	}
	if err := c.SetHeaterGasMode(ctx, HeaterAutoGasAuto); err != nil {
		return err
	}
	return c.SetAutoPID(ctx, true)
}

func checkSensor(sensor int) error {
	if sensor < 1 || sensor > 3 {
		return fmt.Errorf("sensor must be 1, 2 or 3, not %d", sensor)
	}
	return nil
}

func (c *ITC503) warnRange(name string, v float64, r [2]float64) {
	if v < r[0] || v > r[1] {
		c.a.Log().WithField(name, v).Warnf("%s outside typical range [%g, %g]", name, r[0], r[1])
	}
}

// Temperature reads sensor 1-3 in Kelvin
func (c *ITC503) Temperature(ctx context.Context, sensor int) (temperature.Kelvin, error) {
	if err := checkSensor(sensor); err != nil {
		return 0, err
	}
	v, err := c.readScaled(ctx, instrument.Cmd("R", sensor), 1)
	return temperature.Kelvin(v), err
}

// Setpoint reads the temperature setpoint in Kelvin
func (c *ITC503) Setpoint(ctx context.Context) (temperature.Kelvin, error) {
	v, err := c.readScaled(ctx, instrument.Cmd("R", 0), 1)
	return temperature.Kelvin(v), err
}

// SetTemperature sets the setpoint in Kelvin
func (c *ITC503) SetTemperature(ctx context.Context, k temperature.Kelvin) error {
	if !k.Physical() {
		return fmt.Errorf("setpoint %v is below absolute zero", k)
	}
	c.warnRange("setpoint", float64(k), itcTemperatureRange)
	_, err := c.a.Execute(ctx, instrument.Cmd("T", strconv.FormatFloat(float64(k), 'f', 3, 64)))
	return err
}

// HeaterOutput reads the heater output in percent of the limit
func (c *ITC503) HeaterOutput(ctx context.Context) (float64, error) {
	return c.readScaled(ctx, instrument.Cmd("R", 5), 1)
}

// PID reads the proportional band, integral and derivative action times
func (c *ITC503) PID(ctx context.Context) (PID, error) {
	var (
		pid  PID
		err  error
		errs error
	)
	pid.P, err = c.readScaled(ctx, instrument.Cmd("R", 8), 1)
	errs = multierr.Append(errs, err)
	pid.I, err = c.readScaled(ctx, instrument.Cmd("R", 9), 1)
	errs = multierr.Append(errs, err)
	pid.D, err = c.readScaled(ctx, instrument.Cmd("R", 10), 1)
	errs = multierr.Append(errs, err)
	return pid, errs
}

// SetPID writes all three terms.  Auto-PID must be off for them to take effect.
func (c *ITC503) SetPID(ctx context.Context, pid PID) error {
	c.warnRange("P", pid.P, itcPRange)
	c.warnRange("I", pid.I, itcIRange)
	c.warnRange("D", pid.D, itcDRange)
	for _, cmd := range []instrument.Command{
		instrument.Cmd("P", strconv.FormatFloat(pid.P, 'f', 1, 64)),
		instrument.Cmd("I", strconv.FormatFloat(pid.I, 'f', 1, 64)),
		instrument.Cmd("D", strconv.FormatFloat(pid.D, 'f', 1, 64)),
	} {
		if _, err := c.a.Execute(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

// SetHeaterGasMode sets the auto/manual state of heater and gas flow
func (c *ITC503) SetHeaterGasMode(ctx context.Context, m HeaterGasMode) error {
	if m < HeaterManualGasManual || m > HeaterAutoGasAuto {
		return fmt.Errorf("invalid heater/gas mode %d", m)
	}
	_, err := c.a.Execute(ctx, instrument.Cmd("A", int(m)))
	return err
}

// SetAutoPID enables or disables the PID lookup table
func (c *ITC503) SetAutoPID(ctx context.Context, on bool) error {
	arg := 0
	if on {
		arg = 1
	}
	_, err := c.a.Execute(ctx, instrument.Cmd("L", arg))
	return err
}

// SetHeaterSensor selects the sensor the heater loop controls on
func (c *ITC503) SetHeaterSensor(ctx context.Context, sensor int) error {
	if err := checkSensor(sensor); err != nil {
		return err
	}
	_, err := c.a.Execute(ctx, instrument.Cmd("H", sensor))
	return err
}

// SetRemoteStatus sets the front panel lock state
func (c *ITC503) SetRemoteStatus(ctx context.Context, r RemoteStatus) error {
	return c.setRemoteStatus(ctx, r)
}

// Status reads and decodes the X status string.  Fields that cannot be
// decoded are instrument.Unknown.
func (c *ITC503) Status(ctx context.Context) (ITCStatus, error) {
	raw, err := c.a.Execute(ctx, instrument.Cmd("X"))
	if err != nil {
		return ITCStatus{}, err
	}
	return decodeITCStatus(raw), nil
}

func decodeITCStatus(raw string) ITCStatus {
	at := func(letter byte) int {
		if i := strings.IndexByte(raw, letter); i >= 0 {
			return i + 1
		}
		return -1
	}
	st := ITCStatus{
		System:       instrument.Unknown,
		Sweep:        instrument.Unknown,
		HeaterSensor: instrument.Unknown,
		HeaterGas:    instrument.DecodeIndex(raw, at('A'), heaterGasLabels),
		Control:      instrument.DecodeIndex(raw, at('C'), remoteStatusLabels),
		AutoPID:      instrument.DecodeIndex(raw, at('L'), onOff),
	}
	if i := at('X'); i > 0 && i < len(raw) {
		st.System = string(raw[i])
	}
	if i := at('S'); i > 0 && i+2 <= len(raw) {
		if n, err := strconv.Atoi(raw[i : i+2]); err == nil {
			if n == 0 {
				st.Sweep = "OFF"
			} else {
				st.Sweep = fmt.Sprintf("STEP %d", n)
			}
		}
	}
	if i := at('H'); i > 0 && i < len(raw) && raw[i] >= '1' && raw[i] <= '3' {
		st.HeaterSensor = string(raw[i])
	}
	return st
}

// Version returns the raw version string
func (c *ITC503) Version(ctx context.Context) (string, error) {
	return c.version(ctx)
}

// Identify parses the version string
func (c *ITC503) Identify(ctx context.Context) (IDN, error) {
	v, err := c.version(ctx)
	if err != nil {
		return IDN{}, err
	}
	return parseVersion(v), nil
}

// GetTemperature returns the temperature of the configured sensor in Kelvin
func (c *ITC503) GetTemperature(ctx context.Context) (float64, error) {
	k, err := c.Temperature(ctx, c.Sensor)
	return float64(k), err
}

// GetTemperatureSetpoint returns the setpoint in Kelvin
func (c *ITC503) GetTemperatureSetpoint(ctx context.Context) (float64, error) {
	k, err := c.Setpoint(ctx)
	return float64(k), err
}

// SetTemperatureSetpoint sets the setpoint in Kelvin
func (c *ITC503) SetTemperatureSetpoint(ctx context.Context, k float64) error {
	return c.SetTemperature(ctx, temperature.Kelvin(k))
}

// Close returns the controller to local and releases the port
func (c *ITC503) Close(ctx context.Context) error {
	return c.a.Close(ctx)
}
