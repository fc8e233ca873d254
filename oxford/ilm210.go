package oxford

import (
	"context"
	"fmt"
	"strings"

	"github.com/cryolab/cryolab/instrument"
	"go.uber.org/multierr"
)

// ProbeRate is the sampling rate of a helium level probe
type ProbeRate string

const (
	// Fast samples the probe continuously, boiling off more helium
	Fast ProbeRate = "FAST"
	// Slow samples the probe periodically
	Slow ProbeRate = "SLOW"
	// RateUnknown is reported when the status could not be decoded
	RateUnknown ProbeRate = instrument.Unknown
)

// ParseProbeRate is case insensitive
func ParseProbeRate(s string) (ProbeRate, error) {
	switch ProbeRate(strings.ToUpper(strings.TrimSpace(s))) {
	case Fast:
		return Fast, nil
	case Slow:
		return Slow, nil
	}
	return RateUnknown, fmt.Errorf("probe rate must be FAST or SLOW, not %q", s)
}

var (
	// channel 1 usage, the digit after X
	ilmUsage = map[int]string{
		0: "Channel not in use",
		1: "Channel used for Nitrogen level",
		2: "Channel used for Helium level (pulsed)",
		3: "Channel used for Helium level (continuous)",
		9: "Error on channel (usually means probe unplugged)",
	}

	// X reply is XabcSrrssttRvv; rr is the channel 1 status byte in hex
	ilmRateField = instrument.Field{Start: 5, End: 7, Base: 16, MinLen: 10}
	ilmRateBits  = instrument.BitTable{
		{Mask: 0x02, Label: string(Fast)},
		{Mask: 0x04, Label: string(Slow)},
	}
)

// ILM210 is an Oxford ILM 210 helium level meter
type ILM210 struct {
	isobus
}

// NewILM210 wraps an adapter, see DialILM210
func NewILM210(a *instrument.Adapter) *ILM210 {
	return &ILM210{isobus{a}}
}

// DialILM210 connects to the level meter at ISOBUS address n on addr
func DialILM210(ctx context.Context, addr string, n int, opts ...instrument.Option) (*ILM210, error) {
	prof := ISOBUS(n, "ilm210")
	prof.Check = versionCheck("ILM")
	a, err := instrument.Dial(ctx, addr, prof, opts...)
	if err != nil {
		return nil, err
	}
	return NewILM210(a), nil
}

// Adapter returns the underlying adapter
func (m *ILM210) Adapter() *instrument.Adapter {
	return m.a
}

// Level returns the helium level of channel 1 in percent
func (m *ILM210) Level(ctx context.Context) (float64, error) {
	// reply is R followed by tenths of a percent
	return m.readScaled(ctx, instrument.Cmd("R", 1), 10)
}

// Status returns the usage of channel 1 as text, or instrument.Unknown
func (m *ILM210) Status(ctx context.Context) (string, error) {
	raw, err := m.a.Execute(ctx, instrument.Cmd("X"))
	if err != nil {
		return "", err
	}
	return instrument.DecodeIndex(raw, 1, ilmUsage), nil
}

// Rate returns the sampling rate of channel 1
func (m *ILM210) Rate(ctx context.Context) (ProbeRate, error) {
	raw, err := m.a.Execute(ctx, instrument.Cmd("X"))
	if err != nil {
		return RateUnknown, err
	}
	return ProbeRate(instrument.DecodeEnum(raw, ilmRateField, ilmRateBits)), nil
}

// SetRate sets the sampling rate of channel 1.  The meter must be in remote
// to accept it; it is put in remote & locked for the change and left in
// remote & unlocked afterwards.
func (m *ILM210) SetRate(ctx context.Context, r ProbeRate) error {
	var cmd instrument.Command
	switch r {
	case Slow:
		cmd = instrument.Cmd("S", 1)
	case Fast:
		cmd = instrument.Cmd("T", 1)
	default:
		return fmt.Errorf("probe rate must be FAST or SLOW, not %q", r)
	}
	if err := m.setRemoteStatus(ctx, RemoteLocked); err != nil {
		return err
	}
	_, err := m.a.Execute(ctx, cmd)
	return multierr.Append(err, m.setRemoteStatus(ctx, RemoteUnlocked))
}

// SetRemoteStatus sets the front panel lock state
func (m *ILM210) SetRemoteStatus(ctx context.Context, r RemoteStatus) error {
	return m.setRemoteStatus(ctx, r)
}

// Remote puts the meter under computer control, front panel unlocked
func (m *ILM210) Remote(ctx context.Context) error {
	return m.setRemoteStatus(ctx, RemoteUnlocked)
}

// Local returns the meter to front panel control
func (m *ILM210) Local(ctx context.Context) error {
	return m.setRemoteStatus(ctx, LocalLocked)
}

// Version returns the raw version string
func (m *ILM210) Version(ctx context.Context) (string, error) {
	return m.version(ctx)
}

// Identify parses the version string
func (m *ILM210) Identify(ctx context.Context) (IDN, error) {
	v, err := m.version(ctx)
	if err != nil {
		return IDN{}, err
	}
	return parseVersion(v), nil
}

// Close returns the meter to local and releases the port
func (m *ILM210) Close(ctx context.Context) error {
	return m.a.Close(ctx)
}
