/*Package oxford provides drivers for Oxford Instruments cryogenic equipment:
the ILM 210 helium level meter and ITC 503 temperature controller, which speak
ISOBUS, and the Mercury iPS-M magnet power supply, which speaks SCPI.

ISOBUS commands are one letter and an optional argument, prefixed with "@n"
to address instrument n on the bus and terminated with a carriage return.
The instrument echoes the command letter followed by data, or answers "?"
followed by the command when it did not understand it.  There is no reply
terminator to rely on, so the adapter waits a fixed interval and takes what
is buffered.
*/
package oxford

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cryolab/cryolab/comm"
	"github.com/cryolab/cryolab/instrument"
	"github.com/tarm/serial"
)

// ISOBUSSettle is the time the instruments need to have the whole reply buffered
const ISOBUSSettle = 70 * time.Millisecond

// ISOBUS returns the adapter profile for the instrument at ISOBUS address n.
// A negative n omits the address, for instruments wired directly to the port.
func ISOBUS(n int, name string) instrument.Profile {
	prefix := ""
	if n >= 0 {
		prefix = fmt.Sprintf("@%d", n)
	}
	return instrument.Profile{
		Name:         name,
		Prefix:       prefix,
		TxTerm:       '\r',
		RxTerm:       '\r',
		Settle:       ISOBUSSettle,
		ErrorMarker:  "?",
		Mode:         instrument.ReadAvailable,
		Quiet:        20 * time.Millisecond,
		Timeout:      time.Second,
		MaxResponse:  256,
		Probe:        instrument.Cmd("V"),
		ProbeTimeout: 5 * time.Second,
		SafeState:    []instrument.Command{instrument.Cmd("C", int(LocalLocked))},
		Rate:         20,
		Serial: comm.SerialSettings{
			Baud:        9600,
			DataBits:    8,
			Parity:      serial.ParityNone,
			StopBits:    serial.Stop2,
			ReadTimeout: 100 * time.Millisecond,
		},
	}
}

// RemoteStatus is the front panel lock state set with the C command
type RemoteStatus int

const (
	// LocalLocked is front panel control with the LOC/REM button disabled
	LocalLocked RemoteStatus = iota
	// RemoteLocked is computer control with the front panel locked out
	RemoteLocked
	// LocalUnlocked is front panel control
	LocalUnlocked
	// RemoteUnlocked is computer control with the front panel still live
	RemoteUnlocked
)

var remoteStatusLabels = map[int]string{
	0: "LOCAL & LOCKED",
	1: "REMOTE & LOCKED",
	2: "LOCAL & UNLOCKED",
	3: "REMOTE & UNLOCKED",
}

func (r RemoteStatus) String() string {
	if s, ok := remoteStatusLabels[int(r)]; ok {
		return s
	}
	return instrument.Unknown
}

// IDN is the identity of an instrument, parsed from its version string
type IDN struct {
	Vendor   string `json:"vendor"`
	Model    string `json:"model"`
	Serial   string `json:"serial"`
	Firmware string `json:"firmware"`
}

// parseVersion splits an ISOBUS version reply like
// "ILM200 Version 1.08 (c) OXFORD 1994" into model ILM200, firmware
// "Version 1.08", vendor "(c) OXFORD" and serial 1994.  The instruments
// report no serial number, the sixth field is kept in its place.  Fewer
// than six fields yields a zero IDN.
func parseVersion(s string) IDN {
	f := strings.Fields(s)
	if len(f) < 6 {
		return IDN{}
	}
	return IDN{
		Vendor:   f[3] + " " + f[4],
		Model:    f[0],
		Serial:   f[5],
		Firmware: f[1] + " " + f[2],
	}
}

// isobus is embedded by the ISOBUS drivers
type isobus struct {
	a *instrument.Adapter
}

func (i isobus) setRemoteStatus(ctx context.Context, r RemoteStatus) error {
	if r < LocalLocked || r > RemoteUnlocked {
		return fmt.Errorf("invalid remote status %d", r)
	}
	_, err := i.a.Execute(ctx, instrument.Cmd("C", int(r)))
	return err
}

func (i isobus) version(ctx context.Context) (string, error) {
	return i.a.Execute(ctx, instrument.Cmd("V"))
}

// readScaled sends a read command and divides the numeric reply by scale
func (i isobus) readScaled(ctx context.Context, cmd instrument.Command, scale float64) (float64, error) {
	raw, err := i.a.Execute(ctx, cmd)
	if err != nil {
		return 0, err
	}
	v, ok := instrument.DecodeNumeric(raw, "R", "")
	if !ok {
		return 0, fmt.Errorf("%w: %s replied %q", instrument.ErrDecode, cmd, raw)
	}
	return v / scale, nil
}

func versionCheck(model string) func(string) error {
	return func(s string) error {
		if !strings.Contains(strings.ToUpper(s), model) {
			return fmt.Errorf("version %q does not name an %s", s, model)
		}
		return nil
	}
}
