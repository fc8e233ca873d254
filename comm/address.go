package comm

import (
	"fmt"
	"net"
	"runtime"
	"strconv"
	"strings"
)

// Kind is the kind of transport an Address resolves to
type Kind int

const (
	// KindTCP is a raw socket
	KindTCP Kind = iota

	// KindSerial is an RS-232 port
	KindSerial

	// KindGPIB is a GPIB primary address, reached through a Prologix controller
	KindGPIB
)

// PrologixPort is the TCP port of the Prologix GPIB-Ethernet controller
const PrologixPort = 1234

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindSerial:
		return "serial"
	case KindGPIB:
		return "gpib"
	}
	return "unknown"
}

// Address is a parsed instrument address
type Address struct {
	Kind Kind

	// Raw is the string the address was parsed from
	Raw string

	// Host and Port are populated for KindTCP
	Host string
	Port int

	// Device is the OS name of the serial port for KindSerial
	Device string

	// Board and Primary are populated for KindGPIB
	Board   int
	Primary int
}

func (a Address) String() string {
	if a.Raw != "" {
		return a.Raw
	}
	switch a.Kind {
	case KindTCP:
		return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
	case KindSerial:
		return a.Device
	case KindGPIB:
		return fmt.Sprintf("GPIB%d::%d::INSTR", a.Board, a.Primary)
	}
	return "<invalid address>"
}

// AddressError describes an address that could not be understood
type AddressError struct {
	Addr   string
	Reason string
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("invalid address %q: %s", e.Addr, e.Reason)
}

// ParseAddress understands the VISA resource strings used around the lab
// as well as plain host:port and device paths:
//
//	GPIB0::5::INSTR
//	ASRL3::INSTR, ASRL/dev/ttyUSB0::INSTR
//	TCPIP0::192.168.1.20::7020::SOCKET
//	192.168.1.20:7020
//	/dev/ttyUSB0, COM4
func ParseAddress(s string) (Address, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return Address{}, &AddressError{Addr: s, Reason: "empty"}
	}
	parts := strings.Split(raw, "::")
	head := strings.ToUpper(parts[0])
	switch {
	case strings.HasPrefix(head, "GPIB"):
		return parseGPIB(raw, parts)
	case strings.HasPrefix(head, "ASRL"):
		return parseASRL(raw, parts)
	case strings.HasPrefix(head, "TCPIP"):
		return parseTCPIP(raw, parts)
	case len(parts) > 1:
		return Address{}, &AddressError{Addr: raw, Reason: "unsupported resource class " + parts[0]}
	}

	if isDevicePath(raw) {
		return Address{Kind: KindSerial, Raw: raw, Device: raw}, nil
	}
	host, port, err := net.SplitHostPort(raw)
	if err != nil {
		return Address{}, &AddressError{Addr: raw, Reason: err.Error()}
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return Address{}, &AddressError{Addr: raw, Reason: "bad port " + port}
	}
	return Address{Kind: KindTCP, Raw: raw, Host: host, Port: p}, nil
}

// ParseController parses the address of a Prologix GPIB-Ethernet
// controller.  It accepts everything ParseAddress does, and a bare host
// such as 10.0.0.9 or prologix.lab dials PrologixPort.
func ParseController(s string) (Address, error) {
	raw := strings.TrimSpace(s)
	if raw == "" || strings.Contains(raw, "::") || isDevicePath(raw) {
		return ParseAddress(raw)
	}
	if _, _, err := net.SplitHostPort(raw); err != nil {
		raw = net.JoinHostPort(raw, strconv.Itoa(PrologixPort))
	}
	return ParseAddress(raw)
}

func isDevicePath(s string) bool {
	if strings.HasPrefix(s, "/") {
		return true
	}
	up := strings.ToUpper(s)
	if strings.HasPrefix(up, "COM") {
		_, err := strconv.Atoi(up[3:])
		return err == nil
	}
	return false
}

// boardNumber parses the trailing digits of GPIB0 or TCPIP1, an absent number is board 0
func boardNumber(head, class string) (int, bool) {
	digits := head[len(class):]
	if digits == "" {
		return 0, true
	}
	n, err := strconv.Atoi(digits)
	return n, err == nil && n >= 0
}

func parseGPIB(raw string, parts []string) (Address, error) {
	board, ok := boardNumber(strings.ToUpper(parts[0]), "GPIB")
	if !ok {
		return Address{}, &AddressError{Addr: raw, Reason: "bad board number"}
	}
	if len(parts) < 2 {
		return Address{}, &AddressError{Addr: raw, Reason: "missing primary address"}
	}
	primary, err := strconv.Atoi(parts[1])
	if err != nil || primary < 0 || primary > 30 {
		return Address{}, &AddressError{Addr: raw, Reason: "primary address must be 0-30"}
	}
	if len(parts) > 2 && !strings.EqualFold(parts[len(parts)-1], "INSTR") {
		return Address{}, &AddressError{Addr: raw, Reason: "only INSTR resources are supported"}
	}
	return Address{Kind: KindGPIB, Raw: raw, Board: board, Primary: primary}, nil
}

func parseASRL(raw string, parts []string) (Address, error) {
	rest := parts[0][len("ASRL"):]
	if rest == "" {
		return Address{}, &AddressError{Addr: raw, Reason: "missing port"}
	}
	if n, err := strconv.Atoi(rest); err == nil {
		if n < 1 {
			return Address{}, &AddressError{Addr: raw, Reason: "ASRL ports are numbered from 1"}
		}
		return Address{Kind: KindSerial, Raw: raw, Device: serialDeviceName(n)}, nil
	}
	return Address{Kind: KindSerial, Raw: raw, Device: rest}, nil
}

// serialDeviceName maps VISA ASRL numbering onto the OS device name
func serialDeviceName(n int) string {
	if runtime.GOOS == "windows" {
		return fmt.Sprintf("COM%d", n)
	}
	return fmt.Sprintf("/dev/ttyS%d", n-1)
}

func parseTCPIP(raw string, parts []string) (Address, error) {
	if _, ok := boardNumber(strings.ToUpper(parts[0]), "TCPIP"); !ok {
		return Address{}, &AddressError{Addr: raw, Reason: "bad board number"}
	}
	if len(parts) != 4 || !strings.EqualFold(parts[3], "SOCKET") {
		return Address{}, &AddressError{Addr: raw, Reason: "only TCPIP<n>::host::port::SOCKET resources are supported"}
	}
	port, err := strconv.Atoi(parts[2])
	if err != nil || port <= 0 || port > 65535 {
		return Address{}, &AddressError{Addr: raw, Reason: "bad port " + parts[2]}
	}
	return Address{Kind: KindTCP, Raw: raw, Host: parts[1], Port: port}, nil
}
