package instrument

import "errors"

var (
	// ErrConnection is wrapped by every failure to reach or talk to the
	// hardware: a bad address, a refused socket, a failed identity probe, or
	// an I/O error mid-exchange.
	ErrConnection = errors.New("instrument connection error")

	// ErrProtocol is wrapped when the instrument answered with its error
	// marker or did not answer at all
	ErrProtocol = errors.New("instrument protocol error")

	// ErrDecode is wrapped by typed accessors when a response could not be
	// turned into a value
	ErrDecode = errors.New("instrument response could not be decoded")

	// ErrNotConnected is returned when an adapter is used after Close
	ErrNotConnected = errors.New("instrument adapter is closed")
)
