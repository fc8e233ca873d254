// Package scpi provides primitives for working with devices that
// have SCPI interfaces
package scpi

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/cryolab/cryolab/instrument"
)

// MaxErrors bounds how many entries AllErrors pops, a device that keeps
// reporting errors would otherwise never drain
const MaxErrors = 32

// Executor runs one command on a device
type Executor interface {
	Execute(context.Context, instrument.Command) (string, error)
}

// Error is an entry of the device's error queue, e.g.
// -113,"Undefined header"
type Error struct {
	Code    int
	Message string
}

func (e Error) Error() string {
	return fmt.Sprintf("SCPI error %d: %s", e.Code, e.Message)
}

// ParseError decodes a SYSTem:ERRor? reply.  Code 0 is no error and returns
// nil.  A reply that is not of the form code,"message" is an
// instrument.ErrDecode.
func ParseError(s string) error {
	s = strings.TrimSpace(s)
	code, msg := s, ""
	if i := strings.IndexByte(s, ','); i >= 0 {
		code, msg = s[:i], s[i+1:]
	}
	n, err := strconv.Atoi(strings.TrimPrefix(code, "+"))
	if err != nil {
		return fmt.Errorf("%w: error queue reply %q", instrument.ErrDecode, s)
	}
	if n == 0 {
		return nil
	}
	return Error{Code: n, Message: strings.Trim(msg, `"`)}
}

// PopError gets a single error from the queue on the device
func PopError(ctx context.Context, e Executor) error {
	str, err := e.Execute(ctx, instrument.Cmd("SYST:ERR?"))
	if err != nil {
		return err
	}
	return ParseError(str)
}

// AllErrors drains the queue on the device.  The second return is non-nil
// only if talking to the device failed.
func AllErrors(ctx context.Context, e Executor) ([]Error, error) {
	var errs []Error
	for i := 0; i < MaxErrors; i++ {
		err := PopError(ctx, e)
		if err == nil {
			break
		}
		se, ok := err.(Error)
		if !ok {
			return errs, err
		}
		errs = append(errs, se)
	}
	return errs, nil
}
