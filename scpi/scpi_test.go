package scpi

import (
	"context"
	"errors"
	"testing"

	"github.com/cryolab/cryolab/instrument"
)

type queue []string

func (q *queue) Execute(_ context.Context, cmd instrument.Command) (string, error) {
	if cmd.Mnemonic != "SYST:ERR?" {
		return "", errors.New("unexpected command " + cmd.Mnemonic)
	}
	if len(*q) == 0 {
		return `+0,"No error"`, nil
	}
	s := (*q)[0]
	*q = (*q)[1:]
	return s, nil
}

func TestParseError(t *testing.T) {
	if err := ParseError(`0,"No error"` + "\n"); err != nil {
		t.Errorf("no error parsed as %v", err)
	}
	err := ParseError(`-113,"Undefined header"`)
	se, ok := err.(Error)
	if !ok || se.Code != -113 || se.Message != "Undefined header" {
		t.Errorf("got %#v", err)
	}
	if err := ParseError("garbage"); !errors.Is(err, instrument.ErrDecode) {
		t.Errorf("expected ErrDecode, got %v", err)
	}
}

func TestAllErrors(t *testing.T) {
	q := &queue{`-113,"Undefined header"`, `-222,"Data out of range"`}
	errs, err := AllErrors(context.Background(), q)
	if err != nil {
		t.Fatal(err)
	}
	if len(errs) != 2 || errs[1].Code != -222 {
		t.Errorf("got %v", errs)
	}
	if len(*q) != 0 {
		t.Error("queue not drained")
	}
}
