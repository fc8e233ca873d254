package oxford

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	// HeaterTolerance is the largest lead/persistent current mismatch, in A,
	// at which the switch heater may change state
	HeaterTolerance = 0.1

	// HeaterSettle is how long the switch takes to open or close after the
	// heater changes; nothing else should be commanded meanwhile
	HeaterSettle = 60 * time.Second
)

// ErrInterlock is returned when the switch heater may not change state
var ErrInterlock = errors.New("switch heater interlock")

// CheckHeaterInterlock permits a switch heater change only when both currents
// are known and differ by no more than tol.  Changing the heater with a
// mismatch dumps the difference into the magnet and can quench it.
func CheckHeaterInterlock(lead, persistent, tol float64) error {
	if math.IsNaN(lead) || math.IsNaN(persistent) {
		return fmt.Errorf("%w: current readings unavailable", ErrInterlock)
	}
	if diff := math.Abs(lead - persistent); diff > tol {
		return fmt.Errorf("%w: lead current %.4f A and persistent current %.4f A differ by %.4f A (limit %.2f A)",
			ErrInterlock, lead, persistent, diff, tol)
	}
	return nil
}

// SwitchHeaterGuarded reads both currents, checks the interlock and only then
// changes the switch heater.  Callers should hold off further commands for
// HeaterSettle afterwards.
func (m *MercuryIPS) SwitchHeaterGuarded(ctx context.Context, on bool) error {
	lead, err := m.Current(ctx)
	if err != nil {
		return fmt.Errorf("%w: reading lead current: %v", ErrInterlock, err)
	}
	persistent, err := m.PersistentCurrent(ctx)
	if err != nil {
		return fmt.Errorf("%w: reading persistent current: %v", ErrInterlock, err)
	}
	if err := CheckHeaterInterlock(lead, persistent, HeaterTolerance); err != nil {
		m.a.Log().WithError(err).Warn("switch heater change refused")
		return err
	}
	return m.SetSwitchHeater(ctx, on)
}
