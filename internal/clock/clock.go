// Package clock provides an injectable time source so expiry and
// renewal logic stays deterministic under test.
package clock

import (
	"time"

	"go.uber.org/fx"
)

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

func NewSystemClock() Clock {
	return systemClock{}
}

// Module wires the system clock for the application.
var Module = fx.Module("clock",
	fx.Provide(NewSystemClock),
)
