// Package clock provides an injectable time source so billing math is
// deterministic under test.
package clock

import (
	"time"

	"go.uber.org/fx"
)

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

func NewSystemClock() Clock { return &SystemClock{} }

var Module = fx.Module("clock",
	fx.Provide(NewSystemClock),
)
