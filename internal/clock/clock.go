// Package clock re-exports clockwork so components such as the
// supervisor, the CAS and the upgrade engine take a Clock instead of
// calling time.Now/time.After directly, keeping reconciliation loops and
// access timestamps deterministic under test. Job timeouts and the WASM
// epoch ticker use real time.
package clock

import "github.com/jonboulle/clockwork"

type Clock = clockwork.Clock

// Real returns the production clock backed by the system time.
func Real() Clock {
	return clockwork.NewRealClock()
}

// NewFake returns a fake clock for tests, starting at a fixed instant.
func NewFake() *clockwork.FakeClock {
	return clockwork.NewFakeClock()
}
