package client

import (
	"time"

	"github.com/zhangzhibo2015/udperf/pkg/unicast1/model"
)

// Config is the configuration for a Client.
type Config struct {
	// Server is the host:port of the server's well-known settings port.
	Server string

	// Direction says which endpoint sends payload data during the test.
	Direction model.Direction

	// Symbols and SymbolSize define the coded block shape.
	Symbols    int
	SymbolSize int

	// Timeout governs the handshake retry interval and the
	// data-inactivity watchdog.
	Timeout time.Duration

	// RateLimit is the payload rate in bytes per millisecond. Zero
	// means unlimited.
	RateLimit float64

	// MaxRedundancy caps the total packets sent, as a percentage of
	// Symbols. Zero means uncapped.
	MaxRedundancy int

	// Erasures is the simulated per-datagram drop probability in [0,1].
	Erasures float64

	// Emitter is the interface used to emit the test results. It can be
	// overridden to provide a custom output.
	Emitter Emitter
}
