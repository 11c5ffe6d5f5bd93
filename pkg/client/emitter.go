package client

import (
	"fmt"

	"github.com/zhangzhibo2015/udperf/pkg/unicast1/model"
)

// Emitter is an interface for emitting results.
type Emitter interface {
	// OnStart is called when the test run starts.
	OnStart(direction model.Direction, server string)
	// OnResult is called with the final record when the run completes.
	OnResult(record *model.Record)
	// OnError is called on errors.
	OnError(err error)
	// OnDebug is called to print debug information.
	OnDebug(msg string)
}

// HumanReadable prints human-readable output to stdout.
// It can be configured to include debug output, too.
type HumanReadable struct {
	Debug bool
}

// OnStart prints the direction and server of the starting run.
func (HumanReadable) OnStart(direction model.Direction, server string) {
	fmt.Printf("Running '%s' against %s\n", direction, server)
}

// OnResult prints the final record.
func (HumanReadable) OnResult(record *model.Record) {
	fmt.Printf("Test %s finished (%s): %d packets\n",
		record.TestID, record.Mode, record.PacketsTotal)
	if record.Mode != model.ModeRecv {
		return
	}
	if record.TimeDecodeComplete.IsZero() {
		fmt.Println("  block was not decoded")
		return
	}
	elapsed := record.TimeDecodeComplete.Sub(record.TimeFirstPacket)
	fmt.Printf("  decoded after %d packets in %v", record.PacketsAtDecode, elapsed)
	if elapsed > 0 {
		bits := float64(record.Symbols*record.SymbolSize) * 8
		fmt.Printf(" (%.2f Mb/s)", bits/elapsed.Seconds()/1e6)
	}
	fmt.Println()
}

// OnError is called on errors.
func (HumanReadable) OnError(err error) {
	fmt.Println(err)
}

// OnDebug is called to print debug information.
func (e HumanReadable) OnDebug(msg string) {
	if e.Debug {
		fmt.Printf("DEBUG: %s\n", msg)
	}
}

// Checks that HumanReadable implements Emitter.
var _ Emitter = &HumanReadable{}
