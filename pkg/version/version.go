// Package version contains the symbolic version of the udperf code.
package version

// Version is the symbolic version of the running code. It is meant to be
// overridden at build time via -ldflags.
var Version = "v0.1.0"
