// Package spec contains constants for the unicast1 protocol.
package spec

import "time"

const (
	// DefaultServerPort is the well-known port where the server accepts
	// settings announcements.
	DefaultServerPort = 10000

	// SettingsACKSuffix is appended to the test ID to form the settings
	// acknowledgement datagram.
	SettingsACKSuffix = "_ack_settings"

	// DataACKSuffix is appended to the test ID to form the data
	// acknowledgement datagram.
	DataACKSuffix = "_ack_data"

	// MaxDatagramSize is the read buffer size for every unicast1 socket.
	// Coded payloads carry a small header on top of the symbol size, so
	// this must comfortably exceed any sane symbol size.
	MaxDatagramSize = 65536

	// PayloadHeaderSize is the length of the shard index header carried
	// by every coded payload.
	PayloadHeaderSize = 4

	// MaxSymbolSize is the largest symbol size whose coded payloads
	// still fit in one datagram read. Larger symbols would have their
	// payloads silently truncated at the receiver.
	MaxSymbolSize = MaxDatagramSize - PayloadHeaderSize

	// SendBackoff is the pause before retrying a write that failed with a
	// transient backpressure error (full socket send buffer). It only
	// delays the instance that hit the condition.
	SendBackoff = 250 * time.Millisecond

	// DefaultTimeout is the handshake retry interval and data-inactivity
	// watchdog used when the settings do not specify one.
	DefaultTimeout = 500 * time.Millisecond

	// DefaultRegistryTTL is how long the server keeps an instance in its
	// registry without completion before forcibly closing it. This is a
	// safety net for instances whose peer vanished mid-test.
	DefaultRegistryTTL = 5 * time.Minute
)
