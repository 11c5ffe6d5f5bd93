// Package model contains the unicast1 data model.
package model

import (
	"errors"
	"net"
	"time"

	"github.com/m-lab/go/prometheusx"
	"github.com/zhangzhibo2015/udperf/pkg/unicast1/spec"
	"github.com/zhangzhibo2015/udperf/pkg/version"
)

// Direction says which endpoint sends payload data during a test.
type Direction string

const (
	// DirectionClientToServer means the client sends coded payloads.
	DirectionClientToServer = Direction("client_to_server")
	// DirectionServerToClient means the server sends coded payloads.
	DirectionServerToClient = Direction("server_to_client")
)

// Role is the part the local instance plays. It is orthogonal to the
// test direction.
type Role string

const (
	// RoleClient is the initiating endpoint.
	RoleClient = Role("client")
	// RoleServer is the accepting endpoint.
	RoleServer = Role("server")
)

// Mode says whether the local instance transmits or receives payload
// data. It is derived from the role relative to the direction.
type Mode string

const (
	// ModeSend marks the payload-transmitting side.
	ModeSend = Mode("TX")
	// ModeRecv marks the payload-receiving side.
	ModeRecv = Mode("RX")
)

var (
	// ErrInvalidDirection is returned when the direction is not one of
	// the known values.
	ErrInvalidDirection = errors.New("invalid direction")
	// ErrInvalidSettings is returned when a settings field is outside
	// its allowed range.
	ErrInvalidSettings = errors.New("invalid settings")
)

// Record is the mutable settings+metrics document carried through a
// test's lifetime. The settings fields are announced on the wire as
// JSON; the metrics fields are filled in by the instance as the test
// progresses and travel with the record to the reporting sink.
type Record struct {
	// TestID is the opaque unique identifier generated by the
	// initiating client. It never changes after creation and is the
	// deduplication key on the server.
	TestID string `json:"test_id"`

	// Direction says which endpoint sends payload data.
	Direction Direction `json:"direction"`

	// Role is the part the local instance plays.
	Role Role `json:"role,omitempty"`

	// Mode is TX or RX, derived from Role relative to Direction.
	Mode Mode `json:"mode,omitempty"`

	// Symbols and SymbolSize define the coded block shape. They are
	// fixed for the life of the record.
	Symbols    int `json:"symbols"`
	SymbolSize int `json:"symbol_size"`

	// Timeout, in seconds, governs both the handshake retry interval
	// and the data-inactivity watchdog.
	Timeout float64 `json:"timeout"`

	// RateLimit is the payload rate in bytes per millisecond. Zero
	// means unlimited.
	RateLimit float64 `json:"rate_limit,omitempty"`

	// MaxRedundancy caps the total packets sent at
	// ceil(Symbols * MaxRedundancy / 100). Zero means uncapped.
	MaxRedundancy int `json:"max_redundancy,omitempty"`

	// Erasures is the independent per-datagram drop probability
	// simulated at the receiving callback.
	Erasures float64 `json:"erasures"`

	// PacketsTotal counts every payload datagram sent (TX) or
	// received (RX).
	PacketsTotal int64 `json:"packets_total"`

	// PacketsAtDecode is the value of PacketsTotal when the decoder
	// first became complete.
	PacketsAtDecode int64 `json:"packets_decode,omitempty"`

	// TimeStart is when the instance was created.
	TimeStart time.Time `json:"time_start"`
	// TimeFirstPacket is when the first payload datagram was handled.
	TimeFirstPacket time.Time `json:"time_first"`
	// TimeLastPacket is when the most recent payload datagram was
	// handled.
	TimeLastPacket time.Time `json:"time_last"`
	// TimeDecodeComplete is when the decoder first became complete.
	TimeDecodeComplete time.Time `json:"time_decode"`

	// PeerAddress is the remote endpoint for the data phase. It is not
	// part of the wire schema: the server stamps it from the observed
	// source address of the announcement and the client updates it
	// from the observed source of the handshake ACK.
	PeerAddress *net.UDPAddr `json:"-"`
}

// SenderRole returns the role that transmits payload data for this
// direction.
func (d Direction) SenderRole() Role {
	if d == DirectionServerToClient {
		return RoleServer
	}
	return RoleClient
}

// Validate checks the settings fields of the record. Metrics fields
// are not inspected, so a retransmitted announcement that already
// carries counters still validates.
func (r *Record) Validate() error {
	if r.Direction != DirectionClientToServer && r.Direction != DirectionServerToClient {
		return ErrInvalidDirection
	}
	if r.TestID == "" {
		return errors.Join(ErrInvalidSettings, errors.New("empty test_id"))
	}
	if r.Symbols <= 0 || r.SymbolSize <= 0 {
		return errors.Join(ErrInvalidSettings, errors.New("non-positive block shape"))
	}
	if r.SymbolSize > spec.MaxSymbolSize {
		return errors.Join(ErrInvalidSettings, errors.New("symbol_size exceeds datagram capacity"))
	}
	if r.Timeout <= 0 {
		return errors.Join(ErrInvalidSettings, errors.New("non-positive timeout"))
	}
	if r.RateLimit < 0 || r.MaxRedundancy < 0 {
		return errors.Join(ErrInvalidSettings, errors.New("negative rate_limit or max_redundancy"))
	}
	if r.Erasures < 0 || r.Erasures > 1 {
		return errors.Join(ErrInvalidSettings, errors.New("erasures outside [0,1]"))
	}
	return nil
}

// TimeoutDuration converts the wire-format timeout (float seconds) to
// a time.Duration.
func (r *Record) TimeoutDuration() time.Duration {
	return time.Duration(r.Timeout * float64(time.Second))
}

// PacketInterval returns the inter-packet delay implied by the rate
// limit, or zero when the rate is unlimited.
func (r *Record) PacketInterval() time.Duration {
	if r.RateLimit <= 0 {
		return 0
	}
	return time.Duration(float64(r.SymbolSize) / (1000 * r.RateLimit) * float64(time.Second))
}

// MaxPackets returns the redundancy cap, ceil(Symbols*MaxRedundancy/100),
// or zero when the record is uncapped.
func (r *Record) MaxPackets() int64 {
	if r.MaxRedundancy <= 0 {
		return 0
	}
	return int64((r.Symbols*r.MaxRedundancy + 99) / 100)
}

// Clone returns a snapshot copy of the record.
func (r *Record) Clone() *Record {
	c := *r
	return &c
}

// ArchivalData is the archival wrapper for a completed test record.
type ArchivalData struct {
	// GitShortCommit is the Git commit (short form) of the running
	// server code.
	GitShortCommit string
	// Version is the symbolic version of the running server code.
	Version string
	// Record is the final test record.
	Record *Record
}

// Archive wraps the record in its archival format.
func (r *Record) Archive() *ArchivalData {
	return &ArchivalData{
		GitShortCommit: prometheusx.GitShortCommit,
		Version:        version.Version,
		Record:         r,
	}
}
