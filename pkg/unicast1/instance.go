// Package unicast1 implements the unicast1 protocol: a one-directional
// coded UDP throughput/reliability test between two instances. One side
// streams coded payloads, the other reconstructs the block and
// acknowledges; the settings handshake and all acknowledgements ride on
// the same lossy datagram sockets, so reliability comes from timeouts
// and idempotent retransmission only.
package unicast1

import (
	"context"
	"encoding/json"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/rtx"
	"github.com/zhangzhibo2015/udperf/pkg/unicast1/model"
)

// Instance is the behavior common to senders and receivers, as seen by
// the owner that registered them.
type Instance interface {
	// Record returns a snapshot of the instance's record.
	Record() *model.Record
	// LocalAddr returns the local address of the instance's socket.
	LocalAddr() net.Addr
	// Close terminates the instance early. The completion callback
	// still receives the partial record.
	Close()
}

// instance holds the state machine shared by Sender and Receiver:
// the client-side handshake loop, the data-inactivity watchdog, the
// erasure coin-flip and the idempotent completion path.
type instance struct {
	conn       *net.UDPConn
	record     *model.Record
	clientMode bool

	// announceAddr is the address settings announcements are sent to
	// (the server's well-known port). The record's PeerAddress is
	// rewritten during the handshake, so the target is kept separately.
	announceAddr *net.UDPAddr

	onComplete func(*model.Record)

	mu            sync.Mutex
	handshakeDone bool
	handshakeCh   chan struct{}
	watchdog      *time.Timer
	watchdogGen   uint64
	ctxStop       func() bool

	completeOnce sync.Once
}

func newInstance(conn *net.UDPConn, record *model.Record, onComplete func(*model.Record)) instance {
	clientMode := record.Role == model.RoleClient
	i := instance{
		conn:         conn,
		record:       record,
		clientMode:   clientMode,
		announceAddr: record.PeerAddress,
		onComplete:   onComplete,
		handshakeCh:  make(chan struct{}),
	}
	if record.TimeStart.IsZero() {
		record.TimeStart = time.Now()
	}
	if !clientMode {
		// Only the initiating side performs a handshake.
		i.handshakeDone = true
	}
	return i
}

// bindContext arranges for the instance to complete when ctx is
// canceled. The registration is released at completion, so a finished
// instance does not stay reachable through a long-lived context.
func (i *instance) bindContext(ctx context.Context) {
	stop := context.AfterFunc(ctx, i.complete)
	i.mu.Lock()
	i.ctxStop = stop
	i.mu.Unlock()
}

// runHandshake announces the settings to the server and retries every
// timeout interval until the handshake is acknowledged. The loop is
// unbounded on purpose: a lost ACK causes indefinite, idempotent
// re-announcement. It returns early if the context is canceled.
func (i *instance) runHandshake(ctx context.Context) error {
	b, err := json.Marshal(i.record)
	// The record is a plain struct; this cannot fail.
	rtx.Must(err, "cannot marshal settings record")

	for {
		if _, err := i.conn.WriteToUDP(b, i.announceAddr); err != nil {
			log.Error("failed to announce settings",
				"test_id", i.record.TestID, "error", err)
		}
		select {
		case <-i.handshakeCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(i.record.TimeoutDuration()):
		}
	}
}

// finishHandshake records the observed source address of the
// acknowledgement as the peer for the data phase and releases the
// handshake loop. Subsequent calls are no-ops.
func (i *instance) finishHandshake(addr *net.UDPAddr) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.handshakeDone {
		return
	}
	i.handshakeDone = true
	i.record.PeerAddress = addr
	close(i.handshakeCh)
	log.Debug("handshake finished", "test_id", i.record.TestID, "peer", addr)
}

func (i *instance) handshakeFinished() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.handshakeDone
}

func (i *instance) peerAddr() *net.UDPAddr {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.record.PeerAddress
}

// dropDatagram simulates an independent erasure on a received datagram.
func (i *instance) dropDatagram() bool {
	return i.record.Erasures > 0 && rand.Float64() < i.record.Erasures
}

// markPacket updates the packet counters and timestamps for one
// handled payload datagram.
func (i *instance) markPacket() int64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	now := time.Now()
	if i.record.TimeFirstPacket.IsZero() {
		i.record.TimeFirstPacket = now
	}
	i.record.TimeLastPacket = now
	i.record.PacketsTotal++
	return i.record.PacketsTotal
}

// resetWatchdog arms the data-inactivity watchdog, superseding any
// earlier pending watchdog for this instance. A timer that fires after
// being superseded is a no-op.
func (i *instance) resetWatchdog() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.watchdogGen++
	gen := i.watchdogGen
	if i.watchdog != nil {
		i.watchdog.Stop()
	}
	i.watchdog = time.AfterFunc(i.record.TimeoutDuration(), func() {
		i.mu.Lock()
		stale := gen != i.watchdogGen
		i.mu.Unlock()
		if stale {
			return
		}
		log.Debug("data watchdog fired", "test_id", i.record.TestID)
		i.complete()
	})
}

// complete transitions the instance to its terminal state: it
// invalidates timers, stops listening on the instance's socket and
// delivers the final record snapshot to the completion callback.
// It is idempotent.
func (i *instance) complete() {
	i.completeOnce.Do(func() {
		i.mu.Lock()
		i.watchdogGen++
		if i.watchdog != nil {
			i.watchdog.Stop()
		}
		stop := i.ctxStop
		snapshot := i.record.Clone()
		i.mu.Unlock()

		if stop != nil {
			stop()
		}
		i.conn.Close()
		log.Info("instance finished", "test_id", snapshot.TestID,
			"mode", snapshot.Mode, "packets_total", snapshot.PacketsTotal)
		if i.onComplete != nil {
			i.onComplete(snapshot)
		}
	})
}

// Close terminates the instance early. The completion callback still
// receives the partial record.
func (i *instance) Close() {
	i.complete()
}

// Record returns a snapshot of the instance's record.
func (i *instance) Record() *model.Record {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.record.Clone()
}

// LocalAddr returns the local address of the instance's socket.
func (i *instance) LocalAddr() net.Addr {
	return i.conn.LocalAddr()
}

// ackBytes builds one of the two acknowledgement datagrams. Their
// exact byte content is part of the wire format.
func ackBytes(testID, suffix string) []byte {
	return []byte(testID + suffix)
}
