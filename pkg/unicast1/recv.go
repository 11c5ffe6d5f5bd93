package unicast1

import (
	"context"
	"net"
	"time"

	"github.com/charmbracelet/log"
	"github.com/zhangzhibo2015/udperf/internal/coder"
	"github.com/zhangzhibo2015/udperf/pkg/unicast1/model"
	"github.com/zhangzhibo2015/udperf/pkg/unicast1/spec"
)

// Receiver accepts a stream of coded payloads, reconstructs the
// original block and acknowledges completion, plus every further
// packet received after completion so a lost ACK on the return path is
// eventually covered.
//
// A Receiver never completes on packet count: redundancy beyond decode
// completion is expected and harmless. The only completion path is the
// data-inactivity watchdog.
type Receiver struct {
	instance
	dec coder.Transcoder
}

// NewReceiver creates a receiving instance around conn. The record's
// PeerAddress must point at the remote endpoint: the server's
// well-known port in client mode, the announcer's observed address in
// server mode.
//
// onComplete receives the final record snapshot exactly once.
func NewReceiver(conn *net.UDPConn, record *model.Record,
	onComplete func(*model.Record)) (*Receiver, error) {
	record.Mode = model.ModeRecv
	dec, err := coder.New(record.Symbols, record.SymbolSize)
	if err != nil {
		return nil, err
	}
	return &Receiver{
		instance: newInstance(conn, record, onComplete),
		dec:      dec,
	}, nil
}

// Start launches the receive path. In client mode it performs the
// settings handshake first; the server does not ACK settings on this
// path, so the first payload datagram doubles as the implicit
// acknowledgement. In server mode it immediately ACKs the announcer's
// settings. The data watchdog is armed as soon as the instance is able
// to receive payload data, so a test that never sees a single payload
// still terminates after the timeout.
//
// Start returns once the receive path is set up; completion is
// signaled through the callback.
func (r *Receiver) Start(ctx context.Context) error {
	r.bindContext(ctx)
	go r.readLoop()

	if r.clientMode {
		if err := r.runHandshake(ctx); err != nil {
			log.Info("handshake aborted", "test_id", r.record.TestID, "error", err)
			r.complete()
			return err
		}
	} else {
		r.SendSettingsACK(r.peerAddr())
	}
	r.resetWatchdog()
	return nil
}

// readLoop drives the per-datagram receive path until the socket is
// closed at completion.
func (r *Receiver) readLoop() {
	buf := make([]byte, spec.MaxDatagramSize)
	for {
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			// Socket closed at completion.
			return
		}
		r.processDatagram(buf[:n], addr)
	}
}

// processDatagram handles one inbound datagram: simulated erasure
// drop, implicit handshake completion, watchdog reset, counters,
// decoder feed and data ACK.
func (r *Receiver) processDatagram(data []byte, addr *net.UDPAddr) {
	if r.dropDatagram() {
		return
	}

	// In client mode the first data-bearing contact from the server
	// counts as the handshake acknowledgement.
	if r.clientMode && !r.handshakeFinished() {
		r.finishHandshake(addr)
	}

	r.resetWatchdog()
	total := r.markPacket()

	if !r.dec.IsComplete() {
		r.dec.ReadPayload(data)
	}
	if r.dec.IsComplete() {
		r.sendDataACK(addr)
		r.mu.Lock()
		if r.record.TimeDecodeComplete.IsZero() {
			r.record.TimeDecodeComplete = time.Now()
			r.record.PacketsAtDecode = total
			log.Debug("decode complete", "test_id", r.record.TestID,
				"packets_decode", total)
		}
		r.mu.Unlock()
	}
}

// SendSettingsACK acknowledges a settings announcement to addr. The
// server re-invokes this when the announcer retransmits settings whose
// first ACK was lost.
func (r *Receiver) SendSettingsACK(addr *net.UDPAddr) {
	if _, err := r.conn.WriteToUDP(ackBytes(r.record.TestID, spec.SettingsACKSuffix), addr); err != nil {
		log.Error("failed to send settings ACK",
			"test_id", r.record.TestID, "error", err)
	}
}

func (r *Receiver) sendDataACK(addr *net.UDPAddr) {
	if _, err := r.conn.WriteToUDP(ackBytes(r.record.TestID, spec.DataACKSuffix), addr); err != nil {
		log.Error("failed to send data ACK",
			"test_id", r.record.TestID, "error", err)
	}
}

var (
	_ Instance = &Receiver{}
	_ Instance = &Sender{}
)
