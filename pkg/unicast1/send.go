package unicast1

import (
	"context"
	"crypto/rand"
	"errors"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/rtx"
	"github.com/zhangzhibo2015/udperf/internal/coder"
	"github.com/zhangzhibo2015/udperf/pkg/unicast1/model"
	"github.com/zhangzhibo2015/udperf/pkg/unicast1/spec"
)

// Sender transmits a stream of coded payloads to its peer until a data
// acknowledgement arrives or the redundancy cap is reached.
type Sender struct {
	instance
	enc  coder.Transcoder
	done atomic.Bool

	// writeTo performs the datagram write; replaceable in tests to
	// exercise the backpressure path.
	writeTo func(b []byte, addr *net.UDPAddr) (int, error)
}

// NewSender creates a sending instance around conn. The record's
// PeerAddress must point at the remote endpoint: the server's
// well-known port in client mode, the announcer's observed address in
// server mode. The transcoder is loaded with one block of freshly
// generated random application data.
//
// onComplete receives the final record snapshot exactly once.
func NewSender(conn *net.UDPConn, record *model.Record,
	onComplete func(*model.Record)) (*Sender, error) {
	record.Mode = model.ModeSend
	enc, err := coder.New(record.Symbols, record.SymbolSize)
	if err != nil {
		return nil, err
	}
	block := make([]byte, enc.BlockSize())
	_, err = rand.Read(block)
	rtx.Must(err, "cannot generate random block")
	if err := enc.SetSymbols(block); err != nil {
		return nil, err
	}
	s := &Sender{
		instance: newInstance(conn, record, onComplete),
		enc:      enc,
	}
	s.writeTo = conn.WriteToUDP
	return s, nil
}

// Start runs the sender to completion. In client mode it first
// performs the settings handshake, retrying indefinitely until the
// server acknowledges. It returns after the completion callback has
// been invoked.
func (s *Sender) Start(ctx context.Context) {
	s.bindContext(ctx)
	go s.readLoop()

	if s.clientMode {
		if err := s.runHandshake(ctx); err != nil {
			log.Info("handshake aborted", "test_id", s.record.TestID, "error", err)
			s.complete()
			return
		}
	}
	s.sendLoop(ctx)
	s.complete()
}

// sendLoop emits one coded payload per tick, spaced by the rate
// limit's inter-packet delay, until the done flag is set by a data ACK
// or by the redundancy cap.
func (s *Sender) sendLoop(ctx context.Context) {
	interval := s.record.PacketInterval()
	max := s.record.MaxPackets()

	for !s.done.Load() {
		payload, err := s.enc.WritePayload()
		// The encoder is loaded at construction; this cannot fail.
		rtx.Must(err, "cannot produce coded payload")

		s.write(payload)
		total := s.markPacket()
		if max > 0 && total >= max {
			log.Debug("redundancy cap reached", "test_id", s.record.TestID,
				"packets_total", total, "max", max)
			s.done.Store(true)
			return
		}

		if interval > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
		} else if ctx.Err() != nil {
			return
		}
	}
}

// write sends one payload to the peer. A transient backpressure error
// (full send buffer) is retried once after a fixed pause; any other
// failure drops the packet and the loop continues, since payload-level
// reliability is redundancy-based rather than per-packet.
func (s *Sender) write(payload []byte) {
	peer := s.peerAddr()
	_, err := s.writeTo(payload, peer)
	if err == nil {
		return
	}
	if isBackpressure(err) {
		log.Info("send buffer full, backing off",
			"test_id", s.record.TestID, "pause", spec.SendBackoff)
		time.Sleep(spec.SendBackoff)
		_, err = s.writeTo(payload, peer)
		if err == nil {
			return
		}
	}
	log.Error("payload write failed, dropping packet",
		"test_id", s.record.TestID, "error", err)
}

// readLoop handles inbound datagrams: after the simulated erasure
// drop, a data ACK marks the sender done and a settings ACK completes
// the handshake. Everything else is ignored.
func (s *Sender) readLoop() {
	buf := make([]byte, spec.MaxDatagramSize)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			// Socket closed at completion.
			return
		}
		if s.dropDatagram() {
			continue
		}
		switch string(buf[:n]) {
		case s.record.TestID + spec.DataACKSuffix:
			log.Debug("data ACK received", "test_id", s.record.TestID, "from", addr)
			s.done.Store(true)
		case s.record.TestID + spec.SettingsACKSuffix:
			s.finishHandshake(addr)
		}
	}
}

// isBackpressure reports whether err is the transient "send buffer
// full" condition.
func isBackpressure(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.ENOBUFS)
}
