// Package dispatch implements the server side of the unicast1
// protocol: it listens for settings announcements on the well-known
// port, creates one test instance per unseen test ID on a freshly
// allocated local port, and deduplicates retransmitted announcements.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jellydator/ttlcache/v3"
	"github.com/zhangzhibo2015/udperf/internal/metrics"
	"github.com/zhangzhibo2015/udperf/pkg/unicast1"
	"github.com/zhangzhibo2015/udperf/pkg/unicast1/model"
	"github.com/zhangzhibo2015/udperf/pkg/unicast1/spec"
)

// Sink receives the final record of every completed instance. It is
// invoked exactly once per instance and is not retried on failure.
type Sink func(*model.Record)

// Server accepts settings announcements and owns the registry of
// active test instances, keyed by test ID. The registry holds at most
// one instance per test ID at any time: the entry is removed by the
// instance's completion callback before the record is handed to the
// sink.
type Server struct {
	conn     *net.UDPConn
	sink     Sink
	registry *ttlcache.Cache[string, unicast1.Instance]
}

// NewServer returns a Server reading announcements from conn and
// forwarding completed records to sink. registryTTL bounds how long a
// registered instance may live without completing; instances evicted
// on expiration are closed, which reports their partial record through
// the normal detach path.
func NewServer(conn *net.UDPConn, sink Sink, registryTTL time.Duration) *Server {
	if registryTTL <= 0 {
		registryTTL = spec.DefaultRegistryTTL
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, unicast1.Instance](registryTTL),
		ttlcache.WithDisableTouchOnHit[string, unicast1.Instance](),
	)
	cache.OnEviction(func(ctx context.Context,
		er ttlcache.EvictionReason,
		i *ttlcache.Item[string, unicast1.Instance]) {
		if er == ttlcache.EvictionReasonExpired {
			log.Info("closing expired instance", "test_id", i.Key())
			// Close asynchronously: the completion callback deletes
			// from the registry, which must not run under the cache
			// lock held during eviction.
			go i.Value().Close()
		}
	})
	go cache.Start()
	return &Server{
		conn:     conn,
		sink:     sink,
		registry: cache,
	}
}

// Serve reads settings datagrams until the context is canceled or the
// socket fails permanently.
func (s *Server) Serve(ctx context.Context) {
	log.Info("Accepting settings announcements...", "addr", s.conn.LocalAddr())
	context.AfterFunc(ctx, func() {
		s.conn.Close()
		s.registry.Stop()
	})

	buf := make([]byte, spec.MaxDatagramSize)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Error("error while reading settings datagram", "error", err)
			// Throttle in case the socket fails permanently.
			time.Sleep(100 * time.Millisecond)
			continue
		}
		s.handleSettings(ctx, buf[:n], addr)
	}
}

// ActiveTests returns the number of instances currently registered.
func (s *Server) ActiveTests() int {
	return s.registry.Len()
}

// handleSettings parses one settings announcement and creates or
// deduplicates the corresponding instance.
func (s *Server) handleSettings(ctx context.Context, data []byte, addr *net.UDPAddr) {
	record := &model.Record{}
	if err := json.Unmarshal(data, record); err != nil {
		log.Info("discarding unparseable settings datagram",
			"source", addr, "error", err)
		metrics.SettingsReceived.WithLabelValues("invalid").Inc()
		return
	}
	if err := record.Validate(); err != nil {
		if errors.Is(err, model.ErrInvalidDirection) {
			log.Info("discarding settings with invalid direction",
				"source", addr, "direction", record.Direction)
		} else {
			log.Info("discarding invalid settings",
				"source", addr, "error", err)
		}
		metrics.SettingsReceived.WithLabelValues("invalid").Inc()
		return
	}
	record.PeerAddress = addr
	record.Role = model.RoleServer

	switch record.Direction {
	case model.DirectionServerToClient:
		if s.registry.Get(record.TestID) != nil {
			// Settings retransmission is not expected on this path:
			// the sender contacts the client as soon as the first
			// announcement arrives.
			metrics.SettingsReceived.WithLabelValues("duplicate").Inc()
			return
		}
		conn, err := net.ListenUDP("udp", nil)
		if err != nil {
			log.Error("failed to allocate instance port", "error", err)
			return
		}
		sender, err := unicast1.NewSender(conn, record, s.detach)
		if err != nil {
			log.Error("failed to create sender", "test_id", record.TestID, "error", err)
			conn.Close()
			return
		}
		s.registry.Set(record.TestID, sender, ttlcache.DefaultTTL)
		go sender.Start(ctx)

	case model.DirectionClientToServer:
		if item := s.registry.Get(record.TestID); item != nil {
			// The announcer retries settings when its first ACK was
			// lost; re-ACK without creating a duplicate instance.
			if recv, ok := item.Value().(*unicast1.Receiver); ok {
				recv.SendSettingsACK(addr)
			}
			metrics.SettingsReceived.WithLabelValues("duplicate").Inc()
			return
		}
		conn, err := net.ListenUDP("udp", nil)
		if err != nil {
			log.Error("failed to allocate instance port", "error", err)
			return
		}
		recv, err := unicast1.NewReceiver(conn, record, s.detach)
		if err != nil {
			log.Error("failed to create receiver", "test_id", record.TestID, "error", err)
			conn.Close()
			return
		}
		s.registry.Set(record.TestID, recv, ttlcache.DefaultTTL)
		go recv.Start(ctx)
	}

	metrics.SettingsReceived.WithLabelValues("accepted").Inc()
	metrics.TestsStarted.WithLabelValues(string(record.Direction)).Inc()
	log.Info("test started", "source", addr,
		"direction", record.Direction, "test_id", record.TestID)
}

// detach removes the instance from the registry and forwards the final
// record to the sink. Removal happens before the record is handed
// onward, so a new announcement with the same test ID observed after
// the sink call would create a fresh instance.
func (s *Server) detach(record *model.Record) {
	s.registry.Delete(record.TestID)
	metrics.TestsCompleted.WithLabelValues(string(record.Direction)).Inc()
	log.Info("finished instance", "test_id", record.TestID)
	s.sink(record)
}
