// Package client implements a single-run driver for unicast1 tests: it
// builds the direction-appropriate instance in client mode, points it
// at the server's well-known port and waits for its completion.
package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/zhangzhibo2015/udperf/pkg/unicast1"
	"github.com/zhangzhibo2015/udperf/pkg/unicast1/model"
	"github.com/zhangzhibo2015/udperf/pkg/unicast1/spec"
)

// Defaults mirror the reference test scenario.
const (
	// DefaultSymbols is the default number of symbols per block.
	DefaultSymbols = 16
	// DefaultSymbolSize is the default symbol size in bytes.
	DefaultSymbolSize = 1500
	// DefaultMaxRedundancy is the default redundancy cap percentage.
	DefaultMaxRedundancy = 200
)

// Client is a one-shot driver for a unicast1 test run.
type Client struct {
	config Config
}

// New returns a Client with the provided config. Zero-valued fields
// are filled with defaults.
func New(config Config) *Client {
	if config.Direction == "" {
		config.Direction = model.DirectionClientToServer
	}
	if config.Symbols == 0 {
		config.Symbols = DefaultSymbols
	}
	if config.SymbolSize == 0 {
		config.SymbolSize = DefaultSymbolSize
	}
	if config.Timeout == 0 {
		config.Timeout = spec.DefaultTimeout
	}
	if config.Emitter == nil {
		config.Emitter = HumanReadable{}
	}
	return &Client{config: config}
}

// Run performs a single test run and blocks until the instance
// completes or the context is canceled. The final record is forwarded
// to the Emitter and returned. On cancellation the partial record is
// returned along with the context's error.
func (c *Client) Run(ctx context.Context) (*model.Record, error) {
	serverAddr, err := net.ResolveUDPAddr("udp", c.config.Server)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve server address %q: %w", c.config.Server, err)
	}

	record := &model.Record{
		TestID:        uuid.NewString(),
		Direction:     c.config.Direction,
		Role:          model.RoleClient,
		Symbols:       c.config.Symbols,
		SymbolSize:    c.config.SymbolSize,
		Timeout:       c.config.Timeout.Seconds(),
		RateLimit:     c.config.RateLimit,
		MaxRedundancy: c.config.MaxRedundancy,
		Erasures:      c.config.Erasures,
		TimeStart:     time.Now(),
		PeerAddress:   serverAddr,
	}
	if err := record.Validate(); err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("cannot allocate local port: %w", err)
	}

	done := make(chan *model.Record, 1)
	onComplete := func(final *model.Record) {
		done <- final
	}

	var instance unicast1.Instance
	if c.config.Direction.SenderRole() == model.RoleClient {
		sender, err := unicast1.NewSender(conn, record, onComplete)
		if err != nil {
			conn.Close()
			return nil, err
		}
		go sender.Start(ctx)
		instance = sender
	} else {
		recv, err := unicast1.NewReceiver(conn, record, onComplete)
		if err != nil {
			conn.Close()
			return nil, err
		}
		go recv.Start(ctx)
		instance = recv
	}

	c.config.Emitter.OnStart(c.config.Direction, c.config.Server)
	c.config.Emitter.OnDebug(fmt.Sprintf("test %s: %d symbols of size %d, local port %s",
		record.TestID, record.Symbols, record.SymbolSize, instance.LocalAddr()))

	select {
	case final := <-done:
		c.config.Emitter.OnResult(final)
		return final, nil
	case <-ctx.Done():
		instance.Close()
		final := <-done
		c.config.Emitter.OnError(ctx.Err())
		return final, ctx.Err()
	}
}
