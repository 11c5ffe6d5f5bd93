package client_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhangzhibo2015/udperf/internal/dispatch"
	"github.com/zhangzhibo2015/udperf/pkg/client"
	"github.com/zhangzhibo2015/udperf/pkg/unicast1/model"
)

// testEmitter records emitted events for inspection.
type testEmitter struct {
	started bool
	result  *model.Record
	errs    []error
}

func (e *testEmitter) OnStart(model.Direction, string) { e.started = true }
func (e *testEmitter) OnResult(r *model.Record)        { e.result = r }
func (e *testEmitter) OnError(err error)               { e.errs = append(e.errs, err) }
func (e *testEmitter) OnDebug(string)                  {}

func startServer(t *testing.T) (string, chan *model.Record) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	records := make(chan *model.Record, 16)
	srv := dispatch.NewServer(conn, func(r *model.Record) { records <- r }, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx)

	return conn.LocalAddr().String(), records
}

func TestClient_RunClientToServer(t *testing.T) {
	serverAddr, records := startServer(t)

	emitter := &testEmitter{}
	cl := client.New(client.Config{
		Server:        serverAddr,
		Direction:     model.DirectionClientToServer,
		Symbols:       8,
		SymbolSize:    64,
		Timeout:       300 * time.Millisecond,
		MaxRedundancy: 200,
		Emitter:       emitter,
	})

	final, err := cl.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, final)

	assert.True(t, emitter.started)
	assert.Same(t, final, emitter.result)
	assert.Equal(t, model.ModeSend, final.Mode)
	assert.Equal(t, model.RoleClient, final.Role)
	assert.LessOrEqual(t, final.PacketsTotal, int64(16))
	assert.GreaterOrEqual(t, final.PacketsTotal, int64(8))

	// The server side reports its own record once the watchdog fires.
	select {
	case serverFinal := <-records:
		assert.Equal(t, final.TestID, serverFinal.TestID)
		assert.Equal(t, model.ModeRecv, serverFinal.Mode)
		assert.False(t, serverFinal.TimeDecodeComplete.IsZero())
		assert.LessOrEqual(t, serverFinal.PacketsAtDecode, serverFinal.PacketsTotal)
	case <-time.After(3 * time.Second):
		t.Fatal("server sink did not receive a record")
	}
}

func TestClient_RunServerToClient(t *testing.T) {
	serverAddr, records := startServer(t)

	emitter := &testEmitter{}
	cl := client.New(client.Config{
		Server:        serverAddr,
		Direction:     model.DirectionServerToClient,
		Symbols:       8,
		SymbolSize:    64,
		Timeout:       300 * time.Millisecond,
		RateLimit:     64, // 1ms between packets
		MaxRedundancy: 400,
		Emitter:       emitter,
	})

	final, err := cl.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, final)

	assert.Equal(t, model.ModeRecv, final.Mode)
	assert.False(t, final.TimeDecodeComplete.IsZero(), "the block must decode")
	assert.GreaterOrEqual(t, final.PacketsTotal, int64(8))

	select {
	case serverFinal := <-records:
		assert.Equal(t, final.TestID, serverFinal.TestID)
		assert.Equal(t, model.ModeSend, serverFinal.Mode)
	case <-time.After(3 * time.Second):
		t.Fatal("server sink did not receive a record")
	}
}

func TestClient_RunInvalidServer(t *testing.T) {
	cl := client.New(client.Config{
		Server:  "this is not an address",
		Emitter: &testEmitter{},
	})
	_, err := cl.Run(context.Background())
	assert.Error(t, err)
}

func TestClient_RunCanceled(t *testing.T) {
	// Without a server the handshake retries forever; cancellation
	// must still produce the partial record.
	dummy, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { dummy.Close() })

	emitter := &testEmitter{}
	cl := client.New(client.Config{
		Server:  dummy.LocalAddr().String(),
		Timeout: 100 * time.Millisecond,
		Emitter: emitter,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	final, err := cl.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, final)
	assert.EqualValues(t, 0, final.PacketsTotal)
	assert.Len(t, emitter.errs, 1)
}
