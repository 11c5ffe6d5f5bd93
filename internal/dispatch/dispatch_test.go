package dispatch_test

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhangzhibo2015/udperf/internal/coder"
	"github.com/zhangzhibo2015/udperf/internal/dispatch"
	"github.com/zhangzhibo2015/udperf/pkg/unicast1/model"
	"github.com/zhangzhibo2015/udperf/pkg/unicast1/spec"
)

// testServer starts a dispatch server on an ephemeral port and returns
// its address and the sink channel.
func testServer(t *testing.T) (*dispatch.Server, *net.UDPAddr, chan *model.Record) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	records := make(chan *model.Record, 16)
	srv := dispatch.NewServer(conn, func(r *model.Record) { records <- r }, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx)

	return srv, conn.LocalAddr().(*net.UDPAddr), records
}

func listen(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func announce(t *testing.T, conn *net.UDPConn, serverAddr *net.UDPAddr, record *model.Record) {
	t.Helper()
	b, err := json.Marshal(record)
	require.NoError(t, err)
	_, err = conn.WriteToUDP(b, serverAddr)
	require.NoError(t, err)
}

func readDatagram(t *testing.T, conn *net.UDPConn, timeout time.Duration) ([]byte, *net.UDPAddr) {
	t.Helper()
	buf := make([]byte, spec.MaxDatagramSize)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	n, addr, err := conn.ReadFromUDP(buf)
	require.NoError(t, err, "expected a datagram")
	return buf[:n], addr
}

func expectNoDatagram(t *testing.T, conn *net.UDPConn, wait time.Duration) {
	t.Helper()
	buf := make([]byte, spec.MaxDatagramSize)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(wait)))
	n, _, err := conn.ReadFromUDP(buf)
	if err == nil {
		t.Fatalf("unexpected datagram: %q", buf[:n])
	}
	var nerr net.Error
	require.ErrorAs(t, err, &nerr)
	assert.True(t, nerr.Timeout())
}

func TestServer_ServeReturnsOnClosedSocket(t *testing.T) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	srv := dispatch.NewServer(conn, func(*model.Record) {}, time.Minute)

	done := make(chan struct{})
	go func() {
		srv.Serve(context.Background())
		close(done)
	}()
	conn.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Serve kept running after its socket was closed")
	}
}

func TestServer_InvalidSettingsDiscarded(t *testing.T) {
	srv, serverAddr, _ := testServer(t)
	conn := listen(t)

	// Unparseable JSON.
	_, err := conn.WriteToUDP([]byte("not json"), serverAddr)
	require.NoError(t, err)

	// Unknown direction.
	announce(t, conn, serverAddr, &model.Record{
		TestID:     "bad-direction",
		Direction:  "sideways",
		Symbols:    4,
		SymbolSize: 32,
		Timeout:    0.3,
	})

	// Invalid block shape.
	announce(t, conn, serverAddr, &model.Record{
		TestID:    "bad-shape",
		Direction: model.DirectionClientToServer,
		Timeout:   0.3,
	})

	expectNoDatagram(t, conn, 300*time.Millisecond)
	assert.Equal(t, 0, srv.ActiveTests())
}

func TestServer_ClientToServerDedup(t *testing.T) {
	// Retransmitted settings must not create a second instance but
	// must trigger exactly one additional settings ACK.
	srv, serverAddr, records := testServer(t)
	conn := listen(t)
	settings := &model.Record{
		TestID:     "c2s-dedup",
		Direction:  model.DirectionClientToServer,
		Symbols:    4,
		SymbolSize: 32,
		Timeout:    0.3,
	}

	announce(t, conn, serverAddr, settings)
	ack, privateAddr := readDatagram(t, conn, time.Second)
	assert.Equal(t, "c2s-dedup_ack_settings", string(ack))
	assert.NotEqual(t, serverAddr.Port, privateAddr.Port,
		"the instance must live on a freshly allocated port")
	assert.Equal(t, 1, srv.ActiveTests())

	announce(t, conn, serverAddr, settings)
	ack, dupAddr := readDatagram(t, conn, time.Second)
	assert.Equal(t, "c2s-dedup_ack_settings", string(ack))
	assert.Equal(t, privateAddr.Port, dupAddr.Port)
	assert.Equal(t, 1, srv.ActiveTests())

	// Deliver the block so the instance finishes normally.
	enc, err := coder.New(4, 32)
	require.NoError(t, err)
	require.NoError(t, enc.SetSymbols(make([]byte, enc.BlockSize())))
	for i := 0; i < 4; i++ {
		payload, err := enc.WritePayload()
		require.NoError(t, err)
		_, err = conn.WriteToUDP(payload, privateAddr)
		require.NoError(t, err)
	}
	ack, _ = readDatagram(t, conn, time.Second)
	assert.Equal(t, "c2s-dedup_ack_data", string(ack))

	select {
	case final := <-records:
		assert.Equal(t, "c2s-dedup", final.TestID)
		assert.EqualValues(t, 4, final.PacketsTotal)
		assert.LessOrEqual(t, final.PacketsAtDecode, final.PacketsTotal)
		assert.Equal(t, model.RoleServer, final.Role)
	case <-time.After(2 * time.Second):
		t.Fatal("sink did not receive the final record")
	}
	assert.Equal(t, 0, srv.ActiveTests(), "completion must detach the instance")
}

func TestServer_ServerToClientDedup(t *testing.T) {
	// On this direction a retransmitted announcement is silently
	// ignored while the instance is active.
	srv, serverAddr, records := testServer(t)
	conn := listen(t)
	settings := &model.Record{
		TestID:        "s2c-dedup",
		Direction:     model.DirectionServerToClient,
		Symbols:       4,
		SymbolSize:    32,
		Timeout:       0.3,
		RateLimit:     32, // 1ms between packets
		MaxRedundancy: 400,
	}

	announce(t, conn, serverAddr, settings)

	// The server-side sender transmits payloads straight to us.
	payload, privateAddr := readDatagram(t, conn, time.Second)
	assert.Len(t, payload, 4+32)
	assert.Equal(t, 1, srv.ActiveTests())

	announce(t, conn, serverAddr, settings)
	assert.Equal(t, 1, srv.ActiveTests())

	// Acknowledge the data so the sender stops.
	_, err := conn.WriteToUDP([]byte("s2c-dedup_ack_data"), privateAddr)
	require.NoError(t, err)

	select {
	case final := <-records:
		assert.Equal(t, "s2c-dedup", final.TestID)
		assert.Equal(t, model.ModeSend, final.Mode)
		assert.LessOrEqual(t, final.PacketsTotal, final.MaxPackets())
	case <-time.After(2 * time.Second):
		t.Fatal("sink did not receive the final record")
	}
	assert.Equal(t, 0, srv.ActiveTests())
}

func TestServer_ReferenceScenario(t *testing.T) {
	// The reference scenario: 16 symbols of 1500 bytes, no simulated
	// loss, 200% redundancy cap. The server's decoder must complete at
	// or before the 16th payload and the final records must respect
	// the cap.
	srv, serverAddr, records := testServer(t)
	conn := listen(t)

	enc, err := coder.New(16, 1500)
	require.NoError(t, err)
	block := make([]byte, enc.BlockSize())
	_, err = rand.Read(block)
	require.NoError(t, err)
	require.NoError(t, enc.SetSymbols(block))

	announce(t, conn, serverAddr, &model.Record{
		TestID:        "scenario",
		Direction:     model.DirectionClientToServer,
		Symbols:       16,
		SymbolSize:    1500,
		Timeout:       0.5,
		MaxRedundancy: 200,
	})
	ack, privateAddr := readDatagram(t, conn, time.Second)
	require.Equal(t, "scenario_ack_settings", string(ack))

	sent := 0
	acked := 0
	for sent < 32 {
		payload, err := enc.WritePayload()
		require.NoError(t, err)
		_, err = conn.WriteToUDP(payload, privateAddr)
		require.NoError(t, err)
		sent++
		if sent >= 16 {
			// From the 16th payload on, every packet is ACKed.
			ack, _ := readDatagram(t, conn, time.Second)
			require.Equal(t, "scenario_ack_data", string(ack))
			acked++
		}
	}
	assert.Equal(t, 17, acked)

	select {
	case final := <-records:
		assert.LessOrEqual(t, final.PacketsTotal, int64(32))
		assert.LessOrEqual(t, final.PacketsAtDecode, final.PacketsTotal)
		assert.EqualValues(t, 16, final.PacketsAtDecode)
		assert.False(t, final.TimeDecodeComplete.IsZero())
	case <-time.After(3 * time.Second):
		t.Fatal("sink did not receive the final record")
	}
	assert.Equal(t, 0, srv.ActiveTests())
}
