package discovery

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venomlabs/venom-mesh/internal/cluster"
	"github.com/venomlabs/venom-mesh/internal/logger"
	"github.com/venomlabs/venom-mesh/internal/metrics"
	"github.com/venomlabs/venom-mesh/internal/storage"
)

type datagram struct {
	data []byte
	src  net.IP
}

// fakeConn is an in-memory PacketConn.
type fakeConn struct {
	mutex   sync.Mutex
	sent    [][]byte
	sendErr error

	in        chan datagram
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan datagram, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Send(b []byte) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, append([]byte(nil), b...))
	return nil
}

func (c *fakeConn) ReadFrom(buf []byte) (int, net.IP, error) {
	select {
	case d := <-c.in:
		return copy(buf, d.data), d.src, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) sentMessages() [][]byte {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([][]byte(nil), c.sent...)
}

type testLogger struct {
	t *testing.T
}

func newTestLogger(t *testing.T) logger.Logger {
	return &testLogger{t: t}
}

func (l *testLogger) Debug(format string, v ...interface{}) { l.t.Logf("[DEBUG] "+format, v...) }
func (l *testLogger) Info(format string, v ...interface{})  { l.t.Logf("[INFO] "+format, v...) }
func (l *testLogger) Warn(format string, v ...interface{})  { l.t.Logf("[WARN] "+format, v...) }
func (l *testLogger) Error(format string, v ...interface{}) { l.t.Logf("[ERROR] "+format, v...) }
func (l *testLogger) Fatal(format string, v ...interface{}) { l.t.Fatalf("[FATAL] "+format, v...) }

func testOptions() Options {
	return Options{
		NodeID:           "venom-self",
		GRPCPort:         50051,
		RESTPort:         8000,
		AnnounceInterval: 20 * time.Millisecond,
		PeerTimeout:      time.Second,
		GracePeriod:      10 * time.Second,
		SweepInterval:    20 * time.Millisecond,
		PersistInterval:  20 * time.Millisecond,
	}
}

func newTestDaemon(t *testing.T) (*Daemon, *fakeConn, *storage.PeerFile) {
	conn := newFakeConn()
	store := storage.NewPeerFile(filepath.Join(t.TempDir(), "peers.json"))
	d := NewDaemon(testOptions(), conn, store, newTestLogger(t), metrics.NewDiscovery())
	return d, conn, store
}

var peerIP = net.ParseIP("192.168.1.20")

func TestHandleDatagramUpserts(t *testing.T) {
	d, _, _ := newTestDaemon(t)

	ok := d.HandleDatagram([]byte(`{"id":"venom-b","grpc_port":50052,"rest_port":8001,"timestamp":1}`), peerIP)
	require.True(t, ok)

	p, exists := d.Table().Get("venom-b")
	require.True(t, exists)
	assert.Equal(t, cluster.Address{Host: "192.168.1.20", GRPCPort: 50052, RESTPort: 8001}, p.Address)
	assert.True(t, p.Healthy)
	assert.Equal(t, 0.0, p.LoadEMA)

	// repeated announcements never duplicate
	for i := 0; i < 5; i++ {
		d.HandleDatagram([]byte(`{"id":"venom-b","grpc_port":50052,"rest_port":8001,"timestamp":2}`), peerIP)
	}
	assert.Equal(t, 1, d.Table().Len())
}

func TestHandleDatagramIgnoresSelf(t *testing.T) {
	d, _, _ := newTestDaemon(t)

	ok := d.HandleDatagram([]byte(`{"id":"venom-self","grpc_port":50051,"rest_port":8000,"timestamp":1}`), peerIP)
	assert.False(t, ok)
	assert.Equal(t, 0, d.Table().Len())
}

func TestMalformedDatagramsDoNotMutateTable(t *testing.T) {
	d, _, _ := newTestDaemon(t)
	d.HandleDatagram([]byte(`{"id":"venom-b","grpc_port":1,"rest_port":2,"timestamp":1}`), peerIP)
	before := d.Table().Snapshot()

	for _, data := range []string{
		"\x00\x01garbage",
		`{"id":"venom-c"}`,
		`{"id":"venom-b","grpc_port":9,"timestamp":1}`,
		``,
	} {
		assert.False(t, d.HandleDatagram([]byte(data), peerIP))
	}
	assert.Equal(t, before, d.Table().Snapshot())
}

func TestListenerSurvivesMalformedInput(t *testing.T) {
	d, conn, _ := newTestDaemon(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	conn.in <- datagram{data: []byte("not json at all"), src: peerIP}
	conn.in <- datagram{data: []byte(`{"id":"missing-fields"}`), src: peerIP}
	conn.in <- datagram{data: []byte(`{"id":"venom-b","grpc_port":1,"rest_port":2,"timestamp":1}`), src: peerIP}

	require.Eventually(t, func() bool { return d.Table().Len() == 1 }, time.Second, 5*time.Millisecond)
	_, exists := d.Table().Get("missing-fields")
	assert.False(t, exists)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestRunAnnouncesAndFlushesOnShutdown(t *testing.T) {
	d, conn, store := newTestDaemon(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return len(conn.sentMessages()) >= 2 }, time.Second, 5*time.Millisecond)
	msg, err := DecodeAnnouncement(conn.sentMessages()[0])
	require.NoError(t, err)
	assert.Equal(t, "venom-self", msg.ID)
	assert.Equal(t, 50051, msg.GRPCPort)
	assert.Equal(t, 8000, msg.RESTPort)

	conn.in <- datagram{data: []byte(`{"id":"venom-b","grpc_port":1,"rest_port":2,"timestamp":1}`), src: peerIP}
	require.Eventually(t, func() bool { return d.Table().Len() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.True(t, conn.isClosed())

	sentAtStop := len(conn.sentMessages())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, sentAtStop, len(conn.sentMessages()), "announcer kept running after shutdown")

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Contains(t, loaded, "venom-b")
	assert.Equal(t, "192.168.1.20", loaded["venom-b"].Address.Host)
}

func TestAnnounceFailureIsNotFatal(t *testing.T) {
	d, conn, _ := newTestDaemon(t)
	conn.sendErr = &net.OpError{Op: "write", Net: "udp", Err: assertErr("network is unreachable")}

	require.Error(t, d.announcer.AnnounceOnce())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	conn.in <- datagram{data: []byte(`{"id":"venom-b","grpc_port":1,"rest_port":2,"timestamp":1}`), src: peerIP}
	require.Eventually(t, func() bool { return d.Table().Len() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestPersistFailureKeepsTable(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))

	conn := newFakeConn()
	store := storage.NewPeerFile(filepath.Join(blocker, "peers.json"))
	d := NewDaemon(testOptions(), conn, store, newTestLogger(t), nil)

	d.HandleDatagram([]byte(`{"id":"venom-b","grpc_port":1,"rest_port":2,"timestamp":1}`), peerIP)
	err := d.Persist()
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrPersistenceWrite)
	assert.Equal(t, 1, d.Table().Len())
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
