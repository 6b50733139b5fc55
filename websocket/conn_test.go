package websocket

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"textsync-server/domain"
	"textsync-server/protocol"
)

type fakeTransport struct {
	in  chan domain.Frame
	err error

	mu             sync.Mutex
	written        []domain.Frame
	closed         bool
	writeAfterDone bool
	writeErr       error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan domain.Frame)}
}

func (f *fakeTransport) Frames() <-chan domain.Frame { return f.in }
func (f *fakeTransport) Err() error                  { return f.err }
func (f *fakeTransport) RemoteAddr() string          { return "fake" }

func (f *fakeTransport) WriteFrame(fr domain.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		f.writeAfterDone = true
		return errTransportClosed
	}
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, fr)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) getWritten() []domain.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Frame(nil), f.written...)
}

func (f *fakeTransport) countKind(kind domain.FrameKind) int {
	n := 0
	for _, fr := range f.getWritten() {
		if fr.Kind == kind {
			n++
		}
	}
	return n
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type mockRegistry struct {
	mu           sync.Mutex
	registered   []string
	unregistered []string
}

func (m *mockRegistry) Register(conn domain.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registered = append(m.registered, conn.ID())
}

func (m *mockRegistry) Unregister(conn domain.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unregistered = append(m.unregistered, conn.ID())
}

func (m *mockRegistry) get() ([]string, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.registered...), append([]string(nil), m.unregistered...)
}

func quietConfig() Config {
	return Config{ProbeInterval: time.Hour, TimeoutThreshold: 2 * time.Hour}
}

func startConn(t *testing.T, cfg Config) (*Conn, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	c := NewConn("client1", tr, protocol.NewHandler(protocol.Echo{}), nil, cfg)
	c.Start()
	t.Cleanup(func() {
		c.Close()
		<-c.Done()
	})
	return c, tr
}

func waitDone(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not terminate")
	}
}

func push(t *testing.T, tr *fakeTransport, f domain.Frame) {
	t.Helper()
	select {
	case tr.in <- f:
	case <-time.After(time.Second):
		t.Fatal("frame was not consumed")
	}
}

func TestConn_StartActive(t *testing.T) {
	c, _ := startConn(t, quietConfig())

	assert.Equal(t, domain.StatusActive, c.Status())
	assert.WithinDuration(t, time.Now(), c.LastSeen(), time.Second)
	assert.NoError(t, c.Err())
}

func TestConn_PingPong(t *testing.T) {
	c, tr := startConn(t, quietConfig())
	before := c.LastSeen()

	payloads := [][]byte{[]byte("abc"), nil, []byte("12345")}
	for _, p := range payloads {
		time.Sleep(2 * time.Millisecond)
		push(t, tr, domain.Frame{Kind: domain.FramePing, Payload: p})
	}

	require.Eventually(t, func() bool { return len(tr.getWritten()) == len(payloads) },
		time.Second, 5*time.Millisecond)
	for i, fr := range tr.getWritten() {
		assert.Equal(t, domain.FramePong, fr.Kind)
		assert.Equal(t, payloads[i], fr.Payload)
	}
	assert.True(t, c.LastSeen().After(before))
}

func TestConn_PongUpdatesLiveness(t *testing.T) {
	c, tr := startConn(t, quietConfig())
	before := c.LastSeen()

	time.Sleep(5 * time.Millisecond)
	push(t, tr, domain.Frame{Kind: domain.FramePong, Payload: []byte("x")})

	require.Eventually(t, func() bool { return c.LastSeen().After(before) },
		time.Second, 5*time.Millisecond)
	assert.Empty(t, tr.getWritten())
}

func TestConn_EchoPreservesOrder(t *testing.T) {
	_, tr := startConn(t, quietConfig())
	payload := []byte(`{"ops":[{"insert":"H"}]}`)

	push(t, tr, domain.Frame{Kind: domain.FrameText, Payload: payload})
	push(t, tr, domain.Frame{Kind: domain.FramePing, Payload: []byte("p")})

	require.Eventually(t, func() bool { return len(tr.getWritten()) == 2 },
		time.Second, 5*time.Millisecond)
	written := tr.getWritten()
	assert.Equal(t, domain.Frame{Kind: domain.FrameText, Payload: payload}, written[0])
	assert.Equal(t, domain.FramePong, written[1].Kind)
	assert.Equal(t, 1, tr.countKind(domain.FrameText))
}

func TestConn_EchoUnderSustainedLoad(t *testing.T) {
	const n = 5000
	tr := &fakeTransport{in: make(chan domain.Frame, n)}
	payloads := make([][]byte, n)
	for i := range payloads {
		payloads[i] = []byte(fmt.Sprintf(`{"ops":[{"retain":%d},{"insert":"H"}]}`, i))
		tr.in <- domain.Frame{Kind: domain.FrameText, Payload: payloads[i]}
	}

	c := NewConn("client1", tr, protocol.NewHandler(protocol.Echo{}), nil, quietConfig())
	c.Start()
	t.Cleanup(func() {
		c.Close()
		<-c.Done()
	})

	require.Eventually(t, func() bool { return len(tr.getWritten()) == n },
		5*time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.StatusActive, c.Status())
	for i, fr := range tr.getWritten() {
		require.Equal(t, domain.FrameText, fr.Kind)
		require.Equal(t, payloads[i], fr.Payload, "echo %d out of order", i)
	}
}

func TestConn_BinaryDataFrame(t *testing.T) {
	_, tr := startConn(t, quietConfig())
	payload := []byte(`{"ops":[{"retain":1},{"insert":"i"}]}`)

	push(t, tr, domain.Frame{Kind: domain.FrameBinary, Payload: payload})

	require.Eventually(t, func() bool { return len(tr.getWritten()) == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.Frame{Kind: domain.FrameBinary, Payload: payload}, tr.getWritten()[0])
}

func TestConn_CloseFrameAcknowledged(t *testing.T) {
	c, tr := startConn(t, quietConfig())

	push(t, tr, domain.Frame{Kind: domain.FrameClose, CloseCode: 4001, Payload: []byte("bye")})
	waitDone(t, c)

	written := tr.getWritten()
	require.Len(t, written, 1)
	assert.Equal(t, domain.Frame{Kind: domain.FrameClose, CloseCode: 4001, Payload: []byte("bye")}, written[0])
	assert.ErrorIs(t, c.Err(), ErrPeerClosed)
	assert.Equal(t, domain.StatusTerminated, c.Status())
	assert.True(t, tr.isClosed())

	select {
	case tr.in <- domain.Frame{Kind: domain.FramePing}:
		t.Fatal("frame processed after close")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestConn_TerminatesWithoutReply(t *testing.T) {
	tests := []struct {
		name    string
		frame   domain.Frame
		wantErr error
	}{
		{
			name:    "unrecognized frame kind",
			frame:   domain.Frame{Kind: domain.FrameKind(99), Payload: []byte("?")},
			wantErr: ErrUnknownFrame,
		},
		{
			name:    "malformed json",
			frame:   domain.Frame{Kind: domain.FrameText, Payload: []byte("not json")},
			wantErr: ErrProtocol,
		},
		{
			name:    "step with two keys",
			frame:   domain.Frame{Kind: domain.FrameText, Payload: []byte(`{"ops":[{"insert":"a","delete":1}]}`)},
			wantErr: ErrProtocol,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, tr := startConn(t, quietConfig())

			push(t, tr, tt.frame)
			waitDone(t, c)

			assert.ErrorIs(t, c.Err(), tt.wantErr)
			assert.Empty(t, tr.getWritten())
			assert.True(t, tr.isClosed())
		})
	}
}

func TestConn_ProbesOnInterval(t *testing.T) {
	_, tr := startConn(t, Config{ProbeInterval: 10 * time.Millisecond, TimeoutThreshold: time.Minute})

	require.Eventually(t, func() bool { return tr.countKind(domain.FramePing) >= 3 },
		time.Second, 5*time.Millisecond)
	for _, fr := range tr.getWritten() {
		assert.Empty(t, fr.Payload)
	}
}

func TestConn_LivenessTimeout(t *testing.T) {
	c, tr := startConn(t, Config{ProbeInterval: 10 * time.Millisecond, TimeoutThreshold: 35 * time.Millisecond})

	waitDone(t, c)
	assert.ErrorIs(t, c.Err(), ErrLivenessTimeout)
	assert.Equal(t, domain.StatusTerminated, c.Status())
	assert.True(t, tr.isClosed())

	probes := tr.countKind(domain.FramePing)
	assert.LessOrEqual(t, probes, 4)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, probes, tr.countKind(domain.FramePing))
	assert.False(t, tr.writeAfterDone)
}

func TestConn_PongsKeepAlive(t *testing.T) {
	c, tr := startConn(t, Config{ProbeInterval: 10 * time.Millisecond, TimeoutThreshold: 40 * time.Millisecond})

	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		push(t, tr, domain.Frame{Kind: domain.FramePong})
		time.Sleep(5 * time.Millisecond)
	}

	assert.Equal(t, domain.StatusActive, c.Status())
}

func TestConn_SupervisorStartFailure(t *testing.T) {
	tr := newFakeTransport()
	reg := &mockRegistry{}
	c := NewConn("client1", tr, protocol.NewHandler(protocol.Echo{}), reg, Config{ProbeInterval: 0, TimeoutThreshold: time.Second})

	c.Start()

	waitDone(t, c)
	assert.Equal(t, domain.StatusTerminated, c.Status())
	assert.ErrorIs(t, c.Err(), ErrSupervisorFailed)
	assert.True(t, tr.isClosed())
	registered, _ := reg.get()
	assert.Empty(t, registered)
}

func TestConn_RegistryLifecycle(t *testing.T) {
	tr := newFakeTransport()
	reg := &mockRegistry{}
	c := NewConn("client1", tr, protocol.NewHandler(protocol.Echo{}), reg, quietConfig())

	c.Start()
	registered, unregistered := reg.get()
	assert.Equal(t, []string{"client1"}, registered)
	assert.Empty(t, unregistered)

	require.NoError(t, c.Close())
	waitDone(t, c)

	_, unregistered = reg.get()
	assert.Equal(t, []string{"client1"}, unregistered)
	assert.ErrorIs(t, c.Err(), ErrClosedLocally)
}

func TestConn_TransportErrors(t *testing.T) {
	t.Run("read error", func(t *testing.T) {
		c, tr := startConn(t, quietConfig())
		readErr := errors.New("connection reset")
		tr.err = readErr
		close(tr.in)

		waitDone(t, c)
		assert.ErrorIs(t, c.Err(), readErr)
	})

	t.Run("write error", func(t *testing.T) {
		c, tr := startConn(t, quietConfig())
		writeErr := errors.New("broken pipe")
		tr.mu.Lock()
		tr.writeErr = writeErr
		tr.mu.Unlock()

		push(t, tr, domain.Frame{Kind: domain.FramePing})

		waitDone(t, c)
		assert.ErrorIs(t, c.Err(), writeErr)
	})
}

func TestConn_Send(t *testing.T) {
	tr := newFakeTransport()
	c := NewConn("client1", tr, protocol.NewHandler(protocol.Echo{}), nil, Config{
		ProbeInterval: time.Hour, TimeoutThreshold: time.Hour, SendQueueSize: 1,
	})

	require.NoError(t, c.Send(domain.Frame{Kind: domain.FrameText, Payload: []byte("a")}))
	assert.ErrorIs(t, c.Send(domain.Frame{Kind: domain.FrameText, Payload: []byte("b")}), ErrSendQueueFull)

	c.Start()
	require.Eventually(t, func() bool { return len(tr.getWritten()) == 1 },
		time.Second, 5*time.Millisecond)

	c.Close()
	waitDone(t, c)
	assert.ErrorIs(t, c.Send(domain.Frame{Kind: domain.FrameText}), ErrConnTerminated)
}

func TestConn_Independence(t *testing.T) {
	cfg := Config{ProbeInterval: 10 * time.Millisecond, TimeoutThreshold: time.Minute}
	a, trA := startConn(t, cfg)
	b, trB := startConn(t, cfg)

	require.Eventually(t, func() bool { return trB.countKind(domain.FramePing) >= 1 },
		time.Second, 5*time.Millisecond)
	seenB := b.LastSeen()

	a.Close()
	waitDone(t, a)
	assert.True(t, trA.isClosed())

	pingsB := trB.countKind(domain.FramePing)
	require.Eventually(t, func() bool { return trB.countKind(domain.FramePing) > pingsB },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.StatusActive, b.Status())
	assert.Equal(t, seenB, b.LastSeen())
	assert.False(t, trB.isClosed())
}
