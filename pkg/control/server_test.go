package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaneisley/cuedelay/pkg/delay"
	"github.com/shaneisley/cuedelay/pkg/metrics"
)

type fakeController struct {
	mu     sync.Mutex
	offset time.Duration
	sets   []time.Duration
	err    error
}

func (f *fakeController) Offset(ctx context.Context) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offset, f.err
}

func (f *fakeController) SetOffset(ctx context.Context, offset time.Duration) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.offset = offset
	f.sets = append(f.sets, offset)
	return offset, nil
}

func (f *fakeController) StepOffset(ctx context.Context, steps int) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.offset = delay.StepPreset(f.offset, steps)
	f.sets = append(f.sets, f.offset)
	return f.offset, nil
}

func (f *fakeController) Stats(ctx context.Context) (metrics.SchedulerStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return metrics.SchedulerStats{Submitted: 3, Delivered: 2, Offset: f.offset}, f.err
}

func (f *fakeController) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func startServer(t *testing.T, controller Controller) *Server {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "c.sock")
	server := NewServer(socketPath, controller, nil)
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() { server.Stop() })
	return server
}

// rawExchange sends one line on conn and returns the decoded reply
func rawExchange(t *testing.T, conn net.Conn, reader *bufio.Reader, line string) map[string]interface{} {
	t.Helper()
	_, err := conn.Write([]byte(line + "\n"))
	require.NoError(t, err)

	reply, err := reader.ReadBytes('\n')
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(reply, &decoded))
	return decoded
}

func TestServer_SocketCreatedWithPermissions(t *testing.T) {
	// Given a started server
	server := startServer(t, &fakeController{})

	// Then the socket exists and is private to the owner
	info, err := os.Stat(server.SocketPath())
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeSocket)
	assert.Equal(t, os.FileMode(SocketPermissions), info.Mode().Perm())
}

func TestServer_ReplacesStaleSocketFile(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "s.sock")
	require.NoError(t, os.WriteFile(socketPath, []byte("stale"), 0600))

	server := NewServer(socketPath, &fakeController{}, nil)
	require.NoError(t, server.Start(context.Background()))
	defer server.Stop()

	info, err := os.Stat(socketPath)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeSocket)
}

func TestServer_StopRemovesSocket(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "r.sock")
	server := NewServer(socketPath, &fakeController{}, nil)
	require.NoError(t, server.Start(context.Background()))

	// Given an open idle connection
	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return server.ActiveConnections() == 1 }, time.Second, 5*time.Millisecond)

	// When stopping
	require.NoError(t, server.Stop())

	// Then the socket file is gone and connections are closed
	_, err = os.Stat(socketPath)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, 0, server.ActiveConnections())
}

func TestServer_RawProtocol(t *testing.T) {
	server := startServer(t, &fakeController{offset: 250 * time.Millisecond})

	conn, err := net.Dial("unix", server.SocketPath())
	require.NoError(t, err)
	defer conn.Close()
	reader := bufio.NewReader(conn)

	tests := []struct {
		name    string
		request string
		check   func(t *testing.T, reply map[string]interface{})
	}{
		{
			name:    "handshake",
			request: `{"type":"handshake","version":"1.0","client":"test"}`,
			check: func(t *testing.T, reply map[string]interface{}) {
				assert.Equal(t, "handshake_response", reply["type"])
				assert.Equal(t, "ok", reply["status"])
			},
		},
		{
			name:    "unsupported version",
			request: `{"type":"handshake","version":"2.0"}`,
			check: func(t *testing.T, reply map[string]interface{}) {
				assert.Equal(t, "error", reply["type"])
				assert.Equal(t, "unsupported protocol version: 2.0", reply["error"])
			},
		},
		{
			name:    "get offset",
			request: `{"type":"get_offset"}`,
			check: func(t *testing.T, reply map[string]interface{}) {
				assert.Equal(t, "offset_response", reply["type"])
				assert.Equal(t, float64(250), reply["offset_ms"])
				assert.Equal(t, "+250ms", reply["label"])
			},
		},
		{
			name:    "set offset",
			request: `{"type":"set_offset","offset_ms":-500}`,
			check: func(t *testing.T, reply map[string]interface{}) {
				assert.Equal(t, float64(-500), reply["offset_ms"])
				assert.Equal(t, "-500ms", reply["label"])
			},
		},
		{
			name:    "presets",
			request: `{"type":"presets"}`,
			check: func(t *testing.T, reply map[string]interface{}) {
				assert.Equal(t, "presets_response", reply["type"])
				assert.Len(t, reply["presets"], len(delay.Presets()))
			},
		},
		{
			name:    "invalid json",
			request: `{not json`,
			check: func(t *testing.T, reply map[string]interface{}) {
				assert.Equal(t, "error", reply["type"])
				assert.Equal(t, "invalid JSON", reply["error"])
			},
		},
		{
			name:    "unknown type",
			request: `{"type":"rewind"}`,
			check: func(t *testing.T, reply map[string]interface{}) {
				assert.Equal(t, "unknown message type", reply["error"])
			},
		},
		{
			name:    "bad field type",
			request: `{"type":"set_offset","offset_ms":"soon"}`,
			check: func(t *testing.T, reply map[string]interface{}) {
				assert.Equal(t, "invalid set_offset request format", reply["error"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, rawExchange(t, conn, reader, tt.request))
		})
	}
}

func TestServer_SetOffsetOutOfRange(t *testing.T) {
	// Given a session at +250ms
	controller := &fakeController{offset: 250 * time.Millisecond}
	server := startServer(t, controller)

	conn, err := net.Dial("unix", server.SocketPath())
	require.NoError(t, err)
	defer conn.Close()
	reader := bufio.NewReader(conn)

	// When offsets beyond the representable range are requested
	for _, request := range []string{
		`{"type":"set_offset","offset_ms":9300000000000}`,
		`{"type":"set_offset","offset_ms":-9300000000000}`,
	} {
		reply := rawExchange(t, conn, reader, request)

		// Then each is refused and never reaches the session
		assert.Equal(t, "error", reply["type"])
		assert.Contains(t, reply["error"], "out of range")
	}

	offset, err := controller.Offset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, offset)
	controller.mu.Lock()
	assert.Empty(t, controller.sets)
	controller.mu.Unlock()

	// And the largest representable offset is still accepted
	reply := rawExchange(t, conn, reader, `{"type":"set_offset","offset_ms":9223372036854}`)
	assert.Equal(t, "offset_response", reply["type"])
}

func TestOffsetFromMs(t *testing.T) {
	tests := []struct {
		name    string
		ms      int64
		want    time.Duration
		wantErr bool
	}{
		{"zero", 0, 0, false},
		{"positive", 1500, 1500 * time.Millisecond, false},
		{"negative", -750, -750 * time.Millisecond, false},
		{"upper bound", MaxOffsetMs, time.Duration(MaxOffsetMs) * time.Millisecond, false},
		{"lower bound", -MaxOffsetMs, -time.Duration(MaxOffsetMs) * time.Millisecond, false},
		{"above bound", MaxOffsetMs + 1, 0, true},
		{"below bound", -MaxOffsetMs - 1, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := OffsetFromMs(tt.ms)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ms > 0, got > 0)
		})
	}
}

func TestServer_MaxConnections(t *testing.T) {
	// Given a server accepting a single connection
	socketPath := filepath.Join(t.TempDir(), "m.sock")
	server := NewServer(socketPath, &fakeController{}, nil)
	server.SetMaxConnections(1)
	require.NoError(t, server.Start(context.Background()))
	defer server.Stop()

	first, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer first.Close()
	require.Eventually(t, func() bool { return server.ActiveConnections() == 1 }, time.Second, 5*time.Millisecond)

	// When a second client connects
	second, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer second.Close()

	// Then it is closed without a reply
	second.SetReadDeadline(time.Now().Add(time.Second))
	_, err = bufio.NewReader(second).ReadByte()
	assert.Error(t, err)
	assert.Equal(t, 1, server.ActiveConnections())
}

func TestServer_IdleTimeout(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "i.sock")
	server := NewServer(socketPath, &fakeController{}, nil)
	server.SetConnectionTimeout(50 * time.Millisecond)
	require.NoError(t, server.Start(context.Background()))
	defer server.Stop()

	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return server.ActiveConnections() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return server.ActiveConnections() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestClient_RoundTrips(t *testing.T) {
	// Given a server in front of a controller
	controller := &fakeController{}
	server := startServer(t, controller)
	client := NewClient(server.SocketPath())
	defer client.Close()
	ctx := context.Background()

	// When setting, stepping and reading the offset
	applied, err := client.SetOffset(ctx, 500*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, applied)

	stepped, err := client.StepOffset(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, stepped)

	current, err := client.Offset(ctx)
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, current)

	// Then the controller saw both changes
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 750 * time.Millisecond}, controller.sets)

	// And stats and presets decode
	stats, err := client.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Submitted)
	assert.Equal(t, 750*time.Millisecond, stats.Offset)

	presets, err := client.Presets(ctx)
	require.NoError(t, err)
	assert.Equal(t, delay.Presets(), presets)
}

func TestClient_RemoteErrorKeepsConnection(t *testing.T) {
	controller := &fakeController{}
	server := startServer(t, controller)
	client := NewClient(server.SocketPath())
	defer client.Close()
	ctx := context.Background()

	// Given a controller that fails
	controller.fail(errors.New("session is shutting down"))

	// When a request is made
	_, err := client.SetOffset(ctx, time.Second)

	// Then the error is reported as coming from the session
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "session is shutting down", remote.Message)

	// And the connection is reused afterwards
	controller.fail(nil)
	_, err = client.Offset(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, server.ActiveConnections())
}

func TestClient_NotRunning(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "missing.sock"))

	_, err := client.Offset(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestClient_CancelledContext(t *testing.T) {
	server := startServer(t, &fakeController{})
	client := NewClient(server.SocketPath())
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Offset(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_ReconnectsAfterServerRestart(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "x.sock")
	controller := &fakeController{offset: 100 * time.Millisecond}

	server := NewServer(socketPath, controller, nil)
	require.NoError(t, server.Start(context.Background()))

	client := NewClient(socketPath)
	defer client.Close()
	_, err := client.Offset(context.Background())
	require.NoError(t, err)

	// When the session restarts
	require.NoError(t, server.Stop())
	restarted := NewServer(socketPath, controller, nil)
	require.NoError(t, restarted.Start(context.Background()))
	defer restarted.Stop()

	// Then the first call fails on the dead connection and the next redials
	_, err = client.Offset(context.Background())
	if err != nil {
		_, err = client.Offset(context.Background())
	}
	require.NoError(t, err)
}
