// Package control exposes a running session over a unix socket so the offset
// can be read and changed from another process.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/shaneisley/cuedelay/pkg/delay"
	"github.com/shaneisley/cuedelay/pkg/logging"
	"github.com/shaneisley/cuedelay/pkg/metrics"
)

const (
	// DefaultConnectionTimeout is the default timeout for idle connections
	DefaultConnectionTimeout = 30 * time.Second
	// DefaultMaxConnections is the default maximum number of concurrent connections
	DefaultMaxConnections = 10
	// DefaultRequestTimeout bounds how long a handler waits on the controller
	DefaultRequestTimeout = 5 * time.Second
	// SocketPermissions defines the file permissions for the Unix socket
	SocketPermissions = 0600
)

// ErrNotRunning is returned by the client when no session is listening
var ErrNotRunning = errors.New("control: no session running")

// Controller is the session surface the server acts on
type Controller interface {
	Offset(ctx context.Context) (time.Duration, error)
	SetOffset(ctx context.Context, offset time.Duration) (time.Duration, error)
	StepOffset(ctx context.Context, steps int) (time.Duration, error)
	Stats(ctx context.Context) (metrics.SchedulerStats, error)
}

// Server answers control requests on a Unix domain socket
type Server struct {
	socketPath        string
	controller        Controller
	logger            *logging.Logger
	listener          net.Listener
	connectionTimeout time.Duration
	requestTimeout    time.Duration
	maxConnections    int
	activeConnections int
	conns             map[net.Conn]struct{}
	mu                sync.RWMutex
	ctx               context.Context
	cancel            context.CancelFunc
	wg                sync.WaitGroup
}

// NewServer creates a control server for controller
func NewServer(socketPath string, controller Controller, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{
		socketPath:        socketPath,
		controller:        controller,
		logger:            logger.WithComponent("control"),
		connectionTimeout: DefaultConnectionTimeout,
		requestTimeout:    DefaultRequestTimeout,
		maxConnections:    DefaultMaxConnections,
		conns:             make(map[net.Conn]struct{}),
	}
}

// SetConnectionTimeout sets the idle timeout for connections
func (s *Server) SetConnectionTimeout(timeout time.Duration) {
	s.connectionTimeout = timeout
}

// SetMaxConnections sets the maximum number of concurrent connections
func (s *Server) SetMaxConnections(max int) {
	s.maxConnections = max
}

// SocketPath returns the socket path
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Start starts listening on the socket
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	// Remove a stale socket file left by a previous session
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.socketPath, err)
	}
	s.listener = listener

	if err := os.Chmod(s.socketPath, SocketPermissions); err != nil {
		s.listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.logger.Info("control socket listening", "socket_path", s.socketPath)
	go s.acceptConnections()

	return nil
}

// Stop closes the listener and every open connection, then removes the socket file
func (s *Server) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()

	if removeErr := os.Remove(s.socketPath); removeErr != nil && !os.IsNotExist(removeErr) {
		if err == nil {
			err = removeErr
		}
	}

	return err
}

// ActiveConnections returns the number of open connections
func (s *Server) ActiveConnections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeConnections
}

// acceptConnections handles incoming connections
func (s *Server) acceptConnections() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		s.mu.Lock()
		if s.activeConnections >= s.maxConnections {
			s.mu.Unlock()
			s.logger.Warn("connection refused", "active_connections", s.maxConnections)
			conn.Close()
			continue
		}
		s.activeConnections++
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handleConnection(conn)
	}
}

// handleConnection serves one connection until it is closed or idles out
func (s *Server) handleConnection(conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		s.activeConnections--
		delete(s.conns, conn)
		s.mu.Unlock()
		s.wg.Done()
	}()

	reader := bufio.NewReader(conn)

	for {
		if s.connectionTimeout > 0 {
			conn.SetDeadline(time.Now().Add(s.connectionTimeout))
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}

		response := s.handleMessage(strings.TrimSpace(line))

		responseData, err := json.Marshal(response)
		if err != nil {
			s.logger.LogError("encode_response", err, "type", response.GetType())
			continue
		}

		if _, err := conn.Write(append(responseData, '\n')); err != nil {
			return
		}
	}
}

// handleMessage decodes one request and dispatches it by type
func (s *Server) handleMessage(message string) Message {
	var typeCheck struct {
		Type string `json:"type"`
	}

	if err := json.Unmarshal([]byte(message), &typeCheck); err != nil {
		return errorResponse("invalid JSON")
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.requestTimeout)
	defer cancel()

	switch typeCheck.Type {
	case TypeHandshake:
		var request HandshakeRequest
		if err := json.Unmarshal([]byte(message), &request); err != nil {
			return errorResponse("invalid handshake request format")
		}
		return s.handleHandshake(request)

	case TypeGetOffset:
		offset, err := s.controller.Offset(ctx)
		return s.offsetResponse(offset, err)

	case TypeSetOffset:
		var request SetOffsetRequest
		if err := json.Unmarshal([]byte(message), &request); err != nil {
			return errorResponse("invalid set_offset request format")
		}
		requested, err := OffsetFromMs(request.OffsetMs)
		if err != nil {
			return errorResponse(err.Error())
		}
		offset, err := s.controller.SetOffset(ctx, requested)
		return s.offsetResponse(offset, err)

	case TypeStepOffset:
		var request StepOffsetRequest
		if err := json.Unmarshal([]byte(message), &request); err != nil {
			return errorResponse("invalid step_offset request format")
		}
		offset, err := s.controller.StepOffset(ctx, request.Steps)
		return s.offsetResponse(offset, err)

	case TypeStats:
		stats, err := s.controller.Stats(ctx)
		if err != nil {
			return s.failed("stats", err)
		}
		return StatsResponse{Type: TypeStatsResponse, Status: "ok", Stats: stats}

	case TypePresets:
		return PresetsResponse{Type: TypePresetsResponse, Status: "ok", Presets: delay.Presets()}

	default:
		return errorResponse("unknown message type")
	}
}

func (s *Server) handleHandshake(req HandshakeRequest) Message {
	if req.Version != "" && req.Version != ProtocolVersion {
		return errorResponse("unsupported protocol version: " + req.Version)
	}
	s.logger.Debug("client connected", "client", req.Client)
	return HandshakeResponse{
		Type:    TypeHandshakeResponse,
		Status:  "ok",
		Version: ProtocolVersion,
		Message: "handshake successful",
	}
}

func (s *Server) offsetResponse(offset time.Duration, err error) Message {
	if err != nil {
		return s.failed("offset", err)
	}
	return OffsetResponse{
		Type:     TypeOffsetResponse,
		Status:   "ok",
		OffsetMs: offset.Milliseconds(),
		Label:    delay.LabelFor(offset),
	}
}

func (s *Server) failed(operation string, err error) Message {
	s.logger.LogError(operation, err)
	return errorResponse(err.Error())
}

func errorResponse(message string) ErrorResponse {
	return ErrorResponse{Type: TypeError, Error: message}
}
