// Package server binds the API socket and dispatches line-protocol
// requests. Each accepted connection carries exactly one request and
// is served by its own goroutine; handlers share nothing but the
// store.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chimera-logmind/chimera/internal/config"
	"github.com/chimera-logmind/chimera/internal/ingest"
	"github.com/chimera-logmind/chimera/internal/protocol"
	"github.com/chimera-logmind/chimera/internal/store"
)

// Version is reported by the VERSION verb.
const Version = "0.1.0"

// ServiceGroup is the group the socket is chowned to when it exists.
const ServiceGroup = "chimera"

const (
	// maxRequestLine bounds the single request line.
	maxRequestLine = 64 * 1024

	// defaultReadTimeout applies to reading the request line; response
	// streaming has no deadline.
	defaultReadTimeout = 30 * time.Second

	// shutdownGrace is how long in-flight connections get after the
	// accept loop stops.
	shutdownGrace = 10 * time.Second
)

// Server is the UDS request dispatcher.
type Server struct {
	store    *store.Store
	ingestor *ingest.Ingestor
	log      *zap.Logger

	socketPath  string
	listener    net.Listener
	readTimeout time.Duration

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// New assembles a Server; the socket path comes from cfg with the
// per-user fallback already applied.
func New(cfg config.Config, st *store.Store, ing *ingest.Ingestor, logger *zap.Logger) *Server {
	return &Server{
		store:       st,
		ingestor:    ing,
		log:         logger,
		socketPath:  cfg.ResolveSocketPath(),
		readTimeout: defaultReadTimeout,
		conns:       make(map[net.Conn]struct{}),
	}
}

// SocketPath returns the path the server binds (after fallback).
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Listen binds the socket with strict permissions. Bind failure is
// startup-fatal to the caller.
func (s *Server) Listen() error {
	// A stale socket from a previous run blocks bind.
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("binding %s: %w", s.socketPath, err)
	}
	s.listener = listener

	if err := os.Chmod(s.socketPath, 0o660); err != nil {
		listener.Close()
		return fmt.Errorf("setting socket permissions: %w", err)
	}
	s.chownServiceGroup()

	s.log.Info("api server listening", zap.String("socket", s.socketPath))
	return nil
}

// chownServiceGroup hands the socket to the service group when that
// group exists and the process may chown. Best effort: the 0660 mode
// is the hard requirement.
func (s *Server) chownServiceGroup() {
	grp, err := user.LookupGroup(ServiceGroup)
	if err != nil {
		return
	}
	gid, err := strconv.Atoi(grp.Gid)
	if err != nil {
		return
	}
	if err := os.Chown(s.socketPath, -1, gid); err != nil {
		s.log.Debug("socket group ownership not applied", zap.Error(err))
	}
}

// Serve accepts connections until ctx is canceled, then drains
// in-flight connections for the grace period and removes the socket.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return fmt.Errorf("server is not listening")
	}

	// ctx cancellation stops the accept loop only. In-flight handlers
	// run on their own context so a query or ingest started before
	// shutdown finishes during the grace period; drain cancels them
	// when the period runs out.
	handlerCtx, cancelHandlers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelHandlers()

	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return s.drain(cancelHandlers)
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return s.drain(cancelHandlers)
			}
			s.log.Error("accept failed", zap.Error(err))
			continue
		}

		s.track(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			defer conn.Close()
			s.handleConn(handlerCtx, conn)
		}()
	}
}

// drain waits for in-flight connections up to the grace period, then
// cancels their handlers, force-closes stragglers and unlinks the
// socket.
func (s *Server) drain(cancelHandlers context.CancelFunc) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownGrace):
		cancelHandlers()
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
		s.log.Warn("forced close of lingering connections at shutdown")
	}

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		s.log.Warn("could not remove socket on shutdown", zap.Error(err))
	}
	s.log.Info("api server stopped")
	return nil
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// handleConn serves exactly one request: read a bounded line, parse,
// dispatch, stream the response, close.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	w := bufio.NewWriter(conn)
	defer w.Flush()

	conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	line, err := readRequestLine(conn)
	if err != nil {
		if err == io.EOF {
			return // client connected and went away; nothing to answer
		}
		s.log.Debug("request read failed", zap.Error(err))
		w.WriteString(protocol.Err("bad-arguments"))
		return
	}
	// The response may stream for as long as it takes.
	conn.SetReadDeadline(time.Time{})

	req, err := protocol.ParseRequest(line)
	if err != nil {
		s.log.Debug("unparseable request", zap.Error(err))
		w.WriteString(protocol.Err("bad-arguments"))
		return
	}

	s.dispatch(ctx, req, w)
}

// readRequestLine reads one LF-terminated line of at most
// maxRequestLine bytes.
func readRequestLine(conn net.Conn) (string, error) {
	r := bufio.NewReaderSize(io.LimitReader(conn, maxRequestLine+1), 4096)
	line, err := r.ReadString('\n')
	if len(line) > maxRequestLine {
		return "", fmt.Errorf("request line exceeds %d bytes", maxRequestLine)
	}
	if err == io.EOF && line != "" {
		// Tolerate a missing trailing newline on the final read.
		return strings.TrimRight(line, "\r\n"), nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
