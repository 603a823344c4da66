package server

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aeolun/memdb-socket/pkg/socket"
)

// ErrServerNotListening is returned by Serve when the handle has not
// completed the startup pipeline.
var ErrServerNotListening = errors.New("server handle is not listening")

// ServerConfig holds server configuration
type ServerConfig struct {
	Host             string
	Port             int
	IPv6             bool
	Backlog          int
	ReuseAddress     bool
	BufferSize       int
	Reply            string
	ReadTimeout      time.Duration // 0 = block forever
	WriteTimeout     time.Duration // 0 = block forever
	MetricsAddr      string
	JournalPath      string
	JournalRetention time.Duration
	LogLevel         string
	LogFormat        string
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		Host:             "127.0.0.1",
		Port:             7878,
		Backlog:          socket.DefaultBacklog,
		ReuseAddress:     true,
		BufferSize:       DefaultBufferSize,
		Reply:            string(DefaultReply),
		JournalRetention: 168 * time.Hour,
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

// AddressSpec resolves the configured host and port into a bind target. An
// empty host binds the wildcard address of the configured family.
func (c ServerConfig) AddressSpec() (socket.AddressSpec, error) {
	if c.Port < 0 || c.Port > 65535 {
		return socket.AddressSpec{}, fmt.Errorf("%w: port %d out of range", socket.ErrInvalidAddress, c.Port)
	}

	domain := socket.IPv4
	if c.IPv6 || strings.Contains(c.Host, ":") {
		domain = socket.IPv6
	}

	host := strings.Trim(c.Host, "[]")
	if host == "" {
		return socket.Unspecified(domain, uint16(c.Port)), nil
	}
	return socket.NewAddressSpec(domain, host, uint16(c.Port))
}

// Journal records accepted connections and their outcome.
type Journal interface {
	RecordAccept(peer string, at time.Time) (int64, error)
	RecordOutcome(id int64, finishedAt time.Time, bytesRead, bytesWritten int64, handleErr error) error
}

// Server is the single-connection-at-a-time accept loop over a listening
// handle.
type Server struct {
	handle  *socket.Handle
	handler Handler
	config  ServerConfig
	log     logrus.FieldLogger
	metrics *Metrics
	journal Journal
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger used for connection events
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Server) { s.log = log }
}

// WithMetrics sets the Prometheus collectors
func WithMetrics(m *Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithJournal sets the accept journal
func WithJournal(j Journal) Option {
	return func(s *Server) { s.journal = j }
}

// NewServer creates a server that takes ownership of a listening handle.
func NewServer(handle *socket.Handle, handler Handler, config ServerConfig, opts ...Option) *Server {
	s := &Server{
		handle:  handle,
		handler: handler,
		config:  config,
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Addr returns the address the server is bound to
func (s *Server) Addr() (socket.BoundAddress, error) {
	return socket.LocalAddress(s.handle)
}

// Close releases the listening handle. A concurrent Serve returns with an
// ErrAccept error.
func (s *Server) Close() error {
	return s.handle.Close()
}

// Serve accepts connections one at a time until accepting fails. Handler
// failures are reported and do not stop the loop; an accept failure is
// returned and ends serving for good.
func (s *Server) Serve() error {
	if st := s.handle.State(); st != socket.StateListening {
		return fmt.Errorf("%w: handle is %s", ErrServerNotListening, st)
	}

	for {
		conn, err := socket.Accept(s.handle)
		if err != nil {
			s.metrics.RecordAcceptFailure()
			s.log.WithError(err).Error("Error accepting connection")
			return err
		}

		s.serveConn(conn)
	}
}

// serveConn runs the handler for one connection and closes it on every path.
func (s *Server) serveConn(conn *socket.Conn) {
	peer := conn.Peer.String()
	log := s.log.WithField("peer", peer)
	log.Info("Accepted connection")
	s.metrics.RecordAccepted()

	id, journaled := s.recordAccept(log, peer, conn.AcceptedAt)

	counted := &countingConn{Conn: conn.Conn}
	scoped := &socket.Conn{Conn: counted, Peer: conn.Peer, AcceptedAt: conn.AcceptedAt}

	start := time.Now()
	err := s.handleConn(log, scoped)
	elapsed := time.Since(start)

	s.metrics.RecordHandled(elapsed, counted.read, counted.written, err)
	if err != nil {
		log.WithError(err).Warn("Error processing connection")
	} else {
		log.WithField("duration", elapsed).Debug("Connection served")
	}

	if journaled {
		if jerr := s.journal.RecordOutcome(id, time.Now(), counted.read, counted.written, err); jerr != nil {
			log.WithError(jerr).Warn("Failed to record connection outcome")
		}
	}
}

// handleConn owns conn for the duration of the handler call and releases it
// on every exit path, including a handler panic.
func (s *Server) handleConn(log logrus.FieldLogger, conn *socket.Conn) error {
	defer func() {
		if err := conn.Close(); err != nil {
			log.WithError(err).Debug("Error closing connection")
		}
	}()

	if s.config.ReadTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout)); err != nil {
			return socket.IOError("set read deadline", err)
		}
	}
	if s.config.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout)); err != nil {
			return socket.IOError("set write deadline", err)
		}
	}
	return s.handler.Handle(conn)
}

func (s *Server) recordAccept(log logrus.FieldLogger, peer string, at time.Time) (int64, bool) {
	if s.journal == nil {
		return 0, false
	}
	id, err := s.journal.RecordAccept(peer, at)
	if err != nil {
		log.WithError(err).Warn("Failed to record accepted connection")
		return 0, false
	}
	return id, true
}

// countingConn tallies bytes moved through the connection.
type countingConn struct {
	net.Conn
	read    int64
	written int64
}

func (c *countingConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	c.read += int64(n)
	return n, err
}

func (c *countingConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	c.written += int64(n)
	return n, err
}
