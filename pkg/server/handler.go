package server

import (
	"errors"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/aeolun/memdb-socket/pkg/socket"
)

const DefaultBufferSize = 64

// DefaultReply is written to every client by GreetingHandler.
var DefaultReply = []byte("world")

// Handler serves one accepted connection. It must not close conn; the
// accept loop releases it when Handle returns.
type Handler interface {
	Handle(conn *socket.Conn) error
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(conn *socket.Conn) error

func (f HandlerFunc) Handle(conn *socket.Conn) error {
	return f(conn)
}

// GreetingHandler performs one bounded read and then writes Reply in full.
type GreetingHandler struct {
	BufferSize int
	Reply      []byte
	Log        logrus.FieldLogger
}

// NewGreetingHandler builds a handler from the configured buffer size and
// reply.
func NewGreetingHandler(config ServerConfig, log logrus.FieldLogger) *GreetingHandler {
	return &GreetingHandler{
		BufferSize: config.BufferSize,
		Reply:      []byte(config.Reply),
		Log:        log,
	}
}

func (g *GreetingHandler) Handle(conn *socket.Conn) error {
	size := g.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	reply := g.Reply
	if reply == nil {
		reply = DefaultReply
	}

	buf := make([]byte, size)
	n, err := conn.Read(buf)
	// EOF is a completed read: a peer that half-closed still gets the reply.
	if err != nil && !errors.Is(err, io.EOF) {
		return socket.IOError("read", err)
	}

	if g.Log != nil {
		g.Log.WithField("peer", conn.Peer.String()).Debugf("client says: %s", buf[:n])
	}

	if err := writeFull(conn, reply); err != nil {
		return socket.IOError("write", err)
	}
	return nil
}

// writeFull retries short writes until p is written or the writer fails.
func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		p = p[n:]
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
	}
	return nil
}
