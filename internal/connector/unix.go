package connector

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/jordanhubbard/unicom/internal/wire"
	"github.com/jordanhubbard/unicom/pkg/protocol"
)

// UnixConnector is the transport endpoint for a node connected over a local
// stream socket. Reads are serialised by a single background pump goroutine
// (readLoop); writes are serialised by writeMu so a Response being sent back
// to the node never interleaves with an outbound Request (§4.3, §5).
type UnixConnector struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer

	writeMu sync.Mutex
	pending *wire.PendingTable

	name   string
	inbox  chan protocol.UnixMessage
	closed chan struct{}
	once   sync.Once
}

// NewUnixConnector wraps an already-accepted connection. Init must be called
// before any other method.
func NewUnixConnector(conn net.Conn) *UnixConnector {
	return &UnixConnector{
		conn:    conn,
		r:       bufio.NewReader(conn),
		w:       bufio.NewWriter(conn),
		pending: wire.NewPendingTable(),
		inbox:   make(chan protocol.UnixMessage, 16),
		closed:  make(chan struct{}),
	}
}

func (c *UnixConnector) Name() string { return c.name }

// Init reads the node's manifest frame and starts the single reader pump.
func (c *UnixConnector) Init(ctx context.Context) (protocol.NodeConfig, error) {
	cfg, err := wire.ReadInit(c.r)
	if err != nil {
		return protocol.NodeConfig{}, err
	}
	c.name = cfg.Name
	go c.readLoop()
	return cfg, nil
}

// readLoop is the connector's single reader task (§4.1, §5): Response/Error
// frames are absorbed into the pending table; Request/Quit are forwarded to
// Next's caller over inbox.
func (c *UnixConnector) readLoop() {
	defer close(c.closed)
	for {
		msg, err := wire.ReadMessage(c.r)
		if err != nil {
			c.inbox <- protocol.UnixMessage{Tag: protocol.TagQuit}
			return
		}

		switch msg.Tag {
		case protocol.TagResponse:
			// An Update for an id the table no longer knows about (timed
			// out and abandoned, or a duplicate) is a late reply — silently
			// dropped per §5, not treated as a fatal protocol error.
			_ = c.pending.Update(msg.RespID, msg.Bytes, nil)
		case protocol.TagError:
			_ = c.pending.Update(msg.ErrID, nil, &msg.Err)
		case protocol.TagRequest, protocol.TagQuit:
			c.inbox <- msg
			if msg.IsQuit() {
				return
			}
		}
	}
}

func (c *UnixConnector) Next(ctx context.Context) (protocol.UnixMessage, error) {
	select {
	case m := <-c.inbox:
		return m, nil
	case <-c.closed:
		return protocol.UnixMessage{Tag: protocol.TagQuit}, nil
	case <-ctx.Done():
		return protocol.UnixMessage{}, ctx.Err()
	}
}

func (c *UnixConnector) Request(ctx context.Context, req protocol.UnicomRequest, timeout time.Duration) (protocol.UnicomResponse, error) {
	id, notify := c.pending.Create()

	c.writeMu.Lock()
	err := wire.WriteMessage(c.w, protocol.UnixMessage{Tag: protocol.TagRequest, ID: id, Req: req})
	c.writeMu.Unlock()
	if err != nil {
		c.pending.Abandon(id)
		return protocol.UnicomResponse{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-notify:
		bytes, perr := c.pending.Get(id)
		if perr != nil {
			return protocol.UnicomResponse{}, perr
		}
		return protocol.UnicomResponse{Data: bytes}, nil
	case <-timer.C:
		c.pending.Abandon(id)
		return protocol.UnicomResponse{}, protocol.NewError(protocol.ErrTimeout, "rpc %s.%s timed out after %s", req.NodeName, req.Name, timeout)
	case <-ctx.Done():
		c.pending.Abandon(id)
		return protocol.UnicomResponse{}, ctx.Err()
	}
}

func (c *UnixConnector) Response(ctx context.Context, id uint64, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wire.WriteMessage(c.w, protocol.UnixMessage{Tag: protocol.TagResponse, RespID: id, Bytes: data})
}

func (c *UnixConnector) Error(ctx context.Context, id uint64, uerr *protocol.UnicomError) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wire.WriteMessage(c.w, protocol.UnixMessage{Tag: protocol.TagError, ErrID: id, Err: *uerr})
}

func (c *UnixConnector) Quit(ctx context.Context) error {
	var err error
	c.once.Do(func() {
		c.writeMu.Lock()
		err = wire.WriteMessage(c.w, protocol.UnixMessage{Tag: protocol.TagQuit})
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	return err
}
