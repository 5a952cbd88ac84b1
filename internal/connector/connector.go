// Package connector implements the five-operation transport contract (§4.3)
// that every node — socket-backed or the in-process system node — satisfies.
package connector

import (
	"context"
	"time"

	"github.com/jordanhubbard/unicom/pkg/protocol"
)

// Connector is the transport endpoint for one node. All operations are
// suspend-capable; callers are expected to invoke Init exactly once before
// any other method.
type Connector interface {
	// Init performs the one-shot manifest handshake.
	Init(ctx context.Context) (protocol.NodeConfig, error)

	// Request issues an RPC and blocks until a reply arrives or timeout
	// elapses. On timeout the pending slot is removed and ErrTimeout is returned.
	Request(ctx context.Context, req protocol.UnicomRequest, timeout time.Duration) (protocol.UnicomResponse, error)

	// Response answers an inbound request (one this connector received via Next).
	Response(ctx context.Context, id uint64, data []byte) error

	// Error answers an inbound request with a typed failure.
	Error(ctx context.Context, id uint64, err *protocol.UnicomError) error

	// Next blocks for the next inbound Request or Quit. Response/Error
	// frames read off the wire are absorbed into the pending table and
	// never surface here.
	Next(ctx context.Context) (protocol.UnixMessage, error)

	// Quit sends a Quit frame (if applicable) and releases transport resources.
	Quit(ctx context.Context) error

	// Name is the node name this connector was initialised with (valid after Init).
	Name() string
}
