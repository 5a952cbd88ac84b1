package protocol

// FrameTag identifies the kind of frame on the wire (§6).
type FrameTag byte

const (
	TagInit     FrameTag = 0
	TagRequest  FrameTag = 1
	TagResponse FrameTag = 2
	TagError    FrameTag = 3
	TagQuit     FrameTag = 4
)

// UnixMessage is the decoded form of any non-Init frame read from a
// connector's stream. Exactly one of the fields is meaningful, selected by Tag.
type UnixMessage struct {
	Tag FrameTag

	// TagRequest
	ID  uint64
	Req UnicomRequest

	// TagResponse
	RespID uint64
	Bytes  []byte

	// TagError
	ErrID uint64
	Err   UnicomError
}

// IsRequest reports whether this message is an inbound Request the connector
// owner must answer with Response or Error.
func (m UnixMessage) IsRequest() bool { return m.Tag == TagRequest }

// IsQuit reports whether the peer signalled shutdown.
func (m UnixMessage) IsQuit() bool { return m.Tag == TagQuit }
