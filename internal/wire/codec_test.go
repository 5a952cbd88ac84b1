package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/unicom/pkg/protocol"
)

func TestInitRoundTrip(t *testing.T) {
	cfg := protocol.NodeConfig{
		Name: "n1",
		APIs: []protocol.Api{{
			ID:   0,
			Name: "hello",
			Methods: map[protocol.MethodKind]protocol.Method{
				protocol.MethodGet: {Kind: protocol.MethodGet},
			},
		}},
		Tags: map[string]string{"k": "v"},
	}

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, WriteInit(w, cfg))

	r := bufio.NewReader(&buf)
	got, err := ReadInit(r)
	require.NoError(t, err)
	require.Equal(t, cfg, got)
}

func TestMessageRoundTripRequest(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	msg := protocol.UnixMessage{
		Tag: protocol.TagRequest,
		ID:  42,
		Req: protocol.UnicomRequest{
			NodeName: "n1",
			Name:     "hello",
			Method:   protocol.MethodGet,
			Parameters: map[string]json.RawMessage{
				"id": json.RawMessage(`"42"`),
			},
		},
	}
	require.NoError(t, WriteMessage(w, msg))

	r := bufio.NewReader(&buf)
	got, err := ReadMessage(r)
	require.NoError(t, err)
	require.Equal(t, protocol.TagRequest, got.Tag)
	require.Equal(t, uint64(42), got.ID)
	require.Equal(t, msg.Req, got.Req)
}

func TestMessageRoundTripResponseAndError(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	resp := protocol.UnixMessage{Tag: protocol.TagResponse, RespID: 7, Bytes: []byte(`"world"`)}
	require.NoError(t, WriteMessage(w, resp))

	errMsg := protocol.UnixMessage{Tag: protocol.TagError, ErrID: 8, Err: protocol.UnicomError{Kind: protocol.ErrNotFound, Message: "nope"}}
	require.NoError(t, WriteMessage(w, errMsg))

	quit := protocol.UnixMessage{Tag: protocol.TagQuit}
	require.NoError(t, WriteMessage(w, quit))

	r := bufio.NewReader(&buf)

	got, err := ReadMessage(r)
	require.NoError(t, err)
	require.Equal(t, protocol.TagResponse, got.Tag)
	require.Equal(t, uint64(7), got.RespID)
	require.Equal(t, []byte(`"world"`), got.Bytes)

	got, err = ReadMessage(r)
	require.NoError(t, err)
	require.Equal(t, protocol.TagError, got.Tag)
	require.Equal(t, uint64(8), got.ErrID)
	require.Equal(t, protocol.ErrNotFound, got.Err.Kind)

	got, err = ReadMessage(r)
	require.NoError(t, err)
	require.True(t, got.IsQuit())
}

func TestPendingTableCreateGetPairing(t *testing.T) {
	pt := NewPendingTable()

	id1, notify1 := pt.Create()
	id2, notify2 := pt.Create()
	require.NotEqual(t, id1, id2)
	require.Equal(t, 2, pt.Len())

	require.NoError(t, pt.Update(id1, []byte("a"), nil))
	<-notify1
	b, err := pt.Get(id1)
	require.NoError(t, err)
	require.Equal(t, []byte("a"), b)
	require.Equal(t, 1, pt.Len())

	require.NoError(t, pt.Update(id2, nil, protocol.NewError(protocol.ErrTimeout, "slow")))
	<-notify2
	_, err = pt.Get(id2)
	require.Error(t, err)
	require.Equal(t, 0, pt.Len())
}

func TestPendingTableUnknownID(t *testing.T) {
	pt := NewPendingTable()
	err := pt.Update(999, nil, nil)
	require.Error(t, err)

	_, err = pt.Get(999)
	require.Error(t, err)
}

func TestPendingTableAbandon(t *testing.T) {
	pt := NewPendingTable()
	id, _ := pt.Create()
	pt.Abandon(id)
	require.Equal(t, 0, pt.Len())

	// A late Update for the abandoned id is reported, not panicked; the
	// connector's read loop treats this as a dropped-unknown-id case.
	err := pt.Update(id, []byte("late"), nil)
	require.Error(t, err)
}
