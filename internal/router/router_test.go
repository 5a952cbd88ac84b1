package router

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/unicom/pkg/protocol"
)

func TestFindFirstMatchWins(t *testing.T) {
	rt := New()
	require.NoError(t, rt.Register("a", []protocol.Endpoint{
		{Regex: `^/item/([0-9]+)$`, Kind: protocol.EndpointRest, API: "item"},
	}))
	require.NoError(t, rt.Register("b", []protocol.Endpoint{
		{Regex: `^/item/.*$`, Kind: protocol.EndpointRest, API: "catchall"},
	}))

	m, err := rt.Find("/item/42")
	require.NoError(t, err)
	require.Equal(t, "a", m.NodeName)
	require.Equal(t, []string{"/item/42", "42"}, m.Captures)
}

func TestFindNoMatch(t *testing.T) {
	rt := New()
	_, err := rt.Find("/nope")
	require.Error(t, err)
	uerr, ok := err.(*protocol.UnicomError)
	require.True(t, ok)
	require.Equal(t, protocol.ErrNotFound, uerr.Kind)
}

func TestRegisterInvalidRegex(t *testing.T) {
	rt := New()
	err := rt.Register("a", []protocol.Endpoint{{Regex: `(unclosed`}})
	require.Error(t, err)
}

func TestRemoveNodeDropsItsRoutes(t *testing.T) {
	rt := New()
	require.NoError(t, rt.Register("a", []protocol.Endpoint{{Regex: `^/a$`}}))
	require.NoError(t, rt.Register("b", []protocol.Endpoint{{Regex: `^/b$`}}))

	rt.RemoveNode("a")

	_, err := rt.Find("/a")
	require.Error(t, err)

	m, err := rt.Find("/b")
	require.NoError(t, err)
	require.Equal(t, "b", m.NodeName)
}

func TestRegisterAnchorsUnanchoredRegex(t *testing.T) {
	rt := New()
	require.NoError(t, rt.Register("a", []protocol.Endpoint{{Regex: `/item`}}))

	_, err := rt.Find("/item/42/extra")
	require.Error(t, err)
	uerr, ok := err.(*protocol.UnicomError)
	require.True(t, ok)
	require.Equal(t, protocol.ErrNotFound, uerr.Kind)

	_, err = rt.Find("/not/item")
	require.Error(t, err)

	m, err := rt.Find("/item")
	require.NoError(t, err)
	require.Equal(t, "a", m.NodeName)
}

func TestMissingCaptureGroupIsEmptyString(t *testing.T) {
	rt := New()
	require.NoError(t, rt.Register("a", []protocol.Endpoint{{Regex: `^/x(?:/([0-9]+))?$`}}))

	m, err := rt.Find("/x")
	require.NoError(t, err)
	require.Equal(t, []string{"/x", ""}, m.Captures)
}
