package supervisor

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/unicom/internal/logsink"
)

func writeAppDir(t *testing.T, root, name, after string) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	body := "name = \"" + name + "\"\nkind = \"python\"\n"
	if after != "" {
		body += "after = \"" + after + "\"\n"
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(body), 0o644))
}

func newTestSupervisor(t *testing.T) (*Supervisor, string) {
	t.Helper()
	root := t.TempDir()
	sink := logsink.New(log.New(&bytes.Buffer{}, "", 0))
	t.Cleanup(sink.Close)
	s, err := New(root, sink)
	require.NoError(t, err)
	return s, root
}

func TestScanDiscoversApps(t *testing.T) {
	root := t.TempDir()
	writeAppDir(t, root, "alpha", "")
	writeAppDir(t, root, "beta", "alpha")

	sink := logsink.New(log.New(&bytes.Buffer{}, "", 0))
	defer sink.Close()
	s, err := New(root, sink)
	require.NoError(t, err)

	statuses := s.Apps()
	require.Len(t, statuses, 2)
	for _, st := range statuses {
		require.Equal(t, "waiting", st.State)
	}
}

func TestNodeRegisteredStartsDependents(t *testing.T) {
	root := t.TempDir()
	writeAppDir(t, root, "alpha", "")
	writeAppDir(t, root, "beta", "alpha")

	sink := logsink.New(log.New(&bytes.Buffer{}, "", 0))
	defer sink.Close()
	s, err := New(root, sink)
	require.NoError(t, err)

	// beta depends on alpha; it should remain Waiting until alpha registers.
	statuses := map[string]string{}
	for _, st := range s.Apps() {
		statuses[st.Name] = st.State
	}
	require.Equal(t, "waiting", statuses["beta"])

	// alpha registering triggers a start of its dependent beta. Without a
	// python-runtime helper on this machine that start fails and is only
	// logged, so this checks that the trigger path runs without panicking;
	// beta's resulting state is not asserted.
	s.NodeRegistered("alpha")
}

func TestStopUnknownAppErrors(t *testing.T) {
	s, _ := newTestSupervisor(t)
	err := s.Stop("nope")
	require.Error(t, err)
}

func TestAppStateMachineStrings(t *testing.T) {
	require.Equal(t, "waiting", Waiting.String())
	require.Equal(t, "started", Started.String())
	require.Equal(t, "running", Running.String())
	require.Equal(t, "zombie", Zombie.String())
	require.Equal(t, "stopped", Stopped.String())
}

func TestStartIsNoOpWhenAlreadyRunning(t *testing.T) {
	app := newApp("demo", t.TempDir(), AppConfig{Name: "demo", Kind: "python"})
	app.setState(Running)
	sink := logsink.New(log.New(&bytes.Buffer{}, "", 0))
	defer sink.Close()

	require.NoError(t, app.start(sink))
	require.Equal(t, Running, app.State())
}

func TestCloseStopsWaitingAppsWithoutError(t *testing.T) {
	s, root := newTestSupervisor(t)
	writeAppDir(t, root, "gamma", "")
	require.NoError(t, s.scan())
	s.Close()

	for _, st := range s.Apps() {
		require.Equal(t, "stopped", st.State)
	}
}
