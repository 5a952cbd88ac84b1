package connector

import (
	"net"
	"os"
)

// Listener wraps a Unix domain socket listener, removing any stale socket
// file left behind by a previous run before binding.
type Listener struct {
	ln   net.Listener
	path string
}

// Listen binds a Unix stream socket at path.
func Listen(path string) (*Listener, error) {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln, path: path}, nil
}

// Accept blocks for the next incoming connection and wraps it as a
// UnixConnector. Callers must still call Init on the result.
func (l *Listener) Accept() (*UnixConnector, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewUnixConnector(conn), nil
}

func (l *Listener) Close() error {
	err := l.ln.Close()
	_ = os.Remove(l.path)
	return err
}
