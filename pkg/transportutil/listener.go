package transportutil

import (
	"net"
	"os"
	"strings"
)

// NewListener listens on addr. An addr of the form unix://<name>:<port>
// or unix://<name> listens on the unix socket name, relative to the
// working directory, replacing any stale socket file.
func NewListener(addr string) (net.Listener, error) {
	path, ok := unixPath(addr)
	if !ok {
		return net.Listen("tcp", addr)
	}
	if err := os.RemoveAll(path); err != nil {
		return nil, err
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	return &unixListener{ln}, nil
}

func unixPath(addr string) (string, bool) {
	for _, scheme := range []string{"unix://", "unixs://"} {
		if rest, ok := strings.CutPrefix(addr, scheme); ok {
			if i := strings.LastIndexByte(rest, ':'); i >= 0 {
				rest = rest[:i]
			}
			return rest, true
		}
	}
	return "", false
}

type unixListener struct{ net.Listener }

func (ul *unixListener) Close() error {
	if err := os.RemoveAll(ul.Addr().String()); err != nil {
		return err
	}
	return ul.Listener.Close()
}
