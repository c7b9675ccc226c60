// internal/channel/channel.go

// Package channel provides the local-only transport between the capture
// and intelligence processes: a Unix domain socket under the agent data
// directory, with a TCP loopback fallback advertised through an owner-only
// port file. The intelligence process listens; capture dials.
package channel

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	socketName   = "channel.sock"
	portFileName = "ipc_port"
	loopbackHost = "127.0.0.1"
)

// Listen opens the channel endpoint under dataDir. Unix socket when the
// platform allows it, otherwise TCP loopback with the chosen port written
// to the port file so the capture process can discover it.
func Listen(dataDir string) (net.Listener, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, err
	}

	sockPath := filepath.Join(dataDir, socketName)
	os.Remove(sockPath) // stale socket from an unclean shutdown

	ln, err := net.Listen("unix", sockPath)
	if err == nil {
		os.Chmod(sockPath, 0600)
		return ln, nil
	}

	// Loopback fallback
	ln, err = net.Listen("tcp", loopbackHost+":0")
	if err != nil {
		return nil, fmt.Errorf("channel listen: %w", err)
	}

	_, port, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		ln.Close()
		return nil, err
	}
	portFile := filepath.Join(dataDir, portFileName)
	if err := os.WriteFile(portFile, []byte(port), 0600); err != nil {
		ln.Close()
		return nil, err
	}
	return ln, nil
}

// Dial connects to the channel endpoint under dataDir.
func Dial(dataDir string) (net.Conn, error) {
	sockPath := filepath.Join(dataDir, socketName)
	if _, err := os.Stat(sockPath); err == nil {
		conn, err := net.Dial("unix", sockPath)
		if err == nil {
			return conn, nil
		}
	}

	data, err := os.ReadFile(filepath.Join(dataDir, portFileName))
	if err != nil {
		return nil, fmt.Errorf("channel endpoint not found in %s", dataDir)
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("bad port file: %w", err)
	}
	return net.Dial("tcp", fmt.Sprintf("%s:%d", loopbackHost, port))
}

// Cleanup removes the socket and port file.
func Cleanup(dataDir string) {
	os.Remove(filepath.Join(dataDir, socketName))
	os.Remove(filepath.Join(dataDir, portFileName))
}
