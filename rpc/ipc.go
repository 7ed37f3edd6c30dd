package rpc

import (
	"context"
	"net"
	"net/http"

	npipe "gopkg.in/natefinch/npipe.v2"

	"github.com/psq/stacks-blockchain/internal/xlog"
)

// ServeIPC serves the RPC server's HTTP handler over a local transport: a
// Unix domain socket, or on Windows a named pipe dialed through
// gopkg.in/natefinch/npipe.v2. It accepts connections until the listener
// is closed, logging (but not aborting on) transient accept errors the
// same way the node's other long-lived accept loops do.
func (s *Server) ServeIPC(l net.Listener) error {
	srv := &http.Server{Handler: s.handler}
	err := srv.Serve(l)
	if err != nil && err != http.ErrServerClosed {
		ipcLog.Error("ipc listener stopped", "err", err)
	}
	return err
}

// DialNamedPipe connects to a Windows named pipe endpoint exposing the RPC
// server, for use by local operator tooling on platforms without Unix
// domain sockets.
func DialNamedPipe(ctx context.Context, endpoint string) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := npipe.Dial(endpoint)
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ListenNamedPipe opens a named pipe listener on endpoint, for Windows
// deployments that run the RPC server without a TCP port at all.
func ListenNamedPipe(endpoint string) (net.Listener, error) {
	return npipe.Listen(endpoint)
}

var ipcLog = xlog.New("component", "rpc-ipc")
