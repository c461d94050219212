// SPDX-License-Identifier: ice License 1.0

package fixture

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/ice-blockchain/wsupgrade/wsserver"
)

// NewTestServer starts a dispatcher for cfg behind an httptest server. Everything is closed with tb.
func NewTestServer(tb testing.TB, cfg *wsserver.Config, processingFunc ProcessingFunc, opts ...wsserver.Option) *TestServer {
	tb.Helper()
	srv := &TestServer{Listener: wsserver.NewListener(cfg.Development), processingFunc: processingFunc}
	dispatcher, err := wsserver.NewWithConfig(cfg, append(opts, wsserver.WithListener(srv.Listener))...)
	require.NoError(tb, err)
	srv.Dispatcher = dispatcher
	srv.Dispatcher.OnConnection(srv.read)
	srv.server = httptest.NewServer(srv.Listener)
	tb.Cleanup(func() {
		srv.server.Close()
		require.NoError(tb, srv.Dispatcher.Close())
	})

	return srv
}

// Echo replies to every message with the same type and payload.
func Echo(conn *wsserver.Conn, messageType int, msg []byte) error {
	return conn.WriteMessage(messageType, msg) //nolint:wrapcheck // It's a test fixture.
}

func (s *TestServer) read(conn *wsserver.Conn) {
	s.Accepted.Add(1)
	go func() {
		defer s.ReaderExited.Add(1)
		for conn.Context().Err() == nil {
			messageType, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if s.processingFunc != nil {
				if err = s.processingFunc(conn, messageType, msg); err != nil {
					break
				}
			}
		}
	}()
}

// URL is the ws:// url of path on the test server.
func (s *TestServer) URL(path string) string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + path
}

// HTTPURL is the http:// url of path on the test server.
func (s *TestServer) HTTPURL(path string) string {
	return s.server.URL + path
}

// Dial opens a gorilla client connection, offering permessage-deflate when compress is set.
func Dial(ctx context.Context, url string, compress bool, header http.Header) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout:  DialTimeout,
		EnableCompression: compress,
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close() //nolint:errcheck // Nothing to do with it.
	}

	return conn, resp, errors.Wrapf(err, "failed to establish websocket conn to %v", url)
}
