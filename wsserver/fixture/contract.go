// SPDX-License-Identifier: ice License 1.0

package fixture

import (
	"net/http/httptest"
	"sync/atomic"
	stdlibtime "time"

	"github.com/ice-blockchain/wsupgrade/wsserver"
)

// Public API.

type (
	// ProcessingFunc handles one message read by the echo server.
	ProcessingFunc func(conn *wsserver.Conn, messageType int, msg []byte) error
	// TestServer is a dispatcher mounted on an httptest server, reading every accepted connection with a ProcessingFunc.
	TestServer struct {
		Dispatcher     *wsserver.Dispatcher
		Listener       *wsserver.Listener
		server         *httptest.Server
		processingFunc ProcessingFunc
		ReaderExited   atomic.Uint64
		Accepted       atomic.Uint64
	}
)

const (
	DialTimeout = 5 * stdlibtime.Second
)
