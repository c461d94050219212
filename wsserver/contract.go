// SPDX-License-Identifier: ice License 1.0

package wsserver

import (
	"net"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/ice-blockchain/wsupgrade/wsserver/internal"
)

// Public API.

const (
	DefaultHandshakeTimeout = internal.DefaultHandshakeTimeout
)

type (
	Conn          = internal.Conn
	Config        = internal.Config
	ClientInfo    = internal.ClientInfo
	VerifyDone    = internal.VerifyDone
	SelectDone    = internal.SelectDone
	UpgradeDoneFn = func(*Conn, error)
	Option        func(*options)

	// Dispatcher owns one websocket endpoint: its path on a listener, its handshakes and its live connections.
	Dispatcher struct {
		cfg          *Config
		upgrader     *internal.Upgrader
		listener     *Listener
		clients      map[*Conn]struct{}
		onConnection []func(*Conn)
		onListening  []func(net.Addr)
		onError      []func(error)
		mx           sync.RWMutex
		ownsListener bool
		closed       bool
	}
	// Listener is an HTTP/1.1 server handing upgrade requests to the dispatchers attached to it.
	// Everything else is answered with 426 Upgrade Required.
	Listener struct {
		server      *http.Server
		router      *gin.Engine
		netListener net.Listener
		paths       map[string]*Dispatcher
		attached    []*Dispatcher
		mx          sync.RWMutex
		closed      bool
	}
)

var (
	ErrPathCollision   = errors.New("two dispatchers cannot listen on the same listener path")
	ErrListenerClosed  = errors.New("listener closed")
	ErrDispatcherClose = errors.New("dispatcher closed")

	ErrMalformedRequest          = internal.ErrMalformedRequest
	ErrUnauthorized              = internal.ErrUnauthorized
	ErrUnsupportedExtensionOffer = internal.ErrUnsupportedExtensionOffer
	ErrProtocolSelection         = internal.ErrProtocolSelection
	ErrHixieDisabled             = internal.ErrHixieDisabled
	ErrHandshakeTimeout          = internal.ErrHandshakeTimeout
	ErrClosed                    = internal.ErrClosed
)

// Private API.

const (
	upgradeRequiredBody = "Upgrade Required"
)

type (
	options struct {
		listener    *Listener
		hooks       internal.Hooks
		onListening []func(net.Addr)
		onError     []func(error)
		noListener  bool
	}
)
