// SPDX-License-Identifier: ice License 1.0

package internal

import (
	"bufio"
	"context"
	"math"
	"net"
	"net/http"
	"sync"
	stdlibtime "time"

	"github.com/pkg/errors"

	"github.com/ice-blockchain/wsupgrade/extension/permessagedeflate"
)

// Public API.

const (
	ProtocolVersionHixie76 = "hixie-76"

	HeaderUpgrade       = "Upgrade"
	HeaderConnection    = "Connection"
	HeaderKey           = "Sec-WebSocket-Key"
	HeaderKey1          = "Sec-WebSocket-Key1"
	HeaderKey2          = "Sec-WebSocket-Key2"
	HeaderVersion       = "Sec-WebSocket-Version"
	HeaderProtocol      = "Sec-WebSocket-Protocol"
	HeaderExtensions    = "Sec-WebSocket-Extensions"
	HeaderOrigin        = "Origin"
	HeaderLegacyOrigin  = "Sec-WebSocket-Origin"
	HeaderForwardedHost = "X-Forwarded-Host"
	HeaderForwarded     = "X-Forwarded-Proto"

	// DefaultHandshakeTimeout applies when Config.HandshakeTimeout is not set.
	DefaultHandshakeTimeout = 10 * stdlibtime.Second
)

type (
	Config struct {
		PerMessageDeflate     permessagedeflate.Config `yaml:"perMessageDeflate"`
		Host                  string                   `yaml:"host"`
		Path                  string                   `yaml:"path"`
		CertPath              string                   `yaml:"certPath"`
		KeyPath               string                   `yaml:"keyPath"`
		HandshakeTimeout      stdlibtime.Duration      `yaml:"handshakeTimeout"`
		MaxPayload            int64                    `yaml:"maxPayload"`
		Port                  uint16                   `yaml:"port"`
		DisableHixie          bool                     `yaml:"disableHixie"`
		DisableClientTracking bool                     `yaml:"disableClientTracking"`
		Development           bool                     `yaml:"development"`
	}
	// ClientInfo is what a client verifier gets to decide on.
	ClientInfo struct {
		Request *http.Request
		Origin  string
		Secure  bool
	}
	// VerifyDone resolves an asynchronous verification. A zero code means 401, an empty reason means its status text.
	VerifyDone func(accepted bool, code int, reason string)
	// SelectDone resolves protocol selection. It must be called before the selector returns.
	SelectDone func(accepted bool, protocol string)

	Hooks struct {
		VerifyClient      func(info *ClientInfo) bool
		VerifyClientAsync func(info *ClientInfo, done VerifyDone)
		SelectProtocol    func(protocols []string, done SelectDone)
		// Headers may inspect or rewrite the Hybi response lines before they are written.
		Headers func(headers []string, req *http.Request) []string
	}
	Upgrader struct {
		cfg   *Config
		hooks *Hooks
	}
	// Conn is an upgraded connection, either Hybi (RFC6455) or Hixie-76.
	Conn struct {
		socket     net.Conn
		reader     *bufio.Reader
		req        *http.Request
		deflate    *permessagedeflate.Negotiator
		closeCh    chan struct{}
		id         string
		version    string
		protocol   string
		extension  string
		onClose    []func(*Conn)
		writeMx    sync.Mutex
		closeMx    sync.Mutex
		maxPayload int64
		closed     bool
	}
)

var (
	ErrMalformedRequest          = errors.New("malformed upgrade request")
	ErrUnauthorized              = errors.New("client rejected")
	ErrUnsupportedExtensionOffer = errors.New("unsupported extension offer")
	ErrProtocolSelection         = errors.New("protocol selection never completed")
	ErrHixieDisabled             = errors.New("hixie-76 support disabled")
	ErrHandshakeTimeout          = errors.New("handshake timed out")
	ErrClosed                    = errors.New("connection closed")
	ErrUnsupportedMessage        = errors.New("unsupported message type")
)

// Private API.

const (
	acceptGUID     = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	hixieNonceSize = 8
	abortTimeout   = 1 * stdlibtime.Second

	statusLineSwitching = "HTTP/1.1 101 Switching Protocols"

	hixieFrameStart = 0x00
	hixieFrameEnd   = 0xFF
	// One more base-128 digit would overflow int64.
	maxHixieFrameLength = math.MaxInt64 >> 7

	deflateBlockSize     = 65535
	deflateBlockOverhead = 5
	deflateSlack         = 64
)

type (
	// attempt is one upgrade in progress. Exactly one of its terminal paths wins the settle race.
	attempt struct {
		req      *http.Request
		socket   net.Conn
		upgrader *Upgrader
		done     func(*Conn, error)
		timer    *stdlibtime.Timer
		head     []byte
		mx       sync.Mutex
		settled  bool
	}
	connOptions struct {
		deflate    *permessagedeflate.Negotiator
		version    string
		protocol   string
		extension  string
		maxPayload int64
	}
	// connContext carries the values of the upgrade request and is done once its connection closes.
	connContext struct {
		context.Context //nolint:containedctx // Custom implementation.
		conn            *Conn
	}
	connContextKey struct{}
)
