// SPDX-License-Identifier: ice License 1.0

package permessagedeflate

import (
	"bytes"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"
)

// Public API.

const (
	ExtensionName = "permessage-deflate"

	ServerNoContextTakeover = "server_no_context_takeover"
	ClientNoContextTakeover = "client_no_context_takeover"
	ServerMaxWindowBits     = "server_max_window_bits"
	ClientMaxWindowBits     = "client_max_window_bits"

	// WindowBitsDisabled forbids the corresponding *_max_window_bits parameter altogether.
	WindowBitsDisabled = -1
	MinWindowBits      = 8
	MaxWindowBits      = 15

	// DefaultLevel is the flate compression level used when Config.Level is 0.
	DefaultLevel = flate.DefaultCompression

	// CloseMessageTooBig is the close code reported when a decompressed message exceeds the max payload.
	CloseMessageTooBig = 1009
)

type (
	// Config is the local policy for a single endpoint.
	//
	// The *NoContextTakeover flags are tri-state: nil doesn't care, false forbids, true demands.
	// The *MaxWindowBits values are 0 (doesn't care), WindowBitsDisabled or a fixed 8..15.
	// Level is the flate compression level, flate.HuffmanOnly through flate.BestCompression; 0 picks DefaultLevel.
	Config struct {
		ServerNoContextTakeover *bool `yaml:"serverNoContextTakeover"`
		ClientNoContextTakeover *bool `yaml:"clientNoContextTakeover"`
		ServerMaxWindowBits     int   `yaml:"serverMaxWindowBits"`
		ClientMaxWindowBits     int   `yaml:"clientMaxWindowBits"`
		Level                   int   `yaml:"level"`
		Disabled                bool  `yaml:"disabled"`
	}
	// Params are the negotiated parameters of one connection. Window bits are 0 when absent.
	Params struct {
		ServerMaxWindowBits     int
		ClientMaxWindowBits     int
		ServerNoContextTakeover bool
		ClientNoContextTakeover bool
	}
	// Negotiator owns the permessage-deflate state of one endpoint of one connection:
	// the negotiated parameters and at most one live codec job per direction.
	Negotiator struct {
		cfg        *Config
		params     *Params
		deflate    *job
		inflate    *job
		maxPayload int64
		mx         sync.Mutex
		isServer   bool
	}
)

var (
	ErrNegotiation     = errors.New("permessage-deflate negotiation failed")
	ErrPayloadTooLarge = errors.New("max payload size exceeded")
	ErrWriteInFlight   = errors.New("permessage-deflate write already in flight")
	ErrInvalidConfig   = errors.New("invalid permessage-deflate config")
)

// Private API.

const (
	stateIdle jobState = iota
	stateBusy
	stateClosingRequested
	stateClosed
)

const (
	inflateChunk = 4 * 1024
)

var (
	//nolint:gochecknoglobals // Immutable wire constant.
	syncTrailer = []byte{0x00, 0x00, 0xff, 0xff}
)

// errInflateEnded is returned for data arriving after the peer finished the deflate stream with a final block.
var errInflateEnded = errors.New("deflate stream already ended")

type (
	jobState uint8
	codec    interface {
		write(data []byte, fin bool) ([]byte, error)
		close()
	}
	// job serializes access to one direction's codec.
	job struct {
		codec             codec
		state             jobState
		noContextTakeover bool
	}
	// candidate is one normalized offer (or response) entry.
	candidate struct {
		serverMaxWindowBits          int
		clientMaxWindowBits          int
		serverMaxWindowBitsRequested bool
		clientMaxWindowBitsRequested bool
		serverNoContextTakeover      bool
		clientNoContextTakeover      bool
	}
	compressor struct {
		writer *flate.Writer
		buf    bytes.Buffer
	}
	// decompressor runs one flate reader for its whole life in a goroutine, fed a frame at a time.
	// Only that goroutine touches out, buf, total and active.
	decompressor struct {
		feed       chan []byte
		results    chan inflateResult
		exited     chan struct{}
		out        bytes.Buffer
		buf        []byte
		maxPayload int64
		total      int64
		started    bool
		closed     bool
		active     bool
	}
	inflateResult struct {
		err error
		out []byte
	}
	// inflateInput is the flate.Reader side of a decompressor, so flate reads frames without buffering ahead.
	inflateInput struct {
		d *decompressor
	}
)
