// SPDX-License-Identifier: ice License 1.0

package extension

import (
	"github.com/pkg/errors"
)

// Public API.

type (
	// Params maps a parameter name to every value it was given, in order.
	// A bare parameter (`name` without `=value`) is recorded as an empty value.
	Params map[string][]string
	// Token is one comma-separated entry of a Sec-WebSocket-Extensions header.
	Token struct {
		Params Params
		Name   string
	}
	// Offer is the parsed Sec-WebSocket-Extensions header, in header order.
	Offer []Token

	Param struct {
		Name  string
		Value string
	}
	// Response is a single negotiated extension as it is written back to the peer.
	Response struct {
		Name   string
		Params []Param
	}
)

var ErrMalformed = errors.New("malformed Sec-WebSocket-Extensions header")
