// SPDX-License-Identifier: ice License 1.0

package internal

import (
	"crypto/md5" //nolint:gosec // Mandated by draft-hixie-thewebsocketprotocol-76.
	"encoding/binary"
	"io"
	"math"
	"net/http"
	"strings"
	stdlibtime "time"

	"github.com/pkg/errors"
)

func (a *attempt) hixie() {
	if a.upgrader.cfg.DisableHixie {
		a.abort(http.StatusBadRequest, "Hixie support disabled", ErrHixieDisabled)

		return
	}
	if a.req.Header.Get(HeaderKey2) == "" {
		a.abort(http.StatusBadRequest, "", errors.Wrapf(ErrMalformedRequest, "missing %v", HeaderKey2))

		return
	}
	key1, err := hixieKeyNumber(a.req.Header.Get(HeaderKey1))
	if err != nil {
		a.abort(http.StatusBadRequest, "", errors.Wrap(err, HeaderKey1))

		return
	}
	key2, err := hixieKeyNumber(a.req.Header.Get(HeaderKey2))
	if err != nil {
		a.abort(http.StatusBadRequest, "", errors.Wrap(err, HeaderKey2))

		return
	}
	a.verify(a.req.Header.Get(HeaderOrigin), func() {
		a.completeHixie(key1, key2)
	})
}

func (a *attempt) completeHixie(key1, key2 uint32) {
	protocol := a.req.Header.Get(HeaderProtocol)
	headers := []string{
		statusLineSwitching,
		"Upgrade: WebSocket",
		"Connection: Upgrade",
		"Sec-WebSocket-Location: " + a.location(),
	}
	if protocol != "" {
		headers = append(headers, HeaderProtocol+": "+protocol)
	}
	if origin := a.req.Header.Get(HeaderOrigin); origin != "" {
		headers = append(headers, HeaderLegacyOrigin+": "+origin)
	}
	response := []byte(strings.Join(headers, "\r\n") + "\r\n\r\n")
	if !a.settle() {
		return
	}
	opts := &connOptions{version: ProtocolVersionHixie76, protocol: protocol, maxPayload: a.upgrader.cfg.MaxPayload}
	if len(a.head) >= hixieNonceSize {
		response = append(response, hixieDigest(key1, key2, a.head[:hixieNonceSize])...)
		if err := a.write(response); err != nil {
			a.done(nil, err)

			return
		}
		a.done(newConn(a.req, a.socket, a.head[hixieNonceSize:], opts), nil)

		return
	}
	// Headers go out before the nonce is complete, some intermediaries hold the nonce back until they see a response.
	if err := a.write(response); err != nil {
		a.done(nil, err)

		return
	}
	go a.awaitNonce(key1, key2, opts)
}

func (a *attempt) awaitNonce(key1, key2 uint32, opts *connOptions) {
	nonce := make([]byte, hixieNonceSize)
	received := copy(nonce, a.head)
	if timeout := a.upgrader.cfg.HandshakeTimeout; timeout > 0 {
		_ = a.socket.SetReadDeadline(stdlibtime.Now().Add(timeout)) //nolint:errcheck // Best effort.
	}
	if _, err := io.ReadFull(a.socket, nonce[received:]); err != nil {
		_ = a.socket.Close() //nolint:errcheck // Already failing.
		a.done(nil, errors.Wrap(err, "failed to read hixie-76 nonce"))

		return
	}
	_ = a.socket.SetReadDeadline(stdlibtime.Time{}) //nolint:errcheck // Best effort.
	if err := a.write(hixieDigest(key1, key2, nonce)); err != nil {
		a.done(nil, err)

		return
	}
	a.done(newConn(a.req, a.socket, nil, opts), nil)
}

func (a *attempt) location() string {
	scheme := "ws"
	if a.req.Header.Get(HeaderForwarded) == "https" || a.secure() {
		scheme = "wss"
	}
	host := a.req.Header.Get(HeaderForwardedHost)
	if host == "" {
		host = a.req.Host
	}

	return scheme + "://" + host + a.req.URL.RequestURI()
}

// hixieKeyNumber divides the digits of a Sec-WebSocket-Key1/2 value by the count of its spaces.
func hixieKeyNumber(key string) (uint32, error) {
	var (
		number    uint64
		spaces    uint64
		hasDigits bool
	)
	for _, r := range key {
		switch {
		case r >= '0' && r <= '9':
			if number > (math.MaxUint64-9)/10 { //nolint:mnd // Decimal.
				return 0, errors.Wrap(ErrMalformedRequest, "key number overflows")
			}
			number = number*10 + uint64(r-'0') //nolint:mnd // Decimal.
			hasDigits = true
		case r == ' ':
			spaces++
		}
	}
	switch {
	case !hasDigits:
		return 0, errors.Wrap(ErrMalformedRequest, "key has no digits")
	case spaces == 0:
		return 0, errors.Wrap(ErrMalformedRequest, "key has no spaces")
	case number%spaces != 0:
		return 0, errors.Wrapf(ErrMalformedRequest, "key number %v is not a multiple of %v", number, spaces)
	case number/spaces > math.MaxUint32:
		return 0, errors.Wrap(ErrMalformedRequest, "key number overflows")
	}

	return uint32(number / spaces), nil
}

func hixieDigest(key1, key2 uint32, nonce []byte) []byte {
	challenge := make([]byte, 8+hixieNonceSize) //nolint:mnd // Two big endian uint32.
	binary.BigEndian.PutUint32(challenge, key1)
	binary.BigEndian.PutUint32(challenge[4:], key2)
	copy(challenge[8:], nonce)
	digest := md5.Sum(challenge) //nolint:gosec // Mandated by draft-hixie-thewebsocketprotocol-76.

	return digest[:]
}
