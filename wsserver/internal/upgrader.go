// SPDX-License-Identifier: ice License 1.0

package internal

import (
	"crypto/sha1" //nolint:gosec // Mandated by RFC6455.
	"crypto/tls"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	stdlibtime "time"

	"github.com/gobwas/httphead"
	"github.com/pkg/errors"

	"github.com/ice-blockchain/wsupgrade/extension"
	"github.com/ice-blockchain/wsupgrade/extension/permessagedeflate"
	"github.com/ice-blockchain/wsupgrade/log"
	"github.com/ice-blockchain/wsupgrade/terror"
)

func NewUpgrader(cfg *Config, hooks *Hooks) *Upgrader {
	if hooks == nil {
		hooks = new(Hooks)
	}

	return &Upgrader{cfg: cfg, hooks: hooks}
}

// Upgrade drives one handshake over an already hijacked socket. head holds the bytes read past the request headers.
// done is called exactly once, with the upgraded connection or with the reason the attempt failed.
// On failure the socket is already closed.
func (u *Upgrader) Upgrade(req *http.Request, socket net.Conn, head []byte, done func(*Conn, error)) {
	a := &attempt{req: req, socket: socket, head: head, upgrader: u, done: done}
	if u.cfg.HandshakeTimeout > 0 {
		a.timer = stdlibtime.AfterFunc(u.cfg.HandshakeTimeout, a.expire)
	}
	if !strings.EqualFold(req.Header.Get(HeaderUpgrade), "websocket") {
		a.abort(http.StatusBadRequest, "", errors.Wrapf(ErrMalformedRequest, "unexpected %v header %q", HeaderUpgrade, req.Header.Get(HeaderUpgrade)))

		return
	}
	if req.Header.Get(HeaderKey1) != "" {
		a.hixie()

		return
	}
	a.hybi()
}

// AcceptKey computes Sec-WebSocket-Accept for a Sec-WebSocket-Key.
func AcceptKey(key string) string {
	sum := sha1.Sum([]byte(key + acceptGUID)) //nolint:gosec // Mandated by RFC6455.

	return base64.StdEncoding.EncodeToString(sum[:])
}

func (a *attempt) hybi() {
	key := a.req.Header.Get(HeaderKey)
	if key == "" {
		a.abort(http.StatusBadRequest, "", errors.Wrapf(ErrMalformedRequest, "missing %v", HeaderKey))

		return
	}
	version, err := strconv.Atoi(strings.TrimSpace(a.req.Header.Get(HeaderVersion)))
	if err != nil || (version != 8 && version != 13) { //nolint:mnd // Supported Hybi versions.
		a.abort(http.StatusBadRequest, "", errors.Wrapf(ErrMalformedRequest, "unsupported %v %q", HeaderVersion, a.req.Header.Get(HeaderVersion)))

		return
	}
	origin := a.req.Header.Get(HeaderOrigin)
	if version < 13 { //nolint:mnd // .
		origin = a.req.Header.Get(HeaderLegacyOrigin)
	}
	a.verify(origin, func() {
		a.selectProtocol(func(protocol string) {
			a.completeHybi(key, strconv.Itoa(version), protocol)
		})
	})
}

func (a *attempt) verify(origin string, next func()) {
	hooks := a.upgrader.hooks
	info := &ClientInfo{Origin: origin, Secure: a.secure(), Request: a.req}
	switch {
	case hooks.VerifyClientAsync != nil:
		var once sync.Once
		hooks.VerifyClientAsync(info, func(accepted bool, code int, reason string) {
			once.Do(func() {
				if accepted {
					next()

					return
				}
				if code == 0 {
					code = http.StatusUnauthorized
				}
				a.abort(code, reason, ErrUnauthorized)
			})
		})
	case hooks.VerifyClient != nil:
		if !hooks.VerifyClient(info) {
			a.abort(http.StatusUnauthorized, "", ErrUnauthorized)

			return
		}
		next()
	default:
		next()
	}
}

func (a *attempt) selectProtocol(next func(protocol string)) {
	var candidates []string
	for _, value := range a.req.Header.Values(HeaderProtocol) {
		if ok := httphead.ScanTokens([]byte(value), func(token []byte) bool {
			candidates = append(candidates, string(token))

			return true
		}); !ok && strings.TrimSpace(value) != "" {
			a.abort(http.StatusBadRequest, "", errors.Wrapf(ErrMalformedRequest, "invalid %v %q", HeaderProtocol, value))

			return
		}
	}
	selector := a.upgrader.hooks.SelectProtocol
	if selector == nil {
		var protocol string
		if len(candidates) != 0 {
			protocol = candidates[0]
		}
		next(protocol)

		return
	}
	var called atomic.Bool
	selector(candidates, func(accepted bool, protocol string) {
		if !called.CompareAndSwap(false, true) {
			return
		}
		if !accepted {
			a.abort(http.StatusUnauthorized, "", ErrUnauthorized)

			return
		}
		next(protocol)
	})
	if called.CompareAndSwap(false, true) {
		a.abort(http.StatusNotImplemented, "Could not process protocols", ErrProtocolSelection)
	}
}

func (a *attempt) completeHybi(key, version, protocol string) {
	negotiator, err := a.acceptExtensions()
	if err != nil {
		log.Error(errors.Wrap(err, "permessage-deflate negotiation failed"), "remoteAddr", a.socket.RemoteAddr().String())
		a.abort(http.StatusBadRequest, "", errors.Wrap(ErrUnsupportedExtensionOffer, err.Error()))

		return
	}
	headers := []string{
		statusLineSwitching,
		"Upgrade: websocket",
		"Connection: Upgrade",
		"Sec-WebSocket-Accept: " + AcceptKey(key),
	}
	if protocol != "" {
		headers = append(headers, HeaderProtocol+": "+protocol)
	}
	var extensions string
	if negotiator != nil {
		params, _ := negotiator.Params()
		extensions = extension.Format(params.Response())
		headers = append(headers, HeaderExtensions+": "+extensions)
	}
	if hook := a.upgrader.hooks.Headers; hook != nil {
		headers = hook(headers, a.req)
	}
	if !a.settle() {
		if negotiator != nil {
			negotiator.Cleanup()
		}

		return
	}
	if err = a.write([]byte(strings.Join(headers, "\r\n") + "\r\n\r\n")); err != nil {
		a.done(nil, err)

		return
	}
	a.done(newConn(a.req, a.socket, a.head, &connOptions{
		version:    version,
		protocol:   protocol,
		extension:  extensions,
		deflate:    negotiator,
		maxPayload: a.upgrader.cfg.MaxPayload,
	}), nil)
}

// acceptExtensions negotiates permessage-deflate, the only extension known here. Other offered tokens are ignored.
func (a *attempt) acceptExtensions() (*permessagedeflate.Negotiator, error) {
	cfg := a.upgrader.cfg
	if cfg.PerMessageDeflate.Disabled {
		return nil, nil //nolint:nilnil // Not negotiated isn't an error.
	}
	offer, err := extension.Parse(a.req.Header.Values(HeaderExtensions)...)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid %v", HeaderExtensions)
	}
	candidates := offer.Candidates(permessagedeflate.ExtensionName)
	if len(candidates) == 0 {
		return nil, nil //nolint:nilnil // Not offered isn't an error.
	}
	negotiator := permessagedeflate.New(&cfg.PerMessageDeflate, true, cfg.MaxPayload)
	if _, err = negotiator.Accept(candidates); err != nil {
		return nil, err //nolint:wrapcheck // Wrapped by the caller.
	}

	return negotiator, nil
}

func (a *attempt) secure() bool {
	if a.req.TLS != nil {
		return true
	}
	_, isTLS := a.socket.(*tls.Conn)

	return isTLS
}

// settle claims the right to finish the attempt. Only the first caller gets true.
func (a *attempt) settle() bool {
	a.mx.Lock()
	defer a.mx.Unlock()
	if a.settled {
		return false
	}
	a.settled = true
	if a.timer != nil {
		a.timer.Stop()
	}

	return true
}

func (a *attempt) expire() {
	if !a.settle() {
		return
	}
	_ = a.socket.Close() //nolint:errcheck // Abandoned anyway.
	a.done(nil, errors.Wrapf(ErrHandshakeTimeout, "after %v", a.upgrader.cfg.HandshakeTimeout))
}

func (a *attempt) abort(code int, reason string, cause error) {
	if !a.settle() {
		return
	}
	if reason == "" {
		reason = http.StatusText(code)
	}
	abortConnection(a.socket, code, reason)
	a.done(nil, terror.WithCode(cause, code, reason))
}

// write sends the response with the socket prepared for a long lived connection. The socket is closed on failure.
func (a *attempt) write(response []byte) error {
	prepare(a.socket)
	if _, err := a.socket.Write(response); err != nil {
		_ = a.socket.Close() //nolint:errcheck // Already failing.

		return errors.Wrap(err, "failed to write upgrade response")
	}

	return nil
}

func prepare(socket net.Conn) {
	_ = socket.SetDeadline(stdlibtime.Time{}) //nolint:errcheck // Best effort.
	raw := socket
	if tlsConn, ok := socket.(*tls.Conn); ok {
		raw = tlsConn.NetConn()
	}
	if tcpConn, ok := raw.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true) //nolint:errcheck // Best effort.
	}
}

func abortConnection(socket net.Conn, code int, reason string) {
	_ = socket.SetWriteDeadline(stdlibtime.Now().Add(abortTimeout)) //nolint:errcheck // Best effort.
	_, _ = io.WriteString(socket, "HTTP/1.1 "+strconv.Itoa(code)+" "+reason+"\r\nContent-type: text/html\r\n\r\n") //nolint:errcheck // Aborting anyway.
	_ = socket.Close()                                                                                           //nolint:errcheck // Aborting anyway.
}
