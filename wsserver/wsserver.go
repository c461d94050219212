// SPDX-License-Identifier: ice License 1.0

package wsserver

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	appcfg "github.com/ice-blockchain/wsupgrade/config"
	"github.com/ice-blockchain/wsupgrade/log"
	"github.com/ice-blockchain/wsupgrade/wsserver/internal"
)

// New loads the dispatcher configuration from cfgKey and builds it. See NewWithConfig.
func New(cfgKey string, opts ...Option) (*Dispatcher, error) {
	var cfg Config
	appcfg.MustLoadFromKey(cfgKey, &cfg)

	return NewWithConfig(&cfg, opts...)
}

// NewWithConfig builds a dispatcher. Without WithListener or WithoutListener it binds cfg.Host:cfg.Port
// on a listener of its own and starts serving it in the background.
// A zero cfg.HandshakeTimeout means DefaultHandshakeTimeout; cfg itself is left untouched.
func NewWithConfig(cfg *Config, opts ...Option) (*Dispatcher, error) {
	if err := cfg.PerMessageDeflate.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid perMessageDeflate config")
	}
	if cfg.HandshakeTimeout <= 0 {
		withDefaults := *cfg
		withDefaults.HandshakeTimeout = DefaultHandshakeTimeout
		cfg = &withDefaults
	}
	opt := new(options)
	for _, fn := range opts {
		fn(opt)
	}
	d := &Dispatcher{
		cfg:         cfg,
		upgrader:    internal.NewUpgrader(cfg, &opt.hooks),
		clients:     make(map[*Conn]struct{}),
		onListening: opt.onListening,
		onError:     opt.onError,
	}
	switch {
	case opt.noListener:
	case opt.listener != nil:
		if err := opt.listener.attach(d); err != nil {
			return nil, errors.Wrap(err, "failed to attach to listener")
		}
		d.listener = opt.listener
	default:
		l := NewListener(cfg.Development)
		if err := l.attach(d); err != nil {
			return nil, errors.Wrap(err, "failed to attach to own listener")
		}
		d.listener, d.ownsListener = l, true
		if err := l.Listen(net.JoinHostPort(cfg.Host, strconv.Itoa(int(cfg.Port)))); err != nil {
			return nil, err
		}
		go d.serve()
	}

	return d, nil
}

func (d *Dispatcher) serve() {
	if err := d.listener.Serve(d.cfg.CertPath, d.cfg.KeyPath); err != nil {
		log.Error(errors.Wrap(err, "dispatcher listener stopped"), "path", d.cfg.Path)
	}
}

// HandleUpgrade runs the opening handshake on a socket already detached from its HTTP server.
// It reports false, leaving the socket to the caller, when req targets another path or the dispatcher is closed.
// Otherwise done is called exactly once, with the tracked connection or the reason the handshake failed.
func (d *Dispatcher) HandleUpgrade(req *http.Request, socket net.Conn, head []byte, done UpgradeDoneFn) bool {
	if !d.ShouldHandle(req) {
		return false
	}
	d.mx.RLock()
	closed := d.closed
	d.mx.RUnlock()
	if closed {
		return false
	}
	d.upgrader.Upgrade(req, socket, head, func(conn *Conn, err error) {
		if err == nil && !d.cfg.DisableClientTracking && !d.track(conn) {
			err = multierror.Append(ErrDispatcherClose, conn.Terminate()).ErrorOrNil()
			conn = nil
		}
		if done != nil {
			done(conn, err)
		}
	})

	return true
}

// ShouldHandle reports whether req targets this dispatcher's path. A dispatcher without a path takes every request.
func (d *Dispatcher) ShouldHandle(req *http.Request) bool {
	return d.cfg.Path == "" || req.URL.Path == d.cfg.Path
}

func (d *Dispatcher) track(conn *Conn) bool {
	d.mx.Lock()
	if d.closed {
		d.mx.Unlock()

		return false
	}
	d.clients[conn] = struct{}{}
	d.mx.Unlock()
	conn.OnClose(d.untrack)

	return true
}

func (d *Dispatcher) untrack(conn *Conn) {
	d.mx.Lock()
	defer d.mx.Unlock()
	delete(d.clients, conn)
}

// Clients returns the connections currently open. It is always empty when client tracking is disabled.
func (d *Dispatcher) Clients() []*Conn {
	d.mx.RLock()
	defer d.mx.RUnlock()
	clients := make([]*Conn, 0, len(d.clients))
	for conn := range d.clients {
		clients = append(clients, conn)
	}

	return clients
}

func (d *Dispatcher) OnConnection(fn func(*Conn)) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.onConnection = append(d.onConnection, fn)
}

func (d *Dispatcher) OnListening(fn func(net.Addr)) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.onListening = append(d.onListening, fn)
}

func (d *Dispatcher) OnError(fn func(error)) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.onError = append(d.onError, fn)
}

func (d *Dispatcher) emitConnection(conn *Conn, err error) {
	if err != nil {
		return
	}
	d.mx.RLock()
	subscribers := d.onConnection
	d.mx.RUnlock()
	for _, fn := range subscribers {
		fn(conn)
	}
}

func (d *Dispatcher) emitListening(addr net.Addr) {
	d.mx.RLock()
	subscribers := d.onListening
	d.mx.RUnlock()
	for _, fn := range subscribers {
		fn(addr)
	}
}

func (d *Dispatcher) emitError(err error) {
	d.mx.RLock()
	subscribers := d.onError
	d.mx.RUnlock()
	for _, fn := range subscribers {
		fn(err)
	}
}

// Addr is the address of the listener the dispatcher is attached to, nil when it has none or it is not bound yet.
func (d *Dispatcher) Addr() net.Addr {
	if d.listener == nil {
		return nil
	}

	return d.listener.Addr()
}

// Close terminates every tracked connection and frees the dispatcher's path. A listener the dispatcher created is closed too.
func (d *Dispatcher) Close() error {
	d.mx.Lock()
	if d.closed {
		d.mx.Unlock()

		return nil
	}
	d.closed = true
	clients := make([]*Conn, 0, len(d.clients))
	for conn := range d.clients {
		clients = append(clients, conn)
	}
	d.mx.Unlock()

	var err *multierror.Error
	for _, conn := range clients {
		if tErr := conn.Terminate(); tErr != nil && !errors.Is(tErr, ErrClosed) {
			err = multierror.Append(err, errors.Wrapf(tErr, "failed to terminate %v", conn.ID()))
		}
	}
	if d.listener != nil {
		d.listener.detach(d)
		if d.ownsListener {
			if cErr := d.listener.Close(); cErr != nil {
				err = multierror.Append(err, cErr)
			}
		}
	}

	return errors.Wrap(err.ErrorOrNil(), "failed to close dispatcher")
}

// ConnFromContext returns the connection whose Context ctx derives from, or nil.
func ConnFromContext(ctx context.Context) *Conn {
	return internal.ConnFromContext(ctx)
}

func WithListener(l *Listener) Option {
	return func(opt *options) {
		opt.listener = l
	}
}

// WithoutListener leaves the dispatcher detached. Upgrades reach it through HandleUpgrade only.
func WithoutListener() Option {
	return func(opt *options) {
		opt.noListener = true
	}
}

func WithClientVerifier(fn func(*ClientInfo) bool) Option {
	return func(opt *options) {
		opt.hooks.VerifyClient = fn
	}
}

// WithAsyncClientVerifier takes precedence over WithClientVerifier.
func WithAsyncClientVerifier(fn func(*ClientInfo, VerifyDone)) Option {
	return func(opt *options) {
		opt.hooks.VerifyClientAsync = fn
	}
}

func WithProtocolSelector(fn func(protocols []string, done SelectDone)) Option {
	return func(opt *options) {
		opt.hooks.SelectProtocol = fn
	}
}

// WithHeaders lets fn rewrite the response header lines of a successful Hybi handshake before they are sent.
func WithHeaders(fn func(headers []string, req *http.Request) []string) Option {
	return func(opt *options) {
		opt.hooks.Headers = fn
	}
}

func WithOnListening(fn func(net.Addr)) Option {
	return func(opt *options) {
		opt.onListening = append(opt.onListening, fn)
	}
}

func WithOnError(fn func(error)) Option {
	return func(opt *options) {
		opt.onError = append(opt.onError, fn)
	}
}
