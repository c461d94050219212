// SPDX-License-Identifier: ice License 1.0

package wsserver

import (
	"bytes"
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"slices"
	stdlibtime "time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/net/http/httpguts"

	"github.com/ice-blockchain/wsupgrade/log"
	"github.com/ice-blockchain/wsupgrade/wsserver/internal"
)

const (
	readHeaderTimeout = 10 * stdlibtime.Second
)

// NewListener creates a listener that several dispatchers can share, each on its own path.
func NewListener(development bool) *Listener {
	l := &Listener{paths: make(map[string]*Dispatcher)}
	l.setupRouter(development)
	l.server = &http.Server{
		Handler:           l.router,
		ReadHeaderTimeout: readHeaderTimeout,
		// Upgrades need HTTP/1.1, so h2 is never negotiated over TLS.
		TLSNextProto: make(map[string]func(*http.Server, *tls.Conn, http.Handler)),
	}

	return l
}

func (l *Listener) setupRouter(development bool) {
	if !development {
		gin.SetMode(gin.ReleaseMode)
		l.router = gin.New()
		l.router.Use(gin.Recovery())
	} else {
		l.router = gin.Default()
	}
	log.Debug("gin router ready", "mode", gin.Mode())
	l.router.RemoteIPHeaders = []string{"cf-connecting-ip", "X-Real-IP", "X-Forwarded-For"}
	l.router.UseRawPath = true
	l.router.NoRoute(l.handle)
}

func (l *Listener) ServeHTTP(writer http.ResponseWriter, req *http.Request) {
	l.router.ServeHTTP(writer, req)
}

// Listen binds addr and notifies the attached dispatchers. Serve starts accepting.
func (l *Listener) Listen(addr string) error {
	netListener, err := net.Listen("tcp", addr) //nolint:noctx // Bound for the lifetime of the listener.
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %v", addr)
	}
	l.mx.Lock()
	if l.closed {
		l.mx.Unlock()

		return multierror.Append(ErrListenerClosed, netListener.Close()).ErrorOrNil() //nolint:wrapcheck // .
	}
	l.netListener = netListener
	attached := slices.Clone(l.attached)
	l.mx.Unlock()
	for _, d := range attached {
		d.emitListening(netListener.Addr())
	}

	return nil
}

// Serve accepts connections on the bound address until the listener is closed. TLS is used when both paths are set.
func (l *Listener) Serve(certPath, keyPath string) error {
	l.mx.RLock()
	netListener := l.netListener
	l.mx.RUnlock()
	if netListener == nil {
		return errors.New("listener is not bound, call Listen first")
	}
	log.Info("server started listening", "addr", netListener.Addr().String())
	defer log.Info("server stopped listening", "addr", netListener.Addr().String())

	var err error
	if certPath != "" && keyPath != "" {
		err = l.server.ServeTLS(netListener, certPath, keyPath)
	} else {
		err = l.server.Serve(netListener)
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	l.mx.RLock()
	attached := slices.Clone(l.attached)
	l.mx.RUnlock()
	for _, d := range attached {
		d.emitError(err)
	}

	return errors.Wrap(err, "serve failed")
}

// ListenAndServe binds addr and serves until ctx is done.
func (l *Listener) ListenAndServe(ctx context.Context, addr, certPath, keyPath string) error {
	if err := l.Listen(addr); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), readHeaderTimeout)
		defer cancel()
		log.Error(l.Shutdown(shutdownCtx), "addr", addr)
	}()

	return l.Serve(certPath, keyPath)
}

func (l *Listener) Addr() net.Addr {
	l.mx.RLock()
	defer l.mx.RUnlock()
	if l.netListener == nil {
		return nil
	}

	return l.netListener.Addr()
}

// Shutdown stops accepting and waits for in-flight plain HTTP requests. Upgraded connections belong to their dispatchers.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.markClosed()

	return errors.Wrap(l.server.Shutdown(ctx), "server shutdown failed")
}

func (l *Listener) Close() error {
	netListener := l.markClosed()
	err := multierror.Append(nil, l.server.Close())
	if netListener != nil {
		if cErr := netListener.Close(); cErr != nil && !errors.Is(cErr, net.ErrClosed) {
			err = multierror.Append(err, cErr)
		}
	}

	return errors.Wrap(err.ErrorOrNil(), "failed to close listener")
}

func (l *Listener) markClosed() net.Listener {
	l.mx.Lock()
	defer l.mx.Unlock()
	l.closed = true

	return l.netListener
}

func (l *Listener) attach(d *Dispatcher) error {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.closed {
		return ErrListenerClosed
	}
	if path := d.cfg.Path; path != "" {
		if _, taken := l.paths[path]; taken {
			return errors.Wrapf(ErrPathCollision, "path %q", path)
		}
		l.paths[path] = d
	}
	l.attached = append(l.attached, d)

	return nil
}

func (l *Listener) detach(d *Dispatcher) {
	l.mx.Lock()
	defer l.mx.Unlock()
	if owner, found := l.paths[d.cfg.Path]; found && owner == d {
		delete(l.paths, d.cfg.Path)
	}
	l.attached = slices.DeleteFunc(l.attached, func(attached *Dispatcher) bool {
		return attached == d
	})
}

// route picks the dispatcher owning path, falling back to the first one that has no path.
func (l *Listener) route(path string) *Dispatcher {
	l.mx.RLock()
	defer l.mx.RUnlock()
	if d, found := l.paths[path]; found {
		return d
	}
	for _, d := range l.attached {
		if d.cfg.Path == "" {
			return d
		}
	}

	return nil
}

func (l *Listener) handle(ctx *gin.Context) {
	if !isUpgrade(ctx.Request) {
		ctx.String(http.StatusUpgradeRequired, upgradeRequiredBody)

		return
	}
	d := l.route(ctx.Request.URL.Path)
	if d == nil {
		ctx.String(http.StatusNotFound, http.StatusText(http.StatusNotFound))

		return
	}
	socket, head, err := hijack(ctx.Writer)
	if err != nil {
		log.Error(errors.Wrap(err, "failed to hijack upgrade request"), "path", ctx.Request.URL.Path)
		ctx.Status(http.StatusInternalServerError)

		return
	}
	if !d.HandleUpgrade(ctx.Request, socket, head, d.emitConnection) {
		log.Error(errors.Wrap(socket.Close(), "failed to close unclaimed upgrade"))
	}
}

func isUpgrade(req *http.Request) bool {
	return req.Header.Get(internal.HeaderUpgrade) != "" &&
		httpguts.HeaderValuesContainsToken(req.Header[internal.HeaderConnection], "upgrade")
}

func hijack(writer http.ResponseWriter) (net.Conn, []byte, error) {
	hijacker, ok := writer.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("http.ResponseWriter does not support hijack")
	}
	socket, rw, err := hijacker.Hijack()
	if err != nil {
		return nil, nil, errors.Wrap(err, "hijack failed")
	}
	var head []byte
	if buffered := rw.Reader.Buffered(); buffered > 0 {
		peeked, pErr := rw.Reader.Peek(buffered)
		if pErr != nil {
			return nil, nil, multierror.Append(errors.Wrap(pErr, "failed to read upgrade head"), socket.Close()).ErrorOrNil() //nolint:wrapcheck // .
		}
		head = bytes.Clone(peeked)
	}

	return socket, head, nil
}
