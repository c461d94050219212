// SPDX-License-Identifier: ice License 1.0

package internal

import (
	"context"
)

// ConnFromContext returns the connection whose Context ctx derives from, or nil.
func ConnFromContext(ctx context.Context) *Conn {
	if conn, ok := ctx.Value(connContextKey{}).(*Conn); ok {
		return conn
	}

	return nil
}

func (c connContext) Done() <-chan struct{} {
	return c.conn.closeCh
}

func (c connContext) Err() error {
	if c.conn.isClosed() {
		return context.Canceled
	}

	return nil
}

func (c connContext) Value(key any) any {
	if _, ok := key.(connContextKey); ok {
		return c.conn
	}

	return c.Context.Value(key)
}
