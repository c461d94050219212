// SPDX-License-Identifier: ice License 1.0

package wsserver

import (
	"testing"
	stdlibtime "time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeTimeoutDefault(t *testing.T) {
	t.Parallel()
	cfg := &Config{Path: "/default"}
	d, err := NewWithConfig(cfg, WithoutListener())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, d.Close()) })

	assert.Equal(t, DefaultHandshakeTimeout, d.cfg.HandshakeTimeout)
	assert.Zero(t, cfg.HandshakeTimeout)
	assert.Equal(t, "/default", d.cfg.Path)

	custom := &Config{HandshakeTimeout: stdlibtime.Second}
	withTimeout, err := NewWithConfig(custom, WithoutListener())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, withTimeout.Close()) })
	assert.Same(t, custom, withTimeout.cfg)
}
