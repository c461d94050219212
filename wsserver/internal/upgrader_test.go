// SPDX-License-Identifier: ice License 1.0

package internal

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	stdlibtime "time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ice-blockchain/wsupgrade/extension"
	"github.com/ice-blockchain/wsupgrade/extension/permessagedeflate"
	"github.com/ice-blockchain/wsupgrade/terror"
)

const (
	testKey     = "dGhlIHNhbXBsZSBub25jZQ=="
	testTimeout = 5 * stdlibtime.Second
)

type (
	outcome struct {
		conn *Conn
		err  error
	}
	client struct {
		net.Conn
		reader *bufio.Reader
	}
)

func (c *client) Read(p []byte) (int, error) {
	return c.reader.Read(p) //nolint:wrapcheck // Test proxy.
}

func hybiRequest(headers ...string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/chat?room=1", http.NoBody)
	req.Header.Set(HeaderUpgrade, "websocket")
	req.Header.Set(HeaderConnection, "Upgrade")
	req.Header.Set(HeaderKey, testKey)
	req.Header.Set(HeaderVersion, "13")
	for i := 0; i+1 < len(headers); i += 2 {
		if headers[i+1] == "" {
			req.Header.Del(headers[i])
		} else {
			req.Header.Set(headers[i], headers[i+1])
		}
	}

	return req
}

func defaultConfig() *Config {
	return &Config{HandshakeTimeout: testTimeout, MaxPayload: 1 << 20}
}

func startUpgrade(t *testing.T, u *Upgrader, req *http.Request, head []byte) (*client, <-chan outcome) {
	t.Helper()
	server, clientSide := net.Pipe()
	t.Cleanup(func() {
		_ = clientSide.Close()
		_ = server.Close()
	})
	result := make(chan outcome, 1)
	go u.Upgrade(req, server, head, func(conn *Conn, err error) {
		result <- outcome{conn: conn, err: err}
	})

	return &client{Conn: clientSide, reader: bufio.NewReader(clientSide)}, result
}

func readResponse(t *testing.T, c *client, req *http.Request) *http.Response {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(stdlibtime.Now().Add(testTimeout)))
	resp, err := http.ReadResponse(c.reader, req)
	require.NoError(t, err)

	return resp
}

func await(t *testing.T, result <-chan outcome) outcome {
	t.Helper()
	select {
	case out := <-result:
		return out
	case <-stdlibtime.After(testTimeout):
		require.FailNow(t, "upgrade never completed")

		return outcome{}
	}
}

func assertAborted(t *testing.T, c *client, req *http.Request, result <-chan outcome, code int, reason string) outcome {
	t.Helper()
	resp := readResponse(t, c, req)
	assert.Equal(t, code, resp.StatusCode)
	assert.Equal(t, reason, resp.Status[len("000 "):])
	assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))
	_, err := io.ReadAll(c.reader)
	require.NoError(t, err)
	out := await(t, result)
	require.Error(t, out.err)
	assert.Nil(t, out.conn)
	assert.Equal(t, code, terror.Code(out.err))
	assert.Equal(t, reason, terror.Reason(out.err))

	return out
}

func TestAcceptKey(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", AcceptKey(testKey))
}

func TestUpgradeRejectsOtherUpgrades(t *testing.T) {
	t.Parallel()
	req := hybiRequest(HeaderUpgrade, "chat")
	c, result := startUpgrade(t, NewUpgrader(defaultConfig(), nil), req, nil)
	out := assertAborted(t, c, req, result, http.StatusBadRequest, "Bad Request")
	require.ErrorIs(t, out.err, ErrMalformedRequest)
}

func TestHybiMalformedRequests(t *testing.T) {
	t.Parallel()
	for name, headers := range map[string][]string{
		"missing key":         {HeaderKey, ""},
		"unsupported version": {HeaderVersion, "7"},
		"invalid version":     {HeaderVersion, "thirteen"},
		"missing version":     {HeaderVersion, ""},
		"bad protocol list":   {HeaderProtocol, "chat;v=1"},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			req := hybiRequest(headers...)
			c, result := startUpgrade(t, NewUpgrader(defaultConfig(), nil), req, nil)
			out := assertAborted(t, c, req, result, http.StatusBadRequest, "Bad Request")
			require.ErrorIs(t, out.err, ErrMalformedRequest)
		})
	}
}

func TestHybiUpgrade(t *testing.T) {
	t.Parallel()
	req := hybiRequest(HeaderProtocol, "chat, superchat")
	c, result := startUpgrade(t, NewUpgrader(defaultConfig(), nil), req, nil)
	resp := readResponse(t, c, req)
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	assert.Equal(t, "websocket", resp.Header.Get(HeaderUpgrade))
	assert.Equal(t, "Upgrade", resp.Header.Get(HeaderConnection))
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", resp.Header.Get("Sec-WebSocket-Accept"))
	assert.Equal(t, "chat", resp.Header.Get(HeaderProtocol))
	assert.Empty(t, resp.Header.Get(HeaderExtensions))

	out := await(t, result)
	require.NoError(t, out.err)
	conn := out.conn
	assert.NotEmpty(t, conn.ID())
	assert.Equal(t, "13", conn.ProtocolVersion())
	assert.Equal(t, "chat", conn.Protocol())
	assert.Same(t, req, conn.Request())

	go func() {
		assert.NoError(t, wsutil.WriteClientMessage(c, ws.OpText, []byte("hello")))
	}()
	typ, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, int(ws.OpText), typ)
	assert.Equal(t, "hello", string(msg))

	go func() {
		assert.NoError(t, conn.WriteMessage(int(ws.OpBinary), []byte("world")))
	}()
	data, op, err := wsutil.ReadServerData(c)
	require.NoError(t, err)
	assert.Equal(t, ws.OpBinary, op)
	assert.Equal(t, "world", string(data))
	require.NoError(t, conn.Terminate())
}

func TestHybiVersion8ReadsLegacyOrigin(t *testing.T) {
	t.Parallel()
	origins := make(chan string, 1)
	u := NewUpgrader(defaultConfig(), &Hooks{VerifyClient: func(info *ClientInfo) bool {
		origins <- info.Origin
		assert.False(t, info.Secure)

		return true
	}})
	req := hybiRequest(HeaderVersion, "8", HeaderLegacyOrigin, "http://legacy.example", HeaderOrigin, "http://modern.example")
	c, result := startUpgrade(t, u, req, nil)
	assert.Equal(t, http.StatusSwitchingProtocols, readResponse(t, c, req).StatusCode)
	out := await(t, result)
	require.NoError(t, out.err)
	assert.Equal(t, "8", out.conn.ProtocolVersion())
	assert.Equal(t, "http://legacy.example", <-origins)
}

func TestVerifyClient(t *testing.T) {
	t.Parallel()
	t.Run("sync rejection", func(t *testing.T) {
		t.Parallel()
		u := NewUpgrader(defaultConfig(), &Hooks{VerifyClient: func(info *ClientInfo) bool {
			return info.Origin == "http://allowed.example"
		}})
		req := hybiRequest(HeaderOrigin, "http://evil.example")
		c, result := startUpgrade(t, u, req, nil)
		out := assertAborted(t, c, req, result, http.StatusUnauthorized, "Unauthorized")
		require.ErrorIs(t, out.err, ErrUnauthorized)
	})
	t.Run("async rejection with defaults", func(t *testing.T) {
		t.Parallel()
		u := NewUpgrader(defaultConfig(), &Hooks{VerifyClientAsync: func(_ *ClientInfo, done VerifyDone) {
			done(false, 0, "")
		}})
		req := hybiRequest()
		c, result := startUpgrade(t, u, req, nil)
		assertAborted(t, c, req, result, http.StatusUnauthorized, "Unauthorized")
	})
	t.Run("async rejection with custom code", func(t *testing.T) {
		t.Parallel()
		u := NewUpgrader(defaultConfig(), &Hooks{VerifyClientAsync: func(_ *ClientInfo, done VerifyDone) {
			done(false, http.StatusForbidden, "")
		}})
		req := hybiRequest()
		c, result := startUpgrade(t, u, req, nil)
		assertAborted(t, c, req, result, http.StatusForbidden, "Forbidden")
	})
	t.Run("async rejection with custom reason", func(t *testing.T) {
		t.Parallel()
		u := NewUpgrader(defaultConfig(), &Hooks{VerifyClientAsync: func(_ *ClientInfo, done VerifyDone) {
			done(false, http.StatusTooManyRequests, "Slow Down")
		}})
		req := hybiRequest()
		c, result := startUpgrade(t, u, req, nil)
		assertAborted(t, c, req, result, http.StatusTooManyRequests, "Slow Down")
	})
	t.Run("async acceptance later", func(t *testing.T) {
		t.Parallel()
		u := NewUpgrader(defaultConfig(), &Hooks{VerifyClientAsync: func(_ *ClientInfo, done VerifyDone) {
			go func() {
				stdlibtime.Sleep(10 * stdlibtime.Millisecond)
				done(true, 0, "")
				done(false, 0, "")
			}()
		}})
		req := hybiRequest()
		c, result := startUpgrade(t, u, req, nil)
		assert.Equal(t, http.StatusSwitchingProtocols, readResponse(t, c, req).StatusCode)
		out := await(t, result)
		require.NoError(t, out.err)
		require.NotNil(t, out.conn)
	})
}

func TestSelectProtocol(t *testing.T) {
	t.Parallel()
	t.Run("picks", func(t *testing.T) {
		t.Parallel()
		u := NewUpgrader(defaultConfig(), &Hooks{SelectProtocol: func(protocols []string, done SelectDone) {
			assert.Equal(t, []string{"chat", "superchat"}, protocols)
			done(true, protocols[1])
		}})
		req := hybiRequest(HeaderProtocol, "chat,   superchat")
		c, result := startUpgrade(t, u, req, nil)
		assert.Equal(t, "superchat", readResponse(t, c, req).Header.Get(HeaderProtocol))
		out := await(t, result)
		require.NoError(t, out.err)
		assert.Equal(t, "superchat", out.conn.Protocol())
	})
	t.Run("rejects", func(t *testing.T) {
		t.Parallel()
		u := NewUpgrader(defaultConfig(), &Hooks{SelectProtocol: func(_ []string, done SelectDone) {
			done(false, "")
		}})
		req := hybiRequest(HeaderProtocol, "chat")
		c, result := startUpgrade(t, u, req, nil)
		assertAborted(t, c, req, result, http.StatusUnauthorized, "Unauthorized")
	})
	t.Run("never answers", func(t *testing.T) {
		t.Parallel()
		late := make(chan SelectDone, 1)
		u := NewUpgrader(defaultConfig(), &Hooks{SelectProtocol: func(_ []string, done SelectDone) {
			late <- done
		}})
		req := hybiRequest(HeaderProtocol, "chat")
		c, result := startUpgrade(t, u, req, nil)
		out := assertAborted(t, c, req, result, http.StatusNotImplemented, "Could not process protocols")
		require.ErrorIs(t, out.err, ErrProtocolSelection)
		(<-late)(true, "chat")
		select {
		case <-result:
			assert.Fail(t, "late selection must be ignored")
		default:
		}
	})
	t.Run("no header", func(t *testing.T) {
		t.Parallel()
		u := NewUpgrader(defaultConfig(), &Hooks{SelectProtocol: func(protocols []string, done SelectDone) {
			assert.Empty(t, protocols)
			done(true, "")
		}})
		req := hybiRequest()
		c, result := startUpgrade(t, u, req, nil)
		assert.Empty(t, readResponse(t, c, req).Header.Get(HeaderProtocol))
		require.NoError(t, await(t, result).err)
	})
}

func TestHeadersHook(t *testing.T) {
	t.Parallel()
	u := NewUpgrader(defaultConfig(), &Hooks{Headers: func(headers []string, req *http.Request) []string {
		assert.Equal(t, "/chat", req.URL.Path)
		assert.Equal(t, statusLineSwitching, headers[0])

		return append(headers, "X-Server: wsupgrade")
	}})
	req := hybiRequest()
	c, result := startUpgrade(t, u, req, nil)
	assert.Equal(t, "wsupgrade", readResponse(t, c, req).Header.Get("X-Server"))
	require.NoError(t, await(t, result).err)
}

func TestHandshakeTimeout(t *testing.T) {
	t.Parallel()
	cfg := defaultConfig()
	cfg.HandshakeTimeout = 20 * stdlibtime.Millisecond
	late := make(chan VerifyDone, 1)
	u := NewUpgrader(cfg, &Hooks{VerifyClientAsync: func(_ *ClientInfo, done VerifyDone) {
		late <- done
	}})
	c, result := startUpgrade(t, u, hybiRequest(), nil)
	out := await(t, result)
	require.ErrorIs(t, out.err, ErrHandshakeTimeout)
	_, err := c.reader.ReadByte()
	require.ErrorIs(t, err, io.EOF)
	(<-late)(true, 0, "")
	select {
	case <-result:
		assert.Fail(t, "late verification must be ignored")
	default:
	}
}

func TestPerMessageDeflate(t *testing.T) {
	t.Parallel()
	offer := extension.Format(permessagedeflate.New(nil, false, 0).Offer()) + ", x-webkit-deflate-frame"
	req := hybiRequest(HeaderExtensions, offer)
	c, result := startUpgrade(t, NewUpgrader(defaultConfig(), nil), req, nil)
	resp := readResponse(t, c, req)
	assert.Equal(t, "permessage-deflate", resp.Header.Get(HeaderExtensions))
	out := await(t, result)
	require.NoError(t, out.err)
	conn := out.conn
	assert.Equal(t, "permessage-deflate", conn.Extensions())
	_, negotiated := conn.Deflate()
	assert.True(t, negotiated)

	peer := permessagedeflate.New(nil, false, 0)
	accepted, err := extension.Parse(resp.Header.Get(HeaderExtensions))
	require.NoError(t, err)
	_, err = peer.Accept(accepted.Candidates(permessagedeflate.ExtensionName))
	require.NoError(t, err)

	for _, message := range []string{"hello hello hello", "hello hello hello again"} {
		compressed, cErr := peer.Compress([]byte(message), true)
		require.NoError(t, cErr)
		frame := ws.NewFrame(ws.OpText, true, compressed)
		frame.Header.Rsv = ws.Rsv(true, false, false)
		go func() {
			assert.NoError(t, ws.WriteFrame(c, ws.MaskFrameInPlace(frame)))
		}()
		typ, msg, rErr := conn.ReadMessage()
		require.NoError(t, rErr)
		assert.Equal(t, int(ws.OpText), typ)
		assert.Equal(t, message, string(msg))

		go func() {
			assert.NoError(t, conn.WriteMessage(int(ws.OpText), msg))
		}()
		echoed, rErr := ws.ReadFrame(c)
		require.NoError(t, rErr)
		assert.True(t, echoed.Header.Rsv1())
		plain, rErr := peer.Decompress(echoed.Payload, echoed.Header.Fin)
		require.NoError(t, rErr)
		assert.Equal(t, message, string(plain))
	}
	require.NoError(t, conn.Terminate())
}

func TestPerMessageDeflateDisabled(t *testing.T) {
	t.Parallel()
	cfg := defaultConfig()
	cfg.PerMessageDeflate.Disabled = true
	req := hybiRequest(HeaderExtensions, "permessage-deflate")
	c, result := startUpgrade(t, NewUpgrader(cfg, nil), req, nil)
	assert.Empty(t, readResponse(t, c, req).Header.Get(HeaderExtensions))
	out := await(t, result)
	require.NoError(t, out.err)
	_, negotiated := out.conn.Deflate()
	assert.False(t, negotiated)
}

func TestPerMessageDeflateNegotiationFailure(t *testing.T) {
	t.Parallel()
	for _, offer := range []string{
		"permessage-deflate; server_max_window_bits=7",
		"permessage-deflate; unknown_param",
		"permessage-deflate; server_no_context_takeover=1",
		"permessage-deflate; =",
	} {
		req := hybiRequest(HeaderExtensions, offer)
		c, result := startUpgrade(t, NewUpgrader(defaultConfig(), nil), req, nil)
		out := assertAborted(t, c, req, result, http.StatusBadRequest, "Bad Request")
		require.ErrorIs(t, out.err, ErrUnsupportedExtensionOffer, offer)
	}
}
