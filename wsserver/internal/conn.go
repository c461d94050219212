// SPDX-License-Identifier: ice License 1.0

package internal

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"net/http"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/ice-blockchain/wsupgrade/extension/permessagedeflate"
	"github.com/ice-blockchain/wsupgrade/terror"
)

func newConn(req *http.Request, socket net.Conn, head []byte, opts *connOptions) *Conn {
	var src io.Reader = socket
	if len(head) != 0 {
		src = io.MultiReader(bytes.NewReader(bytes.Clone(head)), socket)
	}

	return &Conn{
		id:         uuid.NewString(),
		socket:     socket,
		reader:     bufio.NewReader(src),
		req:        req,
		deflate:    opts.deflate,
		closeCh:    make(chan struct{}),
		version:    opts.version,
		protocol:   opts.protocol,
		extension:  opts.extension,
		maxPayload: opts.maxPayload,
	}
}

func (c *Conn) ID() string {
	return c.id
}

// ProtocolVersion is "8", "13" or ProtocolVersionHixie76.
func (c *Conn) ProtocolVersion() string {
	return c.version
}

func (c *Conn) Protocol() string {
	return c.protocol
}

// Extensions is the Sec-WebSocket-Extensions value the handshake answered with.
func (c *Conn) Extensions() string {
	return c.extension
}

// Deflate reports the negotiated permessage-deflate parameters, if any.
func (c *Conn) Deflate() (permessagedeflate.Params, bool) {
	if c.deflate == nil {
		return permessagedeflate.Params{}, false
	}

	return c.deflate.Params()
}

func (c *Conn) Request() *http.Request {
	return c.req
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.socket.RemoteAddr()
}

// Context is done once the connection is closed.
func (c *Conn) Context() context.Context {
	return connContext{Context: context.WithoutCancel(c.req.Context()), conn: c}
}

// OnClose registers fn to run once the connection is closed. It runs right away if it already is.
func (c *Conn) OnClose(fn func(*Conn)) {
	c.closeMx.Lock()
	if !c.closed {
		c.onClose = append(c.onClose, fn)
		c.closeMx.Unlock()

		return
	}
	c.closeMx.Unlock()
	fn(c)
}

// ReadMessage blocks until the next complete data message. Control frames are handled on the way.
func (c *Conn) ReadMessage() (messageType int, p []byte, err error) {
	if c.version == ProtocolVersionHixie76 {
		return c.readHixie()
	}

	return c.readHybi()
}

func (c *Conn) WriteMessage(messageType int, data []byte) error {
	if c.version == ProtocolVersionHixie76 {
		return c.writeHixie(messageType, data)
	}
	opCode := ws.OpCode(messageType)
	if !isMessage(opCode) {
		return errors.Wrapf(ErrUnsupportedMessage, "opcode %v", messageType)
	}
	c.writeMx.Lock()
	defer c.writeMx.Unlock()
	if c.isClosed() {
		return ErrClosed
	}
	frame := ws.NewFrame(opCode, true, data)
	if c.deflate != nil {
		compressed, err := c.deflate.Compress(data, true)
		if err != nil {
			return errors.Wrapf(err, "failed to compress message for %v", c.id)
		}
		frame = ws.NewFrame(opCode, true, compressed)
		frame.Header.Rsv = ws.Rsv(true, false, false)
	}

	return errors.Wrapf(ws.WriteFrame(c.socket, frame), "failed to write message to %v", c.id)
}

func (c *Conn) Ping(data []byte) error {
	if c.version == ProtocolVersionHixie76 {
		return errors.Wrap(ErrUnsupportedMessage, "hixie-76 has no ping")
	}

	return c.writeFrame(ws.NewPingFrame(data))
}

// Close starts the closing handshake with a normal closure and closes the socket.
func (c *Conn) Close() error {
	return c.CloseWithStatus(ws.StatusNormalClosure, "")
}

func (c *Conn) CloseWithStatus(code ws.StatusCode, reason string) error {
	var err error
	if c.version == ProtocolVersionHixie76 {
		err = c.writeRaw([]byte{hixieFrameEnd, hixieFrameStart})
	} else {
		err = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
	}
	if errors.Is(err, ErrClosed) {
		err = nil
	}

	return multierror.Append( //nolint:wrapcheck // .
		err,
		c.Terminate(),
	).ErrorOrNil()
}

// Terminate closes the socket right away, without a closing handshake. It is idempotent.
func (c *Conn) Terminate() error {
	c.closeMx.Lock()
	if c.closed {
		c.closeMx.Unlock()

		return nil
	}
	c.closed = true
	close(c.closeCh)
	hooks := c.onClose
	c.onClose = nil
	c.closeMx.Unlock()

	err := c.socket.Close()
	if c.deflate != nil {
		c.deflate.Cleanup()
	}
	for _, fn := range hooks {
		fn(c)
	}

	return errors.Wrapf(err, "failed to close socket of %v", c.id)
}

func (c *Conn) isClosed() bool {
	c.closeMx.Lock()
	defer c.closeMx.Unlock()

	return c.closed
}

//nolint:funlen,gocognit,revive // Frame assembly reads better in one place.
func (c *Conn) readHybi() (messageType int, p []byte, err error) {
	var (
		message    []byte
		wire       int64
		opCode     ws.OpCode
		compressed bool
		started    bool
	)
	for {
		header, rErr := ws.ReadHeader(c.reader)
		if rErr != nil {
			return 0, nil, c.fail(errors.Wrap(rErr, "failed to read frame header"))
		}
		if vErr := c.validate(header, started); vErr != nil {
			return 0, nil, c.closeWithError(ws.StatusProtocolError, vErr)
		}
		if !header.OpCode.IsControl() {
			if wire += header.Length; wire < 0 || (c.maxPayload > 0 && wire > c.wireLimit(compressed || header.Rsv1())) {
				return 0, nil, c.closeWithError(ws.StatusMessageTooBig, c.tooBig())
			}
		}
		payload, rErr := c.readPayload(header.Length)
		if rErr != nil {
			return 0, nil, c.fail(errors.Wrap(rErr, "failed to read frame payload"))
		}
		ws.Cipher(payload, header.Mask, 0)
		if header.OpCode.IsControl() {
			if cErr := c.control(header.OpCode, payload); cErr != nil {
				return 0, nil, cErr
			}

			continue
		}
		if header.OpCode != ws.OpContinuation {
			opCode, compressed, started = header.OpCode, header.Rsv1(), true
		}
		if compressed {
			if payload, rErr = c.deflate.Decompress(payload, header.Fin); rErr != nil {
				status := ws.StatusInvalidFramePayloadData
				if terror.Code(rErr) == permessagedeflate.CloseMessageTooBig {
					status = ws.StatusMessageTooBig
				}

				return 0, nil, c.closeWithError(status, rErr)
			}
		}
		message = append(message, payload...)
		if header.Fin {
			return int(opCode), message, nil
		}
	}
}

// wireLimit bounds the bytes a message may take on the wire. Deflate can grow incompressible data a little.
func (c *Conn) wireLimit(compressed bool) int64 {
	if !compressed {
		return c.maxPayload
	}

	return c.maxPayload + (c.maxPayload/deflateBlockSize+1)*deflateBlockOverhead + deflateSlack
}

// readPayload grows the buffer as bytes arrive, so a frame only costs what the peer actually sent.
func (c *Conn) readPayload(length int64) ([]byte, error) {
	if length <= ws.MaxControlFramePayloadSize {
		payload := make([]byte, length)
		_, err := io.ReadFull(c.reader, payload)

		return payload, err //nolint:wrapcheck // Wrapped by the caller.
	}
	var payload bytes.Buffer
	if _, err := io.CopyN(&payload, c.reader, length); err != nil {
		return nil, err //nolint:wrapcheck // Wrapped by the caller.
	}

	return payload.Bytes(), nil
}

func (c *Conn) validate(header ws.Header, started bool) error {
	switch {
	case !header.Masked:
		return errors.Wrap(ErrUnsupportedMessage, "unmasked client frame")
	case header.Rsv2() || header.Rsv3():
		return errors.Wrap(ErrUnsupportedMessage, "reserved bits set")
	case header.Rsv1() && (c.deflate == nil || header.OpCode.IsControl() || header.OpCode == ws.OpContinuation):
		return errors.Wrap(ErrUnsupportedMessage, "unexpected RSV1")
	case header.OpCode.IsReserved():
		return errors.Wrapf(ErrUnsupportedMessage, "reserved opcode %v", header.OpCode)
	case header.OpCode.IsControl() && (!header.Fin || header.Length > ws.MaxControlFramePayloadSize):
		return errors.Wrap(ErrUnsupportedMessage, "invalid control frame")
	case header.OpCode == ws.OpContinuation && !started:
		return errors.Wrap(ErrUnsupportedMessage, "unexpected continuation frame")
	case isMessage(header.OpCode) && started:
		return errors.Wrap(ErrUnsupportedMessage, "expected continuation frame")
	default:
		return nil
	}
}

func isMessage(opCode ws.OpCode) bool {
	return opCode == ws.OpText || opCode == ws.OpBinary
}

func (c *Conn) control(opCode ws.OpCode, payload []byte) error {
	switch opCode { //nolint:exhaustive // Only control frames get here.
	case ws.OpPing:
		return errors.Wrap(c.writeFrame(ws.NewPongFrame(payload)), "failed to write pong")
	case ws.OpClose:
		code, reason := ws.ParseCloseFrameData(payload)
		var body []byte
		if !code.Empty() {
			body = ws.NewCloseFrameBody(code, "")
		} else {
			code = ws.StatusNoStatusRcvd
		}
		_ = c.writeFrame(ws.NewCloseFrame(body)) //nolint:errcheck // Peer may already be gone.
		_ = c.Terminate()                        //nolint:errcheck // Closing anyway.

		return wsutil.ClosedError{Code: code, Reason: reason}
	default:
		return nil
	}
}

func (c *Conn) tooBig() error {
	return terror.WithCode(errors.Wrapf(permessagedeflate.ErrPayloadTooLarge, "limit %v", c.maxPayload),
		int(ws.StatusMessageTooBig), "Message Too Big")
}

func (c *Conn) closeWithError(code ws.StatusCode, err error) error {
	_ = c.CloseWithStatus(code, "") //nolint:errcheck // err is what the caller needs.

	return err
}

func (c *Conn) fail(err error) error {
	_ = c.Terminate() //nolint:errcheck // err is what the caller needs.

	return err
}

func (c *Conn) writeFrame(frame ws.Frame) error {
	c.writeMx.Lock()
	defer c.writeMx.Unlock()
	if c.isClosed() {
		return ErrClosed
	}

	return errors.Wrapf(ws.WriteFrame(c.socket, frame), "failed to write %v frame", frame.Header.OpCode)
}

func (c *Conn) writeRaw(data []byte) error {
	c.writeMx.Lock()
	defer c.writeMx.Unlock()
	if c.isClosed() {
		return ErrClosed
	}
	_, err := c.socket.Write(data)

	return errors.Wrapf(err, "failed to write to %v", c.id)
}

func (c *Conn) writeHixie(messageType int, data []byte) error {
	if ws.OpCode(messageType) != ws.OpText {
		return errors.Wrapf(ErrUnsupportedMessage, "hixie-76 carries text only, got %v", messageType)
	}
	frame := make([]byte, 0, len(data)+2) //nolint:mnd // Start and end markers.
	frame = append(append(append(frame, hixieFrameStart), data...), hixieFrameEnd)

	return c.writeRaw(frame)
}

func (c *Conn) readHixie() (messageType int, p []byte, err error) {
	for {
		frameType, rErr := c.reader.ReadByte()
		if rErr != nil {
			return 0, nil, c.fail(errors.Wrap(rErr, "failed to read frame type"))
		}
		if frameType&0x80 == 0 {
			message, tErr := c.readHixieText()
			if tErr != nil {
				return 0, nil, tErr
			}
			if frameType == hixieFrameStart {
				return int(ws.OpText), message, nil
			}

			continue
		}
		var length int64
		for {
			b, lErr := c.reader.ReadByte()
			if lErr != nil {
				return 0, nil, c.fail(errors.Wrap(lErr, "failed to read frame length"))
			}
			length = length<<7 | int64(b&0x7f) //nolint:mnd // Base 128.
			if length > maxHixieFrameLength {
				return 0, nil, c.fail(c.tooBig())
			}
			if b&0x80 == 0 {
				break
			}
		}
		if frameType == hixieFrameEnd && length == 0 {
			_ = c.writeRaw([]byte{hixieFrameEnd, hixieFrameStart}) //nolint:errcheck // Peer may already be gone.
			_ = c.Terminate()                                     //nolint:errcheck // Closing anyway.

			return 0, nil, wsutil.ClosedError{Code: ws.StatusNormalClosure}
		}
		if _, rErr = io.CopyN(io.Discard, c.reader, length); rErr != nil {
			return 0, nil, c.fail(errors.Wrap(rErr, "failed to skip binary frame"))
		}
	}
}

func (c *Conn) readHixieText() ([]byte, error) {
	var message []byte
	for {
		chunk, err := c.reader.ReadSlice(hixieFrameEnd)
		message = append(message, chunk...)
		if err == nil {
			message = message[:len(message)-1]
		}
		if c.maxPayload > 0 && int64(len(message)) > c.maxPayload {
			return nil, c.fail(c.tooBig())
		}
		switch {
		case err == nil:
			return message, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return nil, c.fail(errors.Wrap(err, "failed to read text frame"))
		}
	}
}
