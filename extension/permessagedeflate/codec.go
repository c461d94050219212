// SPDX-License-Identifier: ice License 1.0

package permessagedeflate

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"

	"github.com/ice-blockchain/wsupgrade/terror"
)

// Compress deflates one frame worth of data. Output of a final fragment has the sync flush trailer stripped.
// Calls for the same direction must not overlap; an overlapping call fails with ErrWriteInFlight.
func (n *Negotiator) Compress(data []byte, fin bool) ([]byte, error) {
	return n.run(&n.deflate, n.newCompressJob, data, fin)
}

// Decompress inflates one frame worth of data and returns the output that frame completes.
func (n *Negotiator) Decompress(data []byte, fin bool) ([]byte, error) {
	return n.run(&n.inflate, n.newDecompressJob, data, fin)
}

// Cleanup releases both codecs. A codec that is in the middle of a write is released when that write completes.
func (n *Negotiator) Cleanup() {
	n.mx.Lock()
	defer n.mx.Unlock()
	if n.inflate != nil && n.inflate.cleanup() {
		n.inflate = nil
	}
	if n.deflate != nil && n.deflate.cleanup() {
		n.deflate = nil
	}
}

func (n *Negotiator) run(slot **job, create func() (*job, error), data []byte, fin bool) ([]byte, error) {
	n.mx.Lock()
	if *slot == nil {
		j, err := create()
		if err != nil {
			n.mx.Unlock()

			return nil, err
		}
		*slot = j
	}
	current := *slot
	if err := current.begin(); err != nil {
		n.mx.Unlock()

		return nil, err
	}
	n.mx.Unlock()

	out, err := current.codec.write(data, fin)

	n.mx.Lock()
	defer n.mx.Unlock()
	if current.complete(fin, err) && *slot == current {
		*slot = nil
	}
	if err != nil {
		return nil, err
	}

	return out, nil
}

func (n *Negotiator) newCompressJob() (*job, error) {
	params := n.negotiated()
	bits, noContextTakeover := params.ServerMaxWindowBits, params.ServerNoContextTakeover
	if !n.isServer {
		bits, noContextTakeover = params.ClientMaxWindowBits, params.ClientNoContextTakeover
	}
	c, err := newCompressor(bits, n.cfg.level())
	if err != nil {
		return nil, err
	}

	return &job{codec: c, noContextTakeover: noContextTakeover}, nil
}

func (n *Negotiator) newDecompressJob() (*job, error) {
	params := n.negotiated()
	noContextTakeover := params.ClientNoContextTakeover
	if !n.isServer {
		noContextTakeover = params.ServerNoContextTakeover
	}

	return &job{codec: &decompressor{maxPayload: n.maxPayload}, noContextTakeover: noContextTakeover}, nil
}

func (n *Negotiator) negotiated() Params {
	if n.params == nil {
		return Params{}
	}

	return *n.params
}

func (cfg *Config) level() int {
	if cfg.Level == 0 {
		return DefaultLevel
	}

	return cfg.Level
}

func (j *job) begin() error {
	if j.state != stateIdle {
		return ErrWriteInFlight
	}
	j.state = stateBusy

	return nil
}

// complete is the single point a write finishes at. It reports whether the job got destroyed.
func (j *job) complete(fin bool, err error) bool {
	if err != nil || j.state == stateClosingRequested || (fin && j.noContextTakeover) {
		j.destroy()

		return true
	}
	j.state = stateIdle

	return false
}

// cleanup destroys an idle job right away, or defers it to the completion of the in-flight write.
func (j *job) cleanup() bool {
	switch j.state {
	case stateBusy, stateClosingRequested:
		j.state = stateClosingRequested

		return false
	case stateIdle:
		j.destroy()
	case stateClosed:
	}

	return true
}

func (j *job) destroy() {
	if j.state != stateClosed {
		j.codec.close()
	}
	j.state = stateClosed
}

func newCompressor(windowBits, level int) (*compressor, error) {
	c := new(compressor)
	var err error
	if windowBits != 0 && windowBits < MaxWindowBits {
		c.writer, err = flate.NewWriterWindow(&c.buf, 1<<windowBits)
	} else {
		c.writer, err = flate.NewWriter(&c.buf, level)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create deflate writer, window bits %v, level %v", windowBits, level)
	}

	return c, nil
}

func (c *compressor) write(data []byte, fin bool) ([]byte, error) {
	if _, err := c.writer.Write(data); err != nil {
		return nil, errors.Wrap(err, "deflate write failed")
	}
	if err := c.writer.Flush(); err != nil {
		return nil, errors.Wrap(err, "deflate flush failed")
	}
	out := bytes.Clone(c.buf.Bytes())
	c.buf.Reset()
	if fin {
		out = bytes.TrimSuffix(out, syncTrailer)
	}

	return out, nil
}

func (c *compressor) close() {
	c.writer = nil
	c.buf = bytes.Buffer{}
}

// write hands one frame to the inflate goroutine and returns what that frame decoded to.
// The max payload applies to everything the decompressor has produced since it was created.
func (d *decompressor) write(data []byte, fin bool) ([]byte, error) {
	if !d.started {
		d.start()
	}
	input := data
	if fin {
		input = append(bytes.Clone(data), syncTrailer...)
	}
	select {
	case d.feed <- input:
	case <-d.exited:
		return nil, errInflateEnded
	}
	res := <-d.results

	return res.out, res.err
}

func (d *decompressor) start() {
	d.started = true
	d.feed = make(chan []byte)
	d.results = make(chan inflateResult)
	d.exited = make(chan struct{})
	go d.inflate()
}

// inflate reports exactly once for every frame it was fed, then either waits for the next frame or exits.
func (d *decompressor) inflate() {
	defer close(d.exited)
	reader := flate.NewReader(&inflateInput{d: d})
	defer func() {
		_ = reader.Close() //nolint:errcheck // Nothing to do with it, the codec is gone.
	}()
	chunk := make([]byte, inflateChunk)
	for {
		n, err := reader.Read(chunk)
		if n > 0 {
			if d.total += int64(n); d.maxPayload > 0 && d.total > d.maxPayload {
				d.report(terror.WithCode(errors.Wrapf(ErrPayloadTooLarge, "limit %v", d.maxPayload), CloseMessageTooBig, "Message Too Big"))

				return
			}
			d.out.Write(chunk[:n])
		}
		if err != nil {
			if d.active {
				if errors.Is(err, io.EOF) {
					err = nil
				}
				d.report(errors.Wrap(err, "inflate failed"))
			}

			return
		}
	}
}

func (d *decompressor) report(err error) {
	res := inflateResult{err: err}
	if err == nil {
		res.out = bytes.Clone(d.out.Bytes())
	}
	d.out.Reset()
	d.active = false
	d.results <- res
}

// next blocks until there is unread input. Running dry completes the current frame.
func (d *decompressor) next() error {
	for len(d.buf) == 0 {
		if d.active {
			d.report(nil)
		}
		data, ok := <-d.feed
		if !ok {
			return io.EOF
		}
		d.buf, d.active = data, true
	}

	return nil
}

func (d *decompressor) close() {
	if d.started && !d.closed {
		close(d.feed)
	}
	d.closed = true
}

func (in *inflateInput) ReadByte() (byte, error) {
	if err := in.d.next(); err != nil {
		return 0, err
	}
	b := in.d.buf[0]
	in.d.buf = in.d.buf[1:]

	return b, nil
}

func (in *inflateInput) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := in.d.next(); err != nil {
		return 0, err
	}
	n := copy(p, in.d.buf)
	in.d.buf = in.d.buf[n:]

	return n, nil
}
