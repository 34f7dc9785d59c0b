package transfer

import (
	"bytes"
	"io"
)

// ioMode is the buffered-vs-bridged variant selected once at configuration
// time. Mode-mismatched accessors (buffer reads on a bridged transfer)
// return empty rather than touching the wrong endpoint.
type ioMode interface {
	reader() io.Reader
	writeBody(p []byte) (int, error)
	writeHeader(p []byte) (int, error)
	bodyBytes() []byte
	headerBytes() []byte
}

// buffered owns growable response buffers; the request body, if any, is
// staged up front.
type buffered struct {
	req  *bytes.Reader
	hdr  bytes.Buffer
	body bytes.Buffer
}

func newBuffered(data []byte) *buffered {
	b := &buffered{}
	if data != nil {
		b.req = bytes.NewReader(data)
	}
	return b
}

func (b *buffered) reader() io.Reader {
	if b.req == nil {
		return nil
	}
	return b.req
}

func (b *buffered) writeBody(p []byte) (int, error)   { return b.body.Write(p) }
func (b *buffered) writeHeader(p []byte) (int, error) { return b.hdr.Write(p) }
func (b *buffered) bodyBytes() []byte                 { return b.body.Bytes() }
func (b *buffered) headerBytes() []byte               { return b.hdr.Bytes() }

// bridged passes bytes through to externally supplied endpoints with no
// intermediate buffering.
type bridged struct {
	r  io.Reader
	w  io.Writer
	hw io.Writer
}

func (b *bridged) reader() io.Reader { return b.r }

func (b *bridged) writeBody(p []byte) (int, error) {
	if b.w == nil {
		return len(p), nil
	}
	return b.w.Write(p)
}

func (b *bridged) writeHeader(p []byte) (int, error) {
	if b.hw == nil {
		return len(p), nil
	}
	return b.hw.Write(p)
}

func (b *bridged) bodyBytes() []byte   { return nil }
func (b *bridged) headerBytes() []byte { return nil }
