// Package testutil provides loopback socket helpers for tests.
package testutil

import (
	"bytes"
	"io"
	"net"
	"testing"
)

// ConnPair returns two ends of a live loopback TCP connection, closed on
// test cleanup.
func ConnPair(t *testing.T) (client, server net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := ln.Accept()
		ch <- result{c, err}
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	r := <-ch
	if r.err != nil {
		t.Fatal(r.err)
	}
	server = r.conn

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

// AssertEcho writes msg to w and expects it back on r.
func AssertEcho(t *testing.T, w io.Writer, r io.Reader, msg []byte) {
	t.Helper()

	if _, err := w.Write(msg); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, msg) {
		t.Fatalf("expected %q got %q", string(msg), string(buf))
	}
}

// ChunkReader yields its payload in fixed-size chunks, at most one chunk
// per Read call regardless of buffer size.
type ChunkReader struct {
	data  []byte
	chunk int
}

func NewChunkReader(data []byte, chunk int) *ChunkReader {
	return &ChunkReader{data: data, chunk: chunk}
}

func (c *ChunkReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	n := c.chunk
	if n > len(c.data) {
		n = len(c.data)
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, c.data[:n])
	c.data = c.data[n:]
	return n, nil
}
