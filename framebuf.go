// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package rapnode

import (
	"io"

	"github.com/pkg/errors"
)

// frameWriter packs frames back to back into a fixed size blob
// until it is flushed. It is owned by a single goroutine.
type frameWriter struct {
	blob []byte
	n    int
}

func newFrameWriter(size int) *frameWriter {
	return &frameWriter{blob: make([]byte, size)}
}

// fits returns true if a frame with the given payload length can be
// appended without flushing first.
func (fw *frameWriter) fits(payloadLen int) bool {
	return fw.n+FrameHeaderSize+payloadLen <= len(fw.blob)
}

// empty returns true if nothing has been appended since the last flush.
func (fw *frameWriter) empty() bool {
	return fw.n == 0
}

// buffered returns the number of bytes waiting to be flushed.
func (fw *frameWriter) buffered() int {
	return fw.n
}

// append reserves room for a frame, copies the payload and returns the
// frame's header for the caller to fill in. The size field is already set.
func (fw *frameWriter) append(payload []byte) FrameHeader {
	if !fw.fits(len(payload)) {
		panic("frameWriter.append(): frame does not fit")
	}
	fh := FrameHeader(fw.blob[fw.n : fw.n+FrameHeaderSize])
	fh.Clear()
	fh.SetSize(len(payload))
	copy(fw.blob[fw.n+FrameHeaderSize:], payload)
	fw.n += FrameHeaderSize + len(payload)
	return fh
}

// flush writes all appended frames to w and resets the blob.
func (fw *frameWriter) flush(w io.Writer) (n int, err error) {
	if fw.n > 0 {
		n, err = w.Write(fw.blob[:fw.n])
		fw.n = 0
	}
	return
}

// frameScanner accumulates stream bytes in a fixed size blob and
// yields complete frames from it. Incomplete trailing data is kept
// and moved to the start of the blob before the next read.
type frameScanner struct {
	blob  []byte
	start int
	end   int
}

func newFrameScanner(size int) *frameScanner {
	return &frameScanner{blob: make([]byte, size)}
}

// readFrom performs a single Read from r into the free part of the blob.
func (fs *frameScanner) readFrom(r io.Reader) (n int, err error) {
	if fs.end == len(fs.blob) {
		fs.compact()
		if fs.end == len(fs.blob) {
			return 0, errors.WithStack(ProtocolError{Reason: "frame larger than receive blob"})
		}
	}
	n, err = r.Read(fs.blob[fs.end:])
	fs.end += n
	return
}

// next returns the next complete frame. The payload aliases the blob
// and is only valid until the next call to readFrom. If no complete
// frame is buffered, ok is false.
func (fs *frameScanner) next() (fh FrameHeader, payload []byte, ok bool) {
	avail := fs.end - fs.start
	if avail >= FrameHeaderSize {
		fh = FrameHeader(fs.blob[fs.start : fs.start+FrameHeaderSize])
		if total := FrameHeaderSize + fh.Size(); avail >= total {
			payload = fs.blob[fs.start+FrameHeaderSize : fs.start+total]
			fs.start += total
			return fh, payload, true
		}
	}
	fs.compact()
	return nil, nil, false
}

// buffered returns the number of unconsumed bytes.
func (fs *frameScanner) buffered() int {
	return fs.end - fs.start
}

func (fs *frameScanner) compact() {
	if fs.start > 0 {
		copy(fs.blob, fs.blob[fs.start:fs.end])
		fs.end -= fs.start
		fs.start = 0
	}
}
