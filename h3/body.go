// Copyright (c) 2020-2026 The Quinn Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Message body adapters. BodyReader turns the incoming DATA/HEADERS frame
// sequence into an io.Reader plus retained trailers; BodyWriter frames
// outgoing writes. Whichever handle owns the exchange lifecycle releases the
// connection bookkeeping exactly once, on every exit path.

package h3

import (
	"context"
	"io"
	"sync"

	"github.com/krircc/quinn/tcp2"
)

// BodyReader reads a message body. It yields DATA payload bytes in order and
// at any caller buffer size; a trailing HEADERS frame ends the body and is
// retained for Trailers. One goroutine reads; Cancel may come from another,
// so mu guards the shared state while frame i/o stays outside the lock.
type BodyReader struct {
	conn        *Conn
	recv        tcp2.ReceiveStream
	fr          *frameReader
	streamID    int64
	ownsRequest bool

	mu             sync.Mutex
	trailerSection []byte
	trailers       FieldList
	trailersDone   bool
	sawEnd         bool
	err            error
	finishOnce     sync.Once
}

func newBodyReader(conn *Conn, recv tcp2.ReceiveStream, fr *frameReader, ownsRequest bool) *BodyReader {
	return &BodyReader{
		conn:        conn,
		recv:        recv,
		fr:          fr,
		streamID:    recv.ID(),
		ownsRequest: ownsRequest,
	}
}

// Read returns body bytes until the body ends. The end is io.EOF whether the
// stream finished or a trailer section followed; trailers never surface as
// body bytes.
func (r *BodyReader) Read(p []byte) (int, error) {
	for {
		r.mu.Lock()
		if r.err != nil {
			err := r.err
			r.mu.Unlock()
			return 0, err
		}
		if r.sawEnd {
			r.mu.Unlock()
			return 0, io.EOF
		}
		r.mu.Unlock()
		if r.fr.dataRemaining > 0 {
			n, err := r.fr.readData(p)
			if err != nil {
				return n, r.fail(err)
			}
			return n, nil
		}
		kind, payload, err := r.fr.readFrame()
		if err != nil {
			if err == io.EOF {
				r.mu.Lock()
				r.sawEnd = true
				r.mu.Unlock()
				r.finish()
				return 0, io.EOF
			}
			return 0, r.fail(err)
		}
		switch kind {
		case frameData:
			// Payload drains on the next loop pass. Empty frames just spin.
		case frameHeaders:
			r.mu.Lock()
			r.trailerSection = payload
			r.sawEnd = true
			r.mu.Unlock()
			r.finish()
			return 0, io.EOF
		default:
			return 0, r.fail(streamError(CodeFrameUnexpected, "unexpected frame in message body"))
		}
	}
}

// Trailers returns the decoded trailer fields. Before the body has been read
// to its end, and when the peer sent none, it returns nil. The decode may
// wait for table inserts, hence the context.
func (r *BodyReader) Trailers(ctx context.Context) (FieldList, error) {
	r.mu.Lock()
	if !r.sawEnd || r.trailerSection == nil {
		r.mu.Unlock()
		return nil, nil
	}
	if r.trailersDone {
		list := r.trailers
		r.mu.Unlock()
		return list, nil
	}
	section := r.trailerSection
	r.mu.Unlock()
	list, err := r.conn.decodeFieldSection(ctx, r.streamID, section)
	if err != nil {
		return nil, r.fail(err)
	}
	list, err = trailerFields(list)
	if err != nil {
		return nil, r.fail(err)
	}
	r.mu.Lock()
	r.trailers = list
	r.trailersDone = true
	r.mu.Unlock()
	return list, nil
}

// Cancel abandons the body. The peer sees a REQUEST_CANCELLED reset and any
// unread frames are dropped; a Read blocked on the stream is woken by the
// reset.
func (r *BodyReader) Cancel() {
	r.mu.Lock()
	if r.err == nil && !r.sawEnd {
		r.recv.CancelRead(uint64(CodeRequestCancelled))
		r.conn.cancelDecode(r.streamID)
		r.err = streamError(CodeRequestCancelled, "body cancelled locally")
	}
	r.mu.Unlock()
	r.finish()
}

// Close releases the exchange without touching the stream. Safe to call on
// any path, any number of times.
func (r *BodyReader) Close() error {
	r.finish()
	return nil
}

// fail poisons the reader, resets the stream toward the peer, and releases
// the exchange.
func (r *BodyReader) fail(err error) error {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
		r.recv.CancelRead(uint64(CodeOf(err)))
		r.conn.cancelDecode(r.streamID)
	}
	err = r.err
	r.mu.Unlock()
	r.finish()
	return err
}

func (r *BodyReader) finish() {
	if r.ownsRequest {
		r.finishOnce.Do(func() { r.conn.requestFinished(r.streamID) })
	}
}

//////////////////////////////////////// BodyWriter ////////////////////////////////////////

// BodyWriter writes a message body. Each Write becomes one DATA frame,
// written whole, so concurrent exchanges never interleave inside a frame.
// SendTrailers and Close are terminal; Cancel works from any state.
type BodyWriter struct {
	conn        *Conn
	send        tcp2.SendStream
	streamID    int64
	ownsRequest bool

	mu         sync.Mutex
	finished   bool
	finishOnce sync.Once
}

func newBodyWriter(conn *Conn, send tcp2.SendStream, ownsRequest bool) *BodyWriter {
	return &BodyWriter{
		conn:        conn,
		send:        send,
		streamID:    send.ID(),
		ownsRequest: ownsRequest,
	}
}

func (w *BodyWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finished {
		return 0, ErrUsage
	}
	if len(p) == 0 {
		return 0, nil
	}
	if err := writeFrame(w.send, frameData, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SendTrailers ends the body with a trailer section.
func (w *BodyWriter) SendTrailers(fields FieldList) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finished {
		return ErrUsage
	}
	list, err := appendRegularFields(nil, fields)
	if err != nil {
		return err
	}
	section, err := w.conn.encodeFieldList(list)
	if err != nil {
		return err
	}
	if err := writeFrame(w.send, frameHeaders, section); err != nil {
		return err
	}
	w.finished = true
	err = w.send.Close()
	w.finish()
	return err
}

// Close ends the body cleanly, without trailers.
func (w *BodyWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finished {
		return ErrUsage
	}
	w.finished = true
	err := w.send.Close()
	w.finish()
	return err
}

// Cancel abandons the body from any state. The peer sees REQUEST_CANCELLED.
func (w *BodyWriter) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.finished {
		w.send.CancelWrite(uint64(CodeRequestCancelled))
		w.finished = true
	}
	w.finish()
}

func (w *BodyWriter) finish() {
	if w.ownsRequest {
		w.finishOnce.Do(func() { w.conn.requestFinished(w.streamID) })
	}
}
