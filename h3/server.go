// Copyright (c) 2020-2026 The Quinn Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Server side: accepting exchanges, receiving request heads, sending
// responses.

package h3

import (
	"context"
	"io"
	"sync"

	"github.com/krircc/quinn/tcp2"
	"go.uber.org/zap"
)

// Server configures the server side of connections.
type Server struct {
	settings Settings
	logger   *zap.Logger
}

// ServerOption customizes a Server.
type ServerOption func(*Server)

func WithServerLogger(logger *zap.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}
func WithServerSettings(settings Settings) ServerOption {
	return func(s *Server) { s.settings = settings }
}

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		settings: DefaultSettings(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewConn binds a transport connection to this server. The caller runs
// Conn.Serve and then AcceptRequest in a loop.
func (s *Server) NewConn(transport tcp2.Conn) *Conn {
	return newConn(transport, serverSide, s.settings, s.logger)
}

// AcceptRequest pops the next inbound exchange, blocking until one arrives
// or the connection dies.
func (c *Conn) AcceptRequest(ctx context.Context) (*RecvRequest, error) {
	if c.side != serverSide {
		return nil, ErrUsage
	}
	select {
	case req := <-c.requests:
		return req, nil
	case <-c.closedCh:
		return nil, c.closeError()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

//////////////////////////////////////// RecvRequest ////////////////////////////////////////

const ( // RecvRequest states
	recvReceiving = iota // waiting for the HEADERS frame
	recvFinished         // head delivered, rejected, or failed
)

// RecvRequest is one inbound exchange, before its head has been read.
type RecvRequest struct {
	conn   *Conn
	stream tcp2.Stream
	fr     *frameReader
	state  int8
}

func newRecvRequest(conn *Conn, stream tcp2.Stream) *RecvRequest {
	return &RecvRequest{
		conn:   conn,
		stream: stream,
		fr:     newFrameReader(stream, conn.settings.MaxFieldSectionSize),
	}
}

// Receive reads and decodes the request head. The decode may wait for table
// inserts still in flight. On success the exchange moves on to the returned
// body reader and response sender; driving Receive again is a usage error.
func (r *RecvRequest) Receive(ctx context.Context) (*RequestHead, *BodyReader, *ResponseSender, error) {
	if r.state == recvFinished {
		return nil, nil, nil, ErrUsage
	}
	kind, payload, err := r.fr.readFrame()
	if err != nil {
		if err == io.EOF {
			err = streamError(CodeRequestIncomplete, "request stream ended before headers")
		}
		return nil, nil, nil, r.fail(err)
	}
	if kind != frameHeaders {
		return nil, nil, nil, r.fail(streamError(CodeFrameUnexpected, "request began with a non-headers frame"))
	}
	list, err := r.conn.decodeFieldSection(ctx, r.stream.ID(), payload)
	if err != nil {
		return nil, nil, nil, r.fail(err)
	}
	head, err := requestHead(list)
	if err != nil {
		return nil, nil, nil, r.fail(err)
	}
	r.state = recvFinished
	r.conn.logger.Debug("request received",
		zap.Int64("stream", r.stream.ID()),
		zap.String("method", head.Method),
		zap.String("path", head.Path))
	body := newBodyReader(r.conn, r.stream, r.fr, false)
	sender := newResponseSender(r.conn, r.stream)
	return head, body, sender, nil
}

// Reject refuses the exchange without decoding anything. The client sees
// REQUEST_REJECTED on both halves and knows it may safely retry elsewhere.
func (r *RecvRequest) Reject() {
	if r.state == recvFinished {
		return
	}
	r.state = recvFinished
	r.stream.CancelRead(uint64(CodeRequestRejected))
	r.stream.CancelWrite(uint64(CodeRequestRejected))
	r.conn.cancelDecode(r.stream.ID())
	r.conn.requestFinished(r.stream.ID())
}

// fail tears the exchange down with a protocol error and reports it.
func (r *RecvRequest) fail(err error) error {
	r.state = recvFinished
	code := CodeOf(err)
	r.stream.CancelRead(uint64(code))
	r.stream.CancelWrite(uint64(code))
	r.conn.cancelDecode(r.stream.ID())
	r.conn.requestFinished(r.stream.ID())
	r.conn.logger.Debug("request failed",
		zap.Int64("stream", r.stream.ID()),
		zap.Stringer("code", code),
		zap.Error(err))
	return err
}

//////////////////////////////////////// ResponseSender ////////////////////////////////////////

// ResponseSender sends the response for one exchange. SendResponse and
// Cancel are mutually exclusive and single-shot; whichever runs first owns
// the outcome.
type ResponseSender struct {
	conn   *Conn
	stream tcp2.Stream

	mu         sync.Mutex
	used       bool
	finishOnce sync.Once
}

func newResponseSender(conn *Conn, stream tcp2.Stream) *ResponseSender {
	return &ResponseSender{conn: conn, stream: stream}
}

// SendResponse writes the response head and, when body is non-nil, the whole
// body after it, closing the stream. With a nil body the returned writer
// streams the rest of the response.
func (s *ResponseSender) SendResponse(head *ResponseHead, body []byte) (*BodyWriter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used {
		return nil, ErrUsage
	}
	list, err := head.fieldList()
	if err != nil {
		return nil, err
	}
	section, err := s.conn.encodeFieldList(list)
	if err != nil {
		return nil, s.fail(err)
	}
	if err := writeFrame(s.stream, frameHeaders, section); err != nil {
		return nil, s.fail(err)
	}
	s.used = true
	if body != nil {
		if len(body) > 0 {
			if err := writeFrame(s.stream, frameData, body); err != nil {
				return nil, s.fail(err)
			}
		}
		err := s.stream.Close()
		s.finish()
		return nil, err
	}
	return newBodyWriter(s.conn, s.stream, true), nil
}

// Cancel abandons the response. The client sees REQUEST_REJECTED.
func (s *ResponseSender) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used {
		return
	}
	s.used = true
	s.stream.CancelWrite(uint64(CodeRequestRejected))
	s.finish()
}

func (s *ResponseSender) fail(err error) error {
	s.used = true
	s.stream.CancelWrite(uint64(CodeOf(err)))
	s.finish()
	return err
}

func (s *ResponseSender) finish() {
	s.finishOnce.Do(func() { s.conn.requestFinished(s.stream.ID()) })
}
