// Copyright (c) 2020-2026 The Quinn Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Client side: opening exchanges, sending request heads, receiving responses.

package h3

import (
	"context"
	"io"

	"github.com/krircc/quinn/tcp2"
	"go.uber.org/zap"
)

// Client configures the client side of connections.
type Client struct {
	settings Settings
	logger   *zap.Logger
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}
func WithClientSettings(settings Settings) ClientOption {
	return func(c *Client) { c.settings = settings }
}

func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		settings: DefaultSettings(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewConn binds a transport connection to this client. The caller runs
// Conn.Serve alongside its exchanges.
func (cl *Client) NewConn(transport tcp2.Conn) *Conn {
	return newConn(transport, clientSide, cl.settings, cl.logger)
}

// SendRequest opens a new exchange and writes the request head. When body is
// non-nil the whole body goes out with it and the send side closes; with a
// nil body the returned writer streams the rest of the request.
func (c *Conn) SendRequest(ctx context.Context, head *RequestHead, body []byte) (*RecvResponse, *BodyWriter, error) {
	if c.side != clientSide {
		return nil, nil, ErrUsage
	}
	if err := c.waitReady(ctx); err != nil {
		return nil, nil, err
	}
	list, err := head.fieldList()
	if err != nil {
		return nil, nil, err
	}
	stream, err := c.openExchange(ctx)
	if err != nil {
		return nil, nil, err
	}
	resp := &RecvResponse{
		conn:   c,
		stream: stream,
		fr:     newFrameReader(stream, c.settings.MaxFieldSectionSize),
	}
	section, err := c.encodeFieldList(list)
	if err != nil {
		return nil, nil, resp.fail(err)
	}
	if err := writeFrame(stream, frameHeaders, section); err != nil {
		return nil, nil, resp.fail(err)
	}
	c.logger.Debug("request sent",
		zap.Int64("stream", stream.ID()),
		zap.String("method", head.Method),
		zap.String("path", head.Path))
	if body != nil {
		if len(body) > 0 {
			if err := writeFrame(stream, frameData, body); err != nil {
				return nil, nil, resp.fail(err)
			}
		}
		if err := stream.Close(); err != nil {
			return nil, nil, resp.fail(err)
		}
		return resp, nil, nil
	}
	return resp, newBodyWriter(c, stream, false), nil
}

//////////////////////////////////////// RecvResponse ////////////////////////////////////////

// RecvResponse is one outbound exchange, waiting for the response head. On
// the client the body reader owns the exchange lifecycle.
type RecvResponse struct {
	conn   *Conn
	stream tcp2.Stream
	fr     *frameReader
	state  int8 // recvReceiving or recvFinished
}

// Receive reads and decodes the response head, skipping 1xx interim heads.
// The decode may wait for table inserts still in flight.
func (r *RecvResponse) Receive(ctx context.Context) (*ResponseHead, *BodyReader, error) {
	if r.state == recvFinished {
		return nil, nil, ErrUsage
	}
	for {
		kind, payload, err := r.fr.readFrame()
		if err != nil {
			if err == io.EOF {
				err = streamError(CodeRequestIncomplete, "response stream ended before headers")
			}
			return nil, nil, r.fail(err)
		}
		if kind != frameHeaders {
			return nil, nil, r.fail(streamError(CodeFrameUnexpected, "response began with a non-headers frame"))
		}
		list, err := r.conn.decodeFieldSection(ctx, r.stream.ID(), payload)
		if err != nil {
			return nil, nil, r.fail(err)
		}
		head, err := responseHead(list)
		if err != nil {
			return nil, nil, r.fail(err)
		}
		if head.Status >= 100 && head.Status < 200 {
			continue // interim response, the final head follows
		}
		r.state = recvFinished
		r.conn.logger.Debug("response received",
			zap.Int64("stream", r.stream.ID()),
			zap.Int("status", head.Status))
		return head, newBodyReader(r.conn, r.stream, r.fr, true), nil
	}
}

// Cancel abandons the exchange. The server sees REQUEST_CANCELLED on both
// halves.
func (r *RecvResponse) Cancel() {
	if r.state == recvFinished {
		return
	}
	r.state = recvFinished
	r.stream.CancelRead(uint64(CodeRequestCancelled))
	r.stream.CancelWrite(uint64(CodeRequestCancelled))
	r.conn.cancelDecode(r.stream.ID())
	r.conn.requestFinished(r.stream.ID())
}

func (r *RecvResponse) fail(err error) error {
	r.state = recvFinished
	code := CodeOf(err)
	r.stream.CancelRead(uint64(code))
	r.stream.CancelWrite(uint64(code))
	r.conn.cancelDecode(r.stream.ID())
	r.conn.requestFinished(r.stream.ID())
	r.conn.logger.Debug("exchange failed",
		zap.Int64("stream", r.stream.ID()),
		zap.Stringer("code", code),
		zap.Error(err))
	return err
}
