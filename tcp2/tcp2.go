// Copyright (c) 2020-2026 The Quinn Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Package tcp2 wraps a QUIC implementation behind small stream and connection
// interfaces, which is all the application protocol above needs and all the
// in-memory test fakes must provide.
package tcp2

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"strconv"

	"github.com/quic-go/quic-go"
)

// ReceiveStream is the read half of a stream.
type ReceiveStream interface {
	io.Reader
	ID() int64
	// CancelRead tells the peer to stop sending. Further reads fail.
	CancelRead(code uint64)
}

// SendStream is the write half of a stream.
type SendStream interface {
	io.Writer
	ID() int64
	// Close finishes the stream cleanly. The peer sees a normal end.
	Close() error
	// CancelWrite abandons the stream. Unacked data may be dropped.
	CancelWrite(code uint64)
}

// Stream is a bidirectional stream.
type Stream interface {
	ReceiveStream
	SendStream
}

// Conn is one multiplexed connection.
type Conn interface {
	AcceptStream(ctx context.Context) (Stream, error)
	AcceptUniStream(ctx context.Context) (ReceiveStream, error)
	OpenStream(ctx context.Context) (Stream, error)
	OpenUniStream(ctx context.Context) (SendStream, error)
	CloseWithError(code uint64, reason string) error
}

// StreamError reports that the peer reset or stopped a stream, carrying the
// application error code from the reset.
type StreamError struct {
	Code uint64
}

func (e *StreamError) Error() string {
	return "tcp2: stream reset by peer, code " + strconv.FormatUint(e.Code, 10)
}

// ResetCode extracts the application error code if err is a peer reset.
func ResetCode(err error) (uint64, bool) {
	var se *StreamError
	if errors.As(err, &se) {
		return se.Code, true
	}
	return 0, false
}

//////////////////////////////////////// quic-go adapter ////////////////////////////////////////

type quicConn struct {
	conn *quic.Conn
}

// Wrap adapts a quic-go connection.
func Wrap(conn *quic.Conn) Conn { return &quicConn{conn: conn} }

func (c *quicConn) AcceptStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return &quicStream{stream: s}, nil
}
func (c *quicConn) AcceptUniStream(ctx context.Context) (ReceiveStream, error) {
	s, err := c.conn.AcceptUniStream(ctx)
	if err != nil {
		return nil, err
	}
	return &quicRecvStream{stream: s}, nil
}
func (c *quicConn) OpenStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return &quicStream{stream: s}, nil
}
func (c *quicConn) OpenUniStream(ctx context.Context) (SendStream, error) {
	s, err := c.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return &quicSendStream{stream: s}, nil
}
func (c *quicConn) CloseWithError(code uint64, reason string) error {
	return c.conn.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

type quicStream struct {
	stream *quic.Stream
}

func (s *quicStream) Read(p []byte) (int, error) {
	n, err := s.stream.Read(p)
	return n, mapStreamErr(err)
}
func (s *quicStream) Write(p []byte) (int, error) {
	n, err := s.stream.Write(p)
	return n, mapStreamErr(err)
}
func (s *quicStream) ID() int64     { return int64(s.stream.StreamID()) }
func (s *quicStream) Close() error  { return s.stream.Close() }
func (s *quicStream) CancelRead(code uint64) {
	s.stream.CancelRead(quic.StreamErrorCode(code))
}
func (s *quicStream) CancelWrite(code uint64) {
	s.stream.CancelWrite(quic.StreamErrorCode(code))
}

type quicRecvStream struct {
	stream *quic.ReceiveStream
}

func (s *quicRecvStream) Read(p []byte) (int, error) {
	n, err := s.stream.Read(p)
	return n, mapStreamErr(err)
}
func (s *quicRecvStream) ID() int64 { return int64(s.stream.StreamID()) }
func (s *quicRecvStream) CancelRead(code uint64) {
	s.stream.CancelRead(quic.StreamErrorCode(code))
}

type quicSendStream struct {
	stream *quic.SendStream
}

func (s *quicSendStream) Write(p []byte) (int, error) {
	n, err := s.stream.Write(p)
	return n, mapStreamErr(err)
}
func (s *quicSendStream) ID() int64    { return int64(s.stream.StreamID()) }
func (s *quicSendStream) Close() error { return s.stream.Close() }
func (s *quicSendStream) CancelWrite(code uint64) {
	s.stream.CancelWrite(quic.StreamErrorCode(code))
}

// mapStreamErr folds quic-go's reset error into ours so callers above never
// import quic-go.
func mapStreamErr(err error) error {
	if err == nil {
		return nil
	}
	var qse *quic.StreamError
	if errors.As(err, &qse) {
		return &StreamError{Code: uint64(qse.ErrorCode)}
	}
	return err
}

//////////////////////////////////////// listen and dial ////////////////////////////////////////

// Listener accepts QUIC connections.
type Listener struct {
	inner *quic.Listener
}

// Listen starts a QUIC listener on addr. tlsConf must carry at least one
// certificate and the application protocol in NextProtos.
func Listen(addr string, tlsConf *tls.Config, quicConf *quic.Config) (*Listener, error) {
	inner, err := quic.ListenAddr(addr, tlsConf, quicConf)
	if err != nil {
		return nil, err
	}
	return &Listener{inner: inner}, nil
}

func (l *Listener) Accept(ctx context.Context) (Conn, error) {
	conn, err := l.inner.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return Wrap(conn), nil
}

func (l *Listener) Addr() string { return l.inner.Addr().String() }
func (l *Listener) Close() error { return l.inner.Close() }

// Dial opens a QUIC connection to addr.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config, quicConf *quic.Config) (Conn, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConf)
	if err != nil {
		return nil, err
	}
	return Wrap(conn), nil
}
