// Copyright (c) 2020-2026 The Quinn Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Connection state shared by every exchange: the QPACK tables, the stream
// registry, the control/encoder/decoder streams, and the Serve driver that
// feeds them. The mutex is only ever held across short table work; decode
// waits happen outside it on the table's insert broadcast.

package h3

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/krircc/quinn/tcp2"
	"github.com/quic-go/quic-go/quicvarint"
	"go.uber.org/zap"
)

type side int8

const ( // connection sides
	clientSide side = iota
	serverSide
)

// Conn is one HTTP/3 connection. Exchanges on it share the dynamic table and
// the unidirectional plumbing; Serve must be running for any of them to make
// progress.
type Conn struct {
	// Immutable
	transport tcp2.Conn
	side      side
	settings  Settings // ours, advertised in SETTINGS
	logger    *zap.Logger

	// Decode side, guarded by mu
	mu           sync.Mutex
	table        dynamicTable
	streams      map[int64]struct{} // live exchanges
	peerSettings Settings
	goingAway    bool
	closeErr     error

	// Encode side, guarded by encMu (held across encoder stream writes so
	// instruction wire order matches the table mirror)
	encMu sync.Mutex
	enc   fieldEncoder

	decMu sync.Mutex // decoder stream writes

	ctlStream tcp2.SendStream
	encStream tcp2.SendStream
	decStream tcp2.SendStream

	sawControl bool // peer critical streams, guarded by mu
	sawEncoder bool
	sawDecoder bool

	requests chan *RecvRequest // server side pending exchanges

	readyCh    chan struct{} // closed once local uni streams are open
	settingsCh chan struct{} // closed once peer SETTINGS arrived
	closedCh   chan struct{} // closed on teardown
	closeOnce  sync.Once
}

func newConn(transport tcp2.Conn, s side, settings Settings, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Conn{
		transport:  transport,
		side:       s,
		settings:   settings,
		logger:     logger,
		streams:    make(map[int64]struct{}),
		requests:   make(chan *RecvRequest, 16),
		readyCh:    make(chan struct{}),
		settingsCh: make(chan struct{}),
		closedCh:   make(chan struct{}),
	}
	c.table.init(settings.MaxTableCapacity)
	c.enc.init()
	return c
}

// Serve drives the connection: it opens the local control and QPACK streams,
// sends SETTINGS, and dispatches peer streams until the connection dies.
// Nothing on the connection progresses unless Serve is running.
func (c *Conn) Serve(ctx context.Context) error {
	if err := c.openLocalStreams(ctx); err != nil {
		c.teardown(fmt.Errorf("h3: opening unidirectional streams: %w", err))
		return c.closeError()
	}
	close(c.readyCh)
	go c.acceptUniStreams(ctx)
	go c.acceptBidiStreams(ctx)
	select {
	case <-ctx.Done():
		c.teardown(ctx.Err())
	case <-c.closedCh:
	}
	return c.closeError()
}

func (c *Conn) openLocalStreams(ctx context.Context) error {
	ctl, err := c.transport.OpenUniStream(ctx)
	if err != nil {
		return err
	}
	head := quicvarint.Append(nil, streamTypeControl)
	if _, err := ctl.Write(head); err != nil {
		return err
	}
	if err := writeFrame(ctl, frameSettings, settingsPayload(c.settings)); err != nil {
		return err
	}
	enc, err := c.transport.OpenUniStream(ctx)
	if err != nil {
		return err
	}
	if _, err := enc.Write(quicvarint.Append(nil, streamTypeQPACKEncoder)); err != nil {
		return err
	}
	dec, err := c.transport.OpenUniStream(ctx)
	if err != nil {
		return err
	}
	if _, err := dec.Write(quicvarint.Append(nil, streamTypeQPACKDecoder)); err != nil {
		return err
	}
	c.ctlStream, c.encStream, c.decStream = ctl, enc, dec
	return nil
}

func (c *Conn) acceptUniStreams(ctx context.Context) {
	for {
		stream, err := c.transport.AcceptUniStream(ctx)
		if err != nil {
			c.teardown(err)
			return
		}
		go c.runUniStream(stream)
	}
}

// runUniStream classifies a peer unidirectional stream by its type varint and
// runs the matching read loop.
func (c *Conn) runUniStream(stream tcp2.ReceiveStream) {
	r := quicvarint.NewReader(stream)
	kind, err := quicvarint.Read(r)
	if err != nil {
		return // peer gave up before the type byte, nothing to do
	}
	switch kind {
	case streamTypeControl:
		if !c.claimCritical(&c.sawControl) {
			c.abort(connError(CodeStreamCreationError, "duplicate control stream"))
			return
		}
		c.runControlStream(r)
	case streamTypeQPACKEncoder:
		if !c.claimCritical(&c.sawEncoder) {
			c.abort(connError(CodeStreamCreationError, "duplicate encoder stream"))
			return
		}
		c.runEncoderStream(r)
	case streamTypeQPACKDecoder:
		if !c.claimCritical(&c.sawDecoder) {
			c.abort(connError(CodeStreamCreationError, "duplicate decoder stream"))
			return
		}
		c.runDecoderStream(r)
	case streamTypePush:
		c.abort(connError(CodeIDError, "push stream without max push id"))
	default:
		// Unknown stream types are the peer's prerogative. Refuse the data.
		stream.CancelRead(uint64(CodeStreamCreationError))
	}
}

func (c *Conn) claimCritical(flag *bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if *flag {
		return false
	}
	*flag = true
	return true
}

// runControlStream reads the peer's control frames. The first frame must be
// SETTINGS; the stream must never end.
func (c *Conn) runControlStream(src io.Reader) {
	fr := newFrameReader(src, c.settings.MaxFieldSectionSize)
	first := true
	for {
		kind, payload, err := fr.readFrame()
		if err != nil {
			if err == io.EOF {
				err = connError(CodeClosedCriticalStream, "peer closed its control stream")
			}
			c.abort(err)
			return
		}
		if first {
			if kind != frameSettings {
				c.abort(connError(CodeMissingSettings, "first control frame is not SETTINGS"))
				return
			}
			peer, err := parseSettings(payload)
			if err != nil {
				c.abort(err)
				return
			}
			c.applyPeerSettings(peer)
			first = false
			continue
		}
		switch kind {
		case frameSettings:
			c.abort(connError(CodeFrameUnexpected, "repeated SETTINGS frame"))
			return
		case frameGoaway:
			id, err := parseGoaway(payload)
			if err != nil {
				c.abort(err)
				return
			}
			c.logger.Debug("peer is going away", zap.Int64("lastStream", id))
			c.mu.Lock()
			c.goingAway = true
			c.mu.Unlock()
		case frameData, frameHeaders:
			c.abort(connError(CodeFrameUnexpected, "message frame on the control stream"))
			return
		case frameCancelPush, frameMaxPushID:
			// No push support, nothing to cancel or grow.
		default:
			// Unknown frame types on the control stream are ignored; the
			// payload was already consumed.
		}
	}
}

func (c *Conn) applyPeerSettings(peer Settings) {
	c.mu.Lock()
	c.peerSettings = peer
	c.mu.Unlock()
	c.encMu.Lock()
	c.enc.setCapacity(peer.MaxTableCapacity, peer.MaxBlockedStreams)
	c.encMu.Unlock()
	close(c.settingsCh)
	c.logger.Debug("peer settings",
		zap.Uint64("tableCapacity", peer.MaxTableCapacity),
		zap.Uint64("maxFieldSection", peer.MaxFieldSectionSize))
}

// runEncoderStream feeds the peer's table instructions into the dynamic
// table, strictly in wire order. Each applied batch wakes blocked decodes and
// is acknowledged with an Insert Count Increment so the peer can drop
// speculative state even when no section references the entries.
func (c *Conn) runEncoderStream(r io.Reader) {
	var buf []byte
	chunk := make([]byte, _4K)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			c.mu.Lock()
			before := c.table.insertCount()
			used, aerr := applyEncoderInstructions(buf, &c.table)
			applied := c.table.insertCount() - before
			c.mu.Unlock()
			if aerr != nil {
				c.abort(aerr)
				return
			}
			buf = buf[used:]
			if applied > 0 {
				c.sendDecoderInstruction(insertCountIncrement(applied))
			}
		}
		if err != nil {
			c.abort(connError(CodeClosedCriticalStream, "peer closed its encoder stream"))
			return
		}
	}
}

// runDecoderStream consumes the peer's acknowledgements.
func (c *Conn) runDecoderStream(r io.Reader) {
	var buf []byte
	chunk := make([]byte, 512)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			used, serr := skipDecoderInstructions(buf)
			if serr != nil {
				c.abort(serr)
				return
			}
			buf = buf[used:]
		}
		if err != nil {
			c.abort(connError(CodeClosedCriticalStream, "peer closed its decoder stream"))
			return
		}
	}
}

// acceptBidiStreams turns inbound bidirectional streams into pending
// exchanges on the server side. Clients must never see one.
func (c *Conn) acceptBidiStreams(ctx context.Context) {
	for {
		stream, err := c.transport.AcceptStream(ctx)
		if err != nil {
			c.teardown(err)
			return
		}
		if c.side == clientSide {
			c.abort(connError(CodeStreamCreationError, "server opened a bidirectional stream"))
			return
		}
		c.mu.Lock()
		c.streams[stream.ID()] = struct{}{}
		c.mu.Unlock()
		req := newRecvRequest(c, stream)
		select {
		case c.requests <- req:
		case <-c.closedCh:
			stream.CancelRead(uint64(CodeRequestRejected))
			stream.CancelWrite(uint64(CodeRequestRejected))
			return
		}
	}
}

//////////////////////////////////////// encode and decode services ////////////////////////////////////////

// waitReady blocks until Serve has opened the local streams.
func (c *Conn) waitReady(ctx context.Context) error {
	select {
	case <-c.readyCh:
		return nil
	case <-c.closedCh:
		return c.closeError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// encodeFieldList compresses a field list and ships the table instructions it
// produced. The returned bytes are a complete field section.
func (c *Conn) encodeFieldList(list FieldList) ([]byte, error) {
	c.encMu.Lock()
	defer c.encMu.Unlock()
	section, insts := c.enc.encode(list)
	if len(insts) > 0 {
		if _, err := c.encStream.Write(insts); err != nil {
			return nil, fmt.Errorf("h3: writing encoder instructions: %w", err)
		}
	}
	return section, nil
}

// decodeFieldSection decompresses a field section, waiting for table inserts
// the section depends on. The wait is interruptible by the context and by
// connection teardown; the table lock is never held while waiting.
func (c *Conn) decodeFieldSection(ctx context.Context, streamID int64, section []byte) (FieldList, error) {
	for {
		c.mu.Lock()
		prefix, err := decodeSectionPrefix(section, c.settings.MaxTableCapacity, c.table.insertCount())
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		if prefix.requiredInserts <= c.table.insertCount() {
			list, err := decodeFieldLines(section[prefix.consumed:], prefix, &c.table, c.settings.MaxFieldSectionSize)
			c.mu.Unlock()
			if err != nil {
				return nil, err
			}
			if prefix.requiredInserts > 0 {
				c.sendDecoderInstruction(sectionAck(streamID))
			}
			return list, nil
		}
		inserted := c.table.insertedCh
		c.mu.Unlock()
		select {
		case <-inserted:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.closedCh:
			return nil, c.closeError()
		}
	}
}

func (c *Conn) sendDecoderInstruction(inst []byte) {
	c.decMu.Lock()
	_, err := c.decStream.Write(inst)
	c.decMu.Unlock()
	if err != nil {
		c.logger.Debug("decoder stream write failed", zap.Error(err))
	}
}

// cancelDecode tells the peer's encoder a stream's sections will never be
// acknowledged.
func (c *Conn) cancelDecode(streamID int64) {
	c.sendDecoderInstruction(streamCancellation(streamID))
}

//////////////////////////////////////// lifecycle ////////////////////////////////////////

// requestFinished releases an exchange's bookkeeping. Each exchange lands
// here exactly once, from whichever handle held the lifecycle last.
func (c *Conn) requestFinished(streamID int64) {
	c.mu.Lock()
	_, ok := c.streams[streamID]
	delete(c.streams, streamID)
	c.mu.Unlock()
	if !ok {
		c.logger.DPanic("request finished twice", zap.Int64("stream", streamID))
	}
}

// openExchange registers a fresh client-initiated stream.
func (c *Conn) openExchange(ctx context.Context) (tcp2.Stream, error) {
	c.mu.Lock()
	goingAway := c.goingAway
	c.mu.Unlock()
	if goingAway {
		return nil, ErrConnClosed
	}
	stream, err := c.transport.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.streams[stream.ID()] = struct{}{}
	c.mu.Unlock()
	return stream, nil
}

// abort kills the whole connection with a protocol error.
func (c *Conn) abort(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = err
		c.mu.Unlock()
		code := CodeOf(err)
		c.logger.Warn("connection aborted", zap.Stringer("code", code), zap.Error(err))
		c.transport.CloseWithError(uint64(code), code.String())
		close(c.closedCh)
	})
}

// teardown closes after a transport-level or local failure.
func (c *Conn) teardown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = err
		c.mu.Unlock()
		c.transport.CloseWithError(uint64(CodeNoError), "")
		close(c.closedCh)
	})
}

// Close shuts the connection down cleanly. Pending decodes and queued
// exchanges fail with ErrConnClosed.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = ErrConnClosed
		c.mu.Unlock()
		if c.ctlStream != nil {
			writeFrame(c.ctlStream, frameGoaway, goawayPayload(0))
		}
		c.transport.CloseWithError(uint64(CodeNoError), "")
		close(c.closedCh)
	})
	return nil
}

// PeerSettings returns the peer's advertised settings, waiting for its
// SETTINGS frame if it has not arrived yet.
func (c *Conn) PeerSettings(ctx context.Context) (Settings, error) {
	select {
	case <-c.settingsCh:
	case <-c.closedCh:
		return Settings{}, c.closeError()
	case <-ctx.Done():
		return Settings{}, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerSettings, nil
}

func (c *Conn) closeError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return c.closeErr
	}
	return ErrConnClosed
}
