// Copyright (c) 2020-2026 The Quinn Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// HTTP/3 frame codec. Frames are varint type, varint length, payload.

package h3

import (
	"errors"
	"io"

	"github.com/krircc/quinn/tcp2"
	"github.com/quic-go/quic-go/quicvarint"
)

const ( // payload ceilings for whole-buffered frames
	maxControlPayload = _4K // SETTINGS, GOAWAY and friends stay tiny
)

// frameReader scans frames off one stream. DATA payloads are not buffered
// whole: readFrame reports the frame and readData drains the payload
// incrementally, so body fidelity holds even with one-byte caller buffers.
// The reader buffers, so a stream must not be read around it.
type frameReader struct {
	src           quicvarint.Reader
	maxHeaders    uint64 // HEADERS payload ceiling, from our settings
	dataRemaining uint64 // unread payload bytes of the current DATA frame
}

func newFrameReader(src io.Reader, maxHeaders uint64) *frameReader {
	return &frameReader{
		src:        quicvarint.NewReader(src),
		maxHeaders: maxHeaders,
	}
}

// readFrame reads the next frame header and, except for DATA, the payload.
// io.EOF means the stream ended cleanly on a frame boundary. For DATA the
// returned payload is nil and dataRemaining is armed for readData.
func (r *frameReader) readFrame() (kind uint64, payload []byte, err error) {
	if r.dataRemaining > 0 {
		return 0, nil, streamError(CodeFrameError, "previous data payload not drained")
	}
	kind, err = quicvarint.Read(r.src)
	if err != nil {
		if err == io.EOF {
			return 0, nil, io.EOF
		}
		return 0, nil, mapReadErr(err)
	}
	length, err := quicvarint.Read(r.src)
	if err != nil {
		return 0, nil, mapReadErr(eofIsUnexpected(err))
	}
	switch kind {
	case frameData:
		r.dataRemaining = length
		return kind, nil, nil
	case frameHeaders, framePushPromise:
		if length > r.maxHeaders {
			return 0, nil, streamError(CodeExcessiveLoad, "field section frame too large")
		}
	default:
		if length > maxControlPayload {
			return 0, nil, streamError(CodeFrameError, "oversized control frame")
		}
	}
	payload = make([]byte, length)
	if _, err := io.ReadFull(r.src, payload); err != nil {
		return 0, nil, mapReadErr(eofIsUnexpected(err))
	}
	return kind, payload, nil
}

// readData copies up to len(p) bytes of the current DATA payload.
func (r *frameReader) readData(p []byte) (int, error) {
	if r.dataRemaining == 0 {
		return 0, io.EOF
	}
	if uint64(len(p)) > r.dataRemaining {
		p = p[:r.dataRemaining]
	}
	n, err := r.src.Read(p)
	r.dataRemaining -= uint64(n)
	if err != nil {
		return n, mapReadErr(eofIsUnexpected(err))
	}
	return n, nil
}

func eofIsUnexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// mapReadErr turns transport errors into protocol errors: a mid-frame end is
// H3_FRAME_ERROR, a peer reset keeps the peer's code.
func mapReadErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return streamError(CodeFrameError, "stream ended inside a frame")
	}
	if code, ok := tcp2.ResetCode(err); ok {
		return streamError(ErrCode(code), "stream reset by peer")
	}
	return err
}

// writeFrame writes one whole frame. io.Writer retries short writes, so a
// returned nil means the frame is fully queued and never interleaved.
func writeFrame(w io.Writer, kind uint64, payload []byte) error {
	header := quicvarint.Append(nil, kind)
	header = quicvarint.Append(header, uint64(len(payload)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

//////////////////////////////////////// SETTINGS and GOAWAY ////////////////////////////////////////

// settingsPayload serializes our settings as id/value varint pairs.
func settingsPayload(s Settings) []byte {
	var p []byte
	p = quicvarint.Append(p, settingQPACKMaxTableCapacity)
	p = quicvarint.Append(p, s.MaxTableCapacity)
	p = quicvarint.Append(p, settingMaxFieldSectionSize)
	p = quicvarint.Append(p, s.MaxFieldSectionSize)
	p = quicvarint.Append(p, settingQPACKBlockedStreams)
	p = quicvarint.Append(p, s.MaxBlockedStreams)
	return p
}

// parseSettings decodes a peer SETTINGS payload. Unknown identifiers are
// ignored; reserved HTTP/2 identifiers and duplicates are connection errors.
func parseSettings(payload []byte) (Settings, error) {
	s := Settings{MaxFieldSectionSize: 1<<62 - 1} // absent means unlimited
	seen := make(map[uint64]bool, 4)
	for len(payload) > 0 {
		id, n, err := quicvarint.Parse(payload)
		if err != nil {
			return s, connError(CodeSettingsError, "malformed settings identifier")
		}
		payload = payload[n:]
		value, n, err := quicvarint.Parse(payload)
		if err != nil {
			return s, connError(CodeSettingsError, "malformed settings value")
		}
		payload = payload[n:]
		if id >= 0x02 && id <= 0x05 {
			return s, connError(CodeSettingsError, "reserved setting identifier")
		}
		if seen[id] {
			return s, connError(CodeSettingsError, "duplicate setting identifier")
		}
		seen[id] = true
		switch id {
		case settingQPACKMaxTableCapacity:
			s.MaxTableCapacity = value
		case settingMaxFieldSectionSize:
			s.MaxFieldSectionSize = value
		case settingQPACKBlockedStreams:
			s.MaxBlockedStreams = value
		}
	}
	return s, nil
}

// goawayPayload carries the last processed stream id.
func goawayPayload(streamID int64) []byte {
	return quicvarint.Append(nil, uint64(streamID))
}

func parseGoaway(payload []byte) (int64, error) {
	id, n, err := quicvarint.Parse(payload)
	if err != nil || n != len(payload) {
		return 0, connError(CodeFrameError, "malformed goaway frame")
	}
	return int64(id), nil
}
