// Copyright (c) 2020-2026 The Quinn Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package h3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/krircc/quinn/tcp2"
)

//////////////////////////////////////// in-memory transport ////////////////////////////////////////

// memPipe is one direction of one stream: an unbounded buffer with blocking
// reads, clean close, and reset-with-code from either end.
type memPipe struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
	reset  bool
	code   uint64
}

func newMemPipe() *memPipe {
	p := &memPipe{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *memPipe) write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reset {
		return 0, &tcp2.StreamError{Code: p.code}
	}
	if p.closed {
		return 0, errors.New("write on closed stream")
	}
	p.buf = append(p.buf, b...)
	p.cond.Broadcast()
	return len(b), nil
}

func (p *memPipe) read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.reset {
			return 0, &tcp2.StreamError{Code: p.code}
		}
		if len(p.buf) > 0 {
			n := copy(b, p.buf)
			p.buf = p.buf[n:]
			return n, nil
		}
		if p.closed {
			return 0, io.EOF
		}
		p.cond.Wait()
	}
}

func (p *memPipe) close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *memPipe) resetWith(code uint64) {
	p.mu.Lock()
	p.reset = true
	p.code = code
	p.cond.Broadcast()
	p.mu.Unlock()
}

type memStream struct {
	id  int64
	in  *memPipe
	out *memPipe
}

func (s *memStream) Read(p []byte) (int, error)  { return s.in.read(p) }
func (s *memStream) Write(p []byte) (int, error) { return s.out.write(p) }
func (s *memStream) ID() int64                   { return s.id }
func (s *memStream) Close() error                { s.out.close(); return nil }
func (s *memStream) CancelRead(code uint64)      { s.in.resetWith(code) }
func (s *memStream) CancelWrite(code uint64)     { s.out.resetWith(code) }

type memSendHalf struct {
	id  int64
	out *memPipe
}

func (s *memSendHalf) Write(p []byte) (int, error) { return s.out.write(p) }
func (s *memSendHalf) ID() int64                   { return s.id }
func (s *memSendHalf) Close() error                { s.out.close(); return nil }
func (s *memSendHalf) CancelWrite(code uint64)     { s.out.resetWith(code) }

type memRecvHalf struct {
	id int64
	in *memPipe
}

func (s *memRecvHalf) Read(p []byte) (int, error) { return s.in.read(p) }
func (s *memRecvHalf) ID() int64                  { return s.id }
func (s *memRecvHalf) CancelRead(code uint64)     { s.in.resetWith(code) }

// memConn is one endpoint of an in-memory connection pair, with QUIC's
// stream numbering.
type memConn struct {
	bidiBase int64
	uniBase  int64
	peer     *memConn
	bidi     chan tcp2.Stream
	uni      chan tcp2.ReceiveStream

	mu       sync.Mutex
	nextBidi int64
	nextUni  int64

	closed    chan struct{}
	closeOnce sync.Once
}

func newMemPair() (client, server *memConn) {
	client = &memConn{
		bidiBase: 0, uniBase: 2,
		bidi: make(chan tcp2.Stream, 16), uni: make(chan tcp2.ReceiveStream, 16),
		closed: make(chan struct{}),
	}
	server = &memConn{
		bidiBase: 1, uniBase: 3,
		bidi: make(chan tcp2.Stream, 16), uni: make(chan tcp2.ReceiveStream, 16),
		closed: make(chan struct{}),
	}
	client.peer, server.peer = server, client
	return client, server
}

func (c *memConn) OpenStream(ctx context.Context) (tcp2.Stream, error) {
	c.mu.Lock()
	id := c.bidiBase + 4*c.nextBidi
	c.nextBidi++
	c.mu.Unlock()
	a, b := newMemPipe(), newMemPipe()
	local := &memStream{id: id, in: b, out: a}
	remote := &memStream{id: id, in: a, out: b}
	select {
	case c.peer.bidi <- remote:
		return local, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memConn) OpenUniStream(ctx context.Context) (tcp2.SendStream, error) {
	c.mu.Lock()
	id := c.uniBase + 4*c.nextUni
	c.nextUni++
	c.mu.Unlock()
	pipe := newMemPipe()
	select {
	case c.peer.uni <- &memRecvHalf{id: id, in: pipe}:
		return &memSendHalf{id: id, out: pipe}, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memConn) AcceptStream(ctx context.Context) (tcp2.Stream, error) {
	select {
	case s := <-c.bidi:
		return s, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memConn) AcceptUniStream(ctx context.Context) (tcp2.ReceiveStream, error) {
	select {
	case s := <-c.uni:
		return s, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memConn) CloseWithError(code uint64, reason string) error {
	c.closeOnce.Do(func() { close(c.closed) })
	c.peer.closeOnce.Do(func() { close(c.peer.closed) })
	return nil
}

// byteStream serves canned bytes as a receive stream, for codec tests.
type byteStream struct {
	r *bytes.Reader
}

func (s *byteStream) Read(p []byte) (int, error) { return s.r.Read(p) }
func (s *byteStream) ID() int64                  { return 0 }
func (s *byteStream) CancelRead(code uint64)     {}

// recordSend captures written bytes, for decoder stream assertions.
type recordSend struct {
	mu  sync.Mutex
	buf []byte
}

func (s *recordSend) Write(p []byte) (int, error) {
	s.mu.Lock()
	s.buf = append(s.buf, p...)
	s.mu.Unlock()
	return len(p), nil
}
func (s *recordSend) ID() int64               { return 0 }
func (s *recordSend) Close() error            { return nil }
func (s *recordSend) CancelWrite(code uint64) {}

func (s *recordSend) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf...)
}

// connPair wires a client and a server engine over an in-memory transport
// and runs both drivers.
func connPair(t *testing.T) (clientConn, serverConn *Conn, ctx context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	ct, st := newMemPair()
	clientConn = NewClient().NewConn(ct)
	serverConn = NewServer().NewConn(st)
	go clientConn.Serve(ctx)
	go serverConn.Serve(ctx)
	t.Cleanup(func() { clientConn.Close() })
	return clientConn, serverConn, ctx
}

//////////////////////////////////////// codec tests ////////////////////////////////////////

func TestPrefixedInteger(t *testing.T) {
	for _, v := range []uint64{0, 1, 30, 31, 32, 127, 128, 1337, 1 << 20, 1 << 40} {
		for _, n := range []byte{3, 5, 6, 7, 8} {
			enc := qpackEncodeInt(nil, 0, n, v)
			got, used, err := qpackDecodeInt(enc, n)
			if err != nil || got != v || used != len(enc) {
				t.Fatalf("n=%d v=%d: got %d used %d err %v", n, v, got, used, err)
			}
		}
	}
	// flags must survive in the first byte's high bits
	enc := qpackEncodeInt(nil, 0x80, 7, 1337)
	if enc[0]&0x80 == 0 {
		t.Fatal("flag bit lost")
	}
	if got, _, err := qpackDecodeInt(enc, 7); err != nil || got != 1337 {
		t.Fatalf("flagged decode: got %d err %v", got, err)
	}
	// a short buffer is curable, more bytes may complete it
	if _, _, err := qpackDecodeInt([]byte{0xff, 0x80}, 8); err != errNeedMore {
		t.Fatalf("truncated integer: %v", err)
	}
	// an over-long continuation must not wrap around to a small value
	overlong := []byte{0xff, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x01}
	if v, _, err := qpackDecodeInt(overlong, 8); err != errMalformed {
		t.Fatalf("overlong continuation: v=%d err=%v", v, err)
	}
	// same for a value past the varint range
	tooBig := qpackEncodeInt(nil, 0, 8, 1<<62)
	if v, _, err := qpackDecodeInt(tooBig, 8); err != errMalformed {
		t.Fatalf("out-of-range integer: v=%d err=%v", v, err)
	}
}

func TestStringLiteral(t *testing.T) {
	for _, s := range []string{"", "x", "www.example.com", "no-cache", "a/b/c?d=e&f=g", "\x00\xff binary \x01"} {
		enc := qpackEncodeString(nil, 0, 7, s)
		got, used, err := qpackDecodeString(enc, 7)
		if err != nil || got != s || used != len(enc) {
			t.Fatalf("%q: got %q used %d err %v", s, got, used, err)
		}
	}
}

func TestDynamicTableEviction(t *testing.T) {
	var table dynamicTable
	table.init(256)
	if err := table.setCapacity(160); err != nil {
		t.Fatal(err)
	}
	// each entry is 8+8+32 = 48 bytes; 160 holds three, the fourth evicts
	names := []string{"aaaaaaaa", "bbbbbbbb", "cccccccc", "dddddddd"}
	for _, n := range names {
		if err := table.insert(n, "vvvvvvvv"); err != nil {
			t.Fatal(err)
		}
	}
	if got := table.insertCount(); got != 4 {
		t.Fatalf("insert count = %d", got)
	}
	if table.dropped != 1 {
		t.Fatalf("dropped = %d", table.dropped)
	}
	if _, err := table.get(0); CodeOf(err) != CodeQPACKDecompression {
		t.Fatalf("evicted reference: %v", err)
	}
	e, err := table.get(1)
	if err != nil || e.name != "bbbbbbbb" {
		t.Fatalf("oldest survivor: %v %q", err, e.name)
	}
	e, err = table.get(3)
	if err != nil || e.name != "dddddddd" {
		t.Fatalf("newest: %v %q", err, e.name)
	}
	if err := table.setCapacity(500); err == nil {
		t.Fatal("capacity above maximum accepted")
	}
}

func TestStaticSectionRoundTrip(t *testing.T) {
	var enc fieldEncoder
	enc.init()
	// capacity stays 0: no instructions, no dynamic references
	list := FieldList{
		{Name: ":method", Value: "GET"},
		{Name: ":path", Value: "/index.html"},
		{Name: "accept-encoding", Value: "gzip, deflate, br"},
		{Name: "x-unknown", Value: "zzz"},
		{Name: "authorization", Value: "secret", Sensitive: true},
	}
	section, insts := enc.encode(list)
	if len(insts) != 0 {
		t.Fatalf("unexpected instructions: %x", insts)
	}
	var table dynamicTable
	table.init(0)
	prefix, err := decodeSectionPrefix(section, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if prefix.requiredInserts != 0 {
		t.Fatalf("static section requires inserts: %d", prefix.requiredInserts)
	}
	got, err := decodeFieldLines(section[prefix.consumed:], prefix, &table, _16K)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(list) {
		t.Fatalf("length %d != %d", len(got), len(list))
	}
	for i := range list {
		if got[i].Name != list[i].Name || got[i].Value != list[i].Value {
			t.Fatalf("field %d: got %v want %v", i, got[i], list[i])
		}
	}
}

func TestDynamicSectionRoundTrip(t *testing.T) {
	var enc fieldEncoder
	enc.init()
	enc.setCapacity(4096, 16)
	list := FieldList{
		{Name: ":method", Value: "GET"},
		{Name: "x-trace-id", Value: "abc123"},
	}
	section, insts := enc.encode(list)
	if len(insts) == 0 {
		t.Fatal("no table instructions emitted")
	}
	settings := DefaultSettings()
	var table dynamicTable
	table.init(settings.MaxTableCapacity)
	used, err := applyEncoderInstructions(insts, &table)
	if err != nil || used != len(insts) {
		t.Fatalf("apply: used %d err %v", used, err)
	}
	prefix, err := decodeSectionPrefix(section, settings.MaxTableCapacity, table.insertCount())
	if err != nil {
		t.Fatal(err)
	}
	if prefix.requiredInserts != 1 {
		t.Fatalf("required inserts = %d", prefix.requiredInserts)
	}
	got, err := decodeFieldLines(section[prefix.consumed:], prefix, &table, _16K)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1].Name != "x-trace-id" || got[1].Value != "abc123" {
		t.Fatalf("round trip: %v", got)
	}

	// a second section with the same field references the cached entry and
	// needs no new instructions
	section2, insts2 := enc.encode(list)
	if len(insts2) != 0 {
		t.Fatalf("re-encode emitted instructions: %x", insts2)
	}
	prefix2, err := decodeSectionPrefix(section2, settings.MaxTableCapacity, table.insertCount())
	if err != nil {
		t.Fatal(err)
	}
	got2, err := decodeFieldLines(section2[prefix2.consumed:], prefix2, &table, _16K)
	if err != nil || len(got2) != 2 || got2[1].Value != "abc123" {
		t.Fatalf("cached round trip: %v %v", got2, err)
	}
}

func TestBlockedDecodeWaits(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c := newConn(nil, serverSide, DefaultSettings(), nil)
	decoderStream := &recordSend{}
	c.decStream = decoderStream

	var enc fieldEncoder
	enc.init()
	enc.setCapacity(DefaultSettings().MaxTableCapacity, 16)
	section, insts := enc.encode(FieldList{{Name: "x-custom", Value: "v1"}})

	done := make(chan FieldList, 1)
	errCh := make(chan error, 1)
	go func() {
		list, err := c.decodeFieldSection(ctx, 0, section)
		if err != nil {
			errCh <- err
			return
		}
		done <- list
	}()
	select {
	case <-done:
		t.Fatal("decode completed before its table inserts arrived")
	case err := <-errCh:
		t.Fatalf("early decode error: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	c.mu.Lock()
	used, err := applyEncoderInstructions(insts, &c.table)
	c.mu.Unlock()
	if err != nil || used != len(insts) {
		t.Fatalf("apply: used %d err %v", used, err)
	}
	select {
	case list := <-done:
		if len(list) != 1 || list[0].Value != "v1" {
			t.Fatalf("decoded %v", list)
		}
	case err := <-errCh:
		t.Fatal(err)
	case <-time.After(2 * time.Second):
		t.Fatal("decode still blocked after inserts arrived")
	}
	ack := decoderStream.bytes()
	if len(ack) == 0 || ack[0]&0x80 == 0 {
		t.Fatalf("no section acknowledgement: %x", ack)
	}
}

func TestEncoderStreamGarbageRejected(t *testing.T) {
	settings := DefaultSettings()
	var table dynamicTable
	table.init(settings.MaxTableCapacity)
	// an Insert With Literal Name whose name claims 64 KiB: no amount of
	// further bytes can make that valid, so it must fail now, not stall
	huge := qpackEncodeInt(nil, 0x40, 5, 1<<16)
	if _, err := applyEncoderInstructions(huge, &table); CodeOf(err) != CodeQPACKEncoderStream {
		t.Fatalf("oversized literal: %v", err)
	}

	// a truncated but well-formed instruction waits for the rest instead
	var enc fieldEncoder
	enc.init()
	enc.setCapacity(settings.MaxTableCapacity, 16)
	_, insts := enc.encode(FieldList{{Name: "x-partial", Value: "yes"}})
	table.init(settings.MaxTableCapacity)
	used, err := applyEncoderInstructions(insts[:len(insts)-1], &table)
	if err != nil {
		t.Fatalf("partial instruction: %v", err)
	}
	if used >= len(insts) {
		t.Fatalf("consumed past the buffer: %d", used)
	}
	used2, err := applyEncoderInstructions(insts[used:], &table)
	if err != nil || used+used2 != len(insts) {
		t.Fatalf("resumed apply: used %d err %v", used2, err)
	}
	if table.insertCount() != 1 {
		t.Fatalf("insert count %d", table.insertCount())
	}
}

func TestInsertCountIncrementEmitted(t *testing.T) {
	ct, _ := newMemPair()
	c := newConn(ct, serverSide, DefaultSettings(), nil)
	decoderStream := &recordSend{}
	c.decStream = decoderStream

	pipe := newMemPipe()
	go c.runEncoderStream(&memRecvHalf{id: 3, in: pipe})
	defer pipe.close()

	var enc fieldEncoder
	enc.init()
	enc.setCapacity(DefaultSettings().MaxTableCapacity, 16)
	_, insts := enc.encode(FieldList{{Name: "x-count", Value: "1"}})
	pipe.write(insts)

	deadline := time.Now().Add(2 * time.Second)
	for {
		got := decoderStream.bytes()
		if len(got) > 0 {
			if got[0]&0xc0 != 0 {
				t.Fatalf("not an insert count increment: %x", got)
			}
			delta, _, err := qpackDecodeInt(got, 6)
			if err != nil || delta != 1 {
				t.Fatalf("increment = %d err %v", delta, err)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("no insert count increment emitted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestParseSettings(t *testing.T) {
	s := Settings{MaxTableCapacity: 4096, MaxFieldSectionSize: 16384, MaxBlockedStreams: 16}
	got, err := parseSettings(settingsPayload(s))
	if err != nil || got != s {
		t.Fatalf("round trip: %v %v", got, err)
	}
	reserved := []byte{0x02, 0x00}
	if _, err := parseSettings(reserved); CodeOf(err) != CodeSettingsError {
		t.Fatalf("reserved identifier: %v", err)
	}
	dup := []byte{0x01, 0x10, 0x01, 0x10}
	if _, err := parseSettings(dup); CodeOf(err) != CodeSettingsError {
		t.Fatalf("duplicate identifier: %v", err)
	}
	unknown := []byte{0x21, 0x05} // grease, ignored
	if _, err := parseSettings(unknown); err != nil {
		t.Fatalf("unknown identifier rejected: %v", err)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFrame(&buf, frameHeaders, []byte("section")); err != nil {
		t.Fatal(err)
	}
	if err := writeFrame(&buf, frameData, []byte("hello body")); err != nil {
		t.Fatal(err)
	}
	fr := newFrameReader(&byteStream{r: bytes.NewReader(buf.Bytes())}, _16K)
	kind, payload, err := fr.readFrame()
	if err != nil || kind != frameHeaders || string(payload) != "section" {
		t.Fatalf("headers frame: %d %q %v", kind, payload, err)
	}
	kind, payload, err = fr.readFrame()
	if err != nil || kind != frameData || payload != nil {
		t.Fatalf("data frame: %d %q %v", kind, payload, err)
	}
	// one byte at a time
	var body []byte
	one := make([]byte, 1)
	for fr.dataRemaining > 0 {
		n, err := fr.readData(one)
		if err != nil {
			t.Fatal(err)
		}
		body = append(body, one[:n]...)
	}
	if string(body) != "hello body" {
		t.Fatalf("body = %q", body)
	}
	if _, _, err := fr.readFrame(); err != io.EOF {
		t.Fatalf("end: %v", err)
	}

	// mid-frame truncation is a frame error, not a clean end
	full := buf.Bytes()
	fr = newFrameReader(&byteStream{r: bytes.NewReader(full[:len(full)-3])}, _16K)
	fr.readFrame()
	fr.readFrame()
	for {
		_, err := fr.readData(one)
		if err != nil {
			if CodeOf(err) != CodeFrameError {
				t.Fatalf("truncated: %v", err)
			}
			break
		}
	}
}

func TestHeadValidation(t *testing.T) {
	if _, err := requestHead(FieldList{
		{Name: ":method", Value: "GET"},
		{Name: "accept", Value: "*/*"},
		{Name: ":path", Value: "/"},
	}); CodeOf(err) != CodeMessageError {
		t.Fatalf("pseudo after regular: %v", err)
	}
	if _, err := requestHead(FieldList{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
	}); CodeOf(err) != CodeMessageError {
		t.Fatalf("missing :path: %v", err)
	}
	if _, err := responseHead(FieldList{{Name: ":status", Value: "17"}}); CodeOf(err) != CodeMessageError {
		t.Fatalf("status out of range: %v", err)
	}
	head, err := responseHead(FieldList{{Name: ":status", Value: "204"}})
	if err != nil || head.Status != 204 {
		t.Fatalf("status: %v %v", head, err)
	}
	if _, err := trailerFields(FieldList{{Name: ":status", Value: "200"}}); CodeOf(err) != CodeMessageError {
		t.Fatalf("pseudo in trailers: %v", err)
	}
}

//////////////////////////////////////// exchange tests ////////////////////////////////////////

func TestRequestResponseExchange(t *testing.T) {
	clientConn, serverConn, ctx := connPair(t)

	go func() {
		req, err := serverConn.AcceptRequest(ctx)
		if err != nil {
			return
		}
		head, body, sender, err := req.Receive(ctx)
		if err != nil {
			t.Errorf("server receive: %v", err)
			return
		}
		if head.Method != "POST" || head.Path != "/echo" {
			t.Errorf("server head: %+v", head)
		}
		payload, err := io.ReadAll(body)
		if err != nil {
			t.Errorf("server body: %v", err)
			return
		}
		body.Close()
		resp := &ResponseHead{Status: 200, Fields: FieldList{{Name: "content-type", Value: "text/plain"}}}
		if _, err := sender.SendResponse(resp, payload); err != nil {
			t.Errorf("server send: %v", err)
		}
	}()

	reqHead := &RequestHead{
		Method: "POST", Scheme: "https", Authority: "test", Path: "/echo",
		Fields: FieldList{{Name: "x-request-id", Value: "42"}},
	}
	resp, _, err := clientConn.SendRequest(ctx, reqHead, []byte("hello h3"))
	if err != nil {
		t.Fatal(err)
	}
	head, reader, err := resp.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if head.Status != 200 {
		t.Fatalf("status %d", head.Status)
	}
	if ct, _ := head.Fields.Get("content-type"); ct != "text/plain" {
		t.Fatalf("content-type %q", ct)
	}
	// one-byte reads must reassemble the body exactly
	var body []byte
	one := make([]byte, 1)
	for {
		n, err := reader.Read(one)
		body = append(body, one[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	if string(body) != "hello h3" {
		t.Fatalf("body %q", body)
	}
	reader.Close()

	// every exchange released its bookkeeping exactly once
	waitForEmptyStreams(t, clientConn)
	waitForEmptyStreams(t, serverConn)
}

func TestTrailersGatedUntilEndOfBody(t *testing.T) {
	clientConn, serverConn, ctx := connPair(t)

	go func() {
		req, err := serverConn.AcceptRequest(ctx)
		if err != nil {
			return
		}
		_, body, sender, err := req.Receive(ctx)
		if err != nil {
			return
		}
		io.ReadAll(body)
		body.Close()
		writer, err := sender.SendResponse(&ResponseHead{Status: 200}, nil)
		if err != nil {
			t.Errorf("send response: %v", err)
			return
		}
		writer.Write([]byte("part one "))
		writer.Write([]byte("part two"))
		if err := writer.SendTrailers(FieldList{{Name: "checksum", Value: "abc"}}); err != nil {
			t.Errorf("trailers: %v", err)
		}
	}()

	req := &RequestHead{Method: "GET", Scheme: "https", Authority: "test", Path: "/"}
	resp, _, err := clientConn.SendRequest(ctx, req, []byte{})
	if err != nil {
		t.Fatal(err)
	}
	_, reader, err := resp.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if tr, err := reader.Trailers(ctx); err != nil || tr != nil {
		t.Fatalf("trailers before end of body: %v %v", tr, err)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "part one part two" {
		t.Fatalf("body %q", body)
	}
	trailers, err := reader.Trailers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := trailers.Get("checksum"); v != "abc" {
		t.Fatalf("trailers %v", trailers)
	}
	reader.Close()
}

func TestRejectLeavesOtherExchangesAlone(t *testing.T) {
	clientConn, serverConn, ctx := connPair(t)

	go func() {
		first, err := serverConn.AcceptRequest(ctx)
		if err != nil {
			return
		}
		first.Reject()
		second, err := serverConn.AcceptRequest(ctx)
		if err != nil {
			return
		}
		_, body, sender, err := second.Receive(ctx)
		if err != nil {
			t.Errorf("second receive: %v", err)
			return
		}
		io.ReadAll(body)
		body.Close()
		sender.SendResponse(&ResponseHead{Status: 200}, []byte("ok"))
	}()

	req := &RequestHead{Method: "GET", Scheme: "https", Authority: "test", Path: "/"}
	resp1, _, err := clientConn.SendRequest(ctx, req, []byte{})
	if err != nil {
		t.Fatal(err)
	}
	resp2, _, err := clientConn.SendRequest(ctx, req, []byte{})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := resp1.Receive(ctx); CodeOf(err) != CodeRequestRejected {
		t.Fatalf("rejected exchange: %v", err)
	}
	head, reader, err := resp2.Receive(ctx)
	if err != nil {
		t.Fatalf("surviving exchange: %v", err)
	}
	if head.Status != 200 {
		t.Fatalf("status %d", head.Status)
	}
	body, _ := io.ReadAll(reader)
	if string(body) != "ok" {
		t.Fatalf("body %q", body)
	}
	reader.Close()
	waitForEmptyStreams(t, serverConn)
}

func TestBodyCancelPropagates(t *testing.T) {
	clientConn, serverConn, ctx := connPair(t)

	cancelled := make(chan struct{})
	go func() {
		req, err := serverConn.AcceptRequest(ctx)
		if err != nil {
			return
		}
		_, body, sender, err := req.Receive(ctx)
		if err != nil {
			return
		}
		body.Cancel()
		sender.Cancel()
		close(cancelled)
	}()

	req := &RequestHead{Method: "POST", Scheme: "https", Authority: "test", Path: "/upload"}
	_, writer, err := clientConn.SendRequest(ctx, req, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := writer.Write([]byte("chunk")); err != nil {
		t.Fatal(err)
	}
	<-cancelled
	// the reset arrives asynchronously; writes fail once it lands
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := writer.Write([]byte("chunk"))
		if err != nil {
			if code, ok := tcp2.ResetCode(err); !ok || code != uint64(CodeRequestCancelled) {
				t.Fatalf("cancel code: %v", err)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("writes kept succeeding after cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
	writer.Cancel()
	waitForEmptyStreams(t, serverConn)
}

func TestCancelUnblocksBodyRead(t *testing.T) {
	clientConn, serverConn, ctx := connPair(t)

	req := &RequestHead{Method: "POST", Scheme: "https", Authority: "test", Path: "/slow"}
	resp, writer, err := clientConn.SendRequest(ctx, req, nil)
	if err != nil {
		t.Fatal(err)
	}
	sreq, err := serverConn.AcceptRequest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	_, body, sender, err := sreq.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 16)
		_, err := body.Read(buf) // blocks, the client has sent no body bytes
		readErr <- err
	}()
	select {
	case err := <-readErr:
		t.Fatalf("read returned before cancel: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	body.Cancel()
	select {
	case err := <-readErr:
		if CodeOf(err) != CodeRequestCancelled {
			t.Fatalf("cancelled read: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read still blocked after cancel")
	}
	if _, err := body.Read(make([]byte, 1)); CodeOf(err) != CodeRequestCancelled {
		t.Fatalf("read after cancel: %v", err)
	}
	sender.Cancel()
	writer.Cancel()
	resp.Cancel()
	waitForEmptyStreams(t, serverConn)
	waitForEmptyStreams(t, clientConn)
}

func TestFirstFrameMustBeHeaders(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ct, st := newMemPair()
	clientConn := NewClient().NewConn(ct)
	serverConn := NewServer().NewConn(st)
	go clientConn.Serve(ctx)
	go serverConn.Serve(ctx)
	defer clientConn.Close()

	// a raw stream that leads with DATA instead of HEADERS
	raw, err := ct.OpenStream(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := writeFrame(raw, frameData, []byte("bogus")); err != nil {
		t.Fatal(err)
	}
	req, err := serverConn.AcceptRequest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := req.Receive(ctx); CodeOf(err) != CodeFrameUnexpected {
		t.Fatalf("leading data frame: %v", err)
	}
	// the offender got reset; the connection survives for the next exchange
	buf := make([]byte, 1)
	if _, err := raw.Read(buf); err == nil {
		t.Fatal("offending stream still readable")
	}
	go func() {
		req, err := serverConn.AcceptRequest(ctx)
		if err != nil {
			return
		}
		_, body, sender, err := req.Receive(ctx)
		if err != nil {
			return
		}
		io.ReadAll(body)
		body.Close()
		sender.SendResponse(&ResponseHead{Status: 200}, []byte("fine"))
	}()
	resp, _, err := clientConn.SendRequest(ctx, &RequestHead{Method: "GET", Scheme: "https", Authority: "t", Path: "/"}, []byte{})
	if err != nil {
		t.Fatal(err)
	}
	head, reader, err := resp.Receive(ctx)
	if err != nil || head.Status != 200 {
		t.Fatalf("connection poisoned: %v %v", head, err)
	}
	io.ReadAll(reader)
	reader.Close()
}

func TestSingleShotHandles(t *testing.T) {
	clientConn, serverConn, ctx := connPair(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		req, err := serverConn.AcceptRequest(ctx)
		if err != nil {
			return
		}
		_, body, sender, err := req.Receive(ctx)
		if err != nil {
			return
		}
		if _, _, _, err := req.Receive(ctx); err != ErrUsage {
			t.Errorf("second receive: %v", err)
		}
		io.ReadAll(body)
		body.Close()
		writer, err := sender.SendResponse(&ResponseHead{Status: 200}, nil)
		if err != nil {
			t.Errorf("send: %v", err)
			return
		}
		if _, err := sender.SendResponse(&ResponseHead{Status: 500}, nil); err != ErrUsage {
			t.Errorf("second send: %v", err)
		}
		writer.Write([]byte("done"))
		if err := writer.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
		if _, err := writer.Write([]byte("late")); err != ErrUsage {
			t.Errorf("write after close: %v", err)
		}
		if err := writer.Close(); err != ErrUsage {
			t.Errorf("double close: %v", err)
		}
	}()

	resp, _, err := clientConn.SendRequest(ctx, &RequestHead{Method: "GET", Scheme: "https", Authority: "t", Path: "/"}, []byte{})
	if err != nil {
		t.Fatal(err)
	}
	_, reader, err := resp.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(reader)
	if string(body) != "done" {
		t.Fatalf("body %q", body)
	}
	reader.Close()
	<-done
}

func waitForEmptyStreams(t *testing.T, c *Conn) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		n := len(c.streams)
		c.mu.Unlock()
		if n == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%d exchanges never released", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
