// Copyright (c) 2020-2026 The Quinn Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// QPACK field compression. See RFC 9204.
// Encoding never blocks. Decoding may wait for encoder stream inserts that
// have not arrived yet; the wait happens in conn.go, outside the table lock.

package h3

import (
	"errors"

	"golang.org/x/net/http2/hpack"
)

const ( // QPACK sizes and limits
	qpackEntryOverhead = 32  // per-entry bookkeeping size, RFC 9204 §3.2.1
	qpackMaxLiteral    = _4K // longest name or value literal we accept
	encoderTableWant   = _4K // dynamic table capacity our encoder asks for
	encoderMaxIndexed  = 256 // largest field we bother inserting into the table
)

// Low-level decode failures fall in two classes: a short buffer that more
// bytes can cure, and definitive garbage that no amount of bytes will fix.
// Stream-fed decoders (the instruction loops) wait on the former and kill
// the connection on the latter; whole-section decoders treat both as
// malformed.
var (
	errNeedMore  = errors.New("h3: incomplete qpack input")
	errMalformed = errors.New("h3: malformed qpack input")
)

//////////////////////////////////////// prefixed integers and strings ////////////////////////////////////////

// qpackEncodeInt appends v using an N-bit prefix, with flags or'ed into the
// first byte's high bits.
func qpackEncodeInt(dst []byte, flags byte, n byte, v uint64) []byte {
	k := uint64(1<<n - 1)
	if v < k {
		return append(dst, flags|byte(v))
	}
	dst = append(dst, flags|byte(k))
	for v -= k; v >= 0x80; v >>= 7 {
		dst = append(dst, byte(v)|0x80)
	}
	return append(dst, byte(v))
}

// qpackDecodeInt decodes an N-bit prefixed integer, returning the value and
// the number of bytes consumed.
func qpackDecodeInt(src []byte, n byte) (uint64, int, error) {
	if len(src) == 0 {
		return 0, 0, errNeedMore
	}
	k := uint64(1<<n - 1)
	v := uint64(src[0]) & k
	if v < k {
		return v, 1, nil
	}
	var m uint
	for j := 1; j < len(src); j++ {
		if m > 56 { // 63+ bits of continuation cannot fit a uint62
			return 0, 0, errMalformed
		}
		b := src[j]
		v += uint64(b&0x7f) << m
		if v >= 1<<62 { // keep within varint range, reject absurd values
			return 0, 0, errMalformed
		}
		if b&0x80 == 0 {
			return v, j + 1, nil
		}
		m += 7
	}
	return 0, 0, errNeedMore
}

// qpackEncodeString appends a string literal with an N-bit length prefix. The
// huffman flag sits just above the prefix. Huffman is used when it shrinks
// the literal.
func qpackEncodeString(dst []byte, flags byte, n byte, s string) []byte {
	hFlag := byte(1) << n
	if hLen := hpack.HuffmanEncodeLength(s); hLen < uint64(len(s)) {
		dst = qpackEncodeInt(dst, flags|hFlag, n, hLen)
		return hpack.AppendHuffmanString(dst, s)
	}
	dst = qpackEncodeInt(dst, flags, n, uint64(len(s)))
	return append(dst, s...)
}

// qpackDecodeString decodes a string literal with an N-bit length prefix.
func qpackDecodeString(src []byte, n byte) (string, int, error) {
	if len(src) == 0 {
		return "", 0, errNeedMore
	}
	huffman := src[0]&(1<<n) != 0
	length, j, err := qpackDecodeInt(src, n)
	if err != nil {
		return "", 0, err
	}
	if length > qpackMaxLiteral {
		return "", 0, errMalformed
	}
	if length > uint64(len(src)-j) {
		return "", 0, errNeedMore
	}
	raw := src[j : j+int(length)]
	j += int(length)
	if !huffman {
		return string(raw), j, nil
	}
	s, herr := hpack.HuffmanDecodeToString(raw)
	if herr != nil {
		return "", 0, errMalformed
	}
	return s, j, nil
}

//////////////////////////////////////// dynamic table ////////////////////////////////////////

// tableEntry is one dynamic table entry. Entries are addressed by absolute
// insert index; relative and post-base indices in field sections are resolved
// against a base before lookup.
type tableEntry struct {
	name  string
	value string
}

func entrySize(name, value string) uint64 {
	return uint64(len(name)) + uint64(len(value)) + qpackEntryOverhead
}

// dynamicTable is the connection-scoped, ordered, size-bounded field cache.
// Insertion and eviction order match wire order exactly; eviction is always
// oldest-first. Callers hold the connection lock around every method.
type dynamicTable struct {
	maxCapacity uint64        // upper bound from settings; capacity may not exceed it
	capacity    uint64        // current capacity, set by a Set Capacity instruction
	used        uint64        // bytes occupied by live entries
	dropped     uint64        // absolute index of the oldest retained entry
	entries     []tableEntry  // entries[0] is the oldest retained
	insertedCh  chan struct{} // closed and replaced on every insert (broadcast)
}

func (t *dynamicTable) init(maxCapacity uint64) {
	t.maxCapacity = maxCapacity
	t.capacity = 0
	t.used = 0
	t.dropped = 0
	t.entries = nil
	t.insertedCh = make(chan struct{})
}

func (t *dynamicTable) insertCount() uint64 { return t.dropped + uint64(len(t.entries)) }
func (t *dynamicTable) maxEntries() uint64  { return t.maxCapacity / qpackEntryOverhead }

// get resolves an absolute index. Referencing an already evicted entry is a
// decompression failure, never a silent substitution.
func (t *dynamicTable) get(abs uint64) (tableEntry, error) {
	if abs < t.dropped {
		return tableEntry{}, streamError(CodeQPACKDecompression, "reference to evicted table entry")
	}
	if abs >= t.insertCount() {
		return tableEntry{}, streamError(CodeQPACKDecompression, "reference beyond table insert count")
	}
	return t.entries[abs-t.dropped], nil
}

func (t *dynamicTable) setCapacity(capacity uint64) error {
	if capacity > t.maxCapacity {
		return connError(CodeQPACKEncoderStream, "table capacity above advertised maximum")
	}
	for t.used > capacity {
		t.evictOne()
	}
	t.capacity = capacity
	return nil
}

// insert appends an entry, evicting oldest-first to make room, and wakes all
// decodes waiting for the insert count to grow.
func (t *dynamicTable) insert(name, value string) error {
	size := entrySize(name, value)
	if size > t.capacity {
		return connError(CodeQPACKEncoderStream, "table entry larger than table capacity")
	}
	for t.used+size > t.capacity {
		t.evictOne()
	}
	t.entries = append(t.entries, tableEntry{name: name, value: value})
	t.used += size
	close(t.insertedCh)
	t.insertedCh = make(chan struct{})
	return nil
}

func (t *dynamicTable) evictOne() {
	e := t.entries[0]
	t.entries = t.entries[1:]
	t.used -= entrySize(e.name, e.value)
	t.dropped++
}

//////////////////////////////////////// encoder ////////////////////////////////////////

// fieldEncoder compresses outgoing field lists. It keeps its own mirror of
// the dynamic table it builds at the peer's decoder. It never evicts, so an
// entry once referenced stays referenceable; when the table fills up the
// encoder falls back to literals.
type fieldEncoder struct {
	maxCapacity uint64                // peer's advertised maximum, anchors RIC wrapping
	capacity    uint64                // capacity we chose, 0 until the peer's settings arrive
	used        uint64
	entries     []tableEntry          // mirror of the peer-side table, oldest first
	byField     map[tableEntry]uint64 // field -> absolute index
	capPending  bool                  // Set Capacity instruction not yet emitted
}

func (e *fieldEncoder) init() {
	e.byField = make(map[tableEntry]uint64)
}

// setCapacity is called once the peer's SETTINGS arrive. Until then the
// encoder uses only the static table and literals, which keeps encoding
// non-blocking at all times. A peer that allows no blocked streams gets no
// dynamic references from us either: our sections may reference entries the
// peer has not acknowledged yet.
func (e *fieldEncoder) setCapacity(peerMax, peerBlocked uint64) {
	if e.capacity != 0 || peerMax == 0 || peerBlocked == 0 {
		return
	}
	e.maxCapacity = peerMax
	e.capacity = min(peerMax, encoderTableWant)
	e.capPending = true
}

// encode turns a field list into a field section and the encoder stream
// instructions that must be written before it. Pure table work, no i/o.
func (e *fieldEncoder) encode(list FieldList) (section, instructions []byte) {
	var insts []byte
	if e.capPending {
		insts = qpackEncodeInt(insts, 0x20, 5, e.capacity) // Set Dynamic Table Capacity
		e.capPending = false
	}

	type rep struct {
		kind byte // 0 static indexed, 1 dynamic indexed, 2 static name ref, 3 literal
		idx  uint64
		f    Field
	}
	reps := make([]rep, 0, len(list))
	for _, f := range list {
		key := tableEntry{name: f.Name, value: f.Value}
		if idx, ok := qpackStaticIndex[key]; ok && !f.Sensitive {
			reps = append(reps, rep{kind: 0, idx: idx})
			continue
		}
		if !f.Sensitive {
			if abs, ok := e.byField[key]; ok {
				reps = append(reps, rep{kind: 1, idx: abs, f: f})
				continue
			}
			if abs, ok, inst := e.tryInsert(f); ok {
				insts = append(insts, inst...)
				reps = append(reps, rep{kind: 1, idx: abs, f: f})
				continue
			}
		}
		if idx, ok := qpackStaticNameIndex[f.Name]; ok {
			reps = append(reps, rep{kind: 2, idx: idx, f: f})
		} else {
			reps = append(reps, rep{kind: 3, f: f})
		}
	}

	// All inserts for this section are done, so every dynamic reference sits
	// below the base and the section never needs post-base representations.
	base := e.insertCount()
	ric := uint64(0)
	for _, r := range reps {
		if r.kind == 1 && r.idx+1 > ric {
			ric = r.idx + 1
		}
	}
	var sec []byte
	sec = qpackEncodeInt(sec, 0, 8, e.encodeRIC(ric))
	sec = qpackEncodeInt(sec, 0, 7, base-ric) // sign=0, deltaBase = base - ric
	for _, r := range reps {
		switch r.kind {
		case 0: // Indexed Field Line, static
			sec = qpackEncodeInt(sec, 0xc0, 6, r.idx)
		case 1: // Indexed Field Line, dynamic, relative to base
			sec = qpackEncodeInt(sec, 0x80, 6, base-1-r.idx)
		case 2: // Literal With Name Reference, static
			flags := byte(0x50)
			if r.f.Sensitive {
				flags |= 0x20 // never indexed
			}
			sec = qpackEncodeInt(sec, flags, 4, r.idx)
			sec = qpackEncodeString(sec, 0, 7, r.f.Value)
		case 3: // Literal With Literal Name
			flags := byte(0x20)
			if r.f.Sensitive {
				flags |= 0x10
			}
			sec = qpackEncodeString(sec, flags, 3, r.f.Name)
			sec = qpackEncodeString(sec, 0, 7, r.f.Value)
		}
	}
	return sec, insts
}

func (e *fieldEncoder) insertCount() uint64 { return uint64(len(e.entries)) }

// encodeRIC wraps the required insert count per RFC 9204 §4.5.1.1. The wrap
// modulus comes from the peer's advertised maximum, matching what its
// decoder will unwrap with.
func (e *fieldEncoder) encodeRIC(ric uint64) uint64 {
	if ric == 0 {
		return 0
	}
	maxEntries := e.maxCapacity / qpackEntryOverhead
	return ric%(2*maxEntries) + 1
}

// tryInsert adds a field to the table mirror if it fits without eviction and
// is small enough to be worth caching. Returns the Insert instruction bytes.
func (e *fieldEncoder) tryInsert(f Field) (abs uint64, ok bool, inst []byte) {
	size := entrySize(f.Name, f.Value)
	if size > encoderMaxIndexed || e.used+size > e.capacity {
		return 0, false, nil
	}
	if idx, has := qpackStaticNameIndex[f.Name]; has {
		inst = qpackEncodeInt(nil, 0xc0, 6, idx) // Insert With Name Reference, static
		inst = qpackEncodeString(inst, 0, 7, f.Value)
	} else {
		inst = qpackEncodeString(nil, 0x40, 5, f.Name) // Insert With Literal Name
		inst = qpackEncodeString(inst, 0, 7, f.Value)
	}
	abs = uint64(len(e.entries))
	e.entries = append(e.entries, tableEntry{name: f.Name, value: f.Value})
	e.byField[tableEntry{name: f.Name, value: f.Value}] = abs
	e.used += size
	return abs, true, inst
}

//////////////////////////////////////// decoder ////////////////////////////////////////

// sectionPrefix is the decoded Required Insert Count / Base prefix of a field
// section. requiredInserts is the cursor the decode suspends on.
type sectionPrefix struct {
	requiredInserts uint64
	base            uint64
	consumed        int
}

// decodeSectionPrefix reads the encoded prefix. totalInserts is the table's
// current insert count, used to unwrap the encoded RIC. The section is in
// hand in full, so a short read is as malformed as garbage.
func decodeSectionPrefix(src []byte, maxTableCapacity, totalInserts uint64) (sectionPrefix, error) {
	var p sectionPrefix
	encRIC, j, err := qpackDecodeInt(src, 8)
	if err != nil {
		return p, streamError(CodeQPACKDecompression, "malformed required insert count")
	}
	ric, rerr := decodeRIC(encRIC, maxTableCapacity/qpackEntryOverhead, totalInserts)
	if rerr != nil {
		return p, rerr
	}
	if j >= len(src) {
		return p, streamError(CodeQPACKDecompression, "truncated section prefix")
	}
	sign := src[j]&0x80 != 0
	delta, k, err := qpackDecodeInt(src[j:], 7)
	if err != nil {
		return p, streamError(CodeQPACKDecompression, "malformed delta base")
	}
	p.requiredInserts = ric
	if sign {
		if delta+1 > ric {
			return p, streamError(CodeQPACKDecompression, "negative base")
		}
		p.base = ric - delta - 1
	} else {
		p.base = ric + delta
	}
	p.consumed = j + k
	return p, nil
}

// decodeRIC reverses the RIC wrapping of RFC 9204 §4.5.1.1.
func decodeRIC(encoded, maxEntries, totalInserts uint64) (uint64, error) {
	if encoded == 0 {
		return 0, nil
	}
	if maxEntries == 0 {
		return 0, streamError(CodeQPACKDecompression, "dynamic reference with zero table capacity")
	}
	fullRange := 2 * maxEntries
	if encoded > fullRange {
		return 0, streamError(CodeQPACKDecompression, "required insert count out of range")
	}
	maxValue := totalInserts + maxEntries
	maxWrapped := maxValue / fullRange * fullRange
	ric := maxWrapped + encoded - 1
	if ric > maxValue {
		if ric <= fullRange {
			return 0, streamError(CodeQPACKDecompression, "required insert count out of range")
		}
		ric -= fullRange
	}
	if ric == 0 {
		return 0, streamError(CodeQPACKDecompression, "required insert count is zero")
	}
	return ric, nil
}

// decodeFieldLines decodes the field line representations that follow the
// prefix, resolving references against the dynamic table. The caller holds
// the connection lock, so the table cannot change underfoot; by the time this
// runs, requiredInserts is already satisfied.
func decodeFieldLines(src []byte, prefix sectionPrefix, table *dynamicTable, maxSectionSize uint64) (FieldList, error) {
	var list FieldList
	var sectionSize uint64
	add := func(name, value string) error {
		sectionSize += uint64(len(name)) + uint64(len(value)) + qpackEntryOverhead
		if sectionSize > maxSectionSize {
			return streamError(CodeExcessiveLoad, "field section exceeds the advertised maximum")
		}
		list = append(list, Field{Name: name, Value: value})
		return nil
	}
	i := 0
	for i < len(src) {
		b := src[i]
		switch {
		case b&0x80 != 0: // Indexed Field Line
			idx, j, err := qpackDecodeInt(src[i:], 6)
			if err != nil {
				return nil, streamError(CodeQPACKDecompression, "malformed indexed field line")
			}
			i += j
			if b&0x40 != 0 { // static
				if idx >= uint64(len(qpackStaticTable)) {
					return nil, streamError(CodeQPACKDecompression, "static index out of range")
				}
				f := qpackStaticTable[idx]
				if err := add(f.Name, f.Value); err != nil {
					return nil, err
				}
			} else { // dynamic, relative to base
				if idx+1 > prefix.base {
					return nil, streamError(CodeQPACKDecompression, "dynamic index below table start")
				}
				e, err := table.get(prefix.base - 1 - idx)
				if err != nil {
					return nil, err
				}
				if err := add(e.name, e.value); err != nil {
					return nil, err
				}
			}
		case b&0x40 != 0: // Literal With Name Reference
			idx, j, err := qpackDecodeInt(src[i:], 4)
			if err != nil {
				return nil, streamError(CodeQPACKDecompression, "malformed name reference")
			}
			i += j
			var name string
			if b&0x10 != 0 { // static name
				if idx >= uint64(len(qpackStaticTable)) {
					return nil, streamError(CodeQPACKDecompression, "static name index out of range")
				}
				name = qpackStaticTable[idx].Name
			} else {
				if idx+1 > prefix.base {
					return nil, streamError(CodeQPACKDecompression, "dynamic name index below table start")
				}
				e, err := table.get(prefix.base - 1 - idx)
				if err != nil {
					return nil, err
				}
				name = e.name
			}
			value, j, err := qpackDecodeString(src[i:], 7)
			if err != nil {
				return nil, streamError(CodeQPACKDecompression, "malformed literal value")
			}
			i += j
			if err := add(name, value); err != nil {
				return nil, err
			}
		case b&0x20 != 0: // Literal With Literal Name
			name, j, err := qpackDecodeString(src[i:], 3)
			if err != nil || len(name) == 0 {
				return nil, streamError(CodeQPACKDecompression, "malformed literal name")
			}
			i += j
			value, j, err := qpackDecodeString(src[i:], 7)
			if err != nil {
				return nil, streamError(CodeQPACKDecompression, "malformed literal value")
			}
			i += j
			if err := add(name, value); err != nil {
				return nil, err
			}
		case b&0x10 != 0: // Indexed Field Line With Post-Base Index
			idx, j, err := qpackDecodeInt(src[i:], 4)
			if err != nil {
				return nil, streamError(CodeQPACKDecompression, "malformed post-base index")
			}
			i += j
			e, err := table.get(prefix.base + idx)
			if err != nil {
				return nil, err
			}
			if err := add(e.name, e.value); err != nil {
				return nil, err
			}
		default: // Literal With Post-Base Name Reference
			idx, j, err := qpackDecodeInt(src[i:], 3)
			if err != nil {
				return nil, streamError(CodeQPACKDecompression, "malformed post-base name reference")
			}
			i += j
			e, err := table.get(prefix.base + idx)
			if err != nil {
				return nil, err
			}
			value, j, err := qpackDecodeString(src[i:], 7)
			if err != nil {
				return nil, streamError(CodeQPACKDecompression, "malformed literal value")
			}
			i += j
			if err := add(e.name, value); err != nil {
				return nil, err
			}
		}
	}
	return list, nil
}

//////////////////////////////////////// encoder/decoder stream instructions ////////////////////////////////////////

// instrErr folds a low-level decode failure on a fed stream: a short
// instruction waits for more bytes, garbage is a connection error.
func instrErr(consumed int, err error, code ErrCode, detail string) (int, error) {
	if err == errNeedMore {
		return consumed, nil
	}
	return consumed, connError(code, detail)
}

// applyEncoderInstructions feeds received encoder stream bytes into the
// dynamic table, in wire order. Returns the number of bytes consumed; a
// trailing partial instruction stays in the caller's buffer for the next
// read. The caller holds the connection lock.
func applyEncoderInstructions(src []byte, table *dynamicTable) (int, error) {
	i := 0
	for i < len(src) {
		b := src[i]
		switch {
		case b&0x80 != 0: // Insert With Name Reference
			idx, j, err := qpackDecodeInt(src[i:], 6)
			if err != nil {
				return instrErr(i, err, CodeQPACKEncoderStream, "malformed insert instruction")
			}
			var name string
			if b&0x40 != 0 { // static name
				if idx >= uint64(len(qpackStaticTable)) {
					return i, connError(CodeQPACKEncoderStream, "static name index out of range")
				}
				name = qpackStaticTable[idx].Name
			} else { // relative to the current insert count
				if idx+1 > table.insertCount() {
					return i, connError(CodeQPACKEncoderStream, "dynamic name index out of range")
				}
				e, gerr := table.get(table.insertCount() - 1 - idx)
				if gerr != nil {
					return i, connError(CodeQPACKEncoderStream, "dynamic name reference to evicted entry")
				}
				name = e.name
			}
			value, k, err := qpackDecodeString(src[i+j:], 7)
			if err != nil {
				return instrErr(i, err, CodeQPACKEncoderStream, "malformed insert value")
			}
			if err := table.insert(name, value); err != nil {
				return i, err
			}
			i += j + k
		case b&0x40 != 0: // Insert With Literal Name
			name, j, err := qpackDecodeString(src[i:], 5)
			if err != nil {
				return instrErr(i, err, CodeQPACKEncoderStream, "malformed insert name")
			}
			value, k, err := qpackDecodeString(src[i+j:], 7)
			if err != nil {
				return instrErr(i, err, CodeQPACKEncoderStream, "malformed insert value")
			}
			if err := table.insert(name, value); err != nil {
				return i, err
			}
			i += j + k
		case b&0x20 != 0: // Set Dynamic Table Capacity
			capacity, j, err := qpackDecodeInt(src[i:], 5)
			if err != nil {
				return instrErr(i, err, CodeQPACKEncoderStream, "malformed capacity instruction")
			}
			if err := table.setCapacity(capacity); err != nil {
				return i, err
			}
			i += j
		default: // Duplicate
			idx, j, err := qpackDecodeInt(src[i:], 5)
			if err != nil {
				return instrErr(i, err, CodeQPACKEncoderStream, "malformed duplicate instruction")
			}
			if idx+1 > table.insertCount() {
				return i, connError(CodeQPACKEncoderStream, "duplicate index out of range")
			}
			e, gerr := table.get(table.insertCount() - 1 - idx)
			if gerr != nil {
				return i, connError(CodeQPACKEncoderStream, "duplicate of evicted entry")
			}
			if err := table.insert(e.name, e.value); err != nil {
				return i, err
			}
			i += j
		}
	}
	return i, nil
}

// sectionAck builds a Section Acknowledgement decoder instruction.
func sectionAck(streamID int64) []byte {
	return qpackEncodeInt(nil, 0x80, 7, uint64(streamID))
}

// streamCancellation builds a Stream Cancellation decoder instruction.
func streamCancellation(streamID int64) []byte {
	return qpackEncodeInt(nil, 0x40, 6, uint64(streamID))
}

// insertCountIncrement builds an Insert Count Increment decoder instruction.
// We emit one for every applied insert batch; our Section Acknowledgements
// then never raise the peer's known received count further, since a
// section's required insert count can't exceed what has been incremented.
func insertCountIncrement(delta uint64) []byte {
	return qpackEncodeInt(nil, 0, 6, delta)
}

// skipDecoderInstructions consumes decoder stream bytes sent by the peer:
// section acks, stream cancellations, insert count increments. Our encoder
// never evicts and never stalls on the known received count, so the
// instructions carry no state we must track; they only need to parse.
func skipDecoderInstructions(src []byte) (int, error) {
	i := 0
	for i < len(src) {
		var n byte = 6
		if src[i]&0x80 != 0 {
			n = 7 // Section Acknowledgement
		}
		_, j, err := qpackDecodeInt(src[i:], n)
		if err != nil {
			return instrErr(i, err, CodeQPACKDecoderStream, "malformed decoder instruction")
		}
		i += j
	}
	return i, nil
}

//////////////////////////////////////// static table ////////////////////////////////////////

// qpackStaticTable is the fixed table of RFC 9204 Appendix A.
var qpackStaticTable = [99]Field{
	{Name: ":authority"},
	{Name: ":path", Value: "/"},
	{Name: "age", Value: "0"},
	{Name: "content-disposition"},
	{Name: "content-length", Value: "0"},
	{Name: "cookie"},
	{Name: "date"},
	{Name: "etag"},
	{Name: "if-modified-since"},
	{Name: "if-none-match"},
	{Name: "last-modified"},
	{Name: "link"},
	{Name: "location"},
	{Name: "referer"},
	{Name: "set-cookie"},
	{Name: ":method", Value: "CONNECT"},
	{Name: ":method", Value: "DELETE"},
	{Name: ":method", Value: "GET"},
	{Name: ":method", Value: "HEAD"},
	{Name: ":method", Value: "OPTIONS"},
	{Name: ":method", Value: "POST"},
	{Name: ":method", Value: "PUT"},
	{Name: ":scheme", Value: "http"},
	{Name: ":scheme", Value: "https"},
	{Name: ":status", Value: "103"},
	{Name: ":status", Value: "200"},
	{Name: ":status", Value: "304"},
	{Name: ":status", Value: "404"},
	{Name: ":status", Value: "503"},
	{Name: "accept", Value: "*/*"},
	{Name: "accept", Value: "application/dns-message"},
	{Name: "accept-encoding", Value: "gzip, deflate, br"},
	{Name: "accept-ranges", Value: "bytes"},
	{Name: "access-control-allow-headers", Value: "cache-control"},
	{Name: "access-control-allow-headers", Value: "content-type"},
	{Name: "access-control-allow-origin", Value: "*"},
	{Name: "cache-control", Value: "max-age=0"},
	{Name: "cache-control", Value: "max-age=2592000"},
	{Name: "cache-control", Value: "max-age=604800"},
	{Name: "cache-control", Value: "no-cache"},
	{Name: "cache-control", Value: "no-store"},
	{Name: "cache-control", Value: "public, max-age=31536000"},
	{Name: "content-encoding", Value: "br"},
	{Name: "content-encoding", Value: "gzip"},
	{Name: "content-type", Value: "application/dns-message"},
	{Name: "content-type", Value: "application/javascript"},
	{Name: "content-type", Value: "application/json"},
	{Name: "content-type", Value: "application/x-www-form-urlencoded"},
	{Name: "content-type", Value: "image/gif"},
	{Name: "content-type", Value: "image/jpeg"},
	{Name: "content-type", Value: "image/png"},
	{Name: "content-type", Value: "text/css"},
	{Name: "content-type", Value: "text/html; charset=utf-8"},
	{Name: "content-type", Value: "text/plain"},
	{Name: "content-type", Value: "text/plain;charset=utf-8"},
	{Name: "range", Value: "bytes=0-"},
	{Name: "strict-transport-security", Value: "max-age=31536000"},
	{Name: "strict-transport-security", Value: "max-age=31536000; includesubdomains"},
	{Name: "strict-transport-security", Value: "max-age=31536000; includesubdomains; preload"},
	{Name: "vary", Value: "accept-encoding"},
	{Name: "vary", Value: "origin"},
	{Name: "x-content-type-options", Value: "nosniff"},
	{Name: "x-xss-protection", Value: "1; mode=block"},
	{Name: ":status", Value: "100"},
	{Name: ":status", Value: "204"},
	{Name: ":status", Value: "206"},
	{Name: ":status", Value: "302"},
	{Name: ":status", Value: "400"},
	{Name: ":status", Value: "403"},
	{Name: ":status", Value: "421"},
	{Name: ":status", Value: "425"},
	{Name: ":status", Value: "500"},
	{Name: "accept-language"},
	{Name: "access-control-allow-credentials", Value: "FALSE"},
	{Name: "access-control-allow-credentials", Value: "TRUE"},
	{Name: "access-control-allow-headers", Value: "*"},
	{Name: "access-control-allow-methods", Value: "get"},
	{Name: "access-control-allow-methods", Value: "get, post, options"},
	{Name: "access-control-allow-methods", Value: "options"},
	{Name: "access-control-expose-headers", Value: "content-length"},
	{Name: "access-control-request-headers", Value: "content-type"},
	{Name: "access-control-request-method", Value: "get"},
	{Name: "access-control-request-method", Value: "post"},
	{Name: "alt-svc", Value: "clear"},
	{Name: "authorization"},
	{Name: "content-security-policy", Value: "script-src 'none'; object-src 'none'; base-uri 'none'"},
	{Name: "early-data", Value: "1"},
	{Name: "expect-ct"},
	{Name: "forwarded"},
	{Name: "if-range"},
	{Name: "origin"},
	{Name: "purpose", Value: "prefetch"},
	{Name: "server"},
	{Name: "timing-allow-origin", Value: "*"},
	{Name: "upgrade-insecure-requests", Value: "1"},
	{Name: "user-agent"},
	{Name: "x-forwarded-for"},
	{Name: "x-frame-options", Value: "deny"},
	{Name: "x-frame-options", Value: "sameorigin"},
}

var (
	qpackStaticIndex     map[tableEntry]uint64 // name+value -> static index
	qpackStaticNameIndex map[string]uint64     // name -> first static index
)

func init() {
	qpackStaticIndex = make(map[tableEntry]uint64, len(qpackStaticTable))
	qpackStaticNameIndex = make(map[string]uint64, len(qpackStaticTable))
	for i, f := range qpackStaticTable {
		qpackStaticIndex[tableEntry{name: f.Name, value: f.Value}] = uint64(i)
		if _, ok := qpackStaticNameIndex[f.Name]; !ok {
			qpackStaticNameIndex[f.Name] = uint64(i)
		}
	}
}
