// Copyright (c) 2020-2026 The Quinn Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// HTTP/3 protocol elements shared by client and server. See RFC 9114 and RFC 9204.

// Server Push is not supported because it's rarely used. Chrome and Firefox even removed it.

package h3

import (
	"errors"
	"fmt"
)

const ( // HTTP/3 frame kinds, RFC 9114 §7.2
	frameData        = 0x00
	frameHeaders     = 0x01
	frameCancelPush  = 0x03
	frameSettings    = 0x04
	framePushPromise = 0x05 // not supported
	frameGoaway      = 0x07
	frameMaxPushID   = 0x0d
)

const ( // unidirectional stream types, RFC 9114 §6.2 and RFC 9204 §4.2
	streamTypeControl      = 0x00
	streamTypePush         = 0x01 // not supported
	streamTypeQPACKEncoder = 0x02
	streamTypeQPACKDecoder = 0x03
)

const ( // settings identifiers. 0x02-0x05 are reserved from HTTP/2 and must not appear.
	settingQPACKMaxTableCapacity = 0x01
	settingMaxFieldSectionSize   = 0x06
	settingQPACKBlockedStreams   = 0x07
)

// ErrCode is an HTTP/3 error code as carried by stream resets and connection
// closes. The set is fixed by RFC 9114 §8.1 and RFC 9204 §6.
type ErrCode uint64

const (
	CodeNoError               ErrCode = 0x100
	CodeGeneralProtocolError  ErrCode = 0x101
	CodeInternalError         ErrCode = 0x102
	CodeStreamCreationError   ErrCode = 0x103
	CodeClosedCriticalStream  ErrCode = 0x104
	CodeFrameUnexpected       ErrCode = 0x105
	CodeFrameError            ErrCode = 0x106
	CodeExcessiveLoad         ErrCode = 0x107
	CodeIDError               ErrCode = 0x108
	CodeSettingsError         ErrCode = 0x109
	CodeMissingSettings       ErrCode = 0x10a
	CodeRequestRejected       ErrCode = 0x10b
	CodeRequestCancelled      ErrCode = 0x10c
	CodeRequestIncomplete     ErrCode = 0x10d
	CodeMessageError          ErrCode = 0x10e
	CodeConnectError          ErrCode = 0x10f
	CodeVersionFallback       ErrCode = 0x110
	CodeQPACKDecompression    ErrCode = 0x200
	CodeQPACKEncoderStream    ErrCode = 0x201
	CodeQPACKDecoderStream    ErrCode = 0x202
)

var errCodeTexts = map[ErrCode]string{
	CodeNoError:              "H3_NO_ERROR",
	CodeGeneralProtocolError: "H3_GENERAL_PROTOCOL_ERROR",
	CodeInternalError:        "H3_INTERNAL_ERROR",
	CodeStreamCreationError:  "H3_STREAM_CREATION_ERROR",
	CodeClosedCriticalStream: "H3_CLOSED_CRITICAL_STREAM",
	CodeFrameUnexpected:      "H3_FRAME_UNEXPECTED",
	CodeFrameError:           "H3_FRAME_ERROR",
	CodeExcessiveLoad:        "H3_EXCESSIVE_LOAD",
	CodeIDError:              "H3_ID_ERROR",
	CodeSettingsError:        "H3_SETTINGS_ERROR",
	CodeMissingSettings:      "H3_MISSING_SETTINGS",
	CodeRequestRejected:      "H3_REQUEST_REJECTED",
	CodeRequestCancelled:     "H3_REQUEST_CANCELLED",
	CodeRequestIncomplete:    "H3_REQUEST_INCOMPLETE",
	CodeMessageError:         "H3_MESSAGE_ERROR",
	CodeConnectError:         "H3_CONNECT_ERROR",
	CodeVersionFallback:      "H3_VERSION_FALLBACK",
	CodeQPACKDecompression:   "QPACK_DECOMPRESSION_FAILED",
	CodeQPACKEncoderStream:   "QPACK_ENCODER_STREAM_ERROR",
	CodeQPACKDecoderStream:   "QPACK_DECODER_STREAM_ERROR",
}

func (c ErrCode) String() string {
	if s, ok := errCodeTexts[c]; ok {
		return s
	}
	return fmt.Sprintf("H3_ERROR_0x%x", uint64(c))
}

// h3Error is a protocol-level failure. Stream-local errors poison one
// exchange; connection errors poison the whole connection.
type h3Error struct {
	code   ErrCode
	conn   bool // connection-wide, not stream-local
	detail string
}

func (e *h3Error) Error() string {
	scope := "stream"
	if e.conn {
		scope = "connection"
	}
	return fmt.Sprintf("h3: %s error %s: %s", scope, e.code, e.detail)
}

func streamError(code ErrCode, detail string) error { return &h3Error{code: code, detail: detail} }
func connError(code ErrCode, detail string) error {
	return &h3Error{code: code, conn: true, detail: detail}
}

// CodeOf extracts the ErrCode a protocol error carries. Transport i/o errors
// and everything else map to the internal-error fallback.
func CodeOf(err error) ErrCode {
	var h3e *h3Error
	if errors.As(err, &h3e) {
		return h3e.code
	}
	return CodeInternalError
}

// ErrUsage reports a local misuse of a handle, such as writing a body after
// close or driving a finished exchange. These are programming errors and are
// never retried.
var ErrUsage = errors.New("h3: invalid use of finished handle")

// ErrConnClosed reports that the connection driver has quit.
var ErrConnClosed = errors.New("h3: connection closed")

// Settings are the connection-wide limits negotiated at setup. Immutable
// after the connection is established.
type Settings struct {
	MaxTableCapacity    uint64 // QPACK dynamic table bytes offered to the peer's encoder
	MaxFieldSectionSize uint64 // largest acceptable decoded field section, in bytes
	MaxBlockedStreams   uint64 // decodes allowed to wait on missing table inserts
}

// DefaultSettings are a 4K dynamic table and 16K field sections, enough for
// ordinary request heads without inviting memory abuse.
func DefaultSettings() Settings {
	return Settings{
		MaxTableCapacity:    _4K,
		MaxFieldSectionSize: _16K,
		MaxBlockedStreams:   16,
	}
}

const ( // sizes
	_4K  = 4 << 10
	_16K = 16 << 10
)

//////////////////////////////////////// field lists and message heads ////////////////////////////////////////

// Field is one header or trailer line. Sensitive fields are encoded with
// never-indexed literals so intermediaries cannot learn them from the table.
type Field struct {
	Name      string
	Value     string
	Sensitive bool
}

// FieldList is an ordered list of fields. Order is preserved through
// encode/decode round trips.
type FieldList []Field

// Get returns the value of the first field with the given name.
func (l FieldList) Get(name string) (value string, ok bool) {
	for i := range l {
		if l[i].Name == name {
			return l[i].Value, true
		}
	}
	return "", false
}

// RequestHead is the application-visible head of a request.
type RequestHead struct {
	Method    string
	Scheme    string
	Authority string
	Path      string
	Fields    FieldList
}

// ResponseHead is the application-visible head of a response.
type ResponseHead struct {
	Status int
	Fields FieldList
}

const ( // pseudo field names
	pseudoMethod    = ":method"
	pseudoScheme    = ":scheme"
	pseudoAuthority = ":authority"
	pseudoPath      = ":path"
	pseudoStatus    = ":status"
)

func (h *RequestHead) fieldList() (FieldList, error) {
	if h.Method == "" || h.Scheme == "" || h.Path == "" {
		return nil, streamError(CodeMessageError, "request head misses a required pseudo field")
	}
	list := make(FieldList, 0, 4+len(h.Fields))
	list = append(list,
		Field{Name: pseudoMethod, Value: h.Method},
		Field{Name: pseudoScheme, Value: h.Scheme},
		Field{Name: pseudoAuthority, Value: h.Authority},
		Field{Name: pseudoPath, Value: h.Path},
	)
	return appendRegularFields(list, h.Fields)
}
func (h *ResponseHead) fieldList() (FieldList, error) {
	if h.Status < 100 || h.Status > 599 {
		return nil, streamError(CodeMessageError, "response status out of range")
	}
	list := make(FieldList, 0, 1+len(h.Fields))
	list = append(list, Field{Name: pseudoStatus, Value: fmt.Sprintf("%d", h.Status)})
	return appendRegularFields(list, h.Fields)
}
func appendRegularFields(list FieldList, fields FieldList) (FieldList, error) {
	for _, f := range fields {
		if len(f.Name) == 0 {
			return nil, streamError(CodeMessageError, "empty field name")
		}
		if f.Name[0] == ':' {
			return nil, streamError(CodeMessageError, "pseudo field in regular position")
		}
		list = append(list, f)
	}
	return list, nil
}

// requestHead reassembles a request head from a decoded field list, enforcing
// the pseudo-field rules of RFC 9114 §4.3.
func requestHead(list FieldList) (*RequestHead, error) {
	head := new(RequestHead)
	inPseudo := true
	for _, f := range list {
		if len(f.Name) > 0 && f.Name[0] == ':' {
			if !inPseudo {
				return nil, streamError(CodeMessageError, "pseudo field after regular field")
			}
			switch f.Name {
			case pseudoMethod:
				if head.Method != "" {
					return nil, streamError(CodeMessageError, "duplicate :method")
				}
				head.Method = f.Value
			case pseudoScheme:
				if head.Scheme != "" {
					return nil, streamError(CodeMessageError, "duplicate :scheme")
				}
				head.Scheme = f.Value
			case pseudoAuthority:
				if head.Authority != "" {
					return nil, streamError(CodeMessageError, "duplicate :authority")
				}
				head.Authority = f.Value
			case pseudoPath:
				if head.Path != "" {
					return nil, streamError(CodeMessageError, "duplicate :path")
				}
				head.Path = f.Value
			default:
				return nil, streamError(CodeMessageError, "unknown pseudo field in request")
			}
		} else {
			inPseudo = false
			head.Fields = append(head.Fields, f)
		}
	}
	if head.Method == "" || head.Scheme == "" || head.Path == "" {
		return nil, streamError(CodeMessageError, "request head misses a required pseudo field")
	}
	return head, nil
}

// responseHead reassembles a response head from a decoded field list.
func responseHead(list FieldList) (*ResponseHead, error) {
	head := new(ResponseHead)
	inPseudo := true
	for _, f := range list {
		if len(f.Name) > 0 && f.Name[0] == ':' {
			if !inPseudo {
				return nil, streamError(CodeMessageError, "pseudo field after regular field")
			}
			if f.Name != pseudoStatus {
				return nil, streamError(CodeMessageError, "unknown pseudo field in response")
			}
			if head.Status != 0 {
				return nil, streamError(CodeMessageError, "duplicate :status")
			}
			n := 0
			for _, b := range []byte(f.Value) {
				if b < '0' || b > '9' {
					return nil, streamError(CodeMessageError, "malformed :status")
				}
				n = n*10 + int(b-'0')
			}
			if n < 100 || n > 599 {
				return nil, streamError(CodeMessageError, ":status out of range")
			}
			head.Status = n
		} else {
			inPseudo = false
			head.Fields = append(head.Fields, f)
		}
	}
	if head.Status == 0 {
		return nil, streamError(CodeMessageError, "response head misses :status")
	}
	return head, nil
}

// trailerFields validates a decoded trailer section: no pseudo fields allowed.
func trailerFields(list FieldList) (FieldList, error) {
	for _, f := range list {
		if len(f.Name) > 0 && f.Name[0] == ':' {
			return nil, streamError(CodeMessageError, "pseudo field in trailers")
		}
	}
	return list, nil
}
