package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf16"
)

// Type is the first byte of an inbound frame.
type Type byte

const (
	TypeOpen      Type = 'o'
	TypeArray     Type = 'a'
	TypeMessage   Type = 'm'
	TypeClose     Type = 'c'
	TypeHeartbeat Type = 'h'
)

func (t Type) String() string {
	switch t {
	case TypeOpen:
		return "open"
	case TypeArray:
		return "array"
	case TypeMessage:
		return "message"
	case TypeClose:
		return "close"
	case TypeHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

var (
	ErrEmptyFrame  = errors.New("frame: empty frame")
	ErrUnknownType = errors.New("frame: unknown frame type")
	ErrMalformed   = errors.New("frame: malformed payload")
)

// Frame is one decoded inbound frame. Messages holds the logical messages of
// array and message frames in wire order.
type Frame struct {
	Type     Type
	Messages []string
	Code     int
	Reason   string
}

// Decode parses one raw frame as delivered by the socket.
func Decode(raw string) (Frame, error) {
	if raw == "" {
		return Frame{}, ErrEmptyFrame
	}
	t := Type(raw[0])
	switch t {
	case TypeOpen, TypeHeartbeat:
		return Frame{Type: t}, nil
	case TypeArray, TypeMessage, TypeClose:
	default:
		return Frame{}, fmt.Errorf("%w: %q", ErrUnknownType, raw[0])
	}

	content := []byte(raw[1:])
	if len(bytes.TrimSpace(content)) == 0 || !json.Valid(content) {
		return Frame{}, fmt.Errorf("%w: %s frame", ErrMalformed, t)
	}

	switch t {
	case TypeMessage:
		// m"..." on the wire; m["..."] is accepted as the same single message
		if inner, ok := singleItem(content); ok {
			content = inner
		}
		msg, err := unquote(content)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Type: t, Messages: []string{msg}}, nil
	case TypeArray:
		msgs, err := decodeStrings(content)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Type: t, Messages: msgs}, nil
	default:
		// c[code,reason], also accepted wrapped as c[[code,reason]]
		if inner, ok := singleItem(content); ok && bytes.HasPrefix(inner, []byte("[")) {
			content = inner
		}
		var items []json.RawMessage
		if err := json.Unmarshal(content, &items); err != nil || len(items) != 2 {
			return Frame{}, fmt.Errorf("%w: close frame wants [code, reason]", ErrMalformed)
		}
		var code int
		if err := json.Unmarshal(items[0], &code); err != nil {
			return Frame{}, fmt.Errorf("%w: close code: %v", ErrMalformed, err)
		}
		reason, err := unquote(items[1])
		if err != nil {
			reason = string(bytes.TrimSpace(items[1]))
		}
		return Frame{Type: t, Code: code, Reason: reason}, nil
	}
}

// DecodeClient parses a client->server frame, a JSON array of strings.
func DecodeClient(raw string) ([]string, error) {
	content := []byte(raw)
	if len(bytes.TrimSpace(content)) == 0 {
		return nil, ErrEmptyFrame
	}
	if !json.Valid(content) {
		return nil, fmt.Errorf("%w: client frame", ErrMalformed)
	}
	return decodeStrings(content)
}

// EncodeOpen returns the server open frame.
func EncodeOpen() string { return string(TypeOpen) }

// EncodeArray returns a server frame carrying msgs in order.
func EncodeArray(msgs ...string) string {
	var b strings.Builder
	b.WriteByte(byte(TypeArray))
	b.WriteByte('[')
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte(',')
		}
		appendQuoted(&b, m)
	}
	b.WriteByte(']')
	return b.String()
}

// EncodeMessage returns a server frame carrying a single message.
func EncodeMessage(msg string) string {
	var b strings.Builder
	b.WriteByte(byte(TypeMessage))
	appendQuoted(&b, msg)
	return b.String()
}

// EncodeClose returns a server close frame.
func EncodeClose(code int, reason string) string {
	var b strings.Builder
	b.WriteByte(byte(TypeClose))
	b.WriteByte('[')
	b.WriteString(strconv.Itoa(code))
	b.WriteByte(',')
	appendQuoted(&b, reason)
	b.WriteByte(']')
	return b.String()
}

// singleItem unwraps a one element JSON array.
func singleItem(content []byte) ([]byte, bool) {
	var items []json.RawMessage
	if err := json.Unmarshal(content, &items); err != nil || len(items) != 1 {
		return nil, false
	}
	return bytes.TrimSpace(items[0]), true
}

func decodeStrings(content []byte) ([]string, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(content, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	out := make([]string, 0, len(items))
	for i, item := range items {
		s, err := unquote(item)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// unquote decodes a JSON string literal. Unlike encoding/json it keeps lone
// surrogate escapes instead of replacing them with U+FFFD.
func unquote(raw []byte) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) < 2 || raw[0] != '"' || raw[len(raw)-1] != '"' {
		return "", fmt.Errorf("%w: not a string", ErrMalformed)
	}
	s := raw[1 : len(raw)-1]
	if bytes.IndexByte(s, '\\') < 0 {
		return string(s), nil
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(s) {
			return "", fmt.Errorf("%w: trailing backslash", ErrMalformed)
		}
		switch s[i] {
		case '"', '\\', '/':
			b.WriteByte(s[i])
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case 'u':
			u, ok := hex4(s, i+1)
			if !ok {
				return "", fmt.Errorf("%w: bad \\u escape", ErrMalformed)
			}
			i += 4
			if utf16.IsSurrogate(rune(u)) && u < 0xdc00 {
				if lo, ok := lowSurrogateAt(s, i+1); ok {
					b.WriteRune(utf16.DecodeRune(rune(u), rune(lo)))
					i += 6
					continue
				}
			}
			appendUnit(&b, u)
		default:
			return "", fmt.Errorf("%w: bad escape %q", ErrMalformed, s[i])
		}
	}
	return b.String(), nil
}

func lowSurrogateAt(s []byte, i int) (uint16, bool) {
	if i+1 >= len(s) || s[i] != '\\' || s[i+1] != 'u' {
		return 0, false
	}
	u, ok := hex4(s, i+2)
	if !ok || u < 0xdc00 || u > 0xdfff {
		return 0, false
	}
	return u, true
}

func hex4(s []byte, i int) (uint16, bool) {
	if i+4 > len(s) {
		return 0, false
	}
	v, err := strconv.ParseUint(string(s[i:i+4]), 16, 16)
	if err != nil {
		return 0, false
	}
	return uint16(v), true
}
