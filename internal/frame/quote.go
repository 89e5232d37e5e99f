package frame

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"
	"unicode/utf16"
	"unicode/utf8"
)

// excluded lists the UTF-16 code units that are always sent as \uXXXX even
// though plain JSON quoting would pass them through. Browsers and proxies
// between us and the gateway are known to mangle these (surrogates,
// combining marks, compatibility ideographs and specials).
var excluded = &unicode.RangeTable{
	R16: []unicode.Range16{
		{Lo: 0x0000, Hi: 0x001f, Stride: 1},
		{Lo: 0x0300, Hi: 0x0333, Stride: 1},
		{Lo: 0x033d, Hi: 0x0346, Stride: 1},
		{Lo: 0x034a, Hi: 0x034c, Stride: 1},
		{Lo: 0x0350, Hi: 0x0352, Stride: 1},
		{Lo: 0x0357, Hi: 0x0358, Stride: 1},
		{Lo: 0x035c, Hi: 0x0362, Stride: 1},
		{Lo: 0x0374, Hi: 0x0374, Stride: 1},
		{Lo: 0x037e, Hi: 0x037e, Stride: 1},
		{Lo: 0x0387, Hi: 0x0387, Stride: 1},
		{Lo: 0x0591, Hi: 0x05af, Stride: 1},
		{Lo: 0x05c4, Hi: 0x05c4, Stride: 1},
		{Lo: 0x0610, Hi: 0x0617, Stride: 1},
		{Lo: 0x0653, Hi: 0x0654, Stride: 1},
		{Lo: 0x0657, Hi: 0x065b, Stride: 1},
		{Lo: 0x065d, Hi: 0x065e, Stride: 1},
		{Lo: 0x06df, Hi: 0x06e2, Stride: 1},
		{Lo: 0x06eb, Hi: 0x06ec, Stride: 1},
		{Lo: 0x0730, Hi: 0x0730, Stride: 1},
		{Lo: 0x0732, Hi: 0x0733, Stride: 1},
		{Lo: 0x0735, Hi: 0x0736, Stride: 1},
		{Lo: 0x073a, Hi: 0x073a, Stride: 1},
		{Lo: 0x073d, Hi: 0x073d, Stride: 1},
		{Lo: 0x073f, Hi: 0x0741, Stride: 1},
		{Lo: 0x0743, Hi: 0x0747, Stride: 2},
		{Lo: 0x07eb, Hi: 0x07f1, Stride: 1},
		{Lo: 0x0951, Hi: 0x0951, Stride: 1},
		{Lo: 0x0958, Hi: 0x095f, Stride: 1},
		{Lo: 0x09dc, Hi: 0x09dd, Stride: 1},
		{Lo: 0x09df, Hi: 0x09df, Stride: 1},
		{Lo: 0x0a33, Hi: 0x0a36, Stride: 3},
		{Lo: 0x0a59, Hi: 0x0a5b, Stride: 1},
		{Lo: 0x0a5e, Hi: 0x0a5e, Stride: 1},
		{Lo: 0x0b5c, Hi: 0x0b5d, Stride: 1},
		{Lo: 0x0e38, Hi: 0x0e39, Stride: 1},
		{Lo: 0x0f43, Hi: 0x0f43, Stride: 1},
		{Lo: 0x0f4d, Hi: 0x0f4d, Stride: 1},
		{Lo: 0x0f52, Hi: 0x0f5c, Stride: 5},
		{Lo: 0x0f69, Hi: 0x0f69, Stride: 1},
		{Lo: 0x0f72, Hi: 0x0f76, Stride: 1},
		{Lo: 0x0f78, Hi: 0x0f78, Stride: 1},
		{Lo: 0x0f80, Hi: 0x0f83, Stride: 1},
		{Lo: 0x0f93, Hi: 0x0f93, Stride: 1},
		{Lo: 0x0f9d, Hi: 0x0fac, Stride: 5},
		{Lo: 0x0fb9, Hi: 0x0fb9, Stride: 1},
		{Lo: 0x1939, Hi: 0x193a, Stride: 1},
		{Lo: 0x1a17, Hi: 0x1a17, Stride: 1},
		{Lo: 0x1b6b, Hi: 0x1b6b, Stride: 1},
		{Lo: 0x1cda, Hi: 0x1cdb, Stride: 1},
		{Lo: 0x1dc0, Hi: 0x1dcf, Stride: 1},
		{Lo: 0x1dfc, Hi: 0x1dfe, Stride: 2},
		{Lo: 0x1f71, Hi: 0x1f7d, Stride: 2},
		{Lo: 0x1fbb, Hi: 0x1fbb, Stride: 1},
		{Lo: 0x1fbe, Hi: 0x1fbe, Stride: 1},
		{Lo: 0x1fc9, Hi: 0x1fcb, Stride: 2},
		{Lo: 0x1fd3, Hi: 0x1fd3, Stride: 1},
		{Lo: 0x1fdb, Hi: 0x1fe3, Stride: 8},
		{Lo: 0x1feb, Hi: 0x1feb, Stride: 1},
		{Lo: 0x1fee, Hi: 0x1fef, Stride: 1},
		{Lo: 0x1ff9, Hi: 0x1ffd, Stride: 2},
		{Lo: 0x2000, Hi: 0x2001, Stride: 1},
		{Lo: 0x20d0, Hi: 0x20d1, Stride: 1},
		{Lo: 0x20d4, Hi: 0x20d7, Stride: 1},
		{Lo: 0x20e7, Hi: 0x20e9, Stride: 1},
		{Lo: 0x2126, Hi: 0x2126, Stride: 1},
		{Lo: 0x212a, Hi: 0x212b, Stride: 1},
		{Lo: 0x2329, Hi: 0x232a, Stride: 1},
		{Lo: 0x2adc, Hi: 0x2adc, Stride: 1},
		{Lo: 0x302b, Hi: 0x302c, Stride: 1},
		{Lo: 0xaab2, Hi: 0xaab3, Stride: 1},
		{Lo: 0xd800, Hi: 0xdfff, Stride: 1},
		{Lo: 0xf900, Hi: 0xfa0d, Stride: 1},
		{Lo: 0xfa10, Hi: 0xfa12, Stride: 2},
		{Lo: 0xfa15, Hi: 0xfa1e, Stride: 1},
		{Lo: 0xfa20, Hi: 0xfa22, Stride: 2},
		{Lo: 0xfa25, Hi: 0xfa26, Stride: 1},
		{Lo: 0xfa2a, Hi: 0xfa2d, Stride: 1},
		{Lo: 0xfa30, Hi: 0xfa6d, Stride: 1},
		{Lo: 0xfa70, Hi: 0xfad9, Stride: 1},
		{Lo: 0xfb1d, Hi: 0xfb1f, Stride: 2},
		{Lo: 0xfb2a, Hi: 0xfb36, Stride: 1},
		{Lo: 0xfb38, Hi: 0xfb3c, Stride: 1},
		{Lo: 0xfb3e, Hi: 0xfb3e, Stride: 1},
		{Lo: 0xfb40, Hi: 0xfb41, Stride: 1},
		{Lo: 0xfb43, Hi: 0xfb44, Stride: 1},
		{Lo: 0xfb46, Hi: 0xfb4e, Stride: 1},
		{Lo: 0xfff0, Hi: 0xffff, Stride: 1},
	},
}

var (
	lookupOnce  sync.Once
	lookupReady atomic.Bool
	lookup      map[uint16]string
)

// escapeFor returns the \uXXXX form of an excluded code unit. The table is
// unrolled from the range table on first use; most traffic is plain ASCII
// and never pays for it.
func escapeFor(u uint16) string {
	lookupOnce.Do(func() {
		m := make(map[uint16]string)
		for i := 0; i <= 0xffff; i++ {
			if unicode.Is(excluded, rune(i)) {
				m[uint16(i)] = fmt.Sprintf(`\u%04x`, i)
			}
		}
		lookup = m
		lookupReady.Store(true)
	})
	return lookup[u]
}

// LookupBuilt reports whether the escape table has been unrolled.
func LookupBuilt() bool { return lookupReady.Load() }

// Quote returns the outbound frame for msg: a one-element JSON array holding
// msg as a string literal.
func Quote(msg string) string {
	var b strings.Builder
	b.Grow(len(msg) + 4)
	b.WriteByte('[')
	appendQuoted(&b, msg)
	b.WriteByte(']')
	return b.String()
}

func appendQuoted(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, u := range codeUnits(s) {
		switch u {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if u < 0x20 {
				fmt.Fprintf(b, `\u%04x`, u)
				continue
			}
			if unicode.Is(excluded, rune(u)) {
				b.WriteString(escapeFor(u))
				continue
			}
			b.WriteRune(rune(u))
		}
	}
	b.WriteByte('"')
}

// codeUnits splits s into UTF-16 code units. Lone surrogates carried as
// three byte WTF-8 sequences are kept as the surrogate they encode; any other
// invalid byte becomes U+FFFD.
func codeUnits(s string) []uint16 {
	out := make([]uint16, 0, len(s))
	for i := 0; i < len(s); {
		if u, ok := surrogateAt(s, i); ok {
			out = append(out, u)
			i += 3
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		if r >= 0x10000 {
			hi, lo := utf16.EncodeRune(r)
			out = append(out, uint16(hi), uint16(lo))
			continue
		}
		out = append(out, uint16(r))
	}
	return out
}

func surrogateAt(s string, i int) (uint16, bool) {
	if i+2 >= len(s) || s[i] != 0xed {
		return 0, false
	}
	b1, b2 := s[i+1], s[i+2]
	if b1 < 0xa0 || b1 > 0xbf || b2 < 0x80 || b2 > 0xbf {
		return 0, false
	}
	return 0xd000 | uint16(b1&0x3f)<<6 | uint16(b2&0x3f), true
}

// appendUnit writes a BMP code unit, including a lone surrogate, as the
// three byte sequence codeUnits reads back.
func appendUnit(b *strings.Builder, u uint16) {
	if u < 0xd800 || u > 0xdfff {
		b.WriteRune(rune(u))
		return
	}
	b.WriteByte(0xe0 | byte(u>>12))
	b.WriteByte(0x80 | byte(u>>6)&0x3f)
	b.WriteByte(0x80 | byte(u)&0x3f)
}
