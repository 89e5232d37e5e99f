package gateway

import (
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// lookupCharset resolves an ENCODING name by its WHATWG label ("utf8",
// "latin1", "iso-8859-15", ...). UTF-8 resolves to nil and is relayed as is.
func lookupCharset(name string) (encoding.Encoding, error) {
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, err
	}
	if canonical, _ := htmlindex.Name(enc); canonical == "utf-8" {
		return nil, nil
	}
	return enc, nil
}

// decodeLine turns an upstream line into UTF-8.
func decodeLine(enc encoding.Encoding, line []byte) string {
	if enc == nil {
		return string(line)
	}
	out, err := enc.NewDecoder().Bytes(line)
	if err != nil {
		return string(line)
	}
	return string(out)
}

// encodeLine turns a client line into the upstream charset. Runes the charset
// lacks become its replacement byte.
func encodeLine(enc encoding.Encoding, line string) []byte {
	if enc == nil {
		return []byte(line)
	}
	out, err := encoding.ReplaceUnsupported(enc.NewEncoder()).Bytes([]byte(line))
	if err != nil {
		return []byte(line)
	}
	return out
}
