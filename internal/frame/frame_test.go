package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuotePlain(t *testing.T) {
	assert.Equal(t, `[":0 CONTROL START"]`, Quote(":0 CONTROL START"))
	assert.Equal(t, `[":7 JOIN #x"]`, Quote(":7 JOIN #x"))
	assert.Equal(t, `["say \"hi\"\\n\n\t"]`, Quote("say \"hi\"\\n\n\t"))
	assert.Equal(t, `["\u0001ACTION waves\u0001"]`, Quote("\x01ACTION waves\x01"))
	assert.Equal(t, `["héllo </b> & co"]`, Quote("héllo </b> & co"))
	assert.False(t, LookupBuilt(), "plain text must not unroll the escape table")
}

func TestQuoteExcludedRanges(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"combining grave", "e\u0300", `["e\u0300"]`},
		{"hebrew accent", "\u0591", `["\u0591"]`},
		{"ohm sign", "\u2126", `["\u2126"]`},
		{"cjk compatibility", "\uf900", `["\uf900"]`},
		{"specials", "\ufff0", `["\ufff0"]`},
		{"replacement char", "\ufffd", `["\ufffd"]`},
		{"non-bmp splits into surrogates", "\U0001F600", `["\ud83d\ude00"]`},
		{"lone high surrogate", "a\xed\xa0\x80b", `["a\ud800b"]`},
		{"lone low surrogate", "\xed\xbf\xbf", `["\udfff"]`},
		{"stride member", "\u1f73", `["\u1f73"]`},
		{"stride gap", "\u1f72", "[\"\u1f72\"]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Quote(tt.in))
		})
	}
	assert.True(t, LookupBuilt())
}

func TestRoundTrip(t *testing.T) {
	inputs := []string{
		"",
		"PRIVMSG #chan :hello world",
		"a\xed\xa0\x80b",
		"\xed\xb0\x80",
		"\U0001F600 smile",
		"e\u0300\u0301\u0302",
		"\u2000\u2001\u20d0 spaces",
		"tabs\tand\nnewlines\r\n",
		"\x00\x1f control",
		"quote \" and backslash \\",
		"\ufffe\uffff",
	}
	for _, in := range inputs {
		f, err := Decode("a" + Quote(in))
		require.NoError(t, err, "input %q", in)
		require.Equal(t, []string{in}, f.Messages, "input %q", in)
	}
}

func TestDecode(t *testing.T) {
	f, err := Decode("o")
	require.NoError(t, err)
	assert.Equal(t, TypeOpen, f.Type)

	f, err = Decode("h")
	require.NoError(t, err)
	assert.Equal(t, TypeHeartbeat, f.Type)

	f, err = Decode(`a[":1","SESSION abc",":1 control connected"]`)
	require.NoError(t, err)
	assert.Equal(t, TypeArray, f.Type)
	assert.Equal(t, []string{":1", "SESSION abc", ":1 control connected"}, f.Messages)

	f, err = Decode(`m":7 control connected"`)
	require.NoError(t, err)
	assert.Equal(t, []string{":7 control connected"}, f.Messages)

	f, err = Decode(`m[":7 control connected"]`)
	require.NoError(t, err)
	assert.Equal(t, TypeMessage, f.Type)
	assert.Equal(t, []string{":7 control connected"}, f.Messages)

	for _, raw := range []string{`c[1000,"bye"]`, `c[[1000,"bye"]]`} {
		f, err = Decode(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, TypeClose, f.Type)
		assert.Equal(t, 1000, f.Code)
		assert.Equal(t, "bye", f.Reason)
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		raw  string
		want error
	}{
		{"", ErrEmptyFrame},
		{"x[]", ErrUnknownType},
		{"a", ErrMalformed},
		{`a["unterminated`, ErrMalformed},
		{`a[1,2]`, ErrMalformed},
		{`m{"k":1}`, ErrMalformed},
		{`c[1000]`, ErrMalformed},
		{`c[[1000]]`, ErrMalformed},
		{`m["a","b"]`, ErrMalformed},
		{`c["x","y"]`, ErrMalformed},
	}
	for _, tt := range tests {
		_, err := Decode(tt.raw)
		assert.ErrorIs(t, err, tt.want, "raw %q", tt.raw)
	}
}

func TestServerEncoders(t *testing.T) {
	assert.Equal(t, "o", EncodeOpen())
	assert.Equal(t, `a[":1","SESSION x"]`, EncodeArray(":1", "SESSION x"))
	assert.Equal(t, `m":1 hi"`, EncodeMessage(":1 hi"))
	assert.Equal(t, `c[3000,"Go away!"]`, EncodeClose(3000, "Go away!"))

	f, err := Decode(EncodeClose(1000, "bye"))
	require.NoError(t, err)
	assert.Equal(t, 1000, f.Code)
	assert.Equal(t, "bye", f.Reason)
}

func TestDecodeClient(t *testing.T) {
	msgs, err := DecodeClient(Quote(":0 CONTROL SESSION abc"))
	require.NoError(t, err)
	assert.Equal(t, []string{":0 CONTROL SESSION abc"}, msgs)

	msgs, err = DecodeClient(`[":1",":1 HOST irc.example.net:+6697"]`)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	_, err = DecodeClient("not json")
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = DecodeClient("  ")
	assert.ErrorIs(t, err, ErrEmptyFrame)
}
