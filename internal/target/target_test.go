package target

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Target
	}{
		{"irc.example.net:6667", Target{Host: "irc.example.net", Port: 6667}},
		{"irc.example.net:+6697", Target{Host: "irc.example.net", Port: 6697, TLS: true}},
		{"[::1]:+6697", Target{Host: "::1", Port: 6697, TLS: true}},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
		assert.Equal(t, tt.in, got.String())
	}
}

func TestParseErrors(t *testing.T) {
	_, err := Parse("irc.example.net")
	assert.Error(t, err)
	_, err = Parse(":6667")
	assert.ErrorIs(t, err, ErrMissingHost)
	_, err = Parse("h:+")
	assert.ErrorIs(t, err, ErrBadPort)
	_, err = Parse("h:70000")
	assert.ErrorIs(t, err, ErrBadPort)
}

func TestAddr(t *testing.T) {
	assert.Equal(t, "irc.example.net:6697", Target{Host: "irc.example.net", Port: 6697, TLS: true}.Addr())
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "https://gw.example.com/webirc/", Normalize("  HTTPS://GW.Example.com/webirc/ "))
}

func TestEndpoint(t *testing.T) {
	pattern := regexp.MustCompile(`^wss://gw\.example\.com/webirc/kiwi/\d{3}/[0-9a-f]{8}/websocket$`)
	a, err := Endpoint("https://gw.example.com/webirc/kiwi/")
	require.NoError(t, err)
	assert.Regexp(t, pattern, a)

	b, err := Endpoint("https://gw.example.com/webirc/kiwi")
	require.NoError(t, err)
	assert.Regexp(t, pattern, b)

	c, err := Endpoint("http://127.0.0.1:8080/gw/")
	require.NoError(t, err)
	assert.Regexp(t, `^ws://127\.0\.0\.1:8080/gw/\d{3}/[0-9a-f]{8}/websocket$`, c)

	_, err = Endpoint("ftp://nope/")
	assert.ErrorIs(t, err, ErrBadScheme)
}
