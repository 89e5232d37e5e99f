package proto

import (
	"strings"
)

// ControlChannel is the channel id the connection handshake is addressed to.
const ControlChannel = "0"

const (
	controlStart   = "CONTROL START"
	controlSession = "CONTROL SESSION "
	sessionPrefix  = "SESSION "
	hostPrefix     = "HOST "
	encodingPrefix = "ENCODING "

	// ChannelControlPrefix starts every control line the gateway sends on a
	// channel.
	ChannelControlPrefix = "control "
	controlConnected     = "control connected"
	controlClosed        = "control closed"
)

// Handshake is the first message on a fresh socket: CONTROL START, or
// CONTROL SESSION <id> when resuming.
func Handshake(sessionID string) string {
	if sessionID == "" {
		return Address(ControlChannel, controlStart)
	}
	return Address(ControlChannel, controlSession+sessionID)
}

// Address prefixes data with the channel id. An empty data yields the bare
// ":<id>" form used to announce or tear down a channel.
func Address(channelID, data string) string {
	if data == "" {
		return ":" + channelID
	}
	return ":" + channelID + " " + data
}

// Split parses an addressed message. ok is false for connection-level text.
// bare is true for ":<id>" without a remainder.
func Split(msg string) (channelID, rest string, bare, ok bool) {
	if !strings.HasPrefix(msg, ":") {
		return "", "", false, false
	}
	body := msg[1:]
	sp := strings.IndexByte(body, ' ')
	if sp == -1 {
		return body, "", true, true
	}
	return body[:sp], body[sp+1:], false, true
}

// Host is the control line asking the gateway to connect upstream. A "+"
// before the port requests TLS.
func Host(hostport string) string { return hostPrefix + hostport }

// Encoding is the control line that sets the payload text encoding.
func Encoding(name string) string { return encodingPrefix + name }

// ParseSession returns the id from a connection-level "SESSION <id>" line.
func ParseSession(text string) (string, bool) {
	parts := strings.Split(text, " ")
	if parts[0] != strings.TrimSpace(sessionPrefix) || len(parts) < 2 {
		return "", false
	}
	return parts[1], true
}

// Session is the connection-level line the gateway answers a handshake with.
func Session(id string) string { return sessionPrefix + id }

// IsChannelControl reports whether a channel message is gateway control text.
func IsChannelControl(data string) bool { return strings.HasPrefix(data, ChannelControlPrefix) }

// IsConnected reports a "control connected" line.
func IsConnected(data string) bool { return strings.HasPrefix(data, controlConnected) }

// ParseClosed reports a "control closed <err>" line and returns its error
// token, which may be empty.
func ParseClosed(data string) (reason string, ok bool) {
	if !strings.HasPrefix(data, controlClosed) {
		return "", false
	}
	parts := strings.Split(data, " ")
	if len(parts) > 2 {
		reason = parts[2]
	}
	return reason, true
}

// Connected is the control line a gateway sends once upstream is reachable.
func Connected() string { return controlConnected }

// Closed is the control line a gateway sends when upstream goes away.
func Closed(reason string) string {
	if reason == "" {
		return controlClosed
	}
	return controlClosed + " " + reason
}

// Command is a client control line as seen by a gateway.
type Command struct {
	Verb string
	Arg  string
}

// ParseCommand splits a control line into its verb and the remainder.
func ParseCommand(line string) Command {
	verb, arg, _ := strings.Cut(line, " ")
	return Command{Verb: verb, Arg: arg}
}
