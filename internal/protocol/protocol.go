// Package protocol parses and formats the chat server's line protocol.
//
// The server drives a short handshake before chat begins:
//
//	server: SUBMITNAME
//	client: <screen name>
//	server: SUBMITNAME          (repeated while the name is rejected)
//	server: NAMEACCEPTED <name>
//
// after which the client sends free text and the server broadcasts
// "MESSAGE <text>" lines.  Any other line is a Raw frame, so a plain
// echo server can be talked to as well.
package protocol

import "strings"

// Server-to-client keywords.
const (
	KeywordSubmitName   = "SUBMITNAME"
	KeywordNameAccepted = "NAMEACCEPTED"
	KeywordMessage      = "MESSAGE"
)

// Kind identifies a frame.
type Kind int

const (
	Raw Kind = iota
	SubmitName
	NameAccepted
	Message
)

func (k Kind) String() string {
	switch k {
	case SubmitName:
		return KeywordSubmitName
	case NameAccepted:
		return KeywordNameAccepted
	case Message:
		return KeywordMessage
	default:
		return "RAW"
	}
}

// Frame is one parsed protocol line.
type Frame struct {
	Kind    Kind
	Payload string
}

// Parse classifies a line received from the server.  A keyword must be
// the whole line or be followed by a single space; "MESSAGEX" is Raw.
func Parse(line string) Frame {
	for _, k := range []Kind{SubmitName, NameAccepted, Message} {
		kw := k.String()
		if line == kw {
			return Frame{Kind: k}
		}
		if strings.HasPrefix(line, kw+" ") {
			return Frame{Kind: k, Payload: line[len(kw)+1:]}
		}
	}
	return Frame{Kind: Raw, Payload: line}
}

// Format renders f as a protocol line (without the line terminator).
func Format(f Frame) string {
	if f.Kind == Raw {
		return f.Payload
	}
	if f.Payload == "" {
		return f.Kind.String()
	}
	return f.Kind.String() + " " + f.Payload
}

// String is Format(f).
func (f Frame) String() string { return Format(f) }

// SubmitNameFrame asks the client for a screen name.
func SubmitNameFrame() Frame { return Frame{Kind: SubmitName} }

// NameAcceptedFrame confirms name.
func NameAcceptedFrame(name string) Frame { return Frame{Kind: NameAccepted, Payload: name} }

// MessageFrame carries chat text.
func MessageFrame(text string) Frame { return Frame{Kind: Message, Payload: text} }

// ValidName trims name and reports whether it can be used as a screen
// name: non-empty and on a single line.
func ValidName(name string) (string, bool) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, "\r\n") {
		return "", false
	}
	return name, true
}
