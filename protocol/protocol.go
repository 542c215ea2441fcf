package protocol

import (
	"errors"
	"strings"
	"unicode"

	"github.com/charmbracelet/x/ansi"
)

var (
	ErrInvalidPacket = errors.New("invalid packet format")
)

// Inbound packet types.
const (
	TypePing        = "ping"
	TypeLine        = "line"
	TypeKey         = "key"
	TypeChatRequest = "chatreq"
	TypeChatAccept  = "chatacc"
	TypeChatDecline = "chatdec"
	TypeChatMessage = "chatmsg"
	TypeChatKey     = "chatkey"
	TypeChatEnd     = "chatend"
	TypeOLM         = "olm"
	TypeOLMBlock    = "olmq"
	TypeBye         = "bye"
)

// Outbound packet types. chatmsg, chatend, olm and bye are shared with the
// inbound set.
const (
	TypePong         = "pong"
	TypeOut          = "out"
	TypePrompt       = "prompt"
	TypeFail         = "fail"
	TypeChatInvite   = "chatinv"
	TypeChatPending  = "chatreqd"
	TypeChatStart    = "chatstart"
	TypeChatDeclined = "chatdecl"
	TypeChatTyping   = "chattyping"
	TypeChatLeft     = "chatleft"
	TypeChatTimeout  = "chattimeout"
	TypeOLMQueued    = "olmqueued"
	TypeOLMSent      = "olmsent"
)

type Packet struct {
	Type   string
	Fields []string // unescaped fields after the type
}

// Arg returns the i-th field or "" when absent.
func (p *Packet) Arg(i int) string {
	if i < 0 || i >= len(p.Fields) {
		return ""
	}
	return p.Fields[i]
}

func ParsePacket(line string) (*Packet, error) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")

	parts := splitUnescaped(line, '|')
	pkt := &Packet{
		Type: strings.ToLower(unescape(parts[0])),
	}
	if pkt.Type == "" {
		return nil, ErrInvalidPacket
	}

	for _, part := range parts[1:] {
		pkt.Fields = append(pkt.Fields, unescape(part))
	}

	return pkt, nil
}

// Format encodes a packet as one line: type|field1|field2|...\n
// Each field is escaped separately.
func Format(pktType string, fields ...string) string {
	var b strings.Builder
	b.WriteString(Escape(pktType))
	for _, field := range fields {
		b.WriteByte('|')
		b.WriteString(Escape(field))
	}
	b.WriteByte('\n')
	return b.String()
}

// splitUnescaped splits s on delimiter, skipping escaped occurrences. The
// escape characters are kept so unescape can decode each part.
func splitUnescaped(s string, delimiter rune) []string {
	var parts []string
	var current strings.Builder
	escape := false

	for _, r := range s {
		if escape {
			current.WriteRune(r)
			escape = false
			continue
		}

		if r == '\\' {
			escape = true
			current.WriteRune(r)
			continue
		}

		if r == delimiter {
			parts = append(parts, current.String())
			current.Reset()
			continue
		}

		current.WriteRune(r)
	}

	parts = append(parts, current.String())
	return parts
}

func unescape(s string) string {
	var result strings.Builder
	escape := false

	for _, r := range s {
		if escape {
			switch r {
			case '|', ',', '\\':
				result.WriteRune(r)
			case 'n':
				result.WriteRune('\n')
			case 'r':
				result.WriteRune('\r')
			default:
				// unknown escape is kept verbatim
				result.WriteRune('\\')
				result.WriteRune(r)
			}
			escape = false
			continue
		}

		if r == '\\' {
			escape = true
			continue
		}

		result.WriteRune(r)
	}

	// trailing lone backslash
	if escape {
		result.WriteRune('\\')
	}

	return result.String()
}

// Escape encodes the characters that are significant to the framing.
func Escape(s string) string {
	var result strings.Builder

	for _, r := range s {
		switch r {
		case '|':
			result.WriteString("\\|")
		case ',':
			result.WriteString("\\,")
		case '\\':
			result.WriteString("\\\\")
		case '\n':
			result.WriteString("\\n")
		case '\r':
			result.WriteString("\\r")
		default:
			result.WriteRune(r)
		}
	}

	return result.String()
}

// Sanitize strips ANSI/VT escape sequences and other control characters
// from user text so it cannot drive the peer's terminal. Tabs become spaces.
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\t':
			return ' '
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, ansi.Strip(s))
}
