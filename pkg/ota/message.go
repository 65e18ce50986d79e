package ota

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/backkem/espota/pkg/digest"
	"github.com/backkem/espota/pkg/update"
)

// CommandAuth is the leading code of an auth response datagram.
const CommandAuth = 200

// Protocol replies.
const (
	ReplyOK         = "OK"
	ReplyAuthFailed = "Authentication Failed"
	ReplyNoApproval = "No permission to activate from current firmware"
	authPrefix      = "AUTH "
	keyValueProto   = "RedWax/"
)

// Message is a parsed handshake datagram: *Invitation or *AuthResponse.
type Message interface {
	isMessage()
}

// Invitation announces an update.
type Invitation struct {
	Command update.Command
	// Port is the uploader's bulk transfer port.
	Port uint16
	// Size may be update.SizeUnknown.
	Size uint32
	// Digest is the 32 hex character MD5 of the image.
	Digest string
}

func (*Invitation) isMessage() {}

// Marshal encodes the invitation as a legacy header line.
func (m *Invitation) Marshal() []byte {
	return fmt.Appendf(nil, "%d %d %d %s\n", int(m.Command), m.Port, m.Size, m.Digest)
}

// AuthResponse answers an AUTH challenge. Field lengths are not checked
// by Parse.
type AuthResponse struct {
	ClientNonce string
	Response    string
}

func (*AuthResponse) isMessage() {}

// Marshal encodes the auth response line.
func (m *AuthResponse) Marshal() []byte {
	return fmt.Appendf(nil, "%d %s %s\n", CommandAuth, m.ClientNonce, m.Response)
}

// Parse tokenizes one handshake datagram.
func Parse(data []byte) (Message, error) {
	line := string(bytes.TrimSpace(data))
	if line == "" {
		return nil, ErrEmpty
	}
	if line[0] >= '0' && line[0] <= '9' {
		return parseLegacy(line)
	}
	if strings.HasPrefix(line, keyValueProto) {
		return parseKeyValue(line[len(keyValueProto):])
	}
	return nil, ErrUnknownProtocol
}

func parseLegacy(line string) (Message, error) {
	fields := strings.Fields(line)
	cmd, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil, fmt.Errorf("%w: command %q", ErrMalformed, fields[0])
	}

	// Field lengths of an auth response are checked by the session, which
	// answers a bad response instead of ignoring it.
	if cmd == CommandAuth {
		resp := &AuthResponse{}
		if len(fields) > 1 {
			resp.ClientNonce = fields[1]
		}
		if len(fields) > 2 {
			resp.Response = strings.Join(fields[2:], " ")
		}
		return resp, nil
	}

	if len(fields) != 4 {
		return nil, fmt.Errorf("%w: invitation has %d fields", ErrMalformed, len(fields))
	}
	return newInvitation(cmd, fields[1], fields[2], fields[3])
}

// parseKeyValue handles "1.<minor> cmd=.. port=.. size=.. digest=.. [md=MD5]".
// Unknown keys are ignored.
func parseKeyValue(rest string) (Message, error) {
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return nil, ErrUnknownProtocol
	}
	major, _, _ := strings.Cut(fields[0], ".")
	if major != "1" {
		return nil, fmt.Errorf("%w: version %s", ErrUnknownProtocol, fields[0])
	}

	var cmd, port, size, sum string
	for _, kv := range fields[1:] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrMalformed, kv)
		}
		switch k {
		case "cmd":
			cmd = v
		case "port":
			port = v
		case "size":
			size = v
		case "digest":
			sum = v
		case "md", "authmd":
			if !strings.EqualFold(v, "MD5") {
				return nil, fmt.Errorf("%w: %s", ErrUnsupportedDigest, v)
			}
		}
	}
	if cmd == "" || port == "" || size == "" || sum == "" {
		return nil, fmt.Errorf("%w: missing parameters", ErrMalformed)
	}
	c, err := strconv.Atoi(cmd)
	if err != nil {
		return nil, fmt.Errorf("%w: command %q", ErrMalformed, cmd)
	}
	return newInvitation(c, port, size, sum)
}

func newInvitation(cmd int, port, size, sum string) (*Invitation, error) {
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: port %q", ErrMalformed, port)
	}
	n, err := strconv.ParseUint(size, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: size %q", ErrMalformed, size)
	}
	if !digest.IsHexDigest(sum, digest.HexSize) {
		return nil, fmt.Errorf("%w: %d characters", ErrDigestLength, len(sum))
	}
	return &Invitation{
		Command: update.Command(cmd),
		Port:    uint16(p),
		Size:    uint32(n),
		Digest:  strings.ToLower(sum),
	}, nil
}

// ReplyKind classifies a device reply datagram.
type ReplyKind int

const (
	// ReplyKindError is any text other than OK or a challenge.
	ReplyKindError ReplyKind = iota
	// ReplyKindOK accepts the session.
	ReplyKindOK
	// ReplyKindAuth carries a challenge nonce.
	ReplyKindAuth
)

// Reply is a parsed device reply.
type Reply struct {
	Kind ReplyKind
	// Nonce is set for ReplyKindAuth.
	Nonce string
	// Text is the raw reply.
	Text string
}

// ParseReply classifies a reply datagram.
func ParseReply(data []byte) Reply {
	text := strings.TrimSpace(string(data))
	switch {
	case text == ReplyOK:
		return Reply{Kind: ReplyKindOK, Text: text}
	case strings.HasPrefix(text, authPrefix):
		return Reply{Kind: ReplyKindAuth, Nonce: strings.TrimSpace(text[len(authPrefix):]), Text: text}
	default:
		return Reply{Kind: ReplyKindError, Text: text}
	}
}

// HashPassword returns the secret hash a password authenticates with.
func HashPassword(password string) string {
	return digest.HexMD5(password)
}

// ChallengeResponse computes H(secretHash:nonce:cnonce).
func ChallengeResponse(secretHash, nonce, cnonce string) string {
	return digest.HexMD5(secretHash + ":" + nonce + ":" + cnonce)
}
