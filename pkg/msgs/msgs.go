// Package msgs defines the JSON frames exchanged between chat clients and the
// relay. Every frame is a JSON object carrying a "type" discriminator; field
// names are part of the wire contract and must not change.
package msgs

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

const (
	TypeJoin           = "join"
	TypeMessage        = "message"
	TypeAcknowledgment = "acknowledgment"
	TypeSystem         = "system"
)

// Envelope is the minimal view of a frame used to route it by type.
type Envelope struct {
	Type string `json:"type"`
}

// Join binds a username and public key (base64 DER SPKI) to a connection.
type Join struct {
	Type      string `json:"type"`
	Username  string `json:"username"`
	PublicKey string `json:"publicKey"`
}

// Message carries signed chat text. Username is only set on frames the relay
// sends; clients omit it.
type Message struct {
	Type      string `json:"type"`
	Username  string `json:"username,omitempty"`
	Text      string `json:"text"`
	Signature string `json:"signature"`
}

// Acknowledgment binds a delivery confirmation to a prior message by its
// signature. Clients send AckSignature, the relay replaces it with Recipient.
type Acknowledgment struct {
	Type              string `json:"type"`
	OriginalSignature string `json:"originalSignature"`
	AckSignature      string `json:"ackSignature,omitempty"`
	Recipient         string `json:"recipient,omitempty"`
}

// System is a relay notice, optionally carrying the roster.
type System struct {
	Type     string   `json:"type"`
	Text     string   `json:"text"`
	UserList []string `json:"userList,omitempty"`
}

func NewJoin(username, publicKey string) *Join {
	return &Join{Type: TypeJoin, Username: username, PublicKey: publicKey}
}

func NewMessage(text, signature string) *Message {
	return &Message{Type: TypeMessage, Text: text, Signature: signature}
}

func NewAcknowledgment(originalSignature, ackSignature string) *Acknowledgment {
	return &Acknowledgment{Type: TypeAcknowledgment, OriginalSignature: originalSignature, AckSignature: ackSignature}
}

func NewSystem(text string, userList ...string) *System {
	return &System{Type: TypeSystem, Text: text, UserList: userList}
}

// PeekType returns the discriminator of a raw frame. It fails when the frame
// is not a JSON object or has no type.
func PeekType(b []byte) (string, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return "", err
	}
	if e.Type == "" {
		return "", errors.New("frame has no type")
	}
	return e.Type, nil
}

// Decode parses a raw frame into its typed form.
func Decode(b []byte) (interface{}, error) {
	t, err := PeekType(b)
	if err != nil {
		return nil, err
	}

	var v interface{}
	switch t {
	case TypeJoin:
		v = &Join{}
	case TypeMessage:
		v = &Message{}
	case TypeAcknowledgment:
		v = &Acknowledgment{}
	case TypeSystem:
		v = &System{}
	default:
		return nil, errors.Errorf("unknown frame type: %s", t)
	}

	if err := json.Unmarshal(b, v); err != nil {
		return nil, err
	}
	return v, nil
}

// Encode marshals a frame without HTML escaping so forwarded text reads the
// same on the wire as it was sent.
func Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
