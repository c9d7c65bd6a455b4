package websocket

import (
	"encoding/json"
	"fmt"
	"strings"

	qerrors "github.com/conneroisu/quire/internal/errors"
	"github.com/conneroisu/quire/internal/vdom"
)

// ProtocolVersion is sent in the connected handshake. The browser client
// reloads when it differs from its own, and on every handshake after its
// first.
const ProtocolVersion = 1

// MessageType tags every message on the live-update socket.
type MessageType string

// Server -> client
const (
	TypeConnected  MessageType = "connected"
	TypeReload     MessageType = "reload"
	TypePatch      MessageType = "patch"
	TypeError      MessageType = "error"
	TypeClearError MessageType = "clear_error"
)

// TypePage is the only client -> server message: the page being viewed.
const TypePage MessageType = "page"

// URLChange tells a client to rewrite its address before reloading.
type URLChange struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// Message is a server -> client frame.
type Message struct {
	Type      MessageType    `json:"type"`
	Version   int            `json:"version,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	URLChange *URLChange     `json:"url_change,omitempty"`
	Path      string         `json:"path,omitempty"`
	Ops       []vdom.PatchOp `json:"ops,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// ClientMessage is a client -> server frame.
type ClientMessage struct {
	Type MessageType `json:"type"`
	Path string      `json:"path"`
}

func Connected() Message {
	return Message{Type: TypeConnected, Version: ProtocolVersion}
}

func Reload(reason string, change *URLChange) Message {
	return Message{Type: TypeReload, Reason: reason, URLChange: change}
}

// Patch addresses ops to the page at path.
func Patch(path string, ops []vdom.PatchOp) Message {
	return Message{Type: TypePatch, Path: path, Ops: ops}
}

// ErrorReport carries a human-readable diagnostic for the source at path.
func ErrorReport(path, diagnostic string) Message {
	return Message{Type: TypeError, Path: path, Error: diagnostic}
}

func ClearError(path string) Message {
	return Message{Type: TypeClearError, Path: path}
}

// Encode serialises m for the wire.
func (m Message) Encode() ([]byte, error) {
	if m.Type == TypePatch && len(m.Ops) == 0 {
		return nil, qerrors.NewTransportError(qerrors.ErrCodeMalformedMessage,
			"patch message without operations", nil)
	}

	return json.Marshal(m)
}

// DecodeClientMessage parses and validates a client frame.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, qerrors.NewTransportError(qerrors.ErrCodeMalformedMessage,
			"client message is not valid JSON", err)
	}

	if msg.Type != TypePage {
		return msg, qerrors.NewTransportError(qerrors.ErrCodeMalformedMessage,
			fmt.Sprintf("unknown client message type %q", msg.Type), nil)
	}

	msg.Path = strings.TrimSpace(msg.Path)
	if msg.Path == "" || !strings.HasPrefix(msg.Path, "/") {
		return msg, qerrors.NewTransportError(qerrors.ErrCodeMalformedMessage,
			fmt.Sprintf("page path %q must be absolute", msg.Path), nil)
	}

	return msg, nil
}
