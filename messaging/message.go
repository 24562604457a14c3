package messaging

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// ProtocolVersion is the version of the Jupyter messaging protocol that we speak.
	ProtocolVersion = "5.3"

	// MessageHeaderDefaultUsername is used when the caller does not configure a username.
	MessageHeaderDefaultUsername = "username"

	IOStatusMessage         = "status"
	IOStreamMessage         = "stream"
	IODisplayData           = "display_data"
	IOExecuteInput          = "execute_input"
	IOExecuteResult         = "execute_result"
	IOErrorMessage          = "error"
	ShellExecuteRequest     = "execute_request"
	ShellExecuteReply       = "execute_reply"
	ShellKernelInfoRequest  = "kernel_info_request"
	ShellKernelInfoReply    = "kernel_info_reply"
	StdinInputRequest       = "input_request"
	StdinInputReply         = "input_reply"
	ControlShutdownRequest  = "shutdown_request"
	ControlShutdownReply    = "shutdown_reply"
	ControlInterruptRequest = "interrupt_request"
	ControlInterruptReply   = "interrupt_reply"
)

var (
	ErrInvalidMessage = fmt.Errorf("invalid jupyter message")
)

// Channel identifies the logical lane a message travels on. The channel is
// carried by the wire frame, not by the message header.
type Channel string

const (
	ShellChannel   Channel = "shell"
	ControlChannel Channel = "control"
	IOPubChannel   Channel = "iopub"
	StdinChannel   Channel = "stdin"
	HBChannel      Channel = "hb"
)

func (c Channel) String() string {
	return string(c)
}

type KernelMessageType string

func (t KernelMessageType) String() string {
	return string(t)
}

// GetBaseMessageType returns the base portion of the Jupyter message type.
// The "base part" is best defined through an example:
//
// If the message type is "execute_request", then this returns "execute_" and true.
//
// If the message type is not of the form "{action}_request" or "{action}_reply", then this
// returns the empty string and false.
func (t KernelMessageType) GetBaseMessageType() (string, bool) {
	if strings.HasSuffix(t.String(), "request") {
		return t.String()[0 : len(t.String())-7], true
	} else if strings.HasSuffix(t.String(), "reply") {
		return t.String()[0 : len(t.String())-5], true
	}

	return "", false
}

// MessageHeader is a Jupyter message header.
// http://jupyter-client.readthedocs.io/en/latest/messaging.html#general-message-format
type MessageHeader struct {
	MsgID    string            `json:"msg_id"`
	Username string            `json:"username"`
	Session  string            `json:"session"`
	Date     string            `json:"date"`
	MsgType  KernelMessageType `json:"msg_type"`
	Version  string            `json:"version"`
}

func (header *MessageHeader) Clone() *MessageHeader {
	return &MessageHeader{
		MsgID:    header.MsgID,
		Username: header.Username,
		Session:  header.Session,
		Date:     header.Date,
		MsgType:  header.MsgType,
		Version:  header.Version,
	}
}

// IsEmpty returns true if the header carries no message ID or type, which is
// how top-level requests and kernel-initiated broadcasts represent "no parent".
func (header *MessageHeader) IsEmpty() bool {
	return header.MsgID == "" && header.MsgType == ""
}

func (header *MessageHeader) Equals(other *MessageHeader) bool {
	if other == nil {
		return false
	}

	return header.MsgID == other.MsgID && header.Username == other.Username &&
		header.Session == other.Session && header.Date == other.Date &&
		header.MsgType == other.MsgType && header.Version == other.Version
}

func (header *MessageHeader) String() string {
	m, err := json.Marshal(header)
	if err != nil {
		panic(err)
	}

	return string(m)
}

// Message represents an entire Jupyter message in a high-level structure.
type Message struct {
	Header       MessageHeader          `json:"header"`
	ParentHeader MessageHeader          `json:"parent_header"`
	Metadata     map[string]interface{} `json:"metadata"`
	Content      map[string]interface{} `json:"content"`

	// Channel is the logical channel the message travels on.
	// It is encoded in the wire frame rather than in any of the message parts.
	Channel Channel `json:"channel"`
}

// NewMessage creates a Message of the given type with a freshly-generated
// message ID and a UTC timestamp. The parent header is left empty, which is
// correct for top-level requests.
func NewMessage(msgType KernelMessageType, channel Channel, session string, username string) *Message {
	if username == "" {
		username = MessageHeaderDefaultUsername
	}

	return &Message{
		Header: MessageHeader{
			MsgID:    uuid.NewString(),
			Username: username,
			Session:  session,
			Date:     time.Now().UTC().Format(time.RFC3339Nano),
			MsgType:  msgType,
			Version:  ProtocolVersion,
		},
		Metadata: make(map[string]interface{}),
		Content:  make(map[string]interface{}),
		Channel:  channel,
	}
}

// NewChildMessage creates a Message whose parent header is the header of the
// given parent. Used for replies produced while handling another message,
// such as the input_reply sent in response to an input_request.
func NewChildMessage(msgType KernelMessageType, channel Channel, parent *Message) *Message {
	msg := NewMessage(msgType, channel, parent.Header.Session, parent.Header.Username)
	msg.ParentHeader = *parent.Header.Clone()
	return msg
}

// JupyterMessageId is a convenience method for retrieving the message ID from the header.
func (m *Message) JupyterMessageId() string {
	return m.Header.MsgID
}

// JupyterMessageType is a convenience method for retrieving the message type from the header.
func (m *Message) JupyterMessageType() KernelMessageType {
	return m.Header.MsgType
}

// JupyterParentMessageId is a convenience method for retrieving the message ID
// from the parent header. Returns the empty string for unparented messages.
func (m *Message) JupyterParentMessageId() string {
	return m.ParentHeader.MsgID
}

// JupyterSession is a convenience method for retrieving the session from the header.
func (m *Message) JupyterSession() string {
	return m.Header.Session
}

// IsBroadcast returns true if the message is kernel-initiated rather than a
// reply to something we sent (i.e., it has no parent).
func (m *Message) IsBroadcast() bool {
	return m.ParentHeader.IsEmpty()
}

// Validate checks that the mandatory header fields are present. Unknown
// message types are passed through so that newer kernels keep working; only
// a missing message ID or type is a hard error.
func (m *Message) Validate() error {
	if m.Header.MsgID == "" {
		return fmt.Errorf("%w: missing msg_id", ErrInvalidMessage)
	}
	if m.Header.MsgType == "" {
		return fmt.Errorf("%w: missing msg_type", ErrInvalidMessage)
	}
	return nil
}

// DecodeContent unmarshals the content mapping into the given struct.
func (m *Message) DecodeContent(out interface{}) error {
	encoded, err := json.Marshal(m.Content)
	if err != nil {
		return err
	}
	return json.Unmarshal(encoded, out)
}

// EncodeContent marshals the given struct into the content mapping.
func (m *Message) EncodeContent(in interface{}) error {
	encoded, err := json.Marshal(in)
	if err != nil {
		return err
	}

	content := make(map[string]interface{})
	if err = json.Unmarshal(encoded, &content); err != nil {
		return err
	}

	m.Content = content
	return nil
}

// Parts packs the four message parts (header, parent header, metadata,
// content) into raw byte frames in wire order using the given packer.
func (m *Message) Parts(pack Packer) ([][]byte, error) {
	if pack == nil {
		pack = JSONPacker
	}

	parts := make([][]byte, 0, NumMessageParts)
	for _, in := range []interface{}{&m.Header, &m.ParentHeader, m.Metadata, m.Content} {
		encoded, err := pack(in)
		if err != nil {
			return nil, err
		}
		parts = append(parts, encoded)
	}

	return parts, nil
}

// MessageFromParts reconstructs a Message from the channel tag and the raw
// parts produced by DecodeFrame, unpacking each part independently.
func MessageFromParts(channel Channel, parts [][]byte, unpack Unpacker) (*Message, error) {
	if unpack == nil {
		unpack = JSONUnpacker
	}

	if len(parts) < NumMessageParts {
		return nil, fmt.Errorf("%w: expected %d message parts, got %d", ErrInvalidMessage, NumMessageParts, len(parts))
	}

	msg := &Message{Channel: channel}
	for i, out := range []interface{}{&msg.Header, &msg.ParentHeader, &msg.Metadata, &msg.Content} {
		if len(parts[i]) == 0 {
			continue
		}

		if err := unpack(parts[i], out); err != nil {
			return nil, fmt.Errorf("%w: part %d: %v", ErrInvalidMessage, i, err)
		}
	}

	if err := msg.Validate(); err != nil {
		return nil, err
	}

	return msg, nil
}

func (m *Message) String() string {
	encoded, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}

	return string(encoded)
}
