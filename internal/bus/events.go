package bus

// AuthKind names an interactive credential the adapter is waiting for.
type AuthKind string

const (
	AuthPhone    AuthKind = "phone"
	AuthCode     AuthKind = "code"
	AuthPassword AuthKind = "password"
)

// Event is one emission on an adapter's upward stream. The supervisor is
// the only consumer; it switches exhaustively on the concrete type.
type Event interface {
	isEvent()
}

// QRIssued carries a fresh login QR. Superseded by later QRIssued events
// and cleared on Authenticated.
type QRIssued struct {
	Bytes []byte
}

// AuthPrompt asks for an interactive credential. The adapter blocks its
// bring-up until SubmitAuthValue delivers a value of the same kind.
type AuthPrompt struct {
	Kind AuthKind
}

// Authenticated signals accepted credentials. Info is transport-specific
// display data (account name, number).
type Authenticated struct {
	Info map[string]string
}

// Ready signals the session is fully open and messages will flow.
type Ready struct {
	Info map[string]string
}

// Inbound carries one normalized message. MediaRef, when set, lets the
// supervisor fetch the attachment bytes lazily via DownloadMedia.
type Inbound struct {
	Msg      Message
	MediaRef string
}

// MessageEdited reports an upstream edit of an earlier message.
type MessageEdited struct {
	MessageID string
	ChatID    string
	NewBody   string
	At        int64
}

// MessageDeleted reports an upstream deletion of an earlier message.
type MessageDeleted struct {
	MessageID string
	ChatID    string
	At        int64
}

// Typing reports a typing indicator for a chat.
type Typing struct {
	ChatID   string
	SenderID string
}

// Disconnected reports session loss. Recoverable disconnects make the
// supervisor back off and reconnect; fatal ones park the agent in failed.
type Disconnected struct {
	Reason      string
	Recoverable bool
}

// FatalError reports an adapter-internal failure that cannot be retried.
type FatalError struct {
	Reason string
}

func (QRIssued) isEvent()       {}
func (AuthPrompt) isEvent()     {}
func (Authenticated) isEvent()  {}
func (Ready) isEvent()          {}
func (Inbound) isEvent()        {}
func (MessageEdited) isEvent()  {}
func (MessageDeleted) isEvent() {}
func (Typing) isEvent()         {}
func (Disconnected) isEvent()   {}
func (FatalError) isEvent()     {}
