package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type CommandType string

const (
	CommandLogin    CommandType = "login"
	CommandTransfer CommandType = "transfer"
	CommandLogout   CommandType = "logout"
)

type NotificationType string

const (
	NotifyLoginSuccess   NotificationType = "login_success"
	NotifyLoginFailed    NotificationType = "login_failed"
	NotifyRelayedMessage NotificationType = "relayed_message"
	NotifyTransferFailed NotificationType = "transfer_failed"
	NotifyAck            NotificationType = "ack"
	NotifyError          NotificationType = "error"
)

// Ack kinds
const (
	AckTransfer = "transfer"
	AckLogout   = "logout"
)

// envelope is the JSON frame exchanged with clients in both directions
type envelope struct {
	Type    CommandType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Command is a decoded inbound client command
type Command interface {
	Type() CommandType
	Validate() error
}

// IdentityFields are the caller-supplied fields credentials are derived from
type IdentityFields struct {
	Kelas    string   `json:"kelas"`
	Kelompok string   `json:"kelompok"`
	NRPs     []string `json:"nrps"`
}

type LoginCommand struct {
	IdentityFields
	Ewallet string `json:"ewallet"`
}

func (c *LoginCommand) Type() CommandType { return CommandLogin }

func (c *LoginCommand) Validate() error {
	var missing []string
	if strings.TrimSpace(c.Kelas) == "" {
		missing = append(missing, "kelas")
	}
	if strings.TrimSpace(c.Kelompok) == "" {
		missing = append(missing, "kelompok")
	}
	if len(c.NRPs) == 0 {
		missing = append(missing, "nrps")
	}
	for i, nrp := range c.NRPs {
		if strings.TrimSpace(nrp) == "" {
			missing = append(missing, fmt.Sprintf("nrps[%d]", i))
		}
	}
	if strings.TrimSpace(c.Ewallet) == "" {
		missing = append(missing, "ewallet")
	}
	if len(missing) > 0 {
		return NewValidationError("login", "missing "+strings.Join(missing, ", "))
	}
	return nil
}

// Profile returns the user profile echoed back on a successful login
func (c *LoginCommand) Profile() Profile {
	return Profile{Kelas: c.Kelas, Kelompok: c.Kelompok, Ewallet: c.Ewallet}
}

type TransferCommand struct {
	TargetClass string  `json:"targetClass"`
	TargetGroup string  `json:"targetGroup"`
	Amount      *Amount `json:"amount"`
	Ewallet     string  `json:"ewallet"`
}

func (c *TransferCommand) Type() CommandType { return CommandTransfer }

func (c *TransferCommand) Validate() error {
	var missing []string
	if strings.TrimSpace(c.TargetClass) == "" {
		missing = append(missing, "targetClass")
	}
	if strings.TrimSpace(c.TargetGroup) == "" {
		missing = append(missing, "targetGroup")
	}
	if c.Amount == nil {
		missing = append(missing, "amount")
	}
	if strings.TrimSpace(c.Ewallet) == "" {
		missing = append(missing, "ewallet")
	}
	if len(missing) > 0 {
		return NewValidationError("transfer", "missing "+strings.Join(missing, ", "))
	}
	if *c.Amount < 0 {
		return NewValidationError("transfer", "amount must not be negative")
	}
	return nil
}

// Request builds the broker payload for this transfer
func (c *TransferCommand) Request() TransferRequest {
	return TransferRequest{Amount: int64(*c.Amount), SenderEwallet: c.Ewallet}
}

type LogoutCommand struct{}

func (c *LogoutCommand) Type() CommandType { return CommandLogout }
func (c *LogoutCommand) Validate() error   { return nil }

// Amount is an integer amount that clients may send either as a JSON number or
// as a decimal string (HTML form values arrive as strings).
type Amount int64

func (a *Amount) UnmarshalJSON(b []byte) error {
	s := string(bytes.TrimSpace(b))
	if s == "null" {
		return fmt.Errorf("amount must not be null")
	}
	if strings.HasPrefix(s, `"`) {
		var unquoted string
		if err := json.Unmarshal(b, &unquoted); err != nil {
			return err
		}
		s = strings.TrimSpace(unquoted)
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("amount %q is not an integer", s)
	}
	*a = Amount(v)
	return nil
}

// TransferRequest is the payload published for a transfer command
type TransferRequest struct {
	Amount        int64  `json:"amount"`
	SenderEwallet string `json:"sender_ewallet"`
}

// DecodeCommand parses a client frame into a typed command. Unknown command
// types are rejected rather than ignored.
func DecodeCommand(data []byte) (Command, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, NewValidationError("decode", "invalid message format")
	}

	var cmd Command
	switch env.Type {
	case CommandLogin:
		cmd = &LoginCommand{}
	case CommandTransfer:
		cmd = &TransferCommand{}
	case CommandLogout:
		return &LogoutCommand{}, nil
	case "":
		return nil, NewValidationError("decode", "missing command type")
	default:
		return nil, NewBridgeError("decode", ErrUnknownCommand.Message, fmt.Errorf("%q", env.Type))
	}

	if len(env.Payload) > 0 && !bytes.Equal(env.Payload, []byte("null")) {
		if err := json.Unmarshal(env.Payload, cmd); err != nil {
			return nil, NewValidationError(string(env.Type), err.Error())
		}
	}
	return cmd, nil
}

// EncodeCommand is the client-side counterpart of DecodeCommand
func EncodeCommand(cmd Command) ([]byte, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: cmd.Type(), Payload: payload})
}

// Notification is a frame sent to a client
type Notification struct {
	Type    NotificationType `json:"type"`
	Message string           `json:"message,omitempty"`
	Payload any              `json:"payload,omitempty"`
}

type Profile struct {
	Kelas    string `json:"kelas"`
	Kelompok string `json:"kelompok"`
	Ewallet  string `json:"ewallet"`
}

type LoginSuccessPayload struct {
	Message     string  `json:"message"`
	UserProfile Profile `json:"userProfile"`
}

// RelayedMessagePayload carries a broker message to the client. Message holds
// the payload unchanged when it is valid JSON; otherwise Raw holds it and
// Malformed is set.
type RelayedMessagePayload struct {
	Topic     string          `json:"topic"`
	Message   json.RawMessage `json:"message,omitempty"`
	Raw       string          `json:"raw,omitempty"`
	Malformed bool            `json:"malformed,omitempty"`
}

type AckPayload struct {
	Kind string `json:"kind"`
}

func LoginSuccess(profile Profile) Notification {
	return Notification{
		Type: NotifyLoginSuccess,
		Payload: LoginSuccessPayload{
			Message:     fmt.Sprintf("logged in as group %s class %s", profile.Kelompok, profile.Kelas),
			UserProfile: profile,
		},
	}
}

func LoginFailed(reason string) Notification {
	return Notification{Type: NotifyLoginFailed, Message: reason}
}

func TransferFailed(reason string) Notification {
	return Notification{Type: NotifyTransferFailed, Message: reason}
}

func Ack(kind, message string) Notification {
	return Notification{Type: NotifyAck, Message: message, Payload: AckPayload{Kind: kind}}
}

func ErrorNotification(reason string) Notification {
	return Notification{Type: NotifyError, Message: reason}
}

func RelayedMessage(payload RelayedMessagePayload) Notification {
	return Notification{Type: NotifyRelayedMessage, Payload: payload}
}
