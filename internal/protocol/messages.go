// Package protocol defines the wire messages exchanged over a sync session
// and the WebSocket close codes the server uses. Inbound messages form a sum
// type the session state machine pattern-matches on.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/coder/websocket"

	"github.com/vibestack/syncd/internal/change"
	"github.com/vibestack/syncd/pkg/lsn"
)

// Close codes surfaced to clients.
const (
	StatusNormal        = websocket.StatusNormalClosure
	StatusAuthFailed    = websocket.StatusCode(4001)
	StatusProtocolError = websocket.StatusCode(4002)
	StatusSlowConsumer  = websocket.StatusCode(4003)
	StatusSuperseded    = websocket.StatusCode(4004)
	StatusHeartbeatLost = websocket.StatusCode(4005)
)

// Message type discriminators.
const (
	TypeCatchupChanges   = "srv_catchup_changes"
	TypeCatchupCompleted = "srv_catchup_completed"
	TypeLiveChanges      = "srv_live_changes"
	TypeSubmitAck        = "srv_submit_ack"
	TypeSubmitNack       = "srv_submit_nack"
	TypeError            = "srv_error"

	TypeCatchupRequest  = "clt_catchup_request"
	TypeCatchupReceived = "clt_catchup_received"
	TypeChangesReceived = "clt_changes_received"
	TypeSubmit          = "clt_submit"
	TypeHeartbeat       = "clt_heartbeat"
	TypeDisconnect      = "clt_disconnect"
)

var (
	// ErrUnknownType marks a message whose type discriminator is not part
	// of the protocol.
	ErrUnknownType = errors.New("unknown message type")
	// ErrMalformed marks a payload that failed to decode.
	ErrMalformed = errors.New("malformed message")
)

// Envelope carries the fields common to every message.
type Envelope struct {
	Type      string    `json:"type"`
	ClientID  string    `json:"clientId,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Sequence labels a catchup chunk's position in the replay.
type Sequence struct {
	Chunk int `json:"chunk"`
	Total int `json:"total"`
}

// Server → client messages.

type CatchupChanges struct {
	Envelope
	Changes  []change.Change `json:"changes"`
	Sequence Sequence        `json:"sequence"`
	LastLSN  lsn.LSN         `json:"lastLSN"`
}

type CatchupCompleted struct {
	Envelope
	LastLSN lsn.LSN `json:"lastLSN"`
}

type LiveChanges struct {
	Envelope
	Changes []change.Change `json:"changes"`
	LastLSN lsn.LSN         `json:"lastLSN"`
}

type ServerError struct {
	Envelope
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SubmitAck confirms a committed client batch.
type SubmitAck struct {
	Envelope
	BatchID      string  `json:"batchId"`
	ResultingLSN lsn.LSN `json:"resultingLSN"`
}

// RejectedRow reports one permanently rejected change in a batch.
type RejectedRow struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// SubmitNack reports a failed or partially rejected client batch.
type SubmitNack struct {
	Envelope
	BatchID  string        `json:"batchId"`
	Reason   string        `json:"reason,omitempty"`
	Rejected []RejectedRow `json:"rejected,omitempty"`
}

// Client → server messages.

// Inbound is the sum of all client-originated messages.
type Inbound interface {
	inbound()
	Env() Envelope
}

type CatchupRequest struct {
	Envelope
	FromLSN *lsn.LSN `json:"fromLSN,omitempty"`
}

type CatchupReceived struct {
	Envelope
	Chunk int     `json:"chunk"`
	LSN   lsn.LSN `json:"lsn"`
}

type ChangesReceived struct {
	Envelope
	ChangeIDs []string `json:"changeIds"`
	LastLSN   lsn.LSN  `json:"lastLSN"`
}

type Submit struct {
	Envelope
	BatchID string          `json:"batchId"`
	Changes []change.Change `json:"changes"`
}

type Heartbeat struct {
	Envelope
}

type Disconnect struct {
	Envelope
}

func (CatchupRequest) inbound()  {}
func (CatchupReceived) inbound() {}
func (ChangesReceived) inbound() {}
func (Submit) inbound()          {}
func (Heartbeat) inbound()       {}
func (Disconnect) inbound()      {}

func (m CatchupRequest) Env() Envelope  { return m.Envelope }
func (m CatchupReceived) Env() Envelope { return m.Envelope }
func (m ChangesReceived) Env() Envelope { return m.Envelope }
func (m Submit) Env() Envelope          { return m.Envelope }
func (m Heartbeat) Env() Envelope       { return m.Envelope }
func (m Disconnect) Env() Envelope      { return m.Envelope }

// DecodeInbound parses a client frame into its concrete message type.
func DecodeInbound(data []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	malformed := func(err error) error {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}

	switch env.Type {
	case TypeCatchupRequest:
		var m CatchupRequest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, malformed(err)
		}
		return m, nil
	case TypeCatchupReceived:
		var m CatchupReceived
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, malformed(err)
		}
		return m, nil
	case TypeChangesReceived:
		var m ChangesReceived
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, malformed(err)
		}
		return m, nil
	case TypeSubmit:
		var m Submit
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, malformed(err)
		}
		return m, nil
	case TypeHeartbeat:
		var m Heartbeat
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, malformed(err)
		}
		return m, nil
	case TypeDisconnect:
		var m Disconnect
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, malformed(err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// Encode marshals an outbound message to its wire form.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// NewEnvelope builds the common header for a server message.
func NewEnvelope(typ, clientID, messageID string) Envelope {
	return Envelope{
		Type:      typ,
		ClientID:  clientID,
		MessageID: messageID,
		Timestamp: time.Now().UTC(),
	}
}
