// Package protocol defines the JSON messages exchanged between messaging
// gateways, the pairing engine and the moderator CLI. Every message carries a
// "type" discriminator; actions and admin requests are answered with a
// Result, and notifications are pushed with the event kind as their type.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Gateway -> engine action types.
const (
	TypeJoin     = "join"
	TypeLeave    = "leave"
	TypeReport   = "report"
	TypeActivity = "activity"
	TypeStatus   = "status"
	TypePing     = "ping"
)

// Admin request types.
const (
	TypeBlock          = "block"
	TypeUnblock        = "unblock"
	TypeListReports    = "list_reports"
	TypeResolveReport  = "resolve_report"
	TypeStats          = "stats"
	TypeRunMaintenance = "run_maintenance"
	TypeForceEnd       = "force_end"
	TypeWarn           = "warn"
	TypeHistory        = "history"
)

// Engine -> gateway reply types.
const (
	TypeResult = "result"
	TypePong   = "pong"
)

// Result codes. Every typed failure maps to exactly one code.
const (
	CodeOK               = "ok"
	CodeAlreadyQueued    = "already_queued"
	CodeAlreadyPaired    = "already_paired"
	CodeBlocked          = "blocked"
	CodeNotFound         = "not_found"
	CodeSessionNotActive = "session_not_active"
	CodeRateLimited      = "rate_limited"
	CodeInvalid          = "invalid"
	CodeUnsupported      = "unsupported_type"
	CodeInternal         = "internal"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Gateway -> engine actions
// ---------------------------------------------------------------------------

// JoinMsg asks for a partner. The profile fields refresh the stored
// participant record.
type JoinMsg struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Name   string `json:"name"`
	Handle string `json:"handle,omitempty"`
	Locale string `json:"locale,omitempty"`
}

// LeaveMsg leaves the queue or ends the current session.
type LeaveMsg struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// ReportMsg reports the sender's current partner.
type ReportMsg struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

// ActivityMsg records that the sender is still active in their session.
type ActivityMsg struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// StatusMsg asks where the sender currently stands.
type StatusMsg struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// PingMsg is a gateway keepalive.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Admin requests
// ---------------------------------------------------------------------------

// AdminRequest is one administrative operation. Actor is the already
// verified administrator identity; which other fields are required depends
// on Type.
type AdminRequest struct {
	Type          string `json:"type"`
	Actor         string `json:"actor"`
	ParticipantID string `json:"participantId,omitempty"`
	ReportID      int64  `json:"reportId,omitempty"`
	Action        string `json:"action,omitempty"`
	Limit         int    `json:"limit,omitempty"`
}

// Validate checks that the fields Type needs are present.
func (r AdminRequest) Validate() error {
	if r.Actor == "" {
		return fmt.Errorf("protocol: admin request %q: missing actor", r.Type)
	}
	switch r.Type {
	case TypeBlock, TypeUnblock, TypeForceEnd, TypeWarn, TypeHistory:
		if err := CheckParticipantID(r.ParticipantID); err != nil {
			return fmt.Errorf("protocol: admin request %q: %w", r.Type, err)
		}
	case TypeResolveReport:
		if r.ReportID == 0 || r.Action == "" {
			return fmt.Errorf("protocol: admin request %q: missing reportId or action", r.Type)
		}
	case TypeListReports, TypeStats, TypeRunMaintenance:
	default:
		return fmt.Errorf("protocol: unknown admin request type: %q", r.Type)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Replies
// ---------------------------------------------------------------------------

// Result answers every action and admin request.
type Result struct {
	Type  string          `json:"type"`
	OK    bool            `json:"ok"`
	Code  string          `json:"code"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// OK builds a successful result carrying data, which may be nil.
func OK(data any) Result {
	r := Result{Type: TypeResult, OK: true, Code: CodeOK}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Fail(CodeInternal, fmt.Sprintf("encode result: %v", err))
		}
		r.Data = raw
	}
	return r
}

// Fail builds a failed result.
func Fail(code, message string) Result {
	return Result{Type: TypeResult, Code: code, Error: message}
}

// FailWith builds a failed result carrying data that helps the caller
// react, such as when to retry.
func FailWith(code, message string, data any) Result {
	r := Fail(code, message)
	if raw, err := json.Marshal(data); err == nil {
		r.Data = raw
	}
	return r
}

// Decode unmarshals the result data into v.
func (r Result) Decode(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("protocol: decode result data: %w", err)
	}
	return nil
}

// PongMsg answers a ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseAction parses raw bytes into a typed gateway action. It returns the
// message type string, the decoded struct, and any error encountered during
// parsing. An error is returned for unknown types and for actions without a
// participant id.
func ParseAction(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		id  string
		err error
	)

	switch env.Type {
	case TypeJoin:
		var m JoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg, id = m, m.ID
	case TypeLeave:
		var m LeaveMsg
		err = json.Unmarshal(env.Raw, &m)
		msg, id = m, m.ID
	case TypeReport:
		var m ReportMsg
		err = json.Unmarshal(env.Raw, &m)
		msg, id = m, m.ID
	case TypeActivity:
		var m ActivityMsg
		err = json.Unmarshal(env.Raw, &m)
		msg, id = m, m.ID
	case TypeStatus:
		var m StatusMsg
		err = json.Unmarshal(env.Raw, &m)
		msg, id = m, m.ID
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		return env.Type, m, err
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown action type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	if err := CheckParticipantID(id); err != nil {
		return env.Type, nil, fmt.Errorf("protocol: %q action: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// ErrBadParticipantID is returned for ids that cannot name a participant.
var ErrBadParticipantID = errors.New("protocol: invalid participant id")

// CheckParticipantID rejects empty ids and ids that are not a single NATS
// subject token. Notifications are published on pair.notify.<id>, so '.',
// '*', '>' and whitespace are not allowed.
func CheckParticipantID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: missing", ErrBadParticipantID)
	}
	for _, r := range id {
		if r == '.' || r == '*' || r == '>' || unicode.IsSpace(r) {
			return fmt.Errorf("%w: %q contains %q", ErrBadParticipantID, id, r)
		}
	}
	return nil
}

// ParseAdminRequest parses and validates an admin request.
func ParseAdminRequest(data []byte) (AdminRequest, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return AdminRequest{}, fmt.Errorf("protocol: failed to parse admin request: %w", err)
	}
	var req AdminRequest
	if err := json.Unmarshal(env.Raw, &req); err != nil {
		return AdminRequest{}, fmt.Errorf("protocol: failed to decode admin request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return req, err
	}
	return req, nil
}

// ParseResult decodes a reply.
func ParseResult(data []byte) (Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return Result{}, fmt.Errorf("protocol: failed to parse result: %w", err)
	}
	return r, nil
}

// NewMessage creates a JSON-encoded message with msgType injected under the
// "type" key. The payload must encode to a JSON object.
func NewMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = map[string]interface{}{}
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal message: %w", err)
	}
	return out, nil
}
