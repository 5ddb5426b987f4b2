// Package onebot implements a OneBot v11 client: a single WebSocket
// connection to a bot gateway carrying both push events and echo-correlated
// API calls, plus the normalization pipeline that turns wire messages into
// plain text and attachment hints.
package onebot

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Event is a parsed wire event. Numeric fields arrive as either JSON numbers
// or strings depending on the gateway implementation, so the raw payload is
// kept as json.RawMessage and decoded through asInt64/asString.
type Event struct {
	PostType      string          `json:"post_type"`
	MessageType   string          `json:"message_type"`
	SubType       string          `json:"sub_type"`
	MetaEventType string          `json:"meta_event_type"`
	NoticeType    string          `json:"notice_type"`
	RequestType   string          `json:"request_type"`
	MessageID     json.RawMessage `json:"message_id"`
	UserID        json.RawMessage `json:"user_id"`
	GroupID       json.RawMessage `json:"group_id"`
	GuildID       string          `json:"guild_id"`
	ChannelID     string          `json:"channel_id"`
	TargetID      json.RawMessage `json:"target_id"`
	SelfID        json.RawMessage `json:"self_id"`
	Time          json.RawMessage `json:"time"`
	RawMessage    string          `json:"raw_message"`
	Message       json.RawMessage `json:"message"`
	Sender        *Sender         `json:"sender,omitempty"`
	Flag          string          `json:"flag"`
	Comment       string          `json:"comment"`
}

// Sender is the author block attached to message events.
type Sender struct {
	UserID   json.RawMessage `json:"user_id"`
	Nickname string          `json:"nickname"`
	Card     string          `json:"card"`
	Role     string          `json:"role"`
}

// DisplayName prefers the group card over the account nickname.
func (s *Sender) DisplayName() string {
	if s == nil {
		return ""
	}
	if s.Card != "" {
		return s.Card
	}
	return s.Nickname
}

func (e *Event) UserIDInt() int64     { return asInt64(e.UserID) }
func (e *Event) GroupIDInt() int64    { return asInt64(e.GroupID) }
func (e *Event) SelfIDInt() int64     { return asInt64(e.SelfID) }
func (e *Event) TargetIDInt() int64   { return asInt64(e.TargetID) }
func (e *Event) TimeUnix() int64      { return asInt64(e.Time) }
func (e *Event) MessageIDStr() string { return asString(e.MessageID) }
func (e *Event) IsGroup() bool        { return e.MessageType == "group" }
func (e *Event) IsGuild() bool        { return e.MessageType == "guild" }

// asInt64 decodes a raw JSON value that may be a number or a numeric string.
func asInt64(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if parsed, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return parsed
		}
	}
	return 0
}

// parseID parses a decimal id string, returning 0 on anything else.
func parseID(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// asString decodes a raw JSON value that may be a string or a number.
func asString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.Trim(string(raw), `"`)
}

// apiRequest is the outbound RPC frame. Echo is empty for one-way sends.
type apiRequest struct {
	Action string      `json:"action"`
	Params interface{} `json:"params"`
	Echo   string      `json:"echo,omitempty"`
}

// apiResponse is the inbound RPC response frame, matched by Echo.
type apiResponse struct {
	Status  string          `json:"status"`
	RetCode json.RawMessage `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Msg     string          `json:"msg"`
	Wording string          `json:"wording"`
	Echo    string          `json:"echo"`
}

func (r *apiResponse) err() error {
	status := strings.TrimSpace(r.Status)
	// "async" means the gateway accepted the action but will not report a
	// result; treat it as success like "ok".
	if strings.EqualFold(status, "ok") || strings.EqualFold(status, "async") {
		return nil
	}
	detail := r.Msg
	if detail == "" {
		detail = r.Wording
	}
	if detail == "" {
		detail = "API request failed"
	}
	return fmt.Errorf("onebot: %s (status=%s retcode=%s)", detail, r.Status, string(r.RetCode))
}

// frameProbe is the minimal decode used to classify an inbound frame before
// committing to a full event or response parse.
type frameProbe struct {
	PostType      string `json:"post_type"`
	MetaEventType string `json:"meta_event_type"`
	Echo          string `json:"echo"`
}
