package onebot

import (
	"context"
	"encoding/json"
	"fmt"
)

// Typed wrappers around the raw action calls. They all degrade the same
// way: transport or status errors come back as errors, malformed payloads
// as decode errors, and callers are expected to treat every one of them as
// optional enrichment rather than a hard failure.

type LoginInfo struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
}

type FriendInfo struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
	Remark   string `json:"remark"`
}

type GroupInfo struct {
	GroupID     int64  `json:"group_id"`
	GroupName   string `json:"group_name"`
	MemberCount int    `json:"member_count"`
}

type GuildInfo struct {
	GuildID        string `json:"guild_id"`
	GuildName      string `json:"guild_name"`
	GuildDisplayID string `json:"guild_display_id"`
}

type GroupMemberInfo struct {
	UserID   json.RawMessage `json:"user_id"`
	Nickname string          `json:"nickname"`
	Card     string          `json:"card"`
	Role     string          `json:"role"`
}

// DisplayName prefers the member's group card over the account nickname.
func (m *GroupMemberInfo) DisplayName() string {
	if m.Card != "" {
		return m.Card
	}
	return m.Nickname
}

// MessageDetail is the payload of get_msg and of history entries.
type MessageDetail struct {
	MessageID  json.RawMessage `json:"message_id"`
	RealID     json.RawMessage `json:"real_id"`
	Time       json.RawMessage `json:"time"`
	Sender     Sender          `json:"sender"`
	Message    json.RawMessage `json:"message"`
	RawMessage string          `json:"raw_message"`
	GroupID    json.RawMessage `json:"group_id"`
}

func (m *MessageDetail) Body() Body {
	return ParseBody(m.Message, m.RawMessage)
}

func (m *MessageDetail) MessageIDStr() string {
	return asString(m.MessageID)
}

// ForwardNode is one entry of a forwarded chat record. Implementations
// disagree on the field name for the nested body; Content wins when both
// are present.
type ForwardNode struct {
	Sender  Sender          `json:"sender"`
	Content json.RawMessage `json:"content"`
	Message json.RawMessage `json:"message"`
}

func (n *ForwardNode) Body() Body {
	if len(n.Content) > 0 && string(n.Content) != "null" {
		return ParseBody(n.Content, "")
	}
	return ParseBody(n.Message, "")
}

func callInto(ctx context.Context, c Caller, action string, params interface{}, out interface{}) error {
	data, err := c.Call(ctx, action, params)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("onebot: decode %s response: %w", action, err)
	}
	return nil
}

func GetLoginInfo(ctx context.Context, c Caller) (*LoginInfo, error) {
	var info LoginInfo
	if err := callInto(ctx, c, "get_login_info", map[string]interface{}{}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func GetMsg(ctx context.Context, c Caller, messageID string) (*MessageDetail, error) {
	var detail MessageDetail
	params := map[string]interface{}{"message_id": messageID}
	if err := callInto(ctx, c, "get_msg", params, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

func GetForwardMsg(ctx context.Context, c Caller, forwardID string) ([]ForwardNode, error) {
	var data struct {
		Messages []ForwardNode `json:"messages"`
		Message  []ForwardNode `json:"message"`
	}
	params := map[string]interface{}{"id": forwardID}
	if err := callInto(ctx, c, "get_forward_msg", params, &data); err != nil {
		return nil, err
	}
	if len(data.Messages) > 0 {
		return data.Messages, nil
	}
	return data.Message, nil
}

func GetGroupMsgHistory(ctx context.Context, c Caller, groupID int64, count int) ([]MessageDetail, error) {
	var data struct {
		Messages []MessageDetail `json:"messages"`
	}
	params := map[string]interface{}{"group_id": groupID}
	if count > 0 {
		params["count"] = count
	}
	if err := callInto(ctx, c, "get_group_msg_history", params, &data); err != nil {
		return nil, err
	}
	return data.Messages, nil
}

func GetFriendList(ctx context.Context, c Caller) ([]FriendInfo, error) {
	var friends []FriendInfo
	if err := callInto(ctx, c, "get_friend_list", map[string]interface{}{}, &friends); err != nil {
		return nil, err
	}
	return friends, nil
}

func GetGroupList(ctx context.Context, c Caller) ([]GroupInfo, error) {
	var groups []GroupInfo
	if err := callInto(ctx, c, "get_group_list", map[string]interface{}{}, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

func GetGuildList(ctx context.Context, c Caller) ([]GuildInfo, error) {
	var guilds []GuildInfo
	if err := callInto(ctx, c, "get_guild_list", map[string]interface{}{}, &guilds); err != nil {
		return nil, err
	}
	return guilds, nil
}

func GetGroupMemberInfo(ctx context.Context, c Caller, groupID, userID int64) (*GroupMemberInfo, error) {
	var info GroupMemberInfo
	params := map[string]interface{}{
		"group_id": groupID,
		"user_id":  userID,
		"no_cache": false,
	}
	if err := callInto(ctx, c, "get_group_member_info", params, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetImage asks the gateway to resolve a received image's file token into
// a fetchable location. Different implementations return url or file.
func GetImage(ctx context.Context, c Caller, file string) (string, error) {
	var data struct {
		URL  string `json:"url"`
		File string `json:"file"`
	}
	if err := callInto(ctx, c, "get_image", map[string]interface{}{"file": file}, &data); err != nil {
		return "", err
	}
	if data.URL != "" {
		return data.URL, nil
	}
	return data.File, nil
}

func GetGroupFileURL(ctx context.Context, c Caller, groupID int64, fileID string, busID int64) (string, error) {
	var data struct {
		URL string `json:"url"`
	}
	params := map[string]interface{}{
		"group_id": groupID,
		"file_id":  fileID,
	}
	if busID != 0 {
		params["busid"] = busID
	}
	if err := callInto(ctx, c, "get_group_file_url", params, &data); err != nil {
		return "", err
	}
	return data.URL, nil
}

func sendMsg(ctx context.Context, c Caller, action string, params map[string]interface{}) (string, error) {
	var data struct {
		MessageID json.RawMessage `json:"message_id"`
	}
	if err := callInto(ctx, c, action, params, &data); err != nil {
		return "", err
	}
	return asString(data.MessageID), nil
}

// SendPrivateMsg sends message (a legacy CQ string or a []Segment) to a
// direct chat and returns the new message id.
func SendPrivateMsg(ctx context.Context, c Caller, userID int64, message interface{}) (string, error) {
	return sendMsg(ctx, c, "send_private_msg", map[string]interface{}{
		"user_id": userID,
		"message": message,
	})
}

func SendGroupMsg(ctx context.Context, c Caller, groupID int64, message interface{}) (string, error) {
	return sendMsg(ctx, c, "send_group_msg", map[string]interface{}{
		"group_id": groupID,
		"message":  message,
	})
}

func SendGuildChannelMsg(ctx context.Context, c Caller, guildID, channelID string, message interface{}) (string, error) {
	return sendMsg(ctx, c, "send_guild_channel_msg", map[string]interface{}{
		"guild_id":   guildID,
		"channel_id": channelID,
		"message":    message,
	})
}

func DeleteMsg(ctx context.Context, c Caller, messageID string) error {
	return callInto(ctx, c, "delete_msg", map[string]interface{}{"message_id": messageID}, nil)
}

func SetGroupBan(ctx context.Context, c Caller, groupID, userID int64, durationSec int64) error {
	return callInto(ctx, c, "set_group_ban", map[string]interface{}{
		"group_id": groupID,
		"user_id":  userID,
		"duration": durationSec,
	}, nil)
}

func SetGroupKick(ctx context.Context, c Caller, groupID, userID int64) error {
	return callInto(ctx, c, "set_group_kick", map[string]interface{}{
		"group_id": groupID,
		"user_id":  userID,
	}, nil)
}

func SetFriendAddRequest(ctx context.Context, c Caller, flag string, approve bool, remark string) error {
	params := map[string]interface{}{
		"flag":    flag,
		"approve": approve,
	}
	if remark != "" {
		params["remark"] = remark
	}
	return callInto(ctx, c, "set_friend_add_request", params, nil)
}

func SetGroupAddRequest(ctx context.Context, c Caller, flag, subType string, approve bool, reason string) error {
	params := map[string]interface{}{
		"flag":     flag,
		"sub_type": subType,
		"approve":  approve,
	}
	if reason != "" {
		params["reason"] = reason
	}
	return callInto(ctx, c, "set_group_add_request", params, nil)
}
