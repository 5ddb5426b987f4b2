package onebot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/openclaw/onebridge/pkg/logger"
	"github.com/openclaw/onebridge/pkg/utils"
)

const (
	// lookupTTL bounds how long resolved member cards and image token
	// locations stay cached.
	lookupTTL = time.Hour
	// forwardNodeLimit caps how many entries of a forwarded chat record
	// are rendered inline.
	forwardNodeLimit = 10
	// replyImageLimit caps how many image URLs are lifted out of a
	// replied-to message.
	replyImageLimit = 5
)

// Body decodes the event's message payload, falling back to raw_message.
func (e *Event) Body() Body {
	return ParseBody(e.Message, e.RawMessage)
}

// FileRef describes a file attachment found in a message.
type FileRef struct {
	Name   string
	URL    string
	FileID string
	BusID  int64
	Size   int64
}

// ReplyContext carries what we could recover about the replied-to message.
// All fields except MessageID are best-effort; when the get_msg lookup
// fails the context still names the id so the reply link is not lost.
type ReplyContext struct {
	MessageID  string
	SenderID   int64
	SenderName string
	Text       string
	Images     []string
}

// Inbound is a normalized message: one plain-text rendering plus the
// structured leftovers that do not fit in text.
type Inbound struct {
	Text       string
	SenderName string
	Images     []string
	Files      []FileRef
	Reply      *ReplyContext
	Mentioned  bool
}

type cacheEntry struct {
	value   string
	expires time.Time
}

// Normalizer flattens both message dialects into plain text with Chinese
// placeholders for non-text content, enriching via API calls where the
// payload alone is not enough. Every lookup degrades gracefully: an RPC
// failure costs detail, never the message.
//
// Each Normalizer owns its caches, so two accounts in one process never
// cross-pollute names or image locations.
type Normalizer struct {
	caller Caller
	selfID func() int64
	now    func() time.Time

	mu     sync.Mutex
	names  map[string]cacheEntry
	images map[string]cacheEntry
	fetch  singleflight.Group
}

func NewNormalizer(caller Caller, selfID func() int64) *Normalizer {
	return &Normalizer{
		caller: caller,
		selfID: selfID,
		now:    time.Now,
		names:  make(map[string]cacheEntry),
		images: make(map[string]cacheEntry),
	}
}

// Normalize renders one message event. It never fails; the worst case is
// a placeholder-only text.
func (n *Normalizer) Normalize(ctx context.Context, evt *Event) *Inbound {
	body := evt.Body()
	out := &Inbound{Mentioned: body.MentionsSelf(n.selfID())}

	var text strings.Builder
	for _, seg := range body.Segments() {
		switch seg.Type {
		case "text":
			text.WriteString(seg.Get("text"))
		case "at":
			n.renderAt(ctx, evt, seg, &text)
		case "face":
			text.WriteString(" [表情] ")
		case "image":
			n.renderImage(ctx, seg, &text, out)
		case "record":
			if t := strings.TrimSpace(seg.Get("text")); t != "" {
				text.WriteString(" [语音消息] (" + t + ") ")
			} else {
				text.WriteString(" [语音消息] ")
			}
		case "video":
			text.WriteString(" [视频消息] ")
		case "json", "xml":
			text.WriteString(" [卡片消息] ")
		case "forward":
			text.WriteString(n.renderForward(ctx, seg))
		case "file":
			n.renderFile(ctx, evt, seg, &text, out)
		case "reply":
			// Handled after the walk; contributes no inline text.
		}
	}

	if id := body.ReplyID(); id != "" {
		out.Reply = n.fetchReply(ctx, evt, id, out)
		// Replying to one of our own messages addresses us.
		if self := n.selfID(); self > 0 && out.Reply.SenderID == self {
			out.Mentioned = true
		}
	}

	out.Text = strings.TrimSpace(text.String())
	out.SenderName = n.senderName(ctx, evt)
	return out
}

// renderAt renders one @ tag. Mention detection runs on the whole body in
// Normalize; a tag naming us renders as nothing.
func (n *Normalizer) renderAt(ctx context.Context, evt *Event, seg Segment, text *strings.Builder) {
	qq := seg.Get("qq")
	if qq == "all" {
		text.WriteString(" @全体成员 ")
		return
	}
	if self := n.selfID(); self > 0 && qq == fmt.Sprintf("%d", self) {
		return
	}

	name := seg.Get("name")
	if name == "" && evt.IsGroup() {
		if uid := parseID(qq); uid > 0 {
			name = n.memberName(ctx, evt.GroupIDInt(), uid)
		}
	}
	if name == "" {
		name = qq
	}
	text.WriteString(" @" + name + " ")
}

func (n *Normalizer) renderImage(ctx context.Context, seg Segment, text *strings.Builder, out *Inbound) {
	url := mediaRef(seg)
	if url == "" {
		url = n.imageURL(ctx, seg.Get("file"))
	}
	if url == "" {
		text.WriteString(" [图片] ")
		return
	}
	out.Images = utils.AppendUnique(out.Images, url)
	text.WriteString(" [图片: " + url + "] ")
}

// imageURL resolves a gateway image token through get_image, caching
// successes. Tokens name an uploaded blob, so a resolved location stays
// valid at least as long as the cache entry.
func (n *Normalizer) imageURL(ctx context.Context, file string) string {
	if file == "" || n.caller == nil {
		return ""
	}

	n.mu.Lock()
	entry, ok := n.images[file]
	n.mu.Unlock()
	if ok && n.now().Before(entry.expires) {
		return entry.value
	}

	v, err, _ := n.fetch.Do("image:"+file, func() (interface{}, error) {
		return GetImage(ctx, n.caller, file)
	})
	if err != nil {
		logger.DebugCF("onebot", "Image token lookup failed", map[string]interface{}{
			"file":  file,
			"error": err.Error(),
		})
		return ""
	}
	url := v.(string)
	if url == "" {
		return ""
	}

	n.mu.Lock()
	n.images[file] = cacheEntry{value: url, expires: n.now().Add(lookupTTL)}
	n.mu.Unlock()
	return url
}

// renderForward fetches a forwarded chat record and renders up to
// forwardNodeLimit entries inline. Nested forwards inside the bundle are
// shown as placeholders; the recursion stops at one level.
func (n *Normalizer) renderForward(ctx context.Context, seg Segment) string {
	id := seg.Get("id")
	if id == "" {
		id = seg.Get("file")
	}
	if id == "" || n.caller == nil {
		return " [转发聊天记录] "
	}

	nodes, err := GetForwardMsg(ctx, n.caller, id)
	if err != nil || len(nodes) == 0 {
		if err != nil {
			logger.DebugCF("onebot", "Forward record fetch failed", map[string]interface{}{
				"id":    id,
				"error": err.Error(),
			})
		}
		return " [转发聊天记录] "
	}

	lines := []string{"[转发聊天记录]"}
	count := len(nodes)
	if count > forwardNodeLimit {
		count = forwardNodeLimit
	}
	for _, node := range nodes[:count] {
		name := "用户"
		if dn := node.Sender.DisplayName(); dn != "" {
			name = dn
		}
		lines = append(lines, name+": "+flattenPlain(node.Body()))
	}
	if len(nodes) > forwardNodeLimit {
		lines = append(lines, fmt.Sprintf("……(共 %d 条)", len(nodes)))
	}
	return "\n" + strings.Join(lines, "\n") + "\n"
}

// fileRef builds one file attachment reference, resolving a download URL
// through get_group_file_url when the segment carries none.
func (n *Normalizer) fileRef(ctx context.Context, evt *Event, seg Segment) FileRef {
	ref := FileRef{
		Name:   seg.Get("name"),
		URL:    seg.Get("url"),
		FileID: seg.Get("file_id"),
		Size:   parseID(seg.Get("file_size")),
	}
	if ref.Name == "" {
		ref.Name = seg.Get("file")
	}
	if ref.FileID == "" {
		ref.FileID = seg.Get("id")
	}
	ref.BusID = parseID(seg.Get("busid"))

	if ref.URL == "" && ref.FileID != "" && evt.IsGroup() && n.caller != nil {
		url, err := GetGroupFileURL(ctx, n.caller, evt.GroupIDInt(), ref.FileID, ref.BusID)
		if err != nil {
			logger.DebugCF("onebot", "Group file URL lookup failed", map[string]interface{}{
				"file_id": ref.FileID,
				"error":   err.Error(),
			})
		} else {
			ref.URL = url
		}
	}
	return ref
}

func (n *Normalizer) renderFile(ctx context.Context, evt *Event, seg Segment, text *strings.Builder, out *Inbound) {
	ref := n.fileRef(ctx, evt, seg)
	out.Files = append(out.Files, ref)
	if ref.Name != "" {
		text.WriteString(" [文件: " + ref.Name + "] ")
	} else {
		text.WriteString(" [文件] ")
	}
}

func (n *Normalizer) fetchReply(ctx context.Context, evt *Event, id string, out *Inbound) *ReplyContext {
	reply := &ReplyContext{MessageID: id}
	if n.caller == nil {
		return reply
	}

	detail, err := GetMsg(ctx, n.caller, id)
	if err != nil {
		logger.DebugCF("onebot", "Replied-to message fetch failed", map[string]interface{}{
			"message_id": id,
			"error":      err.Error(),
		})
		return reply
	}

	body := detail.Body()
	reply.SenderID = asInt64(detail.Sender.UserID)
	reply.SenderName = detail.Sender.DisplayName()
	reply.Text = flattenPlain(body)
	reply.Images = ExtractImageURLs(body, replyImageLimit)

	// A reply often points at the message that actually carried the
	// attachment; pick up its file segments when this message had none.
	if len(out.Files) == 0 {
		for _, seg := range body.Segments() {
			if seg.Type == "file" {
				out.Files = append(out.Files, n.fileRef(ctx, evt, seg))
			}
		}
	}
	return reply
}

func (n *Normalizer) senderName(ctx context.Context, evt *Event) string {
	if evt.Sender != nil {
		if name := evt.Sender.DisplayName(); name != "" {
			return name
		}
	}
	if evt.IsGroup() {
		if name := n.memberName(ctx, evt.GroupIDInt(), evt.UserIDInt()); name != "" {
			return name
		}
	}
	return fmt.Sprintf("%d", evt.UserIDInt())
}

// memberName resolves a group member's display name through a TTL cache.
// Concurrent misses for the same member collapse into one API call.
func (n *Normalizer) memberName(ctx context.Context, groupID, userID int64) string {
	if groupID <= 0 || userID <= 0 || n.caller == nil {
		return ""
	}
	key := fmt.Sprintf("%d:%d", groupID, userID)

	n.mu.Lock()
	entry, ok := n.names[key]
	n.mu.Unlock()
	if ok && n.now().Before(entry.expires) {
		return entry.value
	}

	v, err, _ := n.fetch.Do(key, func() (interface{}, error) {
		info, err := GetGroupMemberInfo(ctx, n.caller, groupID, userID)
		if err != nil {
			return "", err
		}
		return info.DisplayName(), nil
	})
	if err != nil {
		logger.DebugCF("onebot", "Member info lookup failed", map[string]interface{}{
			"group_id": groupID,
			"user_id":  userID,
			"error":    err.Error(),
		})
		return ""
	}

	name := v.(string)
	n.mu.Lock()
	n.names[key] = cacheEntry{value: name, expires: n.now().Add(lookupTTL)}
	n.mu.Unlock()
	return name
}

// PlainText renders the body without any API enrichment.
func (b Body) PlainText() string { return flattenPlain(b) }

// flattenPlain renders a body to text without any API enrichment. Used for
// nested content (forward nodes, replied-to messages) where a second round
// of lookups is not worth the latency.
func flattenPlain(body Body) string {
	var text strings.Builder
	for _, seg := range body.Segments() {
		switch seg.Type {
		case "text":
			text.WriteString(seg.Get("text"))
		case "at":
			name := seg.Get("name")
			if name == "" {
				name = seg.Get("qq")
			}
			text.WriteString(" @" + name + " ")
		case "face":
			text.WriteString(" [表情] ")
		case "image":
			text.WriteString(" [图片] ")
		case "record":
			text.WriteString(" [语音消息] ")
		case "video":
			text.WriteString(" [视频消息] ")
		case "json", "xml":
			text.WriteString(" [卡片消息] ")
		case "forward":
			text.WriteString(" [转发聊天记录] ")
		case "file":
			if name := seg.Get("name"); name != "" {
				text.WriteString(" [文件: " + name + "] ")
			} else {
				text.WriteString(" [文件] ")
			}
		}
	}
	return strings.TrimSpace(text.String())
}
