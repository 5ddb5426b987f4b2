package channels

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/openclaw/onebridge/pkg/bus"
	"github.com/openclaw/onebridge/pkg/config"
	"github.com/openclaw/onebridge/pkg/logger"
	"github.com/openclaw/onebridge/pkg/media"
	"github.com/openclaw/onebridge/pkg/onebot"
	"github.com/openclaw/onebridge/pkg/utils"
)

const (
	defaultMaxMessageLength = 4000
	replyQuoteLimit         = 120
	rpcGrace                = 10 * time.Second
	// mergedImageLimit caps the message's own images plus the replied-to
	// message's combined.
	mergedImageLimit = 5
)

var audioExts = map[string]bool{
	".mp3": true, ".wav": true, ".amr": true, ".silk": true, ".ogg": true, ".m4a": true,
}

// OneBotChannel bridges one OneBot gateway account onto the message bus.
// All per-account state (dedup window, member-name cache, rate limiter)
// lives on this struct, so multiple accounts in one process stay isolated.
type OneBotChannel struct {
	*BaseChannel
	cfg config.OneBotConfig

	client     *onebot.Client
	dispatcher *onebot.Dispatcher
	normalizer *onebot.Normalizer
	resolver   *media.Resolver

	cancel context.CancelFunc

	sendMu   sync.Mutex
	lastSend time.Time
}

func NewOneBotChannel(cfg config.OneBotConfig, mediaCfg config.MediaConfig, b *bus.MessageBus) *OneBotChannel {
	ch := &OneBotChannel{
		BaseChannel: NewBaseChannel("onebot", b, cfg.AllowFrom),
		cfg:         cfg,
		resolver:    media.NewResolver(mediaCfg),
	}

	ch.client = onebot.NewClient(onebot.Options{
		URL:         cfg.WSUrl,
		AccessToken: cfg.AccessToken,
	}, onebot.Handlers{
		OnConnect: ch.onConnect,
		OnEvent:   func(evt *onebot.Event) { ch.dispatcher.HandleEvent(evt) },
		OnRequest: ch.handleRequest,
	})
	ch.dispatcher = onebot.NewDispatcher(ch.client.SelfID, cfg.EnableDeduplication, ch.handleMessage, nil)
	ch.normalizer = onebot.NewNormalizer(ch.client, ch.client.SelfID)

	if id, err := strconv.ParseInt(cfg.AccountID, 10, 64); err == nil {
		ch.client.SetSelfID(id)
	}
	return ch
}

func (c *OneBotChannel) Start(ctx context.Context) error {
	if c.cfg.WSUrl == "" {
		return fmt.Errorf("onebot: ws_url not configured")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go func() {
		if err := c.client.Run(runCtx); err != nil && runCtx.Err() == nil {
			logger.ErrorCF(c.Name(), "Client terminated", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()
	c.setRunning(true)
	return nil
}

func (c *OneBotChannel) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.client.Close()
	c.setRunning(false)
	return nil
}

// Client exposes the underlying protocol client for probes.
func (c *OneBotChannel) Client() *onebot.Client { return c.client }

func (c *OneBotChannel) onConnect() {
	ctx, cancel := context.WithTimeout(context.Background(), rpcGrace)
	defer cancel()

	info, err := onebot.GetLoginInfo(ctx, c.client)
	if err != nil {
		logger.WarnCF(c.Name(), "Login info probe failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	c.client.SetSelfID(info.UserID)
	logger.InfoCF(c.Name(), "Logged in", map[string]interface{}{
		"user_id":  info.UserID,
		"nickname": info.Nickname,
	})
}

func (c *OneBotChannel) handleMessage(evt *onebot.Event) {
	if evt.IsGuild() && !c.cfg.EnableGuilds {
		return
	}

	senderID := strconv.FormatInt(evt.UserIDInt(), 10)
	if containsString(c.cfg.BlockedUsers, senderID) {
		logger.DebugCF(c.Name(), "Ignoring blocked user", map[string]interface{}{
			"user_id": senderID,
		})
		return
	}

	groupID := evt.GroupIDInt()
	if evt.IsGroup() && len(c.cfg.AllowGroups) > 0 &&
		!containsString(c.cfg.AllowGroups, strconv.FormatInt(groupID, 10)) {
		return
	}
	if !evt.IsGroup() && !evt.IsGuild() && !c.IsAllowedSender(senderID) {
		logger.DebugCF(c.Name(), "Sender not in allow list", map[string]interface{}{
			"user_id": senderID,
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), rpcGrace)
	defer cancel()

	inbound := c.normalizer.Normalize(ctx, evt)

	// Group chatter only wakes us when addressed, unless configured otherwise.
	if (evt.IsGroup() || evt.IsGuild()) && c.cfg.RequireMention &&
		!inbound.Mentioned && !c.keywordHit(inbound.Text) {
		return
	}

	content := inbound.Text
	if inbound.Reply != nil {
		content = renderReplyPrefix(inbound.Reply) + content
	}
	imageURLs := mergeImageURLs(inbound)
	if content == "" && len(imageURLs) == 0 && len(inbound.Files) == 0 {
		return
	}

	var mediaPaths []string
	var leftoverURLs []string
	for i, url := range imageURLs {
		if len(mediaPaths) >= media.MaxImagesPerMessage {
			leftoverURLs = append(leftoverURLs, url)
			continue
		}
		path, err := c.resolver.MaterializeImage(ctx, url, evt.MessageIDStr(), i)
		if err != nil {
			logger.DebugCF(c.Name(), "Image materialization failed", map[string]interface{}{
				"url":   utils.Truncate(url, 128),
				"error": err.Error(),
			})
			leftoverURLs = append(leftoverURLs, url)
			continue
		}
		mediaPaths = append(mediaPaths, path)
	}

	files := make([]bus.FileHint, 0, len(inbound.Files))
	for _, f := range inbound.Files {
		hint := bus.FileHint{Name: f.Name, URL: f.URL, FileID: f.FileID, Size: f.Size}
		if f.BusID != 0 {
			hint.BusID = strconv.FormatInt(f.BusID, 10)
		}
		files = append(files, hint)
	}

	chatID, peer := c.placement(evt, senderID)

	metadata := map[string]string{
		"message_type": evt.MessageType,
	}
	if evt.SubType != "" {
		metadata["sub_type"] = evt.SubType
	}
	if history := c.historyContext(ctx, evt); history != "" {
		metadata["history"] = history
	}

	c.publishInbound(ctx, bus.InboundMessage{
		Channel:    c.Name(),
		SenderID:   senderID,
		SenderName: inbound.SenderName,
		ChatID:     chatID,
		Content:    content,
		Peer:       peer,
		MessageID:  evt.MessageIDStr(),
		ImageURLs:  leftoverURLs,
		MediaPaths: mediaPaths,
		Files:      files,
		Metadata:   metadata,
	})
}

// mergeImageURLs joins the message's own images with the replied-to
// message's, dropping duplicates and capping the combined list.
func mergeImageURLs(inbound *onebot.Inbound) []string {
	var urls []string
	for _, u := range inbound.Images {
		urls = utils.AppendUnique(urls, u)
	}
	if inbound.Reply != nil {
		for _, u := range inbound.Reply.Images {
			urls = utils.AppendUnique(urls, u)
		}
	}
	if len(urls) > mergedImageLimit {
		urls = urls[:mergedImageLimit]
	}
	return urls
}

func (c *OneBotChannel) placement(evt *onebot.Event, senderID string) (string, bus.Peer) {
	switch {
	case evt.IsGuild():
		chatID := "guild:" + evt.GuildID + ":" + evt.ChannelID
		return chatID, bus.Peer{Kind: "channel", ID: chatID}
	case evt.IsGroup():
		gid := strconv.FormatInt(evt.GroupIDInt(), 10)
		return "group:" + gid, bus.Peer{Kind: "group", ID: gid}
	default:
		return senderID, bus.Peer{Kind: "direct", ID: senderID}
	}
}

// historyContext renders recent group messages so the consumer sees what
// led up to the trigger. Best-effort; failures cost only context.
func (c *OneBotChannel) historyContext(ctx context.Context, evt *onebot.Event) string {
	if !evt.IsGroup() || c.cfg.HistoryLimit <= 0 {
		return ""
	}
	details, err := onebot.GetGroupMsgHistory(ctx, c.client, evt.GroupIDInt(), c.cfg.HistoryLimit)
	if err != nil {
		logger.DebugCF(c.Name(), "History fetch failed", map[string]interface{}{
			"group_id": evt.GroupIDInt(),
			"error":    err.Error(),
		})
		return ""
	}

	current := evt.MessageIDStr()
	lines := make([]string, 0, len(details))
	for i := range details {
		d := &details[i]
		if d.MessageIDStr() == current {
			continue
		}
		name := d.Sender.DisplayName()
		if name == "" {
			name = "用户"
		}
		text := onebot.CleanCQ(d.RawMessage)
		if text == "" {
			text = d.Body().PlainText()
		}
		if text == "" {
			continue
		}
		lines = append(lines, name+": "+utils.Truncate(text, 200))
	}
	return strings.Join(lines, "\n")
}

func (c *OneBotChannel) handleRequest(evt *onebot.Event) {
	if !c.cfg.AutoApproveRequests {
		logger.InfoCF(c.Name(), "Pending request needs manual approval", map[string]interface{}{
			"request_type": evt.RequestType,
			"user_id":      evt.UserIDInt(),
			"comment":      evt.Comment,
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), rpcGrace)
	defer cancel()

	var err error
	switch evt.RequestType {
	case "friend":
		err = onebot.SetFriendAddRequest(ctx, c.client, evt.Flag, true, "")
	case "group":
		if evt.SubType != "invite" {
			return
		}
		err = onebot.SetGroupAddRequest(ctx, c.client, evt.Flag, evt.SubType, true, "")
	default:
		return
	}
	if err != nil {
		logger.WarnCF(c.Name(), "Request approval failed", map[string]interface{}{
			"request_type": evt.RequestType,
			"error":        err.Error(),
		})
		return
	}
	logger.InfoCF(c.Name(), "Auto-approved request", map[string]interface{}{
		"request_type": evt.RequestType,
		"user_id":      evt.UserIDInt(),
	})
}

// Send delivers one outbound message: markdown normalization, inline voice
// resolution, anti-risk URL spacing, splitting at the configured rune
// limit, and reply/media segment construction.
func (c *OneBotChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	content := strings.TrimSpace(msg.Content)
	if !c.cfg.FormatMarkdown {
		content = stripMarkdown(content)
	}
	if c.cfg.AntiRiskMode {
		content = spaceURLs(content)
	}

	text, records := c.extractRecords(content)

	var mediaSeg *onebot.Segment
	if msg.MediaURL != "" {
		seg := c.mediaSegment(ctx, msg.MediaURL, msg.MediaName)
		mediaSeg = &seg
	}

	chunks := splitMessage(text, c.maxLen())
	if len(chunks) == 0 && (mediaSeg != nil || len(records) > 0) {
		chunks = []string{""}
	}

	for i, chunk := range chunks {
		var segs []onebot.Segment
		if i == 0 && msg.ReplyTo != "" {
			segs = append(segs, onebot.NewSegment("reply", map[string]string{"id": msg.ReplyTo}))
		}
		if chunk != "" {
			segs = append(segs, onebot.NewSegment("text", map[string]string{"text": chunk}))
		}
		if i == len(chunks)-1 && mediaSeg != nil && mediaSeg.Type != "record" {
			segs = append(segs, *mediaSeg)
		}
		if len(segs) == 0 {
			continue
		}
		c.throttle()
		if _, err := c.sendSegments(ctx, msg.ChatID, segs); err != nil {
			return err
		}
	}

	// Voice always travels as its own message; gateways reject mixed bodies.
	if mediaSeg != nil && mediaSeg.Type == "record" {
		records = append(records, *mediaSeg)
	}
	for _, rec := range records {
		c.throttle()
		if _, err := c.sendSegments(ctx, msg.ChatID, []onebot.Segment{rec}); err != nil {
			return err
		}
	}
	return nil
}

// SendMessageAck sends plain text to a target string and returns the new
// message id. Targets: "group:<id>", "guild:<guild>:<channel>", or a bare
// user id for direct chat.
func (c *OneBotChannel) SendMessageAck(ctx context.Context, target, content string) (string, error) {
	segs := []onebot.Segment{onebot.NewSegment("text", map[string]string{"text": content})}
	return c.sendSegments(ctx, target, segs)
}

func (c *OneBotChannel) sendSegments(ctx context.Context, target string, segs []onebot.Segment) (string, error) {
	switch {
	case strings.HasPrefix(target, "group:"):
		gid, err := strconv.ParseInt(strings.TrimPrefix(target, "group:"), 10, 64)
		if err != nil {
			return "", fmt.Errorf("onebot: bad group target %q", target)
		}
		return onebot.SendGroupMsg(ctx, c.client, gid, segs)

	case strings.HasPrefix(target, "guild:"):
		parts := strings.SplitN(strings.TrimPrefix(target, "guild:"), ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return "", fmt.Errorf("onebot: bad guild target %q", target)
		}
		return onebot.SendGuildChannelMsg(ctx, c.client, parts[0], parts[1], segs)

	default:
		uid, err := strconv.ParseInt(target, 10, 64)
		if err != nil {
			return "", fmt.Errorf("onebot: bad direct target %q", target)
		}
		return onebot.SendPrivateMsg(ctx, c.client, uid, segs)
	}
}

// extractRecords pulls inline [CQ:record,...] tags out of the text and
// resolves their file references. Everything else stays as plain text.
func (c *OneBotChannel) extractRecords(content string) (string, []onebot.Segment) {
	if !strings.Contains(content, "[CQ:record") {
		return content, nil
	}

	var text strings.Builder
	var records []onebot.Segment
	for _, seg := range onebot.ParseCQ(content) {
		if seg.Type == "record" {
			file := seg.Get("file")
			if file == "" {
				continue
			}
			records = append(records, onebot.NewSegment("record", map[string]string{
				"file": c.resolver.ResolveAudio(file),
			}))
			continue
		}
		if seg.Type == "text" {
			text.WriteString(seg.Get("text"))
		}
	}
	return strings.TrimSpace(text.String()), records
}

func (c *OneBotChannel) mediaSegment(ctx context.Context, mediaURL, name string) onebot.Segment {
	ext := strings.ToLower(extOf(name))
	if ext == "" {
		ext = strings.ToLower(extOf(mediaURL))
	}
	if audioExts[ext] {
		return onebot.NewSegment("record", map[string]string{
			"file": c.resolver.ResolveAudio(mediaURL),
		})
	}
	return onebot.NewSegment("image", map[string]string{
		"file": c.resolver.Resolve(ctx, mediaURL),
	})
}

func (c *OneBotChannel) maxLen() int {
	if c.cfg.MaxMessageLength > 0 {
		return c.cfg.MaxMessageLength
	}
	return defaultMaxMessageLength
}

func (c *OneBotChannel) keywordHit(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range c.cfg.KeywordTriggers {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// throttle spaces sends RateLimitMs apart.
func (c *OneBotChannel) throttle() {
	if c.cfg.RateLimitMs <= 0 {
		return
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	interval := time.Duration(c.cfg.RateLimitMs) * time.Millisecond
	if wait := interval - time.Since(c.lastSend); wait > 0 {
		time.Sleep(wait)
	}
	c.lastSend = time.Now()
}

func renderReplyPrefix(reply *onebot.ReplyContext) string {
	name := reply.SenderName
	if name == "" {
		name = "用户"
	}
	quoted := utils.Truncate(reply.Text, replyQuoteLimit)
	if quoted == "" {
		quoted = "消息 " + reply.MessageID
	}
	return fmt.Sprintf("[回复 %s: %s]\n", name, quoted)
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// splitMessage breaks text into rune-bounded chunks, preferring newline
// boundaries so paragraphs are not sliced mid-sentence.
func splitMessage(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= limit {
			chunks = append(chunks, strings.TrimSpace(string(runes)))
			break
		}
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		chunk := strings.TrimSpace(string(runes[:cut]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		runes = runes[cut:]
	}
	return chunks
}

var markdownPatterns = []*regexp.Regexp{
	regexp.MustCompile("(?s)```[a-zA-Z0-9]*\n?(.*?)```"),
	regexp.MustCompile("`([^`]+)`"),
	regexp.MustCompile(`\*\*([^*]+)\*\*`),
	regexp.MustCompile(`__([^_]+)__`),
	regexp.MustCompile(`(?m)^#{1,6}\s+`),
	regexp.MustCompile(`(?m)^\s*[-*]\s+`),
}

var markdownLink = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)

// stripMarkdown flattens common markdown syntax into plain text for
// clients that render everything literally.
func stripMarkdown(text string) string {
	text = markdownLink.ReplaceAllString(text, "$1 ($2)")
	text = markdownPatterns[0].ReplaceAllString(text, "$1")
	text = markdownPatterns[1].ReplaceAllString(text, "$1")
	text = markdownPatterns[2].ReplaceAllString(text, "$1")
	text = markdownPatterns[3].ReplaceAllString(text, "$1")
	text = markdownPatterns[4].ReplaceAllString(text, "")
	text = markdownPatterns[5].ReplaceAllString(text, "- ")
	return text
}

var urlPattern = regexp.MustCompile(`https?://[^\s]+`)

// spaceURLs de-fangs links so risk-control systems do not flag or swallow
// the whole message. Receivers can still reconstruct the address.
func spaceURLs(text string) string {
	return urlPattern.ReplaceAllStringFunc(text, func(u string) string {
		return strings.ReplaceAll(u, ".", ". ")
	})
}

func extOf(s string) string {
	s = strings.SplitN(s, "?", 2)[0]
	if idx := strings.LastIndex(s, "."); idx >= 0 && len(s)-idx <= 6 {
		return s[idx:]
	}
	return ""
}
