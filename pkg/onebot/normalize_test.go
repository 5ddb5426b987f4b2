package onebot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeCaller struct {
	mu      sync.Mutex
	counts  map[string]int
	replies map[string]json.RawMessage
	errs    map[string]error
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{
		counts:  make(map[string]int),
		replies: make(map[string]json.RawMessage),
		errs:    make(map[string]error),
	}
}

func (f *fakeCaller) Call(_ context.Context, action string, _ interface{}) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[action]++
	if err := f.errs[action]; err != nil {
		return nil, err
	}
	if data, ok := f.replies[action]; ok {
		return data, nil
	}
	return nil, fmt.Errorf("unexpected action %s", action)
}

func (f *fakeCaller) count(action string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[action]
}

func groupEvent(groupID, userID int64, message string) *Event {
	// The sender block keeps senderName off the wire, so call counts in
	// these tests reflect segment lookups only.
	return &Event{
		PostType:    "message",
		MessageType: "group",
		GroupID:     json.RawMessage(fmt.Sprintf("%d", groupID)),
		UserID:      json.RawMessage(fmt.Sprintf("%d", userID)),
		MessageID:   json.RawMessage(`"mid"`),
		Message:     json.RawMessage(message),
		Sender:      &Sender{Nickname: fmt.Sprintf("user%d", userID)},
	}
}

func newTestNormalizer(caller Caller, selfID int64) *Normalizer {
	return NewNormalizer(caller, func() int64 { return selfID })
}

func TestNormalizePlainText(t *testing.T) {
	n := newTestNormalizer(newFakeCaller(), 1)
	got := n.Normalize(context.Background(), groupEvent(10, 2, `"  hello world  "`))
	if got.Text != "hello world" {
		t.Errorf("Text = %q", got.Text)
	}
	if got.Mentioned || got.Reply != nil || len(got.Images) != 0 {
		t.Errorf("unexpected extras: %+v", got)
	}
}

func TestNormalizePlaceholders(t *testing.T) {
	msg := `[{"type":"text","data":{"text":"a"}},{"type":"face","data":{"id":"1"}},{"type":"record","data":{}},{"type":"video","data":{}},{"type":"json","data":{}}]`
	n := newTestNormalizer(newFakeCaller(), 1)
	got := n.Normalize(context.Background(), groupEvent(10, 2, msg))
	for _, want := range []string{"[表情]", "[语音消息]", "[视频消息]", "[卡片消息]"} {
		if !strings.Contains(got.Text, want) {
			t.Errorf("missing placeholder %q in %q", want, got.Text)
		}
	}
}

func TestNormalizeImages(t *testing.T) {
	msg := `[{"type":"image","data":{"url":"http://img/1.jpg"}},{"type":"image","data":{"file":"base64://AAA"}}]`
	n := newTestNormalizer(newFakeCaller(), 1)
	got := n.Normalize(context.Background(), groupEvent(10, 2, msg))
	if len(got.Images) != 2 {
		t.Fatalf("Images = %#v", got.Images)
	}
	if !strings.Contains(got.Text, "[图片: http://img/1.jpg]") {
		t.Errorf("Text = %q", got.Text)
	}
}

func TestNormalizeMentionSelf(t *testing.T) {
	msg := `[{"type":"at","data":{"qq":"100"}},{"type":"text","data":{"text":" ping"}}]`
	n := newTestNormalizer(newFakeCaller(), 100)
	got := n.Normalize(context.Background(), groupEvent(10, 2, msg))
	if !got.Mentioned {
		t.Fatal("self mention not detected")
	}
	if strings.Contains(got.Text, "@") {
		t.Errorf("self mention should not render: %q", got.Text)
	}
}

func TestNormalizeMemberNameCache(t *testing.T) {
	caller := newFakeCaller()
	caller.replies["get_group_member_info"] = json.RawMessage(`{"user_id":200,"nickname":"alice","card":"Alice"}`)

	now := time.Unix(1_700_000_000, 0)
	n := newTestNormalizer(caller, 100)
	n.now = func() time.Time { return now }

	msg := `[{"type":"at","data":{"qq":"200"}}]`
	got := n.Normalize(context.Background(), groupEvent(10, 2, msg))
	if !strings.Contains(got.Text, "@Alice") {
		t.Fatalf("card name not used: %q", got.Text)
	}
	n.Normalize(context.Background(), groupEvent(10, 2, msg))
	if c := caller.count("get_group_member_info"); c != 1 {
		t.Fatalf("cache miss count = %d, want 1", c)
	}

	// Within the TTL the cached name survives; past it the entry is dead.
	now = now.Add(59 * time.Minute)
	n.Normalize(context.Background(), groupEvent(10, 2, msg))
	if c := caller.count("get_group_member_info"); c != 1 {
		t.Fatalf("fetch before expiry, count = %d", c)
	}
	now = now.Add(2 * time.Minute)
	n.Normalize(context.Background(), groupEvent(10, 2, msg))
	if c := caller.count("get_group_member_info"); c != 2 {
		t.Fatalf("no refetch after expiry, count = %d", c)
	}
}

func TestNormalizeMemberNameFailureFallsBackToID(t *testing.T) {
	caller := newFakeCaller()
	caller.errs["get_group_member_info"] = errors.New("rpc down")
	n := newTestNormalizer(caller, 100)

	msg := `[{"type":"at","data":{"qq":"200"}}]`
	got := n.Normalize(context.Background(), groupEvent(10, 2, msg))
	if !strings.Contains(got.Text, "@200") {
		t.Errorf("expected raw id fallback: %q", got.Text)
	}

	// Failures are not cached; the next message retries.
	n.Normalize(context.Background(), groupEvent(10, 2, msg))
	if c := caller.count("get_group_member_info"); c != 2 {
		t.Errorf("failure was cached, count = %d", c)
	}
}

func TestNormalizeReplyContext(t *testing.T) {
	caller := newFakeCaller()
	var imgs []string
	for i := 0; i < 7; i++ {
		imgs = append(imgs, fmt.Sprintf(`{"type":"image","data":{"url":"http://img/%d"}}`, i))
	}
	caller.replies["get_msg"] = json.RawMessage(fmt.Sprintf(
		`{"message_id":"9","sender":{"nickname":"Bob"},"message":[{"type":"text","data":{"text":"original"}},%s]}`,
		strings.Join(imgs, ",")))

	msg := `[{"type":"reply","data":{"id":"9"}},{"type":"text","data":{"text":"answer"}}]`
	n := newTestNormalizer(caller, 100)
	got := n.Normalize(context.Background(), groupEvent(10, 2, msg))

	if got.Reply == nil {
		t.Fatal("reply context missing")
	}
	if got.Reply.MessageID != "9" || got.Reply.SenderName != "Bob" {
		t.Errorf("reply = %+v", got.Reply)
	}
	if !strings.Contains(got.Reply.Text, "original") {
		t.Errorf("reply text = %q", got.Reply.Text)
	}
	if len(got.Reply.Images) != replyImageLimit {
		t.Errorf("reply images = %d, want %d", len(got.Reply.Images), replyImageLimit)
	}
	if got.Text != "answer" {
		t.Errorf("Text = %q", got.Text)
	}
}

func TestNormalizeReplyFetchFailure(t *testing.T) {
	caller := newFakeCaller()
	caller.errs["get_msg"] = errors.New("gone")
	msg := `[{"type":"reply","data":{"id":"9"}},{"type":"text","data":{"text":"hi"}}]`
	n := newTestNormalizer(caller, 100)
	got := n.Normalize(context.Background(), groupEvent(10, 2, msg))
	if got.Reply == nil || got.Reply.MessageID != "9" {
		t.Fatalf("reply id must survive fetch failure: %+v", got.Reply)
	}
	if got.Reply.Text != "" || got.Reply.SenderName != "" {
		t.Errorf("failed fetch should leave context empty: %+v", got.Reply)
	}
}

func TestNormalizeForwardBounded(t *testing.T) {
	caller := newFakeCaller()
	var nodes []string
	for i := 0; i < 14; i++ {
		nodes = append(nodes, fmt.Sprintf(`{"sender":{"nickname":"u%d"},"content":"line %d"}`, i, i))
	}
	caller.replies["get_forward_msg"] = json.RawMessage(`{"messages":[` + strings.Join(nodes, ",") + `]}`)

	msg := `[{"type":"forward","data":{"id":"fwd1"}}]`
	n := newTestNormalizer(caller, 100)
	got := n.Normalize(context.Background(), groupEvent(10, 2, msg))

	if !strings.Contains(got.Text, "[转发聊天记录]") {
		t.Fatalf("forward header missing: %q", got.Text)
	}
	if !strings.Contains(got.Text, "u9: line 9") {
		t.Errorf("10th node missing: %q", got.Text)
	}
	if strings.Contains(got.Text, "line 10") {
		t.Errorf("nodes beyond the bound rendered: %q", got.Text)
	}
	if !strings.Contains(got.Text, "14") {
		t.Errorf("total count not surfaced: %q", got.Text)
	}
}

func TestNormalizeForwardFetchFailure(t *testing.T) {
	caller := newFakeCaller()
	caller.errs["get_forward_msg"] = errors.New("nope")
	msg := `[{"type":"forward","data":{"id":"fwd1"}}]`
	n := newTestNormalizer(caller, 100)
	got := n.Normalize(context.Background(), groupEvent(10, 2, msg))
	if got.Text != "[转发聊天记录]" {
		t.Errorf("expected bare placeholder, got %q", got.Text)
	}
}

func TestNormalizeGroupFileURL(t *testing.T) {
	caller := newFakeCaller()
	caller.replies["get_group_file_url"] = json.RawMessage(`{"url":"http://files/doc.pdf"}`)

	msg := `[{"type":"file","data":{"name":"doc.pdf","file_id":"fid1","busid":"102","file_size":"2048"}}]`
	n := newTestNormalizer(caller, 100)
	got := n.Normalize(context.Background(), groupEvent(10, 2, msg))

	if len(got.Files) != 1 {
		t.Fatalf("Files = %#v", got.Files)
	}
	f := got.Files[0]
	if f.Name != "doc.pdf" || f.URL != "http://files/doc.pdf" || f.FileID != "fid1" || f.BusID != 102 || f.Size != 2048 {
		t.Errorf("file ref = %+v", f)
	}
	if !strings.Contains(got.Text, "[文件: doc.pdf]") {
		t.Errorf("Text = %q", got.Text)
	}
}

func TestNormalizeLegacyGroupMessage(t *testing.T) {
	caller := newFakeCaller()
	caller.errs["get_group_member_info"] = errors.New("unavailable")
	n := newTestNormalizer(caller, 100)

	evt := groupEvent(10, 2, `"[CQ:at,qq=123] hello [CQ:face,id=1]"`)
	got := n.Normalize(context.Background(), evt)
	if !strings.Contains(got.Text, "@123") || !strings.Contains(got.Text, "hello") || !strings.Contains(got.Text, "[表情]") {
		t.Errorf("Text = %q", got.Text)
	}
}

func TestNormalizeSegmentSequence(t *testing.T) {
	caller := newFakeCaller()
	caller.replies["get_group_member_info"] = json.RawMessage(`{"nickname":"Nine"}`)
	n := newTestNormalizer(caller, 100)

	msg := `[{"type":"at","data":{"qq":"999"}},{"type":"text","data":{"text":" check this"}},{"type":"image","data":{"url":"https://x/y.png"}}]`
	got := n.Normalize(context.Background(), groupEvent(10, 2, msg))
	if !strings.Contains(got.Text, "@Nine") || !strings.Contains(got.Text, "check this") {
		t.Errorf("Text = %q", got.Text)
	}
	if !strings.Contains(got.Text, "[图片: https://x/y.png]") {
		t.Errorf("image placeholder missing: %q", got.Text)
	}
	if len(got.Images) != 1 || got.Images[0] != "https://x/y.png" {
		t.Errorf("Images = %#v", got.Images)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	caller := newFakeCaller()
	caller.replies["get_group_member_info"] = json.RawMessage(`{"nickname":"A"}`)
	n := newTestNormalizer(caller, 100)

	evt := groupEvent(10, 2, `"[CQ:at,qq=5] same [CQ:image,url=http://i/1]"`)
	first := n.Normalize(context.Background(), evt)
	second := n.Normalize(context.Background(), evt)
	if first.Text != second.Text {
		t.Errorf("text differs across runs: %q vs %q", first.Text, second.Text)
	}
	if len(first.Images) != len(second.Images) {
		t.Errorf("image lists differ: %#v vs %#v", first.Images, second.Images)
	}
}

func TestNormalizeSenderName(t *testing.T) {
	evt := groupEvent(10, 2, `"hi"`)
	evt.Sender = &Sender{Nickname: "nick", Card: "Card"}
	n := newTestNormalizer(newFakeCaller(), 1)
	if got := n.Normalize(context.Background(), evt); got.SenderName != "Card" {
		t.Errorf("SenderName = %q, card must win", got.SenderName)
	}
}

func TestNormalizeSenderNameLookupWithoutSenderBlock(t *testing.T) {
	caller := newFakeCaller()
	caller.replies["get_group_member_info"] = json.RawMessage(`{"nickname":"alice"}`)
	evt := groupEvent(10, 2, `"hi"`)
	evt.Sender = nil
	n := newTestNormalizer(caller, 1)
	if got := n.Normalize(context.Background(), evt); got.SenderName != "alice" {
		t.Errorf("SenderName = %q", got.SenderName)
	}
}

func TestNormalizeImageTokenLookup(t *testing.T) {
	caller := newFakeCaller()
	caller.replies["get_image"] = json.RawMessage(`{"url":"http://img/resolved.png"}`)
	n := newTestNormalizer(caller, 100)

	msg := `[{"type":"image","data":{"file":"ABCDEF.image"}}]`
	got := n.Normalize(context.Background(), groupEvent(10, 2, msg))
	if len(got.Images) != 1 || got.Images[0] != "http://img/resolved.png" {
		t.Fatalf("Images = %#v", got.Images)
	}
	if !strings.Contains(got.Text, "[图片: http://img/resolved.png]") {
		t.Errorf("Text = %q", got.Text)
	}

	// The token resolves once; later sightings come from the cache.
	n.Normalize(context.Background(), groupEvent(10, 2, msg))
	if c := caller.count("get_image"); c != 1 {
		t.Errorf("get_image count = %d, want 1", c)
	}
}

func TestNormalizeImageTokenLookupFailure(t *testing.T) {
	caller := newFakeCaller()
	caller.errs["get_image"] = errors.New("no such file")
	n := newTestNormalizer(caller, 100)

	msg := `[{"type":"image","data":{"file":"ABCDEF.image"}}]`
	got := n.Normalize(context.Background(), groupEvent(10, 2, msg))
	if len(got.Images) != 0 {
		t.Errorf("Images = %#v", got.Images)
	}
	if !strings.Contains(got.Text, "[图片]") {
		t.Errorf("bare placeholder missing: %q", got.Text)
	}
}

func TestNormalizeDuplicateImagesCollapsed(t *testing.T) {
	msg := `[{"type":"image","data":{"url":"http://x/a.png"}},{"type":"image","data":{"url":"http://x/a.png"}}]`
	n := newTestNormalizer(newFakeCaller(), 1)
	got := n.Normalize(context.Background(), groupEvent(10, 2, msg))
	if len(got.Images) != 1 {
		t.Errorf("Images = %#v", got.Images)
	}
}

func TestNormalizeReplyFileRescan(t *testing.T) {
	caller := newFakeCaller()
	caller.replies["get_msg"] = json.RawMessage(
		`{"message_id":"9","sender":{"nickname":"Bob"},"message":[{"type":"file","data":{"name":"doc.pdf","file_id":"fid1","busid":"102"}}]}`)
	caller.replies["get_group_file_url"] = json.RawMessage(`{"url":"http://files/doc.pdf"}`)

	msg := `[{"type":"reply","data":{"id":"9"}},{"type":"text","data":{"text":"thanks"}}]`
	n := newTestNormalizer(caller, 100)
	got := n.Normalize(context.Background(), groupEvent(10, 2, msg))
	if len(got.Files) != 1 {
		t.Fatalf("replied-to attachment not picked up: %#v", got.Files)
	}
	if f := got.Files[0]; f.Name != "doc.pdf" || f.URL != "http://files/doc.pdf" {
		t.Errorf("file ref = %+v", f)
	}
}

func TestNormalizeReplyFileRescanSkippedWhenPresent(t *testing.T) {
	caller := newFakeCaller()
	caller.replies["get_msg"] = json.RawMessage(
		`{"message_id":"9","message":[{"type":"file","data":{"name":"other.zip","url":"http://files/other.zip"}}]}`)

	msg := `[{"type":"reply","data":{"id":"9"}},{"type":"file","data":{"name":"mine.txt","url":"http://files/mine.txt"}}]`
	n := newTestNormalizer(caller, 100)
	got := n.Normalize(context.Background(), groupEvent(10, 2, msg))
	if len(got.Files) != 1 || got.Files[0].Name != "mine.txt" {
		t.Fatalf("own attachment must win: %#v", got.Files)
	}
}

func TestNormalizeReplyToSelfCountsAsMention(t *testing.T) {
	msg := `[{"type":"reply","data":{"id":"9"}},{"type":"text","data":{"text":"and this?"}}]`

	caller := newFakeCaller()
	caller.replies["get_msg"] = json.RawMessage(
		`{"message_id":"9","sender":{"user_id":100,"nickname":"bot"},"message":[{"type":"text","data":{"text":"earlier"}}]}`)
	n := newTestNormalizer(caller, 100)
	got := n.Normalize(context.Background(), groupEvent(10, 2, msg))
	if !got.Mentioned {
		t.Error("reply to our own message must count as a mention")
	}
	if got.Reply == nil || got.Reply.SenderID != 100 {
		t.Errorf("reply = %+v", got.Reply)
	}

	caller = newFakeCaller()
	caller.replies["get_msg"] = json.RawMessage(
		`{"message_id":"9","sender":{"user_id":300},"message":[{"type":"text","data":{"text":"x"}}]}`)
	n = newTestNormalizer(caller, 100)
	if got := n.Normalize(context.Background(), groupEvent(10, 2, msg)); got.Mentioned {
		t.Error("reply to another user must not count as a mention")
	}
}

func TestNormalizeRecordTranscript(t *testing.T) {
	msg := `[{"type":"record","data":{"text":"在吗"}}]`
	n := newTestNormalizer(newFakeCaller(), 1)
	got := n.Normalize(context.Background(), groupEvent(10, 2, msg))
	if !strings.Contains(got.Text, "[语音消息] (在吗)") {
		t.Errorf("Text = %q", got.Text)
	}
}
