package onebot

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/openclaw/onebridge/pkg/utils"
)

// Segment is one typed unit of a rich message body. Data values are
// normalized to strings regardless of how the gateway encoded them.
type Segment struct {
	Type string            `json:"type"`
	Data map[string]string `json:"data"`
}

// NewSegment builds an outbound segment.
func NewSegment(typ string, data map[string]string) Segment {
	if data == nil {
		data = map[string]string{}
	}
	return Segment{Type: typ, Data: data}
}

func (s Segment) Get(key string) string {
	if s.Data == nil {
		return ""
	}
	return s.Data[key]
}

// Body is a message body in either wire dialect: an ordered segment
// sequence, or a legacy string with bracketed CQ tags. Both are normalized
// to segments at construction so downstream code walks one representation.
type Body struct {
	legacy   bool
	raw      string
	segments []Segment
}

// LegacyBody wraps a CQ-tagged string, parsing it into segments.
func LegacyBody(s string) Body {
	return Body{legacy: true, raw: s, segments: ParseCQ(s)}
}

// SegmentsBody wraps an already-structured segment sequence.
func SegmentsBody(segs []Segment) Body {
	return Body{segments: segs}
}

// ParseBody decodes the wire `message` field, which is either a JSON string
// (legacy dialect) or an array of {type,data} segments. An undecodable body
// falls back to raw_message as a single text segment.
func ParseBody(raw json.RawMessage, rawMessage string) Body {
	if len(raw) > 0 {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return LegacyBody(s)
		}

		var wire []struct {
			Type string                 `json:"type"`
			Data map[string]interface{} `json:"data"`
		}
		if err := json.Unmarshal(raw, &wire); err == nil {
			segs := make([]Segment, 0, len(wire))
			for _, ws := range wire {
				seg := Segment{Type: ws.Type, Data: make(map[string]string, len(ws.Data))}
				for k, v := range ws.Data {
					seg.Data[k] = dataString(v)
				}
				segs = append(segs, seg)
			}
			return SegmentsBody(segs)
		}
	}

	trimmed := strings.TrimSpace(rawMessage)
	if trimmed == "" {
		return Body{}
	}
	return LegacyBody(trimmed)
}

func (b Body) IsLegacy() bool      { return b.legacy }
func (b Body) RawText() string     { return b.raw }
func (b Body) Segments() []Segment { return b.segments }
func (b Body) IsEmpty() bool       { return len(b.segments) == 0 && strings.TrimSpace(b.raw) == "" }

// MentionsSelf reports whether the body @-mentions the given account,
// either directly or via @all.
func (b Body) MentionsSelf(selfID int64) bool {
	if selfID <= 0 {
		return false
	}
	selfStr := strconv.FormatInt(selfID, 10)
	for _, seg := range b.segments {
		if seg.Type != "at" {
			continue
		}
		if qq := seg.Get("qq"); qq == selfStr || qq == "all" {
			return true
		}
	}
	return false
}

// ReplyID returns the id of the message this body replies to, or "".
func (b Body) ReplyID() string {
	for _, seg := range b.segments {
		if seg.Type == "reply" {
			return strings.TrimSpace(seg.Get("id"))
		}
	}
	return ""
}

func dataString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", t))
	}
}

var cqPattern = regexp.MustCompile(`\[CQ:([a-zA-Z0-9_]+)(?:,([^\]]*))?\]`)

// ParseCQ splits a legacy CQ-tagged string into typed segments, decoding
// the HTML-style entities the dialect uses for , [ ] and &.
func ParseCQ(content string) []Segment {
	matches := cqPattern.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		if content == "" {
			return nil
		}
		return []Segment{{Type: "text", Data: map[string]string{"text": unescapeCQText(content)}}}
	}

	segments := make([]Segment, 0, len(matches)*2+1)
	cursor := 0
	for _, m := range matches {
		if m[0] > cursor {
			if part := content[cursor:m[0]]; part != "" {
				segments = append(segments, Segment{Type: "text", Data: map[string]string{"text": unescapeCQText(part)}})
			}
		}

		segType := content[m[2]:m[3]]
		paramsRaw := ""
		if m[4] >= 0 && m[5] >= 0 {
			paramsRaw = content[m[4]:m[5]]
		}
		segments = append(segments, Segment{Type: segType, Data: parseCQParams(paramsRaw)})
		cursor = m[1]
	}

	if cursor < len(content) {
		if part := content[cursor:]; part != "" {
			segments = append(segments, Segment{Type: "text", Data: map[string]string{"text": unescapeCQText(part)}})
		}
	}
	return segments
}

func parseCQParams(params string) map[string]string {
	result := make(map[string]string)
	if params == "" {
		return result
	}
	for _, item := range strings.Split(params, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		result[key] = unescapeCQValue(strings.TrimSpace(parts[1]))
	}
	return result
}

var cqTextUnescaper = strings.NewReplacer("&#91;", "[", "&#93;", "]", "&amp;", "&")
var cqValueUnescaper = strings.NewReplacer("&#44;", ",", "&#91;", "[", "&#93;", "]", "&amp;", "&")

func unescapeCQText(s string) string  { return cqTextUnescaper.Replace(s) }
func unescapeCQValue(s string) string { return cqValueUnescaper.Replace(s) }

// CleanCQ renders a CQ-tagged string as plain text for transcripts: face
// tags become a glyph, image tags with a URL keep the URL in a trailing
// bracketed summary, everything else is dropped, and runs of whitespace
// collapse to single spaces.
func CleanCQ(content string) string {
	var text strings.Builder
	var imageURLs []string
	for _, seg := range ParseCQ(content) {
		switch seg.Type {
		case "text":
			text.WriteString(seg.Get("text"))
		case "face":
			text.WriteString(" [表情] ")
		case "image":
			if url := mediaRef(seg); url != "" {
				imageURLs = append(imageURLs, url)
			}
			text.WriteString(" [图片] ")
		}
	}
	out := collapseSpaces(text.String())
	for _, url := range imageURLs {
		if out != "" {
			out += " "
		}
		out += "[图片: " + url + "]"
	}
	return out
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// mediaRef returns a usable media reference from an image-like segment:
// the url field when set, otherwise a file field that already looks like
// a URL (http, base64://, file:).
func mediaRef(seg Segment) string {
	if url := strings.TrimSpace(seg.Get("url")); isMediaURL(url) {
		return url
	}
	if file := strings.TrimSpace(seg.Get("file")); isMediaURL(file) {
		return file
	}
	return ""
}

func isMediaURL(s string) bool {
	return strings.HasPrefix(s, "http") ||
		strings.HasPrefix(s, "base64://") ||
		strings.HasPrefix(s, "file:")
}

// ExtractImageURLs collects up to limit usable image references from a
// message body, preserving order and skipping duplicates.
func ExtractImageURLs(body Body, limit int) []string {
	var urls []string
	for _, seg := range body.Segments() {
		if seg.Type != "image" {
			continue
		}
		url := mediaRef(seg)
		if url == "" {
			continue
		}
		next := utils.AppendUnique(urls, url)
		if len(next) == len(urls) {
			continue
		}
		urls = next
		if limit > 0 && len(urls) >= limit {
			break
		}
	}
	return urls
}
