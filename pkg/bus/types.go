package bus

// Peer identifies the conversation a message belongs to.
type Peer struct {
	Kind string `json:"kind"` // "direct" | "group" | "channel"
	ID   string `json:"id"`
}

// FileHint describes a file attachment referenced by an inbound message.
// URL may be empty when only a platform file id is known.
type FileHint struct {
	Name   string `json:"name"`
	URL    string `json:"url,omitempty"`
	FileID string `json:"file_id,omitempty"`
	BusID  string `json:"busid,omitempty"`
	Size   int64  `json:"size,omitempty"`
}

// InboundMessage is the normalized form handed to the downstream runtime.
// Content never embeds raw binary; media arrives as hints and local paths.
type InboundMessage struct {
	Channel    string            `json:"channel"`
	SenderID   string            `json:"sender_id"`
	SenderName string            `json:"sender_name,omitempty"`
	ChatID     string            `json:"chat_id"`
	Content    string            `json:"content"`
	Peer       Peer              `json:"peer"`
	MessageID  string            `json:"message_id,omitempty"`
	ImageURLs  []string          `json:"image_urls,omitempty"`
	MediaPaths []string          `json:"media_paths,omitempty"`
	Files      []FileHint        `json:"files,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is a reply the downstream runtime wants delivered.
type OutboundMessage struct {
	Channel   string `json:"channel"`
	ChatID    string `json:"chat_id"`
	Content   string `json:"content"`
	MediaURL  string `json:"media_url,omitempty"`
	MediaName string `json:"media_name,omitempty"`
	ReplyTo   string `json:"reply_to,omitempty"`
}
