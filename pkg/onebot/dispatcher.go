package onebot

import (
	"encoding/json"
	"strconv"
	"sync"

	"github.com/openclaw/onebridge/pkg/logger"
)

// dedupWindow bounds how many recently seen message ids are remembered.
// Old entries are evicted in arrival order, so memory stays constant no
// matter how long the connection lives.
const dedupWindow = 128

// pokeText is the pseudo-message body synthesized for a poke aimed at us.
const pokeText = "[动作] 用户戳了你一下"

// Dispatcher sits between the raw client events and the channel layer.
// It drops our own outgoing messages echoed back by the gateway, collapses
// duplicate deliveries, and rewrites pokes into ordinary text messages so
// downstream code only ever deals with message events.
type Dispatcher struct {
	selfID func() int64
	dedup  bool

	mu    sync.Mutex
	seen  map[string]struct{}
	order []string

	onMessage func(evt *Event)
	onNotice  func(evt *Event)
}

func NewDispatcher(selfID func() int64, dedup bool, onMessage, onNotice func(evt *Event)) *Dispatcher {
	return &Dispatcher{
		selfID:    selfID,
		dedup:     dedup,
		seen:      make(map[string]struct{}, dedupWindow),
		onMessage: onMessage,
		onNotice:  onNotice,
	}
}

// HandleEvent classifies one domain event. Meta events never reach here;
// the client consumes them at the transport layer.
func (d *Dispatcher) HandleEvent(evt *Event) {
	switch evt.PostType {
	case "message":
		d.handleMessage(evt)
	case "notice":
		d.handleNotice(evt)
	}
}

func (d *Dispatcher) handleMessage(evt *Event) {
	if self := d.selfID(); self > 0 && evt.UserIDInt() == self {
		logger.DebugC("onebot", "Ignoring own message")
		return
	}
	if d.dedup && d.isDuplicate(evt.MessageIDStr()) {
		logger.DebugCF("onebot", "Ignoring duplicate message", map[string]interface{}{
			"message_id": evt.MessageIDStr(),
		})
		return
	}
	if d.onMessage != nil {
		d.onMessage(evt)
	}
}

func (d *Dispatcher) handleNotice(evt *Event) {
	if evt.NoticeType == "notify" && evt.SubType == "poke" {
		self := d.selfID()
		if self > 0 && evt.TargetIDInt() == self && evt.UserIDInt() != self {
			d.handleMessage(d.synthesizePoke(evt))
			return
		}
	}
	if d.onNotice != nil {
		d.onNotice(evt)
	}
}

// synthesizePoke turns a poke notice into a pseudo text message carrying
// the same sender and chat placement, so it flows through the normal
// message pipeline. The body leads with an @ tag naming us: a poke is
// always aimed at the account, and the tag keeps mention gating further
// down from discarding it. Pokes have no message id, so dedup does not
// apply.
func (d *Dispatcher) synthesizePoke(evt *Event) *Event {
	body, _ := json.Marshal([]Segment{
		NewSegment("at", map[string]string{"qq": strconv.FormatInt(d.selfID(), 10)}),
		NewSegment("text", map[string]string{"text": pokeText}),
	})

	msg := &Event{
		PostType:    "message",
		MessageType: "private",
		Time:        evt.Time,
		SelfID:      evt.SelfID,
		UserID:      evt.UserID,
		GroupID:     evt.GroupID,
		Message:     body,
		RawMessage:  pokeText,
		Sender:      evt.Sender,
	}
	// Notices carry no message_type; chat placement comes from group_id.
	if evt.GroupIDInt() > 0 {
		msg.MessageType = "group"
	}
	return msg
}

// isDuplicate records id and reports whether it was already seen inside
// the sliding window. Empty ids are never treated as duplicates.
func (d *Dispatcher) isDuplicate(id string) bool {
	if id == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true
	}
	d.seen[id] = struct{}{}
	d.order = append(d.order, id)
	if len(d.order) > dedupWindow {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	return false
}
