package chatterbox

import (
	"sort"
	"strings"
	"time"
)

// conversation is the cached state of one direct conversation.
type conversation struct {
	messages     []Message
	lastActivity time.Time
	loaded       bool
}

func (c *conversation) index(id string) int {
	for i := range c.messages {
		if c.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// conversationCache holds messages, last activity, unread counts and
// presence, keyed by peer id. It is not goroutine-safe; the Engine owns it
// and serializes access.
type conversationCache struct {
	convs  map[string]*conversation
	unread map[string]int
	online map[string]struct{}
}

func newConversationCache() *conversationCache {
	return &conversationCache{
		convs:  make(map[string]*conversation),
		unread: make(map[string]int),
		online: make(map[string]struct{}),
	}
}

// ── Messages ─────────────────────────────────────────────

func (c *conversationCache) get(peerID string) *conversation {
	return c.convs[peerID]
}

func (c *conversationCache) ensure(peerID string) *conversation {
	conv, ok := c.convs[peerID]
	if !ok {
		conv = &conversation{}
		c.convs[peerID] = conv
	}
	return conv
}

// messages returns a copy of the cached messages for peerID.
func (c *conversationCache) messages(peerID string) []Message {
	conv := c.convs[peerID]
	if conv == nil {
		return nil
	}
	return append([]Message(nil), conv.messages...)
}

// pending returns the index of the oldest provisional entry with the given
// content, or -1.
func (c *conversation) pending(content string) int {
	for i := range c.messages {
		if c.messages[i].Provisional && c.messages[i].Content == content {
			return i
		}
	}
	return -1
}

// replace installs a fetched page as the conversation's messages. Duplicate
// ids within the page collapse to their first occurrence. Pending
// provisional entries are kept after the page unless the page already holds
// their confirmed form: a self-authored entry with the same content that no
// earlier provisional entry has claimed.
func (c *conversationCache) replace(peerID string, page []Message) {
	conv := c.ensure(peerID)

	seen := make(map[string]struct{}, len(page))
	msgs := make([]Message, 0, len(page))
	for _, m := range page {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		msgs = append(msgs, m)
	}
	claimed := make(map[int]struct{})
	for _, m := range conv.messages {
		if !m.Provisional {
			continue
		}
		if i := confirmedCopy(msgs, m.Content, claimed); i >= 0 {
			claimed[i] = struct{}{}
			continue
		}
		msgs = append(msgs, m)
	}
	conv.messages = msgs
	conv.loaded = true
}

// confirmedCopy returns the index of the newest unclaimed self-authored
// entry in page whose content matches, or -1.
func confirmedCopy(page []Message, content string, claimed map[int]struct{}) int {
	for i := len(page) - 1; i >= 0; i-- {
		if _, ok := claimed[i]; ok {
			continue
		}
		if page[i].FromSelf && !page[i].Provisional && page[i].Content == content {
			return i
		}
	}
	return -1
}

// add appends m unless a message with the same id is already cached. A
// self-authored server entry takes the place of the oldest provisional
// entry with the same content instead of being appended. It reports whether
// m was stored.
func (c *conversationCache) add(peerID string, m Message) bool {
	conv := c.ensure(peerID)
	if conv.index(m.ID) >= 0 {
		return false
	}
	if m.FromSelf && !m.Provisional {
		if p := conv.pending(m.Content); p >= 0 {
			conv.messages[p] = m
			return true
		}
	}
	conv.messages = append(conv.messages, m)
	return true
}

func (c *conversationCache) remove(peerID, messageID string) bool {
	conv := c.convs[peerID]
	if conv == nil {
		return false
	}
	i := conv.index(messageID)
	if i < 0 {
		return false
	}
	conv.messages = append(conv.messages[:i], conv.messages[i+1:]...)
	return true
}

// confirm swaps the provisional entry for the server's copy. If the server
// copy is already cached (the realtime echo won the race) the provisional
// entry is dropped instead, so exactly one entry remains either way. A
// conversation evicted while the send was in flight is not recreated.
func (c *conversationCache) confirm(peerID, provisionalID string, server Message) {
	conv := c.convs[peerID]
	if conv == nil {
		return
	}
	p := conv.index(provisionalID)
	if conv.index(server.ID) >= 0 {
		if p >= 0 {
			conv.messages = append(conv.messages[:p], conv.messages[p+1:]...)
		}
		return
	}
	server.Provisional = false
	if p >= 0 {
		conv.messages[p] = server
		return
	}
	conv.messages = append(conv.messages, server)
}

// markRead flags the given messages read and returns how many changed.
func (c *conversationCache) markRead(peerID string, ids ...string) int {
	conv := c.convs[peerID]
	if conv == nil {
		return 0
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	n := 0
	for i := range conv.messages {
		if _, ok := want[conv.messages[i].ID]; ok && !conv.messages[i].Read {
			conv.messages[i].Read = true
			n++
		}
	}
	return n
}

// unreadInbound returns the ids of unread messages the peer sent.
func (c *conversationCache) unreadInbound(peerID string) []string {
	conv := c.convs[peerID]
	if conv == nil {
		return nil
	}
	var ids []string
	for _, m := range conv.messages {
		if !m.Read && !m.FromSelf && !m.Provisional {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

func (c *conversationCache) search(query, peerID string, limit int) []Message {
	q := strings.ToLower(query)
	var results []Message
	for _, peer := range c.peers() {
		if peerID != "" && peer != peerID {
			continue
		}
		for _, m := range c.convs[peer].messages {
			if strings.Contains(strings.ToLower(m.Content), q) {
				results = append(results, m)
				if len(results) >= limit {
					return results
				}
			}
		}
	}
	return results
}

func (c *conversationCache) peers() []string {
	peers := make([]string, 0, len(c.convs))
	for p := range c.convs {
		peers = append(peers, p)
	}
	sort.Strings(peers)
	return peers
}

// ── Activity & ordering ──────────────────────────────────

// touch moves the last-activity time of peerID forward to t. Older times
// are ignored.
func (c *conversationCache) touch(peerID string, t time.Time) {
	if t.IsZero() {
		return
	}
	conv := c.ensure(peerID)
	if t.After(conv.lastActivity) {
		conv.lastActivity = t
	}
}

func (c *conversationCache) lastActivity(peerID string) time.Time {
	if conv := c.convs[peerID]; conv != nil {
		return conv.lastActivity
	}
	return time.Time{}
}

// order sorts peers by last activity, most recent first. Peers without
// activity go last; ties keep their input order.
func (c *conversationCache) order(peers []string) []string {
	out := append([]string(nil), peers...)
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := c.lastActivity(out[i]), c.lastActivity(out[j])
		if ti.IsZero() || tj.IsZero() {
			return !ti.IsZero() && tj.IsZero()
		}
		return ti.After(tj)
	})
	return out
}

// evict forgets everything about peerID except presence.
func (c *conversationCache) evict(peerID string) {
	delete(c.convs, peerID)
	delete(c.unread, peerID)
}

// ── Unread counts ────────────────────────────────────────

func (c *conversationCache) setUnread(peerID string, n int) {
	if n <= 0 {
		delete(c.unread, peerID)
		return
	}
	c.unread[peerID] = n
}

func (c *conversationCache) incUnread(peerID string) {
	c.unread[peerID]++
}

func (c *conversationCache) unreadCount(peerID string) int {
	return c.unread[peerID]
}

func (c *conversationCache) replaceUnread(counts map[string]int) {
	c.unread = make(map[string]int, len(counts))
	for peer, n := range counts {
		if n > 0 {
			c.unread[peer] = n
		}
	}
}

func (c *conversationCache) unreadSnapshot() map[string]int {
	out := make(map[string]int, len(c.unread))
	for k, v := range c.unread {
		out[k] = v
	}
	return out
}

func (c *conversationCache) hasUnread() bool {
	for _, n := range c.unread {
		if n > 0 {
			return true
		}
	}
	return false
}

// ── Presence ─────────────────────────────────────────────

func (c *conversationCache) setOnline(ids []string) {
	c.online = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		c.online[id] = struct{}{}
	}
}

func (c *conversationCache) addOnline(id string) {
	c.online[id] = struct{}{}
}

func (c *conversationCache) removeOnline(id string) {
	delete(c.online, id)
}

func (c *conversationCache) isOnline(id string) bool {
	_, ok := c.online[id]
	return ok
}

func (c *conversationCache) onlineIDs() []string {
	ids := make([]string, 0, len(c.online))
	for id := range c.online {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *conversationCache) reset() {
	c.convs = make(map[string]*conversation)
	c.unread = make(map[string]int)
	c.online = make(map[string]struct{})
}
