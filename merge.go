package msgcenter

import (
	"slices"
	"strings"
)

// UnreadResolver decides the unread count kept for conversation id when a
// snapshot reports server. Returning server accepts the snapshot value.
type UnreadResolver func(id string, server int) int

// MergeSnapshot merges a full REST snapshot into current and returns a new
// map; current is not modified. Snapshot fields replace stored fields
// wholesale except that a locally newer last message survives, and the
// unread count goes through resolve when it is non-nil. Conversations absent
// from the snapshot are kept.
func MergeSnapshot(current map[string]Conversation, snapshot []Conversation, resolve UnreadResolver) map[string]Conversation {
	next := make(map[string]Conversation, len(current)+len(snapshot))
	for id, c := range current {
		next[id] = c
	}
	for _, s := range snapshot {
		if s.ID == "" {
			continue
		}
		merged := s.clone()
		if prev, ok := current[s.ID]; ok && prev.LastActivity.After(merged.LastActivity) {
			merged.LastActivity = prev.LastActivity
			if prev.LastMessage != nil {
				lm := *prev.LastMessage
				merged.LastMessage = &lm
			}
		}
		if resolve != nil {
			merged.UnreadCount = resolve(s.ID, merged.UnreadCount)
		}
		if merged.UnreadCount < 0 {
			merged.UnreadCount = 0
		}
		next[s.ID] = merged
	}
	return next
}

// MergeDelta applies one partial update and returns a new map; current is
// not modified. Only the fields the delta carries change. An unknown id
// creates the conversation. The last message is replaced only by one at least
// as recent, and last activity never moves backwards.
func MergeDelta(current map[string]Conversation, d ConversationDelta) map[string]Conversation {
	next := make(map[string]Conversation, len(current)+1)
	for id, c := range current {
		next[id] = c
	}
	if d.ID == "" {
		return next
	}

	c, ok := current[d.ID]
	if ok {
		c = c.clone()
	} else {
		c = Conversation{ID: d.ID, Kind: KindDirect}
	}
	if d.Kind != nil {
		c.Kind = *d.Kind
	}
	if d.Title != nil {
		c.Title = *d.Title
	}
	if d.Participants != nil {
		c.Participants = append([]Participant(nil), d.Participants...)
	}
	if d.LastMessage != nil && (c.LastMessage == nil || !d.LastMessage.Timestamp.Before(c.LastMessage.Timestamp)) {
		lm := *d.LastMessage
		c.LastMessage = &lm
		if lm.Timestamp.After(c.LastActivity) {
			c.LastActivity = lm.Timestamp
		}
	}
	if d.LastActivity != nil && d.LastActivity.After(c.LastActivity) {
		c.LastActivity = *d.LastActivity
	}
	if d.UnreadCount != nil {
		c.UnreadCount = max(*d.UnreadCount, 0)
	}
	if d.IsPinned != nil {
		c.IsPinned = *d.IsPinned
	}
	if d.IsMuted != nil {
		c.IsMuted = *d.IsMuted
	}
	next[d.ID] = c
	return next
}

// SortConversations orders list in place: pinned first, then conversations
// with unread messages, then most recent activity, then id.
func SortConversations(list []Conversation) {
	slices.SortStableFunc(list, compareConversations)
}

func compareConversations(a, b Conversation) int {
	if a.IsPinned != b.IsPinned {
		if a.IsPinned {
			return -1
		}
		return 1
	}
	au, bu := a.UnreadCount > 0, b.UnreadCount > 0
	if au != bu {
		if au {
			return -1
		}
		return 1
	}
	if c := b.LastActivity.Compare(a.LastActivity); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}
