package portalchat

import (
	"sort"
	"time"
)

// ============================================================================
// Reconciliation & Dedup
// ============================================================================
//
// Every writer (history pages, optimistic sends, realtime deltas, fallback
// polls) goes through these functions. They never mutate their arguments and
// never fail, so the final order only depends on the set of inputs, not on the
// order they arrived in.

// optimisticMatchWindow bounds how far apart (in either direction) an
// optimistic entry and a confirmed row without a nonce may be created and
// still be considered the same send.
const optimisticMatchWindow = 5 * time.Minute

// messageLess orders by creation time, ties broken by identifier.
func messageLess(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// SortMessages sorts msgs in place into rendering order.
func SortMessages(msgs []Message) {
	sort.Slice(msgs, func(i, j int) bool { return messageLess(&msgs[i], &msgs[j]) })
}

// Merge returns the union of existing and incoming keyed by identifier.
// Incoming entries replace existing ones with the same identifier.
func Merge(existing, incoming []Message) []Message {
	byID := make(map[string]Message, len(existing)+len(incoming))
	for _, m := range existing {
		byID[m.ID] = m
	}
	for _, m := range incoming {
		byID[m.ID] = m
	}
	out := make([]Message, 0, len(byID))
	for _, m := range byID {
		out = append(out, m)
	}
	SortMessages(out)
	return out
}

// ContainsID reports whether list holds a message with the given identifier.
func ContainsID(list []Message, id string) bool {
	for i := range list {
		if list[i].ID == id {
			return true
		}
	}
	return false
}

// PendingOptimistic returns the optimistic entries of list.
func PendingOptimistic(list []Message) []Message {
	var out []Message
	for _, m := range list {
		if m.Optimistic {
			out = append(out, m)
		}
	}
	return out
}

// matchesOptimistic reports whether confirmed is the server copy of pending.
// A nonce echoed by the server is authoritative. Without one we fall back to
// same author, same body, created within optimisticMatchWindow.
func matchesOptimistic(pending, confirmed *Message) bool {
	if !pending.Optimistic || confirmed.Optimistic || pending.RoomID != confirmed.RoomID {
		return false
	}
	if confirmed.ClientNonce != "" {
		return confirmed.ClientNonce == pending.ClientNonce
	}
	if pending.AuthorID != confirmed.AuthorID || pending.Body != confirmed.Body {
		return false
	}
	d := confirmed.CreatedAt.Sub(pending.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d <= optimisticMatchWindow
}

// evictFor removes at most one optimistic entry matching confirmed, preferring
// the oldest candidate. It returns the evicted temporary identifier, or "".
func evictFor(list []Message, confirmed *Message) ([]Message, string) {
	idx := -1
	for i := range list {
		if !matchesOptimistic(&list[i], confirmed) {
			continue
		}
		if idx < 0 || messageLess(&list[i], &list[idx]) {
			idx = i
		}
	}
	if idx < 0 {
		return list, ""
	}
	evicted := list[idx].ID
	out := make([]Message, 0, len(list)-1)
	out = append(out, list[:idx]...)
	out = append(out, list[idx+1:]...)
	return out, evicted
}

// ReconcileInsert applies a confirmed insert notification to list.
//
// A message whose identifier is already present is not re-applied, but a
// still-pending optimistic copy of it is evicted either way so the temporary
// and confirmed entries never coexist. It returns the new list and the
// temporary identifiers removed.
func ReconcileInsert(list []Message, msg Message) ([]Message, []string) {
	out, evicted := evictFor(list, &msg)
	var gone []string
	if evicted != "" {
		gone = append(gone, evicted)
	}
	if ContainsID(out, msg.ID) {
		if evicted == "" {
			return list, nil
		}
		return out, gone
	}
	return Merge(out, []Message{msg}), gone
}

// ReconcilePage merges a fetched page into list and evicts optimistic
// entries the page confirms.
func ReconcilePage(list, page []Message) ([]Message, []string) {
	out := list
	var gone []string
	for i := range page {
		if page[i].Optimistic {
			continue
		}
		var evicted string
		out, evicted = evictFor(out, &page[i])
		if evicted != "" {
			gone = append(gone, evicted)
		}
	}
	return Merge(out, page), gone
}

// ApplyUpdate replaces body and edit metadata of the message with msg.ID.
func ApplyUpdate(list []Message, msg Message) ([]Message, bool) {
	for i := range list {
		if list[i].ID != msg.ID {
			continue
		}
		out := make([]Message, len(list))
		copy(out, list)
		cur := out[i]
		cur.Body = msg.Body
		cur.Edited = true
		if msg.UpdatedAt != nil {
			t := *msg.UpdatedAt
			cur.UpdatedAt = &t
		}
		if msg.Attachments != nil {
			cur.Attachments = append([]Attachment(nil), msg.Attachments...)
		}
		out[i] = cur
		return out, true
	}
	return list, false
}

// ApplyDelete removes the message with the given identifier.
func ApplyDelete(list []Message, id string) ([]Message, bool) {
	for i := range list {
		if list[i].ID != id {
			continue
		}
		out := make([]Message, 0, len(list)-1)
		out = append(out, list[:i]...)
		out = append(out, list[i+1:]...)
		return out, true
	}
	return list, false
}

// EvictOptimistic removes the optimistic entry tempID if it is still present.
func EvictOptimistic(list []Message, tempID string) ([]Message, bool) {
	if !IsTempID(tempID) {
		return list, false
	}
	return ApplyDelete(list, tempID)
}
