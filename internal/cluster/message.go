package cluster

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/fragcache/internal/invalidation"
	"github.com/roach88/fragcache/internal/row"
)

// Message is one batch of invalidations sent from one node to the others.
type Message struct {
	ID      string
	Node    string
	All     bool
	Entries []invalidation.Invalidation
}

// NewMessage wraps inv for sending from node.
func NewMessage(id, node string, inv *invalidation.Invalidations) *Message {
	return &Message{ID: id, Node: node, All: inv.All, Entries: inv.Entries()}
}

// Invalidations rebuilds the batch.
func (m *Message) Invalidations() *invalidation.Invalidations {
	return invalidation.FromEntries(m.All, m.Entries)
}

// wireEntry is the decoded form of one entry.
type wireEntry struct {
	Table string   `json:"table"`
	IDs   []string `json:"ids"`
	Kind  string   `json:"kind"`
}

type wireMessage struct {
	ID      string      `json:"id"`
	Node    string      `json:"node"`
	All     bool        `json:"all"`
	Entries []wireEntry `json:"entries"`
}

// Encode renders m as canonical JSON, so equal messages encode to equal
// bytes on every node.
func Encode(m *Message) ([]byte, error) {
	entries := make([]any, 0, len(m.Entries))
	for _, e := range m.Entries {
		entries = append(entries, map[string]any{
			"table": e.Table,
			"ids":   e.IDs,
			"kind":  e.Kind.String(),
		})
	}
	data, err := row.MarshalCanonical(map[string]any{
		"id":      m.ID,
		"node":    m.Node,
		"all":     m.All,
		"entries": entries,
	})
	if err != nil {
		return nil, fmt.Errorf("encode message %s: %w", m.ID, err)
	}
	return data, nil
}

// Decode parses a message produced by Encode.
func Decode(data []byte) (*Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if w.ID == "" || w.Node == "" {
		return nil, fmt.Errorf("decode message: missing id or node")
	}
	m := &Message{ID: w.ID, Node: w.Node, All: w.All}
	for _, e := range w.Entries {
		var kind invalidation.Kind
		switch e.Kind {
		case invalidation.Modified.String():
			kind = invalidation.Modified
		case invalidation.Deleted.String():
			kind = invalidation.Deleted
		default:
			return nil, fmt.Errorf("decode message %s: unknown kind %q", w.ID, e.Kind)
		}
		m.Entries = append(m.Entries, invalidation.Invalidation{Table: e.Table, IDs: e.IDs, Kind: kind})
	}
	return m, nil
}
