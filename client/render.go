package main

import (
	"fmt"
	"sort"
	"strings"

	"matchchat/model"
)

// renderer turns successive message-list snapshots into terminal lines,
// printing each entry again only when its delivery state changes.
type renderer struct {
	selfID  int64
	printed map[string]model.DeliveryState
	typing  string
}

func newRenderer(selfID int64) *renderer {
	return &renderer{selfID: selfID, printed: make(map[string]model.DeliveryState)}
}

func (r *renderer) messages(msgs []model.Message) []string {
	var lines []string
	for _, m := range msgs {
		key := m.Key()
		if prev, ok := r.printed[key]; ok && prev == m.DeliveryState {
			continue
		}
		r.printed[key] = m.DeliveryState
		lines = append(lines, r.line(m))
	}
	return lines
}

func (r *renderer) line(m model.Message) string {
	who := m.SenderName
	switch {
	case m.Local() || m.SenderID == r.selfID:
		who = "you"
	case who == "":
		who = fmt.Sprintf("user %d", m.SenderID)
	}

	stamp := "--:--"
	if !m.CreatedAt.IsZero() {
		stamp = m.CreatedAt.Local().Format("15:04")
	}

	switch m.DeliveryState {
	case model.DeliveryPending:
		return fmt.Sprintf("[%s] %s: %s (sending)", stamp, who, m.Content)
	case model.DeliveryFailed:
		return fmt.Sprintf("[%s] %s: %s (failed: %v; /retry %s or /discard %s)",
			stamp, who, m.Content, m.Err, m.ProvisionalID, m.ProvisionalID)
	default:
		return fmt.Sprintf("[%s] %s: %s", stamp, who, m.Content)
	}
}

// typingLine returns a status line when the set of typing users changed.
func (r *renderer) typingLine(users []int64) (string, bool) {
	sorted := append([]int64(nil), users...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var line string
	if len(sorted) > 0 {
		names := make([]string, len(sorted))
		for i, id := range sorted {
			names[i] = fmt.Sprintf("user %d", id)
		}
		line = strings.Join(names, ", ") + " typing..."
	}
	if line == r.typing {
		return "", false
	}
	r.typing = line
	return line, line != ""
}
