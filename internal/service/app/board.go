package app

import (
	"e2e_paste/internal/model"
	"e2e_paste/internal/service/streamsync"
	"fmt"
	"strings"
	"time"
)

const sensitiveMask = "••••••••"

// board is what the screen shows. Engine callbacks write it, the draw
// functions read it; App guards it with a mutex.
type board struct {
	pastes   []model.StreamEvent
	devices  []model.Device
	pending  *model.DeviceRequestPayload
	phase    streamsync.Phase
	lastErr  string
	revealed map[string]bool
}

func newBoard() *board {
	return &board{revealed: make(map[string]bool)}
}

func (b *board) load(pastes []model.StreamEvent) {
	b.pastes = append([]model.StreamEvent(nil), pastes...)
}

// add puts newest-first pastes on top, replacing copies already shown.
func (b *board) add(pastes []model.StreamEvent) {
	seen := make(map[string]bool, len(pastes))
	res := make([]model.StreamEvent, 0, len(pastes)+len(b.pastes))
	for _, p := range pastes {
		if !seen[p.Id] {
			seen[p.Id] = true
			res = append(res, p)
		}
	}
	for _, p := range b.pastes {
		if !seen[p.Id] {
			res = append(res, p)
		}
	}
	b.pastes = res
}

func (b *board) remove(ids []string) {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
		delete(b.revealed, id)
	}
	res := b.pastes[:0]
	for _, p := range b.pastes {
		if !drop[p.Id] {
			res = append(res, p)
		}
	}
	b.pastes = res
}

func (b *board) toggleReveal(id string) {
	b.revealed[id] = !b.revealed[id]
}

func (b *board) at(i int) (model.StreamEvent, bool) {
	if i < 0 || i >= len(b.pastes) {
		return model.StreamEvent{}, false
	}
	return b.pastes[i], true
}

// pasteLine renders one list row: first line of the text, and a hint when
// more lines follow. Sensitive pastes stay masked until revealed.
func pasteLine(p model.StreamEvent, revealed bool) string {
	text := p.Payload
	if p.IsSensitive && !revealed {
		text = sensitiveMask
	}
	first, rest, more := strings.Cut(text, "\n")
	if more {
		first = fmt.Sprintf("%s [gray](+%d lines)[-]", first, strings.Count(rest, "\n")+1)
	}
	switch {
	case p.Undecryptable:
		first = "[red]" + first + "[-]"
	case p.IsSensitive:
		first = "[yellow]*[-] " + first
	}
	return first
}

func pasteTime(p model.StreamEvent) string {
	return time.Unix(p.Timestamp, 0).Format("Jan 02 15:04")
}

func statusLine(user model.User, offline bool, b *board) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s <%s>", user.Name, user.Email)
	if offline {
		sb.WriteString("  [red]offline[-]")
	} else {
		fmt.Fprintf(&sb, "  %s", b.phase)
	}
	fmt.Fprintf(&sb, "  devices: %d  pastes: %d", len(b.devices), len(b.pastes))
	if b.lastErr != "" {
		fmt.Fprintf(&sb, "  [red]%s[-]", b.lastErr)
	}
	return sb.String()
}

func requestText(req *model.DeviceRequestPayload) string {
	desc := req.Description
	if desc == "" {
		desc = "unnamed device"
	}
	return fmt.Sprintf("A new device wants to join this stream:\n\n%s\n(%s)\n\nApproving shares the encryption key with it.", desc, req.Id)
}
