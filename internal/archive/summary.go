package archive

import (
	"fmt"
	"sort"
	"strings"

	"github.com/talka/historico/internal/db"
	"github.com/talka/historico/internal/models"
)

const previewLength = 50

// Preview shortens content to the first 50 characters, marking the cut
// with "...".
func Preview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewLength {
		return content
	}
	return string(runes[:previewLength]) + "..."
}

// Summarize derives the stored summary columns from the messages themselves:
// message count, last message preview and timestamp, participant list and a
// title when the client sent none. Messages are sorted by timestamp.
func Summarize(conv *models.Conversation) {
	for i := range conv.Messages {
		conv.Messages[i].Timestamp = db.Normalize(conv.Messages[i].Timestamp)
	}
	sort.SliceStable(conv.Messages, func(i, j int) bool {
		return conv.Messages[i].Timestamp.Before(conv.Messages[j].Timestamp)
	})

	conv.MessageCount = len(conv.Messages)
	if n := len(conv.Messages); n > 0 {
		last := conv.Messages[n-1]
		ts := last.Timestamp
		conv.LastMessage = Preview(last.Content)
		conv.LastTimestamp = &ts
	} else {
		conv.LastMessage = Preview(conv.LastMessage)
	}

	if len(conv.Participants) == 0 {
		conv.Participants = senders(conv.Messages)
	}
	if conv.Participants == nil {
		conv.Participants = []string{}
	}

	conv.Title = strings.TrimSpace(conv.Title)
	if conv.Title == "" {
		conv.Title = titleFor(conv.Participants, conv.ID)
	}
}

func senders(messages []models.Message) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, m := range messages {
		name := strings.TrimSpace(m.Sender)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// titleFor names a conversation after its first participant that is not the
// archive owner, e.g. "Maria +2 outros".
func titleFor(participants []string, fallbackID string) string {
	others := make([]string, 0, len(participants))
	for _, p := range participants {
		if !isSelf(p) {
			others = append(others, p)
		}
	}
	switch len(others) {
	case 0:
		return "Conversa " + fallbackID
	case 1:
		return others[0]
	default:
		return fmt.Sprintf("%s +%d outros", others[0], len(others)-1)
	}
}

// isSelf reports whether a sender label refers to the exporting user.
func isSelf(sender string) bool {
	s := strings.ToLower(sender)
	return strings.Contains(s, "você") || strings.Contains(s, "you")
}
