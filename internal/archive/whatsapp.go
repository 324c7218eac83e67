package archive

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/talka/historico/internal/models"
)

var ErrNoMessages = errors.New("no valid messages found in chat file")

var (
	whatsappLine = regexp.MustCompile(
		`^\[?(\d{1,2}/\d{1,2}/\d{2,4}),?\s*(\d{1,2}:\d{2}(?::\d{2})?(?:\s*[APap][Mm])?)\]?\s*-?\s*([^:]+):\s*(.+)$`)
	// whatsappEvent is a dated line without a sender, such as
	// "12/03/2024 10:15 - Messages are end-to-end encrypted".
	whatsappEvent = regexp.MustCompile(`^\[?\d{1,2}/\d{1,2}/\d{2,4},?\s*\d{1,2}:\d{2}`)

	invisibleMarks = strings.NewReplacer("\u200e", "", "\u200f", "", "\ufeff", "", "\u202f", " ")
)

// ParseWhatsApp parses a WhatsApp "export chat" text file (day/month/year
// dates, 24h or AM/PM times). Lines without a header continue the previous
// message. The returned conversation has no ID; Upload assigns one.
func ParseWhatsApp(text string) (*models.Conversation, error) {
	text = strings.ReplaceAll(invisibleMarks.Replace(text), "\r\n", "\n")

	conv := &models.Conversation{}
	for lineNo, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		match := whatsappLine.FindStringSubmatch(line)
		if match == nil {
			if whatsappEvent.MatchString(line) {
				continue
			}
			if n := len(conv.Messages); n > 0 {
				conv.Messages[n-1].Content += "\n" + line
			}
			continue
		}

		ts, err := parseWhatsAppTime(match[1], match[2])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo+1, err)
		}

		sender := strings.TrimSpace(match[3])
		conv.Messages = append(conv.Messages, models.Message{
			Timestamp: ts,
			Sender:    sender,
			Content:   strings.TrimSpace(match[4]),
			FromMe:    isSelf(sender),
		})
	}

	if len(conv.Messages) == 0 {
		return nil, ErrNoMessages
	}

	conv.Participants = senders(conv.Messages)
	conv.Title = titleFor(conv.Participants, conv.Messages[0].Timestamp.Format("02/01/2006"))
	return conv, nil
}

func parseWhatsAppTime(date, clock string) (time.Time, error) {
	dateParts := strings.Split(date, "/")
	if len(dateParts) != 3 {
		return time.Time{}, fmt.Errorf("invalid date %q", date)
	}
	day, _ := strconv.Atoi(dateParts[0])
	month, _ := strconv.Atoi(dateParts[1])
	year, _ := strconv.Atoi(dateParts[2])
	if year < 100 {
		year += 2000
	}

	clock = strings.TrimSpace(clock)
	lower := strings.ToLower(clock)
	pm := strings.HasSuffix(lower, "pm")
	am := strings.HasSuffix(lower, "am")
	if am || pm {
		clock = strings.TrimSpace(clock[:len(clock)-2])
	}

	clockParts := strings.Split(clock, ":")
	hour, _ := strconv.Atoi(clockParts[0])
	minute, _ := strconv.Atoi(clockParts[1])
	second := 0
	if len(clockParts) == 3 {
		second, _ = strconv.Atoi(clockParts[2])
	}

	switch {
	case pm && hour < 12:
		hour += 12
	case am && hour == 12:
		hour = 0
	}

	ts := time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC)
	if ts.Day() != day || int(ts.Month()) != month || hour > 23 || minute > 59 || second > 59 {
		return time.Time{}, fmt.Errorf("invalid timestamp %q %q", date, clock)
	}
	return ts, nil
}
