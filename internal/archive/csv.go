package archive

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/talka/historico/internal/models"
)

var ErrInvalidImport = errors.New("invalid csv file")

const selfSender = "Você"

var csvTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
}

type csvColumns struct {
	chatID, mobile, fromMe, text, created, kind int
}

// ParseCSV reads a messaging-platform CSV export with the columns chat_id,
// mobile_number, fromMe, text, created (or timestamp) and type. Only text
// rows are kept; rows are grouped by chat_id in order of first appearance.
// chat_id is only unique within one export, so conversation ids are scoped
// to userID. Both comma and semicolon separated files are accepted.
func ParseCSV(r io.Reader, userID int64) ([]models.Conversation, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImport, err)
	}
	data = bytes.TrimPrefix(data, []byte("\ufeff"))

	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = sniffDelimiter(data)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: missing header", ErrInvalidImport)
	}
	cols, err := mapColumns(header)
	if err != nil {
		return nil, err
	}

	var (
		order  []string
		chats  = make(map[string]*models.Conversation)
		titles = make(map[string]string)
	)
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidImport, line, err)
		}

		if kind := field(record, cols.kind); kind != "" && !strings.EqualFold(kind, "text") {
			continue
		}
		text := field(record, cols.text)
		chatID := field(record, cols.chatID)
		if text == "" || chatID == "" {
			continue
		}

		ts, err := parseCSVTime(field(record, cols.created))
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidImport, line, err)
		}

		fromMe := parseFlag(field(record, cols.fromMe))
		mobile := field(record, cols.mobile)
		sender := selfSender
		if !fromMe {
			sender = mobile
			if sender == "" {
				sender = "Contato"
			}
			if _, ok := titles[chatID]; !ok && mobile != "" {
				titles[chatID] = mobile
			}
		}

		conv, ok := chats[chatID]
		if !ok {
			conv = &models.Conversation{ID: CSVConversationID(userID, chatID)}
			chats[chatID] = conv
			order = append(order, chatID)
		}
		conv.Messages = append(conv.Messages, models.Message{
			Timestamp: ts,
			Sender:    sender,
			Content:   text,
			FromMe:    fromMe,
		})
	}

	if len(order) == 0 {
		return nil, ErrNoMessages
	}

	conversations := make([]models.Conversation, 0, len(order))
	for _, id := range order {
		conv := chats[id]
		conv.Participants = senders(conv.Messages)
		conv.Title = titles[id]
		if conv.Title == "" {
			conv.Title = "Conversa " + id
		}
		conversations = append(conversations, *conv)
	}
	return conversations, nil
}

// CSVConversationID returns the stored id of the conversation imported from
// chatID by userID.
func CSVConversationID(userID int64, chatID string) string {
	return fmt.Sprintf("%d_%s", userID, chatID)
}

func sniffDelimiter(data []byte) rune {
	firstLine := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		firstLine = data[:i]
	}
	if bytes.Count(firstLine, []byte(";")) > bytes.Count(firstLine, []byte(",")) {
		return ';'
	}
	return ','
}

func mapColumns(header []string) (csvColumns, error) {
	cols := csvColumns{chatID: -1, mobile: -1, fromMe: -1, text: -1, created: -1, kind: -1}
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "chat_id":
			cols.chatID = i
		case "mobile_number":
			cols.mobile = i
		case "fromme", "from_me":
			cols.fromMe = i
		case "text":
			cols.text = i
		case "created", "timestamp":
			if cols.created < 0 {
				cols.created = i
			}
		case "type":
			cols.kind = i
		}
	}

	switch {
	case cols.chatID < 0:
		return cols, fmt.Errorf("%w: missing column: chat_id", ErrInvalidImport)
	case cols.text < 0:
		return cols, fmt.Errorf("%w: missing column: text", ErrInvalidImport)
	case cols.created < 0:
		return cols, fmt.Errorf("%w: missing column: created", ErrInvalidImport)
	}
	return cols, nil
}

func field(record []string, i int) string {
	if i < 0 || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

func parseFlag(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "t", "yes", "sim":
		return true
	}
	return false
}

func parseCSVTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		if secs > 1e12 {
			return time.UnixMilli(secs).UTC(), nil
		}
		return time.Unix(secs, 0).UTC(), nil
	}
	for _, layout := range csvTimeLayouts {
		if t, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", v)
}
