package archive

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/talka/historico/internal/db"
	"github.com/talka/historico/internal/models"
)

func newTestStore(t *testing.T) (*Store, *db.DB) {
	t.Helper()
	database, err := db.New(db.DriverSQLite, t.TempDir()+"/archive.db")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewStore(database), database
}

func createUser(t *testing.T, database *db.DB, username string) int64 {
	t.Helper()
	var id int64
	err := database.GetConn().QueryRow(
		"INSERT INTO users (username, password_hash, created_at) VALUES ($1, 'x', $2) RETURNING id",
		username, db.Now(),
	).Scan(&id)
	if err != nil {
		t.Fatalf("failed to create user %s: %v", username, err)
	}
	return id
}

func count(t *testing.T, database *db.DB, query string, args ...any) int64 {
	t.Helper()
	var n int64
	if err := database.GetConn().QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	return n
}

func at(hour, minute int) time.Time {
	return time.Date(2024, 3, 12, hour, minute, 0, 0, time.UTC)
}

func sampleConversation(id string) models.Conversation {
	return models.Conversation{
		ID:    id,
		Title: "Maria",
		Messages: []models.Message{
			{Timestamp: at(10, 15), Sender: "Maria", Content: "Oi"},
			{Timestamp: at(10, 16), Sender: "Você", Content: "Olá, tudo bem?", FromMe: true},
		},
	}
}

func TestUploadStoresConversationsAndDerivedSummary(t *testing.T) {
	store, database := newTestStore(t)
	ctx := context.Background()
	userID := createUser(t, database, "maria")

	conv := sampleConversation("c1")
	conv.MessageCount = 99
	conv.LastMessage = "lie"

	res, err := store.Upload(ctx, userID, []models.Conversation{conv, {Messages: []models.Message{
		{Timestamp: at(9, 0), Sender: "João", Content: "bom dia"},
	}}})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.Conversations != 2 || res.Messages != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.ConversationIDs[0] != "c1" || res.ConversationIDs[1] == "" {
		t.Fatalf("unexpected ids: %v", res.ConversationIDs)
	}

	convs, err := store.ListConversations(ctx, userID, 0, 0)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(convs))
	}

	var c1 models.Conversation
	for _, c := range convs {
		if c.ID == "c1" {
			c1 = c
		}
	}
	if c1.MessageCount != 2 {
		t.Errorf("message_count should be derived, got %d", c1.MessageCount)
	}
	if c1.LastMessage != "Olá, tudo bem?" {
		t.Errorf("unexpected last message %q", c1.LastMessage)
	}
	if c1.LastTimestamp == nil || !c1.LastTimestamp.Equal(at(10, 16)) {
		t.Errorf("unexpected last timestamp %v", c1.LastTimestamp)
	}
	if len(c1.Messages) != 2 || c1.Messages[0].Content != "Oi" || !c1.Messages[1].FromMe {
		t.Errorf("unexpected messages %+v", c1.Messages)
	}
	if c1.UserID != userID {
		t.Errorf("expected user_id %d, got %d", userID, c1.UserID)
	}
}

func TestUploadRejectsUnknownUserAndEmptyPayload(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Upload(ctx, 42, []models.Conversation{sampleConversation("c1")}); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if _, err := store.Upload(ctx, 42, nil); !errors.Is(err, ErrEmptyUpload) {
		t.Fatalf("expected ErrEmptyUpload, got %v", err)
	}
}

func TestReuploadReplacesMessages(t *testing.T) {
	store, database := newTestStore(t)
	ctx := context.Background()
	userID := createUser(t, database, "maria")

	if _, err := store.Upload(ctx, userID, []models.Conversation{sampleConversation("c1")}); err != nil {
		t.Fatalf("first upload: %v", err)
	}

	replacement := models.Conversation{ID: "c1", Messages: []models.Message{
		{Timestamp: at(11, 0), Sender: "Maria", Content: "só uma"},
	}}
	if _, err := store.Upload(ctx, userID, []models.Conversation{replacement}); err != nil {
		t.Fatalf("second upload: %v", err)
	}

	if n := count(t, database, "SELECT COUNT(*) FROM messages WHERE conversation_id = 'c1'"); n != 1 {
		t.Fatalf("expected messages to be replaced, found %d", n)
	}
	if n := count(t, database, "SELECT message_count FROM conversations WHERE id = 'c1'"); n != 1 {
		t.Fatalf("expected message_count 1, got %d", n)
	}
}

func TestFailedUploadLeavesPreviousStateIntact(t *testing.T) {
	store, database := newTestStore(t)
	ctx := context.Background()
	userID := createUser(t, database, "maria")

	if _, err := store.Upload(ctx, userID, []models.Conversation{sampleConversation("c1")}); err != nil {
		t.Fatalf("first upload: %v", err)
	}

	if _, err := database.GetConn().Exec(`
		CREATE TRIGGER fail_insert BEFORE INSERT ON messages
		WHEN NEW.content = 'FAIL'
		BEGIN SELECT RAISE(ABORT, 'induced failure'); END
	`); err != nil {
		t.Fatalf("failed to create trigger: %v", err)
	}

	broken := models.Conversation{ID: "c1", Messages: []models.Message{
		{Timestamp: at(12, 0), Sender: "Maria", Content: "nova"},
		{Timestamp: at(12, 1), Sender: "Maria", Content: "FAIL"},
	}}
	other := models.Conversation{ID: "c2", Messages: []models.Message{
		{Timestamp: at(12, 0), Sender: "João", Content: "ok"},
	}}
	if _, err := store.Upload(ctx, userID, []models.Conversation{other, broken}); err == nil {
		t.Fatal("expected upload to fail")
	}

	if n := count(t, database, "SELECT COUNT(*) FROM messages WHERE conversation_id = 'c1'"); n != 2 {
		t.Errorf("expected the previous 2 messages, found %d", n)
	}
	if n := count(t, database, "SELECT message_count FROM conversations WHERE id = 'c1'"); n != 2 {
		t.Errorf("expected message_count 2, got %d", n)
	}
	if n := count(t, database, "SELECT COUNT(*) FROM conversations WHERE id = 'c2'"); n != 0 {
		t.Errorf("partial batch was committed")
	}
}

func TestUploadCannotTakeOverAnotherUsersConversation(t *testing.T) {
	store, database := newTestStore(t)
	ctx := context.Background()
	owner := createUser(t, database, "maria")
	intruder := createUser(t, database, "joao")

	if _, err := store.Upload(ctx, owner, []models.Conversation{sampleConversation("shared")}); err != nil {
		t.Fatalf("owner upload: %v", err)
	}

	hijack := models.Conversation{ID: "shared", Title: "mine", Messages: []models.Message{
		{Timestamp: at(13, 0), Sender: "x", Content: "y"},
	}}
	_, err := store.Upload(ctx, intruder, []models.Conversation{hijack})
	if !errors.Is(err, ErrOwnedByOtherUser) {
		t.Fatalf("expected ErrOwnedByOtherUser, got %v", err)
	}

	if n := count(t, database, "SELECT user_id FROM conversations WHERE id = 'shared'"); n != owner {
		t.Errorf("ownership changed to %d", n)
	}
	if n := count(t, database, "SELECT COUNT(*) FROM messages WHERE conversation_id = 'shared'"); n != 2 {
		t.Errorf("expected owner's 2 messages, found %d", n)
	}
}

func TestDeleteConversation(t *testing.T) {
	store, database := newTestStore(t)
	ctx := context.Background()
	userID := createUser(t, database, "maria")

	if _, err := store.Upload(ctx, userID, []models.Conversation{sampleConversation("c1")}); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	deleted, err := store.DeleteConversation(ctx, "c1", userID)
	if err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	if deleted != 2 {
		t.Errorf("expected 2 deleted messages, got %d", deleted)
	}
	if n := count(t, database, "SELECT COUNT(*) FROM conversations WHERE id = 'c1'"); n != 0 {
		t.Error("conversation still present")
	}
	if n := count(t, database, "SELECT COUNT(*) FROM messages WHERE conversation_id = 'c1'"); n != 0 {
		t.Error("messages still present")
	}

	if _, err := store.DeleteConversation(ctx, "c1", userID); !errors.Is(err, ErrNotOwner) {
		t.Errorf("expected ErrNotOwner for missing conversation, got %v", err)
	}
}

func TestDeleteConversationOfAnotherUserChangesNothing(t *testing.T) {
	store, database := newTestStore(t)
	ctx := context.Background()
	owner := createUser(t, database, "maria")
	other := createUser(t, database, "joao")

	if _, err := store.Upload(ctx, owner, []models.Conversation{sampleConversation("c1")}); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if _, err := store.DeleteConversation(ctx, "c1", other); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if n := count(t, database, "SELECT COUNT(*) FROM messages WHERE conversation_id = 'c1'"); n != 2 {
		t.Errorf("messages were touched: %d left", n)
	}
	if n := count(t, database, "SELECT COUNT(*) FROM conversations WHERE id = 'c1'"); n != 1 {
		t.Error("conversation was deleted")
	}
}

func TestDeleteMessageRefreshesSummary(t *testing.T) {
	store, database := newTestStore(t)
	ctx := context.Background()
	userID := createUser(t, database, "maria")
	other := createUser(t, database, "joao")

	if _, err := store.Upload(ctx, userID, []models.Conversation{sampleConversation("c1")}); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	msgs, err := store.Messages(ctx, "c1")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	last := msgs[len(msgs)-1]

	if err := store.DeleteMessage(ctx, last.ID, "c1", other); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := store.DeleteMessage(ctx, 9999, "c1", userID); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
	if err := store.DeleteMessage(ctx, last.ID, "c1", userID); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}

	convs, err := store.ListConversations(ctx, userID, 10, 0)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	c := convs[0]
	if c.MessageCount != 1 || c.LastMessage != "Oi" {
		t.Errorf("summary not refreshed: count=%d last=%q", c.MessageCount, c.LastMessage)
	}
	if c.LastTimestamp == nil || !c.LastTimestamp.Equal(at(10, 15)) {
		t.Errorf("unexpected last timestamp %v", c.LastTimestamp)
	}

	if err := store.DeleteMessage(ctx, c.Messages[0].ID, "c1", userID); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	convs, _ = store.ListConversations(ctx, userID, 10, 0)
	if convs[0].MessageCount != 0 || convs[0].LastMessage != "" || convs[0].LastTimestamp != nil {
		t.Errorf("empty conversation summary not cleared: %+v", convs[0])
	}
}

func TestClearData(t *testing.T) {
	store, database := newTestStore(t)
	ctx := context.Background()
	userID := createUser(t, database, "maria")
	other := createUser(t, database, "joao")

	if _, err := store.Upload(ctx, userID, []models.Conversation{sampleConversation("a"), sampleConversation("b")}); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if _, err := store.Upload(ctx, other, []models.Conversation{sampleConversation("c")}); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	convs, msgs, err := store.ClearData(ctx, userID)
	if err != nil {
		t.Fatalf("ClearData: %v", err)
	}
	if convs != 2 || msgs != 4 {
		t.Errorf("expected 2 conversations and 4 messages, got %d and %d", convs, msgs)
	}
	if total, _ := store.CountConversations(ctx, userID); total != 0 {
		t.Errorf("user still has %d conversations", total)
	}
	if total, _ := store.CountConversations(ctx, other); total != 1 {
		t.Errorf("other user's data was touched: %d", total)
	}
}

func TestListPaginationAndSearch(t *testing.T) {
	store, database := newTestStore(t)
	ctx := context.Background()
	userID := createUser(t, database, "maria")

	batch := []models.Conversation{
		{ID: "1", Title: "Família", Messages: []models.Message{{Timestamp: at(8, 0), Sender: "Mãe", Content: "a"}}},
		{ID: "2", Title: "Trabalho", Messages: []models.Message{{Timestamp: at(8, 0), Sender: "Chefe", Content: "b"}}},
		{ID: "3", Title: "100%_real", Messages: []models.Message{{Timestamp: at(8, 0), Sender: "X", Content: "c"}}},
	}
	if _, err := store.Upload(ctx, userID, batch); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	page, err := store.ListConversations(ctx, userID, 2, 0)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected page of 2, got %d", len(page))
	}
	rest, _ := store.ListConversations(ctx, userID, 2, 2)
	if len(rest) != 1 {
		t.Fatalf("expected 1 remaining, got %d", len(rest))
	}

	found, err := store.SearchConversations(ctx, userID, "TRAB")
	if err != nil {
		t.Fatalf("SearchConversations: %v", err)
	}
	if len(found) != 1 || found[0].ID != "2" {
		t.Errorf("unexpected search result %+v", found)
	}

	found, _ = store.SearchConversations(ctx, userID, "%_")
	if len(found) != 1 || found[0].ID != "3" {
		t.Errorf("wildcards should match literally, got %+v", found)
	}

	other := createUser(t, database, "joao")
	if found, _ := store.SearchConversations(ctx, other, "trab"); len(found) != 0 {
		t.Errorf("search leaked another user's conversations")
	}

	if total, _ := store.CountConversations(ctx, userID); total != 3 {
		t.Errorf("expected total 3, got %d", total)
	}
}

func TestClampPage(t *testing.T) {
	tests := []struct {
		limit, offset         int
		wantLimit, wantOffset int
	}{
		{0, 0, DefaultListLimit, 0},
		{-5, -1, DefaultListLimit, 0},
		{10, 20, 10, 20},
		{10000, 0, MaxListLimit, 0},
	}
	for _, tt := range tests {
		limit, offset := clampPage(tt.limit, tt.offset)
		if limit != tt.wantLimit || offset != tt.wantOffset {
			t.Errorf("clampPage(%d, %d) = %d, %d", tt.limit, tt.offset, limit, offset)
		}
	}
}

func TestAdminMetrics(t *testing.T) {
	store, database := newTestStore(t)
	ctx := context.Background()
	busy := createUser(t, database, "maria")
	createUser(t, database, "joao")

	now := time.Date(2024, 3, 20, 15, 0, 0, 0, time.UTC)
	conv := models.Conversation{ID: "c1", Messages: []models.Message{
		{Timestamp: now.Add(-time.Hour), Sender: "A", Content: "1"},
		{Timestamp: now.Add(-25 * time.Hour), Sender: "A", Content: "2"},
		{Timestamp: now.AddDate(0, 0, -10), Sender: "A", Content: "3"},
		{Timestamp: now.AddDate(0, 0, -30), Sender: "A", Content: "4"},
	}}
	if _, err := store.Upload(ctx, busy, []models.Conversation{conv}); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	m, err := store.AdminMetrics(ctx, now)
	if err != nil {
		t.Fatalf("AdminMetrics: %v", err)
	}
	if m.Totals.Users != 2 || m.Totals.Conversations != 1 || m.Totals.Messages != 4 {
		t.Errorf("unexpected totals %+v", m.Totals)
	}
	if m.Totals.AvgMsgsPerConv != 4 {
		t.Errorf("expected avg 4, got %v", m.Totals.AvgMsgsPerConv)
	}

	if len(m.Timeseries) != 14 {
		t.Fatalf("expected 14 days, got %d", len(m.Timeseries))
	}
	if m.Timeseries[13].Date != "2024-03-20" || m.Timeseries[13].Count != 1 {
		t.Errorf("unexpected today bucket %+v", m.Timeseries[13])
	}
	if m.Timeseries[12].Count != 1 || m.Timeseries[3].Count != 1 {
		t.Errorf("unexpected buckets %+v", m.Timeseries)
	}
	var sum int64
	for _, d := range m.Timeseries {
		sum += d.Count
	}
	if sum != 3 {
		t.Errorf("messages older than 14 days leaked into the series: %d", sum)
	}

	if len(m.PerUser) != 2 {
		t.Fatalf("expected 2 users, got %d", len(m.PerUser))
	}
	top := m.PerUser[0]
	if top.UserID != busy || top.Messages != 4 || top.Conversations != 1 || top.Last7DaysMessages != 2 {
		t.Errorf("unexpected top user %+v", top)
	}
	if top.LastMessageAt == nil || !top.LastMessageAt.Equal(now.Add(-time.Hour)) {
		t.Errorf("unexpected lastMessageAt %v", top.LastMessageAt)
	}
	if m.PerUser[1].Messages != 0 || m.PerUser[1].LastMessageAt != nil {
		t.Errorf("idle user should have no activity: %+v", m.PerUser[1])
	}
}

func TestSummary(t *testing.T) {
	store, database := newTestStore(t)
	ctx := context.Background()
	userID := createUser(t, database, "maria")

	now := time.Date(2024, 3, 20, 15, 0, 0, 0, time.UTC)
	conv := models.Conversation{ID: "c1", Messages: []models.Message{
		{Timestamp: now.Add(-time.Hour), Sender: "A", Content: "1"},
		{Timestamp: now.Add(-48 * time.Hour), Sender: "A", Content: "2"},
	}}
	if _, err := store.Upload(ctx, userID, []models.Conversation{conv}); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	sum, err := store.Summary(ctx, now)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Users != 1 || sum.Conversations != 1 || sum.Messages != 2 || sum.MessagesLast24h != 1 {
		t.Errorf("unexpected summary %+v", sum)
	}
	if sum.LatestMessageAt == nil || !sum.LatestMessageAt.Equal(now.Add(-time.Hour)) {
		t.Errorf("unexpected latest message %v", sum.LatestMessageAt)
	}
}

func TestRefreshSummaries(t *testing.T) {
	store, database := newTestStore(t)
	ctx := context.Background()
	userID := createUser(t, database, "maria")

	if _, err := store.Upload(ctx, userID, []models.Conversation{sampleConversation("c1"), sampleConversation("c2")}); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if _, err := database.GetConn().Exec("UPDATE conversations SET message_count = 7, last_message = 'stale' WHERE id = 'c2'"); err != nil {
		t.Fatalf("failed to corrupt summary: %v", err)
	}

	n, err := store.RefreshSummaries(ctx, true)
	if err != nil || n != 1 {
		t.Fatalf("dry run: n=%d err=%v", n, err)
	}
	if got := count(t, database, "SELECT message_count FROM conversations WHERE id = 'c2'"); got != 7 {
		t.Fatalf("dry run modified data")
	}

	n, err = store.RefreshSummaries(ctx, false)
	if err != nil || n != 1 {
		t.Fatalf("refresh: n=%d err=%v", n, err)
	}
	if got := count(t, database, "SELECT message_count FROM conversations WHERE id = 'c2'"); got != 2 {
		t.Errorf("expected message_count 2, got %d", got)
	}
	if n, _ := store.RefreshSummaries(ctx, false); n != 0 {
		t.Errorf("second refresh should find nothing, got %d", n)
	}
}

func TestLargeUploadIsBatched(t *testing.T) {
	store, database := newTestStore(t)
	ctx := context.Background()
	userID := createUser(t, database, "maria")

	conv := models.Conversation{ID: "big"}
	base := at(0, 0)
	for i := 0; i < insertBatchSize*2+17; i++ {
		conv.Messages = append(conv.Messages, models.Message{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Sender:    "Maria",
			Content:   "msg",
		})
	}
	if _, err := store.Upload(ctx, userID, []models.Conversation{conv}); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if n := count(t, database, "SELECT COUNT(*) FROM messages WHERE conversation_id = 'big'"); n != int64(insertBatchSize*2+17) {
		t.Errorf("expected %d messages, got %d", insertBatchSize*2+17, n)
	}
}

func TestPreview(t *testing.T) {
	short := "curta"
	if got := Preview(short); got != short {
		t.Errorf("Preview(%q) = %q", short, got)
	}
	long := strings.Repeat("ã", 60)
	got := Preview(long)
	if got != strings.Repeat("ã", 50)+"..." {
		t.Errorf("unexpected preview %q", got)
	}
}

func TestSummarizeTitle(t *testing.T) {
	tests := []struct {
		name         string
		participants []string
		want         string
	}{
		{"single contact", []string{"Você", "Maria"}, "Maria"},
		{"group", []string{"Maria", "You", "João", "Ana"}, "Maria +2 outros"},
		{"only self", []string{"Você"}, "Conversa abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv := models.Conversation{ID: "abc", Participants: tt.participants}
			Summarize(&conv)
			if conv.Title != tt.want {
				t.Errorf("got %q, want %q", conv.Title, tt.want)
			}
		})
	}
}
