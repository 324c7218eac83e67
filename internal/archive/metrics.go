package archive

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/talka/historico/internal/db"
)

const (
	timeseriesDays = 14
	perUserLimit   = 20
)

type Totals struct {
	Users          int64   `json:"users"`
	Conversations  int64   `json:"conversations"`
	Messages       int64   `json:"messages"`
	AvgMsgsPerConv float64 `json:"avgMsgsPerConv"`
}

type DayCount struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

type UserActivity struct {
	UserID            int64      `json:"user_id"`
	Username          string     `json:"username"`
	Status            string     `json:"status"`
	UserType          string     `json:"user_type"`
	Conversations     int64      `json:"conversations"`
	Messages          int64      `json:"messages"`
	LastMessageAt     *time.Time `json:"lastMessageAt"`
	Last7DaysMessages int64      `json:"last7DaysMessages"`
}

type Metrics struct {
	Totals      Totals         `json:"totals"`
	Timeseries  []DayCount     `json:"timeseries"`
	PerUser     []UserActivity `json:"perUser"`
	GeneratedAt time.Time      `json:"generatedAt"`
}

// AdminMetrics aggregates archive-wide usage as of now: totals, messages per
// day for the last 14 days and the 20 most active users.
func (s *Store) AdminMetrics(ctx context.Context, now time.Time) (*Metrics, error) {
	now = db.Normalize(now)
	m := &Metrics{GeneratedAt: now}

	totals, err := s.totals(ctx)
	if err != nil {
		return nil, err
	}
	m.Totals = *totals

	if m.Timeseries, err = s.timeseries(ctx, now); err != nil {
		return nil, err
	}
	if m.PerUser, err = s.perUser(ctx, now); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) totals(ctx context.Context) (*Totals, error) {
	var t Totals
	err := s.conn.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM conversations),
			(SELECT COUNT(*) FROM messages)
	`).Scan(&t.Users, &t.Conversations, &t.Messages)
	if err != nil {
		return nil, fmt.Errorf("failed to load totals: %w", err)
	}
	if t.Conversations > 0 {
		t.AvgMsgsPerConv = math.Round(float64(t.Messages)/float64(t.Conversations)*100) / 100
	}
	return &t, nil
}

func (s *Store) timeseries(ctx context.Context, now time.Time) ([]DayCount, error) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	since := today.AddDate(0, 0, -(timeseriesDays - 1))

	day := s.db.DayExpr("sent_at")
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+day+`, COUNT(*)
		FROM messages
		WHERE sent_at >= $1
		GROUP BY `+day+`
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load timeseries: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var date string
		var count int64
		if err := rows.Scan(&date, &count); err != nil {
			return nil, fmt.Errorf("failed to scan timeseries: %w", err)
		}
		counts[date] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load timeseries: %w", err)
	}

	series := make([]DayCount, 0, timeseriesDays)
	for d := since; !d.After(today); d = d.AddDate(0, 0, 1) {
		key := d.Format("2006-01-02")
		series = append(series, DayCount{Date: key, Count: counts[key]})
	}
	return series, nil
}

func (s *Store) perUser(ctx context.Context, now time.Time) ([]UserActivity, error) {
	weekAgo := now.AddDate(0, 0, -7)

	rows, err := s.conn.QueryContext(ctx, `
		SELECT u.id, u.username, u.status, u.user_type,
			COUNT(DISTINCT c.id) AS conv_count,
			COUNT(m.id) AS msg_count,
			MAX(m.sent_at) AS last_message_at,
			COALESCE(SUM(CASE WHEN m.sent_at >= $1 THEN 1 ELSE 0 END), 0) AS recent_count
		FROM users u
		LEFT JOIN conversations c ON c.user_id = u.id
		LEFT JOIN messages m ON m.conversation_id = c.id
		GROUP BY u.id, u.username, u.status, u.user_type
		ORDER BY msg_count DESC, u.id ASC
		LIMIT $2
	`, weekAgo, perUserLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load per-user activity: %w", err)
	}
	defer rows.Close()

	activity := make([]UserActivity, 0)
	for rows.Next() {
		var a UserActivity
		var last sql.NullString
		if err := rows.Scan(&a.UserID, &a.Username, &a.Status, &a.UserType,
			&a.Conversations, &a.Messages, &last, &a.Last7DaysMessages); err != nil {
			return nil, fmt.Errorf("failed to scan per-user activity: %w", err)
		}
		if last.Valid && last.String != "" {
			if ts, err := db.ParseTimestamp(last.String); err == nil {
				a.LastMessageAt = &ts
			}
		}
		activity = append(activity, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load per-user activity: %w", err)
	}
	return activity, nil
}

// Summary is the operational snapshot printed by the status command.
type Summary struct {
	Users           int64
	Conversations   int64
	Messages        int64
	MessagesLast24h int64
	LatestMessageAt *time.Time
}

func (s *Store) Summary(ctx context.Context, now time.Time) (*Summary, error) {
	totals, err := s.totals(ctx)
	if err != nil {
		return nil, err
	}

	sum := &Summary{Users: totals.Users, Conversations: totals.Conversations, Messages: totals.Messages}

	var latest sql.NullString
	err = s.conn.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM messages WHERE sent_at >= $1),
			(SELECT MAX(sent_at) FROM messages)
	`, db.Normalize(now.Add(-24*time.Hour))).Scan(&sum.MessagesLast24h, &latest)
	if err != nil {
		return nil, fmt.Errorf("failed to load message activity: %w", err)
	}
	if latest.Valid && latest.String != "" {
		if ts, err := db.ParseTimestamp(latest.String); err == nil {
			sum.LatestMessageAt = &ts
		}
	}
	return sum, nil
}
