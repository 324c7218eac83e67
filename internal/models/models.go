package models

import "time"

const (
	StatusActive   = "active"
	StatusInactive = "inactive"

	UserTypeAdmin  = "admin"
	UserTypeClient = "client"

	// AdminUsername is always treated as an administrator, whatever its user_type.
	AdminUsername = "admin"
)

type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Status    string    `json:"status"`
	UserType  string    `json:"user_type"`
	CreatedAt time.Time `json:"created_at"`
}

func (u *User) IsAdmin() bool {
	return u.UserType == UserTypeAdmin || u.Username == AdminUsername
}

func (u *User) IsActive() bool {
	return u.Status == StatusActive
}

type Conversation struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Participants  []string   `json:"participants"`
	MessageCount  int        `json:"messageCount"`
	LastMessage   string     `json:"lastMessage"`
	LastTimestamp *time.Time `json:"lastTimestamp,omitempty"`
	UserID        int64      `json:"user_id"`
	CreatedAt     time.Time  `json:"created_at"`
	Messages      []Message  `json:"messages"`
}

type Message struct {
	ID             int64     `json:"id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Sender         string    `json:"sender"`
	Content        string    `json:"content"`
	FromMe         bool      `json:"fromMe"`
}
