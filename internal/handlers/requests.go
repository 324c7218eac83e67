package handlers

import "github.com/talka/historico/internal/models"

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type CreateUserRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	UserType string `json:"user_type"`
}

type DeleteUserRequest struct {
	ID int64 `json:"id" binding:"required,gt=0"`
}

type UpdateStatusRequest struct {
	UserID int64  `json:"userId" binding:"required,gt=0"`
	Status string `json:"status" binding:"required"`
}

type UpdatePasswordRequest struct {
	UserID      int64  `json:"userId" binding:"required,gt=0"`
	NewPassword string `json:"newPassword" binding:"required"`
}

type DeleteConversationRequest struct {
	ConversationID string `json:"conversationId" binding:"required"`
	UserID         int64  `json:"userId" binding:"required,gt=0"`
}

type UploadConversationsRequest struct {
	Conversations []models.Conversation `json:"conversations" binding:"required,min=1"`
	UserID        int64                 `json:"userId" binding:"required,gt=0"`
}

type DeleteMessageRequest struct {
	MessageID      int64  `json:"messageId" binding:"required,gt=0"`
	ConversationID string `json:"conversationId" binding:"required"`
	UserID         int64  `json:"userId" binding:"required,gt=0"`
}

type ClearDataRequest struct {
	UserID int64 `json:"userId" binding:"required,gt=0"`
}

type UserResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	UserType string `json:"user_type"`
	IsAdmin  bool   `json:"isAdmin"`
}

type LoginResponse struct {
	User  UserResponse `json:"user"`
	Token string       `json:"token"`
}
