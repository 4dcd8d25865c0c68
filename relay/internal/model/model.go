package model

import (
	"time"
)

// ─────────────────────────────────────────────
// Task State Machine
// ─────────────────────────────────────────────

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusTimedOut  TaskStatus = "TIMED_OUT"
)

// ─────────────────────────────────────────────
// Core Domain Models
// ─────────────────────────────────────────────

// Task is one prompt submitted by a controller.
type Task struct {
	ID          string     `json:"id"`
	Prompt      string     `json:"prompt"`
	Status      TaskStatus `json:"status"`
	URLs        []string   `json:"image_urls,omitempty"`
	Error       string     `json:"error,omitempty"`
	Cached      bool       `json:"cached"`
	SubmittedAt time.Time  `json:"submitted_at"`
	Deadline    time.Time  `json:"deadline"`
	FinishedAt  time.Time  `json:"finished_at,omitempty"`
}

// CacheKey builds the result cache key: "result:{prompt}"
func CacheKey(prompt string) string {
	return "result:" + prompt
}

// ─────────────────────────────────────────────
// WebSocket Protocol Messages
// ─────────────────────────────────────────────

type MsgType string

const (
	// Relay → Agent
	MsgTypeCommand MsgType = "command"

	// Agent → Relay
	MsgTypeScriptReady        MsgType = "scriptReady"
	MsgTypeCollectedImageURLs MsgType = "collectedImageUrls"
	MsgTypeError              MsgType = "error"
)

// Command asks the agent to run a prompt.
type Command struct {
	Type MsgType `json:"type"`
	Text string  `json:"text"`
}

// NewCommand builds a command frame.
func NewCommand(text string) Command {
	return Command{Type: MsgTypeCommand, Text: text}
}

// AgentMessage is any frame sent by the agent. Fields are filled per Type.
type AgentMessage struct {
	Type    MsgType  `json:"type"`
	URL     string   `json:"url,omitempty"`     // scriptReady
	URLs    []string `json:"urls,omitempty"`    // collectedImageUrls
	Message string   `json:"message,omitempty"` // error
}

// ─────────────────────────────────────────────
// SQL Persistence Models (async write)
// ─────────────────────────────────────────────

// TaskLog records every task (one record per task).
type TaskLog struct {
	ID         string     `gorm:"primaryKey" json:"id"`
	Prompt     string     `json:"prompt"`
	Status     TaskStatus `gorm:"index" json:"status"`
	ImageCount int        `json:"image_count"`
	Cached     bool       `json:"cached"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `gorm:"index" json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ─────────────────────────────────────────────
// HTTP Request / Response
// ─────────────────────────────────────────────

// DrawRequest is the inbound draw request.
type DrawRequest struct {
	Command string `json:"command" binding:"required"`
	Force   bool   `json:"force"` // bypass the result cache
}

// DrawResponse mirrors the tool result shape controllers already parse.
type DrawResponse struct {
	Status       string   `json:"status"` // "success" or "error"
	ImageURLs    []string `json:"image_urls,omitempty"`
	Message      string   `json:"message,omitempty"`
	ReceivedURLs []string `json:"received_urls,omitzero"` // timeouts only; renders [] when empty
	TaskID       string   `json:"task_id,omitempty"`
	Cached       bool     `json:"cached,omitempty"`
}

// ConnectionStatus reports the agent link and delivery counters.
type ConnectionStatus struct {
	Connected      bool   `json:"connected"`
	ReceivedImages int    `json:"received_images"`
	Busy           bool   `json:"busy"`
	SurfaceURL     string `json:"surface_url,omitempty"`
}
