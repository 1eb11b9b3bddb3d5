package types

import "time"

type Event struct {
	Type    string         `json:"type"`
	Ts      time.Time      `json:"timestamp"`
	Payload map[string]any `json:"payload,omitempty"`
}

type Lifecycle string

const (
	SessionOpen   Lifecycle = "open"
	SessionClosed Lifecycle = "closed"
)

type Session struct {
	ID        string     `json:"session_id"`
	Turns     []Message  `json:"turns"`
	Lifecycle Lifecycle  `json:"lifecycle"`
	CreatedAt time.Time  `json:"created_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Kind string

const (
	KindText    Kind = "text"
	KindConfirm Kind = "confirm"
	KindError   Kind = "error"
	KindWidget  Kind = "widget"
)

// Message is one transcript entry. Only Streaming may change after it is appended.
type Message struct {
	ID        string          `json:"id"`
	Role      Role            `json:"role"`
	Content   string          `json:"content"`
	CreatedAt time.Time       `json:"created_at"`
	Kind      Kind            `json:"kind"`
	Payload   map[string]any  `json:"payload,omitempty"`
	Confirm   *ConfirmRequest `json:"confirm,omitempty"`
	Streaming bool            `json:"streaming"`
}

// ConfirmRequest is a side-effecting action awaiting explicit user acceptance.
type ConfirmRequest struct {
	ActionName   string         `json:"action_name"`
	ActionData   map[string]any `json:"action_data,omitempty"`
	HumanMessage string         `json:"human_message"`
}
