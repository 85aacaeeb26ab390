package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType identifies event stream payload variants.
type MessageType string

const (
	TypeExecutionOutput     MessageType = "execution_output"
	TypeExecutionCompleted  MessageType = "execution_completed"
	TypeExecutionFailed     MessageType = "execution_failed"
	TypeTaskCreated         MessageType = "task_created"
	TypeTaskUpdated         MessageType = "task_updated"
	TypeTaskDeleted         MessageType = "task_deleted"
	TypeSubscriptionWarning MessageType = "subscription_warning"
	TypePing                MessageType = "ping"
	TypePong                MessageType = "pong"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ExecutionOutput struct {
	Type       MessageType `json:"type"`
	TaskID     string      `json:"task_id"`
	SessionID  string      `json:"session_id"`
	Chunk      string      `json:"chunk"`
	OutputType string      `json:"output_type"`
	Timestamp  time.Time   `json:"timestamp"`
}

type ExecutionCompleted struct {
	Type      MessageType `json:"type"`
	TaskID    string      `json:"task_id"`
	SessionID string      `json:"session_id"`
	Output    string      `json:"output,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

type ExecutionFailed struct {
	Type      MessageType `json:"type"`
	TaskID    string      `json:"task_id"`
	SessionID string      `json:"session_id"`
	Error     string      `json:"error"`
	Output    string      `json:"output,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// TaskChanged covers task_created, task_updated and task_deleted. The task
// payload stays raw so this package does not depend on the engine types.
type TaskChanged struct {
	Type      MessageType     `json:"type"`
	TaskID    string          `json:"task_id"`
	Task      json.RawMessage `json:"task,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Warning describes an advisory condition detected on an execution session,
// such as a rate limit or an authentication problem on the supervised CLI.
type Warning struct {
	Kind            string   `json:"type"`
	Title           string   `json:"title"`
	Message         string   `json:"message"`
	Recommendations []string `json:"recommendations"`
}

type SubscriptionWarning struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Warning   Warning     `json:"warning"`
	Timestamp time.Time   `json:"timestamp"`
}

type Ping struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

type Pong struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// Decode parses a raw stream message into its concrete struct.
func Decode(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeExecutionOutput:
		var msg ExecutionOutput
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Chunk == "" {
			return nil, errors.New("invalid execution_output")
		}
		return msg, nil
	case TypeExecutionCompleted:
		var msg ExecutionCompleted
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeExecutionFailed:
		var msg ExecutionFailed
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeTaskCreated, TypeTaskUpdated, TypeTaskDeleted:
		var msg TaskChanged
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.TaskID == "" {
			return nil, errors.New("invalid task event")
		}
		return msg, nil
	case TypeSubscriptionWarning:
		var msg SubscriptionWarning
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypePing:
		var msg Ping
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypePong:
		var msg Pong
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
