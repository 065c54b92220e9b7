package events

import (
	"time"
)

type EventType string

const (
	RunStarted     EventType = "run.started"
	RunCompleted   EventType = "run.completed"
	StageStarted   EventType = "stage.started"
	StageCompleted EventType = "stage.completed"
	StageFailed    EventType = "stage.failed"
	StageSkipped   EventType = "stage.skipped"
	ImageBuilt     EventType = "image.built"
	ImagePushed    EventType = "image.pushed"
	DeployComplete EventType = "deploy.completed"
	VerifyFailed   EventType = "verify.failed"
)

type Event struct {
	ID        string        `json:"id"`
	Type      EventType     `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	RunID     string        `json:"run_id,omitempty"`
	Stage     string        `json:"stage,omitempty"`
	Commit    string        `json:"commit,omitempty"`
	Branch    string        `json:"branch,omitempty"`
	Tags      []string      `json:"tags,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Data      interface{}   `json:"data,omitempty"`
}

type EventHandler interface {
	Handle(event Event) error
	CanHandle(eventType EventType) bool
}

type EventBus interface {
	Publish(event Event) error
	Subscribe(handler EventHandler) error
	Unsubscribe(handler EventHandler) error
	Start() error
	Stop() error
}
