package events

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// LogHandler emits structured log lines for pipeline lifecycle events.
type LogHandler struct{}

func NewLogHandler() *LogHandler {
	return &LogHandler{}
}

func (h *LogHandler) CanHandle(eventType EventType) bool {
	return true
}

func (h *LogHandler) Handle(event Event) error {
	logger := log.With().
		Str("run_id", event.RunID).
		Str("event", string(event.Type)).
		Logger()

	switch event.Type {
	case RunStarted:
		logger.Info().
			Str("commit", event.Commit).
			Str("branch", event.Branch).
			Msg("Pipeline run started")
	case RunCompleted:
		logger.Info().
			Dur("duration", event.Duration).
			Msg("Pipeline run completed")
	case StageStarted:
		logger.Info().Str("stage", event.Stage).Msg("Stage started")
	case StageCompleted:
		logger.Info().
			Str("stage", event.Stage).
			Dur("duration", event.Duration).
			Msg("Stage completed")
	case StageFailed:
		logger.Error().
			Str("stage", event.Stage).
			Str("reason", event.Reason).
			Dur("duration", event.Duration).
			Msg("Stage failed")
	case StageSkipped:
		logger.Info().
			Str("stage", event.Stage).
			Str("reason", event.Reason).
			Msg("Stage skipped")
	case ImageBuilt:
		logger.Info().Strs("tags", event.Tags).Msg("Image built")
	case ImagePushed:
		logger.Info().Strs("tags", event.Tags).Msg("Image pushed")
	case DeployComplete:
		logger.Info().Msg("Deployment completed")
	case VerifyFailed:
		// Best-effort verification: surfaced as a warning, never an error.
		logger.Warn().Str("reason", event.Reason).Msg("Liveness verification failed")
	default:
		logger.Debug().Msg("Event")
	}

	return nil
}

// SummaryHandler accumulates stage outcomes for the end-of-run report.
type SummaryHandler struct {
	mu     sync.Mutex
	stages []StageOutcome
}

// StageOutcome is one stage's terminal state as seen on the bus.
type StageOutcome struct {
	Stage  string
	Status string
	Reason string
}

func NewSummaryHandler() *SummaryHandler {
	return &SummaryHandler{}
}

func (h *SummaryHandler) CanHandle(eventType EventType) bool {
	switch eventType {
	case StageCompleted, StageFailed, StageSkipped:
		return true
	default:
		return false
	}
}

func (h *SummaryHandler) Handle(event Event) error {
	outcome := StageOutcome{Stage: event.Stage, Reason: event.Reason}

	switch event.Type {
	case StageCompleted:
		outcome.Status = "succeeded"
	case StageFailed:
		outcome.Status = "failed"
	case StageSkipped:
		outcome.Status = "skipped"
	}

	h.mu.Lock()
	h.stages = append(h.stages, outcome)
	h.mu.Unlock()

	return nil
}

// Reset drops the accumulated outcomes so the handler can serve the next
// run.
func (h *SummaryHandler) Reset() {
	h.mu.Lock()
	h.stages = nil
	h.mu.Unlock()
}

// Outcomes returns a copy of the accumulated stage outcomes.
func (h *SummaryHandler) Outcomes() []StageOutcome {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]StageOutcome, len(h.stages))
	copy(out, h.stages)
	return out
}
