package examtimer

import "encoding/json"

// MessageType names an inbound command.
type MessageType string

const (
	StartTimer  MessageType = "START_TIMER"
	PauseTimer  MessageType = "PAUSE_TIMER"
	ResumeTimer MessageType = "RESUME_TIMER"
	SyncTimer   MessageType = "SYNC_TIMER"
	StopTimer   MessageType = "STOP_TIMER"
	GetStatus   MessageType = "GET_STATUS"
)

// EventType names an outbound event.
type EventType string

const (
	TimerUpdate   EventType = "TIMER_UPDATE"
	TimerFinished EventType = "TIMER_FINISHED"
	TimerSynced   EventType = "TIMER_SYNCED"
	TimerStatus   EventType = "TIMER_STATUS"
	WorkerReady   EventType = "WORKER_READY"
	TimerError    EventType = "ERROR"
)

type Message struct {
	Type    MessageType     `json:"type" validate:"required,oneof=START_TIMER PAUSE_TIMER RESUME_TIMER SYNC_TIMER STOP_TIMER GET_STATUS"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Event struct {
	Type    EventType   `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// Emitter receives the events of a timer.
// Emit is only called from the timer loop, one event at a time, and must not block.
type Emitter interface {
	Emit(evt Event)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(evt Event)

func (f EmitterFunc) Emit(evt Event) {
	f(evt)
}

type (
	UpdatePayload struct {
		TimeRemaining int64  `json:"time_remaining"`
		Elapsed       int64  `json:"elapsed"`
		TestID        string `json:"test_id"`
	}

	FinishedPayload struct {
		TestID string `json:"test_id"`
	}

	SyncedPayload struct {
		Drift         float64 `json:"drift"`
		CorrectedTime int64   `json:"corrected_time"`
		SyncTime      int64   `json:"sync_time"`
	}

	MessagePayload struct {
		Message string `json:"message"`
	}
)

// StartParams is also the payload of START_TIMER.
// StartTime and EndTime are epoch milliseconds; both are optional.
type StartParams struct {
	Duration  int64  `json:"duration"`
	StartTime *int64 `json:"start_time,omitempty"`
	EndTime   *int64 `json:"end_time,omitempty"`
	TestID    string `json:"test_id"`
}

// SyncParams is also the payload of SYNC_TIMER.
type SyncParams struct {
	RemainingSeconds float64 `json:"remaining_seconds"`
	ServerTime       int64   `json:"server_time"`
}

type SyncResult struct {
	Applied       bool    `json:"applied"`
	Drift         float64 `json:"drift"`
	CorrectedTime int64   `json:"corrected_time"`
}

// Session is the state of one countdown.
//
// While not paused: EndTime == StartTime + DurationSeconds*1000 + DriftCorrectionMs.
type Session struct {
	TestID            string `json:"test_id"`
	StartTime         int64  `json:"start_time"`
	EndTime           int64  `json:"end_time"`
	DurationSeconds   int64  `json:"duration_seconds"`
	Paused            bool   `json:"paused"`
	DriftCorrectionMs int64  `json:"drift_correction_ms"`
}

func (s *Session) syncEndTime() {
	s.EndTime = s.StartTime + s.DurationSeconds*1000 + s.DriftCorrectionMs
}

// Status is a point-in-time snapshot of a timer. Remaining and elapsed are whole seconds.
type Status struct {
	TestID            string `json:"test_id"`
	TimeRemaining     int64  `json:"time_remaining"`
	Elapsed           int64  `json:"elapsed"`
	Paused            bool   `json:"paused"`
	Running           bool   `json:"running"`
	Finished          bool   `json:"finished"`
	DriftCorrectionMs int64  `json:"drift_correction_ms"`
	StartTime         int64  `json:"start_time"`
	EndTime           int64  `json:"end_time"`
	DurationSeconds   int64  `json:"duration_seconds"`
}
