package hub

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/ent0n29/versecraft/internal/tasks"
)

type EventType string

const (
	EventConnected    EventType = "connected"
	EventStatus       EventType = "status"
	EventStepStart    EventType = "step_start"
	EventStepComplete EventType = "step_complete"
	EventCompleted    EventType = "completed"
	EventError        EventType = "error"
	EventHeartbeat    EventType = "heartbeat"
)

// Payload is the data carried by every stream event.
type Payload struct {
	TaskID       string           `json:"task_id"`
	Status       tasks.Status     `json:"status"`
	Progress     int              `json:"progress"`
	CurrentStep  string           `json:"current_step"`
	StepStates   tasks.StepStates `json:"step_states"`
	StepProgress map[string]int   `json:"step_progress"`
	Message      string           `json:"message"`
	Timestamp    float64          `json:"timestamp"`
}

type Event struct {
	Type EventType `json:"event"`
	Data Payload   `json:"data"`
}

func newEvent(typ EventType, task tasks.Task, now time.Time) Event {
	states := task.StepStates
	if states == nil {
		states = tasks.StepStates{}
	}
	progress := task.StepProgress
	if progress == nil {
		progress = map[string]int{}
	}
	return Event{
		Type: typ,
		Data: Payload{
			TaskID:       task.ID,
			Status:       task.Status,
			Progress:     task.Progress,
			CurrentStep:  task.CurrentStep,
			StepStates:   states,
			StepProgress: progress,
			Message:      task.Message,
			Timestamp:    unixSeconds(now),
		},
	}
}

func errorEvent(taskID, message string, now time.Time) Event {
	return Event{
		Type: EventError,
		Data: Payload{
			TaskID:       taskID,
			StepStates:   tasks.StepStates{},
			StepProgress: map[string]int{},
			Message:      message,
			Timestamp:    unixSeconds(now),
		},
	}
}

// Derive returns the events implied by moving from prev to next, in
// emission order. A step change yields step_start and a newly completed
// step yields step_complete; anything else is reported as status. Terminal
// snapshots always end with status followed by the terminal event.
func Derive(prev, next tasks.Task, now time.Time) []Event {
	var out []Event
	for _, e := range next.StepStates {
		if e.State != tasks.StepCompleted {
			continue
		}
		if before, _ := prev.StepStates.Get(e.Name); before != tasks.StepCompleted {
			out = append(out, newEvent(EventStepComplete, next, now))
		}
	}
	if next.CurrentStep != "" && next.CurrentStep != prev.CurrentStep {
		out = append(out, newEvent(EventStepStart, next, now))
	}
	if next.Terminal() {
		return append(out, newEvent(EventStatus, next, now), terminalEvent(next, now))
	}
	if len(out) == 0 {
		out = append(out, newEvent(EventStatus, next, now))
	}
	return out
}

func terminalEvent(task tasks.Task, now time.Time) Event {
	if task.Status == tasks.StatusFailed {
		return newEvent(EventError, task, now)
	}
	return newEvent(EventCompleted, task, now)
}

// WriteSSE writes ev as one Server-Sent Events message.
func WriteSSE(w io.Writer, ev Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

func unixSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}
