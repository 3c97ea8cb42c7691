package orchestrator

import (
	"sync"
	"time"
)

// Event is one streamed pipeline progress notification.
type Event struct {
	Event     string `json:"event"`
	Sequence  int64  `json:"sequence"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
}

// Event type names.
const (
	EventPipelineStart    = "pipeline_start"
	EventStageStart       = "stage_start"
	EventModelResponse    = "model_response"
	EventStageComplete    = "stage_complete"
	EventSynthesisChunk   = "synthesis_chunk"
	EventPipelineComplete = "pipeline_complete"
	EventPipelineError    = "pipeline_error"
)

// EventSink receives emitted events. A returned error (client gone) stops
// further emission.
type EventSink func(Event) error

// emitter assigns strictly increasing sequence numbers starting at 1 and
// serializes concurrent emits (fan-out goroutines report completions from
// many goroutines at once).
type emitter struct {
	mu   sync.Mutex
	seq  int64
	sink EventSink
	dead bool
}

func newEmitter(sink EventSink) *emitter {
	return &emitter{sink: sink}
}

// emit sends one event. Nil emitters and dead sinks are no-ops, so the
// pipeline code emits unconditionally.
func (e *emitter) emit(event string, data any) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return
	}
	e.seq++
	ev := Event{
		Event:     event,
		Sequence:  e.seq,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Data:      data,
	}
	if err := e.sink(ev); err != nil {
		e.dead = true
	}
}

// modelResponseData is the payload of a model_response event.
type modelResponseData struct {
	Stage      StageKind `json:"stage"`
	Model      string    `json:"model"`
	OK         bool      `json:"ok"`
	TextLength int       `json:"text_length,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
}

type stageCompleteData struct {
	Stage            StageKind     `json:"stage"`
	SuccessfulModels []string      `json:"successful_models"`
	FailedModels     []FailedModel `json:"failed_models"`
}
