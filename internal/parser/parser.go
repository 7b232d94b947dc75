// Package parser holds the line/chunk-oriented parsers that run over a
// session's ANSI-stripped text stream: the structured-message parser, the
// idle-signal detector, the completion-phrase detector, the status-block
// parser, the todo-line detector, the background-tool detector, and the
// text-command/log-path fallbacks. Grounded on wingedpig-trellis's
// claude-manager.go (structured-message shape) and schmux's
// internal-session-tracker.go (debounce/boundary-safety idioms).
package parser

import "time"

// EventType discriminates the events the parser pipeline emits.
type EventType string

const (
	EventMessage            EventType = "message"
	EventIdleSignal          EventType = "idle-signal"
	EventCompletionDetected  EventType = "completion-detected"
	EventStatusBlock         EventType = "status-block"
	EventTodoUpsert          EventType = "todo-upsert"
	EventToolStart           EventType = "tool-start"
	EventToolEnd             EventType = "tool-end"
	EventToolsUpdate         EventType = "tools-update"
)

// Event is one observation emitted by a parser in the pipeline.
type Event struct {
	Type       EventType
	Line       string
	Message    *Message
	Signal     IdleSignalKind
	Phrase     string
	Status     *StatusBlock
	Todo       *TodoUpsert
	Tool       *BackgroundTool
	ObservedAt time.Time
}

// LineParser observes one ANSI-stripped line at a time.
type LineParser interface {
	ObserveLine(line string) []Event
}

// ChunkParser observes raw (pre-line-split) bytes, for parsers whose state
// spans line boundaries. The completion-phrase detector keeps a trailing
// buffer across chunks; StatusBlockParser's ObserveChunk is a no-op, and
// the tool-path detectors are line-based only.
type ChunkParser interface {
	ObserveChunk(chunk []byte) []Event
}

// Pipeline runs every parser over a line in the fixed order named by §4.3:
// structured-message, idle signals, completion-phrase, status-block,
// todo-line, background-tool, text-command/log-path fallback. Earlier
// parsers never swallow input from later ones.
type Pipeline struct {
	Structured   *StructuredMessageParser
	Idle         *IdleSignalDetector
	Completion   *CompletionPhraseDetector
	StatusBlock  *StatusBlockParser
	Todo         *TodoLineDetector
	Tools        *BackgroundToolDetector
	Fallback     *TextCommandFallback
}

// NewPipeline builds a pipeline with every parser in its default
// configuration. workDir is used by the background-tool detector for path
// normalization.
func NewPipeline(workDir, completionPhrase string) *Pipeline {
	dedup := newPathDedup()
	return &Pipeline{
		Structured:  &StructuredMessageParser{},
		Idle:        NewIdleSignalDetector(),
		Completion:  NewCompletionPhraseDetector(completionPhrase),
		StatusBlock: NewStatusBlockParser(),
		Todo:        NewTodoLineDetector(),
		Tools:       NewBackgroundToolDetector(workDir, dedup),
		Fallback:    NewTextCommandFallback(workDir, dedup),
	}
}

// ObserveLine feeds line through every parser in order and returns the
// concatenation of all emitted events.
func (p *Pipeline) ObserveLine(line string) []Event {
	var out []Event
	now := time.Now()
	stamp := func(evs []Event) {
		for i := range evs {
			if evs[i].ObservedAt.IsZero() {
				evs[i].ObservedAt = now
			}
		}
		out = append(out, evs...)
	}
	stamp(p.Structured.ObserveLine(line))
	stamp(p.Idle.ObserveLine(line))
	stamp(p.Completion.ObserveLine(line))
	stamp(p.StatusBlock.ObserveLine(line))
	stamp(p.Todo.ObserveLine(line))
	stamp(p.Tools.ObserveLine(line))
	stamp(p.Fallback.ObserveLine(line))
	return out
}

// ObserveChunk feeds a raw pre-line-split chunk to the parsers whose state
// spans line boundaries. Its completion detector is the one ObserveLine
// also feeds, so text passed through both methods reaches it twice.
func (p *Pipeline) ObserveChunk(chunk []byte) []Event {
	var out []Event
	out = append(out, p.Completion.ObserveChunk(chunk)...)
	out = append(out, p.StatusBlock.ObserveChunk(chunk)...)
	return out
}
