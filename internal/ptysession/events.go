package ptysession

import "encoding/json"

// EventType discriminates the events a Session emits, per §4.2.
type EventType string

const (
	EventOutput     EventType = "output"
	EventTerminal   EventType = "terminal"
	EventLine       EventType = "line"
	EventMessage    EventType = "message"
	EventCompletion EventType = "completion"
	EventIdle       EventType = "idle"
	EventWorking    EventType = "working"
	EventAutoClear  EventType = "autoClear"
	EventExit       EventType = "exit"
)

// Event is a single totally-ordered occurrence on a session's event stream.
// Consumers (parsers, the respawn controller, the supervisor's fan-out) all
// read from the same channel, so ordering within one session always matches
// arrival order of the underlying bytes.
type Event struct {
	Type      EventType
	SessionID string
	Raw       []byte         // for Output/Terminal
	Message   *ParsedMessage // for Message
	Text      string         // for Completion, Line
	Cost      float64        // for Completion
	ExitCode  int            // for Exit
}

// ParsedMessageType mirrors the wingedpig-trellis StreamEvent discriminator.
type ParsedMessageType string

const (
	MessageTypeSystem    ParsedMessageType = "system"
	MessageTypeAssistant ParsedMessageType = "assistant"
	MessageTypeUser      ParsedMessageType = "user"
	MessageTypeResult    ParsedMessageType = "result"
)

// ParsedMessage is a tagged union over the four message kinds the structured
// output parser produces. Payload carries the type-specific fields as raw
// JSON so callers that only care about the discriminator never pay to
// unmarshal bodies they don't need.
type ParsedMessage struct {
	Type    ParsedMessageType `json:"type"`
	Payload json.RawMessage   `json:"payload"`
}

// ResultPayload is the payload shape of a "result" message: the terminal
// summary of a one-shot run, carrying token usage and cost (§4.2 token
// accounting, structured-result code path). Mirrors the nesting
// wingedpig-trellis's claude-manager.go parses (message.usage.*, top-level
// total_cost_usd).
type ResultPayload struct {
	Text    string        `json:"result"`
	Cost    float64       `json:"total_cost_usd"`
	Message ResultMessage `json:"message"`
}

type ResultMessage struct {
	Usage ResultUsage `json:"usage"`
}

type ResultUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
