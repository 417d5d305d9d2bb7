package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogEmitter implements Emitter by writing structured log output to a
// writer.
//
// Supports two output modes:
//   - Text mode (default): Human-readable format with key=value pairs
//   - JSON mode: Machine-readable JSON format, one event per line
//
// Example text output:
//
//	[step_started] workflow=wf-1 node=validate
//
// Example JSON output:
//
//	{"id":"...","workflow_id":"wf-1","event_type":"step_started","node_id":"validate","timestamp":"..."}
//
// Usage:
//
//	// Text output to stdout
//	bus.Attach(emit.NewLogEmitter(os.Stdout, false))
//
//	// JSON output to file
//	f, _ := os.Create("events.jsonl")
//	defer f.Close()
//	bus.Attach(emit.NewLogEmitter(f, true))
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a new LogEmitter.
//
// Parameters:
//   - writer: Where to write the log output (e.g., os.Stdout, file)
//   - jsonMode: If true, emit JSONL; if false, emit text format
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{
		writer:   writer,
		jsonMode: jsonMode,
	}
}

// Emit writes an event to the configured writer.
//
// Write errors are swallowed: logging is best-effort and must never
// interfere with workflow execution.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

// emitJSON writes the event as a single JSON line.
func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	fmt.Fprintf(l.writer, "%s\n", data)
}

// emitText writes the event as a human-readable line.
func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "[%s] workflow=%s", event.Type, event.WorkflowID)

	if event.NodeID != "" {
		fmt.Fprintf(l.writer, " node=%s", event.NodeID)
	}

	if len(event.Data) > 0 {
		if dataJSON, err := json.Marshal(event.Data); err == nil {
			fmt.Fprintf(l.writer, " data=%s", dataJSON)
		} else {
			fmt.Fprintf(l.writer, " data=%v", event.Data)
		}
	}

	fmt.Fprint(l.writer, "\n")
}
