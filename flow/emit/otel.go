package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by creating OpenTelemetry spans.
//
// Each event becomes a span with:
//   - Span name: the event type (e.g., "step_started", "step_completed")
//   - Attributes: workflow ID, node ID, and all event Data fields
//   - Status: set to error when the event carries an "error" field
//
// Spans are created and ended immediately: engine events represent
// points in time, not durations. Batch span processors on the tracer
// provider handle efficient export.
//
// Usage:
//
//	tracer := otel.Tracer("beamflow")
//	bus.Attach(emit.NewOTelEmitter(tracer))
//
// Setting up a tracer provider (application code):
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	otel.SetTracerProvider(tp)
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates a new OTelEmitter.
//
// The tracer typically comes from otel.Tracer("beamflow").
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates an OpenTelemetry span for the event.
func (o *OTelEmitter) Emit(event Event) {
	if o.tracer == nil {
		return
	}

	_, span := o.tracer.Start(context.Background(), string(event.Type))
	defer span.End()

	o.addAttributes(span, event)

	if errStr, ok := event.Data["error"].(string); ok {
		span.SetStatus(codes.Error, errStr)
		span.RecordError(fmt.Errorf("%s", errStr))
	}
}

// addAttributes sets the standard and payload attributes on a span.
func (o *OTelEmitter) addAttributes(span trace.Span, event Event) {
	span.SetAttributes(
		attribute.String("beamflow.event_id", event.ID),
		attribute.String("beamflow.workflow_id", event.WorkflowID),
		attribute.String("beamflow.event_type", string(event.Type)),
	)
	if event.NodeID != "" {
		span.SetAttributes(attribute.String("beamflow.node_id", event.NodeID))
	}

	for key, value := range event.Data {
		attrKey := "beamflow.data." + key
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		default:
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}
}
