// Package otel bridges the observe.Sink to OpenTelemetry tracing, so task
// runs, steps, and tool invocations show up as spans in any OTel-compatible
// backend.
package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/flowforgeHQ/stepflow-go/observe"
)

const instrumentationName = "github.com/flowforgeHQ/stepflow-go"

type Sink struct {
	tracer trace.Tracer
}

// NewSink creates an OTel sink from the given TracerProvider. A nil
// provider yields a noop tracer.
func NewSink(tp trace.TracerProvider) *Sink {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Sink{tracer: tp.Tracer(instrumentationName)}
}

func (s *Sink) Emit(_ context.Context, event observe.Event) error {
	event.Normalize()

	_, span := s.tracer.Start(context.Background(), spanNameFor(event), trace.WithTimestamp(event.Timestamp))

	attrs := []attribute.KeyValue{
		attribute.String("stepflow.event.kind", string(event.Kind)),
	}
	if event.TaskID != "" {
		attrs = append(attrs, attribute.String("stepflow.task.id", event.TaskID))
	}
	if event.PlanID != "" {
		attrs = append(attrs, attribute.String("stepflow.plan.id", event.PlanID))
	}
	if event.StepID != "" {
		attrs = append(attrs, attribute.String("stepflow.step.id", event.StepID))
	}
	if event.ToolName != "" {
		attrs = append(attrs, attribute.String("stepflow.tool.name", event.ToolName))
	}
	if event.Status != "" {
		attrs = append(attrs, attribute.String("stepflow.status", string(event.Status)))
	}
	if event.Attempt > 0 {
		attrs = append(attrs, attribute.Int("stepflow.attempt", event.Attempt))
	}
	if event.Message != "" {
		attrs = append(attrs, attribute.String("stepflow.message", truncate(event.Message, 1024)))
	}
	for k, v := range event.Attributes {
		attrs = append(attrs, attribute.String("stepflow.attr."+k, fmt.Sprintf("%v", v)))
	}
	span.SetAttributes(attrs...)

	if event.Status == observe.StatusFailed {
		span.SetStatus(codes.Error, event.Error)
		if event.Error != "" {
			span.RecordError(fmt.Errorf("%s", event.Error))
		}
	} else if event.Status == observe.StatusCompleted {
		span.SetStatus(codes.Ok, "")
	}

	endTime := event.Timestamp
	if event.DurationMs > 0 {
		endTime = endTime.Add(time.Duration(event.DurationMs) * time.Millisecond)
	}
	span.End(trace.WithTimestamp(endTime))
	return nil
}

func spanNameFor(event observe.Event) string {
	switch event.Kind {
	case observe.KindTask:
		return "stepflow.task"
	case observe.KindStep:
		if event.StepID != "" {
			return "stepflow.step." + event.StepID
		}
		return "stepflow.step"
	case observe.KindInvocation:
		if event.ToolName != "" {
			return "stepflow.invoke." + event.ToolName
		}
		return "stepflow.invoke"
	case observe.KindCheckpoint:
		return "stepflow.checkpoint"
	default:
		if event.Name != "" {
			return "stepflow." + event.Name
		}
		return "stepflow.event"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
