package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/mobile-test-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/mobile-test-orchestrator/internal/domain"
)

// EventBridge forwards the broker's job channels to the lifecycle event
// sink. It is the feed's only producer, so the HTTP path never touches
// Kafka; a nil sink disables the bridge entirely.
type EventBridge struct {
	jobs domain.JobRepository
	sub  domain.Subscriber
	sink domain.EventSink
}

func NewEventBridge(jobs domain.JobRepository, sub domain.Subscriber, sink domain.EventSink) *EventBridge {
	if jobs == nil || sub == nil || sink == nil {
		return nil
	}
	return &EventBridge{jobs: jobs, sub: sub, sink: sink}
}

// Run subscribes to both job channels and blocks until ctx ends. The
// subscriber reconnects on its own; a subscription error other than context
// cancellation is terminal for that channel and logged.
func (b *EventBridge) Run(ctx context.Context) {
	if b == nil {
		return
	}

	var wg sync.WaitGroup
	for channel, handler := range map[string]func(domain.Context, []byte){
		domain.ChannelJobStatusUpdated: b.onStatus,
		domain.ChannelJobCompleted:     b.onCompletion,
	} {
		wg.Add(1)
		go func(channel string, handler func(domain.Context, []byte)) {
			defer wg.Done()
			if err := b.sub.Subscribe(ctx, channel, handler); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("event bridge subscription ended", slog.String("channel", channel), slog.Any("error", err))
			}
		}(channel, handler)
	}
	wg.Wait()
	slog.Info("event bridge stopping")
}

// onStatus maps status transitions to feed kinds. Completed and failed are
// skipped here; the completion channel carries those with their duration.
func (b *EventBridge) onStatus(ctx domain.Context, payload []byte) {
	var ev domain.StatusUpdateEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		slog.Warn("event bridge: malformed status event", slog.Any("error", err))
		return
	}
	if ev.NewStatus == domain.JobCompleted || ev.NewStatus == domain.JobFailed {
		return
	}
	job, err := b.jobs.Get(ctx, ev.JobID)
	if err != nil {
		slog.Warn("event bridge: job lookup", slog.String("job_id", ev.JobID), slog.Any("error", err))
		return
	}
	kind := domain.EventJobStatus
	switch {
	case ev.NewStatus == domain.JobCancelled:
		kind = domain.EventJobCancelled
	case ev.NewStatus == domain.JobPending && job.RetryCount > 0:
		kind = domain.EventJobRetried
	case ev.NewStatus == domain.JobPending:
		kind = domain.EventJobSubmitted
	}
	b.emit(ctx, domain.LifecycleEvent{
		Kind:         kind,
		JobID:        job.ID,
		OrgID:        job.OrgID,
		AppVersionID: job.AppVersionID,
		Target:       job.Target,
		Status:       ev.NewStatus,
		Timestamp:    ev.Timestamp,
	})
}

func (b *EventBridge) onCompletion(ctx domain.Context, payload []byte) {
	var ev domain.CompletionEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		slog.Warn("event bridge: malformed completion event", slog.Any("error", err))
		return
	}
	job, err := b.jobs.Get(ctx, ev.JobID)
	if err != nil {
		slog.Warn("event bridge: job lookup", slog.String("job_id", ev.JobID), slog.Any("error", err))
		return
	}
	ts := time.Now().UTC()
	if job.CompletedAt != nil {
		ts = *job.CompletedAt
	}
	duration := ev.DurationMS
	b.emit(ctx, domain.LifecycleEvent{
		Kind:         domain.EventJobCompleted,
		JobID:        job.ID,
		OrgID:        job.OrgID,
		AppVersionID: job.AppVersionID,
		Target:       job.Target,
		Status:       ev.Status,
		DurationMS:   &duration,
		Timestamp:    ts,
	})
}

// emit is best effort: the feed is an analytics export, never a lifecycle
// dependency.
func (b *EventBridge) emit(ctx domain.Context, ev domain.LifecycleEvent) {
	if err := b.sink.Emit(ctx, ev); err != nil {
		slog.Warn("event bridge: emit failed", slog.String("kind", ev.Kind), slog.String("job_id", ev.JobID), slog.Any("error", err))
		return
	}
	observability.EventForwarded(ev.Kind)
}
