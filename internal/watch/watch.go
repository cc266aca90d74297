// Package watch follows one task the way the task page does: fetch the
// snapshot over REST, open the live channel with the snapshot's uuid, and
// recompute the merged view on every event.
package watch

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/solvewatch/solvewatch/internal/api"
	"github.com/solvewatch/solvewatch/internal/client"
	"github.com/solvewatch/solvewatch/internal/live"
	"github.com/solvewatch/solvewatch/internal/merge"
	"github.com/solvewatch/solvewatch/internal/paths"
)

// Handler receives the merged view after every change. Calls are serialized
// on the session goroutine and stop the moment the session is torn down.
type Handler func(merge.View)

// Session is one task view's synchronization lifecycle. Stop is terminal: it
// closes the live channel, ends reconnection, and guarantees no further
// Handler calls.
type Session struct {
	Task *api.Task // the snapshot the session started from

	cancel context.CancelFunc
	done   chan struct{}
}

// Open fetches the snapshot for taskID and starts following it. The live
// channel is not created until the snapshot has supplied the uuid.
func Open(ctx context.Context, c *client.Client, wsBase string, taskID int64, header http.Header, h Handler) (*Session, error) {
	snap, err := c.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := paths.ValidateTaskUUID(snap.UUID); err != nil {
		return nil, fmt.Errorf("snapshot for task %d: %w", taskID, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Session{Task: snap, cancel: cancel, done: make(chan struct{})}

	m := merge.New()
	m.SetSnapshot(snap)

	go s.run(ctx, m, live.Open(ctx, live.EndpointURL(wsBase, snap.UUID), header), h)
	return s, nil
}

// Stop tears the session down and waits for the last callback to finish.
func (s *Session) Stop() {
	s.cancel()
	<-s.done
}

func (s *Session) run(ctx context.Context, m *merge.Merger, ch *live.Channel, h Handler) {
	defer close(s.done)
	defer ch.Close()

	tr := otel.Tracer("solvewatch")
	ctx, span := tr.Start(ctx, "watch.session",
		trace.WithAttributes(
			attribute.Int64("task.id", s.Task.ID),
			attribute.String("task.uuid", s.Task.UUID),
		))
	defer span.End()

	// Snapshot-only view first; the channel's first message may beat or
	// trail it, the merger's precedence keeps the result deterministic.
	if !s.emit(ctx, m, h) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case live.EventConnected:
				span.AddEvent("live.connected")
				m.SetConnected(true)
			case live.EventDisconnected:
				span.AddEvent("live.disconnected")
				m.SetConnected(false)
			case live.EventMessage:
				m.Apply(ev.Msg)
			}
			if !s.emit(ctx, m, h) {
				return
			}
		}
	}
}

// emit recomputes and delivers the view unless the session was torn down in
// the meantime; a late event after Stop must not reach the handler.
func (s *Session) emit(ctx context.Context, m *merge.Merger, h Handler) bool {
	if ctx.Err() != nil {
		return false
	}
	if h != nil {
		h(m.View())
	}
	return true
}
