package storage

import (
	"context"

	"groupcast/internal/eventbus"
	"groupcast/pkg/logx"
)

// Record consumes bus events and appends them to the store until the context
// is canceled or the channel closes. Run it under the process supervisor.
// A nil store turns the loop into a drain, keeping bus backpressure bounded.
func Record(ctx context.Context, events <-chan eventbus.Event, store Store, log logx.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if store == nil {
				continue
			}
			err := store.Append(ctx, Entry{
				ID:            e.ID,
				At:            e.Time,
				ParticipantID: e.ParticipantID,
				Kind:          string(e.Kind),
				Detail:        e.Detail,
				Count:         e.Count,
			})
			if err != nil && ctx.Err() == nil {
				log.Warn("journal append failed",
					logx.String("kind", string(e.Kind)),
					logx.Err(err))
			}
		}
	}
}
