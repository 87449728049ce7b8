package telemetry

import (
	"context"
	"errors"

	"classwatch/backend/internal/telemetry/domain"
)

type teeEmitter struct {
	emitters []EventEmitter
}

// Tee returns an EventEmitter that forwards each event to every given
// emitter (e.g. the Kafka producer and the OTel log exporter). Every emitter
// runs regardless of earlier failures; the errors are joined. Returns nil
// when no emitters are given.
func Tee(emitters ...EventEmitter) EventEmitter {
	live := make([]EventEmitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			live = append(live, e)
		}
	}
	switch len(live) {
	case 0:
		return nil
	case 1:
		return live[0]
	}
	return &teeEmitter{emitters: live}
}

func (t *teeEmitter) Emit(ctx context.Context, event *domain.Event) error {
	var errs []error
	for _, e := range t.emitters {
		if err := e.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
