package examtimer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// Handle dispatches an inbound protocol message.
// Protocol errors (unknown type, malformed payload, timer not started) are reported with
// an ERROR event and do not stop the loop; only a closed timer or a done context is
// returned as an error.
func (t *Timer) Handle(ctx context.Context, msg Message) error {
	err := t.handle(ctx, msg)
	switch errors.Cause(err) {
	case nil:
		return nil
	case ErrClosed, context.Canceled, context.DeadlineExceeded:
		return err
	}
	return t.do(ctx, func() error {
		t.emit(TimerError, MessagePayload{Message: err.Error()})
		return nil
	})
}

func (t *Timer) handle(ctx context.Context, msg Message) error {
	switch msg.Type {
	case StartTimer:
		var p StartParams
		if err := decodePayload(msg, &p); err != nil {
			return err
		}
		return t.Start(ctx, p)

	case PauseTimer:
		return t.Pause(ctx)

	case ResumeTimer:
		return t.Resume(ctx)

	case SyncTimer:
		var p SyncParams
		if err := decodePayload(msg, &p); err != nil {
			return err
		}
		_, err := t.Sync(ctx, p)
		return err

	case StopTimer:
		return t.Stop(ctx)

	case GetStatus:
		return t.do(ctx, func() error {
			if t.sess == nil {
				return ErrNotStarted
			}
			t.emit(TimerStatus, t.status())
			return nil
		})

	default:
		return fmt.Errorf("unknown message type: %q", msg.Type)
	}
}

func decodePayload(msg Message, dst interface{}) error {
	if len(msg.Payload) == 0 {
		return fmt.Errorf("%s: missing payload", msg.Type)
	}
	if err := json.Unmarshal(msg.Payload, dst); err != nil {
		return errors.Wrapf(err, "decoding %s payload", msg.Type)
	}
	return nil
}
