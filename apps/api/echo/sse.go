package echoapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo/core/examtimer"
)

// events streams the timer events of an attempt as Server-Sent Events.
// The stream opens with the current TIMER_STATUS and ends when the attempt does.
func (api *attemptApi) events(ctx echo.Context) error {
	userID, err := getContextUserID(ctx)
	if err != nil {
		return err
	}
	reqCtx := ctx.Request().Context()
	id := ctx.Param("id")

	events, unsubscribe, err := api.svc.Subscribe(reqCtx, userID, id)
	if err != nil {
		return errors.Wrap(err, "subscribing to timer events")
	}
	defer unsubscribe()

	st, err := api.svc.Status(reqCtx, userID, id)
	if err != nil {
		return errors.Wrap(err, "getting timer status")
	}

	res := ctx.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)

	if err = writeComment(res, "connected"); err != nil {
		return nil
	}
	if err = writeEvent(res, examtimer.Event{Type: examtimer.TimerStatus, Payload: st}); err != nil {
		return nil
	}

	heartbeat := time.NewTicker(api.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-reqCtx.Done():
			return nil
		case evt, ok := <-events:
			if !ok { // attempt ended
				return nil
			}
			if err = writeEvent(res, evt); err != nil {
				return nil
			}
		case <-heartbeat.C:
			if err = writeComment(res, "ping"); err != nil {
				return nil
			}
		}
	}
}

func writeEvent(res *echo.Response, evt examtimer.Event) error {
	data, err := json.Marshal(evt.Payload)
	if err != nil {
		return errors.Wrap(err, "encoding event")
	}
	if _, err = fmt.Fprintf(res, "event: %s\ndata: %s\n\n", evt.Type, data); err != nil {
		return err
	}
	res.Flush()
	return nil
}

func writeComment(res *echo.Response, comment string) error {
	if _, err := fmt.Fprintf(res, ": %s\n\n", comment); err != nil {
		return err
	}
	res.Flush()
	return nil
}
