package echoapi

import (
	"net/http"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo/core/attempt"
	"github.com/trezcool/masomo/core/examtimer"
)

type attemptApi struct {
	svc        *attempt.Service
	validate   *validator.Validate
	translator ut.Translator
	heartbeat  time.Duration
}

func registerAttemptAPI(g *echo.Group, jwt echo.MiddlewareFunc, deps ServerDeps) {
	api := attemptApi{
		svc:        deps.AttemptSvc,
		validate:   deps.Validate,
		translator: deps.Translator,
		heartbeat:  deps.Heartbeat,
	}

	ag := g.Group("/attempts", jwt)
	ag.POST("", api.begin)
	ag.GET("", api.query)

	// detail endpoints
	dg := ag.Group("/:id")
	dg.GET("", api.retrieve)
	dg.POST("/submit", api.submit)

	// timer endpoints
	tg := dg.Group("/timer")
	tg.GET("", api.status)
	tg.POST("/pause", api.pause)
	tg.POST("/resume", api.resume)
	tg.POST("/sync", api.sync)
	tg.POST("/messages", api.message)
	tg.GET("/events", api.events)
}

// Handlers

func (api *attemptApi) begin(ctx echo.Context) error {
	userID, err := getContextUserID(ctx)
	if err != nil {
		return err
	}

	var data attempt.NewAttempt
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewAttempt")
	}
	if err = api.validate.Struct(data); err != nil {
		return err
	}

	a, err := api.svc.Begin(ctx.Request().Context(), userID, data)
	if err != nil {
		return errors.Wrap(err, "beginning attempt")
	}
	return ctx.JSON(http.StatusCreated, a)
}

func (api *attemptApi) query(ctx echo.Context) error {
	userID, err := getContextUserID(ctx)
	if err != nil {
		return err
	}

	var filter AttemptQuery
	if err = ctx.Bind(&filter); err != nil {
		return errors.Wrap(err, "binding to AttemptQuery")
	}
	if err = api.validate.Struct(filter); err != nil {
		return err
	}
	var ord Ordering
	ord.Bind(ctx)

	attempts, err := api.svc.List(ctx.Request().Context(), userID, filter.Status, ord.Orderings)
	if err != nil {
		return errors.Wrap(err, "listing attempts")
	}
	return ctx.JSON(http.StatusOK, attempts)
}

func (api *attemptApi) retrieve(ctx echo.Context) error {
	userID, err := getContextUserID(ctx)
	if err != nil {
		return err
	}

	a, err := api.svc.Get(ctx.Request().Context(), userID, ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "getting attempt")
	}
	return ctx.JSON(http.StatusOK, a)
}

func (api *attemptApi) submit(ctx echo.Context) error {
	userID, err := getContextUserID(ctx)
	if err != nil {
		return err
	}

	a, err := api.svc.Submit(ctx.Request().Context(), userID, ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "submitting attempt")
	}
	return ctx.JSON(http.StatusOK, a)
}

func (api *attemptApi) status(ctx echo.Context) error {
	userID, err := getContextUserID(ctx)
	if err != nil {
		return err
	}

	st, err := api.svc.Status(ctx.Request().Context(), userID, ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "getting timer status")
	}
	return ctx.JSON(http.StatusOK, st)
}

func (api *attemptApi) pause(ctx echo.Context) error {
	userID, err := getContextUserID(ctx)
	if err != nil {
		return err
	}

	st, err := api.svc.Pause(ctx.Request().Context(), userID, ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "pausing timer")
	}
	return ctx.JSON(http.StatusOK, st)
}

func (api *attemptApi) resume(ctx echo.Context) error {
	userID, err := getContextUserID(ctx)
	if err != nil {
		return err
	}

	st, err := api.svc.Resume(ctx.Request().Context(), userID, ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "resuming timer")
	}
	return ctx.JSON(http.StatusOK, st)
}

func (api *attemptApi) sync(ctx echo.Context) error {
	userID, err := getContextUserID(ctx)
	if err != nil {
		return err
	}

	var data SyncRequest
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to SyncRequest")
	}
	if err = api.validate.Struct(data); err != nil {
		return err
	}

	res, err := api.svc.Sync(ctx.Request().Context(), userID, ctx.Param("id"), examtimer.SyncParams{
		RemainingSeconds: *data.RemainingSeconds,
		ServerTime:       data.ServerTime,
	})
	if err != nil {
		return errors.Wrap(err, "syncing timer")
	}
	return ctx.JSON(http.StatusOK, res)
}

// message accepts a timer protocol message; its outcome is published on the event stream.
func (api *attemptApi) message(ctx echo.Context) error {
	userID, err := getContextUserID(ctx)
	if err != nil {
		return err
	}

	var msg examtimer.Message
	if err = ctx.Bind(&msg); err != nil {
		return errors.Wrap(err, "binding to Message")
	}
	if err = api.validate.Struct(msg); err != nil {
		return err
	}

	if err = api.svc.Handle(ctx.Request().Context(), userID, ctx.Param("id"), msg); err != nil {
		return errors.Wrap(err, "handling timer message")
	}
	return ctx.JSON(http.StatusAccepted, SuccessResponse{Success: "message accepted"})
}
