package controller

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"
	"github.com/kromosynth/dispatcher/pkg/dto"
	"github.com/kromosynth/dispatcher/pkg/task"
	"github.com/kromosynth/dispatcher/pkg/trace"
	"github.com/kromosynth/dispatcher/pkg/worker"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Dispatcher settles a task, a worker client or a pool balancer
type Dispatcher interface {
	Dispatch(ctx context.Context, payload *task.Payload) (*task.Result, error)
}

// Dispatch runs the task in the request body and replies with its result
func Dispatch(d Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload := &task.Payload{}

		// 1. mapping into JSON format
		if err := c.BindJSON(payload); err != nil {
			zap.S().Errorw("dispatch bind json error", "err", err)
			c.JSON(http.StatusBadRequest, dto.DispatchResponse{
				Success: false,
				Message: err.Error(),
			})
			return
		}

		// 2. record opentracing span, a caller may send its own context in the headers
		sp := trace.StartSpan("http dispatch", trace.FromHeaders(c.Request.Header))
		defer sp.Finish()
		ctx := opentracing.ContextWithSpan(c.Request.Context(), sp)

		// 3. dispatch
		result, err := d.Dispatch(ctx, payload)
		if err != nil {
			zap.S().Infow("dispatch failed", "kind", payload.Kind, "err", err)
			c.JSON(statusFor(err), dto.DispatchResponse{
				Success: false,
				Message: err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, dto.DispatchResponse{
			Success: true,
			Message: "ok",
			Result:  result,
		})
	}
}

func statusFor(err error) int {
	var delegate *worker.DelegateError
	switch {
	case errors.Is(err, worker.ErrInvalidPayload), errors.Is(err, task.ErrUnknownKind):
		return http.StatusBadRequest
	case errors.As(err, &delegate):
		return http.StatusUnprocessableEntity
	case worker.IsCrash(err):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	switch status.Code(err) {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Aborted, codes.Internal:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
