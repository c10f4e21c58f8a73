package echoapi

import (
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/trezcool/masomo/core"
)

var orderingParam = "ordering"

type (
	SuccessResponse struct {
		Success string `json:"success"`
	}

	SyncRequest struct {
		RemainingSeconds *float64 `json:"remaining_seconds" validate:"required,min=0"`
		ServerTime       int64    `json:"server_time" validate:"min=0"`
	}

	AttemptQuery struct {
		Status string `json:"status" query:"status" validate:"omitempty,oneof=in_progress submitted expired"`
	}

	Ordering struct {
		Orderings []core.DBOrdering
	}
)

// Bind reads `?ordering=field,-other` (a leading "-" sorts descending).
func (ord *Ordering) Bind(ctx echo.Context) {
	val := ctx.QueryParam(orderingParam)
	if val == "" {
		return
	}

	for _, field := range strings.Split(val, ",") {
		field = strings.TrimSpace(field)
		descending := strings.HasPrefix(field, "-")
		if descending {
			field = field[1:] // drop "-"
		}
		if field != "" {
			ord.Orderings = append(ord.Orderings, core.DBOrdering{Field: field, Ascending: !descending})
		}
	}
}
