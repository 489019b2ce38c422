package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/spigell/service-exchange/internal/market"
)

func statusOf(kind market.Kind) int {
	switch kind {
	case market.KindBadInput:
		return http.StatusBadRequest
	case market.KindNotFound:
		return http.StatusNotFound
	case market.KindForbidden:
		return http.StatusForbidden
	case market.KindConflict:
		return http.StatusConflict
	case market.KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as a flat {"error": message} body. Internal details
// only reach the log.
func respondError(c echo.Context, log *zap.Logger, err error) error {
	kind := market.KindOf(err)
	if kind == market.KindInternal {
		log.Error("request failed",
			zap.String("uri", c.Request().RequestURI),
			zap.Error(err),
		)
	}
	return c.JSON(statusOf(kind), echo.Map{"error": market.MessageOf(err)})
}

// httpError renders errors raised by echo itself (unknown route, bad method).
func (s *Server) httpError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if m, ok := he.Message.(string); ok {
			msg = m
		}
		_ = c.JSON(he.Code, echo.Map{"error": msg})
		return
	}

	_ = respondError(c, s.logger, err)
}
