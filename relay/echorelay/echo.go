package echorelay

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/andrekirst/eventstore/relay"
	"github.com/labstack/echo/v4"
)

var _ Relayer = (*relay.Relay)(nil)

// Relayer relays one delivery
type Relayer interface {
	Relay(ctx context.Context, data []byte) error
}

// Wrap adapts a relay to echo.HandlerFunc. The sender always gets 200 with
// the policy encoded in the body
func Wrap(r Relayer) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()

		data, err := io.ReadAll(req.Body)
		if err != nil {
			return err
		}

		err = r.Relay(req.Context(), data)
		if err != nil {
			if errors.Is(err, relay.ErrKeepGoing) {
				return c.JSONBlob(http.StatusOK, []byte(relay.KeepGoingResp))
			}

			return c.JSONBlob(http.StatusOK, []byte(relay.RetryResp))
		}

		return c.JSONBlob(http.StatusOK, []byte(relay.SuccessResp))
	}
}
