package echorelay_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/andrekirst/eventstore/relay"
	"github.com/andrekirst/eventstore/relay/echorelay"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

var testPayload = `{ "payload": {}}`

type relayer struct {
	wantErr error
	data    []byte
}

func (r *relayer) Relay(_ context.Context, data []byte) error {
	r.data = data

	return r.wantErr
}

func TestShould_Relay_Successfully(t *testing.T) {
	var r relayer

	rec, err := serve(t, &r, testPayload)

	assert.NoError(t, err)
	assert.Equal(t, testPayload, string(r.data))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, relay.SuccessResp, rec.Body.String())
}

func TestShould_Relay_With_KeepGoing(t *testing.T) {
	r := relayer{wantErr: fmt.Errorf("%w: bad payload", relay.ErrKeepGoing)}

	rec, err := serve(t, &r, testPayload)

	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, relay.KeepGoingResp, rec.Body.String())
}

func TestShould_Relay_With_Retry(t *testing.T) {
	r := relayer{wantErr: relay.ErrRetry}

	rec, err := serve(t, &r, testPayload)

	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, relay.RetryResp, rec.Body.String())
}

func TestShould_Relay_With_Retry_As_Fallback(t *testing.T) {
	r := relayer{wantErr: fmt.Errorf("some arbitrary error")}

	rec, err := serve(t, &r, testPayload)

	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, relay.RetryResp, rec.Body.String())
}

func serve(t *testing.T, r *relayer, payload string) (*httptest.ResponseRecorder, error) {
	t.Helper()

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(payload))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := echorelay.Wrap(r)(c)

	return rec, err
}
