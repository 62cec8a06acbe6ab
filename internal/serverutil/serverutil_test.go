package serverutil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/goldenimage/pkg/lg"
)

type pingRequest struct {
	Host  string `json:"host" validate:"required"`
	Count int    `json:"count" validate:"gte=0"`
}

func newPingHandler() http.Handler {
	return NewValidationHandler[pingRequest](http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		req, ok := RequestFrom[pingRequest](r.Context())
		if !ok {
			http.Error(rw, "no request", http.StatusInternalServerError)
			return
		}
		_ = WriteJSON(rw, http.StatusOK, map[string]string{"host": req.Host})
	}))
}

func TestValidationHandler(t *testing.T) {
	tests := []struct {
		name   string
		method string
		body   string
		status int
	}{
		{name: "valid", method: http.MethodPost, body: `{"host":"build-01","count":1}`, status: http.StatusOK},
		{name: "missing host", method: http.MethodPost, body: `{"count":1}`, status: http.StatusBadRequest},
		{name: "negative count", method: http.MethodPost, body: `{"host":"a","count":-1}`, status: http.StatusBadRequest},
		{name: "malformed", method: http.MethodPost, body: `{`, status: http.StatusBadRequest},
		{name: "wrong method", method: http.MethodGet, body: ``, status: http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(tt.method, "/invoke", strings.NewReader(tt.body))
			newPingHandler().ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.JSONEq(t, `{"host":"build-01"}`, rec.Body.String())
				assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			}
		})
	}
}

func TestValidateRequestNonStruct(t *testing.T) {
	assert.NoError(t, validateRequest(42))
}

func TestServerConfigAddr(t *testing.T) {
	cfg := DefaultServerConfig()
	t.Setenv(PortEnv, "")
	assert.Equal(t, ":8082", cfg.addr())

	t.Setenv(PortEnv, "9191")
	assert.Equal(t, ":9191", cfg.addr())
}

func TestRunServerStopsOnCancel(t *testing.T) {
	t.Setenv(PortEnv, "0")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunServer(ctx, http.NotFoundHandler(), DefaultServerConfig(), lg.Discard) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
