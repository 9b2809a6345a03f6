package webhook

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmirror/mirrord/internal/engine"
)

type notifyCall struct {
	resourceID, channelID, secret string
}

type fakeNotifier struct {
	calls []notifyCall
	err   error
}

func (f *fakeNotifier) OnNotification(_ context.Context, resourceID, channelID, secret string) error {
	f.calls = append(f.calls, notifyCall{resourceID, channelID, secret})
	return f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testRouter rebuilds the server's routing for httptest, bypassing the
// listener.
func testRouter(n Notifier) http.Handler {
	s := &Server{notifier: n, logger: testLogger()}

	router := mux.NewRouter()
	router.HandleFunc("/hooks/{resource}", s.handleNotification).Methods(http.MethodPost)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	return router
}

func postNotification(router http.Handler, resource, channelID, secret string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/hooks/"+resource, nil)

	if channelID != "" {
		req.Header.Set(HeaderChannelID, channelID)
	}

	if secret != "" {
		req.Header.Set(HeaderChannelSecret, secret)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	return w
}

func TestNotificationAccepted(t *testing.T) {
	n := &fakeNotifier{}
	router := testRouter(n)

	w := postNotification(router, "cal-1", "ch-1", "s3cret")

	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, n.calls, 1)
	assert.Equal(t, notifyCall{"cal-1", "ch-1", "s3cret"}, n.calls[0])
}

func TestNotificationMissingHeaders(t *testing.T) {
	n := &fakeNotifier{}
	router := testRouter(n)

	assert.Equal(t, http.StatusBadRequest, postNotification(router, "cal-1", "", "s").Code)
	assert.Equal(t, http.StatusBadRequest, postNotification(router, "cal-1", "ch-1", "").Code)
	assert.Empty(t, n.calls, "invalid requests never reach the engine")
}

func TestNotificationUnknownChannel(t *testing.T) {
	n := &fakeNotifier{err: engine.ErrUnknownChannel}
	router := testRouter(n)

	w := postNotification(router, "cal-1", "ch-forged", "wrong")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNotificationInternalError(t *testing.T) {
	n := &fakeNotifier{err: errors.New("db unavailable")}
	router := testRouter(n)

	w := postNotification(router, "cal-1", "ch-1", "s")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestNotificationMethodNotAllowed(t *testing.T) {
	router := testRouter(&fakeNotifier{})

	req := httptest.NewRequest(http.MethodGet, "/hooks/cal-1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHealthz(t *testing.T) {
	router := testRouter(&fakeNotifier{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}
