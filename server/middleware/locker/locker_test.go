package locker

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"

	"github.com/nasa-jpl/capseq/server"
)

func TestGuard(t *testing.T) {
	l := New()
	rt := server.RouteTable{
		{Method: http.MethodPost, Path: "/edit"}: l.Guard(func(w http.ResponseWriter, r *http.Request) {}),
		{Method: http.MethodGet, Path: "/read"}:  func(w http.ResponseWriter, r *http.Request) {},
	}
	Inject(rt, l)
	mux := chi.NewRouter()
	rt.Bind(mux)

	serve := func(method, path, body string) int {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(method, path, bytes.NewBufferString(body)))
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, serve(http.MethodPost, "/edit", ""))

	assert.Equal(t, http.StatusOK, serve(http.MethodPost, "/lock", `{"bool":true}`))
	assert.True(t, l.Locked())
	assert.Equal(t, http.StatusLocked, serve(http.MethodPost, "/edit", ""))
	assert.Equal(t, http.StatusOK, serve(http.MethodGet, "/read", ""))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/lock", nil))
	assert.JSONEq(t, `{"bool":true}`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, serve(http.MethodPost, "/lock", `yes`))
	l.Unlock()
	assert.Equal(t, http.StatusOK, serve(http.MethodPost, "/edit", ""))
}
