package queue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/crm-trigger-engine/internal/conversation"
	"github.com/wolfman30/crm-trigger-engine/internal/tenancy"
)

func newQueueAPI(t *testing.T) (http.Handler, *memItems, *fakeSender) {
	t.Helper()
	items := newMemItems()
	sender := &fakeSender{}
	router := NewRouter(items, newMemConversations(escalatedConv()), sender, nil)
	require.NoError(t, router.Enqueue(context.Background(), escalatedConv(), "Hallo", "", "", conversation.QueueEscalated))

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if org := r.Header.Get("X-Org-Id"); org != "" {
				r = r.WithContext(tenancy.WithOrgID(r.Context(), org))
			}
			next.ServeHTTP(w, r)
		})
	})
	NewHandler(router, nil).Routes(r)
	return r, items, sender
}

func call(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("X-Org-Id", "org-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestQueueHandlerListAndSend(t *testing.T) {
	api, items, sender := newQueueAPI(t)

	rec := call(api, http.MethodGet, "/queue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Items []Item `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Items, 1)

	rec = call(api, http.MethodPost, "/queue/q-1/send", `{"text":"Wir rufen Sie an.","resolved_by":"anna"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, StatusResolved, items.items["q-1"].Status)
	require.Len(t, sender.sent, 1)

	rec = call(api, http.MethodPost, "/queue/q-1/dismiss", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestQueueHandlerErrors(t *testing.T) {
	api, _, _ := newQueueAPI(t)

	assert.Equal(t, http.StatusNotFound, call(api, http.MethodPost, "/queue/q-9/return", "").Code)
	assert.Equal(t, http.StatusBadRequest, call(api, http.MethodPost, "/queue/q-1/send", `{"text":""}`).Code)
	assert.Equal(t, http.StatusBadRequest, call(api, http.MethodPost, "/queue/q-1/send", `{`).Code)
	assert.Equal(t, http.StatusOK, call(api, http.MethodPost, "/queue/q-1/return", "").Code)
}
