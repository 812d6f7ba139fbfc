package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendText(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/instances/acct-1/messages/text", r.URL.Path)
		assert.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"data":{"id":"wamid-1","status":"queued"}}`))
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL + "/", APIKey: "key-1"})
	require.NoError(t, err)
	res, err := client.SendText(context.Background(), SendRequest{
		AccountID: "acct-1",
		To:        "+49 151 2345 678",
		Text:      "Hallo Max!",
		Delay:     3 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "wamid-1", res.MessageID)
	assert.Equal(t, "queued", res.Status)
	assert.Equal(t, "491512345678", got["to"])
	assert.Equal(t, "Hallo Max!", got["text"])
	assert.EqualValues(t, 3000, got["delay"])
}

func TestSendTextRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"key":{"id":"ABC"}}`))
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL, MaxRetries: 2, Backoff: time.Millisecond})
	require.NoError(t, err)
	res, err := client.SendText(context.Background(), SendRequest{To: "+4915112345678", Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ABC", res.MessageID)
	assert.Equal(t, "sent", res.Status)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestSendTextClientErrorIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "instance not connected", http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL, MaxRetries: 3, Backoff: time.Millisecond})
	require.NoError(t, err)
	_, err = client.SendText(context.Background(), SendRequest{To: "+4915112345678", Text: "hi"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestSendTextValidation(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNotConfigured)

	client, err := New(Config{BaseURL: "http://gateway.invalid"})
	require.NoError(t, err)
	_, err = client.SendText(context.Background(), SendRequest{To: "abc", Text: "hi"})
	assert.Error(t, err)
	_, err = client.SendText(context.Background(), SendRequest{To: "+4915112345678", Text: "  "})
	assert.Error(t, err)
}

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"+49 (151) 234-5678":              "+491512345678",
		"004915112345678":                 "+4915112345678",
		"4917612345678@s.whatsapp.net":    "+4917612345678",
		"4917612345678:12@s.whatsapp.net": "+4917612345678",
		"12345":                           "",
		"":                                "",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizePhone(in), in)
	}
}
