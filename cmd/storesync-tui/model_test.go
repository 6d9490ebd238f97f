package main

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeDaemon(t *testing.T, online bool) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	drains := new(atomic.Int64)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		if online {
			w.Write([]byte(`{"version":"0.1.0","online":true,"queue_depth":2,"pending":1,"failed":1,"tracked":2}`))
			return
		}
		w.Write([]byte(`{"version":"0.1.0","online":false,"queue_depth":2}`))
	})
	mux.HandleFunc("/api/updates", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"id":"order-1","type":"update_order","status":"pending","timestamp":"2026-01-02T10:00:00Z"},
			{"id":"order-2","type":"update_order","status":"failed","error":"fetch failed","queued":true,"timestamp":"2026-01-02T10:00:01Z"}
		]`))
	})
	mux.HandleFunc("/api/queue/drain", func(w http.ResponseWriter, r *http.Request) {
		drains.Add(1)
		if !online {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"offline: network unavailable","summary":{}}`))
			return
		}
		w.Write([]byte(`{"attempted":2,"succeeded":2,"remaining":0}`))
	})
	mux.HandleFunc("/api/updates/retry", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"moved":1}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, drains
}

func sized(m model) model {
	next, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	return next.(model)
}

func TestFetchPopulatesView(t *testing.T) {
	srv, _ := fakeDaemon(t, true)
	m := sized(newModel(newAPIClient(srv.URL, "tok"), time.Second))

	msg := m.fetch()()
	snap, ok := msg.(snapshotMsg)
	require.True(t, ok)
	require.NoError(t, snap.err)

	next, _ := m.Update(snap)
	m = next.(model)
	assert.True(t, m.status.Online)
	assert.Equal(t, 2, m.status.QueueDepth)
	require.Len(t, m.updates, 2)

	view := m.View()
	assert.Contains(t, view, "ONLINE")
	assert.Contains(t, view, "queue: 2")
	assert.Contains(t, view, "order-2")
	assert.Contains(t, view, "fetch failed")
}

func TestDrainKey(t *testing.T) {
	srv, drains := fakeDaemon(t, true)
	m := sized(newModel(newAPIClient(srv.URL, "tok"), time.Second))

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("d")})
	m = next.(model)
	require.NotNil(t, cmd)
	assert.Equal(t, "draining...", m.notice)

	action, ok := cmd().(actionMsg)
	require.True(t, ok)
	require.NoError(t, action.err)
	assert.Equal(t, int64(1), drains.Load())

	next, _ = m.Update(action)
	m = next.(model)
	assert.Contains(t, m.notice, "2 ok")
}

func TestDrainWhileOfflineShowsError(t *testing.T) {
	srv, _ := fakeDaemon(t, false)
	m := sized(newModel(newAPIClient(srv.URL, "tok"), time.Second))

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("d")})
	action := cmd().(actionMsg)
	require.Error(t, action.err)
	assert.Contains(t, action.err.Error(), "503")

	next, _ := m.Update(action)
	m = next.(model)
	assert.Contains(t, m.View(), "network unavailable")
}

func TestRetryKey(t *testing.T) {
	srv, _ := fakeDaemon(t, true)
	m := sized(newModel(newAPIClient(srv.URL, "tok"), time.Second))

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	action := cmd().(actionMsg)
	require.NoError(t, action.err)
	assert.Contains(t, action.notice, "moved 1")
}

func TestQuitKey(t *testing.T) {
	m := newModel(newAPIClient("http://127.0.0.1:1", ""), time.Second)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	_, ok := cmd().(tea.QuitMsg)
	assert.True(t, ok)
}

func TestUnreachableDaemon(t *testing.T) {
	m := sized(newModel(newAPIClient("http://127.0.0.1:1", ""), time.Second))
	snap := m.fetch()().(snapshotMsg)
	require.Error(t, snap.err)

	next, _ := m.Update(snap)
	assert.Contains(t, next.(model).View(), "error:")
}
