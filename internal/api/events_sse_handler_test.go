package api

import (
	"bufio"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventsStreamDeliversLifecycleEvents(t *testing.T) {
	f := newServerFixture(t)

	resp, err := http.Get(f.server.URL + "/api/events/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	// The response headers are written after the handler subscribes, so the
	// subscription is already in place once Get returns.
	startKernel(t, f)

	var eventLine, dataLine string
	deadline := time.After(2 * time.Second)
	for eventLine == "" || dataLine == "" {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatalf("stream ended before an event arrived")
			}
			if strings.HasPrefix(line, "event: ") {
				eventLine = line
			}
			if strings.HasPrefix(line, "data: ") {
				dataLine = line
			}
		case <-deadline:
			t.Fatalf("timeout waiting for event frame")
		}
	}

	assert.Equal(t, "event: kernel_started", eventLine)
	var evt struct {
		KernelID  string `json:"kernel_id"`
		EventType string `json:"event_type"`
	}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(dataLine, "data: ")), &evt))
	assert.Equal(t, "kernel_started", evt.EventType)
	assert.NotEmpty(t, evt.KernelID)
}

func TestEventsStreamFiltersByType(t *testing.T) {
	f := newServerFixture(t)

	resp, err := http.Get(f.server.URL + "/api/events/stream?type=kernel_stopped")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	lines := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	id := startKernel(t, f)
	doJSON(t, http.MethodDelete, f.server.URL+"/api/kernels/"+id, nil, nil)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatalf("stream ended before an event arrived")
			}
			if strings.HasPrefix(line, "event: ") {
				assert.Equal(t, "event: kernel_stopped", line)
				return
			}
		case <-deadline:
			t.Fatalf("timeout waiting for filtered event")
		}
	}
}

func TestEventsStreamRequiresToken(t *testing.T) {
	f := newServerFixture(t, withAuthToken("secret"))
	resp, err := http.Get(f.server.URL + "/api/events/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
