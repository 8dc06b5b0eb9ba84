package streaminghttp_test

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-bridge-go/streaminghttp"
)

func (f *fixture) openGet(t *testing.T, sid, lastEventID string) (*http.Response, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint, nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", sid)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	res, err := f.srv.Client().Do(req)
	if err != nil {
		cancel()
		t.Fatalf("get: %v", err)
	}
	return res, cancel
}

// resumeGet retries while the previous standalone stream is still being torn down.
func (f *fixture) resumeGet(t *testing.T, sid, lastEventID string) (*http.Response, context.CancelFunc) {
	t.Helper()
	var res *http.Response
	var cancel context.CancelFunc
	eventually(t, func() bool {
		r, c := f.openGet(t, sid, lastEventID)
		if r.StatusCode == http.StatusConflict {
			r.Body.Close()
			c()
			return false
		}
		res, cancel = r, c
		return true
	})
	return res, cancel
}

func TestResumptionIsolatesSessions(t *testing.T) {
	f := newFixture(t, streaminghttp.WithEventStore(streaminghttp.NewMemoryEventStore(0)))
	sidA := f.initialize(t, nil)
	sessA := f.sessions.initialized()
	sidB := f.initialize(t, nil)
	sessB := f.sessions.initialized()
	if sessA == sessB {
		t.Fatal("sessions were not distinct")
	}

	res, cancel := f.openGet(t, sidA, "")
	if err := sessA.push(t, "notifications/a_first"); err != nil {
		t.Fatalf("push: %v", err)
	}
	first := readEvents(t, res.Body, 1)[0]
	cancel()
	res.Body.Close()

	if err := sessB.push(t, "notifications/b_private"); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := sessA.push(t, "notifications/a_second"); err != nil {
		t.Fatalf("push: %v", err)
	}

	t.Run("a session replays only its own standalone events", func(t *testing.T) {
		res, cancel := f.resumeGet(t, sidA, first.LastEventID)
		defer cancel()
		defer res.Body.Close()
		if want, got := http.StatusOK, res.StatusCode; want != got {
			t.Fatalf("status: want %d got %d", want, got)
		}
		ev := readEvents(t, res.Body, 1)[0]
		if want, got := "notifications/a_second", decodeEvent(t, ev).Method; want != got {
			t.Fatalf("replayed event: want %q got %q", want, got)
		}
	})

	t.Run("another session's event id is refused", func(t *testing.T) {
		res := f.do(t, http.MethodGet, map[string]string{"Mcp-Session-Id": sidB, "Last-Event-ID": first.LastEventID}, "")
		if want, got := http.StatusBadRequest, res.StatusCode; want != got {
			t.Fatalf("status: want %d got %d", want, got)
		}
	})
}

func TestConcurrentSendsKeepEventOrder(t *testing.T) {
	f := newFixture(t, streaminghttp.WithEventStore(streaminghttp.NewMemoryEventStore(0)))
	sid := f.initialize(t, nil)
	session := f.sessions.initialized()

	res, cancel := f.openGet(t, sid, "")
	defer cancel()
	defer res.Body.Close()
	if want, got := http.StatusOK, res.StatusCode; want != got {
		t.Fatalf("status: want %d got %d", want, got)
	}

	const n = 32
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = session.push(t, fmt.Sprintf("notifications/n%d", i))
		}()
	}

	evs := readEvents(t, res.Body, n)
	wg.Wait()
	for i := 1; i < len(evs); i++ {
		if evs[i-1].LastEventID >= evs[i].LastEventID {
			t.Fatalf("event %d id %q arrived after %q", i, evs[i].LastEventID, evs[i-1].LastEventID)
		}
	}
}

func TestResumeDuringSendsLosesNothing(t *testing.T) {
	f := newFixture(t, streaminghttp.WithEventStore(streaminghttp.NewMemoryEventStore(0)))
	sid := f.initialize(t, nil)
	session := f.sessions.initialized()

	res, cancel := f.openGet(t, sid, "")
	if err := session.push(t, "notifications/start"); err != nil {
		t.Fatalf("push: %v", err)
	}
	first := readEvents(t, res.Body, 1)[0]
	cancel()
	res.Body.Close()

	const n = 40
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range n {
			_ = session.push(t, fmt.Sprintf("notifications/n%d", i))
			time.Sleep(time.Millisecond)
		}
	}()

	resumed, cancel := f.resumeGet(t, sid, first.LastEventID)
	defer cancel()
	defer resumed.Body.Close()
	if want, got := http.StatusOK, resumed.StatusCode; want != got {
		t.Fatalf("status: want %d got %d", want, got)
	}

	evs := readEvents(t, resumed.Body, n)
	<-done
	seen := make(map[string]bool, n)
	for i, ev := range evs {
		method := decodeEvent(t, ev).Method
		if seen[method] {
			t.Fatalf("event %s delivered twice", method)
		}
		seen[method] = true
		if want := fmt.Sprintf("notifications/n%d", i); method != want {
			t.Fatalf("event %d: want %q got %q", i, want, method)
		}
	}
}
