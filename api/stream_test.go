package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func collectEvents(t *testing.T, c *Client, ctx context.Context, req ChatRequest) []Event {
	t.Helper()
	var events []Event
	c.Chat(ctx, req, func(ev Event) {
		events = append(events, ev)
	})
	return events
}

func sseServer(t *testing.T, records ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, rec := range records {
			fmt.Fprintf(w, "%s\n\n", rec)
			flusher.Flush()
		}
	}))
}

func TestChatDecodesStream(t *testing.T) {
	server := sseServer(t,
		`data: {"reply_part": "Hel"}`,
		`data: {"reply_part": "lo", "sessionId": "s1", "sessionSlug": "my-chat"}`,
		`data: {"widget_update": {"tag": "chart", "state": {"v": 1}}}`,
		`data: {"status": "generating_image", "prompt": "a cat"}`,
		`data: {"reply": "Hello!", "end_of_stream": true, "images": ["/img/cat.png"]}`,
	)
	defer server.Close()

	c := NewClient(server.URL)
	events := collectEvents(t, c, context.Background(), ChatRequest{Message: "hi"})

	var (
		text    string
		widgets int
		imgGen  int
		renames int
		final   *Completion
	)
	for _, ev := range events {
		switch ev := ev.(type) {
		case TextDelta:
			text += ev.Text
		case WidgetUpdate:
			widgets++
		case ImageGenerating:
			imgGen++
		case SessionRenamed:
			renames++
			if ev.ID != "s1" || ev.Slug != "my-chat" {
				t.Errorf("rename = %+v", ev)
			}
		case Completion:
			cp := ev
			final = &cp
		case Failure:
			t.Fatalf("unexpected failure: %v", ev.Err)
		}
	}

	if text != "Hello" {
		t.Errorf("accumulated text = %q", text)
	}
	if widgets != 1 || imgGen != 1 || renames != 1 {
		t.Errorf("widgets=%d imgGen=%d renames=%d, want 1 each", widgets, imgGen, renames)
	}
	if final == nil {
		t.Fatal("no terminal completion")
	}
	if final != nil {
		if final.Reply != "Hello!" || final.Aborted {
			t.Errorf("completion = %+v", final)
		}
		if len(final.Images) != 1 || final.SessionID != "s1" {
			t.Errorf("completion side data = %+v", final)
		}
	}
	if _, ok := events[len(events)-1].(Completion); !ok {
		t.Errorf("last event is %T, want the terminal Completion", events[len(events)-1])
	}
}

func TestChatSurvivesMalformedRecords(t *testing.T) {
	server := sseServer(t,
		`data: {"reply_part": "good"}`,
		`data: {broken json`,
		`not even a data record`,
		`data: {"reply_part": " still here"}`,
		`data: {"end_of_stream": true}`,
	)
	defer server.Close()

	c := NewClient(server.URL)
	events := collectEvents(t, c, context.Background(), ChatRequest{Message: "hi"})

	var text string
	terminal := 0
	for _, ev := range events {
		switch ev := ev.(type) {
		case TextDelta:
			text += ev.Text
		case Completion, Failure:
			terminal++
		}
	}
	if text != "good still here" {
		t.Errorf("text = %q, want bad records dropped without losing good ones", text)
	}
	if terminal != 1 {
		t.Errorf("terminal events = %d, want exactly 1", terminal)
	}
}

func TestChatSplitRecordAcrossChunks(t *testing.T) {
	// The record boundary lands mid-JSON; the partial tail must be held back
	// until the rest arrives.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, `data: {"reply_part": "one"}`+"\n\n"+`data: {"reply_`)
		flusher.Flush()
		time.Sleep(10 * time.Millisecond)
		fmt.Fprint(w, `part": "two"}`+"\n\n")
		flusher.Flush()
	}))
	defer server.Close()

	c := NewClient(server.URL)
	events := collectEvents(t, c, context.Background(), ChatRequest{Message: "hi"})

	var text string
	for _, ev := range events {
		if d, ok := ev.(TextDelta); ok {
			text += d.Text
		}
	}
	if text != "onetwo" {
		t.Errorf("text = %q, want both deltas decoded", text)
	}
}

func TestChatCancelYieldsAborted(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, `data: {"reply_part": "forever"}`+"\n\n")
		flusher.Flush()
		<-release
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	c := NewClient(server.URL)

	var events []Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Chat(ctx, ChatRequest{Message: "hi"}, func(ev Event) {
			events = append(events, ev)
			if _, ok := ev.(TextDelta); ok {
				cancel()
			}
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not terminate after cancel")
	}

	last := events[len(events)-1]
	final, ok := last.(Completion)
	if !ok {
		t.Fatalf("terminal event is %T, want Completion", last)
	}
	if !final.Aborted {
		t.Error("cancellation must terminate with Aborted, not a failure")
	}
}

func TestChatPlainJSONFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"reply": "single shot", "sessionId": "s9"}`)
	}))
	defer server.Close()

	c := NewClient(server.URL)
	events := collectEvents(t, c, context.Background(), ChatRequest{Message: "hi"})

	final, ok := events[len(events)-1].(Completion)
	if !ok {
		t.Fatalf("terminal event is %T", events[len(events)-1])
	}
	if final.Reply != "single shot" || final.SessionID != "s9" {
		t.Errorf("completion = %+v", final)
	}
}

func TestChatHTTPErrorIsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": "rate limited"}`)
	}))
	defer server.Close()

	c := NewClient(server.URL)
	events := collectEvents(t, c, context.Background(), ChatRequest{Message: "hi"})

	if len(events) != 1 {
		t.Fatalf("events = %d, want a single Failure", len(events))
	}
	fail, ok := events[0].(Failure)
	if !ok {
		t.Fatalf("event is %T", events[0])
	}
	if fail.Err == nil || fail.Err.Error() != "HTTP 429: rate limited" {
		t.Errorf("err = %v", fail.Err)
	}
}

func TestChatSendsFormAndBearer(t *testing.T) {
	var gotAuth, gotMessage, gotHistory string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotMessage = r.FormValue("message")
		gotHistory = r.FormValue("history")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"reply": "ok"}`)
	}))
	defer server.Close()

	c := NewClient(server.URL)
	collectEvents(t, c, context.Background(), ChatRequest{
		Message: "hello",
		Bearer:  "tok",
	})

	if gotAuth != "Bearer tok" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotMessage != "hello" {
		t.Errorf("message field = %q", gotMessage)
	}
	if gotHistory != "[]" {
		t.Errorf("history field = %q, want empty JSON array, never null", gotHistory)
	}
}
