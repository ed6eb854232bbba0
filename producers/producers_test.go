package producers

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"go.uber.org/goleak"

	"github.com/vinayprograms/agentloop/model"
	"github.com/vinayprograms/agentloop/state"
	"github.com/vinayprograms/agentloop/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2026, 2, 10, 7, 30, 0, 0, time.UTC)

func newStore(t *testing.T, agents ...*model.Agent) store.Store {
	t.Helper()
	st := store.NewKVStore(state.NewMemoryStore())
	t.Cleanup(func() { st.Close() })
	for _, a := range agents {
		if err := st.PutAgent(context.Background(), a); err != nil {
			t.Fatal(err)
		}
	}
	return st
}

func eventsOf(t *testing.T, st store.Store, agentID string) []*model.Event {
	t.Helper()
	evs, err := st.GetEventsInWindow(context.Background(), agentID, model.Epoch, t0.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	return evs
}

func TestHandles(t *testing.T) {
	tests := []struct {
		content string
		want    []string
	}{
		{"no mentions here", nil},
		{"@ada hello", []string{"ada"}},
		{"hey @Ada and @grace_h, also @ADA again", []string{"ada", "grace_h"}},
		{"mail me at ada@example.com", nil},
		{"(@linus) said: @@bob", []string{"linus"}},
		{"trailing @", nil},
	}
	for _, tt := range tests {
		got := Handles(tt.content)
		if strings.Join(got, ",") != strings.Join(tt.want, ",") {
			t.Errorf("Handles(%q) = %v, want %v", tt.content, got, tt.want)
		}
	}
}

func TestDetect(t *testing.T) {
	st := newStore(t,
		&model.Agent{ID: "a1", Name: "Ada", Handle: "ada"},
		&model.Agent{ID: "a2", Name: "Grace", Handle: "Grace"},
		&model.Agent{ID: "a3", Name: "Linus", Handle: "linus"},
		&model.Agent{ID: "a4", Name: "Nobody"},
	)
	d := NewMentionDetector(st, nil)
	d.now = func() time.Time { return t0 }

	events, err := d.Detect(context.Background(), "Thanks @ada and @grace, cc @linus @unknown", "a3", "post-42")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Detect() returned %d events, want 2", len(events))
	}

	for _, tt := range []struct{ agentID, handle string }{{"a1", "ada"}, {"a2", "Grace"}} {
		stored := eventsOf(t, st, tt.agentID)
		if len(stored) != 1 {
			t.Fatalf("agent %s has %d events, want 1", tt.agentID, len(stored))
		}
		ev := stored[0]
		if ev.EventType != model.EventNewMention || ev.Priority != MentionPriority {
			t.Errorf("event = %+v", ev)
		}
		var p model.MentionPayload
		if err := ev.Payload.Decode(&p); err != nil {
			t.Fatal(err)
		}
		if p.MentionedAgentID != tt.agentID || p.Handle != tt.handle || p.AuthorAgentID != "a3" || p.SourceRef != "post-42" {
			t.Errorf("payload = %+v", p)
		}
	}
	if got := eventsOf(t, st, "a3"); len(got) != 0 {
		t.Errorf("author received %d mention events", len(got))
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"abcdefghijk", 5, "abcde..."},
		{"aé", 2, "a..."},
		{"日本語", 4, "日..."},
		{"日本語", 6, "日本..."},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestDetectTruncatesOnRuneBoundary(t *testing.T) {
	st := newStore(t, &model.Agent{ID: "a1", Handle: "ada"})
	d := NewMentionDetector(st, nil)
	d.now = func() time.Time { return t0 }

	content := "@ada " + strings.Repeat("é", 600)
	if _, err := d.Detect(context.Background(), content, "", ""); err != nil {
		t.Fatalf("Detect: %v", err)
	}
	stored := eventsOf(t, st, "a1")
	if len(stored) != 1 {
		t.Fatalf("events = %d, want 1", len(stored))
	}
	var p model.MentionPayload
	if err := stored[0].Payload.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if !utf8.ValidString(p.Text) || strings.ContainsRune(p.Text, utf8.RuneError) {
		t.Errorf("text is not valid UTF-8 after truncation")
	}
	if !strings.HasSuffix(p.Text, "é...") || len(p.Text) > maxMentionText+len("...") {
		t.Errorf("text = %d bytes ending %q", len(p.Text), p.Text[len(p.Text)-8:])
	}
}

func TestDetectWithoutMentions(t *testing.T) {
	st := newStore(t, &model.Agent{ID: "a1", Handle: "ada"})
	events, err := NewMentionDetector(st, nil).Detect(context.Background(), "plain text", "", "")
	if err != nil || events != nil {
		t.Errorf("Detect() = %v, %v; want nil, nil", events, err)
	}
}

func TestCheckNow(t *testing.T) {
	st := newStore(t,
		&model.Agent{ID: "a1", Feeds: []string{"https://a.example/rss", " https://b.example/rss ", "https://a.example/rss", ""}},
		&model.Agent{ID: "a2"},
	)
	fc, err := NewFeedChecker(FeedCheckerConfig{Store: st, Clock: func() time.Time { return t0 }})
	if err != nil {
		t.Fatal(err)
	}
	if fc.Interval() != DefaultFeedInterval {
		t.Errorf("Interval() = %v, want %v", fc.Interval(), DefaultFeedInterval)
	}

	n, err := fc.CheckNow(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("CheckNow() = %d, %v; want 2, nil", n, err)
	}

	evs := eventsOf(t, st, "a1")
	want := map[string]bool{"https://a.example/rss": true, "https://b.example/rss": true}
	for _, ev := range evs {
		var p model.FeedCheckPayload
		ev.Payload.Decode(&p)
		if ev.EventType != model.EventRSSFeedCheck || ev.Priority != model.PriorityDefault || !want[p.FeedURL] {
			t.Errorf("event = %+v, feed %q", ev, p.FeedURL)
		}
		delete(want, p.FeedURL)
	}
	if len(want) != 0 {
		t.Errorf("feeds without events: %v", want)
	}
}

func TestNewFeedCheckerRequiresStore(t *testing.T) {
	if _, err := NewFeedChecker(FeedCheckerConfig{}); err == nil {
		t.Error("NewFeedChecker() without store should fail")
	}
}

func TestFeedCheckerStartStop(t *testing.T) {
	st := newStore(t, &model.Agent{ID: "a1", Feeds: []string{"https://a.example/rss"}})
	fc, _ := NewFeedChecker(FeedCheckerConfig{Store: st, Interval: time.Hour, Clock: func() time.Time { return t0 }})

	fc.Start(context.Background())
	fc.Start(context.Background())
	if !fc.IsRunning() {
		t.Fatal("IsRunning() = false after Start")
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(eventsOf(t, st, "a1")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("initial pass did not run")
		}
		time.Sleep(5 * time.Millisecond)
	}

	fc.Stop()
	fc.Stop()
	if fc.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
	if got := len(eventsOf(t, st, "a1")); got != 1 {
		t.Errorf("events = %d, want 1 (single immediate pass)", got)
	}
}
