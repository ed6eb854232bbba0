package producers

import (
	"context"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/vinayprograms/agentloop/errors"
	"github.com/vinayprograms/agentloop/logging"
	"github.com/vinayprograms/agentloop/model"
	"github.com/vinayprograms/agentloop/store"
)

const (
	// MentionPriority is the priority of NEW_MENTION events.
	MentionPriority = 2

	mentionSource = "producer:mentions"

	// maxMentionText bounds the content copied into a mention payload.
	maxMentionText = 1000
)

// handlePattern matches @handle not preceded by a word character, so
// e-mail addresses are not mentions.
var handlePattern = regexp.MustCompile(`(?:^|[^\w@])@(\w+)`)

// MentionDetector turns @handle mentions into NEW_MENTION events.
type MentionDetector struct {
	store  store.Store
	logger *logging.Logger
	now    func() time.Time
}

// NewMentionDetector creates a detector. logger may be nil.
func NewMentionDetector(st store.Store, logger *logging.Logger) *MentionDetector {
	if logger == nil {
		logger = logging.Nop()
	}
	return &MentionDetector{store: st, logger: logger.WithComponent("producers"), now: time.Now}
}

// Handles returns the distinct handles mentioned in content, lower-cased,
// in order of first appearance.
func Handles(content string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range handlePattern.FindAllStringSubmatch(content, -1) {
		h := strings.ToLower(m[1])
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	return out
}

// Detect appends one NEW_MENTION event for each known agent mentioned in
// content, except the author, and returns the appended events.
func (d *MentionDetector) Detect(ctx context.Context, content, authorAgentID, sourceRef string) ([]*model.Event, error) {
	handles := Handles(content)
	if len(handles) == 0 {
		return nil, nil
	}

	agents, err := d.store.ListAgents(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "listing agents for mention detection")
	}
	byHandle := make(map[string]*model.Agent, len(agents))
	for _, a := range agents {
		if a.Handle != "" {
			byHandle[strings.ToLower(a.Handle)] = a
		}
	}

	text := truncate(content, maxMentionText)

	var events []*model.Event
	for _, h := range handles {
		agent, ok := byHandle[h]
		if !ok || agent.ID == authorAgentID {
			continue
		}
		ev := &model.Event{
			AgentID:   agent.ID,
			EventType: model.EventNewMention,
			Priority:  MentionPriority,
			Source:    mentionSource,
			CreatedAt: d.now().UTC(),
			Payload: model.MustPayload(model.MentionPayload{
				MentionedAgentID: agent.ID,
				Handle:           agent.Handle,
				AuthorAgentID:    authorAgentID,
				SourceRef:        sourceRef,
				Text:             text,
			}),
		}
		if err := d.store.AppendEvent(ctx, ev); err != nil {
			return events, errors.Wrap(err, "appending mention event", errors.WithAgentID(agent.ID))
		}
		events = append(events, ev)
	}

	if len(events) > 0 {
		d.logger.Debug("mentions_detected", map[string]interface{}{
			"author_agent_id": authorAgentID,
			"source_ref":      sourceRef,
			"mentions":        len(events),
		})
	}
	return events, nil
}

// truncate cuts s to at most max bytes on a rune boundary and marks the cut.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
