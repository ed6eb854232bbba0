package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventType names a kind of event. Tools subscribe by type.
type EventType string

const (
	EventHeartbeat      EventType = "HEARTBEAT"
	EventNewMention     EventType = "NEW_MENTION"
	EventRSSFeedCheck   EventType = "RSS_FEED_CHECK"
	EventFeedSummarized EventType = "FEED_SUMMARIZED"
)

// String returns the type name.
func (t EventType) String() string { return string(t) }

// Priorities run from 1 (highest) to 10 (lowest).
const (
	PriorityHighest = 1
	PriorityDefault = 5
	PriorityLowest  = 10
)

// ClampPriority maps p into [PriorityHighest, PriorityLowest]; zero means default.
func ClampPriority(p int) int {
	switch {
	case p == 0:
		return PriorityDefault
	case p < PriorityHighest:
		return PriorityHighest
	case p > PriorityLowest:
		return PriorityLowest
	}
	return p
}

// PayloadVersion is the schema version written by this build.
const PayloadVersion = 1

// Payload is the versioned document attached to an event.
type Payload struct {
	Version int                    `json:"version"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// NewPayload encodes v (a struct or map) as a payload at the current version.
// Data holds the decoded JSON document with numbers as json.Number, the same
// form a stored payload is reloaded in.
func NewPayload(v interface{}) (Payload, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Payload{}, fmt.Errorf("encoding payload: %w", err)
	}
	data, err := decodeData(raw)
	if err != nil {
		return Payload{}, fmt.Errorf("payload must be an object: %w", err)
	}
	return Payload{Version: PayloadVersion, Data: data}, nil
}

// Normalize returns p with Data rewritten into its decoded JSON form.
func (p Payload) Normalize() (Payload, error) {
	if p.Data == nil {
		return p, nil
	}
	raw, err := json.Marshal(p.Data)
	if err != nil {
		return p, fmt.Errorf("encoding payload: %w", err)
	}
	if p.Data, err = decodeData(raw); err != nil {
		return p, fmt.Errorf("decoding payload: %w", err)
	}
	return p, nil
}

// UnmarshalJSON keeps numbers exact.
func (p *Payload) UnmarshalJSON(b []byte) error {
	var raw struct {
		Version int             `json:"version"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	p.Version = raw.Version
	p.Data = nil
	if len(raw.Data) == 0 {
		return nil
	}
	data, err := decodeData(raw.Data)
	if err != nil {
		return err
	}
	p.Data = data
	return nil
}

// decodeData decodes a JSON object with json.Number numbers. An empty
// object decodes to nil, matching the omitted "data" field.
func decodeData(raw []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var data map[string]interface{}
	if err := dec.Decode(&data); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

// MustPayload is NewPayload for values known to encode.
func MustPayload(v interface{}) Payload {
	p, err := NewPayload(v)
	if err != nil {
		panic(err)
	}
	return p
}

// Decode unmarshals the payload data into v.
func (p Payload) Decode(v interface{}) error {
	raw, err := json.Marshal(p.Data)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decoding payload v%d: %w", p.Version, err)
	}
	return nil
}

// String returns the string value under key, or "".
func (p Payload) String(key string) string {
	if s, ok := p.Data[key].(string); ok {
		return s
	}
	return ""
}

// Topics returns the payload's "topics" entry as a list. A single string
// is treated as a one-element list.
func (p Payload) Topics() []string {
	switch v := p.Data["topics"].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// HeartbeatPayload is attached to HEARTBEAT events.
type HeartbeatPayload struct {
	HeartbeatID string    `json:"heartbeat_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// MentionPayload is attached to NEW_MENTION events.
type MentionPayload struct {
	MentionedAgentID string `json:"mentioned_agent_id"`
	Handle           string `json:"handle"`
	AuthorAgentID    string `json:"author_agent_id,omitempty"`
	SourceRef        string `json:"source_ref,omitempty"`
	Text             string `json:"text"`
}

// FeedCheckPayload is attached to RSS_FEED_CHECK events.
type FeedCheckPayload struct {
	FeedURL string `json:"feed_url"`
}

// FeedSummarizedPayload is attached to FEED_SUMMARIZED events.
type FeedSummarizedPayload struct {
	FeedURL string   `json:"feed_url"`
	Title   string   `json:"title"`
	Text    string   `json:"text"`
	Topics  []string `json:"topics,omitempty"`
}

// Filter is the predicate a subscription applies to events.
type Filter struct {
	MinPriority *int     `json:"min_priority,omitempty" toml:"min_priority" yaml:"min_priority"`
	Topics      []string `json:"topics,omitempty" toml:"topics" yaml:"topics"`
}

// ParseFilter reads a filter document. Unknown keys are ignored; a nil or
// empty document yields a nil filter.
func ParseFilter(doc map[string]interface{}) (*Filter, error) {
	if len(doc) == 0 {
		return nil, nil
	}
	f := &Filter{}
	if v, ok := doc["min_priority"]; ok {
		n, err := toInt(v)
		if err != nil {
			return nil, fmt.Errorf("min_priority: %w", err)
		}
		f.MinPriority = &n
	}
	if v, ok := doc["topics"]; ok {
		f.Topics = Payload{Data: map[string]interface{}{"topics": v}}.Topics()
	}
	if f.MinPriority == nil && len(f.Topics) == 0 {
		return nil, nil
	}
	return f, nil
}

// Empty reports whether the filter passes everything.
func (f *Filter) Empty() bool {
	return f == nil || (f.MinPriority == nil && len(f.Topics) == 0)
}

// NormalizedTopics returns lower-cased, trimmed topics.
func (f *Filter) NormalizedTopics() []string {
	if f == nil {
		return nil
	}
	out := make([]string, 0, len(f.Topics))
	for _, t := range f.Topics {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func toInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		return int(i), err
	}
	return 0, fmt.Errorf("expected number, got %T", v)
}
