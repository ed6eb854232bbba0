package store

import (
	"context"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/vinayprograms/agentloop/errors"
	"github.com/vinayprograms/agentloop/model"
	"github.com/vinayprograms/agentloop/state"
)

const (
	// Key prefixes for the state store.
	agentPrefix        = "agent."
	heartbeatPrefix    = "heartbeat."
	hbByAgentPrefix    = "heartbeat-by-agent."
	hbPendingPrefix    = "heartbeat-pending."
	hbLastPrefix       = "heartbeat-last."
	executingPrefix    = "executing."
	eventPrefix        = "event."
	eventByAgentPrefix = "event-by-agent."
	toolPrefix         = "tool."
	toolNamePrefix     = "tool-name."
	subPrefix          = "sub."
	subKeyPrefix       = "sub-key."
	actionPrefix       = "action."
	actionByHBPrefix   = "action-by-hb."

	// maxCASRetries bounds optimistic retries on index keys.
	maxCASRetries = 8
)

// KVStore implements Store over a state.Store (in-memory, NATS or Redis).
// Status transitions use revision-checked updates. The one-EXECUTING-per-agent
// rule uses a per-agent marker key claimed before the heartbeat is written.
//
// Index keys keep the per-tick reads bounded:
//
//	heartbeat-pending.<scheduled>.<id>  PENDING heartbeats, for discovery
//	heartbeat-by-agent.<agent>.<id>     an agent's heartbeats
//	heartbeat-last.<agent>              id of the last COMPLETED heartbeat
//	event-by-agent.<agent>.<created>.<id>
//
// Timestamps are zero-padded Unix nanoseconds, so GetDueHeartbeats and
// GetEventsInWindow load only the records they return. Index keys are
// written before the record they point at; a key whose record is missing
// is skipped. Listing keys is still one call over the whole index, and no
// record is ever pruned.
type KVStore struct {
	kv state.Store
}

// NewKVStore creates a record store over kv.
func NewKVStore(kv state.Store) *KVStore {
	return &KVStore{kv: kv}
}

// Close closes the underlying key/value store.
func (s *KVStore) Close() error {
	return s.kv.Close()
}

func (s *KVStore) load(ctx context.Context, key, kind, id string, v interface{}) (uint64, error) {
	e, err := s.kv.Get(ctx, key)
	if err != nil {
		if goerrors.Is(err, state.ErrNotFound) {
			return 0, errors.NotFound(kind, id)
		}
		return 0, storageErr(err, "loading %s %s", kind, id)
	}
	if err := json.Unmarshal(e.Value, v); err != nil {
		return 0, errors.WrapWithCode(err, errors.ErrCodeInternal, fmt.Sprintf("decoding %s %s", kind, id))
	}
	return e.Revision, nil
}

func (s *KVStore) save(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeInternal, "encoding "+key)
	}
	if _, err := s.kv.Put(ctx, key, data); err != nil {
		return storageErr(err, "saving %s", key)
	}
	return nil
}

func (s *KVStore) create(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeInternal, "encoding "+key)
	}
	if _, err := s.kv.Create(ctx, key, data); err != nil {
		if goerrors.Is(err, state.ErrExists) {
			return errors.Conflict(key + " already exists")
		}
		return storageErr(err, "creating %s", key)
	}
	return nil
}

func (s *KVStore) keysAfter(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.kv.Keys(ctx, prefix+"*")
	if err != nil {
		return nil, storageErr(err, "listing %s", prefix)
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, prefix))
	}
	return out, nil
}

func storageErr(err error, format string, args ...interface{}) error {
	if goerrors.Is(err, state.ErrInvalidKey) {
		return errors.WrapWithCode(err, errors.ErrCodeInvalidInput, fmt.Sprintf(format, args...))
	}
	return errors.WrapWithCode(err, errors.ErrCodeStorage, fmt.Sprintf(format, args...))
}

// --- Agents ---

// GetAgent loads an agent.
func (s *KVStore) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	var a model.Agent
	if _, err := s.load(ctx, agentPrefix+id, "agent", id, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// PutAgent inserts or replaces an agent.
func (s *KVStore) PutAgent(ctx context.Context, agent *model.Agent) error {
	if agent.ID == "" {
		return errors.InvalidInput("agent id required")
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}
	return s.save(ctx, agentPrefix+agent.ID, agent)
}

// ListAgents returns all agents ordered by id.
func (s *KVStore) ListAgents(ctx context.Context) ([]*model.Agent, error) {
	ids, err := s.keysAfter(ctx, agentPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Agent, 0, len(ids))
	for _, id := range ids {
		a, err := s.GetAgent(ctx, id)
		if errors.Is(err, errors.ErrCodeNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// --- Heartbeats ---

// CreateHeartbeat inserts a heartbeat.
func (s *KVStore) CreateHeartbeat(ctx context.Context, hb *model.Heartbeat) error {
	if hb.AgentID == "" {
		return errors.InvalidInput("heartbeat agent id required")
	}
	prepareHeartbeat(hb)
	if _, err := s.kv.Put(ctx, hbByAgentPrefix+hb.AgentID+"."+hb.ID, nil); err != nil {
		return storageErr(err, "indexing heartbeat %s", hb.ID)
	}
	if hb.Status == model.HeartbeatPending {
		if _, err := s.kv.Put(ctx, pendingKey(hb), nil); err != nil {
			return storageErr(err, "indexing heartbeat %s", hb.ID)
		}
	}
	return s.create(ctx, heartbeatPrefix+hb.ID, hb)
}

func pendingKey(hb *model.Heartbeat) string {
	return hbPendingPrefix + stamp(hb.ScheduledAt) + "." + hb.ID
}

// stamp renders t as a fixed-width key segment.
func stamp(t time.Time) string {
	return fmt.Sprintf("%020d", t.UnixNano())
}

// splitStamped splits "<stamp>.<id>" as written by stamp.
func splitStamped(suffix string) (time.Time, string, bool) {
	ts, id, ok := strings.Cut(suffix, ".")
	if !ok || id == "" || strings.Contains(id, ".") {
		return time.Time{}, "", false
	}
	n, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}, "", false
	}
	return time.Unix(0, n), id, true
}

// GetHeartbeat loads a heartbeat.
func (s *KVStore) GetHeartbeat(ctx context.Context, id string) (*model.Heartbeat, error) {
	hb, _, err := s.getHeartbeat(ctx, id)
	return hb, err
}

func (s *KVStore) getHeartbeat(ctx context.Context, id string) (*model.Heartbeat, uint64, error) {
	var hb model.Heartbeat
	rev, err := s.load(ctx, heartbeatPrefix+id, "heartbeat", id, &hb)
	if err != nil {
		return nil, 0, err
	}
	return &hb, rev, nil
}

// agentHeartbeats loads the agent's heartbeats that pass keep.
func (s *KVStore) agentHeartbeats(ctx context.Context, agentID string, keep func(*model.Heartbeat) bool) ([]*model.Heartbeat, error) {
	ids, err := s.keysAfter(ctx, hbByAgentPrefix+agentID+".")
	if err != nil {
		return nil, err
	}
	var out []*model.Heartbeat
	for _, id := range ids {
		if strings.Contains(id, ".") {
			continue
		}
		hb, err := s.GetHeartbeat(ctx, id)
		if errors.Is(err, errors.ErrCodeNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if hb.AgentID == agentID && keep(hb) {
			out = append(out, hb)
		}
	}
	return out, nil
}

// GetDueHeartbeats returns PENDING heartbeats scheduled at or before now.
// Only heartbeats indexed as pending and scheduled by now are loaded.
func (s *KVStore) GetDueHeartbeats(ctx context.Context, now time.Time) ([]*model.Heartbeat, error) {
	keys, err := s.keysAfter(ctx, hbPendingPrefix)
	if err != nil {
		return nil, err
	}
	var due []*model.Heartbeat
	for _, k := range keys {
		at, id, ok := splitStamped(k)
		if !ok || at.After(now) {
			continue
		}
		hb, err := s.GetHeartbeat(ctx, id)
		if errors.Is(err, errors.ErrCodeNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if hb.Status != model.HeartbeatPending {
			// Left behind by a transition that did not finish its cleanup.
			_ = s.kv.Delete(ctx, hbPendingPrefix+k)
			continue
		}
		due = append(due, hb)
	}
	sortBySchedule(due)
	return due, nil
}

// TransitionHeartbeat performs a revision-checked status transition.
func (s *KVStore) TransitionHeartbeat(ctx context.Context, id string, from, to model.HeartbeatStatus, upd model.HeartbeatUpdate) (*model.Heartbeat, error) {
	if !from.CanTransition(to) {
		return nil, errors.InvalidInput(fmt.Sprintf("illegal heartbeat transition %s -> %s", from, to))
	}

	hb, rev, err := s.getHeartbeat(ctx, id)
	if err != nil {
		return nil, err
	}
	if hb.Status != from {
		return nil, errors.Conflict(fmt.Sprintf("heartbeat %s is %s, expected %s", id, hb.Status, from),
			errors.WithHeartbeatID(id))
	}

	if to == model.HeartbeatExecuting {
		if err := s.claimExecuting(ctx, hb.AgentID, hb.ID); err != nil {
			return nil, err
		}
	}
	if to == model.HeartbeatCompleted {
		// Written first so a completed heartbeat is never missing from it;
		// LastCompletedHeartbeat checks the status it points at.
		if _, err := s.kv.Put(ctx, hbLastPrefix+hb.AgentID, []byte(hb.ID)); err != nil {
			return nil, storageErr(err, "recording last heartbeat of agent %s", hb.AgentID)
		}
	}
	pending := pendingKey(hb)

	hb.Status = to
	upd.Apply(hb)
	data, err := json.Marshal(hb)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeInternal, "encoding heartbeat")
	}
	if _, err := s.kv.Update(ctx, heartbeatPrefix+id, data, rev); err != nil {
		if to == model.HeartbeatExecuting {
			// A concurrent promotion of the same heartbeat may own the marker now.
			if cur, getErr := s.GetHeartbeat(ctx, id); getErr == nil && cur.Status != model.HeartbeatExecuting {
				s.releaseExecuting(ctx, hb.AgentID, hb.ID)
			}
		}
		if goerrors.Is(err, state.ErrRevisionMismatch) {
			return nil, errors.Conflict(fmt.Sprintf("heartbeat %s changed concurrently", id),
				errors.WithHeartbeatID(id))
		}
		return nil, storageErr(err, "updating heartbeat %s", id)
	}

	if from == model.HeartbeatPending {
		_ = s.kv.Delete(ctx, pending)
	}
	if from == model.HeartbeatExecuting {
		s.releaseExecuting(ctx, hb.AgentID, hb.ID)
	}
	return hb, nil
}

// executingMarker records which heartbeat holds an agent's EXECUTING slot.
// An empty Holder means the slot is free.
type executingMarker struct {
	Holder    string    `json:"holder"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// claimGrace is how long a claim by a still-PENDING heartbeat is honoured.
// The claimer writes EXECUTING right after claiming; a claim older than this
// was abandoned.
const claimGrace = 30 * time.Second

// claimExecuting takes the agent's executing marker. A marker held by a
// heartbeat that is no longer EXECUTING, or by an abandoned claim, is taken
// over with a revision-checked update.
func (s *KVStore) claimExecuting(ctx context.Context, agentID, heartbeatID string) error {
	key := executingPrefix + agentID
	mine, _ := json.Marshal(executingMarker{Holder: heartbeatID, ClaimedAt: time.Now().UTC()})

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		_, err := s.kv.Create(ctx, key, mine)
		if err == nil {
			return nil
		}
		if !goerrors.Is(err, state.ErrExists) {
			return storageErr(err, "claiming executing marker for agent %s", agentID)
		}

		entry, err := s.kv.Get(ctx, key)
		if goerrors.Is(err, state.ErrNotFound) {
			continue
		}
		if err != nil {
			return storageErr(err, "reading executing marker for agent %s", agentID)
		}
		var marker executingMarker
		_ = json.Unmarshal(entry.Value, &marker)

		if marker.Holder != "" && marker.Holder != heartbeatID {
			busy, err := s.holderBusy(ctx, marker)
			if err != nil {
				return err
			}
			if busy {
				return errors.Conflict(fmt.Sprintf("agent %s already has heartbeat %s executing", agentID, marker.Holder),
					errors.WithAgentID(agentID), errors.WithHeartbeatID(heartbeatID))
			}
		}
		if _, err := s.kv.Update(ctx, key, mine, entry.Revision); err == nil {
			return nil
		}
	}
	return errors.Conflict(fmt.Sprintf("executing marker for agent %s is contended", agentID),
		errors.WithAgentID(agentID))
}

func (s *KVStore) holderBusy(ctx context.Context, marker executingMarker) (bool, error) {
	current, err := s.GetHeartbeat(ctx, marker.Holder)
	if errors.Is(err, errors.ErrCodeNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	switch current.Status {
	case model.HeartbeatExecuting:
		return true, nil
	case model.HeartbeatPending:
		return time.Since(marker.ClaimedAt) < claimGrace, nil
	default:
		return false, nil
	}
}

// releaseExecuting frees the marker if heartbeatID still holds it.
func (s *KVStore) releaseExecuting(ctx context.Context, agentID, heartbeatID string) {
	key := executingPrefix + agentID
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		return
	}
	var marker executingMarker
	if json.Unmarshal(entry.Value, &marker) != nil || marker.Holder != heartbeatID {
		return
	}
	free, _ := json.Marshal(executingMarker{})
	_, _ = s.kv.Update(ctx, key, free, entry.Revision)
}

// LastCompletedHeartbeat returns the most recently completed heartbeat.
// The heartbeat-last pointer answers directly; when it is missing or points
// at a heartbeat whose completion did not land, the agent's heartbeats are
// scanned.
func (s *KVStore) LastCompletedHeartbeat(ctx context.Context, agentID string) (*model.Heartbeat, error) {
	entry, err := s.kv.Get(ctx, hbLastPrefix+agentID)
	switch {
	case err == nil:
		hb, err := s.GetHeartbeat(ctx, string(entry.Value))
		if err == nil && hb.Status == model.HeartbeatCompleted && hb.CompletedAt != nil {
			return hb, nil
		}
		if err != nil && !errors.Is(err, errors.ErrCodeNotFound) {
			return nil, err
		}
	case !goerrors.Is(err, state.ErrNotFound):
		return nil, storageErr(err, "loading last heartbeat of agent %s", agentID)
	}

	done, err := s.agentHeartbeats(ctx, agentID, func(hb *model.Heartbeat) bool {
		return hb.Status == model.HeartbeatCompleted && hb.CompletedAt != nil
	})
	if err != nil {
		return nil, err
	}
	var last *model.Heartbeat
	for _, hb := range done {
		if last == nil || hb.CompletedAt.After(*last.CompletedAt) {
			last = hb
		}
	}
	return last, nil
}

// ActiveHeartbeat returns a PENDING or EXECUTING heartbeat of the agent.
func (s *KVStore) ActiveHeartbeat(ctx context.Context, agentID string) (*model.Heartbeat, error) {
	active, err := s.agentHeartbeats(ctx, agentID, func(hb *model.Heartbeat) bool {
		return hb.Status == model.HeartbeatPending || hb.Status == model.HeartbeatExecuting
	})
	if err != nil {
		return nil, err
	}
	return pickActive(active), nil
}

// ListHeartbeats returns the agent's heartbeats by schedule.
func (s *KVStore) ListHeartbeats(ctx context.Context, agentID string) ([]*model.Heartbeat, error) {
	out, err := s.agentHeartbeats(ctx, agentID, func(*model.Heartbeat) bool { return true })
	if err != nil {
		return nil, err
	}
	sortBySchedule(out)
	return out, nil
}

// --- Events ---

// AppendEvent writes an event and, for agent events, its window index entry.
func (s *KVStore) AppendEvent(ctx context.Context, ev *model.Event) error {
	if ev.EventType == "" {
		return errors.InvalidInput("event type required")
	}
	if err := prepareEvent(ev); err != nil {
		return err
	}
	if ev.AgentID != "" {
		key := eventByAgentPrefix + ev.AgentID + "." + stamp(ev.CreatedAt) + "." + ev.ID
		if _, err := s.kv.Put(ctx, key, nil); err != nil {
			return storageErr(err, "indexing event %s", ev.ID)
		}
	}
	return s.create(ctx, eventPrefix+ev.ID, ev)
}

// GetEvent loads an event.
func (s *KVStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	var ev model.Event
	if _, err := s.load(ctx, eventPrefix+id, "event", id, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// GetEventsInWindow returns the agent's events inside [start, end).
func (s *KVStore) GetEventsInWindow(ctx context.Context, agentID string, start, end time.Time) ([]*model.Event, error) {
	keys, err := s.keysAfter(ctx, eventByAgentPrefix+agentID+".")
	if err != nil {
		return nil, err
	}
	w := model.Window{Start: start, End: end}
	var out []*model.Event
	for _, k := range keys {
		at, id, ok := splitStamped(k)
		if !ok || !w.Contains(at) {
			continue
		}
		ev, err := s.GetEvent(ctx, id)
		if errors.Is(err, errors.ErrCodeNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if w.Contains(ev.CreatedAt) {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// --- Tools ---

// PutTool inserts or replaces a tool, keeping names unique.
func (s *KVStore) PutTool(ctx context.Context, tool *model.Tool) error {
	if tool.Name == "" {
		return errors.InvalidInput("tool name required")
	}
	if tool.ID == "" {
		if existing, err := s.GetToolByName(ctx, tool.Name); err == nil {
			tool.ID = existing.ID
		} else {
			tool.ID = NewID()
		}
	}

	nameKey := toolNamePrefix + tool.Name
	if _, err := s.kv.Create(ctx, nameKey, []byte(tool.ID)); err != nil {
		if !goerrors.Is(err, state.ErrExists) {
			return storageErr(err, "reserving tool name %s", tool.Name)
		}
		owner, err := s.kv.Get(ctx, nameKey)
		if err != nil {
			return storageErr(err, "reading tool name %s", tool.Name)
		}
		if string(owner.Value) != tool.ID {
			return errors.Conflict(fmt.Sprintf("tool name %s already used by %s", tool.Name, owner.Value))
		}
	}

	if prev, err := s.GetTool(ctx, tool.ID); err == nil && prev.Name != tool.Name {
		_ = s.kv.Delete(ctx, toolNamePrefix+prev.Name)
	}
	return s.save(ctx, toolPrefix+tool.ID, tool)
}

// GetTool loads a tool.
func (s *KVStore) GetTool(ctx context.Context, id string) (*model.Tool, error) {
	var t model.Tool
	if _, err := s.load(ctx, toolPrefix+id, "tool", id, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetToolByName loads a tool by its unique name.
func (s *KVStore) GetToolByName(ctx context.Context, name string) (*model.Tool, error) {
	e, err := s.kv.Get(ctx, toolNamePrefix+name)
	if err != nil {
		if goerrors.Is(err, state.ErrNotFound) {
			return nil, errors.NotFound("tool", name)
		}
		return nil, storageErr(err, "loading tool %s", name)
	}
	return s.GetTool(ctx, string(e.Value))
}

// ListTools returns all tools ordered by name.
func (s *KVStore) ListTools(ctx context.Context) ([]*model.Tool, error) {
	ids, err := s.keysAfter(ctx, toolPrefix)
	if err != nil {
		return nil, err
	}
	var out []*model.Tool
	for _, id := range ids {
		t, err := s.GetTool(ctx, id)
		if errors.Is(err, errors.ErrCodeNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// PutSubscription inserts or replaces a subscription.
func (s *KVStore) PutSubscription(ctx context.Context, sub *model.ToolSubscription) error {
	if sub.ToolID == "" || sub.EventType == "" {
		return errors.InvalidInput("subscription needs tool id and event type")
	}
	if _, err := s.GetTool(ctx, sub.ToolID); err != nil {
		return err
	}

	uniqueKey := subKeyPrefix + sub.ToolID + "." + string(sub.EventType)
	if existing, err := s.kv.Get(ctx, uniqueKey); err == nil {
		if sub.ID == "" {
			sub.ID = string(existing.Value)
		} else if sub.ID != string(existing.Value) {
			return errors.Conflict(fmt.Sprintf("tool %s already subscribed to %s", sub.ToolID, sub.EventType))
		}
	} else if !goerrors.Is(err, state.ErrNotFound) {
		return storageErr(err, "reading subscription key")
	}
	if sub.ID == "" {
		sub.ID = NewID()
	}
	if _, err := s.kv.Put(ctx, uniqueKey, []byte(sub.ID)); err != nil {
		return storageErr(err, "writing subscription key")
	}
	return s.save(ctx, subPrefix+sub.ID, sub)
}

func (s *KVStore) allSubscriptions(ctx context.Context) ([]*model.ToolSubscription, error) {
	ids, err := s.keysAfter(ctx, subPrefix)
	if err != nil {
		return nil, err
	}
	var out []*model.ToolSubscription
	for _, id := range ids {
		var sub model.ToolSubscription
		if _, err := s.load(ctx, subPrefix+id, "subscription", id, &sub); err != nil {
			if errors.Is(err, errors.ErrCodeNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, &sub)
	}
	sortSubscriptions(out)
	return out, nil
}

// GetActiveSubscriptions returns active subscriptions for an event type.
func (s *KVStore) GetActiveSubscriptions(ctx context.Context, eventType model.EventType) ([]*model.ToolSubscription, error) {
	all, err := s.allSubscriptions(ctx)
	if err != nil {
		return nil, err
	}
	var out []*model.ToolSubscription
	for _, sub := range all {
		if sub.IsActive && sub.EventType == eventType {
			out = append(out, sub)
		}
	}
	return out, nil
}

// ListSubscriptions returns all subscriptions.
func (s *KVStore) ListSubscriptions(ctx context.Context) ([]*model.ToolSubscription, error) {
	return s.allSubscriptions(ctx)
}

// --- Actions ---

// CreateAction inserts an action.
func (s *KVStore) CreateAction(ctx context.Context, action *model.Action) error {
	if action.HeartbeatID == "" || action.EventID == "" || action.ToolID == "" {
		return errors.InvalidInput("action needs heartbeat, event and tool ids")
	}
	prepareAction(action)
	if err := s.create(ctx, actionPrefix+action.ID, action); err != nil {
		return err
	}
	if _, err := s.kv.Put(ctx, actionByHBPrefix+action.HeartbeatID+"."+action.ID, nil); err != nil {
		return storageErr(err, "indexing action %s", action.ID)
	}
	return nil
}

// UpdateAction performs a revision-checked action transition.
func (s *KVStore) UpdateAction(ctx context.Context, id string, from model.ActionStatus, upd model.ActionUpdate) (*model.Action, error) {
	if !from.CanTransition(upd.Status) {
		return nil, errors.InvalidInput(fmt.Sprintf("illegal action transition %s -> %s", from, upd.Status))
	}
	var a model.Action
	rev, err := s.load(ctx, actionPrefix+id, "action", id, &a)
	if err != nil {
		return nil, err
	}
	if a.Status != from {
		return nil, errors.Conflict(fmt.Sprintf("action %s is %s, expected %s", id, a.Status, from),
			errors.WithActionID(id))
	}
	upd.Apply(&a)
	data, err := json.Marshal(&a)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeInternal, "encoding action")
	}
	if _, err := s.kv.Update(ctx, actionPrefix+id, data, rev); err != nil {
		if goerrors.Is(err, state.ErrRevisionMismatch) {
			return nil, errors.Conflict(fmt.Sprintf("action %s changed concurrently", id), errors.WithActionID(id))
		}
		return nil, storageErr(err, "updating action %s", id)
	}
	return &a, nil
}

// GetAction loads an action.
func (s *KVStore) GetAction(ctx context.Context, id string) (*model.Action, error) {
	var a model.Action
	if _, err := s.load(ctx, actionPrefix+id, "action", id, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// ListActions returns a heartbeat's actions in creation order.
func (s *KVStore) ListActions(ctx context.Context, heartbeatID string) ([]*model.Action, error) {
	ids, err := s.keysAfter(ctx, actionByHBPrefix+heartbeatID+".")
	if err != nil {
		return nil, err
	}
	var out []*model.Action
	for _, id := range ids {
		a, err := s.GetAction(ctx, id)
		if errors.Is(err, errors.ErrCodeNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func sortBySchedule(hbs []*model.Heartbeat) {
	sort.SliceStable(hbs, func(i, j int) bool {
		if !hbs[i].ScheduledAt.Equal(hbs[j].ScheduledAt) {
			return hbs[i].ScheduledAt.Before(hbs[j].ScheduledAt)
		}
		return hbs[i].ID < hbs[j].ID
	})
}

func sortSubscriptions(subs []*model.ToolSubscription) {
	sort.SliceStable(subs, func(i, j int) bool {
		if subs[i].ExecutionOrder != subs[j].ExecutionOrder {
			return subs[i].ExecutionOrder < subs[j].ExecutionOrder
		}
		return subs[i].ToolID < subs[j].ToolID
	})
}

func pickActive(hbs []*model.Heartbeat) *model.Heartbeat {
	var pending *model.Heartbeat
	for _, hb := range hbs {
		if hb.Status == model.HeartbeatExecuting {
			return hb
		}
		if pending == nil || hb.ScheduledAt.Before(pending.ScheduledAt) {
			pending = hb
		}
	}
	return pending
}
