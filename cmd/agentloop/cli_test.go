package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vinayprograms/agentloop/config"
	"github.com/vinayprograms/agentloop/errors"
	"github.com/vinayprograms/agentloop/logging"
	"github.com/vinayprograms/agentloop/model"
)

const testConfig = `
[store]
backend = "sqlite"
path = "%DIR%/loop.db"

[[agents]]
id = "ada"
name = "Ada"
handle = "ada"
heartbeat_interval = 15

[[agents]]
id = "grace"
name = "Grace"
handle = "grace"
heartbeat_interval = 30

[[tools]]
name = "relay"
capability = "emit"
[tools.config]
emit_type = "FEED_SUMMARIZED"

[[subscriptions]]
tool = "relay"
event_type = "NEW_MENTION"
`

// unknownCapability subscribes a tool whose capability nothing provides.
const unknownCapability = `
[[tools]]
name = "digest"
capability = "summarize"

[[subscriptions]]
tool = "digest"
event_type = "RSS_FEED_CHECK"
`

func writeConfig(t *testing.T, extra ...string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agentloop.toml")
	data := strings.ReplaceAll(testConfig+strings.Join(extra, ""), "%DIR%", filepath.ToSlash(dir))
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	path := writeConfig(t)
	out, err := execute(t, "validate", "--config", path)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "2 agents, 1 tools, 1 subscriptions, sqlite store") {
		t.Errorf("output = %q", out)
	}

	if _, err := execute(t, "validate", "--config", filepath.Join(t.TempDir(), "none.toml")); err == nil {
		t.Error("validate of a missing file should fail")
	}
}

func TestValidateRejectsUnknownCapability(t *testing.T) {
	path := writeConfig(t, unknownCapability)
	_, err := execute(t, "validate", "--config", path)
	if !errors.Is(err, errors.ErrCodeCapabilityMissing) || !strings.Contains(err.Error(), "summarize") {
		t.Errorf("validate error = %v, want CAPABILITY_MISSING for summarize", err)
	}
}

func TestRunRefusesUnknownCapability(t *testing.T) {
	path := writeConfig(t, unknownCapability)
	_, err := execute(t, "run", "--config", path, "--shutdown-timeout", "5s")
	if !errors.Is(err, errors.ErrCodeCapabilityMissing) {
		t.Errorf("run error = %v, want CAPABILITY_MISSING", err)
	}
}

func TestEngineStartRefusesUnknownCapability(t *testing.T) {
	cfg := config.Default()
	cfg.Agents = []model.Agent{{ID: "ada", Name: "Ada", HeartbeatInterval: 15}}
	cfg.Tools = []config.ToolConfig{{Name: "digest", Capability: "summarize"}}
	cfg.Subscriptions = []config.SubscriptionConfig{{Tool: "digest", EventType: string(model.EventRSSFeedCheck)}}
	ctx := context.Background()

	eng, err := newEngine(ctx, cfg, logging.Nop())
	if err != nil {
		t.Fatalf("newEngine: %v", err)
	}
	defer eng.coord.ShutdownWithTimeout(5 * time.Second)

	if err := eng.start(ctx, true); !errors.Is(err, errors.ErrCodeCapabilityMissing) {
		t.Fatalf("start() error = %v, want CAPABILITY_MISSING", err)
	}
	if eng.sched.IsRunning() {
		t.Error("scheduler started despite an unresolved subscription")
	}
	if hbs, _ := eng.store.ListHeartbeats(ctx, "ada"); len(hbs) != 0 {
		t.Errorf("heartbeats = %d, want none", len(hbs))
	}
}

func TestSeedAndMentionCommands(t *testing.T) {
	path := writeConfig(t)
	out, err := execute(t, "seed", "--config", path)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if !strings.Contains(out, "seeded 2 agents, 1 tools, 1 subscriptions") {
		t.Errorf("seed output = %q", out)
	}

	out, err = execute(t, "mention", "--config", path, "--author", "ada", "--ref", "post-1", "thanks @grace and @ada")
	if err != nil {
		t.Fatalf("mention: %v", err)
	}
	if !strings.Contains(out, "NEW_MENTION -> grace") || strings.Contains(out, "-> ada") {
		t.Errorf("mention output = %q", out)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if out != "agentloop dev\n" {
		t.Errorf("version output = %q", out)
	}
}

func TestEngineRunsAndShutsDown(t *testing.T) {
	cfg := config.Default()
	cfg.Agents = []model.Agent{{ID: "ada", Name: "Ada", Handle: "ada", HeartbeatInterval: 15}}
	ctx := context.Background()

	eng, err := newEngine(ctx, cfg, logging.Nop())
	if err != nil {
		t.Fatalf("newEngine: %v", err)
	}
	if err := eng.start(ctx, true); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	var done, next *model.Heartbeat
	for (done == nil || next == nil || next.Status != model.HeartbeatPending) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		done, _ = eng.store.LastCompletedHeartbeat(ctx, "ada")
		next, _ = eng.store.ActiveHeartbeat(ctx, "ada")
	}
	if done == nil {
		t.Fatal("first heartbeat did not complete")
	}
	if done.EventsProcessed != 1 {
		t.Errorf("events processed = %d, want the heartbeat tick", done.EventsProcessed)
	}
	if next == nil || !next.ScheduledAt.Equal(done.CompletedAt.Add(15*time.Minute)) {
		t.Errorf("next heartbeat = %+v, want 15m after completion", next)
	}

	if err := eng.coord.ShutdownWithTimeout(5 * time.Second); err != nil {
		t.Errorf("shutdown: %v", err)
	}
	if eng.sched.IsRunning() {
		t.Error("scheduler still running after shutdown")
	}
}

func TestApplyAddsAgents(t *testing.T) {
	ctx := context.Background()
	eng, err := newEngine(ctx, config.Default(), logging.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer eng.coord.ShutdownWithTimeout(5 * time.Second)

	cfg := config.Default()
	cfg.Agents = []model.Agent{{ID: "lin", Name: "Lin", HeartbeatInterval: 20}}
	if err := eng.apply(ctx, cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}
	hb, err := eng.store.ActiveHeartbeat(ctx, "lin")
	if err != nil || hb == nil || hb.Status != model.HeartbeatPending {
		t.Errorf("ActiveHeartbeat() = %+v, %v", hb, err)
	}

	// Applying the same configuration again does not add a heartbeat.
	if err := eng.apply(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	all, _ := eng.store.ListHeartbeats(ctx, "lin")
	if len(all) != 1 {
		t.Errorf("heartbeats = %d, want 1", len(all))
	}
}
