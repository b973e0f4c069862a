package flights

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const flightsYAML = `
flights:
  IngestionBlockedForAgentId:
    enabled: true
    keys: [agent-blocked]
  IngestionBlockedForAssetGroupId:
    enabled: false
    keys: [ag-1]
  CommandLifecycleEventPublishDroppedEventDisabled:
    enabled: true
`

func writeFlights(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "flights.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write flights: %v", err)
	}
	return path
}

func TestFileEvaluator(t *testing.T) {
	path := writeFlights(t, t.TempDir(), flightsYAML)

	e, err := NewFileEvaluator(path)
	if err != nil {
		t.Fatalf("NewFileEvaluator: %v", err)
	}

	if !IsAgentBlocked(e, "agent-blocked") {
		t.Error("agent-blocked should be blocked")
	}
	if IsAgentBlocked(e, "agent-ok") {
		t.Error("agent-ok should not be blocked")
	}
	if IsAssetGroupBlocked(e, "ag-1") {
		t.Error("disabled flight must not block ag-1")
	}
	if !e.IsEnabled(PublishDroppedEventDisabled) {
		t.Error("dropped-event suppression should be on")
	}
	if !e.IsEnabledFor(PublishDroppedEventDisabled, "anything") {
		t.Error("a flight without keys applies to every key")
	}
	if e.IsEnabled("Unknown") {
		t.Error("unknown flights are off")
	}
}

func TestFileEvaluatorMissingFile(t *testing.T) {
	e, err := NewFileEvaluator(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file should not fail: %v", err)
	}
	if e.IsEnabled(IngestionBlockedForAgentID) {
		t.Error("expected every flight off")
	}
}

func TestFileEvaluatorBadYAML(t *testing.T) {
	path := writeFlights(t, t.TempDir(), "flights: [")
	if _, err := NewFileEvaluator(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeFlights(t, dir, flightsYAML)

	e, err := NewFileEvaluator(path)
	if err != nil {
		t.Fatalf("NewFileEvaluator: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		e.Watch(ctx)
		close(done)
	}()

	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)
	writeFlights(t, dir, `
flights:
  IngestionBlockedForAgentId:
    enabled: true
    keys: ["*"]
`)

	deadline := time.Now().Add(5 * time.Second)
	for !IsAgentBlocked(e, "any-agent") {
		if time.Now().After(deadline) {
			t.Fatal("watcher did not pick up the new flights file")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	<-done
}

func TestStatic(t *testing.T) {
	s := Static{
		IngestionBlockedForAssetGroupID: {Enabled: true, Keys: []string{"ag-9"}},
	}
	if !IsBlocked(s, "agent", "ag-9") {
		t.Error("ag-9 should be blocked")
	}
	if IsBlocked(s, "agent", "ag-1") {
		t.Error("ag-1 should not be blocked")
	}
}
