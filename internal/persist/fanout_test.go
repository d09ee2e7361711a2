package persist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// memSink records every batch it receives; optionally fails.
type memSink struct {
	name string
	fail bool

	mu      sync.Mutex
	records []Record
	writes  int
}

func (m *memSink) Name() string { return m.name }

func (m *memSink) Write(_ context.Context, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.fail {
		return errors.New("sink down")
	}
	m.records = append(m.records, records...)
	return nil
}

func (m *memSink) Ping(context.Context) error { return nil }
func (m *memSink) Close() error               { return nil }

func (m *memSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func testRecord(tenant string) Record {
	return Record{
		ID:          uuid.New(),
		TenantID:    tenant,
		Route:       "chat_completions",
		Provider:    "openai",
		Model:       "gpt-4o",
		Status:      StatusSucceeded,
		CacheStatus: "miss",
		CreatedAt:   time.Now().UTC(),
	}
}

func TestFanout_WritesBothSinks(t *testing.T) {
	hot := &memSink{name: "hot"}
	analytics := &memSink{name: "analytics"}

	f, err := NewFanout(context.Background(), nil, hot, analytics)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		if !f.Publish(testRecord("t1")) {
			t.Fatal("publish should succeed with an empty buffer")
		}
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	if hot.count() != 5 {
		t.Errorf("hot sink received %d records, want 5", hot.count())
	}
	if analytics.count() != 5 {
		t.Errorf("analytics sink received %d records, want 5", analytics.count())
	}
}

func TestFanout_OneSinkFailingDoesNotBlockTheOther(t *testing.T) {
	hot := &memSink{name: "hot", fail: true}
	analytics := &memSink{name: "analytics"}

	f, _ := NewFanout(context.Background(), nil, hot, analytics)

	f.Publish(testRecord("t1"))
	f.Publish(testRecord("t1"))
	f.Close()

	if analytics.count() != 2 {
		t.Errorf("analytics should receive records despite hot failure, got %d", analytics.count())
	}
	if f.SinkFailures() == 0 {
		t.Error("failed sink writes should be counted")
	}
}

func TestFanout_FlushOnInterval(t *testing.T) {
	sink := &memSink{name: "hot"}
	f, _ := NewFanout(context.Background(), nil, sink)
	defer f.Close()

	f.Publish(testRecord("t1"))

	// Less than a batch — must still flush within the ticker interval.
	deadline := time.Now().Add(3 * flushInterval)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sink.count() != 1 {
		t.Errorf("expected interval flush, got %d records", sink.count())
	}
}

func TestFanout_DropsWhenFull(t *testing.T) {
	// No consumer ever runs against a closed-over full channel: fill the
	// buffer faster than the flusher can drain by using a slow sink.
	slow := &memSink{name: "slow"}
	f, _ := NewFanout(context.Background(), nil, slow)
	defer f.Close()

	dropped := false
	for i := 0; i < channelBuffer+batchSize+1; i++ {
		if !f.Publish(testRecord("t1")) {
			dropped = true
			break
		}
	}
	// Either the flusher kept up (fine) or drops were counted correctly.
	if dropped && f.Dropped() == 0 {
		t.Error("dropped records must be counted")
	}
}

func TestFanout_NoSinks(t *testing.T) {
	f, _ := NewFanout(context.Background(), nil)
	f.Publish(testRecord("t1"))
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestStatus_Terminal(t *testing.T) {
	terminal := []Status{StatusSucceeded, StatusFailed, StatusServedFromCache}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusForwarding} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
