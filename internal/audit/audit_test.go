package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type countingSink struct {
	n atomic.Int64
}

func (s *countingSink) Emit(context.Context, Event) { s.n.Add(1) }

type gateSink struct {
	gate chan struct{}
}

func (s *gateSink) Emit(context.Context, Event) { <-s.gate }

func TestDispatcherDisabledIsNil(t *testing.T) {
	d := NewDispatcher(Config{}, &countingSink{})
	if d != nil {
		t.Fatal("disabled dispatcher should be nil")
	}
	d.Emit(context.Background(), Event{Type: EventLogin})
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("nil dispatcher must report zero drops")
	}
}

func TestDispatcherFlushesOnClose(t *testing.T) {
	sink := &countingSink{}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 64}, sink)
	for i := 0; i < 50; i++ {
		d.Emit(context.Background(), Event{Type: EventRefresh})
	}
	d.Close()
	if got := sink.n.Load(); got != 50 {
		t.Fatalf("expected 50 delivered events, got %d", got)
	}
	d.Emit(context.Background(), Event{Type: EventRefresh})
	if got := sink.n.Load(); got != 50 {
		t.Fatalf("emit after close must be ignored, got %d", got)
	}
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	sink := &gateSink{gate: make(chan struct{})}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1, DropIfFull: true}, sink)

	start := time.Now()
	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), Event{Type: EventLogin})
	}
	if time.Since(start) > time.Second {
		t.Fatal("drop mode must not block the caller")
	}
	if d.Dropped() == 0 {
		t.Fatal("expected dropped events")
	}
	close(sink.gate)
	d.Close()
}

func TestDispatcherBlockingRespectsContext(t *testing.T) {
	sink := &gateSink{gate: make(chan struct{})}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1}, sink)

	// One event is held by the sink, one fills the buffer.
	d.Emit(context.Background(), Event{Type: EventLogin})
	d.Emit(context.Background(), Event{Type: EventLogin})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	d.Emit(ctx, Event{Type: EventLogin})
	if d.Dropped() != 1 {
		t.Fatalf("expected the timed out event to be counted, got %d", d.Dropped())
	}
	close(sink.gate)
	d.Close()
}

func TestJSONWriterSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewJSONWriterSink(&buf)
	s.Emit(context.Background(), Event{Type: EventLogout, AccountID: "u1", Success: true})
	s.Emit(context.Background(), Event{Type: EventRefreshReuse, AccountID: "u1", Error: "reuse"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	var ev Event
	if err := json.Unmarshal([]byte(lines[1]), &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != EventRefreshReuse || ev.AccountID != "u1" || ev.Success {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestZapSinkLevels(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	s := NewZapSink(zap.New(core))
	s.Emit(context.Background(), Event{Type: EventLogin, AccountID: "u1", Success: true})
	s.Emit(context.Background(), Event{Type: EventRefreshReuse, AccountID: "u1", Error: "reuse detected"})

	all := logs.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(all))
	}
	if all[0].Level != zapcore.InfoLevel || all[1].Level != zapcore.WarnLevel {
		t.Fatalf("unexpected levels %v %v", all[0].Level, all[1].Level)
	}
	if all[1].ContextMap()["account_id"] != "u1" {
		t.Fatalf("missing account_id field: %v", all[1].ContextMap())
	}
}
