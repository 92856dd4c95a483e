package runengine

import (
	"context"
	"testing"
	"time"

	"chatgateway/pkg/backend/demo"
	"chatgateway/pkg/bus"
	"chatgateway/pkg/history"
	"chatgateway/pkg/idempotency"
	"chatgateway/pkg/mcp"
	"chatgateway/pkg/tools"
)

func newTestEngine() *Engine {
	return New(bus.New(), history.NewStore(nil), idempotency.New(10, time.Minute), tools.NewRegistry(), mcp.NoopClient{}, demo.New(), "")
}

func TestSendAndWaitCompletesARun(t *testing.T) {
	e := newTestEngine()
	runID, err := e.Send("sess", "hello there", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	result, err := e.Wait(context.Background(), runID, time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result.State != StateCompleted {
		t.Fatalf("expected completed, got %s", result.State)
	}
	if result.Text == "" {
		t.Fatal("expected non-empty accumulated text")
	}
}

func TestSendRejectsBlankSessionOrMessage(t *testing.T) {
	e := newTestEngine()
	if _, err := e.Send("", "hi", ""); err == nil {
		t.Fatal("expected error for blank sessionKey")
	}
	if _, err := e.Send("sess", "  ", ""); err == nil {
		t.Fatal("expected error for blank message")
	}
}

func TestSendDeduplicatesOnIdempotencyKey(t *testing.T) {
	e := newTestEngine()
	if _, err := e.Send("sess", "hi", "key-1"); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if _, err := e.Send("sess", "hi again", "key-1"); !IsDuplicateErr(err) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestRunAndWaitDrivesOneTurnSynchronously(t *testing.T) {
	e := newTestEngine()
	result, err := e.RunAndWait(context.Background(), "http-default", "hello", time.Second)
	if err != nil {
		t.Fatalf("RunAndWait: %v", err)
	}
	if result.State != StateCompleted {
		t.Fatalf("expected completed, got %s", result.State)
	}
}

func TestAbortResolvesWaitersImmediately(t *testing.T) {
	e := newTestEngine()
	// The demo backend's default (non-greeting, non-weather) canned reply is
	// streamed word-by-word at 15ms/word after an initial 50ms delay, which
	// holds the stream open long enough to abort mid-flight.
	runID, err := e.Send("sess", "xyzzy plugh", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitDone := make(chan WaitResult, 1)
	go func() {
		result, err := e.Wait(context.Background(), runID, 5*time.Second)
		if err != nil {
			t.Errorf("Wait: %v", err)
			return
		}
		waitDone <- result
	}()

	// Give the run a moment to register as running before aborting it.
	time.Sleep(10 * time.Millisecond)
	abortedID, ok := e.Abort("sess", runID)
	if !ok || abortedID != runID {
		t.Fatalf("expected abort to succeed for %s, got ok=%v id=%s", runID, ok, abortedID)
	}

	select {
	case result := <-waitDone:
		if result.State != StateAborted {
			t.Fatalf("expected aborted, got %s", result.State)
		}
	case <-time.After(time.Second):
		t.Fatal("agent.wait did not resolve promptly after abort")
	}
}

func TestAbortOfUnknownRunReportsFalse(t *testing.T) {
	e := newTestEngine()
	if _, ok := e.Abort("sess", "does-not-exist"); ok {
		t.Fatal("expected abort of an unknown run to report false")
	}
}

func TestSlashNewClearsSessionHistory(t *testing.T) {
	e := newTestEngine()
	if _, err := e.RunAndWait(context.Background(), "sess", "remember this", time.Second); err != nil {
		t.Fatalf("seed message: %v", err)
	}
	if got := e.History.Get("sess", 10); len(got) == 0 {
		t.Fatal("expected seeded history before /new")
	}

	result, err := e.RunAndWait(context.Background(), "sess", "/new", time.Second)
	if err != nil {
		t.Fatalf("/new: %v", err)
	}
	if result.State != StateCompleted {
		t.Fatalf("expected /new to complete, got %s", result.State)
	}
	if got := e.History.Get("sess", 10); len(got) != 1 || got[0].Role != "assistant" {
		t.Fatalf("expected history cleared by /new down to its own assistant reply, got %+v", got)
	}
}

func TestCancelAllAbortsEveryRunningRun(t *testing.T) {
	e := newTestEngine()
	runID, err := e.Send("sess", "xyzzy plugh", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	e.CancelAll()

	result, err := e.Wait(context.Background(), runID, time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result.State != StateAborted {
		t.Fatalf("expected aborted after CancelAll, got %s", result.State)
	}
}
