package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/fluxgate/toolrun/pkg/models"
)

func testEnvelope(t *testing.T, user string, params map[string]any) *models.Envelope {
	t.Helper()
	env, err := models.NewEnvelope(models.NewEnvelopeParams{
		ToolName:       "scada",
		CapabilityName: "read_tag",
		Parameters:     params,
		Context:        models.EnvelopeContext{CompanyID: "acme", UserID: user},
	})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	return env
}

func TestMemoryStore_CheckBeginCompleteCheck(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	env := testEnvelope(t, "u1", map[string]any{"a": 1})

	status, result, err := s.Check(ctx, env)
	if err != nil || status != CheckNew || result != nil {
		t.Fatalf("expected new/nil, got %v %v %v", status, result, err)
	}

	if err := s.Begin(ctx, env, time.Minute); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	status, _, err = s.Check(ctx, env)
	if err != nil || status != CheckInProgress {
		t.Fatalf("expected in_progress, got %v %v", status, err)
	}

	key := env.EffectiveIdempotencyKey()
	want := &models.Result{RequestID: env.RequestID, Success: true, Data: map[string]any{"x": 1}}
	if err := s.Complete(ctx, key, want); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	status, result, err = s.Check(ctx, env)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if status != CheckDuplicate {
		t.Fatalf("expected duplicate, got %v", status)
	}
	if result == nil || result.IdempotencyStatus != models.IdempotencyDuplicate || result.CachedAt == nil {
		t.Fatalf("expected cached duplicate result, got %+v", result)
	}
}

func TestMemoryStore_CheckBeginFailCheck(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	env := testEnvelope(t, "u1", map[string]any{"a": 1})

	if err := s.Begin(ctx, env, time.Minute); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	key := env.EffectiveIdempotencyKey()
	if err := s.Fail(ctx, key); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	status, result, err := s.Check(ctx, env)
	if err != nil || status != CheckNew || result != nil {
		t.Fatalf("expected new/nil after fail, got %v %v %v", status, result, err)
	}
}

func TestMemoryStore_ConcurrentDuplicatesCoalesce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	env := testEnvelope(t, "u1", map[string]any{"a": 1})
	key := env.EffectiveIdempotencyKey()

	if err := s.Begin(ctx, env, time.Minute); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	done := make(chan *models.Result, 1)
	go func() {
		result, err := s.Wait(ctx, key, time.Second)
		if err != nil {
			t.Errorf("Wait: %v", err)
		}
		done <- result
	}()

	time.Sleep(20 * time.Millisecond)
	want := &models.Result{RequestID: env.RequestID, Success: true, Data: map[string]any{"ok": 1}}
	if err := s.Complete(ctx, key, want); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	select {
	case result := <-done:
		if result == nil || result.Success != true {
			t.Fatalf("expected successful result from waiter, got %+v", result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke up")
	}

	stats := s.Stats()
	if stats.InProgressCount != 0 {
		t.Fatalf("expected no in-progress records after completion, got %d", stats.InProgressCount)
	}
}

func TestMemoryStore_RecordExpiresAfterTTL(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	env := testEnvelope(t, "u1", map[string]any{"a": 1})
	key := env.EffectiveIdempotencyKey()

	if err := s.Begin(ctx, env, time.Millisecond); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := s.Complete(ctx, key, &models.Result{Success: true}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	status, result, err := s.Check(ctx, env)
	if err != nil || status != CheckExpired || result != nil {
		t.Fatalf("expected expired, got %v %v %v", status, result, err)
	}
}

func TestEffectiveIdempotencyKey_StableAcrossParamOrder(t *testing.T) {
	a := testEnvelope(t, "u1", map[string]any{"a": 1, "b": 2})
	b := testEnvelope(t, "u1", map[string]any{"b": 2, "a": 1})
	if a.EffectiveIdempotencyKey() != b.EffectiveIdempotencyKey() {
		t.Fatalf("expected equal keys for semantically equal params")
	}
}
