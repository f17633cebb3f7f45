package session

import (
	"context"
	"testing"
	"time"

	"github.com/attuneai/attune/internal/models"
)

func TestSweepExpiredDeactivatesOnlyExpired(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	fresh, _ := m.CreateSession(ctx, "u1", "whatsapp", models.DeviceInfo{}, "", "")
	stale, _ := m.CreateSession(ctx, "u2", "whatsapp", models.DeviceInfo{}, "", "")

	var stored models.Session
	st.Get(ctx, models.CollectionSessions, stale.SessionID, &stored)
	stored.ExpiresAt = nowUTC().Add(-time.Hour)
	if err := st.Update(ctx, models.CollectionSessions, stale.SessionID, &stored); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	sw := NewSweeper(m, time.Minute)
	n, err := sw.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deactivation, got %d", n)
	}

	st.Get(ctx, models.CollectionSessions, stale.SessionID, &stored)
	if stored.IsActive || stored.DeactivationReason != models.ReasonSessionExpired {
		t.Errorf("expected stale session expired, got %+v", stored)
	}
	st.Get(ctx, models.CollectionSessions, fresh.SessionID, &stored)
	if !stored.IsActive {
		t.Error("fresh session must stay active")
	}
}

func TestSweepExpiredNothingToDo(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	m.CreateSession(ctx, "u1", "whatsapp", models.DeviceInfo{}, "", "")

	sw := NewSweeper(m, 0)
	n, err := sw.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no deactivations, got %d", n)
	}
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	m, _ := newTestManager(t)
	sw := NewSweeper(m, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sw.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}
