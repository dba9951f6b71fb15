package update

import (
	"context"
	"testing"
	"time"
)

func TestAddAssignsMonotonicIDs(t *testing.T) {
	f := NewFeed()
	u0 := f.Add("CONNECTED", "default")
	u1 := f.Add("APPEND", "default", "", 0, 0, 0)
	if u0.ID != 0 || u1.ID != 1 {
		t.Fatalf("got IDs %d, %d; want 0, 1", u0.ID, u1.ID)
	}
}

func TestGetUpdatesReturnsBufferedRange(t *testing.T) {
	f := NewFeed()
	for i := 0; i < 5; i++ {
		f.Add("APPEND", i)
	}
	got, err := f.GetUpdates(context.Background(), 2, 0)
	if err != nil {
		t.Fatalf("GetUpdates: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d updates, want 3", len(got))
	}
	if got[0].ID != 2 {
		t.Fatalf("first update ID = %d, want 2", got[0].ID)
	}
}

func TestGetUpdatesOutOfRangeSignalsResync(t *testing.T) {
	f := NewFeed()
	f.Add("APPEND", 0)
	_, err := f.GetUpdates(context.Background(), 99, 0)
	if err != ErrOutOfRange {
		t.Fatalf("err = %v, want ErrOutOfRange", err)
	}
}

func TestGetUpdatesRejectsNegativeStartID(t *testing.T) {
	f := NewFeed()
	if _, err := f.GetUpdates(context.Background(), -1, 0); err == nil {
		t.Fatal("expected error for negative startID")
	}
}

func TestGetUpdatesBlocksThenReturnsNewUpdate(t *testing.T) {
	f := NewFeed()
	start := f.NextID()

	go func() {
		time.Sleep(50 * time.Millisecond)
		f.Add("CONNECTED", "default")
	}()

	got, err := f.GetUpdates(context.Background(), start, 2000)
	if err != nil {
		t.Fatalf("GetUpdates: %v", err)
	}
	if len(got) != 1 || got[0].Data[0] != "CONNECTED" {
		t.Fatalf("got %+v, want one CONNECTED update", got)
	}
}

func TestGetUpdatesTimesOutWithEmptyResult(t *testing.T) {
	f := NewFeed()
	start := f.NextID()

	begin := time.Now()
	got, err := f.GetUpdates(context.Background(), start, 100)
	elapsed := time.Since(begin)

	if err != nil {
		t.Fatalf("GetUpdates: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d updates, want 0", len(got))
	}
	if elapsed < 90*time.Millisecond {
		t.Fatalf("returned too early: %v", elapsed)
	}
}

func TestAddPurgesOldestHalfOnOverflow(t *testing.T) {
	f := NewFeed()
	for i := 0; i < MaxBuffered+10; i++ {
		f.Add("APPEND", i)
	}
	f.mu.Lock()
	n := len(f.recent)
	oldest := f.recent[0].ID
	f.mu.Unlock()
	if n > MaxBuffered {
		t.Fatalf("buffer not purged: len = %d", n)
	}
	// The purge fires once, at MaxBuffered+1 entries, dropping the oldest
	// (MaxBuffered+1)/2 = MaxBuffered/2 of them.
	if oldest != int64(MaxBuffered/2) {
		t.Fatalf("oldest retained ID = %d, want %d after purge of the oldest half", oldest, MaxBuffered/2)
	}
}
