package window

import "testing"

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	w := newWindow("default", "#go")
	l0 := w.Append(1000, JOIN, "alice")
	l1 := w.Append(1001, PRIVMSG, "alice", "hello")
	if l0.Seq != 0 || l1.Seq != 1 {
		t.Fatalf("got seqs %d, %d; want 0, 1", l0.Seq, l1.Seq)
	}
}

func TestAppendTrimsToMaxLines(t *testing.T) {
	w := newWindow("default", "#go")
	for i := 0; i < MaxLinesPerWindow+50; i++ {
		w.Append(int64(i), PRIVMSG, "alice", "x")
	}
	if len(w.Lines) != MaxLinesPerWindow {
		t.Fatalf("len(Lines) = %d, want %d", len(w.Lines), MaxLinesPerWindow)
	}
	if w.Lines[0].Seq != 50 {
		t.Fatalf("oldest retained Seq = %d, want 50", w.Lines[0].Seq)
	}
}

func TestMarkReadClampsToNewest(t *testing.T) {
	w := newWindow("default", "#go")
	w.Append(0, PRIVMSG, "a", "1")
	last := w.Append(0, PRIVMSG, "a", "2")

	w.MarkRead(last.Seq + 100)
	if w.MarkedReadUntil != last.Seq {
		t.Fatalf("MarkedReadUntil = %d, want %d", w.MarkedReadUntil, last.Seq)
	}

	w.MarkRead(0)
	if w.MarkedReadUntil != last.Seq {
		t.Fatal("MarkRead must not move the marker backwards")
	}
}

func TestClearDropsOnlyLinesBeforeSequence(t *testing.T) {
	w := newWindow("default", "#go")
	w.Append(0, PRIVMSG, "a", "1") // seq 0
	w.Append(0, PRIVMSG, "a", "2") // seq 1
	l2 := w.Append(0, PRIVMSG, "a", "3") // seq 2
	w.MarkRead(1)

	w.Clear(l2.Seq)
	if len(w.Lines) != 1 || w.Lines[0].Seq != l2.Seq {
		t.Fatalf("Lines = %+v, want only seq %d retained", w.Lines, l2.Seq)
	}
	for _, l := range w.Lines {
		if l.Seq < l2.Seq {
			t.Fatalf("line with seq %d < %d survived Clear", l.Seq, l2.Seq)
		}
	}
	if w.MarkedReadUntil != 1 {
		t.Fatalf("MarkedReadUntil = %d, want unchanged at 1 (Clear is independent of MarkRead)", w.MarkedReadUntil)
	}
}

func TestClearWithSequenceBeyondNewestDropsEverything(t *testing.T) {
	w := newWindow("default", "#go")
	w.Append(0, PRIVMSG, "a", "1")
	w.Append(0, PRIVMSG, "a", "2")

	w.Clear(1000)
	if len(w.Lines) != 0 {
		t.Fatalf("len(Lines) = %d, want 0", len(w.Lines))
	}
}

func TestSetGetOrCreateIsStableAndOrdered(t *testing.T) {
	s := NewSet()
	a := s.GetOrCreate("default", "")
	b := s.GetOrCreate("default", "#go")
	again := s.GetOrCreate("default", "")
	if a != again {
		t.Fatal("GetOrCreate returned a distinct window for an existing key")
	}
	all := s.All()
	if len(all) != 2 || all[0] != a || all[1] != b {
		t.Fatal("All() did not preserve insertion order")
	}
}

func TestSetRemoveProfileDropsOnlyThatProfile(t *testing.T) {
	s := NewSet()
	s.GetOrCreate("default", "")
	s.GetOrCreate("default", "#go")
	s.GetOrCreate("work", "")

	s.RemoveProfile("default")

	all := s.All()
	if len(all) != 1 || all[0].Profile != "work" {
		t.Fatalf("RemoveProfile left unexpected windows: %+v", all)
	}
}

func TestFlagsTypeMasksModifiers(t *testing.T) {
	f := PRIVMSG | OUTGOING | NICKFLAG
	if f.Type() != PRIVMSG {
		t.Fatalf("Type() = %v, want PRIVMSG", f.Type())
	}
}
