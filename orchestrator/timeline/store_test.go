package timeline

import (
	"fmt"
	"testing"
	"time"
)

func TestRecordAndFilter(t *testing.T) {
	s := NewStore()
	s.Record(RequestEvent{RequestNumber: "BOM/MDM/C/00001", Table: "BOM", Stage: "SUBMITTED", Level: -1})
	s.Record(RequestEvent{RequestNumber: "BOM/MDM/C/00002", Table: "BOM", Stage: "SUBMITTED", Level: -1})
	s.Record(RequestEvent{RequestNumber: "BOM/MDM/C/00001", Table: "BOM", Stage: "LEVEL_DECIDED", Actor: ActorApprover, Level: 1})

	got := s.GetEvents("BOM/MDM/C/00001")
	if len(got) != 2 {
		t.Fatalf("GetEvents = %d events, want 2", len(got))
	}
	if got[0].Stage != "SUBMITTED" || got[1].Stage != "LEVEL_DECIDED" {
		t.Fatalf("event order = %s, %s", got[0].Stage, got[1].Stage)
	}
	if got[0].Timestamp.IsZero() {
		t.Fatal("Record should default the timestamp")
	}

	byStage := s.GetEventsByStage("SUBMITTED")
	if len(byStage) != 2 {
		t.Fatalf("GetEventsByStage = %d events, want 2", len(byStage))
	}
}

func TestRecentReturnsNewestInOrder(t *testing.T) {
	s := NewStore()
	base := time.Now()
	for i := 0; i < 5; i++ {
		s.Record(RequestEvent{
			RequestNumber: fmt.Sprintf("BOM/MDM/C/%05d", i+1),
			Stage:         "SUBMITTED",
			Timestamp:     base.Add(time.Duration(i) * time.Second),
		})
	}

	got := s.Recent(2)
	if len(got) != 2 {
		t.Fatalf("Recent(2) = %d events", len(got))
	}
	if got[0].RequestNumber != "BOM/MDM/C/00004" || got[1].RequestNumber != "BOM/MDM/C/00005" {
		t.Fatalf("Recent order = %s, %s", got[0].RequestNumber, got[1].RequestNumber)
	}

	if len(s.Recent(0)) != 5 {
		t.Fatalf("Recent(0) should return everything")
	}
}

func TestOverflowDropsOldestHalf(t *testing.T) {
	s := NewStore()
	for i := 0; i < maxEvents+1; i++ {
		s.Record(RequestEvent{RequestNumber: fmt.Sprintf("r%d", i), Stage: "SUBMITTED"})
	}

	all := s.GetAllEvents()
	if len(all) > maxEvents {
		t.Fatalf("log grew to %d, cap is %d", len(all), maxEvents)
	}
	if all[len(all)-1].RequestNumber != fmt.Sprintf("r%d", maxEvents) {
		t.Fatalf("newest event lost: %s", all[len(all)-1].RequestNumber)
	}
}

func TestWatchDeliversNewEvents(t *testing.T) {
	s := NewStore()
	s.Record(RequestEvent{RequestNumber: "BOM/MDM/C/00001", Stage: "SUBMITTED"})

	ch := s.Watch(4)
	s.Record(RequestEvent{RequestNumber: "BOM/MDM/C/00001", Stage: "ALLOCATED", Agent: "bob"})

	select {
	case e := <-ch:
		if e.Stage != "ALLOCATED" || e.Agent != "bob" {
			t.Fatalf("watched event = %s/%s, want ALLOCATED/bob", e.Stage, e.Agent)
		}
	case <-time.After(time.Second):
		t.Fatal("Watch channel received nothing")
	}

	select {
	case e := <-ch:
		t.Fatalf("unexpected extra event %s; pre-Watch history must not replay", e.Stage)
	default:
	}
}

func TestWatchNeverBlocksRecord(t *testing.T) {
	s := NewStore()
	s.Watch(1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			s.Record(RequestEvent{RequestNumber: fmt.Sprintf("R-%d", i), Stage: "SUBMITTED"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full watcher")
	}
}
