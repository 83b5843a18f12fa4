package approval

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/attachment"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/configcache"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/locks"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/mdm"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/rowstore"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/tabular"
)

func newFixture(t *testing.T) (*Syncer, *attachment.MemStore, string) {
	t.Helper()
	ctx := context.Background()

	backend := tabular.NewMemoryBackend()
	lm := locks.NewManager(locks.NewMemoryBackend(), locks.DefaultConfig(), zerolog.Nop())
	store := rowstore.New(backend, lm, mdm.ColRequestNumber, zerolog.Nop())

	headers := []string{mdm.ColBusinessUnit, mdm.ColDepartment, mdm.ColRequestType, configcache.ColLevel, configcache.ColApprovers}
	if err := backend.EnsureTable(ctx, mdm.TableApprovers, headers); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	rows := [][]string{
		{"PT-A", "Finance", "BOM Create", "1", "lead@x.test, second@x.test"},
		{"PT-A", "ALL", "ALL", "3", "director@x.test"},
	}
	for _, r := range rows {
		if _, err := backend.AppendRow(ctx, mdm.TableApprovers, r); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	cfg := configcache.New(store, zerolog.Nop())

	docs := attachment.NewMemStore()
	docs.RegisterTemplate("BOM Create", map[string]string{}, nil)
	handle, err := docs.Clone(ctx, "BOM Create", "BOM/MDM/C/00001")
	if err != nil {
		t.Fatalf("clone: %v", err)
	}

	return NewSyncer(docs, cfg, zerolog.Nop()), docs, handle
}

func baseRecord(handle string) tabular.Record {
	rec := tabular.Record{
		mdm.ColRequestNumber: "BOM/MDM/C/00001",
		mdm.ColAttachment:    handle,
	}
	for level := 0; level < 3; level++ {
		rec[mdm.StatusColumn(level)] = ""
		rec[mdm.NameColumn(level)] = ""
	}
	return rec
}

func testRequest() *mdm.Request {
	return &mdm.Request{
		RequestNumber: "BOM/MDM/C/00001",
		BusinessUnit:  "PT-A",
		Department:    "Finance",
		RequestType:   "BOM Create",
	}
}

func TestSyncLevelNoColumn(t *testing.T) {
	s, _, handle := newFixture(t)
	rec := baseRecord(handle) // carries levels 0..2 only

	res, err := s.SyncLevel(context.Background(), rec, testRequest(), 3)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Kind != NoLevel {
		t.Fatalf("kind = %v, want NoLevel", res.Kind)
	}
}

func TestSyncLevelInternalAuthoritative(t *testing.T) {
	s, _, handle := newFixture(t)
	rec := baseRecord(handle)
	rec[mdm.StatusColumn(1)] = mdm.ApproverApproved
	rec[mdm.NameColumn(1)] = "lead@x.test"

	res, err := s.SyncLevel(context.Background(), rec, testRequest(), 1)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Kind != Exists || res.Status != mdm.ApproverApproved || res.Name != "lead@x.test" {
		t.Fatalf("res = %+v, want Exists/Approved", res)
	}
}

func TestSyncLevelNeedReviewIsNotAuthoritative(t *testing.T) {
	s, _, handle := newFixture(t)
	rec := baseRecord(handle)
	rec[mdm.StatusColumn(0)] = mdm.RequesterNeedReview
	rec[mdm.NameColumn(0)] = "requester@x.test"

	res, err := s.SyncLevel(context.Background(), rec, testRequest(), 0)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Kind != Pending {
		t.Fatalf("kind = %v, want Pending while awaiting redo", res.Kind)
	}
	if res.IsApprover {
		t.Fatal("level 0 has no approver roster")
	}
}

func TestSyncLevelAutoApprovesUnconfiguredLevel(t *testing.T) {
	s, _, handle := newFixture(t)
	rec := baseRecord(handle)

	// Level 2 has no roster row at all.
	res, err := s.SyncLevel(context.Background(), rec, testRequest(), 2)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Kind != Decided || !res.AutoApproved {
		t.Fatalf("res = %+v, want synthesized decision", res)
	}
	if res.Status != mdm.ApproverApproved || res.Name != mdm.NoApprover {
		t.Fatalf("synthesized = (%s, %s)", res.Status, res.Name)
	}
}

func TestSyncLevelInvalidCellsAreCleared(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name   string
		status string
		actor  string
	}{
		{"status without name", mdm.ApproverApproved, ""},
		{"status outside enum", "approved", "lead@x.test"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, docs, handle := newFixture(t)
			rec := baseRecord(handle)
			if err := docs.WriteCell(ctx, handle, attachment.StatusCell(1), tc.status); err != nil {
				t.Fatalf("write: %v", err)
			}
			if tc.actor != "" {
				if err := docs.WriteCell(ctx, handle, attachment.NameCell(1), tc.actor); err != nil {
					t.Fatalf("write: %v", err)
				}
			}

			res, err := s.SyncLevel(ctx, rec, testRequest(), 1)
			if err != nil {
				t.Fatalf("sync: %v", err)
			}
			if res.Kind != Invalid {
				t.Fatalf("kind = %v, want Invalid", res.Kind)
			}
			cleared, _ := docs.ReadCell(ctx, handle, attachment.StatusCell(1))
			if cleared != "" {
				t.Fatalf("status cell = %q, want cleared", cleared)
			}
		})
	}
}

func TestSyncLevelPendingAndDecided(t *testing.T) {
	ctx := context.Background()
	s, docs, handle := newFixture(t)
	rec := baseRecord(handle)
	req := testRequest()

	res, err := s.SyncLevel(ctx, rec, req, 1)
	if err != nil {
		t.Fatalf("sync pending: %v", err)
	}
	if res.Kind != Pending || !res.IsApprover {
		t.Fatalf("res = %+v, want Pending with approvers", res)
	}
	if len(res.Roster) != 2 {
		t.Fatalf("roster = %v", res.Roster)
	}

	if err := docs.WriteCell(ctx, handle, attachment.StatusCell(1), mdm.ApproverPartiallyRejected); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := docs.WriteCell(ctx, handle, attachment.NameCell(1), "lead@x.test"); err != nil {
		t.Fatalf("write: %v", err)
	}

	res, err = s.SyncLevel(ctx, rec, req, 1)
	if err != nil {
		t.Fatalf("sync decided: %v", err)
	}
	if res.Kind != Decided || res.Status != mdm.ApproverPartiallyRejected || res.Name != "lead@x.test" {
		t.Fatalf("res = %+v", res)
	}
	if res.AutoApproved {
		t.Fatal("external decision must not be flagged auto-approved")
	}
}

func TestShortCircuits(t *testing.T) {
	if !ShortCircuits(mdm.ApproverRejected) || !ShortCircuits(mdm.ApproverSendBack) {
		t.Fatal("Rejected and Send Back must short-circuit")
	}
	if ShortCircuits(mdm.ApproverApproved) || ShortCircuits(mdm.ApproverPartiallyRejected) {
		t.Fatal("Approved and Partially Rejected must not short-circuit")
	}
}
