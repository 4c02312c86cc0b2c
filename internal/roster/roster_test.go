package roster_test

import (
	"bytes"
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"mitwatch/internal/domain"
	"mitwatch/internal/roster"
)

func TestRefreshRespectsInterval(t *testing.T) {
	calls := 0
	src := roster.SourceFunc(func(context.Context) ([]domain.RosterMember, error) {
		calls++
		return []domain.RosterMember{{ActorID: 1, Name: "A", Job: domain.JobWAR, Level: 100}}, nil
	})
	tr := roster.NewTracker(src, nil)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if !tr.Refresh(context.Background(), base) {
		t.Fatalf("first refresh should pull")
	}
	if tr.Refresh(context.Background(), base.Add(100*time.Millisecond)) {
		t.Fatalf("refresh inside interval should skip")
	}
	if !tr.Refresh(context.Background(), base.Add(300*time.Millisecond)) {
		t.Fatalf("refresh after interval should pull")
	}
	if calls != 2 {
		t.Fatalf("expected 2 pulls, got %d", calls)
	}
	if tr.Job(1) != domain.JobWAR || tr.Level(1) != 100 || tr.Name(1) != "A" {
		t.Fatalf("unexpected member data: %+v", tr.Members())
	}
}

func TestRefreshFailureKeepsSnapshot(t *testing.T) {
	var buf bytes.Buffer
	fail := false
	src := roster.SourceFunc(func(context.Context) ([]domain.RosterMember, error) {
		if fail {
			return nil, errors.New("party list unavailable")
		}
		return []domain.RosterMember{{ActorID: 7, Name: "B"}}, nil
	})
	tr := roster.NewTracker(src, log.New(&buf, "", 0))
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.Refresh(context.Background(), base)
	fail = true
	if tr.Refresh(context.Background(), base.Add(time.Second)) {
		t.Fatalf("failed refresh should report false")
	}
	if !tr.IsTracked(7) {
		t.Fatalf("previous snapshot should remain")
	}
	if buf.Len() == 0 {
		t.Fatalf("expected failure to be logged")
	}
}

func TestReplaceDropsZeroIDs(t *testing.T) {
	tr := roster.NewTracker(nil, nil)
	tr.Replace([]domain.RosterMember{{ActorID: 0, Name: "ghost"}, {ActorID: 3}, {ActorID: 2}})
	members := tr.Members()
	if len(members) != 2 || members[0].ActorID != 2 || members[1].ActorID != 3 {
		t.Fatalf("unexpected members %+v", members)
	}
	if tr.IsTracked(0) {
		t.Fatalf("id 0 is never tracked")
	}
	if !tr.HasOthersBesides(2) {
		t.Fatalf("expected another member besides 2")
	}
	tr.Clear()
	if len(tr.Members()) != 0 {
		t.Fatalf("clear should empty the roster")
	}
}

func TestStaticSourceCopies(t *testing.T) {
	var src roster.StaticSource
	in := []domain.RosterMember{{ActorID: 1}}
	src.Set(in)
	in[0].ActorID = 99
	got, err := src.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got[0].ActorID != 1 {
		t.Fatalf("static source should copy input")
	}
}
