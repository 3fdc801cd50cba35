package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"voxrec/record"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "records.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func contactSnap(remoteID, name, company string) record.Snapshot {
	return record.Snapshot{
		Kind:   record.KindContact,
		Meta:   record.Meta{RemoteID: remoteID, UpdatedAt: time.UnixMilli(1_700_000_000_000)},
		Values: record.Values{"name": name, "company": company},
	}
}

func TestInsertAssignsID(t *testing.T) {
	s, _ := openTemp(t)

	snap, err := s.Insert(contactSnap("c-1", "Jane", "Initech"))
	if err != nil {
		t.Fatal(err)
	}
	if snap.Meta.ID == "" {
		t.Fatal("expected local id to be assigned")
	}

	got, err := s.FetchByID(snap.Meta.ID)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(snap, got); diff != "" {
		t.Errorf("fetched record mismatch (-want +got):\n%s", diff)
	}

	if _, err := s.Insert(snap); err == nil {
		t.Error("duplicate insert should fail")
	}
}

func TestUpdateMutatesLiveObject(t *testing.T) {
	s, _ := openTemp(t)
	snap, _ := s.Insert(contactSnap("c-1", "Jane", "Initech"))

	if err := s.Update(snap.Meta.ID, func(r *record.Snapshot) {
		r.Values.Set("company", "Acme")
	}); err != nil {
		t.Fatal(err)
	}

	got, _ := s.FetchByID(snap.Meta.ID)
	if got.Values.Get("company") != "Acme" {
		t.Errorf("company = %q, want Acme", got.Values.Get("company"))
	}

	// Fetched copies are detached from the live object.
	got.Values.Set("company", "Mutated")
	again, _ := s.FetchByID(snap.Meta.ID)
	if again.Values.Get("company") != "Acme" {
		t.Error("fetched snapshot aliases live object")
	}

	err := s.Update("missing", func(*record.Snapshot) {})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Update(missing) = %v, want ErrNotFound", err)
	}
}

func TestSaveAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	a, _ := s.Insert(contactSnap("c-1", "Jane", "Initech"))
	b, _ := s.Insert(contactSnap("", "Draft Only", ""))
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(b.Meta.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	got, err := s.FetchByID(a.Meta.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Meta.UpdatedAt.Equal(a.Meta.UpdatedAt) {
		t.Errorf("UpdatedAt = %v, want %v", got.Meta.UpdatedAt, a.Meta.UpdatedAt)
	}
	if diff := cmp.Diff(a.Values, got.Values); diff != "" {
		t.Errorf("values mismatch after reopen (-want +got):\n%s", diff)
	}
	if _, err := s.FetchByID(b.Meta.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted record still present: %v", err)
	}
}

func TestFetchByRemoteID(t *testing.T) {
	s, _ := openTemp(t)
	a, _ := s.Insert(contactSnap("c-1", "Jane", ""))
	s.Insert(record.Snapshot{Kind: record.KindSchedule, Meta: record.Meta{RemoteID: "c-1"}})

	got, err := s.FetchByRemoteID(record.KindContact, "c-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta.ID != a.Meta.ID {
		t.Errorf("got %s, want %s", got.Meta.ID, a.Meta.ID)
	}
	if _, err := s.FetchByRemoteID(record.KindContact, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty remote id should not match unsynced records: %v", err)
	}
}

func TestListOrdersByUpdate(t *testing.T) {
	s, _ := openTemp(t)
	old := contactSnap("c-1", "Old", "")
	old.Meta.UpdatedAt = time.UnixMilli(1000)
	recent := contactSnap("c-2", "Recent", "")
	recent.Meta.UpdatedAt = time.UnixMilli(2000)
	s.Insert(old)
	s.Insert(recent)
	s.Insert(record.Snapshot{Kind: record.KindSchedule, Values: record.Values{"title": "Standup"}})

	list := s.List(record.KindContact)
	var names []string
	for _, snap := range list {
		names = append(names, snap.Values.Get("name"))
	}
	if diff := cmp.Diff([]string{"Recent", "Old"}, names); diff != "" {
		t.Errorf("List order mismatch (-want +got):\n%s", diff)
	}
}

func TestRevisionsPersistAndSupersede(t *testing.T) {
	s, path := openTemp(t)
	snap, _ := s.Insert(contactSnap("c-1", "Jane", "Initech"))

	h := record.NewHistory(nil)
	next := snap
	next.Values = record.Values{"name": "Jane", "company": "Acme"}
	first, _ := h.Commit(snap.Meta.ID, snap, next, "change company to acme", time.UnixMilli(5000))
	if err := s.AppendRevision(first); err != nil {
		t.Fatal(err)
	}
	second, _ := h.Commit(snap.Meta.ID, next, snap, "manual edit", time.UnixMilli(6000))
	if err := s.AppendRevision(second); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}

	revs, err := s.Revisions(snap.Meta.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(revs) != 2 {
		t.Fatalf("got %d revisions, want 2", len(revs))
	}
	if !revs[0].Superseded || revs[1].Superseded {
		t.Errorf("superseded flags = %v, %v; want true, false", revs[0].Superseded, revs[1].Superseded)
	}
	if revs[0].Reason != "change company to acme" {
		t.Errorf("reason = %q", revs[0].Reason)
	}
	if revs[0].New.Values.Get("company") != "Acme" {
		t.Errorf("revision snapshot lost values: %+v", revs[0].New.Values)
	}

	s.Close()
	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	revs, err = reopened.Revisions(snap.Meta.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(revs) != 2 {
		t.Errorf("got %d revisions after reopen, want 2", len(revs))
	}
}

func TestMemoryStore(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	snap, _ := s.Insert(contactSnap("c-1", "Jane", ""))
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.FetchByID(snap.Meta.ID); err != nil {
		t.Fatal(err)
	}
}
