package reconcile

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"voxrec/log"
	"voxrec/record"
	"voxrec/transport"
)

var (
	// ErrSyncIncomplete means a save reached the server but no usable
	// canonical record could be obtained. Nothing local was changed.
	ErrSyncIncomplete = errors.New("sync incomplete")
	// ErrNotSynced is returned for remote operations on a record that has
	// never been synced.
	ErrNotSynced = errors.New("record is not synced")
	// ErrUnusableResult rejects a voice result that carries no field of
	// the record or belongs to another record.
	ErrUnusableResult = errors.New("unusable update result")
)

const ReasonManualEdit = "manual edit"

// Store is the local record store a Detail persists through.
type Store interface {
	Insert(snap record.Snapshot) (record.Snapshot, error)
	Update(id string, mutate func(*record.Snapshot)) error
	Delete(id string) error
	FetchByID(id string) (record.Snapshot, error)
	Save() error
	AppendRevision(rev record.Revision) error
	Revisions(recordID string) ([]record.Revision, error)
}

// Detail is one open record: its persisted state, the draft being edited
// and the revision history. Every write to the record goes through it.
type Detail[R any] struct {
	schema record.Schema[R]
	store  Store
	api    transport.API
	events *record.EventStream
	now    func() time.Time

	mu        sync.Mutex
	persisted record.Snapshot
	draft     *Draft
	history   *record.History
	deleted   bool
}

// Open wraps snap in a Detail, inserting it into the store first when it
// has no local id yet.
func Open[R any](schema record.Schema[R], store Store, api transport.API, events *record.EventStream, snap record.Snapshot) (*Detail[R], error) {
	if snap.Kind != schema.Kind {
		return nil, fmt.Errorf("open: snapshot kind %q does not match %q", snap.Kind, schema.Kind)
	}
	if snap.Meta.ID == "" {
		var err error
		snap.Values = snap.Values.Normalized(schema.Fields)
		if snap, err = store.Insert(snap); err != nil {
			return nil, fmt.Errorf("open: %w", err)
		}
		if err := store.Save(); err != nil {
			log.Warnf("reconcile: save after insert failed: %v", err)
		}
	}
	revs, err := store.Revisions(snap.Meta.ID)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	return &Detail[R]{
		schema:    schema,
		store:     store,
		api:       api,
		events:    events,
		now:       time.Now,
		persisted: snap,
		draft:     NewDraft(snap.Values),
		history:   record.NewHistory(revs),
	}, nil
}

// Load builds a Detail for a stored record; the draft starts as a copy of
// the persisted values.
func Load[R any](schema record.Schema[R], store Store, api transport.API, events *record.EventStream, id string) (*Detail[R], error) {
	snap, err := store.FetchByID(id)
	if err != nil {
		return nil, err
	}
	return Open(schema, store, api, events, snap)
}

func (d *Detail[R]) Schema() record.Schema[R] { return d.schema }

func (d *Detail[R]) Kind() record.Kind { return d.schema.Kind }

func (d *Detail[R]) Draft() *Draft { return d.draft }

func (d *Detail[R]) Snapshot() record.Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.persisted
	out.Values = d.persisted.Values.Clone()
	return out
}

func (d *Detail[R]) Record() R {
	r, _ := d.schema.FromSnapshot(d.Snapshot())
	return r
}

func (d *Detail[R]) RemoteID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.persisted.Meta.RemoteID
}

func (d *Detail[R]) History() []record.Revision {
	return d.history.Entries()
}

// HasDraftChanges reports whether a save would reach the server.
func (d *Detail[R]) HasDraftChanges() bool {
	d.mu.Lock()
	persisted := d.persisted.Values
	d.mu.Unlock()
	return len(d.draft.Changes(d.schema.Fields, persisted)) > 0
}

// ApplyRemoteDetail replaces the persisted record with the server's card.
// Fields missing from the card become unset. The draft follows only when
// the user has not edited it.
func (d *Detail[R]) ApplyRemoteDetail(card record.Card) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.deleted {
		return fmt.Errorf("%w: record was deleted", ErrUnusableResult)
	}
	if err := d.checkIdentity(card); err != nil {
		return err
	}
	next := d.persisted
	next.Values = card.Values(d.schema.Fields)
	if card.RemoteID != "" {
		next.Meta.RemoteID = card.RemoteID
	}
	next.Meta.UpdatedAt = d.now()

	d.persist(next)
	d.draft.refresh(next.Values)
	d.post(record.Event{Type: record.EventRecordUpdated, Record: d.copyPersisted()})
	return nil
}

// Refresh fetches the record from the server and applies it.
func (d *Detail[R]) Refresh(ctx context.Context) error {
	remoteID := d.RemoteID()
	if remoteID == "" {
		return ErrNotSynced
	}
	card, err := d.api.FetchDetail(ctx, d.schema.Kind, remoteID)
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	return d.ApplyRemoteDetail(card)
}

// ApplyVoiceResult commits the record returned by a voice session. Fields
// present in the card win; omitted fields keep their persisted value. The
// draft is overwritten and marked edited so background refreshes cannot
// undo the change.
func (d *Detail[R]) ApplyVoiceResult(card record.Card, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.deleted {
		return fmt.Errorf("%w: record was deleted", ErrUnusableResult)
	}
	if err := d.checkIdentity(card); err != nil {
		return err
	}
	if !slices.ContainsFunc(d.schema.Fields, card.Has) {
		return fmt.Errorf("%w: no %s fields in result", ErrUnusableResult, d.schema.Kind)
	}

	next := d.persisted
	next.Values = d.merge(card, d.persisted.Values)
	next.Meta.UpdatedAt = d.now()

	d.commit(next, reason)
	var touched []string
	for _, f := range d.schema.Fields {
		if card.Has(f) {
			touched = append(touched, f)
		}
	}
	d.draft.reset(next.Values, true, touched)
	return nil
}

// SubmitSave sends the draft's changed fields to the server and commits
// the canonical result. It does nothing when the draft has no changes.
// Draft writes made while the request is in flight are kept.
func (d *Detail[R]) SubmitSave(ctx context.Context) error {
	d.mu.Lock()
	persisted := d.copyPersisted()
	d.mu.Unlock()

	draft, gen := d.draft.snapshot()
	changed := record.Diff(d.schema.Fields, persisted.Values, draft)
	if len(changed) == 0 {
		return nil
	}

	payload := record.Values{}
	for _, f := range changed {
		if v := draft.Get(f); v != "" {
			payload[f] = v
		}
	}

	card, err := d.submit(ctx, persisted.Meta.RemoteID, payload)
	if err != nil {
		log.SaveResult(string(d.schema.Kind), persisted.Meta.ID, changed, err)
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deleted {
		return fmt.Errorf("save: record was deleted")
	}
	// Omitted fields fall back to what was submitted, or to the current
	// record for fields this save did not send.
	fallback := d.persisted.Values.Clone()
	for _, f := range changed {
		fallback.Set(f, draft.Get(f))
	}
	next := d.persisted
	next.Values = d.merge(card, fallback)
	if card.RemoteID != "" {
		next.Meta.RemoteID = card.RemoteID
	}
	next.Meta.UpdatedAt = d.now()

	d.commit(next, ReasonManualEdit)
	d.draft.settle(d.schema.Fields, d.persisted.Values, gen)
	log.SaveResult(string(d.schema.Kind), next.Meta.ID, changed, nil)
	return nil
}

// submit performs the create or update and always returns a card with a
// usable identity, or an error.
func (d *Detail[R]) submit(ctx context.Context, remoteID string, payload record.Values) (record.Card, error) {
	var (
		card *record.Card
		err  error
	)
	if remoteID == "" {
		card, err = d.api.Create(ctx, d.schema.Kind, payload)
	} else {
		card, err = d.api.Update(ctx, d.schema.Kind, remoteID, payload)
	}
	if err != nil {
		return record.Card{}, fmt.Errorf("save: %w", err)
	}

	if card != nil && card.RemoteID == "" {
		card.RemoteID = remoteID
	}
	if card != nil && card.RemoteID != "" {
		if remoteID != "" && card.RemoteID != remoteID {
			return record.Card{}, fmt.Errorf("%w: server returned record %s for %s", ErrSyncIncomplete, card.RemoteID, remoteID)
		}
		return *card, nil
	}

	// No body: re-fetch when we know which record to ask for.
	if remoteID == "" {
		return record.Card{}, fmt.Errorf("%w: create returned no record", ErrSyncIncomplete)
	}
	fetched, err := d.api.FetchDetail(ctx, d.schema.Kind, remoteID)
	if err != nil {
		return record.Card{}, fmt.Errorf("%w: refetch failed: %v", ErrSyncIncomplete, err)
	}
	if fetched.RemoteID == "" {
		fetched.RemoteID = remoteID
	}
	return fetched, nil
}

// Delete removes the record remotely (when synced) and locally.
func (d *Detail[R]) Delete(ctx context.Context) error {
	snap := d.Snapshot()
	if snap.Meta.RemoteID != "" {
		if err := d.api.Delete(ctx, d.schema.Kind, snap.Meta.RemoteID); err != nil {
			return fmt.Errorf("delete: %w", err)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.store.Delete(snap.Meta.ID); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	d.deleted = true
	d.save()
	d.post(record.Event{Type: record.EventRecordDeleted, Record: snap})
	return nil
}

func (d *Detail[R]) checkIdentity(card record.Card) error {
	if d.persisted.Meta.RemoteID != "" && card.RemoteID != "" && card.RemoteID != d.persisted.Meta.RemoteID {
		return fmt.Errorf("%w: card %s does not match record %s", ErrUnusableResult, card.RemoteID, d.persisted.Meta.RemoteID)
	}
	return nil
}

// merge takes every field the card carries and falls back to fallback for
// the rest.
func (d *Detail[R]) merge(card record.Card, fallback record.Values) record.Values {
	out := record.Values{}
	for _, f := range d.schema.Fields {
		v := fallback.Get(f)
		if card.Has(f) {
			v = card.Value(f)
		}
		if v != "" {
			out[f] = v
		}
	}
	return out
}

// commit persists next, appends a revision and emits the events. Callers
// hold d.mu.
func (d *Detail[R]) commit(next record.Snapshot, reason string) {
	old := d.copyPersisted()
	d.persist(next)

	rev, _ := d.history.Commit(next.Meta.ID, old, d.copyPersisted(), reason, next.Meta.UpdatedAt)
	if err := d.store.AppendRevision(rev); err != nil {
		log.Warnf("reconcile: append revision failed: %v", err)
	}

	d.post(record.Event{Type: record.EventRecordUpdated, Record: d.copyPersisted()})
	d.post(record.Event{Type: record.EventRevisionCommitted, Old: rev.Old, New: rev.New, Reason: reason})
}

// persist replaces the in-memory record and writes it through the store.
// Store failures are logged; memory stays authoritative.
func (d *Detail[R]) persist(next record.Snapshot) {
	next.Values = next.Values.Normalized(d.schema.Fields)
	d.persisted = next
	err := d.store.Update(next.Meta.ID, func(s *record.Snapshot) {
		s.Meta = next.Meta
		s.Values = next.Values.Clone()
	})
	if err != nil {
		log.Warnf("reconcile: store update failed: %v", err)
	}
	d.save()
}

func (d *Detail[R]) save() {
	if err := d.store.Save(); err != nil {
		log.Warnf("reconcile: store save failed: %v", err)
	}
}

func (d *Detail[R]) copyPersisted() record.Snapshot {
	out := d.persisted
	out.Values = d.persisted.Values.Clone()
	return out
}

func (d *Detail[R]) post(ev record.Event) {
	if d.events != nil {
		d.events.Post(ev)
	}
}
