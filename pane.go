package main

import (
	"context"
	"errors"
	"fmt"

	"voxrec/reconcile"
	"voxrec/record"
	"voxrec/store"
	"voxrec/transport"
)

// detail is the part of a reconcile.Detail the UI uses, independent of the
// record type.
type detail interface {
	Kind() record.Kind
	RemoteID() string
	ApplyVoiceResult(card record.Card, reason string) error
	Snapshot() record.Snapshot
	History() []record.Revision
	Draft() *reconcile.Draft
	HasDraftChanges() bool
	SubmitSave(ctx context.Context) error
	Refresh(ctx context.Context) error
}

// recordPane is an open record plus the schema facts needed to show it.
type recordPane struct {
	detail
	fields  []string
	label   func(string) string
	summary func() string
}

func newRecordPane[R any](d *reconcile.Detail[R]) *recordPane {
	s := d.Schema()
	return &recordPane{
		detail:  d,
		fields:  s.Fields,
		label:   s.Label,
		summary: func() string { return s.Summary(d.Record()) },
	}
}

// openRecord opens id of kind: a local id, then a remote id already in the
// store, then a remote id fetched from the backend. An empty id opens the
// most recently updated local record.
func openRecord(ctx context.Context, kind record.Kind, id string, st *store.Store, api transport.API, events *record.EventStream) (*recordPane, error) {
	switch kind {
	case record.KindContact:
		d, err := openDetail(ctx, record.ContactSchema, id, st, api, events)
		if err != nil {
			return nil, err
		}
		return newRecordPane(d), nil
	case record.KindSchedule:
		d, err := openDetail(ctx, record.ScheduleSchema, id, st, api, events)
		if err != nil {
			return nil, err
		}
		return newRecordPane(d), nil
	}
	return nil, fmt.Errorf("unknown record kind %q", kind)
}

func openDetail[R any](ctx context.Context, schema record.Schema[R], id string, st *store.Store, api transport.API, events *record.EventStream) (*reconcile.Detail[R], error) {
	if id == "" {
		list := st.List(schema.Kind)
		if len(list) == 0 {
			return nil, fmt.Errorf("no local %s records; pass -record <id>", schema.Kind)
		}
		return reconcile.Load(schema, st, api, events, list[0].Meta.ID)
	}

	if snap, err := st.FetchByID(id); err == nil && snap.Kind == schema.Kind {
		return reconcile.Open(schema, st, api, events, snap)
	}
	if snap, err := st.FetchByRemoteID(schema.Kind, id); err == nil {
		return reconcile.Open(schema, st, api, events, snap)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	card, err := api.FetchDetail(ctx, schema.Kind, id)
	if err != nil {
		return nil, fmt.Errorf("open %s %s: %w", schema.Kind, id, err)
	}
	if card.RemoteID == "" {
		card.RemoteID = id
	}
	return reconcile.Open(schema, st, api, events, record.Snapshot{
		Kind:   schema.Kind,
		Meta:   record.Meta{RemoteID: card.RemoteID},
		Values: card.Values(schema.Fields),
	})
}
