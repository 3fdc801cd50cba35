package reconcile

import (
	"sync"

	"voxrec/record"
)

// Draft is the editable mirror of a persisted record while a detail view
// is open. It is never stored; changes reach the record only through
// Detail.SubmitSave.
type Draft struct {
	mu     sync.Mutex
	values record.Values
	edited bool

	// gen counts writes; touched holds the gen of each field's last write.
	gen     uint64
	touched map[string]uint64
}

func NewDraft(v record.Values) *Draft {
	return &Draft{values: v.Clone(), touched: map[string]uint64{}}
}

// Set records a user edit and marks the draft as user-edited.
func (d *Draft) Set(field, value string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.values.Set(field, value)
	d.edited = true
	d.gen++
	d.touched[field] = d.gen
}

func (d *Draft) Get(field string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.values.Get(field)
}

func (d *Draft) Values() record.Values {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.values.Clone()
}

func (d *Draft) HasUserEdited() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.edited
}

// Changes lists the fields whose normalized draft value differs from
// persisted.
func (d *Draft) Changes(fields []string, persisted record.Values) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return record.Diff(fields, persisted, d.values)
}

// refresh replaces the values unless the user has edited the draft.
// It reports whether the draft changed.
func (d *Draft) refresh(v record.Values) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.edited {
		return false
	}
	d.values = v.Clone()
	return true
}

// snapshot returns the values and the write generation they belong to.
func (d *Draft) snapshot() (record.Values, uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.values.Clone(), d.gen
}

// reset replaces the values and sets the edited flag. Fields in touch
// count as written now.
func (d *Draft) reset(v record.Values, edited bool, touch []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.values = v.Clone()
	d.edited = edited
	if len(touch) == 0 {
		return
	}
	d.gen++
	for _, f := range touch {
		d.touched[f] = d.gen
	}
}

// settle takes v for every field not written after generation since.
// Later writes are kept and leave the draft edited.
func (d *Draft) settle(fields []string, v record.Values, since uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gen == since {
		d.values = v.Clone()
		d.edited = false
		return
	}
	later := false
	next := record.Values{}
	for _, f := range fields {
		val := v.Get(f)
		if d.touched[f] > since {
			val = d.values.Get(f)
			later = true
		}
		if val != "" {
			next[f] = val
		}
	}
	d.values = next
	d.edited = d.edited && later
}
