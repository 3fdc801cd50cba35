package record

import (
	"fmt"
	"strings"
)

// Schema describes how a concrete record type maps onto generic field
// values. Every reconciliation and voice-update path works through a
// Schema, so contacts and schedules share one implementation.
type Schema[R any] struct {
	Kind   Kind
	Fields []string
	Labels map[string]string
	Meta   func(R) Meta
	Values func(R) Values
	Make   func(Meta, Values) R
}

func (s Schema[R]) Snapshot(r R) Snapshot {
	return Snapshot{
		Kind:   s.Kind,
		Meta:   s.Meta(r),
		Values: s.Values(r).Normalized(s.Fields),
	}
}

func (s Schema[R]) FromSnapshot(snap Snapshot) (R, error) {
	if snap.Kind != s.Kind {
		var zero R
		return zero, fmt.Errorf("snapshot kind %q does not match schema %q", snap.Kind, s.Kind)
	}
	return s.Make(snap.Meta, snap.Values.Normalized(s.Fields)), nil
}

func (s Schema[R]) Label(field string) string {
	if l, ok := s.Labels[field]; ok {
		return l
	}
	return field
}

func (s Schema[R]) HasField(field string) bool {
	for _, f := range s.Fields {
		if f == field {
			return true
		}
	}
	return false
}

// Summary renders the set fields one per line, in schema order.
func (s Schema[R]) Summary(r R) string {
	v := s.Values(r)
	var b strings.Builder
	for _, f := range s.Fields {
		if val := v.Get(f); val != "" {
			fmt.Fprintf(&b, "%s: %s\n", s.Label(f), val)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

type Contact struct {
	Meta
	Name    string
	Company string
	Phone   string
	Email   string
	Notes   string
}

var ContactSchema = Schema[Contact]{
	Kind:   KindContact,
	Fields: []string{"name", "company", "phone", "email", "notes"},
	Labels: map[string]string{
		"name": "Name", "company": "Company", "phone": "Phone", "email": "Email", "notes": "Notes",
	},
	Meta: func(c Contact) Meta { return c.Meta },
	Values: func(c Contact) Values {
		return Values{
			"name":    c.Name,
			"company": c.Company,
			"phone":   c.Phone,
			"email":   c.Email,
			"notes":   c.Notes,
		}
	},
	Make: func(m Meta, v Values) Contact {
		return Contact{
			Meta:    m,
			Name:    v.Get("name"),
			Company: v.Get("company"),
			Phone:   v.Get("phone"),
			Email:   v.Get("email"),
			Notes:   v.Get("notes"),
		}
	},
}

// Schedule times are kept as the backend's strings (RFC 3339 in practice);
// this client never does calendar arithmetic on them.
type Schedule struct {
	Meta
	Title    string
	Location string
	StartsAt string
	EndsAt   string
	Notes    string
}

var ScheduleSchema = Schema[Schedule]{
	Kind:   KindSchedule,
	Fields: []string{"title", "location", "starts_at", "ends_at", "notes"},
	Labels: map[string]string{
		"title": "Title", "location": "Location", "starts_at": "Starts", "ends_at": "Ends", "notes": "Notes",
	},
	Meta: func(s Schedule) Meta { return s.Meta },
	Values: func(s Schedule) Values {
		return Values{
			"title":     s.Title,
			"location":  s.Location,
			"starts_at": s.StartsAt,
			"ends_at":   s.EndsAt,
			"notes":     s.Notes,
		}
	},
	Make: func(m Meta, v Values) Schedule {
		return Schedule{
			Meta:     m,
			Title:    v.Get("title"),
			Location: v.Get("location"),
			StartsAt: v.Get("starts_at"),
			EndsAt:   v.Get("ends_at"),
			Notes:    v.Get("notes"),
		}
	},
}
