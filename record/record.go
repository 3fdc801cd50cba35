package record

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	KindContact  Kind = "contact"
	KindSchedule Kind = "schedule"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindContact:
		return KindContact, nil
	case KindSchedule:
		return KindSchedule, nil
	default:
		return "", fmt.Errorf("unknown record kind %q (use contact or schedule)", s)
	}
}

// Meta identifies a record locally and on the backend. RemoteID is empty
// until the record has been synced at least once.
type Meta struct {
	ID        string    `msgpack:"id" json:"-"`
	RemoteID  string    `msgpack:"remote_id" json:"id,omitempty"`
	UpdatedAt time.Time `msgpack:"updated_at" json:"-"`
}

func (m Meta) Synced() bool { return m.RemoteID != "" }

// Norm trims surrounding whitespace. An empty result means "unset", so
// Norm("") and a missing value compare equal.
func Norm(s string) string {
	return strings.TrimSpace(s)
}

// Values holds the editable fields of a record keyed by field name. Values
// are stored as given; Get always returns the normalized form.
type Values map[string]string

func (v Values) Get(field string) string {
	return Norm(v[field])
}

func (v Values) Set(field, value string) {
	v[field] = value
}

func (v Values) Clone() Values {
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Normalized returns a copy restricted to fields, with every value trimmed
// and unset fields dropped.
func (v Values) Normalized(fields []string) Values {
	out := make(Values, len(fields))
	for _, f := range fields {
		if n := v.Get(f); n != "" {
			out[f] = n
		}
	}
	return out
}

// Diff returns the fields whose normalized values differ between a and b,
// in schema order.
func Diff(fields []string, a, b Values) []string {
	var changed []string
	for _, f := range fields {
		if a.Get(f) != b.Get(f) {
			changed = append(changed, f)
		}
	}
	return changed
}

// Card is a record as the backend represents it. A field key that is
// absent was omitted by the server; a nil or blank value was explicitly
// unset.
type Card struct {
	RemoteID string
	Fields   map[string]*string
}

func NewCard(remoteID string, v Values) Card {
	c := Card{RemoteID: remoteID, Fields: make(map[string]*string, len(v))}
	for k := range v {
		s := v.Get(k)
		c.Fields[k] = &s
	}
	return c
}

func (c Card) Has(field string) bool {
	_, ok := c.Fields[field]
	return ok
}

func (c Card) Value(field string) string {
	if p := c.Fields[field]; p != nil {
		return Norm(*p)
	}
	return ""
}

// Values converts the card into record values. Fields the server did not
// send become unset; nothing is carried over from local state.
func (c Card) Values(fields []string) Values {
	out := make(Values, len(fields))
	for _, f := range fields {
		if s := c.Value(f); s != "" {
			out[f] = s
		}
	}
	return out
}

func (c Card) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(c.Fields)+1)
	for k, v := range c.Fields {
		if v == nil {
			m[k] = nil
		} else {
			m[k] = *v
		}
	}
	if c.RemoteID != "" {
		m["id"] = c.RemoteID
	}
	return json.Marshal(m)
}

func (c *Card) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.Fields = make(map[string]*string, len(raw))
	for k, msg := range raw {
		if k == "id" {
			id, err := scalarString(msg)
			if err != nil {
				return fmt.Errorf("card id: %w", err)
			}
			if id != nil {
				c.RemoteID = Norm(*id)
			}
			continue
		}
		v, err := scalarString(msg)
		if err != nil {
			return fmt.Errorf("card field %q: %w", k, err)
		}
		c.Fields[k] = v
	}
	return nil
}

// scalarString accepts JSON strings, numbers and booleans; null yields nil.
func scalarString(msg json.RawMessage) (*string, error) {
	trimmed := strings.TrimSpace(string(msg))
	if trimmed == "null" || trimmed == "" {
		return nil, nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(msg, &s); err != nil {
			return nil, err
		}
		return &s, nil
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		return nil, fmt.Errorf("unsupported value %s", trimmed)
	}
	return &trimmed, nil
}

// Snapshot is a point-in-time copy of a record, independent of the live
// object it was taken from.
type Snapshot struct {
	Kind   Kind   `msgpack:"kind"`
	Meta   Meta   `msgpack:"meta"`
	Values Values `msgpack:"values"`
}

func (s Snapshot) Changed(fields []string, other Snapshot) []string {
	return Diff(fields, s.Values, other.Values)
}

func (s Snapshot) IsZero() bool {
	return s.Kind == "" && s.Meta.ID == "" && len(s.Values) == 0
}
