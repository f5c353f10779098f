package param

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownChannel reports a reference to a channel id that is not part
// of the declared table.
var ErrUnknownChannel = errors.New("unknown channel")

// Channel describes one named numeric control input on the avatar.
type Channel struct {
	ID      string  `json:"id" yaml:"id"`
	Name    string  `json:"name,omitempty" yaml:"name,omitempty"`
	Min     float64 `json:"min" yaml:"min"`
	Max     float64 `json:"max" yaml:"max"`
	Default float64 `json:"default" yaml:"default"`
}

func (c Channel) validate() error {
	if c.ID == "" {
		return errors.New("channel id must not be empty")
	}
	if c.Min > c.Max {
		return fmt.Errorf("channel %s: min %v greater than max %v", c.ID, c.Min, c.Max)
	}
	if c.Default < c.Min || c.Default > c.Max {
		return fmt.Errorf("channel %s: default %v outside [%v, %v]", c.ID, c.Default, c.Min, c.Max)
	}
	return nil
}

// Clamp bounds v into the channel's declared range.
func (c Channel) Clamp(v float64) float64 {
	if v < c.Min {
		return c.Min
	}
	if v > c.Max {
		return c.Max
	}
	return v
}

// Table is the declared channel set for one loaded avatar. It is built
// once when assets load and is read-only afterwards; loading a new avatar
// replaces the whole table.
type Table struct {
	channels map[string]Channel
}

// NewTable builds a declared-channel table, rejecting invalid declarations.
func NewTable(channels []Channel) (*Table, error) {
	m := make(map[string]Channel, len(channels))
	for _, c := range channels {
		if err := c.validate(); err != nil {
			return nil, err
		}
		m[c.ID] = c
	}
	return &Table{channels: m}, nil
}

// EmptyTable returns a table with no declared channels.
func EmptyTable() *Table {
	return &Table{channels: map[string]Channel{}}
}

// Lookup returns the declaration for id.
func (t *Table) Lookup(id string) (Channel, bool) {
	if t == nil {
		return Channel{}, false
	}
	c, ok := t.channels[id]
	return c, ok
}

// Len reports the number of declared channels.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.channels)
}

// IDs returns the declared channel ids in stable order.
func (t *Table) IDs() []string {
	if t == nil {
		return nil
	}
	ids := make([]string, 0, len(t.channels))
	for id := range t.channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Channels returns the declarations keyed by id, in the wire shape used
// by the update_parameters message.
func (t *Table) Channels() map[string]Channel {
	out := make(map[string]Channel, t.Len())
	if t != nil {
		for id, c := range t.channels {
			out[id] = c
		}
	}
	return out
}

// Sink is the rendering capability the transition engine writes through.
// GetValue reports false for channels the renderer does not expose.
type Sink interface {
	GetValue(id string) (float64, bool)
	SetValue(id string, value float64)
}

// Store holds the live value of every declared channel. It implements
// Sink and is what an in-process renderer reads each frame.
type Store struct {
	mu     sync.RWMutex
	table  *Table
	values map[string]float64
}

// NewStore creates a live value store seeded with each channel's default.
func NewStore(table *Table) *Store {
	s := &Store{}
	s.Reset(table)
	return s
}

// Reset rebinds the store to a new declared table, seeding defaults.
// Values of channels that survive the swap are dropped deliberately: a
// new avatar starts from its baseline.
func (s *Store) Reset(table *Table) {
	if table == nil {
		table = EmptyTable()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table = table
	s.values = make(map[string]float64, table.Len())
	for id, c := range table.channels {
		s.values[id] = c.Default
	}
}

// GetValue returns the live value for a declared channel.
func (s *Store) GetValue(id string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[id]
	return v, ok
}

// SetValue writes a live value, clamped into the declared range. Unknown
// channels are ignored.
func (s *Store) SetValue(id string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.table.channels[id]
	if !ok {
		return
	}
	s.values[id] = c.Clamp(value)
}

// Snapshot copies all live values, for status reporting.
func (s *Store) Snapshot() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]float64, len(s.values))
	for id, v := range s.values {
		out[id] = v
	}
	return out
}
