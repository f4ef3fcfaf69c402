package elm327

import (
	"math"
	"time"
)

// Snapshot is the result of one collection cycle. Values holds one entry
// per configured PID key; a nil entry means no data for that PID.
//
// Snapshots are never mutated after Collect returns them.
type Snapshot struct {
	State  ConnectionState     `json:"connection_state"`
	Values map[string]*float64 `json:"values"`
	At     time.Time           `json:"at"`
}

func newSnapshot(state ConnectionState, pids []PIDDefinition) Snapshot {
	s := Snapshot{
		State:  state,
		Values: make(map[string]*float64, len(pids)),
		At:     time.Now(),
	}
	for _, p := range pids {
		s.Values[p.Key] = nil
	}
	return s
}

// Value returns the decoded value for key, if present.
func (s Snapshot) Value(key string) (float64, bool) {
	v := s.Values[key]
	if v == nil {
		return 0, false
	}
	return *v, true
}

// Rounded returns the value for def rounded to its display precision.
func (s Snapshot) Rounded(def PIDDefinition) (float64, bool) {
	v, ok := s.Value(def.Key)
	if !ok {
		return 0, false
	}
	return Round(v, def.Precision), true
}

// Present counts the PIDs that carry a value.
func (s Snapshot) Present() int {
	n := 0
	for _, v := range s.Values {
		if v != nil {
			n++
		}
	}
	return n
}

// Round rounds v to the given number of decimal places.
func Round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
