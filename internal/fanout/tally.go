package fanout

import "sort"

// Tally counts batch outcomes for one destination
type Tally struct {
	Writes   int `json:"writes"`
	Failures int `json:"failures"`
	Points   int `json:"points"`
}

// Tallies maps destination names to their tally
type Tallies map[string]Tally

// Add counts every result of an outcome
func (t Tallies) Add(o Outcome) {
	for _, r := range o.Results {
		cur := t[r.Destination]
		if r.Err != nil {
			cur.Failures++
		} else {
			cur.Writes++
			cur.Points += r.Points
		}
		t[r.Destination] = cur
	}
}

// Merge adds other into t
func (t Tallies) Merge(other Tallies) {
	for name, o := range other {
		cur := t[name]
		cur.Writes += o.Writes
		cur.Failures += o.Failures
		cur.Points += o.Points
		t[name] = cur
	}
}

// Names returns the destination names in sorted order
func (t Tallies) Names() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
