package jobmanager

import (
	"github.com/nixpig/cush/internal/parser"
)

// Table holds the live jobs. Ids are small positive integers; the smallest
// free id is handed out, so an id is only reused after its previous holder
// has been swept.
type Table struct {
	byID map[int]*Job

	// order keeps jobs in creation order for listing.
	order []*Job
}

func NewTable() *Table {
	return &Table{byID: make(map[int]*Job)}
}

// Create adds a Job for p and returns it. Its initial status follows the
// pipeline's background flag.
func (t *Table) Create(p *parser.Pipeline) *Job {
	id := 1
	for t.byID[id] != nil {
		id++
	}

	j := newJob(id, p)

	t.byID[id] = j
	t.order = append(t.order, j)

	return j
}

// ByID returns the Job with the given id, including one that has finished
// but not yet been swept.
func (t *Table) ByID(id int) (*Job, bool) {
	j, ok := t.byID[id]
	return j, ok
}

// ByMemberPID returns the Job that pid was forked for.
func (t *Table) ByMemberPID(pid int) (*Job, bool) {
	if pid <= 0 {
		return nil, false
	}

	for _, j := range t.order {
		if j.hasMember(pid) {
			return j, true
		}
	}

	return nil, false
}

// Sweep removes every finished Job and returns how many were removed.
func (t *Table) Sweep() int {
	kept := t.order[:0]
	removed := 0

	for _, j := range t.order {
		if j.finished() {
			delete(t.byID, j.id)
			removed++
			continue
		}
		kept = append(kept, j)
	}

	clear(t.order[len(kept):])
	t.order = kept

	return removed
}

// ForEach calls fn for every Job in creation order.
func (t *Table) ForEach(fn func(*Job)) {
	for _, j := range t.order {
		fn(j)
	}
}

func (t *Table) Len() int {
	return len(t.order)
}
