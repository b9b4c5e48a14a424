package jobs

import (
	"fmt"
	"strconv"

	"sttq/pkg/telemetry"
)

// PolicyKind names a selection policy.
type PolicyKind string

// Selection policies.
const (
	PolicyLessThan          PolicyKind = "less_than"
	PolicyBetterGreaterThan PolicyKind = "better_greater_than"
)

// DefaultDurationLimit is the default selection threshold in seconds.
const DefaultDurationLimit = 864000

// Policy decides which work item a server takes next. Limit is in seconds.
type Policy struct {
	Kind  PolicyKind
	Limit float64
}

// LessThan selects the shortest item whose duration is below limit.
func LessThan(limit float64) Policy { return Policy{Kind: PolicyLessThan, Limit: limit} }

// BetterGreaterThan prefers the first item whose duration exceeds limit and
// falls back to the first structured item otherwise.
func BetterGreaterThan(limit float64) Policy {
	return Policy{Kind: PolicyBetterGreaterThan, Limit: limit}
}

// ParsePolicy resolves a policy by name.
func ParsePolicy(name string, limit float64) (Policy, error) {
	switch PolicyKind(name) {
	case PolicyLessThan:
		return LessThan(limit), nil
	case PolicyBetterGreaterThan:
		return BetterGreaterThan(limit), nil
	default:
		return Policy{}, fmt.Errorf("unknown selection policy %q (want %s or %s)",
			name, PolicyLessThan, PolicyBetterGreaterThan)
	}
}

func (p Policy) String() string {
	return string(p.Kind) + "(" + strconv.FormatFloat(p.Limit, 'f', -1, 64) + ")"
}

// Select scans files in order, top to bottom, and returns the item the
// policy picks. An unparsable line anywhere in the scan wins under either
// policy. The second result is false when nothing qualifies.
func Select(files []*JobFile, p Policy) (WorkItem, bool) {
	var (
		best     WorkItem
		found    bool
		fallback WorkItem
		haveFall bool
		long     WorkItem
		haveLong bool
	)

	for _, f := range files {
		for i := range f.Len() {
			item := f.Item(i)
			if item.Job == nil {
				return item, true
			}
			d := item.Job.Duration

			switch p.Kind {
			case PolicyLessThan:
				if d < p.Limit && (!found || d < best.Job.Duration) {
					best, found = item, true
				}
			case PolicyBetterGreaterThan:
				if d > p.Limit && !haveLong {
					long, haveLong = item, true
				}
				if !haveFall {
					fallback, haveFall = item, true
				}
			}
		}
	}

	if p.Kind == PolicyBetterGreaterThan {
		if haveLong {
			return long, true
		}
		return fallback, haveFall
	}
	return best, found
}

// Dequeue loads the job files in dir, selects one item under p, removes it
// from its file and persists the file. This is the local mutation of a take
// transaction; the caller publishes it. It returns ErrNoJobFiles when dir is
// empty and ok=false when files exist but nothing qualifies.
func Dequeue(dir string, p Policy) (item WorkItem, ok bool, err error) {
	files, err := LoadJobFiles(dir)
	if err != nil {
		return WorkItem{}, false, err
	}
	if len(files) == 0 {
		return WorkItem{}, false, ErrNoJobFiles
	}

	item, ok = Select(files, p)
	if !ok {
		return WorkItem{}, false, nil
	}

	for _, f := range files {
		if f.Name() != item.File {
			continue
		}
		if err := f.Remove(item.Index); err != nil {
			return WorkItem{}, false, err
		}
		if err := f.Save(); err != nil {
			return WorkItem{}, false, err
		}
		break
	}
	telemetry.JobsSelected.WithLabelValues(string(p.Kind)).Inc()
	return item, true, nil
}
