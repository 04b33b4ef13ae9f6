package cohort

// Diff is the change between two label sets and its effect on an app's
// label counters.
type Diff struct {
	Added   []Label
	Removed []Label
	// Deltas holds the counter change per ledger key, including compound
	// "<freq>-<time>" keys. Keys with no net change are absent.
	Deltas map[string]int64
}

func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// NewDiff compares the labels a user held with the labels just computed.
func NewDiff(old, next Set) Diff {
	d := Diff{Deltas: make(map[string]int64)}

	for _, l := range old.Sorted() {
		if !next.Has(l) {
			d.Removed = append(d.Removed, l)
			d.Deltas[l]--
		}
	}
	for _, l := range next.Sorted() {
		if !old.Has(l) {
			d.Added = append(d.Added, l)
			d.Deltas[l]++
		}
	}

	for _, freq := range FrequencyOrder {
		for _, timeUsed := range TimeUsedOrder {
			had := old.Has(freq) && old.Has(timeUsed)
			has := next.Has(freq) && next.Has(timeUsed)
			switch {
			case had && !has:
				d.Deltas[CompoundKey(freq, timeUsed)] = -1
			case !had && has:
				d.Deltas[CompoundKey(freq, timeUsed)] = 1
			}
		}
	}

	return d
}

// Counts returns the ledger keys a user with labels contributes one to.
func Counts(labels Set) map[string]int64 {
	return NewDiff(NewSet(), labels).Deltas
}
