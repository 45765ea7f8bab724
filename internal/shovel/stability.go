package shovel

// Classification is the result of comparing one listing with the previous snapshot
type Classification struct {
	Outcomes map[string]Outcome

	// sorted by path; Vanished carries the size from the snapshot
	New      []FileRecord
	Growing  []FileRecord
	Stable   []FileRecord
	Vanished []FileRecord
}

// Classify compares sizes only. A file is Stable when its size equals the size
// recorded by the previous run; modification times are never consulted.
func Classify(listing Listing, snapshot *Snapshot) *Classification {
	if snapshot == nil {
		snapshot = NewSnapshot()
	}

	c := &Classification{
		Outcomes: make(map[string]Outcome, len(listing)),
	}

	for _, rec := range listing.Records() {
		prev, ok := snapshot.Get(rec.Path)
		switch {
		case !ok:
			c.Outcomes[rec.Path] = OutcomeNew
			c.New = append(c.New, rec)
		case prev == rec.Size:
			c.Outcomes[rec.Path] = OutcomeStable
			c.Stable = append(c.Stable, rec)
		default:
			c.Outcomes[rec.Path] = OutcomeGrowing
			c.Growing = append(c.Growing, rec)
		}
	}

	for _, rec := range snapshot.Records() {
		if _, ok := listing[rec.Path]; !ok {
			c.Outcomes[rec.Path] = OutcomeVanished
			c.Vanished = append(c.Vanished, rec)
		}
	}

	return c
}
