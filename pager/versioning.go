package pager

// Strategy reconstructs the logical contents of a RecordPage at a
// page_key from a chain of historical fragments. fragments[0] is the
// newest (the revision being read); later entries walk backwards
// through history. Reconstruct never mutates its input.
type Strategy interface {
	// Reconstruct merges fragments into the logical page a read
	// transaction sees. maxRevisions bounds how far back the walk is
	// willing to look (numbersOfRevisiontoRestore).
	Reconstruct(fragments []*RecordPage, maxRevisions int) *RecordPage

	// needsFragment reports whether the walk must keep fetching
	// older fragments given what has been collected so far.
	needsFragment(collected []*RecordPage, maxRevisions int) bool
}

func mergeInto(dst *RecordPage, older *RecordPage) {
	for k, v := range older.Entries {
		if _, already := dst.Entries[k]; !already {
			dst.Entries[k] = v
		}
	}
}

// pruneTombstones drops entries a reader should never see: a
// RecordKindDeleted entry hides the key entirely once every older
// fragment it could shadow has been merged.
func pruneTombstones(rp *RecordPage) *RecordPage {
	for k, v := range rp.Entries {
		if v.deleted() {
			delete(rp.Entries, k)
		}
	}
	return rp
}

// ───────────────────────────────────────────────────────────────────────────
// Full
// ───────────────────────────────────────────────────────────────────────────

// FullStrategy stores a complete RecordPage on every write, so
// reconstruction never looks past the first fragment.
type FullStrategy struct{}

func (FullStrategy) needsFragment(collected []*RecordPage, _ int) bool {
	return len(collected) == 0
}

func (FullStrategy) Reconstruct(fragments []*RecordPage, _ int) *RecordPage {
	if len(fragments) == 0 {
		return nil
	}
	return pruneTombstones(fragments[0].clone())
}

// ───────────────────────────────────────────────────────────────────────────
// Incremental
// ───────────────────────────────────────────────────────────────────────────

// IncrementalStrategy stores only the records changed in each
// revision; reconstruction walks backward, overlaying older fragments
// under newer ones, until it reaches a fragment marked Complete or
// exhausts maxRevisions.
type IncrementalStrategy struct{}

func (IncrementalStrategy) needsFragment(collected []*RecordPage, maxRevisions int) bool {
	if len(collected) == 0 {
		return true
	}
	last := collected[len(collected)-1]
	if last.Complete {
		return false
	}
	return len(collected) < maxRevisions
}

func (IncrementalStrategy) Reconstruct(fragments []*RecordPage, maxRevisions int) *RecordPage {
	if len(fragments) == 0 {
		return nil
	}
	out := fragments[0].clone()
	for i := 1; i < len(fragments) && i < maxRevisions; i++ {
		mergeInto(out, fragments[i])
		if fragments[i].Complete {
			break
		}
	}
	return pruneTombstones(out)
}

// ───────────────────────────────────────────────────────────────────────────
// Differential
// ───────────────────────────────────────────────────────────────────────────

// DifferentialStrategy walks backward from the newest fragment,
// overlaying older fragments under newer ones, until it reaches a
// fragment marked Complete or has collected maxRevisions fragments.
// The write path stores only each revision's own changes in a
// fragment, not a cumulative diff against a snapshot, and writes no
// Complete fragments for this strategy, so reconstruction is not
// limited to two fragments; records that appear only in fragments
// beyond the maxRevisions bound are not part of the result. This is
// correct only when the revision chain being walked is linear — see
// the design notes on non-linear histories.
type DifferentialStrategy struct{}

func (DifferentialStrategy) needsFragment(collected []*RecordPage, maxRevisions int) bool {
	if len(collected) == 0 {
		return true
	}
	if collected[len(collected)-1].Complete {
		return false
	}
	return len(collected) < maxRevisions
}

func (DifferentialStrategy) Reconstruct(fragments []*RecordPage, maxRevisions int) *RecordPage {
	if len(fragments) == 0 {
		return nil
	}
	out := fragments[0].clone()
	if out.Complete {
		return pruneTombstones(out)
	}
	for i := 1; i < len(fragments) && i < maxRevisions; i++ {
		mergeInto(out, fragments[i])
		if fragments[i].Complete {
			break
		}
	}
	return pruneTombstones(out)
}

// ───────────────────────────────────────────────────────────────────────────
// Sliding snapshot
// ───────────────────────────────────────────────────────────────────────────

// SlidingSnapshotStrategy stores only changed records like
// Incremental. Reconstruction stops after maxRevisions fragments, or
// earlier at a Complete or fanout-full fragment, which bounds its cost
// independent of how many revisions the resource has accumulated in
// total. The write path does not materialize full snapshot fragments
// for this strategy, so records older than the window are not visible.
type SlidingSnapshotStrategy struct{}

func (SlidingSnapshotStrategy) needsFragment(collected []*RecordPage, maxRevisions int) bool {
	if len(collected) == 0 {
		return true
	}
	last := collected[len(collected)-1]
	if last.Complete {
		return false
	}
	if last.full() {
		return false
	}
	return len(collected) < maxRevisions
}

func (SlidingSnapshotStrategy) Reconstruct(fragments []*RecordPage, maxRevisions int) *RecordPage {
	if len(fragments) == 0 {
		return nil
	}
	out := fragments[0].clone()
	for i := 1; i < len(fragments) && i < maxRevisions; i++ {
		older := fragments[i]
		mergeInto(out, older)
		if older.Complete || older.full() {
			break
		}
	}
	return pruneTombstones(out)
}

// strategyFor maps a configuration's VersioningKind onto its
// Strategy implementation.
func strategyFor(kind VersioningKind) Strategy {
	switch kind {
	case VersioningFull:
		return FullStrategy{}
	case VersioningIncremental:
		return IncrementalStrategy{}
	case VersioningDifferential:
		return DifferentialStrategy{}
	case VersioningSlidingSnapshot:
		return SlidingSnapshotStrategy{}
	default:
		return FullStrategy{}
	}
}
