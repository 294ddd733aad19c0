package record

// Wins reports whether candidate beats incumbent when two copies of the same
// record were edited concurrently. Every store evaluates the same rule, so all
// devices converge without coordination:
//
//  1. a tombstone beats a live edit
//  2. otherwise the later UpdatedAt wins
//  3. on equal timestamps the lower device id (UpdatedBy) wins
//  4. identical writers fall back to comparing content hashes
//
// Wins(a, b) and Wins(b, a) are never both true.
func Wins(candidate, incumbent *Record) bool {
	if candidate.Tombstoned != incumbent.Tombstoned {
		return candidate.Tombstoned
	}
	if !candidate.UpdatedAt.Equal(incumbent.UpdatedAt) {
		return candidate.UpdatedAt.After(incumbent.UpdatedAt)
	}
	if candidate.UpdatedBy != incumbent.UpdatedBy {
		return candidate.UpdatedBy < incumbent.UpdatedBy
	}
	return candidate.ContentHash() < incumbent.ContentHash()
}

// SameContent reports whether two copies carry the same change.
func SameContent(a, b *Record) bool {
	return a.Tombstoned == b.Tombstoned && a.ContentHash() == b.ContentHash()
}
