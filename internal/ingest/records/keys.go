package records

// IdentityKey is the tuple used to recognize whether two records represent the
// same underlying event for a given user.
//
// The key is computed for duplicate visibility only; the storage layer stays
// append-only and does not enforce uniqueness on it.
type IdentityKey struct {
	ExternalID string
	SampleType string
	UserID     int64
}

// BuildKey derives the identity key for a record.
// Deterministic, and independent of any other field of the record.
func BuildKey(rec Record, userID int64) IdentityKey {
	return IdentityKey{
		ExternalID: rec.ExternalID,
		SampleType: rec.SampleType,
		UserID:     userID,
	}
}

// DistinctKeys returns the number of distinct identity keys in recs.
func DistinctKeys(recs []Record, userID int64) int {
	seen := make(map[IdentityKey]struct{}, len(recs))
	for _, rec := range recs {
		seen[BuildKey(rec, userID)] = struct{}{}
	}
	return len(seen)
}
