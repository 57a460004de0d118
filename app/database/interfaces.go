package database

// RecordRepository is the post ledger. A single process owns the database
// file for the duration of a run; the repository does not lock.
type RecordRepository interface {
	HasBeenProcessed(fingerprint string) (bool, error)
	ProcessedSet(fingerprints []string) (map[string]bool, error)
	RecordOutcome(attrs PostAttrs, result Result) error
	Reset(identifier string) (bool, error)
	ResetAll() (int, error)

	GetRecord(identifier string) (*Record, error)
	GetHistory(limit int) ([]Record, error)
	GetRecordsByEventIDs(eventIDs []string) (map[string]Record, error)
	GetRecordCount() (int, error)
	GetTotalCost() (float64, error)
}

type PostRepository interface {
	RememberPosts(posts []SeenPost) (int, error)
	GetSeenCount() (int, error)
}

var (
	_ RecordRepository = (*SQLRecordRepository)(nil)
	_ PostRepository   = (*SQLPostRepository)(nil)
)
