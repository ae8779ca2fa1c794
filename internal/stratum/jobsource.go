package stratum

import "github.com/komodo-solomining/pool/internal/mining"

// JobSource is the small capability the orchestrator hands to the server
// at construction, cutting the cyclic reference spec.md §9 flags between
// the orchestrator (which holds the Job Manager) and the Stratum server
// (which would otherwise close over it directly).
type JobSource interface {
	NextExtraNonce1() string
	CurrentJobParams() []interface{}
	CurrentJobDifficulty() float64
	SubmitShare(mining.Submission) (*mining.ShareEvent, *mining.ShareError)
}
