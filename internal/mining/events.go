// Package mining owns the Job Manager: the lifecycle of BlockTemplates
// derived from daemon responses, and share validation against the current
// template set. Grounded on the teacher's internal/mining/job.go and
// share.go (Prometheus counters, sync.Map/atomic.Value shape), generalized
// from the teacher's simplified 80-byte-header placeholder logic to the
// full decision tree and binary construction spec.md §4.3 requires, with
// the channel-based fan-out replacing the teacher's slice-of-subscribers
// callback style per SPEC_FULL.md §9 (typed message channels instead of an
// emitter).
package mining

// JobEvent is the tagged union of notifications the Job Manager emits as a
// template transitions, replacing the source's string-named emitter
// events (spec.md §9 "Event model").
type JobEvent struct {
	Kind     JobEventKind
	Template *TemplateView
}

type JobEventKind int

const (
	EventNewBlock JobEventKind = iota
	EventUpdatedBlock
)

// ShareEvent carries an accepted share, block or not, for the
// orchestrator's logging/ledger/block-submission fan-out. Rejected shares
// produce no ShareEvent; their ShareError travels in ShareOutcome instead.
type ShareEvent struct {
	JobID            string
	IP               string
	Port             int
	Worker           string
	Height           int64
	BlockReward      int64
	Difficulty       float64
	ShareDiff        float64
	BlockDiff        float64
	BlockDiffActual  float64
	BlockHash        string
	BlockHashInvalid bool
	IsBlock          bool
	BlockHex         string
}
