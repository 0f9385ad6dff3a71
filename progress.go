package cellulite

import (
	"sync"
	"time"
)

// Build step names reported to the ProgressReporter. Per-resolution entries
// of the recursive phase are nested under BuildStepInsertItemsRecursively.
const (
	BuildStepRetrieveUpdatedItems   = "retrieve updated items"
	BuildStepClearUpdatedItems      = "clear updated items"
	BuildStepRemoveDeletedItems     = "remove deleted items from database"
	BuildStepInsertItemsAtLevelZero = "insert items at level zero"
	BuildStepInsertItemsRecursively = "insert items recursively"
	BuildStepUpdateTheMetadata      = "update the metadata"
)

// ProgressReporter receives build phase boundaries. Begin opens a phase
// entry nested under the innermost open entry; End closes it with its
// duration. Implementations need not be safe for concurrent use: build is
// synchronous and reports from a single goroutine.
type ProgressReporter interface {
	Begin(name string)
	End(name string, took time.Duration)
}

// NoopProgress is a ProgressReporter that ignores all events.
type NoopProgress struct{}

func (NoopProgress) Begin(string)              {}
func (NoopProgress) End(string, time.Duration) {}

// ProgressEntry is one finished phase recorded by TreeProgress.
type ProgressEntry struct {
	Name  string
	Depth int
	Took  time.Duration
}

// TreeProgress records the tree of phase entries with timings. Useful for
// displaying or asserting on the shape of a build.
type TreeProgress struct {
	mu      sync.Mutex
	depth   int
	Entries []ProgressEntry
}

func (p *TreeProgress) Begin(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.depth++
}

func (p *TreeProgress) End(name string, took time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.depth--
	p.Entries = append(p.Entries, ProgressEntry{Name: name, Depth: p.depth, Took: took})
}

// stepTimer reports Begin immediately and returns the matching End.
func stepTimer(p ProgressReporter, name string) func() {
	start := time.Now()
	p.Begin(name)
	return func() { p.End(name, time.Since(start)) }
}

// loggingProgress tees phase boundaries into the index logger.
type loggingProgress struct {
	ProgressReporter
	logger *Logger
}

func (p loggingProgress) End(name string, took time.Duration) {
	p.logger.LogBuildPhase(name, took)
	p.ProgressReporter.End(name, took)
}
