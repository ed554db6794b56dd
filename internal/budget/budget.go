// Package budget enforces the per-invocation outbound call ceiling.
//
// The execution environment allows roughly fifty outbound calls per
// invocation. Every phase handler plans its external calls against the safe
// limit (ceiling minus a reserved buffer) before issuing any of them, and a
// per-tick meter records how many calls were actually made so the figure can
// be persisted alongside each batch.
package budget

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// Cost model coefficients for a processing batch. A batch spends two calls on
// list/comment lookups, roughly three per article on fetch and summarisation,
// and one is held back for inline title translation.
const (
	fixedCallsPerBatch   = 2
	reservedCallsPerTick = 1

	// DefaultCallsPerArticle is the per-article coefficient used when no
	// override is configured.
	DefaultCallsPerArticle = 3
)

// Batch sizes outside this range are rejected regardless of budget.
const (
	minBatchSize = 1
	maxBatchSize = 10
)

var (
	// ErrBatchSizeExceedsBudget is returned by ValidateBatchSize when the
	// planned cost of a batch does not fit under the safe limit.
	ErrBatchSizeExceedsBudget = errors.New("BatchSizeExceedsBudget")

	// ErrBudgetExceeded is returned by AssertWithinBudget when a handler
	// plans more calls than the safe limit allows.
	ErrBudgetExceeded = errors.New("BudgetExceeded")
)

// Config holds the outbound-call budget parameters, read once at startup.
type Config struct {
	// SubrequestLimit is the hard environment ceiling per invocation.
	SubrequestLimit int
	// SubrequestBuffer is reserved headroom for retries, error responses
	// and publisher calls sharing the invocation.
	SubrequestBuffer int
	// CallsPerArticle is the per-article cost coefficient.
	CallsPerArticle int
}

// DefaultConfig returns the budget parameters used when the environment
// provides no overrides: limit 50, buffer 20, three calls per article.
func DefaultConfig() Config {
	return Config{
		SubrequestLimit:  50,
		SubrequestBuffer: 20,
		CallsPerArticle:  DefaultCallsPerArticle,
	}
}

// SafeLimit returns the planning ceiling: the hard limit minus the buffer.
func (c Config) SafeLimit() int {
	return c.SubrequestLimit - c.SubrequestBuffer
}

// EstimateCalls returns the planned outbound call count for a batch of n
// articles under the cost model.
func (c Config) EstimateCalls(n int) int {
	perArticle := c.CallsPerArticle
	if perArticle <= 0 {
		perArticle = DefaultCallsPerArticle
	}
	return fixedCallsPerBatch + perArticle*n + reservedCallsPerTick
}

// ValidateBatchSize rejects a configured batch size whose planned cost
// exceeds the safe limit, or which falls outside the supported 1..10 range.
// The budget check runs first so an oversized batch reports its planned cost.
func (c Config) ValidateBatchSize(n int) error {
	planned := c.EstimateCalls(n)
	if planned > c.SafeLimit() {
		return fmt.Errorf("%w: planned=%d, safeLimit=%d", ErrBatchSizeExceedsBudget, planned, c.SafeLimit())
	}
	if n < minBatchSize || n > maxBatchSize {
		return fmt.Errorf("batch size %d out of range [%d, %d]", n, minBatchSize, maxBatchSize)
	}
	return nil
}

// AssertWithinBudget aborts a tick before any external call is issued when
// the planned call count exceeds the safe limit. Handlers call this at the
// top, before touching collaborators, so config drift cannot push a tick
// over the environment ceiling.
func (c Config) AssertWithinBudget(planned int) error {
	if planned > c.SafeLimit() {
		return fmt.Errorf("%w: planned=%d, safeLimit=%d", ErrBudgetExceeded, planned, c.SafeLimit())
	}
	return nil
}

// Meter counts outbound calls actually issued during a tick. A fresh meter
// is created per tick and threaded to collaborators; the final value is
// recorded on the batch row. Safe for concurrent use.
type Meter struct {
	used atomic.Int64
}

// NewMeter returns a zeroed call meter.
func NewMeter() *Meter {
	return &Meter{}
}

// Inc records a single outbound call.
func (m *Meter) Inc() {
	if m == nil {
		return
	}
	m.used.Add(1)
}

// Add records n outbound calls.
func (m *Meter) Add(n int) {
	if m == nil {
		return
	}
	m.used.Add(int64(n))
}

// Used returns the number of outbound calls recorded so far.
func (m *Meter) Used() int {
	if m == nil {
		return 0
	}
	return int(m.used.Load())
}
