package distributor

import (
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/groupmesh/internal/optimizer"
	"github.com/ChuLiYu/groupmesh/pkg/types"
)

// run accumulates per-recipient outcomes of one distribution.
type run struct {
	id       string
	req      Request
	strategy types.DistributionStrategy
	started  time.Time

	mu        sync.Mutex
	outcome   map[string]bool // recipient -> delivered
	delivered int
	failed    int
	attempts  int
}

func newRun(id string, req Request, strategy types.DistributionStrategy, started time.Time) *run {
	return &run{
		id:       id,
		req:      req,
		strategy: strategy,
		started:  started,
		outcome:  make(map[string]bool, len(req.Recipients)),
	}
}

// record stores the outcome for recipient. A recipient is counted once; a
// later success overrides an earlier failure.
func (r *run) record(recipient string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, seen := r.outcome[recipient]
	switch {
	case !seen:
		if ok {
			r.delivered++
		} else {
			r.failed++
		}
	case !prev && ok:
		r.failed--
		r.delivered++
	default:
		return
	}
	r.outcome[recipient] = ok
}

func (r *run) attempted() {
	r.mu.Lock()
	r.attempts++
	r.mu.Unlock()
}

func (r *run) snapshot(opt *optimizer.Optimizer, now time.Time) types.DistributionProgress {
	r.mu.Lock()
	delivered, failed, attempts := r.delivered, r.failed, r.attempts
	r.mu.Unlock()

	total := len(r.req.Recipients)
	done := delivered + failed
	p := types.DistributionProgress{
		DistributionID: r.id,
		Delivered:      delivered,
		Failed:         failed,
		Pending:        total - done,
		Attempts:       attempts,
	}
	if total > 0 {
		p.Percent = float64(done) * 100 / float64(total)
	}

	rate := 0.0
	if elapsed := now.Sub(r.started).Seconds(); elapsed > 0 {
		rate = float64(done) / elapsed
	}
	if eta, ok := opt.PredictDeliveryTime(p.Pending, rate); ok {
		p.ETAMs = eta.Milliseconds()
	} else if p.Pending > 0 {
		p.Unbounded = true
	}
	return p
}

func (r *run) result(finished time.Time) types.DistributionResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var failed []string
	for id, ok := range r.outcome {
		if !ok {
			failed = append(failed, id)
		}
	}
	sort.Strings(failed)
	return types.DistributionResult{
		DistributionID:       r.id,
		TotalRecipients:      len(r.req.Recipients),
		SuccessfulDeliveries: r.delivered,
		FailedDeliveries:     r.failed,
		FailedRecipients:     failed,
		Strategy:             r.strategy,
		Status:               types.DistributionCompleted,
		CompletionTimestamp:  finished.UnixMilli(),
		Duration:             finished.Sub(r.started),
	}
}
