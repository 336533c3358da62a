// Package oracle defines the DemandOracle capability: a synchronous query
// for the count of currently dispatchable queued tasks.
package oracle

import "context"

// DemandOracle returns the number of tasks that are queued, of the given
// run type, and whose owning user is below their per-user concurrency cap.
// This is distinct from a raw count(status='Queued'): per-user caps may
// make a large fraction of queued tasks non-dispatchable.
type DemandOracle interface {
	DispatchableTaskCount(ctx context.Context, runType string) (int, error)
}
