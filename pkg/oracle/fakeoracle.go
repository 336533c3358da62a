package oracle

import (
	"context"
	"sync"
)

// FakeOracle is an in-memory DemandOracle used by unit tests.
type FakeOracle struct {
	mu    sync.Mutex
	Count int
	Err   error
}

func NewFakeOracle(count int) *FakeOracle {
	return &FakeOracle{Count: count}
}

func (f *FakeOracle) DispatchableTaskCount(_ context.Context, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return 0, f.Err
	}
	return f.Count, nil
}

func (f *FakeOracle) SetCount(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Count = n
}
