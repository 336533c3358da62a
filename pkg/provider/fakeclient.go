package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/fleetops/gpuscaler/pkg/ferrors"
)

// FakeClient is an in-memory Client used by unit tests.
type FakeClient struct {
	mu    sync.Mutex
	seq   int
	pods  map[string]PodStatus

	// FailCreate, when non-nil, is returned by the next CreatePod call.
	FailCreate error
	// MissingOnTerminate marks pod ids that TerminatePod should report as
	// already gone (404-equivalent).
	MissingOnTerminate map[string]bool
}

// NewFakeClient constructs an empty FakeClient.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		pods:               make(map[string]PodStatus),
		MissingOnTerminate: make(map[string]bool),
	}
}

func (f *FakeClient) CreatePod(_ context.Context, spec PodSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailCreate != nil {
		err := f.FailCreate
		f.FailCreate = nil
		return "", err
	}

	f.seq++
	podID := fmt.Sprintf("fake-pod-%d", f.seq)
	f.pods[podID] = PodStatus{
		PodID:         podID,
		DesiredStatus: "running",
		ActualStatus:  "running",
	}
	return podID, nil
}

func (f *FakeClient) ListPods(_ context.Context) ([]PodStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]PodStatus, 0, len(f.pods))
	for _, p := range f.pods {
		out = append(out, p)
	}
	return out, nil
}

func (f *FakeClient) TerminatePod(_ context.Context, podID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.MissingOnTerminate[podID] {
		return nil // treated as already-gone success, per the real client's contract
	}
	if _, ok := f.pods[podID]; !ok {
		return nil
	}
	delete(f.pods, podID)
	return nil
}

func (f *FakeClient) GetPod(_ context.Context, podID string) (PodStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.pods[podID]
	if !ok {
		return PodStatus{}, ferrors.NewPermanent("GetPod", fmt.Errorf("pod %s not found", podID))
	}
	return p, nil
}
