// Package provider defines the capability interface over the cloud GPU
// provider API and an HTTP-backed implementation of it.
package provider

import "context"

// PodSpec describes the instance to request from the provider.
type PodSpec struct {
	InstanceType string
	Labels       map[string]string
}

// PodStatus is the provider's view of one pod's lifecycle.
type PodStatus struct {
	PodID         string
	DesiredStatus string
	ActualStatus  string
	UptimeSeconds int64
	CostPerHour   float64
}

// Client is the capability the control loop consumes over the cloud GPU
// provider. Every call may fail transiently; failures are classified via
// pkg/ferrors.
type Client interface {
	// CreatePod asks the provider to spawn a pod matching spec and returns
	// its opaque id. The pod may not yet be running when this returns.
	CreatePod(ctx context.Context, spec PodSpec) (podID string, err error)

	// ListPods returns the provider's authoritative fleet view.
	ListPods(ctx context.Context) ([]PodStatus, error)

	// TerminatePod requests termination of podID. Idempotent: calling it on
	// an already-gone pod returns nil, the same as a successful termination.
	TerminatePod(ctx context.Context, podID string) error

	// GetPod returns the single-pod variant of ListPods.
	GetPod(ctx context.Context, podID string) (PodStatus, error)
}
