package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/fleetops/gpuscaler/pkg/ferrors"
	"github.com/fleetops/gpuscaler/pkg/log"
	"github.com/fleetops/gpuscaler/pkg/metrics"
)

// HTTPClient is a Client implementation backed by a REST GPU-provider API.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries uint
}

// NewHTTPClient constructs a Client against the given provider base URL.
func NewHTTPClient(baseURL, apiKey string, callTimeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: callTimeout},
		maxRetries: 3,
	}
}

type createPodRequest struct {
	InstanceType string            `json:"instance_type"`
	Labels       map[string]string `json:"labels,omitempty"`
}

type createPodResponse struct {
	PodID string `json:"pod_id"`
}

type podStatusResponse struct {
	PodID         string  `json:"pod_id"`
	DesiredStatus string  `json:"desired_status"`
	ActualStatus  string  `json:"actual_status"`
	UptimeSeconds int64   `json:"uptime_s"`
	CostPerHour   float64 `json:"cost_per_hr"`
}

func (r podStatusResponse) toStatus() PodStatus {
	return PodStatus{
		PodID:         r.PodID,
		DesiredStatus: r.DesiredStatus,
		ActualStatus:  r.ActualStatus,
		UptimeSeconds: r.UptimeSeconds,
		CostPerHour:   r.CostPerHour,
	}
}

func (c *HTTPClient) CreatePod(ctx context.Context, spec PodSpec) (string, error) {
	timer := metrics.NewTimer()
	logger := log.WithComponent("provider")

	body, err := json.Marshal(createPodRequest{InstanceType: spec.InstanceType, Labels: spec.Labels})
	if err != nil {
		return "", ferrors.NewFatal("CreatePod", err)
	}

	podID, err := backoff.Retry(ctx, func() (string, error) {
		resp, err := c.do(ctx, http.MethodPost, "/pods", bytes.NewReader(body))
		if err != nil {
			return "", classify("CreatePod", err)
		}
		defer resp.Body.Close()

		if err := checkStatus(resp); err != nil {
			return "", classifyStatus("CreatePod", resp.StatusCode, err)
		}
		var out createPodResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", backoff.Permanent(ferrors.NewFatal("CreatePod", err))
		}
		return out.PodID, nil
	}, backoff.WithMaxTries(c.maxRetries))

	outcome := "success"
	if err != nil {
		outcome = "error"
		logger.Error().Err(err).Msg("CreatePod failed")
	}
	timer.ObserveDurationVec(metrics.ProviderCallDuration, "create_pod", outcome)
	return podID, err
}

func (c *HTTPClient) ListPods(ctx context.Context) ([]PodStatus, error) {
	timer := metrics.NewTimer()
	statuses, err := backoff.Retry(ctx, func() ([]PodStatus, error) {
		resp, err := c.do(ctx, http.MethodGet, "/pods", nil)
		if err != nil {
			return nil, classify("ListPods", err)
		}
		defer resp.Body.Close()

		if err := checkStatus(resp); err != nil {
			return nil, classifyStatus("ListPods", resp.StatusCode, err)
		}
		var out []podStatusResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, backoff.Permanent(ferrors.NewFatal("ListPods", err))
		}
		statuses := make([]PodStatus, len(out))
		for i, s := range out {
			statuses[i] = s.toStatus()
		}
		return statuses, nil
	}, backoff.WithMaxTries(c.maxRetries))

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	timer.ObserveDurationVec(metrics.ProviderCallDuration, "list_pods", outcome)
	return statuses, err
}

func (c *HTTPClient) GetPod(ctx context.Context, podID string) (PodStatus, error) {
	timer := metrics.NewTimer()
	status, err := backoff.Retry(ctx, func() (PodStatus, error) {
		resp, err := c.do(ctx, http.MethodGet, "/pods/"+podID, nil)
		if err != nil {
			return PodStatus{}, classify("GetPod", err)
		}
		defer resp.Body.Close()

		if err := checkStatus(resp); err != nil {
			return PodStatus{}, classifyStatus("GetPod", resp.StatusCode, err)
		}
		var out podStatusResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return PodStatus{}, backoff.Permanent(ferrors.NewFatal("GetPod", err))
		}
		return out.toStatus(), nil
	}, backoff.WithMaxTries(c.maxRetries))

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	timer.ObserveDurationVec(metrics.ProviderCallDuration, "get_pod", outcome)
	return status, err
}

func (c *HTTPClient) TerminatePod(ctx context.Context, podID string) error {
	timer := metrics.NewTimer()
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		resp, err := c.do(ctx, http.MethodDelete, "/pods/"+podID, nil)
		if err != nil {
			return struct{}{}, classify("TerminatePod", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return struct{}{}, backoff.Permanent(ferrors.NewPermanent("TerminatePod", fmt.Errorf("pod %s not found", podID)))
		}
		if err := checkStatus(resp); err != nil {
			return struct{}{}, classifyStatus("TerminatePod", resp.StatusCode, err)
		}
		return struct{}{}, nil
	}, backoff.WithMaxTries(c.maxRetries))

	outcome := "success"
	if err != nil {
		outcome = "error"
		if ferrors.IsPermanent(err) {
			outcome = "already_gone"
		}
	}
	timer.ObserveDurationVec(metrics.ProviderCallDuration, "terminate_pod", outcome)

	if ferrors.IsPermanent(err) {
		return nil
	}
	return err
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return c.httpClient.Do(req)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("status %d: %s", resp.StatusCode, string(data))
}

// classify turns a transport-level error (timeout, connection refused) into
// a Transient failure.
func classify(op string, err error) error {
	return ferrors.NewTransient(op, err)
}

// classifyStatus turns an HTTP status-coded failure into the right bucket:
// 5xx is transient and retried; 401/403 and any other 4xx are fatal and
// wrapped so backoff.Retry stops immediately instead of burning the cycle
// budget on a response that won't change.
func classifyStatus(op string, statusCode int, err error) error {
	if statusCode >= 500 {
		return ferrors.NewTransient(op, err)
	}
	return backoff.Permanent(ferrors.NewFatal(op, err))
}
