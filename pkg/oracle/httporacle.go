package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/fleetops/gpuscaler/pkg/ferrors"
	"github.com/fleetops/gpuscaler/pkg/metrics"
)

// HTTPOracle queries an external demand-oracle endpoint over HTTP.
type HTTPOracle struct {
	baseURL    string
	httpClient *http.Client
	maxRetries uint
}

// NewHTTPOracle constructs a DemandOracle against the given base URL.
func NewHTTPOracle(baseURL string, callTimeout time.Duration) *HTTPOracle {
	return &HTTPOracle{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: callTimeout},
		maxRetries: 3,
	}
}

type dispatchableResponse struct {
	Count int `json:"count"`
}

func (o *HTTPOracle) DispatchableTaskCount(ctx context.Context, runType string) (int, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.OracleCallDuration)

	url := fmt.Sprintf("%s/dispatchable-count?run_type=%s", o.baseURL, runType)
	count, err := backoff.Retry(ctx, func() (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return 0, backoff.Permanent(ferrors.NewFatal("DispatchableTaskCount", err))
		}
		resp, err := o.httpClient.Do(req)
		if err != nil {
			return 0, ferrors.NewTransient("DispatchableTaskCount", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return 0, ferrors.NewTransient("DispatchableTaskCount", fmt.Errorf("status %d: %s", resp.StatusCode, data))
		}
		if resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return 0, backoff.Permanent(ferrors.NewFatal("DispatchableTaskCount", fmt.Errorf("status %d: %s", resp.StatusCode, data)))
		}
		var out dispatchableResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return 0, backoff.Permanent(ferrors.NewFatal("DispatchableTaskCount", err))
		}
		return out.Count, nil
	}, backoff.WithMaxTries(o.maxRetries))

	return count, err
}
