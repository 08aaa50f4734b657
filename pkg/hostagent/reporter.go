package hostagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/drydock-cloud/drydock/pkg/types"
)

const (
	defaultReportRetry = 3
	defaultReportDelay = 2 * time.Second
	heartbeatInterval  = 30 * time.Second
)

// Reporter delivers status callbacks to the gateway. Delivery is
// at-least-once with bounded retry; the gateway deduplicates by status rank.
type Reporter struct {
	config types.AgentConfig
	client *http.Client
}

func NewReporter(config types.AgentConfig) *Reporter {
	if config.ReportRetry == 0 {
		config.ReportRetry = defaultReportRetry
	}
	if config.ReportDelay == 0 {
		config.ReportDelay = defaultReportDelay
	}
	return &Reporter{
		config: config,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type statusPayload struct {
	ResourceName string `json:"resourceName"`
	Secret       string `json:"secret"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
	LogTail      string `json:"logTail,omitempty"`
}

// ReportStatus posts a lifecycle status to the gateway, retrying transient
// failures with a fixed delay. A delivery that never lands is logged and
// dropped; the gateway's overdue janitor covers the gap.
func (r *Reporter) ReportStatus(ctx context.Context, status types.EnvironmentStatus, errMsg, logTail string) error {
	payload := statusPayload{
		ResourceName: r.config.ResourceName,
		Secret:       r.config.Secret,
		Status:       string(status),
		Error:        errMsg,
		LogTail:      logTail,
	}
	return r.deliver(ctx, r.callbackURL(""), payload)
}

// ReportHeartbeat posts a keep-alive.
func (r *Reporter) ReportHeartbeat(ctx context.Context) error {
	payload := statusPayload{
		ResourceName: r.config.ResourceName,
		Secret:       r.config.Secret,
	}
	return r.deliver(ctx, r.callbackURL("/heartbeat"), payload)
}

// RunHeartbeat sends keep-alives with a host resource sample until ctx is
// done.
func (r *Reporter) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.logResourceSample(ctx)
			if err := r.ReportHeartbeat(ctx); err != nil {
				log.Warn().Err(err).Msg("heartbeat delivery failed")
			}
		}
	}
}

func (r *Reporter) logResourceSample(ctx context.Context) {
	event := log.Debug()

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		event = event.Float64("cpu_percent", percents[0])
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		event = event.Float64("mem_percent", vm.UsedPercent).Uint64("mem_used", vm.Used)
	}

	event.Msg("resource sample")
}

func (r *Reporter) callbackURL(suffix string) string {
	segment := "container"
	switch r.config.Backend {
	case types.BackendMicroVM:
		segment = "microvm"
	case types.BackendRemoteSandbox:
		segment = "sandbox"
	}
	return fmt.Sprintf("%s/%s%s", r.config.CallbackURL, segment, suffix)
}

func (r *Reporter) deliver(ctx context.Context, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < r.config.ReportRetry; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.config.ReportDelay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		// 4xx means the report itself is wrong; retrying cannot fix it.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return fmt.Errorf("callback rejected with status %d", resp.StatusCode)
		}
		if resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("callback returned status %d", resp.StatusCode)
	}

	return fmt.Errorf("callback delivery failed after %d attempts: %w", r.config.ReportRetry, lastErr)
}
