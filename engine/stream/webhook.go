package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/taskforge/taskforge/engine/metrics"
)

// WebhookConfig describes the delivery endpoint of a webhook sink.
type WebhookConfig struct {
	URL      string            `json:"url"`
	Method   string            `json:"method,omitempty"` // POST (default) or PUT
	Headers  map[string]string `json:"headers,omitempty"`
	Protocol string            `json:"protocol,omitempty"`
	// Timeout is the per-request timeout. Default 30s.
	Timeout time.Duration `json:"-"`
	// MaxRetries bounds delivery attempts for retryable failures. Default 3.
	MaxRetries int `json:"max_retries,omitempty"`
}

// webhookPayload is the §6.2 wire shape.
type webhookPayload struct {
	Protocol   string         `json:"protocol"`
	RootTaskID string         `json:"root_task_id"`
	TaskID     string         `json:"task_id"`
	Status     string         `json:"status"`
	Progress   float64        `json:"progress"`
	Message    string         `json:"message"`
	Type       string         `json:"type"`
	Timestamp  string         `json:"timestamp"`
	Final      bool           `json:"final"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// WebhookSink posts each event to a configured URL. Delivery is best-effort:
// HTTP 4xx is never retried, 5xx and transport errors are retried with
// exponential backoff (1s, 2s, 4s, ...), and irrecoverable failure is logged
// by the bus without failing task execution.
type WebhookSink struct {
	config  WebhookConfig
	client  *http.Client
	limiter *rate.Limiter

	// backoffBase is scaled down in tests.
	backoffBase time.Duration
}

// NewWebhookSink creates a sink for the given endpoint configuration.
func NewWebhookSink(config WebhookConfig) (*WebhookSink, error) {
	if config.URL == "" {
		return nil, errors.New("webhook url required")
	}
	switch config.Method {
	case "":
		config.Method = http.MethodPost
	case http.MethodPost, http.MethodPut:
	default:
		return nil, errors.Errorf("unsupported webhook method %q (POST, PUT)", config.Method)
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.Protocol == "" {
		config.Protocol = "taskforge"
	}
	return &WebhookSink{
		config:      config,
		client:      &http.Client{Timeout: config.Timeout},
		limiter:     rate.NewLimiter(rate.Limit(20), 40),
		backoffBase: time.Second,
	}, nil
}

func (s *WebhookSink) SupportsCancelEvents() bool { return true }

func (s *WebhookSink) Close() {}

// Put delivers one event, retrying per the sink policy.
func (s *WebhookSink) Put(event Event) error {
	payload := webhookPayload{
		Protocol:   s.config.Protocol,
		RootTaskID: event.RootTaskID,
		TaskID:     event.TaskID,
		Status:     event.Status,
		Progress:   event.Progress,
		Message:    event.Message,
		Type:       string(event.Kind),
		Timestamp:  event.Timestamp.UTC().Format(time.RFC3339),
		Final:      event.Final,
		Result:     event.Result,
		Error:      event.Error,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal webhook payload for %s", s.config.URL)
	}

	var lastErr error
	for attempt := 1; attempt <= s.config.MaxRetries; attempt++ {
		if attempt > 1 {
			// Exponential backoff: 1s, 2s, 4s, ...
			time.Sleep(s.backoffBase << (attempt - 2))
			metrics.WebhookDeliveries.WithLabelValues("retried").Inc()
		}

		retryable, err := s.post(body)
		if err == nil {
			metrics.WebhookDeliveries.WithLabelValues("ok").Inc()
			return nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}

	metrics.WebhookDeliveries.WithLabelValues("dropped").Inc()
	return lastErr
}

// post performs a single delivery attempt and reports whether a failure is
// retryable.
func (s *WebhookSink) post(body []byte) (retryable bool, err error) {
	_ = s.limiter.Wait(context.Background())

	req, err := http.NewRequest(s.config.Method, s.config.URL, bytes.NewReader(body))
	if err != nil {
		return false, errors.Wrapf(err, "failed to construct webhook request to %s", s.config.URL)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range s.config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		// Network and timeout errors are retryable.
		return true, errors.Wrapf(err, "failed to post webhook to %s", s.config.URL)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500:
		return true, errors.Errorf("webhook %s returned status %d: %s", s.config.URL, resp.StatusCode, respBody)
	default:
		// 4xx is a caller error; never retried.
		return false, errors.Errorf("webhook %s rejected with status %d: %s", s.config.URL, resp.StatusCode, respBody)
	}
}
