package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/namaskah/verify/internal/config"
	"github.com/namaskah/verify/internal/domain"
)

var (
	vendorCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "namaskah_vendor_calls_total",
		Help: "Vendor API calls, labeled by operation and outcome",
	}, []string{"op", "outcome"})

	vendorCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "namaskah_vendor_call_duration_seconds",
		Help:    "Vendor API call latency",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"op"})

	breakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "namaskah_vendor_breaker_open",
		Help: "1 when the vendor circuit breaker is open",
	})
)

// Client talks to the vendor's REST API. All calls go through a process-wide
// circuit breaker; transient failures are retried with bounded exponential
// backoff before surfacing as ErrUnavailable.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	maxRetries uint64
	log        *logrus.Logger
}

func NewClient(cfg config.VendorConfig, log *logrus.Logger) *Client {
	settings := gobreaker.Settings{
		Name: "vendor",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		Timeout: cfg.BreakerCooldown,
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				breakerState.Set(1)
			} else {
				breakerState.Set(0)
			}
			log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).
				Warn("vendor circuit breaker state changed")
		},
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    gobreaker.NewCircuitBreaker(settings),
		maxRetries: uint64(cfg.MaxRetries),
		log:        log,
	}
}

type requestNumberPayload struct {
	ServiceName string `json:"service_name"`
	Country     string `json:"country"`
	Capability  string `json:"capability"`
}

type numberResponse struct {
	ID     string `json:"id"`
	Number string `json:"number"`
}

type sessionResponse struct {
	State string `json:"state"`
	SMS   *struct {
		Code string `json:"code"`
		Text string `json:"text"`
	} `json:"sms"`
}

func (c *Client) RequestNumber(ctx context.Context, service, country string, capability domain.Capability) (*Number, error) {
	payload := requestNumberPayload{
		ServiceName: service,
		Country:     country,
		Capability:  string(capability),
	}

	var out numberResponse
	err := c.execute(ctx, "request_number", func() error {
		return c.doJSON(ctx, http.MethodPost, "/v2/verifications", payload, &out)
	})
	if err != nil {
		return nil, err
	}
	if out.ID == "" || out.Number == "" {
		return nil, fmt.Errorf("%w: vendor returned empty assignment", ErrUnavailable)
	}
	return &Number{SessionID: out.ID, PhoneNumber: out.Number}, nil
}

func (c *Client) CheckMessage(ctx context.Context, sessionID string) (*Message, error) {
	var out sessionResponse
	err := c.execute(ctx, "check_message", func() error {
		return c.doJSON(ctx, http.MethodGet, "/v2/verifications/"+sessionID, nil, &out)
	})
	if err != nil {
		return nil, err
	}

	switch out.State {
	case "received":
		if out.SMS == nil {
			return nil, fmt.Errorf("%w: received state without message body", ErrUnavailable)
		}
		return &Message{Code: out.SMS.Code, Text: out.SMS.Text}, nil
	case "expired":
		return nil, ErrNumberExpired
	case "revoked", "failed":
		return nil, ErrNumberRevoked
	default:
		// pending: no message yet
		return nil, nil
	}
}

func (c *Client) ReleaseNumber(ctx context.Context, sessionID string) error {
	return c.execute(ctx, "release_number", func() error {
		return c.doJSON(ctx, http.MethodPost, "/v2/verifications/"+sessionID+"/cancel", nil, nil)
	})
}

// execute wraps op with the circuit breaker and a bounded exponential backoff
// over transient failures. Permanent vendor answers (no inventory, expired,
// revoked) pass through untouched and do not trip the breaker.
func (c *Client) execute(ctx context.Context, op string, call func() error) error {
	timer := prometheus.NewTimer(vendorCallDuration.WithLabelValues(op))
	defer timer.ObserveDuration()

	var vendorRejection error
	_, err := c.breaker.Execute(func() (interface{}, error) {
		bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)
		if err := backoff.Retry(call, bo); err != nil {
			if isVendorRejection(err) {
				// The vendor answered; this is not a breaker failure.
				vendorRejection = err
				return nil, nil
			}
			return nil, err
		}
		return nil, nil
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			vendorCallsTotal.WithLabelValues(op, "breaker_open").Inc()
			return fmt.Errorf("%w: circuit breaker open", ErrUnavailable)
		}
		vendorCallsTotal.WithLabelValues(op, "error").Inc()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if vendorRejection != nil {
		vendorCallsTotal.WithLabelValues(op, "rejected").Inc()
		return vendorRejection
	}

	vendorCallsTotal.WithLabelValues(op, "ok").Inc()
	return nil
}

func isVendorRejection(err error) bool {
	return errors.Is(err, ErrNoInventory) ||
		errors.Is(err, ErrNumberExpired) ||
		errors.Is(err, ErrNumberRevoked)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return backoff.Permanent(err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return backoff.Permanent(err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err // transient: network-level failure, retry
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode vendor response: %w", err)
		}
		return nil
	case resp.StatusCode == http.StatusConflict, resp.StatusCode == http.StatusNotFound:
		return backoff.Permanent(ErrNoInventory)
	case resp.StatusCode == http.StatusGone:
		return backoff.Permanent(ErrNumberExpired)
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return backoff.Permanent(ErrNumberRevoked)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("vendor returned %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("vendor returned %d", resp.StatusCode))
	}
}

// deadline for a time-boxed release during purchase compensation.
const ReleaseTimeout = 5 * time.Second
