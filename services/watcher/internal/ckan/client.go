// Package ckan pulls hourly air-quality rows from a CKAN datastore.
package ckan

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/02loveslollipop/Kaze-air-quality-viewer/services/watcher/internal/models"
)

// HourLayout is how the datastore encodes the civil hour of a row.
const HourLayout = "2006-01-02T15:00:00"

const (
	searchPath = "/api/3/action/datastore_search"
	pageSize   = 1000
)

var errUpstream = errors.New("upstream error")

// UpstreamFetchError reports that an hour could not be fetched.
type UpstreamFetchError struct {
	Hour time.Time
	Err  error
}

func (e *UpstreamFetchError) Error() string {
	return fmt.Sprintf("fetch hour %s: %v", e.Hour.Format(HourLayout), e.Err)
}

func (e *UpstreamFetchError) Unwrap() error {
	return e.Err
}

// Config describes the datastore resource and request behaviour.
type Config struct {
	BaseURL    string
	ResourceID string
	// Parameters restricts the search to these parameter codes.
	Parameters []string
	Timeout    time.Duration
	MaxRetries int
}

// Client queries the datastore through a circuit breaker.
type Client struct {
	http    *resty.Client
	cfg     Config
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

type searchRequest struct {
	ResourceID string         `json:"resource_id"`
	Filters    map[string]any `json:"filters"`
	Limit      int            `json:"limit"`
	Offset     int            `json:"offset"`
}

// New creates a client for cfg.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(1*time.Second).
		SetRetryMaxWaitTime(10*time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ckan",
		MaxRequests: 1,
		Interval:    10 * time.Minute,
		Timeout:     5 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Client{http: httpClient, cfg: cfg, breaker: breaker, logger: logger}
}

// FetchHour returns every valid row for the civil hour. The wall clock of
// hour is used as-is; its location is ignored.
func (c *Client) FetchHour(ctx context.Context, hour time.Time) ([]models.Record, error) {
	filters := map[string]any{
		"is_valid":     "True",
		"datetime_est": hour.Format(HourLayout),
	}
	if len(c.cfg.Parameters) > 0 {
		filters["parameter"] = c.cfg.Parameters
	}

	records := make([]models.Record, 0)
	for offset := 0; ; offset += pageSize {
		page, err := c.search(ctx, searchRequest{
			ResourceID: c.cfg.ResourceID,
			Filters:    filters,
			Limit:      pageSize,
			Offset:     offset,
		})
		if err != nil {
			return nil, &UpstreamFetchError{Hour: hour, Err: err}
		}
		records = append(records, page.Records...)
		if len(page.Records) < pageSize || len(records) >= page.Total {
			break
		}
	}

	c.logger.Debug("fetched datastore rows",
		zap.String("hour", hour.Format(HourLayout)),
		zap.Int("rows", len(records)),
	)
	return records, nil
}

func (c *Client) search(ctx context.Context, req searchRequest) (models.SearchResult, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		var body models.SearchResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(req).
			// Some portal proxies label JSON bodies as text/plain.
			ForceContentType("application/json").
			SetResult(&body).
			SetError(&body).
			Post(searchPath)
		if err != nil {
			return nil, fmt.Errorf("request datastore_search: %w", err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("%w: unexpected status %s", errUpstream, resp.Status())
		}
		if !body.Success {
			msg := "success=false"
			if body.Error != nil {
				msg = body.Error.Type + ": " + body.Error.Message
			}
			return nil, fmt.Errorf("%w: %s", errUpstream, msg)
		}
		return body.Result, nil
	})
	if err != nil {
		return models.SearchResult{}, err
	}
	return out.(models.SearchResult), nil
}
