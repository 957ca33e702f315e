// Package client calls the inference service on behalf of the web UI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Brownie44l1/cxr-api/internal/metric"
	"github.com/Brownie44l1/cxr-api/internal/model"
)

const DefaultTimeout = 30 * time.Second

// ErrUnreachable covers refused connections, failed lookups and timeouts.
var ErrUnreachable = errors.New("inference service unreachable")

// StatusError is returned when the service answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("inference service returned error: %d", e.Code)
}

type Client struct {
	url        string
	httpClient *http.Client
	metrics    *metric.Client
}

// New returns a client posting to the predict endpoint at url. A zero timeout
// means DefaultTimeout.
func New(url string, timeout time.Duration, metrics *metric.Client) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if metrics == nil {
		metrics = metric.Noop()
	}
	return &Client{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		metrics:    metrics,
	}
}

func (c *Client) URL() string { return c.url }

// encode writes img as a PNG in multipart field "file".
func encode(img image.Image) (*bytes.Buffer, string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="image.png"`)
	h.Set("Content-Type", "image/png")
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if err := png.Encode(part, img); err != nil {
		return nil, "", fmt.Errorf("failed to encode image: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &body, mw.FormDataContentType(), nil
}

func unreachable(err error) bool {
	var opErr *net.OpError
	var dnsErr *net.DNSError
	var urlErr *url.Error
	return errors.As(err, &opErr) ||
		errors.As(err, &dnsErr) ||
		(errors.As(err, &urlErr) && urlErr.Timeout()) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Predict sends img to the inference service and returns its verdict.
func (c *Client) Predict(ctx context.Context, img image.Image) (*model.Prediction, error) {
	body, contentType, err := encode(img)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.Incr(metric.ExternalApiRequestCount, metric.HTTPTags(c.url, http.MethodPost, 0))
		if unreachable(err) {
			log.Warn().Err(err).Str("url", c.url).Msg("Inference service unreachable")
			return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		return nil, fmt.Errorf("inference request failed: %w", err)
	}
	defer resp.Body.Close()

	tags := metric.HTTPTags(c.url, http.MethodPost, resp.StatusCode)
	c.metrics.Incr(metric.ExternalApiRequestCount, tags)
	c.metrics.TimingWithStart(metric.ExternalApiRequestLatency, start, tags)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(data)}
	}

	var p model.Prediction
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid response from inference service: %w", err)
	}
	if p.Prediction != model.LabelPneumonia && p.Prediction != model.LabelNormal {
		return nil, fmt.Errorf("invalid response from inference service: unknown label %q", p.Prediction)
	}
	return &p, nil
}
