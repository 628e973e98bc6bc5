package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/kacperjurak/goretro"
	"github.com/kacperjurak/goretro/internal/logger"
	"github.com/kacperjurak/goretro/pkg/models"
)

// Client posts finished reconstructions to a webhook URL.
type Client struct {
	url        string
	httpClient *http.Client
	bufferPool sync.Pool
}

// NewClient creates a new webhook client with connection pooling
func NewClient(url string) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		DisableCompression:    true,
	}

	return &Client{
		url: url,
		httpClient: &http.Client{
			Timeout:   45 * time.Second,
			Transport: transport,
		},
		bufferPool: sync.Pool{
			New: func() any {
				return bytes.NewBuffer(make([]byte, 0, 4096))
			},
		},
	}
}

// Send posts the outcome of request id. Exactly one of res and procErr is
// reported.
func (c *Client) Send(ctx context.Context, id string, res *goretro.Result, procErr error) error {
	payload := models.WebhookPayload{
		ID:   id,
		Time: time.Now().Format(time.RFC3339Nano),
	}
	if procErr != nil {
		payload.Error = procErr.Error()
	} else if res != nil {
		clean := sanitize(*res)
		payload.Result = &clean
	}

	buf := c.bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer c.bufferPool.Put(buf)

	if err := json.NewEncoder(buf).Encode(payload); err != nil {
		return fmt.Errorf("failed to marshal webhook data: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	logger.Debug("webhook sent - ID: %s, status: %d", id, resp.StatusCode)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook request failed with status %d", resp.StatusCode)
	}
	return nil
}

// sanitize replaces values JSON cannot carry.
func sanitize(r goretro.Result) goretro.Result {
	r.NegLLH = sanitizeFloat(r.NegLLH)
	r.CascadeEnergy = sanitizeFloat(r.CascadeEnergy)
	r.TrackEnergy = sanitizeFloat(r.TrackEnergy)
	params := make([]float64, len(r.Params))
	for i, v := range r.Params {
		params[i] = sanitizeFloat(v)
	}
	r.Params = params
	if len(r.Profile) > 0 {
		profile := make([]goretro.PeglegPoint, len(r.Profile))
		for i, p := range r.Profile {
			p.Alpha, p.LLH, p.Gain = sanitizeFloat(p.Alpha), sanitizeFloat(p.LLH), sanitizeFloat(p.Gain)
			profile[i] = p
		}
		r.Profile = profile
	}
	return r
}

func sanitizeFloat(value float64) float64 {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0.0
	}
	return value
}
