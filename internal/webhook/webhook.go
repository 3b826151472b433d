package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"taskrelay/internal/models"
)

// Dispatcher delivers one signed webhook call per Dispatch.
type Dispatcher struct {
	Client *http.Client
	Now    func() time.Time
}

// New returns a dispatcher on the default transport. No client timeout is set;
// callers bound the call through the request context if they need to.
func New() *Dispatcher {
	return &Dispatcher{
		Client: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		Now:    time.Now,
	}
}

// Sign returns base64(HMAC-SHA256(secret, "<timestampMS>\n<secret>")).
func Sign(secret string, timestampMS int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestampMS, 10) + "\n" + secret))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// SignURL appends timestamp and sign query parameters to baseURL. An empty
// secret leaves baseURL untouched.
func SignURL(baseURL, secret string, now time.Time) string {
	if secret == "" {
		return baseURL
	}
	ts := now.UnixMilli()
	sep := "?"
	if strings.Contains(baseURL, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%stimestamp=%d&sign=%s", baseURL, sep, ts, url.QueryEscape(Sign(secret, ts)))
}

// Dispatch POSTs payload as JSON to destinationURL, signing the URL when a
// secret is set. A non-2xx answer is reported through the outcome, not the
// error; the error is reserved for calls that never produced a response.
// A 2xx answer whose body cannot be read in full is still a success and
// carries whatever part of the body arrived.
func (d *Dispatcher) Dispatch(ctx context.Context, destinationURL, secret string, payload interface{}) (models.DeliveryOutcome, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return models.DeliveryOutcome{}, fmt.Errorf("encode payload: %w", err)
	}
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	target := SignURL(destinationURL, secret, now())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return models.DeliveryOutcome{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "TaskRelay-Webhook/1.0")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return models.DeliveryOutcome{}, fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	out := models.DeliveryOutcome{
		Succeeded:    resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode:   resp.StatusCode,
		ResponseBody: string(raw),
	}
	if err != nil && !out.Succeeded {
		return out, fmt.Errorf("read webhook response: %w", err)
	}
	return out, nil
}

// Host returns the host of a destination URL for logging; the query string
// carries tokens and signatures and is never logged.
func Host(destinationURL string) string {
	u, err := url.Parse(destinationURL)
	if err != nil {
		return ""
	}
	return u.Host
}
