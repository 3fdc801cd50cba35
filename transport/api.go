package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"voxrec/log"
	"voxrec/record"
)

// API is the backend's record REST surface.
type API interface {
	FetchDetail(ctx context.Context, kind record.Kind, remoteID string) (record.Card, error)
	// Create and Update return a nil card when the server replies without a body.
	Create(ctx context.Context, kind record.Kind, values record.Values) (*record.Card, error)
	Update(ctx context.Context, kind record.Kind, remoteID string, values record.Values) (*record.Card, error)
	Delete(ctx context.Context, kind record.Kind, remoteID string) error
}

type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return fmt.Sprintf("api error (%d): %s", e.Status, body)
}

// HTTPAPI implements API over JSON REST.
type HTTPAPI struct {
	server string
	token  string
	client *TracedClient
}

func NewHTTPAPI(server, token string) *HTTPAPI {
	return &HTTPAPI{server: server, token: token, client: NewTracedClient()}
}

func (a *HTTPAPI) Server() string { return a.server }

// Warm pre-opens a connection to the server.
func (a *HTTPAPI) Warm() {
	a.client.Warm(a.server)
}

// Ping checks that the backend answers its health endpoint and returns the
// round trip time.
func (a *HTTPAPI) Ping(ctx context.Context) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(a.server, HealthPath), nil)
	if err != nil {
		return 0, err
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.Metrics.Total, &APIError{Status: resp.StatusCode, Body: string(resp.Body)}
	}
	return resp.Metrics.Total, nil
}

func (a *HTTPAPI) Close() {
	a.client.CloseIdleConnections()
}

func (a *HTTPAPI) FetchDetail(ctx context.Context, kind record.Kind, remoteID string) (record.Card, error) {
	if remoteID == "" {
		return record.Card{}, fmt.Errorf("fetch %s: empty id", kind)
	}
	card, err := a.do(ctx, http.MethodGet, RecordPath(kind, remoteID), nil)
	if err != nil {
		return record.Card{}, err
	}
	if card == nil {
		return record.Card{}, fmt.Errorf("%w: empty detail for %s %s", ErrProtocol, kind, remoteID)
	}
	return *card, nil
}

func (a *HTTPAPI) Create(ctx context.Context, kind record.Kind, values record.Values) (*record.Card, error) {
	return a.do(ctx, http.MethodPost, RecordPath(kind, ""), values)
}

func (a *HTTPAPI) Update(ctx context.Context, kind record.Kind, remoteID string, values record.Values) (*record.Card, error) {
	if remoteID == "" {
		return nil, fmt.Errorf("update %s: empty id", kind)
	}
	return a.do(ctx, http.MethodPatch, RecordPath(kind, remoteID), values)
}

func (a *HTTPAPI) Delete(ctx context.Context, kind record.Kind, remoteID string) error {
	if remoteID == "" {
		return fmt.Errorf("delete %s: empty id", kind)
	}
	_, err := a.do(ctx, http.MethodDelete, RecordPath(kind, remoteID), nil)
	return err
}

func (a *HTTPAPI) do(ctx context.Context, method, path string, payload any) (*record.Card, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, joinURL(a.server, path), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		log.Warnf("api: %s %s failed: %v", method, path, err)
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	m := resp.Metrics
	log.APICall(method, path, resp.StatusCode, log.APIMetrics{
		DNSTimeMs:   float64(m.DNS.Milliseconds()),
		TLSTimeMs:   float64(m.TLS.Milliseconds()),
		TTFBMs:      float64(m.TTFB.Milliseconds()),
		TotalTimeMs: float64(m.Total.Milliseconds()),
		ConnReused:  m.ConnReused,
		TLSProto:    m.TLSProtocol,
	})

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Status: resp.StatusCode, Body: string(resp.Body)}
	}
	if resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(resp.Body)) == 0 {
		return nil, nil
	}

	var card record.Card
	if err := json.Unmarshal(resp.Body, &card); err != nil {
		return nil, fmt.Errorf("%w: decode %s %s: %v", ErrProtocol, method, path, err)
	}
	return &card, nil
}
