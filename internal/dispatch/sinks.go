package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"decoynet/internal/schema"
)

// ElasticSink indexes alert payloads into an Elasticsearch-compatible
// SIEM over the document API.
type ElasticSink struct {
	name    string
	baseURL string
	index   string
	apiKey  string
	client  *http.Client
}

// NewElasticSink creates an Elasticsearch sink targeting one index.
func NewElasticSink(name, baseURL, index, apiKey string) *ElasticSink {
	return &ElasticSink{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		index:   index,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (e *ElasticSink) Name() string { return e.name }
func (e *ElasticSink) Kind() string { return "elastic" }

func (e *ElasticSink) Send(ctx context.Context, payload *Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/%s/_doc", e.baseURL, e.index)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "ApiKey "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("elastic request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("elastic returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

func (e *ElasticSink) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/_cluster/health", nil)
	if err != nil {
		return err
	}
	if e.apiKey != "" {
		req.Header.Set("Authorization", "ApiKey "+e.apiKey)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("elastic health returned %d", resp.StatusCode)
	}
	return nil
}

// SplunkSink sends alert payloads to a Splunk HTTP Event Collector.
type SplunkSink struct {
	name   string
	hecURL string
	token  string
	client *http.Client
}

// NewSplunkSink creates a Splunk HEC sink. hecURL is the collector base,
// e.g. https://splunk:8088.
func NewSplunkSink(name, hecURL, token string) *SplunkSink {
	return &SplunkSink{
		name:   name,
		hecURL: strings.TrimRight(hecURL, "/"),
		token:  token,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SplunkSink) Name() string { return s.name }
func (s *SplunkSink) Kind() string { return "splunk" }

func (s *SplunkSink) Send(ctx context.Context, payload *Payload) error {
	envelope := map[string]interface{}{
		"event":      payload,
		"sourcetype": "_json",
		"source":     "decoynet",
		"time":       time.Now().Unix(),
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.hecURL+"/services/collector/event", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Splunk "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("splunk request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("splunk returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

func (s *SplunkSink) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.hecURL+"/services/collector/health", nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("splunk health returned %d", resp.StatusCode)
	}
	return nil
}

// SyslogSink writes one syslog line per alert over TCP or UDP.
type SyslogSink struct {
	name    string
	network string // "tcp" or "udp"
	address string
	tag     string
	dialer  net.Dialer
}

// NewSyslogSink creates a syslog sink.
func NewSyslogSink(name, network, address, tag string) *SyslogSink {
	if tag == "" {
		tag = "decoynet"
	}
	return &SyslogSink{name: name, network: network, address: address, tag: tag}
}

func (s *SyslogSink) Name() string { return s.name }
func (s *SyslogSink) Kind() string { return "syslog" }

func (s *SyslogSink) Send(ctx context.Context, payload *Payload) error {
	conn, err := s.dialer.DialContext(ctx, s.network, s.address)
	if err != nil {
		return fmt.Errorf("syslog dial failed: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	line := fmt.Sprintf("<%d>%s %s: %s\n",
		s.priority(payload.Severity),
		time.Now().Format(time.Stamp),
		s.tag,
		data,
	)
	if _, err := conn.Write([]byte(line)); err != nil {
		return fmt.Errorf("syslog write failed: %w", err)
	}
	return nil
}

func (s *SyslogSink) Check(ctx context.Context) error {
	conn, err := s.dialer.DialContext(ctx, s.network, s.address)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Facility local4, severity mapped onto syslog levels.
func (s *SyslogSink) priority(sev schema.Severity) int {
	const facility = 20
	switch sev {
	case schema.SeverityCritical:
		return facility*8 + 2
	case schema.SeverityHigh:
		return facility*8 + 3
	case schema.SeverityMedium:
		return facility*8 + 4
	default:
		return facility*8 + 6
	}
}

// WebhookSink posts alert payloads as JSON to an arbitrary HTTP endpoint.
type WebhookSink struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookSink creates a webhook sink with optional extra headers.
func NewWebhookSink(name, url string, headers map[string]string) *WebhookSink {
	return &WebhookSink{
		name:    name,
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookSink) Name() string { return w.name }
func (w *WebhookSink) Kind() string { return "webhook" }

func (w *WebhookSink) Send(ctx context.Context, payload *Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// Check probes reachability only; a 405 from an endpoint that rejects
// HEAD still proves the endpoint is up.
func (w *WebhookSink) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, w.url, nil)
	if err != nil {
		return err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
