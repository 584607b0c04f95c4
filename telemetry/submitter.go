package telemetry

import (
	"context"
	"encoding/json"

	"github.com/gaborage/netcore/http"
	"github.com/gaborage/netcore/logger"
)

// DefaultEndpoint is the analytics ingestion path.
const DefaultEndpoint = "/v1/analytics/events"

// wireTimeLayout is ISO-8601 with millisecond precision.
const wireTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Submitter delivers one batch. A nil error means the backend accepted it.
type Submitter interface {
	Submit(ctx context.Context, batch []Event) error
}

// SubmitFunc adapts a function to Submitter.
type SubmitFunc func(ctx context.Context, batch []Event) error

func (f SubmitFunc) Submit(ctx context.Context, batch []Event) error { return f(ctx, batch) }

// ClientInfo identifies the sending app in every batch.
type ClientInfo struct {
	Platform   string
	AppVersion string
	DeviceID   string
}

type wireEvent struct {
	EventName  string         `json:"event_name"`
	Timestamp  string         `json:"timestamp"`
	Properties map[string]any `json:"properties,omitempty"`
}

type wireBatch struct {
	Events         []wireEvent `json:"events"`
	ClientPlatform string      `json:"client_platform"`
	AppVersion     string      `json:"app_version"`
	DeviceID       string      `json:"device_id,omitempty"`
}

type submitResponse struct {
	Success        bool   `json:"success"`
	EventsReceived int    `json:"events_received"`
	Message        string `json:"message"`
}

// HTTPSubmitter posts batches through the API client. Pipeline retries are
// disabled per call; the service owns backoff for telemetry.
type HTTPSubmitter struct {
	client   http.Client
	endpoint string
	info     ClientInfo
	log      logger.Logger
}

// NewHTTPSubmitter creates a submitter posting to endpoint, which is resolved
// against the client's base URL.
func NewHTTPSubmitter(client http.Client, endpoint string, info ClientInfo, log logger.Logger) *HTTPSubmitter {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if log == nil {
		log = logger.Nop()
	}
	return &HTTPSubmitter{client: client, endpoint: endpoint, info: info, log: log}
}

// Submit implements Submitter. The response body is informational; success
// is decided by the HTTP status alone.
func (s *HTTPSubmitter) Submit(ctx context.Context, batch []Event) error {
	body, err := http.JSONBody(encodeBatch(batch, s.info))
	if err != nil {
		return err
	}

	resp, err := s.client.Post(ctx, &http.Request{
		URL:          s.endpoint,
		Body:         body,
		RequiresAuth: true,
		DisableRetry: true,
	})
	if err != nil {
		return err
	}

	var ack submitResponse
	if len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, &ack); err != nil {
			s.log.Debug().Err(err).Msg("Analytics response is not JSON")
			return nil
		}
	}
	s.log.Debug().
		Int("events", len(batch)).
		Bool("success", ack.Success).
		Int("events_received", ack.EventsReceived).
		Str("message", ack.Message).
		Msg("Analytics batch accepted")
	return nil
}

func encodeBatch(batch []Event, info ClientInfo) wireBatch {
	events := make([]wireEvent, len(batch))
	for i, ev := range batch {
		events[i] = wireEvent{
			EventName:  ev.Name,
			Timestamp:  ev.Timestamp.UTC().Format(wireTimeLayout),
			Properties: ev.Properties,
		}
	}
	return wireBatch{
		Events:         events,
		ClientPlatform: info.Platform,
		AppVersion:     info.AppVersion,
		DeviceID:       info.DeviceID,
	}
}
