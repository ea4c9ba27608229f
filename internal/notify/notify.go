// Package notify delivers incident snapshots to the channels configured for
// the incident's severity. Delivery is best effort: the caller decides
// whether a failure matters.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"responder/internal/config"
	"responder/internal/domain"
)

const defaultTimeout = 5 * time.Second

// Notifier routes an incident snapshot to external channels.
type Notifier interface {
	Send(ctx context.Context, inc domain.Incident) error
}

// Dispatcher posts the snapshot to every channel routed for the incident's
// severity. An incident with no routed channels is a successful no-op.
type Dispatcher struct {
	Config *config.Config
	Client *http.Client
}

func NewDispatcher(cfg *config.Config) *Dispatcher {
	return &Dispatcher{Config: cfg, Client: &http.Client{Timeout: defaultTimeout}}
}

type payload struct {
	Kind     string          `json:"kind"`
	Incident domain.Incident `json:"incident"`
}

func (d *Dispatcher) Send(ctx context.Context, inc domain.Incident) error {
	channels := d.Config.ChannelsFor(inc.Severity)
	if len(channels) == 0 {
		return nil
	}
	data, err := json.Marshal(payload{Kind: "incident", Incident: inc})
	if err != nil {
		return err
	}
	var errs []error
	for _, ch := range channels {
		if err := d.post(ctx, ch, inc, data); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", ch.URL, err))
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) post(ctx context.Context, ch config.NotificationChannel, inc domain.Incident, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Responder-Incident", inc.ID)
	req.Header.Set("X-Responder-Severity", inc.Severity)
	if strings.TrimSpace(ch.Secret) != "" {
		req.Header.Set("X-Responder-Secret", ch.Secret)
	}
	res, err := d.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Discard drops every notification. Used when no channels are configured and
// in tests.
type Discard struct{}

func (Discard) Send(context.Context, domain.Incident) error { return nil }
