package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"responder/internal/config"
	"responder/internal/domain"
	"responder/internal/engine"
)

const (
	defaultFeedInterval = 2 * time.Second
	defaultFeedTimeout  = 5 * time.Second
	defaultFeedBatch    = 100
)

// feedDispatcher streams audit events to the configured notification
// channels. Delivery position is persisted per channel so restarts resume
// where the last delivery left off.
type feedDispatcher struct {
	engine   engine.Engine
	channels map[string]config.NotificationChannel
	client   *http.Client
}

func StartFeedDispatcher(e engine.Engine) {
	if e.Config == nil || len(e.Config.Notifications.Channels) == 0 {
		return
	}
	d := &feedDispatcher{
		engine:   e,
		channels: e.Config.Notifications.Channels,
		client:   &http.Client{Timeout: defaultFeedTimeout},
	}
	go d.run()
}

func (d *feedDispatcher) run() {
	ticker := time.NewTicker(defaultFeedInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		<-ticker.C
	}
}

func (d *feedDispatcher) dispatchAll() {
	for name, ch := range d.channels {
		if strings.TrimSpace(ch.URL) == "" {
			continue
		}
		d.dispatchChannel(name, ch)
	}
}

func (d *feedDispatcher) dispatchChannel(name string, ch config.NotificationChannel) {
	ctx := context.Background()
	cursor, err := d.engine.Repo.GetNotificationCursor(ctx, name)
	if err != nil {
		log.Printf("feed: load cursor for %s failed: %v", name, err)
		return
	}
	events, err := d.engine.Repo.EventsAfter(ctx, defaultFeedBatch, cursor)
	if err != nil {
		log.Printf("feed: fetch events failed: %v", err)
		return
	}
	for _, evt := range events {
		if err := d.postEvent(ctx, name, ch, evt); err != nil {
			log.Printf("feed: deliver to %s failed: %v", ch.URL, err)
			return
		}
		if err := d.engine.Repo.SetNotificationCursor(ctx, name, evt.ID); err != nil {
			log.Printf("feed: save cursor for %s failed: %v", name, err)
			return
		}
	}
}

type feedEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	IncidentID string          `json:"incident_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *feedDispatcher) postEvent(ctx context.Context, name string, ch config.NotificationChannel, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage([]byte(evt.Payload))
	}
	body := feedEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		IncidentID: evt.IncidentID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Responder-Event", evt.Type)
	req.Header.Set("X-Responder-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Responder-Channel", name)
	if strings.TrimSpace(ch.Secret) != "" {
		req.Header.Set("X-Responder-Secret", ch.Secret)
	}
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}
