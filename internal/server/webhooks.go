package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"trunkline/internal/config"
	"trunkline/internal/domain"
	"trunkline/internal/logging"
	"trunkline/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
	maxDeliveryElapsed     = 30 * time.Second
)

// EventSource is the slice of the store the dispatcher polls.
type EventSource interface {
	EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

var _ EventSource = repo.Repo{}

// WebhookDispatcher forwards committed events to configured URLs. Each
// hook has its own cursor, starting at the newest event when the
// dispatcher starts; a failed delivery holds the cursor so the event is
// retried on the next tick.
type WebhookDispatcher struct {
	Source   EventSource
	Hooks    []config.Webhook
	Client   *http.Client
	Interval time.Duration
	Logger   *logging.Logger

	cursors []int64
	primed  []bool
}

func NewWebhookDispatcher(src EventSource, hooks []config.Webhook, logger *logging.Logger) *WebhookDispatcher {
	return &WebhookDispatcher{
		Source:   src,
		Hooks:    hooks,
		Client:   &http.Client{Timeout: defaultWebhookTimeout},
		Interval: defaultWebhookInterval,
		Logger:   logging.OrNop(logger).WithComponent("webhooks"),
	}
}

// Run polls until ctx is done.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	if len(d.Hooks) == 0 {
		return
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce delivers everything committed since the last call.
func (d *WebhookDispatcher) DispatchOnce(ctx context.Context) {
	if d.cursors == nil {
		d.cursors = make([]int64, len(d.Hooks))
		d.primed = make([]bool, len(d.Hooks))
	}
	for i, hook := range d.Hooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchHook(ctx, i, hook)
	}
}

func (d *WebhookDispatcher) dispatchHook(ctx context.Context, idx int, hook config.Webhook) {
	log := d.Logger.With("url", hook.URL)
	if !d.primed[idx] {
		cur, err := d.Source.LatestEventID(ctx)
		if err != nil {
			log.Warn("init cursor failed", "error", err)
			return
		}
		d.cursors[idx] = cur
		d.primed[idx] = true
		return
	}
	evts, err := d.Source.EventsAfter(ctx, defaultWebhookBatch, d.cursors[idx])
	if err != nil {
		log.Warn("fetch events failed", "error", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range evts {
		if filter.match(evt.Type) {
			if err := d.deliver(ctx, hook, evt); err != nil {
				log.Error("delivery failed", "event", evt.ID, "type", evt.Type, "error", err)
				return
			}
			log.Debug("delivered", "event", evt.ID, "type", evt.Type)
		}
		d.cursors[idx] = evt.ID
	}
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

// deliver posts evt, retrying transport errors and 5xx answers with
// exponential backoff. 4xx answers are final.
func (d *WebhookDispatcher) deliver(ctx context.Context, hook config.Webhook, evt domain.Event) error {
	payload := json.RawMessage("{}")
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage(evt.Payload)
		} else {
			raw = evt.Payload
		}
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	})
	if err != nil {
		return err
	}
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = maxDeliveryElapsed
	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Trunkline-Event", evt.Type)
		req.Header.Set("X-Trunkline-Delivery", strconv.FormatInt(evt.ID, 10))
		if strings.TrimSpace(hook.Secret) != "" {
			req.Header.Set("X-Trunkline-Secret", hook.Secret)
		}
		res, err := client.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		if res.StatusCode >= 200 && res.StatusCode < 300 {
			return nil
		}
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		err = fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
		if res.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
}

// eventFilter matches event types exactly or by a trailing ".*" prefix.
type eventFilter struct {
	all      bool
	set      map[string]struct{}
	prefixes []string
}

func newEventFilter(events []string) eventFilter {
	f := eventFilter{set: map[string]struct{}{}}
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		switch {
		case key == "":
		case key == "*":
			return eventFilter{all: true}
		case strings.HasSuffix(key, ".*"):
			f.prefixes = append(f.prefixes, strings.TrimSuffix(key, "*"))
		default:
			f.set[key] = struct{}{}
		}
	}
	if len(f.set) == 0 && len(f.prefixes) == 0 {
		return eventFilter{all: true}
	}
	return f
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[evt]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(evt, p) {
			return true
		}
	}
	return false
}
