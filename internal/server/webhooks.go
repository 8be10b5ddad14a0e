package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"missionline/internal/config"
	"missionline/internal/domain"
	"missionline/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Missionline-Signature"

// WebhookDispatcher pushes audit events to the configured URLs. Progress
// per URL is stored in webhook_cursors so restarts resume where they left
// off.
type WebhookDispatcher struct {
	Repo     repo.Repo
	Hooks    []config.Webhook
	Client   *http.Client
	Interval time.Duration
	Logger   *log.Logger
	Now      func() time.Time
}

func (d *WebhookDispatcher) logger() *log.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return log.Default()
}

func (d *WebhookDispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

func (d *WebhookDispatcher) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return &http.Client{Timeout: defaultWebhookTimeout}
}

// Run ticks until ctx is done.
func (d *WebhookDispatcher) Run(ctx context.Context) error {
	if len(d.Hooks) == 0 {
		return nil
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.Tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick delivers pending events to every hook and returns how many requests
// succeeded. A failing hook stops at the failed event and retries it on
// the next tick.
func (d *WebhookDispatcher) Tick(ctx context.Context) int {
	delivered := 0
	for _, hook := range d.Hooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		n, err := d.dispatchWebhook(ctx, hook)
		delivered += n
		if err != nil {
			d.logger().Printf("webhook: deliver to %s failed: %v", hook.URL, err)
		}
	}
	return delivered
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, hook config.Webhook) (int, error) {
	cursor, err := d.Repo.WebhookCursor(ctx, hook.URL)
	if err != nil {
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	events, err := d.Repo.ListEvents(ctx, repo.EventFilters{AfterID: cursor, Limit: defaultWebhookBatch})
	if err != nil {
		return 0, fmt.Errorf("fetch events: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}
	filter := newEventFilter(hook.Events)
	delivered := 0
	last := cursor
	defer func() {
		if last == cursor {
			return
		}
		if err := d.Repo.SetWebhookCursor(ctx, hook.URL, last, d.now()); err != nil {
			d.logger().Printf("webhook: save cursor for %s: %v", hook.URL, err)
		}
	}()
	for _, evt := range events {
		if filter.match(evt.Type) {
			if err := d.postEvent(ctx, hook, evt); err != nil {
				return delivered, err
			}
			delivered++
		}
		last = evt.ID
	}
	return delivered, nil
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.Webhook, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.PayloadJSON != "" && json.Valid([]byte(evt.PayloadJSON)) {
		payload = json.RawMessage(evt.PayloadJSON)
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Missionline-Event", evt.Type)
	req.Header.Set("X-Missionline-Delivery", strconv.FormatInt(evt.ID, 10))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set(SignatureHeader, Sign(hook.Secret, data))
	}
	res, err := d.client().Do(req)
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

type eventFilter struct {
	all    bool
	exact  map[string]struct{}
	prefix []string
}

// newEventFilter matches exact types and "job.*" style prefixes. An empty
// list matches everything.
func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	f := eventFilter{exact: make(map[string]struct{}, len(events))}
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		switch {
		case key == "":
		case key == "*":
			f.all = true
		case strings.HasSuffix(key, ".*"):
			f.prefix = append(f.prefix, strings.TrimSuffix(key, "*"))
		default:
			f.exact[key] = struct{}{}
		}
	}
	return f
}

func (f eventFilter) match(evtType string) bool {
	if f.all {
		return true
	}
	if _, ok := f.exact[evtType]; ok {
		return true
	}
	for _, p := range f.prefix {
		if strings.HasPrefix(evtType, p) {
			return true
		}
	}
	return false
}
