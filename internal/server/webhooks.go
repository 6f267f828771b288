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
	"sync"
	"time"

	"bidreach/internal/config"
	"bidreach/internal/domain"
	"bidreach/internal/engine"
)

const (
	defaultNotifyInterval = 2 * time.Second
	defaultNotifyTimeout  = 5 * time.Second
	defaultNotifyBatch    = 100
)

// eventNotifier forwards outreach events to configured HTTP subscribers.
// Each hook keeps its own cursor so a slow endpoint never blocks another.
type eventNotifier struct {
	engine  engine.Engine
	hooks   []config.WebhookConfig
	client  *http.Client
	mu      sync.Mutex
	cursors map[int]int64
}

// StartNotifier starts the outbound event loop when notify hooks are
// configured. Cursors start at the latest event id, so subscribers only
// see events appended after boot.
func StartNotifier(ctx context.Context, e engine.Engine) {
	if e.Config == nil || len(e.Config.Notify) == 0 {
		return
	}
	n := &eventNotifier{
		engine:  e,
		hooks:   e.Config.Notify,
		client:  &http.Client{Timeout: defaultNotifyTimeout},
		cursors: make(map[int]int64),
	}
	go n.run(ctx)
}

func (n *eventNotifier) run(ctx context.Context) {
	ticker := time.NewTicker(defaultNotifyInterval)
	defer ticker.Stop()
	for {
		n.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (n *eventNotifier) dispatchAll(ctx context.Context) {
	for i, hook := range n.hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		n.dispatchHook(ctx, i, hook)
	}
}

func (n *eventNotifier) dispatchHook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := n.cursorFor(ctx, idx)
	events, err := n.engine.Repo.EventsAfter(ctx, defaultNotifyBatch, cursor, "")
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("notify: fetch events failed: %v", err)
		}
		return
	}
	if len(events) == 0 {
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			n.setCursor(idx, evt.ID)
			continue
		}
		if err := n.postEvent(ctx, hook, evt); err != nil {
			if ctx.Err() == nil {
				log.Printf("notify: deliver to %s failed: %v", hook.URL, err)
			}
			return
		}
		n.setCursor(idx, evt.ID)
	}
}

func (n *eventNotifier) cursorFor(ctx context.Context, idx int) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cur, ok := n.cursors[idx]; ok {
		return cur
	}
	cur, err := n.engine.Repo.LatestEventID(ctx, "")
	if err != nil {
		log.Printf("notify: init cursor failed: %v", err)
		cur = 0
	}
	n.cursors[idx] = cur
	return cur
}

func (n *eventNotifier) setCursor(idx int, value int64) {
	n.mu.Lock()
	n.cursors[idx] = value
	n.mu.Unlock()
}

type notifyEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (n *eventNotifier) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage([]byte(evt.Payload))
		} else {
			raw = evt.Payload
		}
	}
	body := notifyEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultNotifyTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := n.client
	if timeout != n.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Bidreach-Event", evt.Type)
	req.Header.Set("X-Bidreach-Delivery", fmt.Sprintf("%d", evt.ID))
	if evt.ProjectID != "" {
		req.Header.Set("X-Bidreach-Project", evt.ProjectID)
	}
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Bidreach-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
