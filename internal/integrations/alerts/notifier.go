package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"waveminer/internal/events"
)

// Notifier posts operator-facing alerts to a webhook. It only reacts to
// the events worth a human's attention: mining stopped for a reason other
// than user intent, and retargeting giving up. Delivery retries with
// exponential backoff; alerts are best-effort and never block the loop.
type Notifier struct {
	webhookURL string
	log        *zap.Logger
	client     *http.Client
	retries    int
	retryBase  time.Duration
	cancels    []func()
}

func NewNotifier(webhookURL string, log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		log:        log,
		client:     &http.Client{Timeout: 5 * time.Second},
		retries:    3,
		retryBase:  500 * time.Millisecond,
	}
}

// Attach subscribes to the alert-worthy bus topics. Detach unsubscribes.
func (n *Notifier) Attach(bus *events.Bus) {
	n.cancels = append(n.cancels,
		bus.Subscribe(events.TopicMiningStopped, func(evt events.Event) {
			p, ok := evt.Payload.(events.MiningStopped)
			if !ok || p.ReasonClass == "stopped_by_user" {
				return
			}
			n.send(fmt.Sprintf("mining stopped: %s", p.ReasonClass))
		}),
		bus.Subscribe(events.TopicRetargetFailed, func(evt events.Event) {
			p, ok := evt.Payload.(events.RetargetFailed)
			if !ok {
				return
			}
			n.send(fmt.Sprintf("retarget failed: %s", p.Reason))
		}),
	)
}

func (n *Notifier) Detach() {
	for _, cancel := range n.cancels {
		cancel()
	}
	n.cancels = nil
}

func (n *Notifier) send(text string) {
	if n.webhookURL == "" || text == "" {
		return
	}
	// Bus handlers run on the loop goroutine, so delivery happens elsewhere.
	go func() {
		var err error
		for attempt := 0; attempt <= n.retries; attempt++ {
			if attempt > 0 {
				time.Sleep(n.retryBase << (attempt - 1))
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err = n.post(ctx, text)
			cancel()
			if err == nil {
				return
			}
		}
		n.log.Warn("alert delivery failed", zap.Error(err), zap.Int("attempts", n.retries+1))
	}()
}

func (n *Notifier) post(ctx context.Context, text string) error {
	raw, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
