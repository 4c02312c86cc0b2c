package announce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

const DefaultSendTimeout = 5 * time.Second

// Notifier delivers announcements to the outside world.
type Notifier interface {
	// Usable reports whether the channel can currently deliver.
	Usable() bool
	NotifyOverwrites(ctx context.Context, a Announcement) error
}

// Disabled never delivers.
type Disabled struct{}

func (Disabled) Usable() bool { return false }

func (Disabled) NotifyOverwrites(context.Context, Announcement) error { return nil }

// LogNotifier writes announcements to a logger.
type LogNotifier struct {
	Logger *log.Logger
}

func (LogNotifier) Usable() bool { return true }

func (n LogNotifier) NotifyOverwrites(_ context.Context, a Announcement) error {
	logger := n.Logger
	if logger == nil {
		logger = log.Default()
	}
	for _, p := range a.Parts {
		logger.Printf("overwrite: %s@%s replaced %s@%s (%.1fs left) x%d",
			p.NewMitigationName, casterOrUnknown(p.NewCasterName),
			p.OldMitigationName, casterOrUnknown(p.OldCasterName),
			p.OldRemainingSeconds, p.AffectedCount)
	}
	if a.Extra > 0 {
		logger.Printf("overwrite: +%d more", a.Extra)
	}
	return nil
}

func casterOrUnknown(name string) string {
	if strings.TrimSpace(name) == "" {
		return "?"
	}
	return name
}

// WebhookNotifier posts announcements as JSON to URL.
type WebhookNotifier struct {
	URL     string
	Secret  string
	Timeout time.Duration
	Client  *http.Client

	seq atomic.Int64
}

func (w *WebhookNotifier) Usable() bool {
	return w != nil && strings.TrimSpace(w.URL) != ""
}

type webhookBody struct {
	Delivery int64        `json:"delivery"`
	Type     string       `json:"type"`
	Data     Announcement `json:"data"`
}

func (w *WebhookNotifier) NotifyOverwrites(ctx context.Context, a Announcement) error {
	delivery := w.seq.Add(1)
	data, err := json.Marshal(webhookBody{Delivery: delivery, Type: "overwrite.detected", Data: a})
	if err != nil {
		return err
	}
	client := w.Client
	if client == nil {
		timeout := w.Timeout
		if timeout <= 0 {
			timeout = DefaultSendTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Mitwatch-Event", "overwrite.detected")
	req.Header.Set("X-Mitwatch-Delivery", fmt.Sprintf("%d", delivery))
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set("X-Mitwatch-Secret", w.Secret)
	}
	res, err := client.Do(req)
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
