package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// alertQueueSize bounds the outbound alert channel.
const alertQueueSize = 256

// alertWebhook forwards anomaly alerts to an external HTTP endpoint.
// Alerts are enqueued without blocking and sent by a background goroutine;
// when the queue is full, alerts are dropped.
type alertWebhook struct {
	url        string
	authHeader string // "Header: Value", e.g. "Authorization: Bearer xxx"
	client     *http.Client
	retryDelay time.Duration
	alerts     chan AlertEvent
	wg         sync.WaitGroup
}

func newAlertWebhook(url, authHeader string) *alertWebhook {
	w := &alertWebhook{
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: 10 * time.Second},
		retryDelay: time.Second,
		alerts:     make(chan AlertEvent, alertQueueSize),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

func (w *alertWebhook) enqueue(evt AlertEvent) {
	select {
	case w.alerts <- evt:
	default:
		slog.Warn("alert webhook: queue full, dropping alert", "type", evt.Type)
	}
}

// close drains queued alerts and stops the dispatcher.
func (w *alertWebhook) close() {
	close(w.alerts)
	w.wg.Wait()
}

func (w *alertWebhook) loop() {
	defer w.wg.Done()
	for evt := range w.alerts {
		w.send(evt)
	}
}

// send POSTs the alert with one retry on 5xx or transport errors.
func (w *alertWebhook) send(evt AlertEvent) {
	body, err := json.Marshal(evt)
	if err != nil {
		slog.Warn("alert webhook: marshal failed", "error", err)
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(w.retryDelay)
		}

		req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			slog.Warn("alert webhook: request creation failed", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Homepage360-Alert-Webhook/1.0")
		if name, value, ok := strings.Cut(w.authHeader, ":"); ok {
			req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}

		resp, err := w.client.Do(req)
		if err != nil {
			slog.Warn("alert webhook: request failed", "error", err, "attempt", attempt+1)
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return
		case resp.StatusCode >= 500:
			slog.Warn("alert webhook: server error", "status", resp.StatusCode, "attempt", attempt+1)
			continue
		default:
			slog.Warn("alert webhook: client error", "status", resp.StatusCode)
			return
		}
	}
}
