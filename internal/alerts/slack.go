package alerts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/config"
)

type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type SlackAttachment struct {
	Color  string       `json:"color"`
	Fields []SlackField `json:"fields"`
}

type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
	Blocks      []interface{}     `json:"blocks,omitempty"`
}

// Severity governs both whether an alert bypasses the opt-in config
// flags and whether a queued alert can be evicted when the queue is
// full: when the oldest queued alert is critical it is put back rather
// than evicted, and the new alert is dropped instead, whatever its
// severity.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertRequest is a single lifecycle event a human operator may need
// to see: a fill, a gate block, an emergency stop, a circuit breaker
// transition.
type AlertRequest struct {
	Symbol       string    `json:"symbol"`
	Event        string    `json:"event"`
	Severity     Severity  `json:"severity"`
	Message      string    `json:"message"`
	GatesBlocked []string  `json:"gates_blocked,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type queuedAlert struct {
	req       AlertRequest
	attempts  int
	nextRetry time.Time
	hash      string
}

type SlackClient struct {
	cfg           config.Slack
	httpClient    *http.Client
	queue         chan queuedAlert
	dedupeCache   map[string]time.Time
	rateLimiter   map[string][]time.Time // global + per-symbol rate limits
	mu            sync.RWMutex
	ctx           context.Context
	cancel        context.CancelFunc
	metrics       *AlertMetrics
}

type AlertMetrics struct {
	AlertsSentTotal    int64
	WebhookErrorsTotal int64
	AlertQueueDepth    int64
	RateLimitHitsTotal int64
	AlertQueueDropped  int64
}

func NewSlackClient(cfg config.Slack) *SlackClient {
	ctx, cancel := context.WithCancel(context.Background())

	client := &SlackClient{
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		queue:       make(chan queuedAlert, 1000), // bounded queue
		dedupeCache: make(map[string]time.Time),
		rateLimiter: make(map[string][]time.Time),
		ctx:         ctx,
		cancel:      cancel,
		metrics:     &AlertMetrics{},
	}

	go client.worker()
	go client.cleanup()

	return client
}

func (s *SlackClient) SendAlert(req AlertRequest) {
	if !s.cfg.Enabled {
		return
	}

	if !s.shouldAlert(req) {
		return
	}

	hash := s.generateHash(req)

	s.mu.Lock()
	if lastSent, exists := s.dedupeCache[hash]; exists {
		if time.Since(lastSent) < 60*time.Second {
			s.mu.Unlock()
			return // Skip duplicate
		}
	}
	s.dedupeCache[hash] = time.Now()
	s.mu.Unlock()

	if req.Severity != SeverityCritical && s.isRateLimited(req.Symbol) {
		s.mu.Lock()
		s.metrics.RateLimitHitsTotal++
		s.mu.Unlock()
		return
	}

	alert := queuedAlert{
		req:       req,
		attempts:  0,
		nextRetry: time.Now(),
		hash:      hash,
	}

	select {
	case s.queue <- alert:
		s.mu.Lock()
		s.metrics.AlertQueueDepth++
		s.mu.Unlock()
	default:
		s.dropOldestNonCritical(alert)
	}
}

// shouldAlert applies the opt-in config flags to non-critical events;
// critical events (emergency stop, circuit breaker halt, PDT block)
// always alert regardless of configuration, since the operator needs
// to know even if they forgot to flip a flag.
func (s *SlackClient) shouldAlert(req AlertRequest) bool {
	switch req.Severity {
	case SeverityCritical:
		return true
	case SeverityWarning:
		return s.cfg.AlertOnGateBlock
	default:
		return s.cfg.AlertOnFill
	}
}

func (s *SlackClient) generateHash(req AlertRequest) string {
	data := fmt.Sprintf("%s:%s:%s", req.Symbol, req.Event, req.Message)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)[:16]
}

func (s *SlackClient) isRateLimited(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-time.Minute)

	globalKey := "global"
	if times, exists := s.rateLimiter[globalKey]; exists {
		filtered := make([]time.Time, 0, len(times))
		for _, t := range times {
			if t.After(cutoff) {
				filtered = append(filtered, t)
			}
		}
		s.rateLimiter[globalKey] = filtered

		if len(filtered) >= s.cfg.RateLimitPerMin {
			return true
		}
	}

	if times, exists := s.rateLimiter[symbol]; exists {
		filtered := make([]time.Time, 0, len(times))
		for _, t := range times {
			if t.After(cutoff) {
				filtered = append(filtered, t)
			}
		}
		s.rateLimiter[symbol] = filtered

		if len(filtered) >= s.cfg.RateLimitPerSymbolPerMin {
			return true
		}
	}

	s.rateLimiter[globalKey] = append(s.rateLimiter[globalKey], now)
	s.rateLimiter[symbol] = append(s.rateLimiter[symbol], now)

	return false
}

func (s *SlackClient) dropOldestNonCritical(newAlert queuedAlert) {
	select {
	case oldAlert := <-s.queue:
		if oldAlert.req.Severity == SeverityCritical {
			select {
			case s.queue <- oldAlert:
				s.mu.Lock()
				s.metrics.AlertQueueDropped++
				s.mu.Unlock()
				return
			default:
				// Queue still full, drop both
			}
		}

		select {
		case s.queue <- newAlert:
			s.mu.Lock()
			s.metrics.AlertQueueDepth++
			s.metrics.AlertQueueDropped++
			s.mu.Unlock()
		default:
			s.mu.Lock()
			s.metrics.AlertQueueDropped++
			s.mu.Unlock()
		}
	default:
		select {
		case s.queue <- newAlert:
			s.mu.Lock()
			s.metrics.AlertQueueDepth++
			s.mu.Unlock()
		default:
			s.mu.Lock()
			s.metrics.AlertQueueDropped++
			s.mu.Unlock()
		}
	}
}

func (s *SlackClient) worker() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case alert := <-s.queue:
			s.mu.Lock()
			s.metrics.AlertQueueDepth--
			s.mu.Unlock()

			if time.Now().Before(alert.nextRetry) {
				go func() {
					time.Sleep(time.Until(alert.nextRetry))
					select {
					case s.queue <- alert:
						s.mu.Lock()
						s.metrics.AlertQueueDepth++
						s.mu.Unlock()
					case <-s.ctx.Done():
						return
					default:
						s.mu.Lock()
						s.metrics.AlertQueueDropped++
						s.mu.Unlock()
					}
				}()
				continue
			}

			if s.sendWebhook(alert.req) {
				s.mu.Lock()
				s.metrics.AlertsSentTotal++
				s.mu.Unlock()
			} else {
				alert.attempts++
				if alert.attempts < 3 {
					backoff := time.Duration(math.Pow(2, float64(alert.attempts))) * time.Second
					jitter := time.Duration(rand.Float64() * float64(backoff) * 0.1)
					alert.nextRetry = time.Now().Add(backoff + jitter)

					select {
					case s.queue <- alert:
						s.mu.Lock()
						s.metrics.AlertQueueDepth++
						s.mu.Unlock()
					case <-s.ctx.Done():
						return
					default:
						s.mu.Lock()
						s.metrics.AlertQueueDropped++
						s.mu.Unlock()
					}
				} else {
					s.mu.Lock()
					s.metrics.WebhookErrorsTotal++
					s.mu.Unlock()
				}
			}
		}
	}
}

func (s *SlackClient) sendWebhook(req AlertRequest) bool {
	msg := s.formatMessage(req)

	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to marshal Slack message: %v", err)
		return false
	}

	if len(payload) > 4000 {
		payload = payload[:3900]
		payload = append(payload, []byte("...\"}")...)
	}

	resp, err := s.httpClient.Post(s.cfg.WebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		log.Printf("Slack webhook error: %v", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		log.Printf("Slack webhook failed with status %d", resp.StatusCode)
		return false
	}

	return true
}

func (s *SlackClient) formatMessage(req AlertRequest) SlackMessage {
	emoji := "ℹ️"
	color := "good"
	switch req.Severity {
	case SeverityCritical:
		emoji = "🚨"
		color = "danger"
	case SeverityWarning:
		emoji = "⚠️"
		color = "warning"
	}

	text := fmt.Sprintf("%s %s: %s", emoji, req.Event, req.Symbol)

	gatesText := "—"
	if len(req.GatesBlocked) > 0 {
		gates := make([]string, len(req.GatesBlocked))
		copy(gates, req.GatesBlocked)
		if len(gates) > 5 {
			gates = append(gates[:4], "...")
		}
		gatesText = strings.Join(gates, ", ")
	}

	fields := []SlackField{
		{Title: "Event", Value: req.Event, Short: true},
		{Title: "Severity", Value: string(req.Severity), Short: true},
		{Title: "Gates blocked", Value: gatesText, Short: true},
		{Title: "Time", Value: req.Timestamp.Format("15:04:05 MST"), Short: true},
	}
	if req.Message != "" {
		fields = append(fields, SlackField{Title: "Detail", Value: req.Message, Short: false})
	}

	return SlackMessage{
		Channel: s.cfg.ChannelDefault,
		Text:    text,
		Attachments: []SlackAttachment{{
			Color:  color,
			Fields: fields,
		}},
	}
}

func (s *SlackClient) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			cutoff := time.Now().Add(-5 * time.Minute)
			for hash, timestamp := range s.dedupeCache {
				if timestamp.Before(cutoff) {
					delete(s.dedupeCache, hash)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *SlackClient) Close() {
	s.cancel()
}

func (s *SlackClient) GetMetrics() AlertMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.metrics
}
