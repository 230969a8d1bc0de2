package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"framepipe/internal/detection"
	"framepipe/internal/pipeline"
)

// Config holds alerting configuration
type Config struct {
	Enabled         bool
	BotToken        string
	ChatID          string
	CooldownSeconds int     // Per label, 30 when zero
	MinScore        float64 // Detections below this score never alert
	Labels          []int   // Labels that alert, empty for all; applied by Attach
	APIURL          string  // Bot API base URL, empty for the public API
}

// ValidateConfig validates the alerting configuration
func ValidateConfig(config Config) error {
	if config.Enabled {
		if config.BotToken == "" {
			return errors.New("telegram bot token is required when enabled")
		}
		if config.ChatID == "" {
			return errors.New("telegram chat ID is required when enabled")
		}
	}
	if config.CooldownSeconds < 0 {
		return errors.New("cooldown seconds cannot be negative")
	}
	return nil
}

// AlerterStats is a snapshot of alert counters
type AlerterStats struct {
	Sent       uint64 `json:"sent"`
	Failed     uint64 `json:"failed"`
	Suppressed uint64 `json:"suppressed"` // Skipped by cooldown or a full queue
}

// Alerter sends a message when a watched label shows up in the filtered
// detections, at most once per cooldown period and label. Messages are sent
// from a separate goroutine.
type Alerter struct {
	bot      *Bot
	cooldown time.Duration
	minScore float32
	watch    []int
	labels   map[int]string
	logger   *zap.SugaredLogger

	lastAlert map[int]time.Time // Only touched by OnResult

	queue     chan string
	done      chan struct{}
	closeOnce sync.Once

	sent       atomic.Uint64
	failed     atomic.Uint64
	suppressed atomic.Uint64
}

// NewAlerter validates config and starts the sender. labels maps class ids
// to names and may be nil.
func NewAlerter(config Config, labels map[int]string, logger *zap.SugaredLogger) (*Alerter, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}

	cooldown := time.Duration(config.CooldownSeconds) * time.Second
	if cooldown == 0 {
		cooldown = 30 * time.Second
	}

	a := &Alerter{
		bot:       NewBot(config.APIURL, config.BotToken, config.ChatID),
		cooldown:  cooldown,
		minScore:  float32(config.MinScore),
		watch:     append([]int(nil), config.Labels...),
		labels:    labels,
		logger:    logger,
		lastAlert: make(map[int]time.Time),
		queue:     make(chan string, 8),
		done:      make(chan struct{}),
	}
	go a.run()
	return a, nil
}

// Attach subscribes the alerter to the watched labels of bus
func (a *Alerter) Attach(bus *pipeline.EventBus) func() {
	return bus.SubscribeLabels(a.watch, a)
}

// OnResult queues an alert for each label of result out of cooldown
func (a *Alerter) OnResult(result *pipeline.Result) {
	best := make(map[int]detection.BoundingBox)
	for _, d := range result.Detections {
		if d.Score < a.minScore {
			continue
		}
		if cur, ok := best[d.Label]; !ok || d.Score > cur.Score {
			best[d.Label] = d
		}
	}
	if len(best) == 0 {
		return
	}

	order := make([]int, 0, len(best))
	for label := range best {
		order = append(order, label)
	}
	sort.Ints(order)

	now := time.Now()
	var lines []string
	for _, label := range order {
		d := best[label]
		if last, ok := a.lastAlert[label]; ok && now.Sub(last) < a.cooldown {
			a.suppressed.Add(1)
			continue
		}
		a.lastAlert[label] = now
		lines = append(lines, fmt.Sprintf("• %s (%.0f%%)", html.EscapeString(a.labelName(label)), d.Score*100))
	}
	if len(lines) == 0 {
		return
	}

	msg := fmt.Sprintf("<b>Detection</b> frame %d at %s\n%s",
		result.FrameSeq, result.Timestamp.Format(time.RFC3339), strings.Join(lines, "\n"))

	select {
	case a.queue <- msg:
	default:
		a.suppressed.Add(1)
		a.logger.Warnw("Alert queue full, dropping alert", "frame", result.FrameSeq)
	}
}

func (a *Alerter) labelName(label int) string {
	if name, ok := a.labels[label]; ok {
		return name
	}
	return fmt.Sprintf("class %d", label)
}

func (a *Alerter) run() {
	defer close(a.done)

	for msg := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := a.bot.SendMessage(ctx, msg)
		cancel()

		if err != nil {
			a.failed.Add(1)
			a.logger.Warnw("Sending alert failed", "error", err)
			continue
		}
		a.sent.Add(1)
	}
}

// Close waits for queued alerts to be sent. OnResult must not be called
// after Close.
func (a *Alerter) Close() {
	a.closeOnce.Do(func() {
		close(a.queue)
	})
	<-a.done
}

// Stats returns a snapshot of the alert counters
func (a *Alerter) Stats() AlerterStats {
	return AlerterStats{
		Sent:       a.sent.Load(),
		Failed:     a.failed.Load(),
		Suppressed: a.suppressed.Load(),
	}
}

var _ pipeline.ResultHandler = (*Alerter)(nil)
