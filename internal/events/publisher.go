package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/plotter-api/internal/controller"
)

// RoutingPrefix prefixes every routing key, e.g. "plotter.job.completed"
const RoutingPrefix = "plotter.job."

// Broker publishes a message body under a routing key
type Broker interface {
	PublishWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// Message is the JSON body published for every job lifecycle event
type Message struct {
	Event       string    `json:"event"`
	JobID       string    `json:"job_id"`
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	Priority    int       `json:"priority"`
	ProjectID   string    `json:"project_id,omitempty"`
	LayerID     string    `json:"layer_id,omitempty"`
	DrawnMM     float64   `json:"drawn_mm"`
	PlotSeconds float64   `json:"plot_seconds"`
	Error       string    `json:"error,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// NewMessage builds the message for ev
func NewMessage(ev controller.Event) Message {
	job := ev.Job
	m := Message{
		Event:      string(ev.Type),
		JobID:      job.ID,
		Name:       job.Name,
		Status:     string(job.Status),
		Priority:   job.Priority,
		ProjectID:  job.ProjectID,
		LayerID:    job.LayerID,
		OccurredAt: ev.At.UTC(),
	}
	if job.Result != nil {
		m.DrawnMM = job.Result.DrawnMM
		m.PlotSeconds = job.Result.PlotTimeSeconds
	}
	if ev.Err != nil {
		m.Error = ev.Err.Error()
	} else if job.ErrorMessage != nil {
		m.Error = *job.ErrorMessage
	}
	return m
}

type outgoing struct {
	key  string
	body []byte
}

// Publisher forwards controller events to a broker on a background
// goroutine, preserving event order.
type Publisher struct {
	broker  Broker
	logger  *slog.Logger
	timeout time.Duration

	out      chan outgoing
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewPublisher creates a publisher buffering up to buffer messages
func NewPublisher(broker Broker, buffer int, logger *slog.Logger) *Publisher {
	if buffer <= 0 {
		buffer = 128
	}
	p := &Publisher{
		broker:  broker,
		logger:  logger,
		timeout: 10 * time.Second,
		out:     make(chan outgoing, buffer),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

func (p *Publisher) OnJobEvent(_ context.Context, ev controller.Event) {
	body, err := json.Marshal(NewMessage(ev))
	if err != nil {
		p.logger.Error("Failed to encode job event", slog.String("error", err.Error()))
		return
	}

	select {
	case p.out <- outgoing{key: RoutingPrefix + string(ev.Type), body: body}:
	default:
		p.logger.Warn("Event buffer full, dropping job event",
			slog.String("job_id", ev.Job.ID),
			slog.String("event", string(ev.Type)),
		)
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for msg := range p.out {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		err := p.broker.PublishWithRetry(ctx, msg.key, msg.body, "application/json")
		cancel()
		if err != nil {
			p.logger.Error("Failed to publish job event",
				slog.String("routing_key", msg.key),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Close flushes buffered events. OnJobEvent must not be called after Close.
func (p *Publisher) Close() {
	p.stopOnce.Do(func() {
		close(p.out)
	})
	p.wg.Wait()
}
