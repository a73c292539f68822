package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType names an activity feed entry.
type EventType string

const (
	EventAppointmentCreated    EventType = "appointment_created"
	EventAppointmentAccepted   EventType = "appointment_accepted"
	EventAppointmentRejected   EventType = "appointment_rejected"
	EventAppointmentCancelled  EventType = "appointment_cancelled"
	EventAppointmentExpired    EventType = "appointment_expired"
	EventRescheduleProposed    EventType = "reschedule_proposed"
	EventRescheduleResponded   EventType = "reschedule_responded"
	EventSessionEnded          EventType = "session_ended"
	EventWithdrawalRequested   EventType = "withdrawal_requested"
	EventWithdrawalCompleted   EventType = "withdrawal_completed"
	EventWithdrawalFailed      EventType = "withdrawal_failed"
	EventSubscriptionActivated EventType = "subscription_activated"
)

// Event is the activity feed payload.
type Event struct {
	Type        EventType `json:"type"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
	RelatedID   string    `json:"relatedId"`
	UserIDs     []string  `json:"userIds,omitempty"`
}

// Notifier is the fire-and-forget side of the activity feed. Implementations never report
// errors to the caller.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// Publisher delivers one event to the feed.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// LogPublisher writes events to the logger. It is the publisher used when no broker is
// configured.
type LogPublisher struct {
	Log *zap.Logger
}

func (p LogPublisher) Publish(_ context.Context, event Event) error {
	p.Log.Info("activity feed event",
		zap.String("type", string(event.Type)),
		zap.String("related_id", event.RelatedID),
		zap.String("title", event.Title),
		zap.Strings("user_ids", event.UserIDs),
	)
	return nil
}

// Dispatcher hands events to a Publisher on a background goroutine so ledger operations
// never wait on the feed. Events are dropped when the buffer is full.
type Dispatcher struct {
	publisher Publisher
	log       *zap.Logger
	timeout   time.Duration

	events   chan Event
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewDispatcher(publisher Publisher, buffer int, log *zap.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 64
	}
	return &Dispatcher{
		publisher: publisher,
		log:       log,
		timeout:   5 * time.Second,
		events:    make(chan Event, buffer),
		done:      make(chan struct{}),
	}
}

// Start launches the delivery loop.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case event := <-d.events:
				d.deliver(event)
			case <-d.done:
				d.drain()
				return
			}
		}
	}()
}

func (d *Dispatcher) drain() {
	for {
		select {
		case event := <-d.events:
			d.deliver(event)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.publisher.Publish(ctx, event); err != nil {
		d.log.Warn("notify.Dispatcher failed to publish event",
			zap.String("type", string(event.Type)),
			zap.String("related_id", event.RelatedID),
			zap.Error(err),
		)
	}
}

// Notify queues the event. It never blocks.
func (d *Dispatcher) Notify(_ context.Context, event Event) {
	select {
	case <-d.done:
		d.log.Warn("notify.Dispatcher stopped, dropping event", zap.String("type", string(event.Type)))
		return
	default:
	}

	select {
	case d.events <- event:
	default:
		d.log.Warn("notify.Dispatcher buffer full, dropping event",
			zap.String("type", string(event.Type)),
			zap.String("related_id", event.RelatedID),
		)
	}
}

// Stop flushes queued events and waits for the loop to exit.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
	d.wg.Wait()
}
