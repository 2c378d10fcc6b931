// internal/handler/event_bus.go
package handler

import (
	"sync"

	"go.uber.org/zap"

	"growdash-agent/internal/model"
)

// AllEvents subscribes to every event type
const AllEvents = "*"

// EventBus fans fleet events out to local subscribers. Publish never blocks;
// events are dropped when the bus or a subscriber is full.
type EventBus struct {
	subscribers map[string][]chan model.Event
	events      chan model.Event
	mutex       sync.RWMutex
	logger      *zap.Logger

	stopOnce sync.Once
	done     chan struct{}
}

// NewEventBus creates a new event bus
func NewEventBus(logger *zap.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[string][]chan model.Event),
		events:      make(chan model.Event, 1000),
		logger:      logger,
		done:        make(chan struct{}),
	}
}

// Start distributes events until Stop is called
func (eb *EventBus) Start() {
	for {
		select {
		case event := <-eb.events:
			eb.distributeEvent(event)
		case <-eb.done:
			return
		}
	}
}

// Stop ends distribution and closes every subscriber channel
func (eb *EventBus) Stop() {
	eb.stopOnce.Do(func() {
		close(eb.done)

		eb.mutex.Lock()
		defer eb.mutex.Unlock()
		for eventType, subs := range eb.subscribers {
			for _, sub := range subs {
				close(sub)
			}
			delete(eb.subscribers, eventType)
		}
	})
}

// Publish publishes an event
func (eb *EventBus) Publish(event model.Event) {
	select {
	case eb.events <- event:
	default:
		if eb.logger != nil {
			eb.logger.Warn("Event bus full, dropping event",
				zap.String("event_type", string(event.Type)),
			)
		}
	}
}

// Subscribe subscribes to events of a specific type, or AllEvents
func (eb *EventBus) Subscribe(eventType string) <-chan model.Event {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	subscriber := make(chan model.Event, 100)
	select {
	case <-eb.done:
		close(subscriber)
		return subscriber
	default:
	}

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
	return subscriber
}

// Unsubscribe removes and closes a subscription
func (eb *EventBus) Unsubscribe(sub <-chan model.Event) {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	for eventType, subs := range eb.subscribers {
		for i, s := range subs {
			if s == sub {
				eb.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(s)
				return
			}
		}
	}
}

// distributeEvent distributes an event to subscribers
func (eb *EventBus) distributeEvent(event model.Event) {
	eb.mutex.RLock()
	defer eb.mutex.RUnlock()

	for _, key := range []string{string(event.Type), AllEvents} {
		for _, subscriber := range eb.subscribers[key] {
			select {
			case subscriber <- event:
			default:
				// Subscriber is slow, skip
			}
		}
	}
}
