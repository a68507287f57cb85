package burnrate

import (
	"context"

	"github.com/smallbiznis/creditmeter/internal/events"
	"go.uber.org/zap"
)

// Subscriber feeds committed debit events from the hub into the tracker.
type Subscriber struct {
	hub     *events.Hub
	tracker *Tracker
	log     *zap.Logger
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewSubscriber(hub *events.Hub, tracker *Tracker, log *zap.Logger) *Subscriber {
	return &Subscriber{
		hub:     hub,
		tracker: tracker,
		log:     log.Named("burnrate.subscriber"),
	}
}

func (s *Subscriber) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	sub := s.hub.Subscribe()
	go func() {
		defer close(s.done)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sub.Events():
				if !ok {
					return
				}
				s.tracker.Record(event.Owner, event.Amount, event.OccurredAt)
			}
		}
	}()
	s.log.Info("burn rate subscriber started")
}

func (s *Subscriber) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}
