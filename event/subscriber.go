package event

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Subscriber is the master-side consumer of the push channel. It keeps a
// connection to the worker's /events endpoint, invoking Handler for each
// event in arrival order, and re-dials on a fixed interval after failures
// until its context ends.
type Subscriber struct {
	Logger            *zap.SugaredLogger
	HTTPClient        *http.Client
	URL               string
	Handler           func(Event)
	ReconnectInterval time.Duration
}

type SubscriberOption func(s *Subscriber)

func WithReconnectInterval(d time.Duration) SubscriberOption {
	return func(s *Subscriber) {
		s.ReconnectInterval = d
	}
}

func WithSubscriberHTTPClient(h *http.Client) SubscriberOption {
	return func(s *Subscriber) {
		s.HTTPClient = h
	}
}

func NewSubscriber(log *zap.SugaredLogger, addr string, handler func(Event), opts ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		Logger:            log.Named("event_subscriber"),
		URL:               fmt.Sprintf("ws://%s/events", addr),
		Handler:           handler,
		ReconnectInterval: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks until ctx is done, maintaining the subscription.
func (s *Subscriber) Run(ctx context.Context) {
	for {
		err := s.receive(ctx)
		if ctx.Err() != nil {
			return
		}
		s.Logger.Debugf("event subscription ended: %s, reconnecting in %s", err, s.ReconnectInterval)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.ReconnectInterval):
		}
	}
}

func (s *Subscriber) receive(ctx context.Context) error {
	wsConn, _, err := websocket.Dial(ctx, s.URL, &websocket.DialOptions{
		HTTPClient:      s.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return fmt.Errorf("dialing event endpoint: %w", err)
	}
	defer wsConn.Close(websocket.StatusNormalClosure, "")
	// Batches of events can far exceed the default frame limit.
	wsConn.SetReadLimit(1 << 20)
	s.Logger.Debug("subscribed to worker events")

	for {
		var batch []Event
		if err := wsjson.Read(ctx, wsConn, &batch); err != nil {
			return fmt.Errorf("reading event batch: %w", err)
		}
		for _, e := range batch {
			s.Handler(e)
		}
	}
}
