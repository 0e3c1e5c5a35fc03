package events

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/stantondev/inkwell/activitypub"
	"github.com/stantondev/inkwell/domain"
	"github.com/stantondev/inkwell/util"
	"go.uber.org/zap"
)

// SubjectPrefix is the subject tree the main application publishes domain
// events on, e.g. inkwell.events.entry_published.
const SubjectPrefix = "inkwell.events.>"

// Subscriber bridges the main application's NATS event stream into the
// federation dispatcher. Events are fire-and-forget: a failed dispatch is
// logged, never nacked back to the publisher.
type Subscriber struct {
	conn       *nats.Conn
	sub        *nats.Subscription
	dispatcher *activitypub.Dispatcher
	log        *zap.Logger
}

// Connect opens the NATS connection and subscribes. Returns nil without
// error when no NATS URL is configured; the HTTP surface works on its own.
func Connect(conf *util.AppConfig, dispatcher *activitypub.Dispatcher, log *zap.Logger) (*Subscriber, error) {
	if conf.Conf.NatsURL == "" {
		log.Info("no nats url configured, event subscriber disabled")
		return nil, nil
	}

	conn, err := nats.Connect(conf.Conf.NatsURL,
		nats.Name(util.GetNameAndVersion()),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}

	s := &Subscriber{conn: conn, dispatcher: dispatcher, log: log}
	sub, err := conn.Subscribe(SubjectPrefix, s.handle)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.sub = sub

	log.Info("subscribed to event stream",
		zap.String("url", conf.Conf.NatsURL),
		zap.String("subject", SubjectPrefix))
	return s, nil
}

func (s *Subscriber) handle(msg *nats.Msg) {
	var event domain.Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		s.log.Warn("dropping malformed event",
			zap.String("subject", msg.Subject),
			zap.Error(err))
		return
	}

	if err := s.dispatcher.Publish(context.Background(), &event); err != nil {
		s.log.Error("failed to dispatch event",
			zap.String("kind", string(event.Kind)),
			zap.String("account", event.AccountId.String()),
			zap.Error(err))
	}
}

func (s *Subscriber) Close() {
	if s == nil {
		return
	}
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	if s.conn != nil {
		s.conn.Drain()
	}
}
