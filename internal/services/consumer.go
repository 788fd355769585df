package services

import (
	"context"
	"encoding/json"

	"crmflow/internal/events"

	"github.com/sirupsen/logrus"
)

// consumedTopics are the broker subjects the engine subscribes to.
var consumedTopics = []string{
	events.TopicLeadStageChanged,
	events.TopicDealStageChanged,
	events.TopicContactCreated,
	events.TopicMessageReceived,
	events.TopicLeadSLABreach,
	events.TopicDealSLABreach,
	events.TopicGeneric,
}

// Consumer wires the broker to the automation service under a shared queue
// group, so any number of engine instances compete for the same stream.
// Handling is a synchronous, blocking pipeline per message; parallelism
// comes from running more instances.
type Consumer struct {
	bus     events.Subscriber
	engine  *AutomationService
	group   string
	logger  *logrus.Logger
	cancels []func()
}

func NewConsumer(bus events.Subscriber, engine *AutomationService, group string, logger *logrus.Logger) *Consumer {
	if logger == nil {
		logger = logrus.New()
	}
	return &Consumer{
		bus:    bus,
		engine: engine,
		group:  group,
		logger: logger,
	}
}

// Start subscribes to every engine topic. Call Stop to unsubscribe.
func (c *Consumer) Start(ctx context.Context) error {
	for _, topic := range consumedTopics {
		cancel, err := c.bus.QueueSubscribe(topic, c.group, func(data []byte) {
			c.handleMessage(ctx, data)
		})
		if err != nil {
			c.Stop()
			return err
		}
		c.cancels = append(c.cancels, cancel)
	}
	c.logger.Infof("automation consumer subscribed to %d topics (group %s)", len(consumedTopics), c.group)
	return nil
}

func (c *Consumer) handleMessage(ctx context.Context, data []byte) {
	var evt events.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		// Undecodable envelopes cannot be fixed by retrying.
		c.logger.Warnf("automation consumer: dropping undecodable message: %v", err)
		return
	}
	if err := c.engine.HandleEvent(ctx, evt); err != nil {
		// Infrastructure failure: the outcome is not durably recorded.
		// Surfaced at error severity for operator replay via the DLQ
		// tooling; business outcomes never reach this branch.
		c.logger.WithFields(logrus.Fields{
			"event_id":       evt.ID,
			"event_type":     evt.Type,
			"correlation_id": evt.Correlation(),
		}).Errorf("automation consumer: handling failed: %v", err)
	}
}

// Stop unsubscribes from all topics.
func (c *Consumer) Stop() {
	for _, cancel := range c.cancels {
		cancel()
	}
	c.cancels = nil
}
