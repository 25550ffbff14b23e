/*
Package events provides an in-memory event broker for the relay's
monitoring stream.

Broker fans out Event values published by pkg/relay (room opened/closed,
peer joined/left, an update broadcast) to every subscriber — one subscriber
per open SSE connection on /api/rooms/:name/events. EventCompactionRan and
EventRateLimited are defined but pkg/relay does not publish them. Publish
queues the event for the broker's run loop and waits only while that
100-event queue is full (it returns at once after Stop). Delivery to
subscribers is best-effort: a slow subscriber's full buffer causes dropped
events rather than stalling the broker.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	for event := range sub {
		if event.Room != room {
			continue
		}
		// write event as an SSE frame
	}
*/
package events
