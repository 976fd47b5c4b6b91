/*
Package events provides an in-process publish/subscribe broker for pipeline
events.

The stage engine and worker pool publish events (stage completions, execution
transitions, lease expirations, pool scaling) and the progress publisher and
metrics collector consume them from independent subscriptions. Publishing
never blocks the pipeline: when a subscriber's buffer is full the event is
dropped for that subscriber only.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for event := range sub {
			// consume
		}
	}()

	broker.Publish(&events.Event{
		Type:  events.EventStageCompleted,
		DocID: doc.ID,
		Stage: types.StageExtract,
	})

Subscriptions are closed when the broker stops or Unsubscribe is called, so
consumers can range over the channel.
*/
package events
