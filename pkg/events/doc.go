/*
Package events provides an in-memory event broker used to notify
cluster components of state changes without coupling them together:
discovery node transitions, schema persistence, replication lag, and
checkout pressure all flow through the same broker.

# Architecture

	Publisher → Broker.Publish (buffered, 100) → broadcast loop →
	  Subscriber channels (buffered, 50 each, full buffers skip)

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			switch event.Type {
			case events.EventNodeBad:
				// trigger leader re-election check
			case events.EventReplicationLag:
				// surface to metrics
			}
		}
	}()

	broker.Publish(&events.Event{
		Type:    events.EventNodeJoined,
		Message: "node eu-1 joined the cluster",
	})

# Event Types

  - node.joined / node.left / node.bad — discovery state machine
    transitions
  - leader.changed — raft leadership handed to a different node
  - db.updated — cmd/xapiand finished a replication pull from a peer
  - schema.persisted — a schema's compare-and-swap write succeeded
  - replication.lag — a replica fell behind its source past a threshold
  - checkout.timeout — a DatabasePool checkout exceeded its wait bound

# Delivery Guarantees

Best-effort, fire-and-forget: Publish never blocks on subscribers, and
a subscriber with a full buffer silently skips the event rather than
stalling the broadcast loop. Callers that need guaranteed delivery
(e.g. audit trails) should persist events themselves at the publish
site rather than relying on a subscriber.
*/
package events
