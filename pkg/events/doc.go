/*
Package events provides the in-memory event broker backing guest-emitted
events and per-block event accumulation.

Guest modules emit events through the host ABI's emit-event call; the host
adapter collects them per block and, once a block finalizes, hands them to
this broker for distribution to any live observers (the CLI's serve
command, debugging tools). Events are attribute bags rather than a closed
enum: the host has no knowledge of guest business semantics.

# Architecture

	┌──────────────────── EVENT FLOW ──────────────────────────┐
	│                                                           │
	│  guest ──host_emit_event──► adapter (per-block list)      │
	│                                  │                        │
	│                          FinalizeBlock completes          │
	│                                  │                        │
	│  ┌───────────────────────────────▼────────────────────┐   │
	│  │                  Event Broker                      │   │
	│  │  - Buffered publish channel (256)                  │   │
	│  │  - Broadcast loop, one goroutine                   │   │
	│  │  - Non-blocking fan-out (slow subscribers drop)    │   │
	│  └───────────────────────────────┬────────────────────┘   │
	│                                  │                        │
	│             Subscriber channels (buffer: 64 each)         │
	│                                                           │
	└───────────────────────────────────────────────────────────┘

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for ev := range sub {
			fmt.Println(ev.Type, ev.Module, ev.Height)
		}
	}()

	broker.Publish(&events.Event{Type: "transfer", Module: "bank"})

Delivery is best-effort: a subscriber that stops draining its channel
loses events rather than stalling block processing. Durable event history
belongs in a namespace store, not here.
*/
package events
