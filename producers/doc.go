// Package producers appends events that originate outside tool execution:
// mentions of agents in published content, and periodic feed checks.
//
// Producers only write to the event log. The events are picked up by each
// agent's next heartbeat window like any other event.
package producers
