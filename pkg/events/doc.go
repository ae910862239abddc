/*
Package events provides a channel-based broker for scheduling events:
machine registrations, job submissions, task placements, evictions,
migrations and completions. The driver publishes from inside the
scheduling lock so subscribers observe events in decision order; delivery
itself is asynchronous and lossy for slow consumers.
*/
package events
