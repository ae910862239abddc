/*
Package log holds the process root logger, built on zerolog.

Components derive tagged child loggers from it; per-event scheduling
context is added where the event is emitted:

	log.Init("info", true, nil)
	schedLog := log.WithComponent("scheduler")
	schedLog.Info().Uint64("task_id", 42).Str("resource_id", pu).Msg("task placed")

Before Init the root logger is a no-op, so packages and tests may log
without any setup. The level lives on the logger, not on zerolog's global
state.
*/
package log
