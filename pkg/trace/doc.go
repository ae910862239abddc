/*
Package trace records scheduling activity as six CSV streams laid out like
the public Google cluster trace: machine events, scheduler events, task
events, task runtime events, per-job task counts and (reserved) task usage
statistics.

Machine and job ids are either parsed from simulation friendly names
(quarry_simulation_machine_<n>, quarry_simulation_job_<n>) or derived from
the descriptor's UUID or name by a seeded 64-bit hash, so ids are stable
across runs.
*/
package trace
