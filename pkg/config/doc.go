/*
Package config loads the daemon configuration: cost model selection,
scheduling knobs, solver location, trace emission and the SimulatedQuincy
parameters. Values come from an optional YAML file with flag overrides
applied by the CLI.
*/
package config
