package model

import (
	"maps"
	"strconv"
	"time"
)

// JobDestination is the runner plus backend parameters resolved for a job at
// dispatch time. It is copied by value and never mutated afterwards.
type JobDestination struct {
	ID             string            `json:"id" mapstructure:"id"`
	Runner         string            `json:"runner" mapstructure:"runner"`
	Params         map[string]string `json:"params,omitempty" mapstructure:"params"`
	MaxConcurrency int               `json:"maxConcurrency,omitempty" mapstructure:"max_concurrency"`
}

// Clone returns a copy that shares nothing with d.
func (d JobDestination) Clone() JobDestination {
	d.Params = maps.Clone(d.Params)
	return d
}

// Param returns the named backend parameter or def.
func (d JobDestination) Param(name, def string) string {
	if v, ok := d.Params[name]; ok && v != "" {
		return v
	}
	return def
}

// IntParam returns the named parameter parsed as an int, or def.
func (d JobDestination) IntParam(name string, def int) int {
	if v, err := strconv.Atoi(d.Params[name]); err == nil {
		return v
	}
	return def
}

// Walltime returns the "walltime" parameter (a Go duration) or def.
func (d JobDestination) Walltime(def time.Duration) time.Duration {
	if v, err := time.ParseDuration(d.Params["walltime"]); err == nil && v > 0 {
		return v
	}
	return def
}
