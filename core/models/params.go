package models

import (
	"context"
	"fmt"
)

// Params is a resolved parameter set handed to the external training framework
type Params map[string]any

// Clone returns a shallow copy of p
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	c := make(Params, len(p))
	for k, v := range p {
		c[k] = v
	}
	return c
}

// Has reports whether key is present
func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// SetDefault writes value only when key is absent
func (p Params) SetDefault(key string, value any) {
	if _, ok := p[key]; !ok {
		p[key] = value
	}
}

// Merge fills every absent key from defaults
func (p Params) Merge(defaults map[string]any) {
	for k, v := range defaults {
		p.SetDefault(k, v)
	}
}

// String returns the value of key formatted as a string, or "" if absent
func (p Params) String(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Bool returns the value of key if it holds a bool
func (p Params) Bool(key string) bool {
	b, _ := p[key].(bool)
	return b
}

// ProgressFunc reports fractional progress in [0, 1] with a status message
type ProgressFunc func(progress float64, message string)

// WorkFunc is a unit of work run by the dispatcher for a single job
type WorkFunc func(ctx context.Context, jobID string, params Params, report ProgressFunc) (*JobResult, error)

// SecretParamKeys are credentials that must never leave the process in job records
var SecretParamKeys = []string{"hf_hub_token", "ms_hub_token", "om_hub_token"}

// Redacted returns a copy of p with credential values masked
func (p Params) Redacted() Params {
	c := p.Clone()
	for _, k := range SecretParamKeys {
		if _, ok := c[k]; ok {
			c[k] = "***"
		}
	}
	return c
}
