package main

import (
	"context"
	"sync"
	"time"

	"github.com/matst80/turnbridge/internal/discovery"
	"github.com/matst80/turnbridge/internal/obs"
	"github.com/matst80/turnbridge/internal/ratelimit"
	"github.com/matst80/turnbridge/internal/relay"
)

// status tracks the current relay client for the HTTP endpoints.
type status struct {
	started  time.Time
	registry discovery.Registry
	limiter  *ratelimit.Limiter

	mu         sync.Mutex
	client     *relay.Client
	reconnects int
}

func (s *status) set(c *relay.Client) {
	s.mu.Lock()
	if s.client != nil {
		s.reconnects++
	}
	s.client = c
	s.mu.Unlock()
}

func (s *status) current() (*relay.Client, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client, s.reconnects
}

func (s *status) ready() bool {
	c, _ := s.current()
	return c != nil && c.State() == relay.Allocated
}

// Stats is the JSON document served at /api/state.
type Stats struct {
	Relay        *relay.Stats          `json:"relay,omitempty"`
	Published    *discovery.Allocation `json:"published,omitempty"`
	LimitedPeers int                   `json:"limited_peers"`
	Reconnects   int                   `json:"reconnects"`
	Uptime       string                `json:"uptime"`
	Now          string                `json:"now"`
}

func (s *status) collect() Stats {
	c, reconnects := s.current()
	out := Stats{
		LimitedPeers: s.limiter.Peers(),
		Reconnects:   reconnects,
		Uptime:       time.Since(s.started).Round(time.Second).String(),
		Now:          time.Now().UTC().Format(time.RFC3339),
	}
	if c != nil {
		rs := c.Stats()
		out.Relay = &rs
	}
	if s.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		a, ok, err := s.registry.Current(ctx)
		cancel()
		if err != nil {
			obs.Warn("registry.current", obs.Fields{"err": err})
		} else if ok {
			out.Published = &a
		}
	}
	return out
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	m := map[string]any{
		"Reconnects":   s.Reconnects,
		"Uptime":       s.Uptime,
		"LimitedPeers": s.LimitedPeers,
	}
	if s.Published != nil {
		m["Published"] = s.Published
	}
	if s.Relay != nil {
		m["Relay"] = s.Relay
	}
	return m
}
