// Package discovery finds candidate relay servers and publishes the allocation obtained from
// one of them.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is the STUN/TURN port assumed when a candidate omits one.
const DefaultPort = 3478

// Source yields relay server candidates in preference order as host:port strings.
type Source interface {
	Candidates(ctx context.Context) ([]string, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]string, error)

func (f SourceFunc) Candidates(ctx context.Context) ([]string, error) { return f(ctx) }

// Static is a fixed candidate list.
type Static []string

func (s Static) Candidates(context.Context) ([]string, error) {
	return normalizeAll(s, DefaultPort), nil
}

// StaticPort returns a fixed candidate list that fills in port for entries without one.
func StaticPort(list []string, port int) Source {
	return SourceFunc(func(context.Context) ([]string, error) {
		return normalizeAll(list, port), nil
	})
}

// Chain concatenates the candidates of several sources, dropping duplicates. A failing
// source is skipped unless every source fails.
type Chain []Source

func (c Chain) Candidates(ctx context.Context) ([]string, error) {
	var (
		out      []string
		seen     = make(map[string]bool)
		firstErr error
		failed   int
	)
	for _, s := range c {
		got, err := s.Candidates(ctx)
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, addr := range got {
			if !seen[addr] {
				seen[addr] = true
				out = append(out, addr)
			}
		}
	}
	if failed > 0 && failed == len(c) {
		return nil, firstErr
	}
	return out, nil
}

// normalize returns host:port for a candidate line, adding defaultPort when it has none.
func normalize(s string, defaultPort int) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("discovery: empty candidate")
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		// No port, or a bare IPv6 address.
		host, port = strings.Trim(s, "[]"), strconv.Itoa(defaultPort)
	}
	if host == "" {
		return "", fmt.Errorf("discovery: candidate %q has no host", s)
	}
	if p, err := strconv.Atoi(port); err != nil || p <= 0 || p > 65535 {
		return "", fmt.Errorf("discovery: candidate %q has bad port", s)
	}
	return net.JoinHostPort(host, port), nil
}

func normalizeAll(in []string, defaultPort int) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if addr, err := normalize(s, defaultPort); err == nil {
			out = append(out, addr)
		}
	}
	return out
}
