package connector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/die-net/ruleproxy/internal/rules"
	"github.com/die-net/ruleproxy/internal/stream"
)

// Rules dispatches each connection to the connector named by the first rule
// in its rule file matching "host:port". Sub-connectors are built on first
// use and kept for the life of the Rules connector.
type Rules struct {
	base
	registry *Registry
	watcher  *rules.Watcher

	mu    sync.Mutex
	cache map[string]Connector
	sf    singleflight.Group
}

// NewRules loads the rule file at path and starts polling it for changes
// until the registry's context ends. Upstreams are resolved with registry.
func NewRules(registry *Registry, netloc, path string) (*Rules, error) {
	if path == "" {
		return nil, errors.New("rules: missing rule file path")
	}

	w, err := rules.NewWatcher(path, rules.WatcherConfig{
		Interval: registry.cfg.RulesInterval,
		Validate: registry.Validate,
		Logger:   registry.cfg.logger(),
		Metrics:  registry.cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	go w.Run(registry.ctx)

	return &Rules{
		base:     base{name: "Rules", netloc: netloc, path: path},
		registry: registry,
		watcher:  w,
		cache:    make(map[string]Connector),
	}, nil
}

// Watcher returns the watcher holding the current rule snapshot.
func (r *Rules) Watcher() *rules.Watcher {
	return r.watcher
}

func (r *Rules) Connect(ctx context.Context, host string, port int) (stream.Stream, error) {
	subject := host + ":" + strconv.Itoa(port)

	rule, ok := r.watcher.Snapshot().Match(subject)
	if !ok {
		return nil, fmt.Errorf("rules %s: %s: %w", r.path, subject, ErrNoRule)
	}

	c, err := r.upstream(rule.Upstream)
	if err != nil {
		return nil, fmt.Errorf("rules %s: %w", r.path, err)
	}
	r.registry.cfg.logger().Debug("rule matched",
		"subject", subject, "pattern", rule.Source, "upstream", rule.Upstream)

	return c.Connect(ctx, host, port)
}

// upstream returns the cached connector for raw, building it once.
func (r *Rules) upstream(raw string) (Connector, error) {
	r.mu.Lock()
	c, ok := r.cache[raw]
	r.mu.Unlock()
	if ok {
		return c, nil
	}

	v, err, _ := r.sf.Do(raw, func() (any, error) {
		r.mu.Lock()
		c, ok := r.cache[raw]
		r.mu.Unlock()
		if ok {
			return c, nil
		}

		c, err := r.registry.New(raw)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.cache[raw] = c
		r.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Connector), nil
}
