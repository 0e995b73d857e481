// Package connectivity tracks whether the remote API is reachable.
package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kalambet/syncq/internal/notify"
)

const (
	probeTimeout         = 5 * time.Second
	DefaultProbeInterval = 15 * time.Second
)

// Observer holds the current online flag. With a probe URL it polls the
// remote; without one it only changes through SetOnline.
type Observer struct {
	probeURL   string
	interval   time.Duration
	httpClient *http.Client
	events     *notify.Notifier
	logger     *slog.Logger

	mu     sync.Mutex
	online bool
	nextID uint64
	subs   map[uint64]func(bool)
}

// New creates an Observer. A manual observer starts online; a probing one
// starts offline until its first probe answers. events may be nil.
func New(probeURL string, interval time.Duration, events *notify.Notifier) *Observer {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	return &Observer{
		probeURL:   probeURL,
		interval:   interval,
		httpClient: &http.Client{},
		events:     events,
		logger:     slog.Default(),
		online:     probeURL == "",
		subs:       make(map[uint64]func(bool)),
	}
}

// Manual reports whether the observer has no probe configured.
func (o *Observer) Manual() bool {
	return o.probeURL == ""
}

func (o *Observer) IsOnline() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online
}

// SetOnline records the current state. Subscribers run only on a transition,
// synchronously, after the new state is visible to IsOnline.
func (o *Observer) SetOnline(online bool) {
	o.mu.Lock()
	if o.online == online {
		o.mu.Unlock()
		return
	}
	o.online = online
	snapshot := make([]func(bool), 0, len(o.subs))
	for _, fn := range o.subs {
		snapshot = append(snapshot, fn)
	}
	o.mu.Unlock()

	o.logger.Info("connectivity changed", "online", online)
	for _, fn := range snapshot {
		o.call(fn, online)
	}
	if o.events != nil {
		o.events.Publish(notify.ConnectivityChanged)
	}
}

// Subscribe registers fn for online/offline transitions.
func (o *Observer) Subscribe(fn func(online bool)) (unsubscribe func()) {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.subs[id] = fn
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.subs, id)
		o.mu.Unlock()
	}
}

func (o *Observer) call(fn func(bool), online bool) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Warn("connectivity subscriber panicked", "panic", r)
		}
	}()
	fn(online)
}

// Probe reports whether the probe URL answers at all. Any HTTP response,
// including an error status, counts as reachable.
func (o *Observer) Probe(ctx context.Context) bool {
	if o.probeURL == "" {
		return o.IsOnline()
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, o.probeURL, nil)
	if err != nil {
		return false
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		o.logger.Debug("probe failed", "url", o.probeURL, "error", err)
		return false
	}
	resp.Body.Close()
	return true
}

// Run probes on every interval tick until ctx is done. It returns at once
// in manual mode.
func (o *Observer) Run(ctx context.Context) {
	if o.Manual() {
		return
	}

	o.SetOnline(o.Probe(ctx))

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			online := o.Probe(ctx)
			if ctx.Err() != nil {
				return
			}
			o.SetOnline(online)
		}
	}
}
