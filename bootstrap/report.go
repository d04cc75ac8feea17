package bootstrap

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/degradation"
	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/queue"
	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/redisconn"
	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/stream"
)

// reportTimeout bounds each store read made while building a Report
const reportTimeout = 2 * time.Second

// Report is the operator view served on /status and printed by the status
// command. Store sections are left zero when the store is unreachable and
// the reason is appended to Errors.
type Report struct {
	Store       redisconn.HealthStatus  `json:"store" yaml:"store"`
	Degradation degradation.Status      `json:"degradation" yaml:"degradation"`
	Queues      []queue.PressureMetrics `json:"queues" yaml:"queues"`
	Stream      stream.Info             `json:"stream" yaml:"stream"`
	Group       stream.GroupInfo        `json:"group" yaml:"group"`
	Errors      []string                `json:"errors,omitempty" yaml:"errors,omitempty"`
	GeneratedAt time.Time               `json:"generated_at" yaml:"generated_at"`
}

// Report gathers health, degradation and backlog state. queues names the
// store queues to measure; queues with a fallback backlog are always added.
func (a *App) Report(ctx context.Context, queues []string) Report {
	rep := Report{
		Degradation: a.Degradation.GetStatus(),
		GeneratedAt: time.Now().UTC(),
	}

	hctx, cancel := context.WithTimeout(ctx, reportTimeout)
	rep.Store = a.Redis.HealthCheck(hctx)
	cancel()

	if !rep.Store.Healthy() {
		rep.Errors = append(rep.Errors, fmt.Sprintf("store: %s", rep.Store.Error))
		return rep
	}

	for _, name := range reportQueueNames(queues, rep.Degradation.FallbackQueues) {
		qctx, cancel := context.WithTimeout(ctx, reportTimeout)
		pm, err := a.Queue.PressureMetrics(qctx, name, 0, "")
		cancel()
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("queue %s: %v", name, err))
			continue
		}
		rep.Queues = append(rep.Queues, pm)
	}

	sctx, cancel := context.WithTimeout(ctx, reportTimeout)
	defer cancel()
	info, err := a.Stream.StreamInfo(sctx)
	if err != nil {
		rep.Errors = append(rep.Errors, fmt.Sprintf("stream: %v", err))
	} else {
		rep.Stream = info
	}
	group, err := a.Stream.GroupInfo(sctx)
	if err != nil {
		rep.Errors = append(rep.Errors, fmt.Sprintf("group: %v", err))
	} else {
		rep.Group = group
	}
	return rep
}

// reportQueueNames merges requested names with fallback backlogs, sorted
// and without duplicates
func reportQueueNames(requested []string, fallback map[string]int) []string {
	seen := make(map[string]struct{}, len(requested)+len(fallback))
	var names []string
	add := func(name string) {
		if name == "" {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	for _, name := range requested {
		add(name)
	}
	for name := range fallback {
		add(name)
	}
	sort.Strings(names)
	return names
}
