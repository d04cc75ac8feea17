package stream

import (
	"context"
	"time"

	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/util/goroutine"
)

// Handler processes one entry. Returning nil acknowledges it; an error
// leaves it pending so it is redelivered after ClaimIdle.
type Handler func(ctx context.Context, entry Entry) error

// DLQ reasons recorded by Run
const (
	ReasonMaxDeliveries = "max_deliveries_exceeded"
)

// Run consumes entries for consumer until ctx is cancelled. Each pass first
// reclaims entries idle for longer than ClaimIdle, then reads new ones.
// Entries that reached MaxDeliveryCount are dead-lettered instead of being
// handed to handler again.
func (m *Manager) Run(ctx context.Context, consumer string, handler Handler) error {
	m.logger.Infow("Stream worker started",
		"stream", m.cfg.Key,
		"group", m.cfg.Group,
		"consumer", consumer)
	defer m.logger.Infow("Stream worker stopped", "stream", m.cfg.Key, "consumer", consumer)

	errDelay := time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := m.runOnce(ctx, consumer, handler); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.logger.Warnw("Stream worker pass failed",
				"stream", m.cfg.Key,
				"consumer", consumer,
				"retry_in", errDelay,
				"error", err)

			timer := time.NewTimer(errDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			if errDelay < 30*time.Second {
				errDelay *= 2
			}
			continue
		}
		errDelay = time.Second
	}
}

func (m *Manager) runOnce(ctx context.Context, consumer string, handler Handler) error {
	claimed, err := m.ClaimStale(ctx, consumer, m.cfg.ClaimIdle, m.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, entry := range claimed {
		m.process(ctx, consumer, entry, handler)
	}

	entries, err := m.Consume(ctx, consumer, m.cfg.BatchSize, true)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		m.process(ctx, consumer, entry, handler)
	}
	return nil
}

func (m *Manager) process(ctx context.Context, consumer string, entry Entry, handler Handler) {
	if m.ShouldDeadLetter(entry) {
		if _, err := m.MoveToDLQ(ctx, entry, ReasonMaxDeliveries); err != nil {
			m.logger.Errorw("Failed to dead-letter stream entry",
				"stream", m.cfg.Key,
				"entry_id", entry.ID,
				"error", err)
		}
		return
	}

	err := goroutine.Call(func() error { return handler(ctx, entry) })
	if err != nil {
		m.logger.Warnw("Stream entry handler failed, leaving pending",
			"stream", m.cfg.Key,
			"consumer", consumer,
			"entry_id", entry.ID,
			"delivery_count", entry.DeliveryCount,
			"error", err)
		return
	}

	if _, err := m.Acknowledge(ctx, entry.ID); err != nil {
		m.logger.Errorw("Failed to acknowledge stream entry",
			"stream", m.cfg.Key,
			"entry_id", entry.ID,
			"error", err)
	}
}
