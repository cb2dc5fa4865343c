package starboard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lmittmann/tint"
)

// runPersistSweeper saves ledgers whose debounce has elapsed, every
// persist interval, until the context is done.
func (sb *Starboard) runPersistSweeper(ctx context.Context) {
	interval := sb.config.Persist.Interval
	if interval <= 0 {
		interval = DefaultPersistInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger := sb.logger.With(loggerNameKey, "persist_sweeper")
	logger.InfoContext(ctx, "starting persist sweeper", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "stopping persist sweeper")
			return
		case <-ticker.C:
			saved, err := sb.sweepLedgers(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "error persisting ledgers", tint.Err(err))
			}
			if saved > 0 {
				logger.InfoContext(ctx, "persisted ledgers", "count", saved)
			}
		}
	}
}

// sweepLedgers saves every ledger where ShouldPersist holds.
func (sb *Starboard) sweepLedgers(ctx context.Context) (int, error) {
	return sb.saveLedgers(ctx, (*GuildLedger).ShouldPersist)
}

// flushLedgers saves every dirty ledger, regardless of debounce.
func (sb *Starboard) flushLedgers(ctx context.Context) (int, error) {
	return sb.saveLedgers(ctx, (*GuildLedger).Dirty)
}

func (sb *Starboard) saveLedgers(
	ctx context.Context,
	include func(*GuildLedger) bool,
) (int, error) {
	var errs []error
	saved := 0
	sb.ledgers.Range(
		func(ledger *GuildLedger) bool {
			if ctx.Err() != nil {
				errs = append(errs, ctx.Err())
				return false
			}
			if !include(ledger) {
				return true
			}
			if err := sb.saveLedger(ctx, ledger); err != nil {
				errs = append(errs, err)
				return true
			}
			saved++
			return true
		},
	)
	return saved, errors.Join(errs...)
}

// persistIfDue saves the ledger if its debounce has elapsed. Failures
// are logged, and the ledger stays dirty for the next sweep.
//
// Reaction handling records the event before calling this, which
// restarts the debounce, so from the dispatcher it's a no-op and
// ledgers are only written by the sweeper and by flushLedgers.
func (sb *Starboard) persistIfDue(ctx context.Context, ledger *GuildLedger) {
	if !ledger.ShouldPersist() {
		return
	}
	if err := sb.saveLedger(ctx, ledger); err != nil {
		sb.logger.ErrorContext(ctx, "error persisting ledger", tint.Err(err), "guild_id", ledger.GuildID)
	}
}

// saveLedger writes a snapshot of the ledger, then clears its dirty
// mark unless it was mutated while saving.
func (sb *Starboard) saveLedger(ctx context.Context, ledger *GuildLedger) error {
	snap := ledger.Snapshot()
	if err := sb.store.SaveLedger(ctx, snap); err != nil {
		return fmt.Errorf("error saving ledger for guild %s: %w", ledger.GuildID, err)
	}
	if !ledger.markPersistedAt(snap.TakenAt) {
		sb.logger.DebugContext(
			ctx,
			"ledger changed while saving, leaving dirty",
			"guild_id", ledger.GuildID,
		)
	}
	return nil
}

// loadLedgers loads every guild ledger found in storage. A guild that
// fails to load gets an empty ledger.
func (sb *Starboard) loadLedgers(ctx context.Context) error {
	guildIDs, err := sb.store.LedgerGuildIDs(ctx)
	if err != nil {
		return fmt.Errorf("error listing stored guilds: %w", err)
	}
	sb.loadGuildLedgers(ctx, guildIDs)
	return nil
}

// loadGuildLedgers loads ledgers for the given guilds, skipping any
// already in memory.
func (sb *Starboard) loadGuildLedgers(ctx context.Context, guildIDs []string) {
	debounce := sb.config.Persist.Debounce
	loaded := 0
	for _, guildID := range guildIDs {
		if _, ok := sb.ledgers.Get(guildID); ok {
			continue
		}
		snap, err := sb.store.LoadLedger(ctx, guildID)
		if err != nil {
			sb.logger.ErrorContext(
				ctx,
				"error loading ledger, starting empty",
				tint.Err(err),
				"guild_id", guildID,
			)
			sb.ledgers.PutIfAbsent(NewGuildLedger(guildID, debounce))
			continue
		}
		snap.GuildID = guildID
		sb.ledgers.PutIfAbsent(newLedgerFromSnapshot(snap, debounce))
		loaded++
	}
	if loaded > 0 {
		sb.logger.InfoContext(ctx, "loaded ledgers", "count", loaded)
	}
}
