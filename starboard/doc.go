// Package starboard implements a Discord "starboard": messages that collect
// enough reactions are republished into a designated showcase channel, and
// message authors accrue experience for the reactions they receive.
//
// Components of the package include:
//
//   - Starboard: ties configuration, storage, the Discord session and the
//     HTTP API together, and owns the process lifecycle.
//   - GuildLedger: per-guild bookkeeping of showcase links, message channels
//     and per-message experience.
//   - BiMap: the bidirectional original/showcase message map.
//   - ReactionTally: deduplicated reactor counts across an original message
//     and its showcase.
//   - API: a gin HTTP API exposing the leaderboard and admin operations.
//
// Reaction events are routed to one worker goroutine per guild, so events
// for a guild are handled in arrival order while different guilds proceed
// in parallel. Ledgers are snapshotted to SQLite or PostgreSQL by a
// debounced sweeper.
package starboard
