package starboard

import (
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// DefaultPersistDebounce is how long a ledger must go without a mutation
// before it's eligible to be snapshotted.
const DefaultPersistDebounce = 600 * time.Second

// LeaderboardEntry is a user's total experience within a guild.
type LeaderboardEntry struct {
	UserID     string `json:"user_id"`
	Experience int    `json:"experience"`
}

// LedgerSnapshot is a point-in-time copy of a GuildLedger, in the shape
// it's written to (and read from) durable storage.
type LedgerSnapshot struct {
	GuildID string `json:"guild_id"`

	// Showcases maps original message IDs to showcase message IDs
	Showcases map[string]string `json:"showcases"`

	// Channels maps original message IDs to the channel they were posted in
	Channels map[string]string `json:"channels"`

	// Experience maps user IDs to message IDs to the experience earned
	// by that message
	Experience map[string]map[string]int `json:"experience"`

	// TakenAt is when the snapshot was taken
	TakenAt time.Time `json:"taken_at"`
}

func (s LedgerSnapshot) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("guild_id", s.GuildID),
		slog.Int("showcases", len(s.Showcases)),
		slog.Int("channels", len(s.Channels)),
		slog.Int("users", len(s.Experience)),
		slog.Time("taken_at", s.TakenAt),
	)
}

// GuildLedger holds the starboard state for a single guild.
//
// Every original message that has been linked to a showcase also has a
// channel association, because the dispatcher always calls RecordReaction
// before LinkShowcase.
type GuildLedger struct {
	GuildID string

	showcases  *BiMap[string, string]
	channels   map[string]string
	experience map[string]map[string]int

	// lastMutated is zero when the ledger has no unpersisted changes
	lastMutated time.Time
	debounce    time.Duration
	now         func() time.Time

	mu sync.Mutex
}

// NewGuildLedger returns an empty ledger for the given guild.
func NewGuildLedger(guildID string, debounce time.Duration) *GuildLedger {
	if debounce <= 0 {
		debounce = DefaultPersistDebounce
	}
	return &GuildLedger{
		GuildID:    guildID,
		showcases:  NewBiMap[string, string](),
		channels:   map[string]string{},
		experience: map[string]map[string]int{},
		debounce:   debounce,
		now:        time.Now,
	}
}

// newLedgerFromSnapshot rebuilds a ledger from durable storage. The
// returned ledger is clean.
func newLedgerFromSnapshot(snap LedgerSnapshot, debounce time.Duration) *GuildLedger {
	l := NewGuildLedger(snap.GuildID, debounce)
	for originalID, showcaseID := range snap.Showcases {
		l.showcases.Set(originalID, showcaseID)
	}
	for messageID, channelID := range snap.Channels {
		l.channels[messageID] = channelID
	}
	for userID, messages := range snap.Experience {
		m := make(map[string]int, len(messages))
		for messageID, amount := range messages {
			m[messageID] = amount
		}
		l.experience[userID] = m
	}
	return l
}

// RecordReaction associates a message with the channel it was posted in,
// and marks the ledger as modified.
func (l *GuildLedger) RecordReaction(messageID, channelID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.channels[messageID] = channelID
	l.lastMutated = l.now()
}

// LinkShowcase links an original message to its showcase message,
// replacing any previous showcase for the original.
func (l *GuildLedger) LinkShowcase(originalID, showcaseID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.showcases.Set(originalID, showcaseID)
	l.lastMutated = l.now()
}

func (l *GuildLedger) LookupShowcase(originalID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.showcases.Forward(originalID)
}

func (l *GuildLedger) LookupOriginal(showcaseID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.showcases.Backward(showcaseID)
}

// IsShowcase reports whether messageID is a known showcase message.
func (l *GuildLedger) IsShowcase(messageID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.showcases.HasValue(messageID)
}

// Channel returns the channel a message was seen in.
func (l *GuildLedger) Channel(messageID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.channels[messageID]
	return ch, ok
}

// AddExperience sets the experience userID earned from messageID.
// The previous amount for the same message is overwritten, not added to.
func (l *GuildLedger) AddExperience(userID, messageID string, amount int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	messages, ok := l.experience[userID]
	if !ok {
		messages = map[string]int{}
		l.experience[userID] = messages
	}
	messages[messageID] = amount
	l.lastMutated = l.now()
}

// TotalExperience returns the sum of all per-message experience for
// the user, or 0 if the user is unknown.
func (l *GuildLedger) TotalExperience(userID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return sumExperience(l.experience[userID])
}

// Leaderboard returns every known user's total experience, highest
// first. Ties are ordered by user ID.
func (l *GuildLedger) Leaderboard() []LeaderboardEntry {
	l.mu.Lock()
	entries := make([]LeaderboardEntry, 0, len(l.experience))
	for userID, messages := range l.experience {
		entries = append(
			entries,
			LeaderboardEntry{UserID: userID, Experience: sumExperience(messages)},
		)
	}
	l.mu.Unlock()

	slices.SortFunc(
		entries, func(a, b LeaderboardEntry) int {
			if a.Experience != b.Experience {
				return b.Experience - a.Experience
			}
			return strings.Compare(a.UserID, b.UserID)
		},
	)
	return entries
}

// ShouldPersist is true when the ledger has unpersisted changes, and
// none have been made within the debounce window.
func (l *GuildLedger) ShouldPersist() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastMutated.IsZero() {
		return false
	}
	return l.now().Sub(l.lastMutated) >= l.debounce
}

// Dirty reports whether the ledger has unpersisted changes, regardless
// of the debounce window.
func (l *GuildLedger) Dirty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.lastMutated.IsZero()
}

// MarkPersisted clears the modified timestamp.
func (l *GuildLedger) MarkPersisted() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastMutated = time.Time{}
}

// markPersistedAt clears the modified timestamp only if there have been
// no mutations since the snapshot taken at ts. It returns false if the
// ledger was modified in the meantime, and is still dirty.
func (l *GuildLedger) markPersistedAt(ts time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastMutated.After(ts) {
		return false
	}
	l.lastMutated = time.Time{}
	return true
}

// Snapshot returns a deep copy of the ledger's state.
func (l *GuildLedger) Snapshot() LedgerSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := LedgerSnapshot{
		GuildID:    l.GuildID,
		Showcases:  l.showcases.ForwardMap(),
		Channels:   make(map[string]string, len(l.channels)),
		Experience: make(map[string]map[string]int, len(l.experience)),
		TakenAt:    l.now(),
	}
	for messageID, channelID := range l.channels {
		snap.Channels[messageID] = channelID
	}
	for userID, messages := range l.experience {
		m := make(map[string]int, len(messages))
		for messageID, amount := range messages {
			m[messageID] = amount
		}
		snap.Experience[userID] = m
	}
	return snap
}

func sumExperience(messages map[string]int) int {
	total := 0
	for _, amount := range messages {
		total += amount
	}
	return total
}

// LedgerStore is a concurrency-safe collection of ledgers, keyed
// by guild ID.
type LedgerStore struct {
	ledgers  map[string]*GuildLedger
	debounce time.Duration
	mu       sync.RWMutex
}

func NewLedgerStore(debounce time.Duration) *LedgerStore {
	if debounce <= 0 {
		debounce = DefaultPersistDebounce
	}
	return &LedgerStore{
		ledgers:  map[string]*GuildLedger{},
		debounce: debounce,
	}
}

// GetOrCreate returns the ledger for the guild, creating an empty one if
// it doesn't exist yet. created is true if a new ledger was made.
func (s *LedgerStore) GetOrCreate(guildID string) (ledger *GuildLedger, created bool) {
	s.mu.RLock()
	ledger, ok := s.ledgers[guildID]
	s.mu.RUnlock()
	if ok {
		return ledger, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ledger, ok = s.ledgers[guildID]; ok {
		return ledger, false
	}
	ledger = NewGuildLedger(guildID, s.debounce)
	s.ledgers[guildID] = ledger
	return ledger, true
}

func (s *LedgerStore) Get(guildID string) (*GuildLedger, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ledger, ok := s.ledgers[guildID]
	return ledger, ok
}

// Put adds the ledger, replacing any existing ledger for the same guild.
func (s *LedgerStore) Put(ledger *GuildLedger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledgers[ledger.GuildID] = ledger
}

// PutIfAbsent adds the ledger unless one already exists for the guild,
// and returns whichever ledger is now stored.
func (s *LedgerStore) PutIfAbsent(ledger *GuildLedger) *GuildLedger {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.ledgers[ledger.GuildID]; ok {
		return existing
	}
	s.ledgers[ledger.GuildID] = ledger
	return ledger
}

func (s *LedgerStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ledgers)
}

// Range calls fn for each ledger until fn returns false. fn is called
// without the store's lock held.
func (s *LedgerStore) Range(fn func(ledger *GuildLedger) bool) {
	s.mu.RLock()
	ledgers := make([]*GuildLedger, 0, len(s.ledgers))
	for _, l := range s.ledgers {
		ledgers = append(ledgers, l)
	}
	s.mu.RUnlock()

	for _, l := range ledgers {
		if !fn(l) {
			return
		}
	}
}
