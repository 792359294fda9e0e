// Package quota tracks per-platform daily request allowances. Counters live in
// process memory and reset at midnight UTC.
package quota

import (
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/helixir/paper-search-gateway/internal/domain"
)

const dayLayout = "2006-01-02"

// Status is the quota state of one platform.
type Status struct {
	Platform string `json:"platform"`
	Used     int    `json:"used"`
	// Limit is zero or negative for unlimited platforms.
	Limit int `json:"limit"`
	// Remaining is -1 for unlimited platforms.
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Unlimited reports whether the platform has no daily cap.
func (s Status) Unlimited() bool {
	return s.Limit <= 0
}

type record struct {
	mu    sync.Mutex
	limit int
	used  int
	day   string
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the clock used to determine the current UTC day.
func WithClock(clock clockwork.Clock) Option {
	return func(l *Ledger) {
		l.clock = clock
	}
}

// WithLookupEnv replaces os.LookupEnv for resolving limit overrides.
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(l *Ledger) {
		l.lookupEnv = fn
	}
}

// WithLogger sets the logger used to report ignored overrides.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// Ledger holds one quota record per platform. Platforms are independent; each
// record serialises its own check and increment.
type Ledger struct {
	mu        sync.RWMutex
	records   map[string]*record
	clock     clockwork.Clock
	lookupEnv func(string) (string, bool)
	logger    zerolog.Logger
}

// NewLedger creates an empty ledger.
func NewLedger(opts ...Option) *Ledger {
	l := &Ledger{
		records:   make(map[string]*record),
		clock:     clockwork.NewRealClock(),
		lookupEnv: os.LookupEnv,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RegisterPlatform sets the daily limit for a platform. If envOverride names an
// environment variable holding a positive integer, that value replaces
// dailyLimit. A limit of zero or less means unlimited. Registering an existing
// platform updates its limit and keeps today's usage.
func (l *Ledger) RegisterPlatform(name string, dailyLimit int, envOverride string) {
	limit := l.resolveLimit(name, dailyLimit, envOverride)

	l.mu.Lock()
	defer l.mu.Unlock()

	if rec, ok := l.records[name]; ok {
		rec.mu.Lock()
		rec.limit = limit
		rec.mu.Unlock()
		return
	}
	l.records[name] = &record{limit: limit, day: l.today()}
}

func (l *Ledger) resolveLimit(name string, dailyLimit int, envOverride string) int {
	if envOverride == "" {
		return dailyLimit
	}
	raw, ok := l.lookupEnv(envOverride)
	if !ok || strings.TrimSpace(raw) == "" {
		return dailyLimit
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || v <= 0 {
		l.logger.Warn().
			Str("platform", name).
			Str("env", envOverride).
			Str("value", raw).
			Int("daily_limit", dailyLimit).
			Msg("ignoring invalid daily limit override")
		return dailyLimit
	}
	return v
}

// CheckQuota returns a *domain.QuotaExhaustedError if the platform has used its
// whole allowance for the current UTC day. Unknown platforms are unlimited.
func (l *Ledger) CheckQuota(name string) error {
	rec := l.record(name)
	if rec == nil {
		return nil
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	l.rollover(rec)

	if rec.limit > 0 && rec.used >= rec.limit {
		return domain.NewQuotaExhaustedError(name, rec.limit, rec.used, l.resetAt())
	}
	return nil
}

// IncrementUsage records one request against the platform. It never pushes
// usage past the limit; if the allowance is already used up it returns a
// *domain.QuotaExhaustedError instead. Unlimited and unknown platforms are not
// counted.
func (l *Ledger) IncrementUsage(name string) error {
	rec := l.record(name)
	if rec == nil {
		return nil
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	l.rollover(rec)

	if rec.limit <= 0 {
		return nil
	}
	if rec.used >= rec.limit {
		return domain.NewQuotaExhaustedError(name, rec.limit, rec.used, l.resetAt())
	}
	rec.used++
	return nil
}

// Reserve atomically checks the allowance and counts one request against it.
// The returned release undoes the reservation, for callers whose request
// failed; it is a no-op once called, after a day rollover, or for unlimited and
// unknown platforms. Reserve returns a *domain.QuotaExhaustedError when the
// allowance is used up.
func (l *Ledger) Reserve(name string) (release func(), err error) {
	rec := l.record(name)
	if rec == nil {
		return func() {}, nil
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	l.rollover(rec)

	if rec.limit <= 0 {
		return func() {}, nil
	}
	if rec.used >= rec.limit {
		return nil, domain.NewQuotaExhaustedError(name, rec.limit, rec.used, l.resetAt())
	}
	rec.used++

	day := rec.day
	var once sync.Once
	return func() {
		once.Do(func() {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			if rec.day == day && rec.used > 0 {
				rec.used--
			}
		})
	}, nil
}

// Status returns the quota state of one platform.
func (l *Ledger) Status(name string) (Status, error) {
	rec := l.record(name)
	if rec == nil {
		return Status{}, domain.NewNotFoundError("platform", name)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	l.rollover(rec)
	return l.statusLocked(name, rec), nil
}

// Statuses returns the state of every registered platform ordered by name.
func (l *Ledger) Statuses() []Status {
	l.mu.RLock()
	names := make([]string, 0, len(l.records))
	for name := range l.records {
		names = append(names, name)
	}
	l.mu.RUnlock()
	sort.Strings(names)

	out := make([]Status, 0, len(names))
	for _, name := range names {
		if s, err := l.Status(name); err == nil {
			out = append(out, s)
		}
	}
	return out
}

func (l *Ledger) statusLocked(name string, rec *record) Status {
	remaining := -1
	if rec.limit > 0 {
		remaining = max(rec.limit-rec.used, 0)
	}
	return Status{
		Platform:  name,
		Used:      rec.used,
		Limit:     rec.limit,
		Remaining: remaining,
		ResetAt:   l.resetAt(),
	}
}

func (l *Ledger) record(name string) *record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.records[name]
}

// rollover zeroes usage on the first touch of a new UTC day. rec.mu must be held.
func (l *Ledger) rollover(rec *record) {
	if today := l.today(); rec.day != today {
		rec.day = today
		rec.used = 0
	}
}

func (l *Ledger) today() string {
	return l.clock.Now().UTC().Format(dayLayout)
}

// resetAt returns the next midnight UTC.
func (l *Ledger) resetAt() time.Time {
	now := l.clock.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}
