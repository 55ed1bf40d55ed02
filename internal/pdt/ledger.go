package pdt

import (
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/shaharbukra/sir-reginald-buys-the-dips/internal/observ"
)

// OpenEntry is a PDT Ledger Entry: a symbol opened in a session, not
// yet cleared by rollover or liquidation.
type OpenEntry struct {
	gorm.Model
	Symbol     string `gorm:"index"`
	SessionDay string `gorm:"index"` // "2006-01-02" in Eastern time
}

// DayTrade records one completed day trade for rolling-window counting.
type DayTrade struct {
	gorm.Model
	Symbol     string `gorm:"index"`
	SessionDay string `gorm:"index"`
}

// BlockedSymbol is a symbol the broker rejected for a PDT violation;
// it stays blocked until ledger rollover clears it.
type BlockedSymbol struct {
	gorm.Model
	Symbol string `gorm:"uniqueIndex"`
}

// Ledger tracks day trades over a rolling window of trading sessions
// and persists across restarts via sqlite, grounded on
// original_source/pdt_manager.py's in-memory equivalent.
type Ledger struct {
	mu              sync.Mutex
	db              *gorm.DB
	rollingSessions int
}

// Open creates or attaches to a sqlite-backed ledger at path.
func Open(path string, rollingSessions int) (*Ledger, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&OpenEntry{}, &DayTrade{}, &BlockedSymbol{}); err != nil {
		return nil, err
	}
	return &Ledger{db: db, rollingSessions: rollingSessions}, nil
}

// RecordOpen records that symbol was opened on sessionDay.
func (l *Ledger) RecordOpen(symbol string, sessionDay time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry := OpenEntry{Symbol: symbol, SessionDay: sessionDay.Format("2006-01-02")}
	return l.db.Create(&entry).Error
}

// WouldBeDayTrade reports whether symbol has an open entry recorded for
// the given session, meaning an order that closes it would complete a
// day trade. The order's side is not considered.
func (l *Ledger) WouldBeDayTrade(symbol string, sessionDay time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var count int64
	err := l.db.Model(&OpenEntry{}).
		Where("symbol = ? AND session_day = ?", symbol, sessionDay.Format("2006-01-02")).
		Count(&count).Error
	return count > 0, err
}

// RecordDayTrade stores a completed day trade and clears the matching
// open entry, since the position round-trip is now closed.
func (l *Ledger) RecordDayTrade(symbol string, sessionDay time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	day := sessionDay.Format("2006-01-02")
	if err := l.db.Create(&DayTrade{Symbol: symbol, SessionDay: day}).Error; err != nil {
		return err
	}
	return l.db.Where("symbol = ? AND session_day = ?", symbol, day).Delete(&OpenEntry{}).Error
}

// DayTradeCount returns the number of day trades within the rolling
// window of trading sessions ending today. The caller supplies the
// ordered list of the most recent N trading-session dates (from
// internal/session), since this package has no calendar of its own.
func (l *Ledger) DayTradeCount(recentSessionDays []string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(recentSessionDays) == 0 {
		return 0, nil
	}
	var count int64
	err := l.db.Model(&DayTrade{}).Where("session_day IN ?", recentSessionDays).Count(&count).Error
	return int(count), err
}

// Block hard-blocks symbol after the broker rejects it with a PDT
// violation, until the next ledger rollover clears it explicitly.
func (l *Ledger) Block(symbol string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	observ.Warn("pdt_symbol_blocked", map[string]any{"symbol": symbol})
	return l.db.FirstOrCreate(&BlockedSymbol{Symbol: symbol}, BlockedSymbol{Symbol: symbol}).Error
}

// IsBlocked reports whether symbol is currently hard-blocked.
func (l *Ledger) IsBlocked(symbol string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var count int64
	err := l.db.Model(&BlockedSymbol{}).Where("symbol = ?", symbol).Count(&count).Error
	return count > 0, err
}

// Rollover purges day trades and open entries from sessions before
// cutoff (the scheduler passes RollingSessions + 2 calendar days back,
// mirroring the original implementation's 7-day archive cutoff against
// a 5-session window) and clears every hard block. The scheduler runs
// it once at startup.
func (l *Ledger) Rollover(cutoff time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	day := cutoff.Format("2006-01-02")
	if err := l.db.Where("session_day < ?", day).Delete(&DayTrade{}).Error; err != nil {
		return err
	}
	if err := l.db.Where("session_day < ?", day).Delete(&OpenEntry{}).Error; err != nil {
		return err
	}
	// Hard delete, so a later Block of the same symbol does not collide
	// with a soft-deleted row on the unique index.
	return l.db.Unscoped().Where("1 = 1").Delete(&BlockedSymbol{}).Error
}

// Gate implements the PDT submission gate rule of §4.3: if equity is
// below the threshold, the rolling day-trade count is at or above the
// max, and the contemplated order would close a same-session open, the
// order must be rejected.
func (l *Ledger) Gate(symbol string, equity float64, equityThreshold float64, maxDayTrades int, recentSessionDays []string, sessionDay time.Time) (blocked bool, reason string, err error) {
	if isBlocked, e := l.IsBlocked(symbol); e != nil {
		return false, "", e
	} else if isBlocked {
		return true, "symbol hard-blocked after prior PDT violation", nil
	}
	if equity >= equityThreshold {
		return false, "", nil
	}
	count, e := l.DayTradeCount(recentSessionDays)
	if e != nil {
		return false, "", e
	}
	if count < maxDayTrades {
		return false, "", nil
	}
	wouldClose, e := l.WouldBeDayTrade(symbol, sessionDay)
	if e != nil {
		return false, "", e
	}
	if wouldClose {
		return true, "equity below threshold and day trade count at limit", nil
	}
	return false, "", nil
}

// Close releases the underlying database handle.
func (l *Ledger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
