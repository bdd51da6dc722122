// Package logging wraps zap with the category idiom the daemon's
// components use to scope their loggers: each component asks for a named
// logger once and reuses it, rather than threading a logger through every
// call.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names a logging scope. Components pass their own category so log
// lines can be filtered per subsystem without per-call tags.
type Category string

const (
	CategoryDaemon  Category = "daemon"
	CategorySandbox Category = "sandbox"
	CategoryPlugin  Category = "plugin"
	CategoryLock    Category = "lock"
	CategoryTxn     Category = "txn"
	CategoryPatch   Category = "patch"
	CategoryRouter  Category = "router"
)

var (
	mu     sync.Mutex
	base   *zap.Logger
	byCat  = map[Category]*zap.Logger{}
)

// Initialize builds the process-wide base logger. debug toggles debug-level
// output the way cmd/weaverd's --verbose flag does.
func Initialize(debug bool) error {
	mu.Lock()
	defer mu.Unlock()

	cfg := zap.NewProductionConfig()
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	l, err := cfg.Build()
	if err != nil {
		return err
	}
	base = l
	byCat = map[Category]*zap.Logger{}
	return nil
}

// Get returns the logger scoped to category, lazily deriving it from the
// base logger via zap's Named. Safe to call before Initialize: it falls
// back to zap's no-op logger so components never need a nil check.
func Get(category Category) *zap.Logger {
	mu.Lock()
	defer mu.Unlock()

	if base == nil {
		return zap.NewNop()
	}
	if l, ok := byCat[category]; ok {
		return l
	}
	l := base.Named(string(category))
	byCat[category] = l
	return l
}

// Sync flushes all derived loggers. Errors from Sync on a console/syslog
// sink are routinely non-fatal (e.g. ENOTTY on a captured stderr); callers
// should log but not fail on the returned error.
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	if base == nil {
		return nil
	}
	return base.Sync()
}
