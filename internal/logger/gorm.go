package logger

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const slowQueryThreshold = 200 * time.Millisecond

// gormBridge routes gorm's query logging into the process logger.
type gormBridge struct {
	level gormlogger.LogLevel
}

// Gorm returns a gorm logger that only reports errors and slow queries.
func Gorm() gormlogger.Interface {
	return &gormBridge{level: gormlogger.Warn}
}

func (g *gormBridge) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *g
	cp.level = level
	return &cp
}

func (g *gormBridge) Info(_ context.Context, msg string, data ...interface{}) {
	if g.level >= gormlogger.Info {
		Debugf("gorm: "+msg, data...)
	}
}

func (g *gormBridge) Warn(_ context.Context, msg string, data ...interface{}) {
	if g.level >= gormlogger.Warn {
		Warnf("gorm: "+msg, data...)
	}
}

func (g *gormBridge) Error(_ context.Context, msg string, data ...interface{}) {
	if g.level >= gormlogger.Error {
		Errorf("gorm: "+msg, data...)
	}
}

func (g *gormBridge) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && g.level >= gormlogger.Error:
		sql, rows := fc()
		Errorf("gorm: %v elapsed=%s rows=%d sql=%s", err, elapsed, rows, sql)
	case elapsed > slowQueryThreshold && g.level >= gormlogger.Warn:
		sql, rows := fc()
		Warnf("gorm: SLOW SQL >= %s elapsed=%s rows=%d sql=%s", slowQueryThreshold, elapsed, rows, sql)
	case g.level >= gormlogger.Info:
		sql, rows := fc()
		Debugf("gorm: elapsed=%s rows=%d sql=%s", elapsed, rows, sql)
	}
}
