package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

// zapGORMLogger adapts a *zap.Logger to gormlogger.Interface so GORM's
// internal messages (SQL, slow queries, errors) flow through the
// application logger instead of stdout.
type zapGORMLogger struct {
	log                *zap.Logger
	level              gormlogger.LogLevel
	slowQueryThreshold time.Duration
}

func newZapGORMLogger(log *zap.Logger, level gormlogger.LogLevel) gormlogger.Interface {
	if level == 0 {
		level = gormlogger.Warn
	}
	return &zapGORMLogger{
		log:                log.WithOptions(zap.AddCallerSkip(3)),
		level:              level,
		slowQueryThreshold: 200 * time.Millisecond,
	}
}

func (l *zapGORMLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l *zapGORMLogger) Info(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Info {
		l.log.Info(fmt.Sprintf(msg, args...))
	}
}

func (l *zapGORMLogger) Warn(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Warn {
		l.log.Warn(fmt.Sprintf(msg, args...))
	}
}

func (l *zapGORMLogger) Error(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Error {
		l.log.Error(fmt.Sprintf(msg, args...))
	}
}

// Trace logs individual SQL statements with execution time. ErrRecordNotFound
// is silenced: an empty journal is a normal condition, not a database error.
func (l *zapGORMLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()

	fields := []zap.Field{
		zap.String("sql", sql),
		zap.Duration("elapsed", elapsed),
		zap.Int64("rows", rows),
		zap.String("caller", utils.FileWithLineNum()),
	}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		l.log.Error("gorm query error", append(fields, zap.Error(err))...)
	case l.slowQueryThreshold > 0 && elapsed > l.slowQueryThreshold:
		l.log.Warn("gorm slow query", fields...)
	case l.level >= gormlogger.Info:
		l.log.Debug("gorm query", fields...)
	}
}
