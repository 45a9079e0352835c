package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// AuditEventType names a session lifecycle event written to the audit trail.
type AuditEventType string

const (
	AuditSessionCreate  AuditEventType = "session_create"
	AuditTransition     AuditEventType = "session_transition"
	AuditTurnStart      AuditEventType = "turn_start"
	AuditTurnCommit     AuditEventType = "turn_commit"
	AuditTurnRetry      AuditEventType = "turn_retry"
	AuditTurnDiscard    AuditEventType = "turn_discard"
	AuditRecovery       AuditEventType = "session_recovered"
	AuditResolveDegrade AuditEventType = "resolve_degraded"
)

// AuditLogger writes one JSON line per lifecycle event to audit.jsonl.
// Unlike category logs it is written whenever debug mode is on, regardless
// of category toggles, so a session's history can be reconstructed.
type AuditLogger struct {
	logger *zap.Logger
}

var (
	auditLogger *AuditLogger
	auditFile   *os.File
	auditMu     sync.Mutex
)

// Audit returns the process audit logger. It is a no-op when debug mode is off.
func Audit() *AuditLogger {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditLogger != nil {
		return auditLogger
	}

	configMu.RLock()
	override := coreOverride
	dir := logsDir
	debug := config.DebugMode
	configMu.RUnlock()

	switch {
	case override != nil:
		auditLogger = &AuditLogger{logger: zap.New(override).Named("audit")}
	case debug && dir != "":
		path := filepath.Join(dir, "audit.jsonl")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[logging] Warning: could not open audit log %s: %v\n", path, err)
			return &AuditLogger{logger: zap.NewNop()}
		}
		auditFile = f
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.TimeKey = "ts"
		encCfg.EncodeTime = zapcore.EpochMillisTimeEncoder
		core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), zapcore.DebugLevel)
		auditLogger = &AuditLogger{logger: zap.New(core)}
	default:
		return &AuditLogger{logger: zap.NewNop()}
	}
	return auditLogger
}

// CloseAudit flushes and closes the audit log.
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditLogger != nil {
		_ = auditLogger.logger.Sync()
	}
	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
	auditLogger = nil
}

// Event records a lifecycle event for a session.
func (a *AuditLogger) Event(event AuditEventType, sessionID string, fields ...zap.Field) {
	a.logger.Info(string(event), append([]zap.Field{zap.String("session", sessionID)}, fields...)...)
}

// Transition records a status change.
func (a *AuditLogger) Transition(sessionID, from, to string, version int64) {
	a.Event(AuditTransition, sessionID,
		zap.String("from", from),
		zap.String("to", to),
		zap.Int64("version", version),
	)
}

// TurnCommit records a committed turn.
func (a *AuditLogger) TurnCommit(sessionID string, completed, total int, elapsed time.Duration) {
	a.Event(AuditTurnCommit, sessionID,
		zap.Int("completed", completed),
		zap.Int("total", total),
		zap.Duration("elapsed", elapsed),
	)
}

// TurnRetry records a retryable turn failure.
func (a *AuditLogger) TurnRetry(sessionID string, attempt int, backoff time.Duration, err error) {
	a.Event(AuditTurnRetry, sessionID,
		zap.Int("attempt", attempt),
		zap.Duration("backoff", backoff),
		zap.Error(err),
	)
}
