package logger

import (
	"io"
	"log"
	"strings"
	"sync"
)

// The audit log is a second, optional sink for operator-facing records
// (permanent queue failures, non-HOLD decisions). It is never filtered by level.
var (
	auditMu  sync.Mutex
	auditLog *log.Logger
)

func SetAuditWriter(w io.Writer) {
	auditMu.Lock()
	defer auditMu.Unlock()
	if w == nil {
		auditLog = nil
		return
	}
	auditLog = log.New(w, "", log.LstdFlags)
}

// AuditField is one "key: value" line inside an audit block.
type AuditField struct {
	Key   string
	Value string
}

func Audit(kind, subject string, fields ...AuditField) {
	auditMu.Lock()
	l := auditLog
	auditMu.Unlock()
	if l == nil {
		return
	}
	var b strings.Builder
	b.WriteString("[AUDIT]")
	if kind != "" {
		b.WriteString("[")
		b.WriteString(kind)
		b.WriteString("]")
	}
	if subject != "" {
		b.WriteString("[")
		b.WriteString(subject)
		b.WriteString("]")
	}
	b.WriteString("\n")
	for _, f := range fields {
		key := strings.TrimSpace(f.Key)
		if key == "" {
			key = "detail"
		}
		b.WriteString(key)
		b.WriteString(": ")
		b.WriteString(strings.TrimSpace(f.Value))
		b.WriteString("\n")
	}
	b.WriteString("=====\n")
	l.Print(b.String())
}
