// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package permissions

import (
	"context"
	"log/slog"
	"time"
)

// Outcome of a permission check.
type Outcome string

const (
	Allowed Outcome = "allowed"
	Denied  Outcome = "denied"
)

// AuditRecord describes one permission check.
type AuditRecord struct {
	ID        string    `json:"id"`
	Time      time.Time `json:"time"`
	Identity  string    `json:"identity"`
	Operation Operation `json:"operation"`
	Resource  string    `json:"resource"`
	Outcome   Outcome   `json:"outcome"`
	Reason    string    `json:"reason"`
}

// Auditor receives an audit record for every permission check. Audit must
// not block.
type Auditor interface {
	Audit(rec AuditRecord)
}

// AuditorFunc adapts a function to the Auditor interface.
type AuditorFunc func(rec AuditRecord)

func (f AuditorFunc) Audit(rec AuditRecord) {
	f(rec)
}

// Auditors fans records out to several auditors.
type Auditors []Auditor

func (a Auditors) Audit(rec AuditRecord) {
	for _, au := range a {
		au.Audit(rec)
	}
}

type logAuditor struct {
	logger *slog.Logger
}

// NewLogAuditor writes denials at warn level and grants at debug level.
func NewLogAuditor(logger *slog.Logger) Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &logAuditor{logger: logger}
}

func (l *logAuditor) Audit(rec AuditRecord) {
	level := slog.LevelDebug
	if rec.Outcome == Denied {
		level = slog.LevelWarn
	}
	l.logger.Log(context.Background(), level, "permission check",
		slog.String("audit_id", rec.ID),
		slog.String("identity", rec.Identity),
		slog.String("operation", string(rec.Operation)),
		slog.String("resource", rec.Resource),
		slog.String("outcome", string(rec.Outcome)),
		slog.String("reason", rec.Reason))
}
