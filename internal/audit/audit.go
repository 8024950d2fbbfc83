// Package audit appends an immutable trail of board transitions and
// escalation resolutions. Entries go to logs/audit.jsonl and, when a
// database is attached, to the audit_log table as well. The trail is as
// important as the outcome: every Blocked/Abandoned state must be traceable
// back through here.
package audit

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/pairflow/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Outcome   string `json:"outcome"`
	Reason    string `json:"reason"`
	Subject   string `json:"subject,omitempty"`
	Sprint    int    `json:"sprint,omitempty"`
}

var (
	mu             sync.Mutex
	file           *os.File
	db             *sql.DB
	escalationHits atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB attaches the database for audit_log table writes.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// EscalationCount returns the number of escalation entries since startup.
func EscalationCount() int64 {
	return escalationHits.Load()
}

// Record appends one audit entry. action names the operation
// (e.g. "board.move", "escalation.resolve"), outcome its result
// (e.g. "allow", "reject", "auto_approve"), subject the card or session id.
func Record(action, outcome, reason, subject string, sprint int) {
	if action == "escalation.raise" || action == "escalation.resolve" {
		escalationHits.Add(1)
	}

	// Secrets never reach the durable trail.
	reason = shared.Redact(reason)
	subject = shared.Redact(subject)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Action:    action,
			Outcome:   outcome,
			Reason:    reason,
			Subject:   subject,
			Sprint:    sprint,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.Exec(`
			INSERT INTO audit_log (action, outcome, reason, subject, sprint, created_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, action, outcome, reason, subject, sprint)
	}
}
