package audit

import (
	"sync"
	"time"

	"gorm.io/gorm"
)

var (
	globalAuditor *Auditor
	registryMu    sync.RWMutex
)

// InitGlobal creates and stores the global Auditor. Call it once during
// startup after the database is open.
func InitGlobal(db *gorm.DB, retentionDays int) (*Auditor, error) {
	a, err := NewAuditor(db, retentionDays)
	if err != nil {
		return nil, err
	}
	registryMu.Lock()
	globalAuditor = a
	registryMu.Unlock()
	return a, nil
}

// GetAuditor returns the global Auditor, or nil when auditing is off.
func GetAuditor() *Auditor {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return globalAuditor
}

// SetGlobalForTest sets the global Auditor for tests.
func SetGlobalForTest(a *Auditor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	globalAuditor = a
}

// ResetGlobalForTest clears the global Auditor.
func ResetGlobalForTest() {
	SetGlobalForTest(nil)
}

// Record logs entry through the global Auditor. It is a no-op when none is
// configured; write failures are logged by the Auditor.
func Record(entry Entry) {
	if a := GetAuditor(); a != nil {
		a.Log(entry)
	}
}

// LogSession records a session lifecycle event.
func LogSession(event EventType, sessionID, kind, details string) {
	Record(Entry{EventType: string(event), SessionID: sessionID, Kind: kind, Details: details})
}

// LogCommand records a command run inside a session or by an executor.
func LogCommand(event EventType, sessionID, command string, exitCode *int, d time.Duration) {
	Record(Entry{
		EventType:  string(event),
		SessionID:  sessionID,
		Command:    command,
		ExitCode:   exitCode,
		DurationMs: d.Milliseconds(),
	})
}

// LogConnection records a websocket terminal connect or disconnect.
func LogConnection(event EventType, connID, kind, sourceIP, details string, d time.Duration) {
	Record(Entry{
		EventType:  string(event),
		SessionID:  connID,
		Kind:       kind,
		SourceIP:   sourceIP,
		Details:    details,
		DurationMs: d.Milliseconds(),
	})
}
