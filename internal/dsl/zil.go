package dsl

import "sync"

// LogRecord is one intent log entry.
type LogRecord struct {
	Txg  uint64
	Data []byte
}

// IntentLog holds a dataset's log records until the txg that made them
// durable has synced.
type IntentLog struct {
	mu      sync.Mutex
	records []LogRecord
}

// Append adds a record for txg tx.
func (l *IntentLog) Append(tx uint64, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, LogRecord{Txg: tx, Data: append([]byte(nil), data...)})
}

// Clean discards records of txgs up to and including tx.
func (l *IntentLog) Clean(tx uint64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	keep := l.records[:0]
	for _, r := range l.records {
		if r.Txg > tx {
			keep = append(keep, r)
		}
	}
	dropped := len(l.records) - len(keep)
	clear(l.records[len(keep):])
	l.records = keep
	return dropped
}

// Records returns the outstanding records.
func (l *IntentLog) Records() []LogRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LogRecord(nil), l.records...)
}
