package domain

import "time"

// DefaultSyncLockTTL: возраст, после которого блокировка считается брошенной.
const DefaultSyncLockTTL = 2 * time.Minute

// SyncLock: единственная запись "идёт проход синхронизации".
type SyncLock struct {
	Holder     string
	AcquiredAt time.Time
}

// Stale сообщает, что владелец не освободил блокировку дольше ttl.
func (l SyncLock) Stale(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(l.AcquiredAt) >= ttl
}
