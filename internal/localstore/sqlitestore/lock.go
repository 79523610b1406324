package sqlitestore

import (
	"context"
	"errors"
	"math"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

// AcquireSyncLock занимает блокировку одним upsert-выражением: вставка удаётся, если
// записи нет, обновление: только если текущая запись старше LockTTL. SQLite
// сериализует писателей, поэтому два процесса не могут оба получить affected=1.
func (s *Store) AcquireSyncLock(ctx context.Context, holder string) (bool, error) {
	if holder == "" {
		return false, errors.New("sync lock holder is required")
	}

	now := s.now()
	staleBefore := int64(math.MinInt64)
	if s.opts.LockTTL > 0 {
		staleBefore = toUnix(now.Add(-s.opts.LockTTL))
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_lock (id, holder, acquired_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			holder = excluded.holder,
			acquired_at = excluded.acquired_at
		WHERE sync_lock.acquired_at <= ?
	`, holder, toUnix(now), staleBefore)
	if err != nil {
		return false, domain.StorageError("acquire sync lock", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, domain.StorageError("acquire sync lock rows affected", err)
	}
	return affected == 1, nil
}

// ReleaseSyncLock удаляет запись, только если её держит holder: перехваченная
// после протухания блокировка чужим проходом не снимается.
func (s *Store) ReleaseSyncLock(ctx context.Context, holder string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_lock WHERE id = 1 AND holder = ?`, holder); err != nil {
		return domain.StorageError("release sync lock", err)
	}
	return nil
}

// RefreshSyncLock сдвигает acquired_at, пока блокировку держит holder.
func (s *Store) RefreshSyncLock(ctx context.Context, holder string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE sync_lock SET acquired_at = ? WHERE id = 1 AND holder = ?`, toUnix(s.now()), holder)
	if err != nil {
		return false, domain.StorageError("refresh sync lock", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, domain.StorageError("refresh sync lock rows affected", err)
	}
	return affected == 1, nil
}

func (s *Store) IsSyncLocked(ctx context.Context) (bool, error) {
	var (
		holder     string
		acquiredAt int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT holder, acquired_at FROM sync_lock WHERE id = 1`).Scan(&holder, &acquiredAt)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, domain.StorageError("check sync lock", err)
	}

	lock := domain.SyncLock{Holder: holder, AcquiredAt: fromUnix(acquiredAt)}
	return !lock.Stale(s.now(), s.opts.LockTTL), nil
}
