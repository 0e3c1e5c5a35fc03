package db

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/stantondev/inkwell/domain"
)

// Remote account cache

const (
	sqlInsertRemoteAccount = `INSERT INTO remote_accounts(id, username, domain, actor_uri, display_name, summary, inbox_uri, outbox_uri, shared_inbox_uri, public_key_pem, avatar_url, last_fetched_at)
                        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectRemoteAccountByURI = `SELECT id, username, domain, actor_uri, display_name, summary, inbox_uri, outbox_uri, shared_inbox_uri, public_key_pem, avatar_url, last_fetched_at
                        FROM remote_accounts WHERE actor_uri = ?`
	sqlSelectRemoteAccountById = `SELECT id, username, domain, actor_uri, display_name, summary, inbox_uri, outbox_uri, shared_inbox_uri, public_key_pem, avatar_url, last_fetched_at
                        FROM remote_accounts WHERE id = ?`
	sqlUpdateRemoteAccount = `UPDATE remote_accounts SET username = ?, display_name = ?, summary = ?, inbox_uri = ?, outbox_uri = ?, shared_inbox_uri = ?, public_key_pem = ?, avatar_url = ?, last_fetched_at = ?
                        WHERE actor_uri = ?`
	sqlDeleteRemoteAccount = `DELETE FROM remote_accounts WHERE id = ?`
)

func (s *Store) CreateRemoteAccount(acc *domain.RemoteAccount) error {
	return s.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertRemoteAccount,
			acc.Id.String(),
			acc.Username,
			acc.Domain,
			acc.ActorURI,
			acc.DisplayName,
			acc.Summary,
			acc.InboxURI,
			acc.OutboxURI,
			acc.SharedInboxURI,
			acc.PublicKeyPem,
			acc.AvatarURL,
			acc.LastFetchedAt,
		)
		return err
	})
}

func (s *Store) UpdateRemoteAccount(acc *domain.RemoteAccount) error {
	return s.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateRemoteAccount,
			acc.Username,
			acc.DisplayName,
			acc.Summary,
			acc.InboxURI,
			acc.OutboxURI,
			acc.SharedInboxURI,
			acc.PublicKeyPem,
			acc.AvatarURL,
			acc.LastFetchedAt,
			acc.ActorURI,
		)
		return err
	})
}

// UpsertRemoteAccount refreshes the cache entry for an actor IRI, keeping
// the invariant of one record per IRI. On update the caller's Id is
// replaced with the stored one.
func (s *Store) UpsertRemoteAccount(acc *domain.RemoteAccount) error {
	err, existing := s.ReadRemoteAccountByURI(acc.ActorURI)
	if err == nil && existing != nil {
		acc.Id = existing.Id
		return s.UpdateRemoteAccount(acc)
	}
	return s.CreateRemoteAccount(acc)
}

func scanRemoteAccount(scan func(dest ...interface{}) error) (error, *domain.RemoteAccount) {
	var acc domain.RemoteAccount
	var idStr string
	err := scan(
		&idStr,
		&acc.Username,
		&acc.Domain,
		&acc.ActorURI,
		&acc.DisplayName,
		&acc.Summary,
		&acc.InboxURI,
		&acc.OutboxURI,
		&acc.SharedInboxURI,
		&acc.PublicKeyPem,
		&acc.AvatarURL,
		&acc.LastFetchedAt,
	)
	if err != nil {
		return err, nil
	}
	acc.Id, _ = uuid.Parse(idStr)
	return nil, &acc
}

func (s *Store) ReadRemoteAccountByURI(uri string) (error, *domain.RemoteAccount) {
	row := s.db.QueryRow(sqlSelectRemoteAccountByURI, uri)
	return scanRemoteAccount(row.Scan)
}

func (s *Store) ReadRemoteAccountById(id uuid.UUID) (error, *domain.RemoteAccount) {
	row := s.db.QueryRow(sqlSelectRemoteAccountById, id.String())
	return scanRemoteAccount(row.Scan)
}

func (s *Store) DeleteRemoteAccount(id uuid.UUID) error {
	return s.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteRemoteAccount, id.String())
		return err
	})
}

// Follows

const (
	sqlInsertFollow = `INSERT INTO follows(id, account_id, target_account_id, uri, status, created_at)
                        VALUES (?, ?, ?, ?, ?, ?)`
	sqlSelectFollowByURI = `SELECT id, account_id, target_account_id, uri, status, created_at FROM follows WHERE uri = ?`
	sqlSelectFollowByAccountIds = `SELECT id, account_id, target_account_id, uri, status, created_at FROM follows
                        WHERE account_id = ? AND target_account_id = ?`
	sqlSelectFollowersOf = `SELECT id, account_id, target_account_id, uri, status, created_at FROM follows
                        WHERE target_account_id = ? AND status = 'accepted'`
	sqlSelectFollowingOf = `SELECT id, account_id, target_account_id, uri, status, created_at FROM follows
                        WHERE account_id = ? AND status = 'accepted'`
	sqlUpdateFollowStatus        = `UPDATE follows SET status = ? WHERE uri = ?`
	sqlDeleteFollowByURI         = `DELETE FROM follows WHERE uri = ?`
	sqlDeleteFollowByAccountIds  = `DELETE FROM follows WHERE account_id = ? AND target_account_id = ?`
	sqlDeleteFollowsByAccountId  = `DELETE FROM follows WHERE account_id = ? OR target_account_id = ?`
)

func (s *Store) CreateFollow(follow *domain.Follow) error {
	return s.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertFollow,
			follow.Id.String(),
			follow.AccountId.String(),
			follow.TargetAccountId.String(),
			follow.URI,
			follow.Status,
			follow.CreatedAt,
		)
		return err
	})
}

func scanFollow(scan func(dest ...interface{}) error) (error, *domain.Follow) {
	var follow domain.Follow
	var idStr, accountIdStr, targetIdStr string
	err := scan(
		&idStr,
		&accountIdStr,
		&targetIdStr,
		&follow.URI,
		&follow.Status,
		&follow.CreatedAt,
	)
	if err != nil {
		return err, nil
	}
	follow.Id, _ = uuid.Parse(idStr)
	follow.AccountId, _ = uuid.Parse(accountIdStr)
	follow.TargetAccountId, _ = uuid.Parse(targetIdStr)
	return nil, &follow
}

func (s *Store) ReadFollowByURI(uri string) (error, *domain.Follow) {
	row := s.db.QueryRow(sqlSelectFollowByURI, uri)
	return scanFollow(row.Scan)
}

func (s *Store) ReadFollowByAccountIds(accountId uuid.UUID, targetId uuid.UUID) (error, *domain.Follow) {
	row := s.db.QueryRow(sqlSelectFollowByAccountIds, accountId.String(), targetId.String())
	return scanFollow(row.Scan)
}

// ReadFollowersOf returns the accepted followers of the given account.
func (s *Store) ReadFollowersOf(targetAccountId uuid.UUID) (error, *[]domain.Follow) {
	rows, err := s.db.Query(sqlSelectFollowersOf, targetAccountId.String())
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var followers []domain.Follow
	for rows.Next() {
		err, follow := scanFollow(rows.Scan)
		if err != nil {
			return err, &followers
		}
		followers = append(followers, *follow)
	}
	if err = rows.Err(); err != nil {
		return err, &followers
	}
	return nil, &followers
}

// ReadFollowingOf returns the accepted follows initiated by the account.
func (s *Store) ReadFollowingOf(accountId uuid.UUID) (error, *[]domain.Follow) {
	rows, err := s.db.Query(sqlSelectFollowingOf, accountId.String())
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var follows []domain.Follow
	for rows.Next() {
		err, follow := scanFollow(rows.Scan)
		if err != nil {
			return err, &follows
		}
		follows = append(follows, *follow)
	}
	if err = rows.Err(); err != nil {
		return err, &follows
	}
	return nil, &follows
}

func (s *Store) UpdateFollowStatus(uri string, status string) error {
	return s.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateFollowStatus, status, uri)
		return err
	})
}

func (s *Store) DeleteFollowByURI(uri string) error {
	return s.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollowByURI, uri)
		return err
	})
}

func (s *Store) DeleteFollowByAccountIds(accountId uuid.UUID, targetId uuid.UUID) error {
	return s.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollowByAccountIds, accountId.String(), targetId.String())
		return err
	})
}

func (s *Store) DeleteFollowsByAccountId(accountId uuid.UUID) error {
	return s.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollowsByAccountId, accountId.String(), accountId.String())
		return err
	})
}

// Stamps

const (
	// INSERT OR IGNORE keeps stamps unique per (account, object) so a
	// replayed Like is never double-counted.
	sqlInsertStamp            = `INSERT OR IGNORE INTO stamps(id, account_id, object_uri, uri, created_at) VALUES (?, ?, ?, ?, ?)`
	sqlSelectStampsByObjectURI = `SELECT id, account_id, object_uri, uri, created_at FROM stamps WHERE object_uri = ?`
	sqlSelectStampByURI        = `SELECT id, account_id, object_uri, uri, created_at FROM stamps WHERE uri = ?`
	sqlDeleteStampByURI        = `DELETE FROM stamps WHERE uri = ?`
)

func (s *Store) CreateStamp(stamp *domain.Stamp) error {
	return s.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertStamp,
			stamp.Id.String(),
			stamp.AccountId.String(),
			stamp.ObjectURI,
			stamp.URI,
			stamp.CreatedAt,
		)
		return err
	})
}

func (s *Store) ReadStampsByObjectURI(objectURI string) (error, *[]domain.Stamp) {
	rows, err := s.db.Query(sqlSelectStampsByObjectURI, objectURI)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var stamps []domain.Stamp
	for rows.Next() {
		var stamp domain.Stamp
		var idStr, accountIdStr string
		if err := rows.Scan(&idStr, &accountIdStr, &stamp.ObjectURI, &stamp.URI, &stamp.CreatedAt); err != nil {
			return err, &stamps
		}
		stamp.Id, _ = uuid.Parse(idStr)
		stamp.AccountId, _ = uuid.Parse(accountIdStr)
		stamps = append(stamps, stamp)
	}
	if err = rows.Err(); err != nil {
		return err, &stamps
	}
	return nil, &stamps
}

func (s *Store) ReadStampByURI(uri string) (error, *domain.Stamp) {
	row := s.db.QueryRow(sqlSelectStampByURI, uri)
	var stamp domain.Stamp
	var idStr, accountIdStr string
	err := row.Scan(&idStr, &accountIdStr, &stamp.ObjectURI, &stamp.URI, &stamp.CreatedAt)
	if err != nil {
		return err, nil
	}
	stamp.Id, _ = uuid.Parse(idStr)
	stamp.AccountId, _ = uuid.Parse(accountIdStr)
	return nil, &stamp
}

func (s *Store) DeleteStampByURI(uri string) error {
	return s.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteStampByURI, uri)
		return err
	})
}

// Remote notes (shadow copies of remote comments/posts)

const (
	sqlInsertRemoteNote = `INSERT INTO remote_notes(id, remote_account_id, object_uri, in_reply_to_uri, content, published)
                        VALUES (?, ?, ?, ?, ?, ?)`
	sqlUpdateRemoteNote = `UPDATE remote_notes SET content = ?, published = ? WHERE object_uri = ?`
	sqlSelectRemoteNoteByObjectURI = `SELECT id, remote_account_id, object_uri, in_reply_to_uri, content, published, deleted_at
                        FROM remote_notes WHERE object_uri = ?`
	sqlSoftDeleteRemoteNote = `UPDATE remote_notes SET deleted_at = ? WHERE object_uri = ?`
)

// UpsertRemoteNote stores a remote note shadow; re-delivery of the same
// object id updates in place rather than duplicating.
func (s *Store) UpsertRemoteNote(note *domain.RemoteNote) error {
	err, existing := s.ReadRemoteNoteByObjectURI(note.ObjectURI)
	if err == nil && existing != nil {
		return s.wrapTransaction(func(tx *sql.Tx) error {
			_, err := tx.Exec(sqlUpdateRemoteNote, note.Content, note.Published, note.ObjectURI)
			return err
		})
	}
	return s.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertRemoteNote,
			note.Id.String(),
			note.RemoteAccountId.String(),
			note.ObjectURI,
			note.InReplyToURI,
			note.Content,
			note.Published,
		)
		return err
	})
}

func (s *Store) ReadRemoteNoteByObjectURI(objectURI string) (error, *domain.RemoteNote) {
	row := s.db.QueryRow(sqlSelectRemoteNoteByObjectURI, objectURI)
	var note domain.RemoteNote
	var idStr, remoteIdStr string
	err := row.Scan(
		&idStr,
		&remoteIdStr,
		&note.ObjectURI,
		&note.InReplyToURI,
		&note.Content,
		&note.Published,
		&note.DeletedAt,
	)
	if err != nil {
		return err, nil
	}
	note.Id, _ = uuid.Parse(idStr)
	note.RemoteAccountId, _ = uuid.Parse(remoteIdStr)
	return nil, &note
}

func (s *Store) SoftDeleteRemoteNoteByObjectURI(objectURI string) error {
	return s.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlSoftDeleteRemoteNote, time.Now(), objectURI)
		return err
	})
}

// Activities (dedup window + audit log)

const (
	sqlInsertActivity = `INSERT INTO activities(id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, local, created_at)
                        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectActivityByURI = `SELECT id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, local, created_at
                        FROM activities WHERE activity_uri = ?`
	sqlMarkActivityProcessed = `UPDATE activities SET processed = 1 WHERE id = ?`
	sqlPruneActivities       = `DELETE FROM activities WHERE created_at < ? AND local = 0`
)

func (s *Store) CreateActivity(activity *domain.Activity) error {
	return s.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertActivity,
			activity.Id.String(),
			activity.ActivityURI,
			activity.ActivityType,
			activity.ActorURI,
			activity.ObjectURI,
			activity.RawJSON,
			activity.Processed,
			activity.Local,
			activity.CreatedAt,
		)
		return err
	})
}

func (s *Store) ReadActivityByURI(uri string) (error, *domain.Activity) {
	row := s.db.QueryRow(sqlSelectActivityByURI, uri)
	var activity domain.Activity
	var idStr string
	err := row.Scan(
		&idStr,
		&activity.ActivityURI,
		&activity.ActivityType,
		&activity.ActorURI,
		&activity.ObjectURI,
		&activity.RawJSON,
		&activity.Processed,
		&activity.Local,
		&activity.CreatedAt,
	)
	if err != nil {
		return err, nil
	}
	activity.Id, _ = uuid.Parse(idStr)
	return nil, &activity
}

func (s *Store) MarkActivityProcessed(id uuid.UUID) error {
	return s.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlMarkActivityProcessed, id.String())
		return err
	})
}

// PruneActivities drops inbound dedup records older than the cutoff.
// Losing them only risks reprocessing recent duplicates, which stays safe
// because application is idempotent.
func (s *Store) PruneActivities(before time.Time) error {
	return s.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlPruneActivities, before)
		return err
	})
}

// Delivery queue

const (
	sqlInsertDelivery = `INSERT INTO delivery_queue(id, inbox_uri, account_id, activity_json, attempts, next_attempt_at, status, created_at)
                        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectDueDeliveries = `SELECT id, inbox_uri, account_id, activity_json, attempts, next_attempt_at, status, created_at
                        FROM delivery_queue WHERE status = 'pending' AND next_attempt_at <= ?
                        ORDER BY created_at ASC LIMIT ?`
	sqlUpdateDeliveryAttempt = `UPDATE delivery_queue SET attempts = ?, next_attempt_at = ? WHERE id = ?`
	sqlUpdateDeliveryStatus  = `UPDATE delivery_queue SET status = ? WHERE id = ?`
	sqlDeleteDelivery        = `DELETE FROM delivery_queue WHERE id = ?`
)

func (s *Store) EnqueueDelivery(task *domain.DeliveryTask) error {
	return s.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertDelivery,
			task.Id.String(),
			task.InboxURI,
			task.AccountId.String(),
			task.ActivityJSON,
			task.Attempts,
			task.NextAttemptAt,
			task.Status,
			task.CreatedAt,
		)
		return err
	})
}

// ReadDueDeliveries returns pending tasks whose next attempt is due, oldest
// first so same-inbox tasks keep creation order.
func (s *Store) ReadDueDeliveries(limit int) (error, *[]domain.DeliveryTask) {
	rows, err := s.db.Query(sqlSelectDueDeliveries, time.Now(), limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var tasks []domain.DeliveryTask
	for rows.Next() {
		var task domain.DeliveryTask
		var idStr, accountIdStr string
		if err := rows.Scan(&idStr, &task.InboxURI, &accountIdStr, &task.ActivityJSON, &task.Attempts, &task.NextAttemptAt, &task.Status, &task.CreatedAt); err != nil {
			return err, &tasks
		}
		task.Id, _ = uuid.Parse(idStr)
		task.AccountId, _ = uuid.Parse(accountIdStr)
		tasks = append(tasks, task)
	}
	if err = rows.Err(); err != nil {
		return err, &tasks
	}
	return nil, &tasks
}

func (s *Store) UpdateDeliveryAttempt(id uuid.UUID, attempts int, nextAttempt time.Time) error {
	return s.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateDeliveryAttempt, attempts, nextAttempt, id.String())
		return err
	})
}

func (s *Store) MarkDeliveryStatus(id uuid.UUID, status string) error {
	return s.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateDeliveryStatus, status, id.String())
		return err
	})
}

func (s *Store) DeleteDelivery(id uuid.UUID) error {
	return s.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteDelivery, id.String())
		return err
	})
}
