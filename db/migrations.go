package db

import (
	"database/sql"

	"go.uber.org/zap"
)

const (
	sqlCreateAccountsTable = `CREATE TABLE IF NOT EXISTS accounts (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		display_name TEXT DEFAULT '',
		summary TEXT DEFAULT '',
		avatar_url TEXT DEFAULT '',
		public_key_pem TEXT NOT NULL,
		private_key_pem TEXT NOT NULL,
		approves_followers INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateEntriesTable = `CREATE TABLE IF NOT EXISTS entries (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		title TEXT DEFAULT '',
		content TEXT NOT NULL,
		visibility TEXT DEFAULT 'public',
		in_reply_to_uri TEXT DEFAULT '',
		object_uri TEXT DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		edited_at TIMESTAMP,
		deleted_at TIMESTAMP
	)`

	sqlCreateEntriesIndices = `
		CREATE INDEX IF NOT EXISTS idx_entries_account_id ON entries(account_id);
		CREATE INDEX IF NOT EXISTS idx_entries_created_at ON entries(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_entries_object_uri ON entries(object_uri);
	`

	sqlCreateRemoteAccountsTable = `CREATE TABLE IF NOT EXISTS remote_accounts (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT NOT NULL,
		domain TEXT NOT NULL,
		actor_uri TEXT UNIQUE NOT NULL,
		display_name TEXT DEFAULT '',
		summary TEXT DEFAULT '',
		inbox_uri TEXT NOT NULL,
		outbox_uri TEXT DEFAULT '',
		shared_inbox_uri TEXT DEFAULT '',
		public_key_pem TEXT NOT NULL,
		avatar_url TEXT DEFAULT '',
		last_fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateRemoteAccountsIndices = `
		CREATE INDEX IF NOT EXISTS idx_remote_accounts_actor_uri ON remote_accounts(actor_uri);
		CREATE INDEX IF NOT EXISTS idx_remote_accounts_domain ON remote_accounts(domain);
	`

	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		target_account_id TEXT NOT NULL,
		uri TEXT NOT NULL,
		status TEXT DEFAULT 'pending',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follows_account_id ON follows(account_id);
		CREATE INDEX IF NOT EXISTS idx_follows_target_account_id ON follows(target_account_id);
		CREATE INDEX IF NOT EXISTS idx_follows_uri ON follows(uri);
	`

	sqlCreateStampsTable = `CREATE TABLE IF NOT EXISTS stamps (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		object_uri TEXT NOT NULL,
		uri TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(account_id, object_uri)
	)`

	sqlCreateStampsIndices = `
		CREATE INDEX IF NOT EXISTS idx_stamps_object_uri ON stamps(object_uri);
		CREATE INDEX IF NOT EXISTS idx_stamps_uri ON stamps(uri);
	`

	sqlCreateRemoteNotesTable = `CREATE TABLE IF NOT EXISTS remote_notes (
		id TEXT NOT NULL PRIMARY KEY,
		remote_account_id TEXT NOT NULL,
		object_uri TEXT UNIQUE NOT NULL,
		in_reply_to_uri TEXT DEFAULT '',
		content TEXT NOT NULL,
		published TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		deleted_at TIMESTAMP
	)`

	sqlCreateRemoteNotesIndices = `
		CREATE INDEX IF NOT EXISTS idx_remote_notes_object_uri ON remote_notes(object_uri);
		CREATE INDEX IF NOT EXISTS idx_remote_notes_in_reply_to ON remote_notes(in_reply_to_uri);
	`

	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT UNIQUE NOT NULL,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT DEFAULT '',
		raw_json TEXT NOT NULL,
		processed INTEGER DEFAULT 0,
		local INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_activities_uri ON activities(activity_uri);
		CREATE INDEX IF NOT EXISTS idx_activities_created_at ON activities(created_at DESC);
	`

	sqlCreateDeliveryQueueTable = `CREATE TABLE IF NOT EXISTS delivery_queue (
		id TEXT NOT NULL PRIMARY KEY,
		inbox_uri TEXT NOT NULL,
		account_id TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		next_attempt_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		status TEXT DEFAULT 'pending',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateDeliveryQueueIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_due ON delivery_queue(status, next_attempt_at);
	`
)

// RunMigrations creates the schema. All statements are idempotent.
func (s *Store) RunMigrations() error {
	return s.wrapTransaction(func(tx *sql.Tx) error {
		tables := []struct {
			name string
			ddl  string
		}{
			{"accounts", sqlCreateAccountsTable},
			{"entries", sqlCreateEntriesTable},
			{"remote_accounts", sqlCreateRemoteAccountsTable},
			{"follows", sqlCreateFollowsTable},
			{"stamps", sqlCreateStampsTable},
			{"remote_notes", sqlCreateRemoteNotesTable},
			{"activities", sqlCreateActivitiesTable},
			{"delivery_queue", sqlCreateDeliveryQueueTable},
		}
		for _, table := range tables {
			if _, err := tx.Exec(table.ddl); err != nil {
				s.log.Error("error creating table", zap.String("table", table.name), zap.Error(err))
				return err
			}
		}

		indices := []string{
			sqlCreateEntriesIndices,
			sqlCreateRemoteAccountsIndices,
			sqlCreateFollowsIndices,
			sqlCreateStampsIndices,
			sqlCreateRemoteNotesIndices,
			sqlCreateActivitiesIndices,
			sqlCreateDeliveryQueueIndices,
		}
		for _, idx := range indices {
			if _, err := tx.Exec(idx); err != nil {
				s.log.Warn("failed to create index", zap.Error(err))
			}
		}

		return nil
	})
}
