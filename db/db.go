package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/stantondev/inkwell/domain"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// Store is the data-access boundary of the federation service. All state
// that must survive restarts (actor cache, delivery queue, activity dedup)
// lives here.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// New opens the SQLite database at path, applies the PRAGMAs the federation
// workload needs and runs migrations.
func New(path string, log *zap.Logger) (*Store, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	sqldb.SetMaxOpenConns(25)
	sqldb.SetMaxIdleConns(5)
	sqldb.SetConnMaxLifetime(time.Hour)

	var journalMode string
	if err := sqldb.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		log.Warn("failed to enable WAL mode", zap.Error(err))
	} else {
		log.Info("database journal mode", zap.String("mode", journalMode))
	}

	sqldb.Exec("PRAGMA synchronous = NORMAL")
	sqldb.Exec("PRAGMA cache_size = -64000")
	sqldb.Exec("PRAGMA temp_store = MEMORY")
	sqldb.Exec("PRAGMA busy_timeout = 5000")
	sqldb.Exec("PRAGMA foreign_keys = ON")

	store := &Store{db: sqldb, log: log}

	if err := store.RunMigrations(); err != nil {
		sqldb.Close()
		return nil, err
	}

	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// wrapTransaction runs the given function within a transaction, retrying
// on SQLITE_BUSY.
func (s *Store) wrapTransaction(f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.log.Error("error starting transaction", zap.Error(err))
		return err
	}
	for {
		err = f(tx)
		if err != nil {
			serr, ok := err.(*sqlite.Error)
			if ok && serr.Code() == sqlitelib.SQLITE_BUSY {
				continue
			}
			tx.Rollback()
			return err
		}
		err = tx.Commit()
		if err != nil {
			s.log.Error("error committing transaction", zap.Error(err))
			return err
		}
		break
	}
	return nil
}

// Accounts

const (
	sqlInsertAccount = `INSERT INTO accounts(id, username, display_name, summary, avatar_url, public_key_pem, private_key_pem, approves_followers, created_at)
                        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectAccountByUsername = `SELECT id, username, display_name, summary, avatar_url, public_key_pem, private_key_pem, approves_followers, created_at
                        FROM accounts WHERE username = ?`
	sqlSelectAccountById = `SELECT id, username, display_name, summary, avatar_url, public_key_pem, private_key_pem, approves_followers, created_at
                        FROM accounts WHERE id = ?`
)

func (s *Store) CreateAccount(acc *domain.Account) error {
	return s.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertAccount,
			acc.Id.String(),
			acc.Username,
			acc.DisplayName,
			acc.Summary,
			acc.AvatarURL,
			acc.PublicKeyPem,
			acc.PrivateKeyPem,
			acc.ApprovesFollowers,
			acc.CreatedAt,
		)
		return err
	})
}

func (s *Store) scanAccount(row *sql.Row) (error, *domain.Account) {
	var acc domain.Account
	var idStr string
	err := row.Scan(
		&idStr,
		&acc.Username,
		&acc.DisplayName,
		&acc.Summary,
		&acc.AvatarURL,
		&acc.PublicKeyPem,
		&acc.PrivateKeyPem,
		&acc.ApprovesFollowers,
		&acc.CreatedAt,
	)
	if err != nil {
		return err, nil
	}
	acc.Id, _ = uuid.Parse(idStr)
	return nil, &acc
}

func (s *Store) ReadAccByUsername(username string) (error, *domain.Account) {
	return s.scanAccount(s.db.QueryRow(sqlSelectAccountByUsername, username))
}

func (s *Store) ReadAccById(id uuid.UUID) (error, *domain.Account) {
	return s.scanAccount(s.db.QueryRow(sqlSelectAccountById, id.String()))
}

// Entries

const (
	sqlInsertEntry = `INSERT INTO entries(id, account_id, title, content, visibility, in_reply_to_uri, object_uri, created_at)
                        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectEntryById = `SELECT entries.id, entries.account_id, accounts.username, entries.title, entries.content, entries.visibility,
                        entries.in_reply_to_uri, entries.object_uri, entries.created_at, entries.edited_at, entries.deleted_at
                        FROM entries INNER JOIN accounts ON accounts.id = entries.account_id
                        WHERE entries.id = ?`
	sqlSelectPublicEntriesByUsername = `SELECT entries.id, entries.account_id, accounts.username, entries.title, entries.content, entries.visibility,
                        entries.in_reply_to_uri, entries.object_uri, entries.created_at, entries.edited_at, entries.deleted_at
                        FROM entries INNER JOIN accounts ON accounts.id = entries.account_id
                        WHERE accounts.username = ? AND entries.visibility = 'public' AND entries.deleted_at IS NULL
                        ORDER BY entries.created_at DESC LIMIT ? OFFSET ?`
	sqlSelectEntryByObjectURI = `SELECT entries.id, entries.account_id, accounts.username, entries.title, entries.content, entries.visibility,
                        entries.in_reply_to_uri, entries.object_uri, entries.created_at, entries.edited_at, entries.deleted_at
                        FROM entries INNER JOIN accounts ON accounts.id = entries.account_id
                        WHERE entries.object_uri = ?`
	sqlUpdateEntryObjectURI = `UPDATE entries SET object_uri = ? WHERE id = ?`
	sqlSoftDeleteEntry      = `UPDATE entries SET deleted_at = ? WHERE id = ?`
)

func (s *Store) CreateEntry(entry *domain.Entry) error {
	return s.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertEntry,
			entry.Id.String(),
			entry.AccountId.String(),
			entry.Title,
			entry.Content,
			entry.Visibility,
			entry.InReplyToURI,
			entry.ObjectURI,
			entry.CreatedAt,
		)
		return err
	})
}

func scanEntry(scan func(dest ...interface{}) error) (error, *domain.Entry) {
	var entry domain.Entry
	var idStr, accountIdStr string
	err := scan(
		&idStr,
		&accountIdStr,
		&entry.CreatedBy,
		&entry.Title,
		&entry.Content,
		&entry.Visibility,
		&entry.InReplyToURI,
		&entry.ObjectURI,
		&entry.CreatedAt,
		&entry.EditedAt,
		&entry.DeletedAt,
	)
	if err != nil {
		return err, nil
	}
	entry.Id, _ = uuid.Parse(idStr)
	entry.AccountId, _ = uuid.Parse(accountIdStr)
	return nil, &entry
}

func (s *Store) ReadEntryById(id uuid.UUID) (error, *domain.Entry) {
	row := s.db.QueryRow(sqlSelectEntryById, id.String())
	return scanEntry(row.Scan)
}

func (s *Store) ReadEntryByObjectURI(objectURI string) (error, *domain.Entry) {
	row := s.db.QueryRow(sqlSelectEntryByObjectURI, objectURI)
	return scanEntry(row.Scan)
}

func (s *Store) ReadPublicEntriesByUsername(username string, limit int, offset int) (error, *[]domain.Entry) {
	rows, err := s.db.Query(sqlSelectPublicEntriesByUsername, username, limit, offset)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var entries []domain.Entry
	for rows.Next() {
		err, entry := scanEntry(rows.Scan)
		if err != nil {
			return err, &entries
		}
		entries = append(entries, *entry)
	}
	if err = rows.Err(); err != nil {
		return err, &entries
	}
	return nil, &entries
}

func (s *Store) UpdateEntryObjectURI(id uuid.UUID, objectURI string) error {
	return s.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateEntryObjectURI, objectURI, id.String())
		return err
	})
}

func (s *Store) SoftDeleteEntry(id uuid.UUID) error {
	return s.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlSoftDeleteEntry, time.Now(), id.String())
		return err
	})
}
