package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
)

const (
	getUserSQL           = "SELECT uid,username,name,deleted FROM users WHERE uid=?"
	getUserByUsernameSQL = "SELECT uid,username,name,deleted FROM users WHERE username=?"
	getUsersSQL          = "SELECT uid,username,name,deleted FROM users WHERE uid IN (%s)"
)

var schemaSQL = []string{
	`CREATE TABLE IF NOT EXISTS users (
		uid INT NOT NULL,
		username VARCHAR(64) NOT NULL,
		name VARCHAR(128) NOT NULL DEFAULT '',
		deleted TINYINT NOT NULL DEFAULT 0,
		PRIMARY KEY (uid),
		UNIQUE KEY uniq_username (username)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id CHAR(26) NOT NULL,
		sender INT NOT NULL,
		receiver INT NOT NULL,
		ciphertext MEDIUMTEXT NOT NULL,
		nonce CHAR(24) NOT NULL,
		tag CHAR(32) NOT NULL,
		status ENUM('sent','delivered','read') NOT NULL DEFAULT 'sent',
		create_time DATETIME(3) NOT NULL,
		update_time DATETIME(3) NOT NULL,
		PRIMARY KEY (id),
		KEY idx_pair (sender, receiver, id),
		KEY idx_pending (receiver, status),
		KEY idx_pair_status (sender, receiver, status)
	)`,
	`CREATE TABLE IF NOT EXISTS group_chats (
		id BIGINT NOT NULL AUTO_INCREMENT,
		name VARCHAR(128) NOT NULL,
		description VARCHAR(512) NOT NULL DEFAULT '',
		photo VARCHAR(256) NOT NULL DEFAULT '',
		admin INT NOT NULL,
		create_time DATETIME(3) NOT NULL,
		update_time DATETIME(3) NOT NULL,
		PRIMARY KEY (id)
	)`,
	`CREATE TABLE IF NOT EXISTS group_members (
		group_id BIGINT NOT NULL,
		uid INT NOT NULL,
		PRIMARY KEY (group_id, uid),
		KEY idx_member (uid)
	)`,
	`CREATE TABLE IF NOT EXISTS group_messages (
		id CHAR(26) NOT NULL,
		group_id BIGINT NOT NULL,
		sender INT NOT NULL,
		ciphertext MEDIUMTEXT NOT NULL,
		nonce CHAR(24) NOT NULL,
		tag CHAR(32) NOT NULL,
		create_time DATETIME(3) NOT NULL,
		update_time DATETIME(3) NOT NULL,
		PRIMARY KEY (id),
		KEY idx_group (group_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS group_message_reads (
		message_id CHAR(26) NOT NULL,
		uid INT NOT NULL,
		PRIMARY KEY (message_id, uid)
	)`,
	`CREATE TABLE IF NOT EXISTS deleted_chats (
		uid INT NOT NULL,
		peer_uid INT NOT NULL,
		deleted_at DATETIME(3) NOT NULL,
		PRIMARY KEY (uid, peer_uid)
	)`,
}

// convStore implements IConvStore on MySQL.
type convStore struct {
	*sql.DB
}

func NewConvStore(db *sql.DB) *convStore {
	return &convStore{db}
}

// EnsureSchema creates missing tables. Idempotent.
func (s *convStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaSQL {
		if _, err := s.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %v", err)
		}
	}
	return nil
}

func (s *convStore) withTx(ctx context.Context, exec func(ctx context.Context, tx *sql.Tx) error, opts ...*sql.TxOptions) error {
	var txOpts *sql.TxOptions
	if len(opts) == 0 {
		txOpts = &sql.TxOptions{
			Isolation: sql.LevelRepeatableRead,
			ReadOnly:  false,
		}
	} else {
		txOpts = opts[0]
	}
	tx, err := s.BeginTx(ctx, txOpts)
	if err != nil {
		return err
	}

	if err := exec(ctx, tx); err != nil {
		if err2 := tx.Rollback(); err2 != nil {
			glog.Errorf("failed to rollback: %v", err2)
		}
		return err
	}

	return tx.Commit()
}

func (s *convStore) IsDupKeyError(err error) bool {
	if val, ok := err.(*mysql.MySQLError); ok {
		return val.Number == 1062
	}
	return false
}

func scanUser(row interface{ Scan(...interface{}) error }) (*User, error) {
	var u User
	var deleted byte
	if err := row.Scan(&u.Uid, &u.Username, &u.Name, &deleted); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	u.Deleted = deleted > 0
	return &u, nil
}

func (s *convStore) GetUser(ctx context.Context, uid int32) (*User, error) {
	return scanUser(s.QueryRowContext(ctx, getUserSQL, uid))
}

func (s *convStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return scanUser(s.QueryRowContext(ctx, getUserByUsernameSQL, username))
}

func (s *convStore) GetUsers(ctx context.Context, uids []int32) (map[int32]*User, error) {
	out := make(map[int32]*User, len(uids))
	if len(uids) == 0 {
		return out, nil
	}

	args := make([]interface{}, len(uids))
	marks := make([]string, len(uids))
	for i, uid := range uids {
		args[i] = uid
		marks[i] = "?"
	}

	rows, err := s.QueryContext(ctx, fmt.Sprintf(getUsersSQL, strings.Join(marks, ",")), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var u User
		var deleted byte
		if err := rows.Scan(&u.Uid, &u.Username, &u.Name, &deleted); err != nil {
			return nil, err
		}
		u.Deleted = deleted > 0
		out[u.Uid] = &u
	}
	return out, rows.Err()
}
