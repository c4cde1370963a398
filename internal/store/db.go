// Package store はモーションイベントと成果物の状態をSQLiteに永続化する
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

var (
	// ErrDuplicate は同じキーのレコードが既に存在するときに返される
	ErrDuplicate = errors.New("レコードは既に存在します")
	// ErrNotFound はレコードが存在しないときに返される
	ErrNotFound = errors.New("レコードが見つかりません")
)

// Store はSQLiteへの操作を提供する
type Store struct {
	db *sql.DB
}

// New は dbPath のデータベースを開く
// テストでは ":memory:" を使う
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("データベースディレクトリの作成に失敗: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("データベースのオープンに失敗: %w", err)
	}

	// SQLiteの書き込みは1接続のみ
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("WALモードの有効化に失敗: %w", err)
	}
	// 追記のたびにディスクへ確実に書く
	if _, err := db.Exec("PRAGMA synchronous = FULL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("同期モードの設定に失敗: %w", err)
	}

	return &Store{db: db}, nil
}

// Open はデータベースを開き、スキーマを作成する
func Open(dbPath string) (*Store, error) {
	s, err := New(dbPath)
	if err != nil {
		return nil, err
	}
	if err := s.CreateSchema(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close はデータベース接続を閉じる
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// CreateSchema はテーブルとインデックスを作成する
func (s *Store) CreateSchema() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("スキーマの作成に失敗: %w", err)
	}
	return nil
}
