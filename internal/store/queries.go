package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"banken/internal/artifact"
	"banken/internal/motion"
)

// timeLayout は文字列比較で時刻順に並ぶ固定幅の形式
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// モーションイベント

// InsertMotionEvent はイベントを追記する
// 同じシーケンス番号が既にあれば何も書かずに ErrDuplicate を返す
func (s *Store) InsertMotionEvent(ev motion.Event) error {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO motion_events (seq, wall_time, mono_ns) VALUES (?, ?, ?)`,
		int64(ev.Seq),
		ev.Wall.UTC().Format(timeLayout),
		int64(ev.Mono),
	)
	if err != nil {
		return fmt.Errorf("モーションイベント %d の保存に失敗: %w", ev.Seq, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("保存結果の取得に失敗: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: seq=%d", ErrDuplicate, ev.Seq)
	}
	return nil
}

// HasMotionEvent は seq のイベントが保存済みかを返す
func (s *Store) HasMotionEvent(seq uint64) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM motion_events WHERE seq = ?`, int64(seq)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("モーションイベントの確認に失敗: %w", err)
	}
	return true, nil
}

// ListMotionEvents はシーケンス番号順にすべてのイベントを返す
func (s *Store) ListMotionEvents() ([]motion.Event, error) {
	rows, err := s.db.Query(`SELECT seq, wall_time, mono_ns FROM motion_events ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("モーションイベントの取得に失敗: %w", err)
	}
	defer rows.Close()

	var events []motion.Event
	for rows.Next() {
		var seq, mono int64
		var wall string
		if err := rows.Scan(&seq, &wall, &mono); err != nil {
			return nil, fmt.Errorf("モーションイベントの読み取りに失敗: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, wall)
		if err != nil {
			return nil, fmt.Errorf("時刻の解析に失敗 (seq=%d): %w", seq, err)
		}
		events = append(events, motion.Event{Seq: uint64(seq), Wall: t, Mono: time.Duration(mono)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("モーションイベントの走査に失敗: %w", err)
	}
	return events, nil
}

// LastSequence は保存済みの最大シーケンス番号を返す。空なら0
func (s *Store) LastSequence() (uint64, error) {
	var last sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(seq) FROM motion_events`).Scan(&last); err != nil {
		return 0, fmt.Errorf("最終シーケンス番号の取得に失敗: %w", err)
	}
	if !last.Valid {
		return 0, nil
	}
	return uint64(last.Int64), nil
}

// 成果物

// UpsertArtifact は成果物を保存、または上書きする
func (s *Store) UpsertArtifact(a *artifact.Artifact) error {
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO artifacts
		(id, kind, path, created_at, duration_ms, size_bytes, status, attempts, last_error, event_seq, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			path = excluded.path,
			created_at = excluded.created_at,
			duration_ms = excluded.duration_ms,
			size_bytes = excluded.size_bytes,
			status = excluded.status,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			event_seq = excluded.event_seq,
			updated_at = excluded.updated_at
	`,
		a.ID,
		string(a.Kind),
		a.Path,
		a.CreatedAt.UTC().Format(timeLayout),
		a.Duration.Milliseconds(),
		a.Size,
		string(a.Status),
		a.Attempts,
		a.LastError,
		int64(a.EventSeq),
		a.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("成果物 %s の保存に失敗: %w", a.ID, err)
	}
	return nil
}

// UpdateArtifactStatus は成果物の状態・試行回数・最後のエラーを更新する
func (s *Store) UpdateArtifactStatus(id string, status artifact.Status, attempts int, lastErr string) error {
	res, err := s.db.Exec(
		`UPDATE artifacts SET status = ?, attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), attempts, lastErr, time.Now().UTC().Format(timeLayout), id,
	)
	if err != nil {
		return fmt.Errorf("成果物 %s の状態更新に失敗: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新結果の取得に失敗: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: artifact=%s", ErrNotFound, id)
	}
	return nil
}

// GetArtifact はIDで成果物を取得する
func (s *Store) GetArtifact(id string) (*artifact.Artifact, error) {
	row := s.db.QueryRow(`
		SELECT id, kind, path, created_at, duration_ms, size_bytes, status, attempts, last_error, event_seq, updated_at
		FROM artifacts WHERE id = ?`, id)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: artifact=%s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListArtifacts は作成日時の新しい順に成果物を返す
// statuses を指定するとその状態のものだけを返す
func (s *Store) ListArtifacts(statuses ...artifact.Status) ([]*artifact.Artifact, error) {
	query := `
		SELECT id, kind, path, created_at, duration_ms, size_bytes, status, attempts, last_error, event_seq, updated_at
		FROM artifacts`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("成果物一覧の取得に失敗: %w", err)
	}
	defer rows.Close()

	var out []*artifact.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("成果物一覧の走査に失敗: %w", err)
	}
	return out, nil
}

// CountArtifacts は状態ごとの成果物数を返す
func (s *Store) CountArtifacts() (map[artifact.Status]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM artifacts GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("成果物数の取得に失敗: %w", err)
	}
	defer rows.Close()

	counts := make(map[artifact.Status]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("成果物数の読み取りに失敗: %w", err)
		}
		counts[artifact.Status(st)] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (*artifact.Artifact, error) {
	var a artifact.Artifact
	var kind, status, createdAt, updatedAt string
	var durationMs, eventSeq int64

	err := row.Scan(&a.ID, &kind, &a.Path, &createdAt, &durationMs, &a.Size, &status,
		&a.Attempts, &a.LastError, &eventSeq, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("成果物の読み取りに失敗: %w", err)
	}

	a.Kind = artifact.Kind(kind)
	a.Status = artifact.Status(status)
	a.Duration = time.Duration(durationMs) * time.Millisecond
	a.EventSeq = uint64(eventSeq)
	if a.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("作成日時の解析に失敗 (%s): %w", a.ID, err)
	}
	if a.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("更新日時の解析に失敗 (%s): %w", a.ID, err)
	}
	return &a, nil
}
