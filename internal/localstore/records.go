package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/njoerd114/bookrelay/internal/model"
	"github.com/njoerd114/bookrelay/internal/naming"
	"github.com/njoerd114/bookrelay/internal/storage"
)

// --- statistics --------------------------------------------------------------

// GetStatistics returns the statistics of the current book and their newest
// modification time.
func (s *Store) GetStatistics(ctx context.Context) ([]model.Statistic, int64, error) {
	const q = `
		SELECT title, date_key, characters_read, reading_time, min_reading_speed,
		       alt_min_reading_speed, last_reading_speed, max_reading_speed,
		       last_statistic_modified, completed_book, completed_data
		FROM statistics WHERE title = ? ORDER BY date_key`
	rows, err := s.db.QueryContext(ctx, q, s.current.Title)
	if err != nil {
		return nil, 0, fmt.Errorf("querying statistics of %q: %w", s.current.Title, err)
	}
	defer func() { _ = rows.Close() }()

	var (
		out       []model.Statistic
		watermark int64
	)
	for rows.Next() {
		st, err := scanStatistic(rows)
		if err != nil {
			return nil, 0, err
		}
		watermark = max(watermark, st.LastStatisticModified)
		out = append(out, st)
	}
	return out, watermark, rows.Err()
}

// SaveStatistics replaces the statistics of the current book.
func (s *Store) SaveStatistics(ctx context.Context, stats []model.Statistic, _ int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM statistics WHERE title = ?`, s.current.Title); err != nil {
		return fmt.Errorf("clearing statistics of %q: %w", s.current.Title, err)
	}

	const q = `
		INSERT INTO statistics
		    (title, date_key, characters_read, reading_time, min_reading_speed,
		     alt_min_reading_speed, last_reading_speed, max_reading_speed,
		     last_statistic_modified, completed_book, completed_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	for _, st := range stats {
		var completed string
		if st.CompletedData != nil {
			raw, err := json.Marshal(st.CompletedData)
			if err != nil {
				return fmt.Errorf("encoding completion data: %w", err)
			}
			completed = string(raw)
		}
		if _, err := tx.ExecContext(ctx, q,
			s.current.Title, st.DateKey, st.CharactersRead, st.ReadingTime, st.MinReadingSpeed,
			st.AltMinReadingSpeed, st.LastReadingSpeed, st.MaxReadingSpeed,
			st.LastStatisticModified, bool(st.CompletedBook), completed,
		); err != nil {
			return fmt.Errorf("inserting statistic %s of %q: %w", st.DateKey, s.current.Title, err)
		}
	}
	return tx.Commit()
}

func scanStatistic(sc scanner) (model.Statistic, error) {
	var (
		st        model.Statistic
		completed bool
		snapshot  string
	)
	err := sc.Scan(
		&st.Title, &st.DateKey, &st.CharactersRead, &st.ReadingTime, &st.MinReadingSpeed,
		&st.AltMinReadingSpeed, &st.LastReadingSpeed, &st.MaxReadingSpeed,
		&st.LastStatisticModified, &completed, &snapshot,
	)
	if err != nil {
		return st, fmt.Errorf("scanning statistic row: %w", err)
	}
	st.CompletedBook = model.Flag(completed)
	if snapshot != "" {
		st.CompletedData = &model.StatisticSnapshot{}
		if err := json.Unmarshal([]byte(snapshot), st.CompletedData); err != nil {
			return st, &storage.IntegrityError{Backend: model.StorageLocal, Name: st.Title, Err: err}
		}
	}
	return st, nil
}

// --- reading goals -----------------------------------------------------------

// GetReadingGoals returns every stored goal, sorted, and the newest
// modification time.
func (s *Store) GetReadingGoals(ctx context.Context) ([]model.ReadingGoal, int64, error) {
	const q = `
		SELECT time_goal, character_goal, goal_frequency, goal_start_date,
		       goal_end_date, goal_original_end, last_goal_modified
		FROM reading_goals ORDER BY goal_start_date, goal_end_date, id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, 0, fmt.Errorf("querying reading goals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var (
		out       []model.ReadingGoal
		watermark int64
	)
	for rows.Next() {
		var g model.ReadingGoal
		if err := rows.Scan(&g.TimeGoal, &g.CharacterGoal, &g.GoalFrequency, &g.GoalStartDate,
			&g.GoalEndDate, &g.GoalOriginalEnd, &g.LastGoalModified); err != nil {
			return nil, 0, fmt.Errorf("scanning reading goal row: %w", err)
		}
		watermark = max(watermark, g.LastGoalModified)
		out = append(out, g)
	}
	return out, watermark, rows.Err()
}

// SaveReadingGoals replaces the stored goals.
func (s *Store) SaveReadingGoals(ctx context.Context, goals []model.ReadingGoal, _ int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM reading_goals`); err != nil {
		return fmt.Errorf("clearing reading goals: %w", err)
	}
	const q = `
		INSERT INTO reading_goals
		    (time_goal, character_goal, goal_frequency, goal_start_date,
		     goal_end_date, goal_original_end, last_goal_modified)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	for _, g := range goals {
		if _, err := tx.ExecContext(ctx, q, g.TimeGoal, g.CharacterGoal, string(g.GoalFrequency),
			g.GoalStartDate, g.GoalEndDate, g.GoalOriginalEnd, g.LastGoalModified); err != nil {
			return fmt.Errorf("inserting reading goal %s: %w", g.GoalStartDate, err)
		}
	}
	return tx.Commit()
}

// --- freshness ---------------------------------------------------------------

// RecentToken renders the file name the current book's data would carry in a
// file-based backend, or "" if the data is absent.
func (s *Store) RecentToken(ctx context.Context, prefix string) (string, error) {
	switch prefix {
	case naming.PrefixBook:
		const q = `SELECT characters, last_book_modified, last_book_open FROM books WHERE title = ?`
		var b model.Book
		err := s.db.QueryRowContext(ctx, q, s.current.Title).Scan(&b.CharacterCount, &b.LastBookModified, &b.LastBookOpen)
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("querying book token of %q: %w", s.current.Title, err)
		}
		return naming.NewBookToken(&b).Filename(), nil

	case naming.PrefixProgress:
		bm, err := s.GetProgress(ctx)
		if err != nil || bm == nil {
			return "", err
		}
		return naming.NewProgressToken(bm).Filename(), nil

	case naming.PrefixStatistics:
		var n int
		var watermark sql.NullInt64
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*), MAX(last_statistic_modified) FROM statistics WHERE title = ?`,
			s.current.Title).Scan(&n, &watermark)
		if err != nil {
			return "", fmt.Errorf("querying statistics token of %q: %w", s.current.Title, err)
		}
		if n == 0 {
			return "", nil
		}
		return naming.NewStatisticsToken(watermark.Int64).Filename(), nil

	case naming.PrefixReadingGoals:
		var n int
		var watermark sql.NullInt64
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*), MAX(last_goal_modified) FROM reading_goals`).Scan(&n, &watermark)
		if err != nil {
			return "", fmt.Errorf("querying reading goals token: %w", err)
		}
		if n == 0 {
			return "", nil
		}
		return naming.NewReadingGoalsToken(watermark.Int64).Filename(), nil
	}
	return "", &storage.InvariantError{Message: fmt.Sprintf("local store has no data for prefix %q", prefix)}
}

// IsCurrent reports whether the stored data is at least as new as ref.
func (s *Store) IsCurrent(ctx context.Context, prefix, ref string) (bool, error) {
	if ref == "" {
		return false, nil
	}
	held, err := s.RecentToken(ctx, prefix)
	if err != nil {
		return false, err
	}
	return naming.IsCurrent(prefix, held, ref), nil
}
