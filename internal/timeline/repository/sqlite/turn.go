package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/samotage/claude-headspace/internal/db/dialect"
	"github.com/samotage/claude-headspace/internal/timeline/models"
	"github.com/samotage/claude-headspace/internal/timeline/repository"
)

const turnColumns = `id, task_id, actor, intent, text, timestamp, timestamp_source, content_hash, answers_turn_id, question, file, is_internal, summary, summary_at, created_at`

// prefixedTurnColumns qualifies the turn columns for queries that join tasks.
var prefixedTurnColumns = "turns." + strings.ReplaceAll(turnColumns, ", ", ", turns.")

// CreateTurn creates a new turn. Question and file payloads are stored as
// JSON text columns.
func (s *Store) CreateTurn(ctx context.Context, turn *models.Turn) error {
	now := time.Now().UTC()
	if turn.Timestamp.IsZero() {
		turn.Timestamp = now
	}
	if turn.TimestampSource == "" {
		turn.TimestampSource = models.TimestampSourceServer
	}
	turn.CreatedAt = now

	id, err := dialect.InsertReturningID(ctx, s.w, `
		INSERT INTO turns (task_id, actor, intent, text, timestamp, timestamp_source, content_hash, answers_turn_id, question, file, is_internal, summary, summary_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, turn.TaskID, turn.Actor, turn.Intent, turn.Text, turn.Timestamp,
		turn.TimestampSource, turn.ContentHash, turn.AnswersTurnID,
		marshalJSONColumn(turn.Question), marshalJSONColumn(turn.File),
		dialect.BoolToInt(turn.IsInternal), turn.Summary, turn.SummaryAt, turn.CreatedAt)
	if err != nil {
		return mapError(err)
	}
	turn.ID = id
	return nil
}

// GetTurn retrieves a turn by ID.
func (s *Store) GetTurn(ctx context.Context, id int64) (*models.Turn, error) {
	row := s.r.QueryRowxContext(ctx, s.r.Rebind(`
		SELECT `+turnColumns+` FROM turns WHERE id = ?
	`), id)
	return scanTurn(row)
}

// UpdateTurn updates an existing turn (timestamp corrections, summaries,
// placeholder upgrades).
func (s *Store) UpdateTurn(ctx context.Context, turn *models.Turn) error {
	result, err := s.w.ExecContext(ctx, s.w.Rebind(`
		UPDATE turns
		SET actor = ?, intent = ?, text = ?, timestamp = ?, timestamp_source = ?,
			content_hash = ?, answers_turn_id = ?, question = ?, file = ?,
			is_internal = ?, summary = ?, summary_at = ?
		WHERE id = ?
	`), turn.Actor, turn.Intent, turn.Text, turn.Timestamp, turn.TimestampSource,
		turn.ContentHash, turn.AnswersTurnID, marshalJSONColumn(turn.Question),
		marshalJSONColumn(turn.File), dialect.BoolToInt(turn.IsInternal),
		turn.Summary, turn.SummaryAt, turn.ID)
	if err != nil {
		return mapError(err)
	}
	return requireRows(result)
}

// ListTurnsForTask lists turns in canonical (timestamp, id) order. With a
// limit, the newest rows of the window are returned, still ascending.
func (s *Store) ListTurnsForTask(ctx context.Context, taskID int64, opts repository.ListTurnsOptions) ([]*models.Turn, error) {
	query := `SELECT ` + turnColumns + ` FROM turns WHERE task_id = ?`
	args := []any{taskID}
	if !opts.IncludeInternal {
		query += ` AND is_internal = 0`
	}
	if opts.BeforeTurnID > 0 {
		query += ` AND id < ?`
		args = append(args, opts.BeforeTurnID)
	}

	if opts.Limit > 0 {
		// Page from the end: fetch newest-first then reverse.
		query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
		args = append(args, opts.Limit)
		turns, err := s.listTurns(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
			turns[i], turns[j] = turns[j], turns[i]
		}
		return turns, nil
	}

	query += ` ORDER BY timestamp, id`
	return s.listTurns(ctx, query, args...)
}

// FindTurnByHash matches any of the given content hashes among turns of
// the task newer than the cutoff. Used by the reconciler for dedup.
func (s *Store) FindTurnByHash(ctx context.Context, taskID int64, hashes []string, since time.Time) (*models.Turn, error) {
	filtered := make([]string, 0, len(hashes))
	for _, h := range hashes {
		if h != "" {
			filtered = append(filtered, h)
		}
	}
	if len(filtered) == 0 {
		return nil, repository.ErrNotFound
	}

	query := `
		SELECT ` + turnColumns + ` FROM turns
		WHERE task_id = ? AND timestamp >= ? AND content_hash IN (?` + strings.Repeat(", ?", len(filtered)-1) + `)
		ORDER BY timestamp DESC, id DESC
		LIMIT 1
	`
	args := []any{taskID, since.UTC()}
	for _, h := range filtered {
		args = append(args, h)
	}
	row := s.r.QueryRowxContext(ctx, s.r.Rebind(query), args...)
	return scanTurn(row)
}

// FindTurnByHashForAgent matches hashes across every task of the agent.
// The dedup that guards replays against a closed timeline goes through
// here: the task-scoped variant cannot see turns of a COMPLETE task.
func (s *Store) FindTurnByHashForAgent(ctx context.Context, agentID string, hashes []string, since time.Time) (*models.Turn, error) {
	filtered := make([]string, 0, len(hashes))
	for _, h := range hashes {
		if h != "" {
			filtered = append(filtered, h)
		}
	}
	if len(filtered) == 0 {
		return nil, repository.ErrNotFound
	}

	query := `
		SELECT ` + prefixedTurnColumns + ` FROM turns
		JOIN tasks ON tasks.id = turns.task_id
		WHERE tasks.agent_id = ? AND turns.timestamp >= ? AND turns.content_hash IN (?` + strings.Repeat(", ?", len(filtered)-1) + `)
		ORDER BY turns.timestamp DESC, turns.id DESC
		LIMIT 1
	`
	args := []any{agentID, since.UTC()}
	for _, h := range filtered {
		args = append(args, h)
	}
	row := s.r.QueryRowxContext(ctx, s.r.Rebind(query), args...)
	return scanTurn(row)
}

// LatestTurnForTask returns the newest turn matching actor and intent.
// Empty actor or intent matches any.
func (s *Store) LatestTurnForTask(ctx context.Context, taskID int64, actor models.Actor, intent models.Intent) (*models.Turn, error) {
	query := `SELECT ` + turnColumns + ` FROM turns WHERE task_id = ?`
	args := []any{taskID}
	if actor != "" {
		query += ` AND actor = ?`
		args = append(args, actor)
	}
	if intent != "" {
		query += ` AND intent = ?`
		args = append(args, intent)
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT 1`

	row := s.r.QueryRowxContext(ctx, s.r.Rebind(query), args...)
	return scanTurn(row)
}

func (s *Store) listTurns(ctx context.Context, query string, args ...any) ([]*models.Turn, error) {
	rows, err := s.r.QueryxContext(ctx, s.r.Rebind(query), args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var turns []*models.Turn
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

func scanTurn(row rowScanner) (*models.Turn, error) {
	turn := &models.Turn{}
	var answersTurnID sql.NullInt64
	var question, file string
	var isInternal int
	var summaryAt sql.NullTime
	err := row.Scan(&turn.ID, &turn.TaskID, &turn.Actor, &turn.Intent, &turn.Text,
		&turn.Timestamp, &turn.TimestampSource, &turn.ContentHash, &answersTurnID,
		&question, &file, &isInternal, &turn.Summary, &summaryAt, &turn.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	if answersTurnID.Valid {
		id := answersTurnID.Int64
		turn.AnswersTurnID = &id
	}
	turn.IsInternal = isInternal != 0
	if summaryAt.Valid {
		t := summaryAt.Time
		turn.SummaryAt = &t
	}
	if question != "" {
		payload := &models.QuestionPayload{}
		if err := json.Unmarshal([]byte(question), payload); err == nil {
			turn.Question = payload
		}
	}
	if file != "" {
		meta := &models.FileMeta{}
		if err := json.Unmarshal([]byte(file), meta); err == nil {
			turn.File = meta
		}
	}
	return turn, nil
}

// marshalJSONColumn renders an optional payload as JSON text; nil stores
// the empty string.
func marshalJSONColumn(v any) string {
	switch payload := v.(type) {
	case *models.QuestionPayload:
		if payload == nil {
			return ""
		}
	case *models.FileMeta:
		if payload == nil {
			return ""
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
