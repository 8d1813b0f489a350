package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/google/uuid"
)

// dialect captures the differences between the SQL engines.
type dialect struct {
	name       string
	positional bool   // $1 placeholders instead of ?
	lockSuffix string // appended to claim queries
}

var (
	sqliteDialect   = dialect{name: "SQLiteStore"}
	postgresDialect = dialect{name: "PostgresStore", positional: true, lockSuffix: " FOR UPDATE SKIP LOCKED"}
)

// bind rewrites ? placeholders for the dialect.
func (d dialect) bind(query string) string {
	if !d.positional {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sqlStore implements Backend over database/sql. SQLiteStore and PostgresStore embed it.
type sqlStore struct {
	db *sql.DB
	d  dialect
}

const conversationColumns = `id, recipient, language, persona, current_block, block_turn_count, episode_done,
	question_queue, planned_questions, progress, small_talk_enabled, job_title, has_experience,
	prefer_community, farewell, created_at, updated_at`

const messageColumns = `ordinal, speaker, text, text_en, is_hardcoded, filtered_text, filtered_reason,
	question_id, rephrased, intent, latency, created_at`

func (s *sqlStore) CreateConversation(ctx context.Context, conv models.Conversation) error {
	if err := checkOrdinals(0, conv.Messages); err != nil {
		return err
	}
	queue, err := json.Marshal(nonNilQueue(conv.QuestionQueue))
	if err != nil {
		return fmt.Errorf("failed to encode question queue: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, s.d.bind(`SELECT COUNT(*) FROM conversations WHERE id = ?`), conv.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check conversation %s: %w", conv.ID, err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, conv.ID)
	}

	_, err = tx.ExecContext(ctx, s.d.bind(`INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		conv.ID, conv.Recipient, conv.Language, string(conv.Persona), string(conv.CurrentBlock), conv.BlockTurnCount,
		conv.EpisodeDone, string(queue), conv.PlannedQuestions, conv.Progress, conv.SmallTalkEnabled, conv.JobTitle,
		conv.HasExperience, conv.PreferCommunity, conv.Farewell, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		slog.Error(s.d.name+".CreateConversation: insert failed", "id", conv.ID, "error", err)
		return fmt.Errorf("failed to insert conversation %s: %w", conv.ID, err)
	}
	if err := s.insertMessages(ctx, tx, conv.ID, conv.Messages); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit conversation %s: %w", conv.ID, err)
	}
	slog.Debug(s.d.name+".CreateConversation: stored", "id", conv.ID, "messages", len(conv.Messages))
	return nil
}

func (s *sqlStore) insertMessages(ctx context.Context, tx *sql.Tx, id string, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, s.d.bind(`INSERT INTO messages (conversation_id, `+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("failed to prepare message insert: %w", err)
	}
	defer stmt.Close()
	for _, m := range msgs {
		_, err := stmt.ExecContext(ctx, id, m.Ordinal, string(m.Speaker), m.Text, m.TextEN, m.IsHardcoded,
			m.FilteredText, m.FilteredReason, m.QuestionID, m.Rephrased, m.Intent, m.Latency, m.CreatedAt)
		if err != nil {
			slog.Error(s.d.name+".insertMessages: insert failed", "id", id, "ordinal", m.Ordinal, "error", err)
			return fmt.Errorf("failed to insert message %d of %s: %w", m.Ordinal, id, err)
		}
	}
	return nil
}

func (s *sqlStore) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	row := s.db.QueryRowContext(ctx, s.d.bind(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`), id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		slog.Error(s.d.name+".GetConversation: query failed", "id", id, "error", err)
		return models.Conversation{}, fmt.Errorf("failed to load conversation %s: %w", id, err)
	}
	conv.Messages, err = s.messages(ctx, id)
	if err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

func (s *sqlStore) UpdateConversation(ctx context.Context, id string, update models.ConversationUpdate, newMessages []models.Message) error {
	queue, err := json.Marshal(nonNilQueue(update.QuestionQueue))
	if err != nil {
		return fmt.Errorf("failed to encode question queue: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.d.bind(`UPDATE conversations SET current_block = ?, block_turn_count = ?,
		episode_done = ?, question_queue = ?, progress = ?, farewell = ?, updated_at = ? WHERE id = ?`),
		string(update.CurrentBlock), update.BlockTurnCount, update.EpisodeDone, string(queue), update.Progress,
		update.Farewell, time.Now().UTC(), id)
	if err != nil {
		slog.Error(s.d.name+".UpdateConversation: update failed", "id", id, "error", err)
		return fmt.Errorf("failed to update conversation %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var count int
	if err := tx.QueryRowContext(ctx, s.d.bind(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`), id).Scan(&count); err != nil {
		return fmt.Errorf("failed to count messages of %s: %w", id, err)
	}
	if err := checkOrdinals(count, newMessages); err != nil {
		return err
	}
	if err := s.insertMessages(ctx, tx, id, newMessages); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit turn of %s: %w", id, err)
	}
	slog.Debug(s.d.name+".UpdateConversation: turn persisted", "id", id, "block", update.CurrentBlock, "appended", len(newMessages))
	return nil
}

func (s *sqlStore) ListMessages(ctx context.Context, id string) ([]models.Message, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, s.d.bind(`SELECT COUNT(*) FROM conversations WHERE id = ?`), id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check conversation %s: %w", id, err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.messages(ctx, id)
}

func (s *sqlStore) messages(ctx context.Context, id string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, s.d.bind(`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY ordinal`), id)
	if err != nil {
		slog.Error(s.d.name+".messages: query failed", "id", id, "error", err)
		return nil, fmt.Errorf("failed to query messages of %s: %w", id, err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		var speaker string
		if err := rows.Scan(&m.Ordinal, &speaker, &m.Text, &m.TextEN, &m.IsHardcoded, &m.FilteredText,
			&m.FilteredReason, &m.QuestionID, &m.Rephrased, &m.Intent, &m.Latency, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		m.Speaker = models.Speaker(speaker)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return msgs, nil
}

func (s *sqlStore) FindActiveByRecipient(ctx context.Context, recipient string) (models.Conversation, error) {
	var id string
	err := s.db.QueryRowContext(ctx, s.d.bind(`SELECT id FROM conversations
		WHERE recipient = ? AND episode_done = ? ORDER BY created_at DESC LIMIT 1`), recipient, false).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, fmt.Errorf("%w: no active conversation for recipient", ErrNotFound)
	}
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to look up recipient conversation: %w", err)
	}
	return s.GetConversation(ctx, id)
}

func (s *sqlStore) RecordInbound(ctx context.Context, messageID, recipient string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.d.bind(`INSERT INTO inbound_dedup (message_id, recipient, received_at)
		VALUES (?, ?, ?) ON CONFLICT (message_id) DO NOTHING`), messageID, recipient, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (s *sqlStore) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, s.d.bind(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`), time.Now().UTC(), messageID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *sqlStore) ReleaseInbound(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, s.d.bind(`DELETE FROM inbound_dedup WHERE message_id = ? AND processed_at IS NULL`), messageID)
	if err != nil {
		return fmt.Errorf("release inbound failed: %w", err)
	}
	return nil
}

func (s *sqlStore) EnqueueDelivery(ctx context.Context, conversationID, recipient, body string) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.d.bind(`INSERT INTO deliveries (id, conversation_id, recipient, body, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`), id, conversationID, recipient, body, string(DeliveryQueued), now, now)
	if err != nil {
		slog.Error(s.d.name+".EnqueueDelivery: insert failed", "conversationID", conversationID, "error", err)
		return "", fmt.Errorf("failed to enqueue delivery: %w", err)
	}
	return id, nil
}

func (s *sqlStore) ClaimDueDeliveries(ctx context.Context, now time.Time, limit int) ([]Delivery, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, s.d.bind(`SELECT id FROM deliveries
		WHERE status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY created_at LIMIT ?`+s.d.lockSuffix), string(DeliveryQueued), now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due deliveries: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan delivery id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate due deliveries: %w", err)
	}

	claimed := make([]Delivery, 0, len(ids))
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, s.d.bind(`UPDATE deliveries SET status = ?, locked_at = ?, updated_at = ? WHERE id = ?`),
			string(DeliverySending), now, now, id); err != nil {
			return nil, fmt.Errorf("failed to claim delivery %s: %w", id, err)
		}
		d, err := scanDelivery(tx.QueryRowContext(ctx, s.d.bind(`SELECT id, conversation_id, recipient, body, status, attempts,
			next_attempt_at, locked_at, last_error, created_at, updated_at FROM deliveries WHERE id = ?`), id))
		if err != nil {
			return nil, fmt.Errorf("failed to load delivery %s: %w", id, err)
		}
		claimed = append(claimed, d)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return claimed, nil
}

func (s *sqlStore) MarkDeliverySent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.d.bind(`UPDATE deliveries SET status = ?, locked_at = NULL, updated_at = ? WHERE id = ?`),
		string(DeliverySent), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark delivery %s sent: %w", id, err)
	}
	return nil
}

func (s *sqlStore) FailDelivery(ctx context.Context, id, errMsg string, next time.Time) error {
	_, err := s.db.ExecContext(ctx, s.d.bind(`UPDATE deliveries SET
		attempts = attempts + 1,
		status = CASE WHEN attempts + 1 >= ? THEN ? ELSE ? END,
		next_attempt_at = ?, locked_at = NULL, last_error = ?, updated_at = ?
		WHERE id = ?`),
		MaxDeliveryAttempts, string(DeliveryFailed), string(DeliveryQueued), next, errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to record delivery failure %s: %w", id, err)
	}
	return nil
}

func (s *sqlStore) RequeueStaleDeliveries(ctx context.Context, staleBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.d.bind(`UPDATE deliveries SET status = ?, locked_at = NULL, updated_at = ?
		WHERE status = ? AND locked_at < ?`), string(DeliveryQueued), time.Now().UTC(), string(DeliverySending), staleBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale deliveries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *sqlStore) Close() error {
	slog.Debug(s.d.name + ".Close: closing database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error(s.d.name+".Close: failed to close database", "error", err)
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (models.Conversation, error) {
	var c models.Conversation
	var persona, block, queue string
	err := row.Scan(&c.ID, &c.Recipient, &c.Language, &persona, &block, &c.BlockTurnCount, &c.EpisodeDone,
		&queue, &c.PlannedQuestions, &c.Progress, &c.SmallTalkEnabled, &c.JobTitle, &c.HasExperience,
		&c.PreferCommunity, &c.Farewell, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return c, err
	}
	c.Persona = models.Persona(persona)
	c.CurrentBlock = models.Block(block)
	if queue != "" {
		if err := json.Unmarshal([]byte(queue), &c.QuestionQueue); err != nil {
			return c, fmt.Errorf("failed to decode question queue: %w", err)
		}
	}
	return c, nil
}

func scanDelivery(row rowScanner) (Delivery, error) {
	var d Delivery
	var status string
	var next, locked sql.NullTime
	var lastError sql.NullString
	err := row.Scan(&d.ID, &d.ConversationID, &d.Recipient, &d.Body, &status, &d.Attempts,
		&next, &locked, &lastError, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return d, err
	}
	d.Status = DeliveryStatus(status)
	d.LastError = lastError.String
	if next.Valid {
		d.NextAttemptAt = &next.Time
	}
	if locked.Valid {
		d.LockedAt = &locked.Time
	}
	return d, nil
}

func nonNilQueue(q []models.QueuedQuestion) []models.QueuedQuestion {
	if q == nil {
		return []models.QueuedQuestion{}
	}
	return q
}
