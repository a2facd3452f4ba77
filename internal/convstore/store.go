// Package convstore persists conversation transcripts in one storage
// partition per business phone number.
package convstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// PartitionPrefix namespaces all conversation partitions.
const PartitionPrefix = "conversations_"

var digitsOnly = regexp.MustCompile(`[^0-9]`)

// SanitizePhone strips everything but digits: +18327725964 -> 18327725964.
func SanitizePhone(phone string) string {
	return digitsOnly.ReplaceAllString(phone, "")
}

// PartitionName derives the partition (table) name for a business phone
// number. It is a pure function and the single source of truth for both
// read and write paths; anything else makes conversations unreachable.
func PartitionName(phone string) string {
	return PartitionPrefix + SanitizePhone(phone)
}

// PhoneForPartition is the inverse of PartitionName for listing purposes.
func PhoneForPartition(partition string) string {
	return "+" + strings.TrimPrefix(partition, PartitionPrefix)
}

// Message is a single conversation turn.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Name      string    `json:"name,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Conversation is the persisted transcript document.
type Conversation struct {
	ConversationID string         `json:"conversation_id"`
	PhoneNumber    string         `json:"phone_number"`
	Messages       []Message      `json:"messages"`
	Variables      map[string]any `json:"variables,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Store manages per-phone conversation partitions in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the conversation database at path. Transactions
// begin as writers (_txlock=immediate) so concurrent appends queue on the
// write lock instead of failing a deferred-to-write upgrade with
// SQLITE_BUSY, which busy_timeout does not retry.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_txlock=immediate&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open conversation db: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// NewWithDB wraps an existing handle so the registry and conversations
// can share one database file.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// ensurePartition creates the partition table on first use. Idempotent.
func (s *Store) ensurePartition(phone string) (string, error) {
	part := PartitionName(phone)
	if part == PartitionPrefix {
		return "", fmt.Errorf("phone number %q has no digits", phone)
	}
	_, err := s.db.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
		conversation_id TEXT PRIMARY KEY,
		phone_number TEXT NOT NULL,
		messages TEXT NOT NULL DEFAULT '[]',
		variables TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`, part))
	if err != nil {
		return "", fmt.Errorf("create partition %s: %w", part, err)
	}
	return part, nil
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Save upserts a conversation document in the partition for phone.
// The created_at of an existing document is preserved.
func (s *Store) Save(phone, conversationID string, conv Conversation) error {
	part, err := s.ensurePartition(phone)
	if err != nil {
		return err
	}
	now := s.now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now
	conv.ConversationID = conversationID
	conv.PhoneNumber = phone

	messages, err := json.Marshal(conv.Messages)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	variables, err := json.Marshal(conv.Variables)
	if err != nil {
		return fmt.Errorf("encode variables: %w", err)
	}

	_, err = s.db.Exec(fmt.Sprintf(`INSERT INTO %q (conversation_id, phone_number, messages, variables, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			messages = excluded.messages,
			variables = excluded.variables,
			updated_at = excluded.updated_at`, part),
		conversationID, phone, string(messages), string(variables), fmtTime(conv.CreatedAt), fmtTime(conv.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save conversation %s: %w", conversationID, err)
	}
	slog.Debug("convstore: saved conversation", "conversation_id", conversationID, "partition", part)
	return nil
}

// Get returns the conversation, or nil when it does not exist. A missing
// document is not an error.
func (s *Store) Get(phone, conversationID string) (*Conversation, error) {
	part, err := s.ensurePartition(phone)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRow(fmt.Sprintf(
		`SELECT conversation_id, phone_number, messages, variables, created_at, updated_at FROM %q WHERE conversation_id = ?`, part),
		conversationID)
	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", conversationID, err)
	}
	return conv, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var messages, variables, created, updated string
	if err := row.Scan(&conv.ConversationID, &conv.PhoneNumber, &messages, &variables, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(messages), &conv.Messages); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	if err := json.Unmarshal([]byte(variables), &conv.Variables); err != nil {
		return nil, fmt.Errorf("decode variables: %w", err)
	}
	conv.CreatedAt = parseTime(created)
	conv.UpdatedAt = parseTime(updated)
	return &conv, nil
}

// AppendMessages appends messages to a conversation inside one write
// transaction, creating the conversation when absent. The transaction
// takes the write lock up front, so concurrent appends to the same
// conversation serialize instead of racing whole-document upserts or
// aborting on lock upgrade.
func (s *Store) AppendMessages(phone, conversationID string, msgs []Message) error {
	part, err := s.ensurePartition(phone)
	if err != nil {
		return err
	}
	now := s.now()
	for i := range msgs {
		if msgs[i].Timestamp.IsZero() {
			msgs[i].Timestamp = now
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("append messages: %w", err)
	}
	defer tx.Rollback()

	var existing string
	var created string
	err = tx.QueryRow(fmt.Sprintf(`SELECT messages, created_at FROM %q WHERE conversation_id = ?`, part), conversationID).
		Scan(&existing, &created)
	var history []Message
	switch err {
	case nil:
		if uerr := json.Unmarshal([]byte(existing), &history); uerr != nil {
			return fmt.Errorf("decode messages for %s: %w", conversationID, uerr)
		}
	case sql.ErrNoRows:
		created = fmtTime(now)
	default:
		return fmt.Errorf("read conversation %s: %w", conversationID, err)
	}

	history = append(history, msgs...)
	encoded, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}

	_, err = tx.Exec(fmt.Sprintf(`INSERT INTO %q (conversation_id, phone_number, messages, variables, created_at, updated_at)
		VALUES (?, ?, ?, '{}', ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			messages = excluded.messages,
			updated_at = excluded.updated_at`, part),
		conversationID, phone, string(encoded), created, fmtTime(now))
	if err != nil {
		return fmt.Errorf("append messages to %s: %w", conversationID, err)
	}
	return tx.Commit()
}

// List returns conversations for a phone, most recently updated first.
func (s *Store) List(phone string, limit int) ([]Conversation, error) {
	part, err := s.ensurePartition(phone)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT conversation_id, phone_number, messages, variables, created_at, updated_at FROM %q ORDER BY updated_at DESC LIMIT ?`, part),
		limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations for %s: %w", phone, err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *conv)
	}
	return out, rows.Err()
}

// Delete removes a conversation. Returns false when it did not exist.
func (s *Store) Delete(phone, conversationID string) (bool, error) {
	part, err := s.ensurePartition(phone)
	if err != nil {
		return false, err
	}
	res, err := s.db.Exec(fmt.Sprintf(`DELETE FROM %q WHERE conversation_id = ?`, part), conversationID)
	if err != nil {
		return false, fmt.Errorf("delete conversation %s: %w", conversationID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RecentConversation is a stats entry for recent activity.
type RecentConversation struct {
	ConversationID string    `json:"conversation_id"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// PhoneStats summarizes one partition.
type PhoneStats struct {
	PhoneNumber        string               `json:"phone_number"`
	Partition          string               `json:"partition"`
	TotalConversations int                  `json:"total_conversations"`
	Recent             []RecentConversation `json:"recent_conversations"`
	LastActivity       *time.Time           `json:"last_activity,omitempty"`
}

// StatsForPhone returns the conversation count and the five most recent
// conversations in a partition.
func (s *Store) StatsForPhone(phone string) (PhoneStats, error) {
	stats := PhoneStats{PhoneNumber: phone, Partition: PartitionName(phone), Recent: []RecentConversation{}}
	part, err := s.ensurePartition(phone)
	if err != nil {
		return stats, err
	}

	if err := s.db.QueryRow(fmt.Sprintf(`SELECT COUNT(1) FROM %q`, part)).Scan(&stats.TotalConversations); err != nil {
		return stats, fmt.Errorf("count conversations for %s: %w", phone, err)
	}

	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT conversation_id, updated_at FROM %q ORDER BY updated_at DESC LIMIT 5`, part))
	if err != nil {
		return stats, fmt.Errorf("recent conversations for %s: %w", phone, err)
	}
	defer rows.Close()
	for rows.Next() {
		var rc RecentConversation
		var updated string
		if err := rows.Scan(&rc.ConversationID, &updated); err != nil {
			return stats, err
		}
		rc.UpdatedAt = parseTime(updated)
		stats.Recent = append(stats.Recent, rc)
	}
	if len(stats.Recent) > 0 {
		stats.LastActivity = &stats.Recent[0].UpdatedAt
	}
	return stats, rows.Err()
}
