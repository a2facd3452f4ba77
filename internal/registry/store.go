package registry

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	agent_id TEXT PRIMARY KEY,
	agent_name TEXT NOT NULL,
	endpoint TEXT NOT NULL,
	description TEXT DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS channels (
	channel_id TEXT PRIMARY KEY,
	channel_name TEXT NOT NULL,
	channel_type TEXT NOT NULL,
	provider TEXT DEFAULT '',
	phone_number TEXT NOT NULL,
	business_name TEXT DEFAULT '',
	is_active BOOLEAN NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_channels_phone ON channels(phone_number);

CREATE TABLE IF NOT EXISTS mappings (
	mapping_id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	channel_id TEXT NOT NULL,
	is_primary BOOLEAN NOT NULL DEFAULT 0,
	is_active BOOLEAN NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE(agent_id, channel_id)
);
CREATE INDEX IF NOT EXISTS idx_mappings_channel ON mappings(channel_id);
CREATE INDEX IF NOT EXISTS idx_mappings_agent ON mappings(agent_id);
`

// Store is the persistent side of the registry, backed by SQLite.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the registry database at path. The handle
// is shared with the conversation store in serve, so transactions begin
// as writers (_txlock=immediate) and contend on busy_timeout rather than
// failing a deferred-to-write lock upgrade.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_txlock=immediate&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply registry schema: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an existing database handle. The schema is applied.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply registry schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle so the conversation store can share one file.
func (s *Store) DB() *sql.DB { return s.db }

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *Store) insertAgent(a Agent) error {
	_, err := s.db.Exec(
		`INSERT INTO agents (agent_id, agent_name, endpoint, description, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.AgentID, a.AgentName, a.Endpoint, a.Description, fmtTime(a.CreatedAt), fmtTime(a.UpdatedAt))
	return err
}

func (s *Store) updateAgent(a Agent) error {
	res, err := s.db.Exec(
		`UPDATE agents SET agent_name = ?, endpoint = ?, description = ?, updated_at = ? WHERE agent_id = ?`,
		a.AgentName, a.Endpoint, a.Description, fmtTime(a.UpdatedAt), a.AgentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) deleteAgent(agentID string) error {
	_, err := s.db.Exec(`DELETE FROM agents WHERE agent_id = ?`, agentID)
	return err
}

func (s *Store) listAgents() ([]Agent, error) {
	rows, err := s.db.Query(`SELECT agent_id, agent_name, endpoint, description, created_at, updated_at FROM agents`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		var a Agent
		var created, updated string
		if err := rows.Scan(&a.AgentID, &a.AgentName, &a.Endpoint, &a.Description, &created, &updated); err != nil {
			return nil, err
		}
		a.CreatedAt = parseTime(created)
		a.UpdatedAt = parseTime(updated)
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *Store) insertChannel(c Channel) error {
	_, err := s.db.Exec(
		`INSERT INTO channels (channel_id, channel_name, channel_type, provider, phone_number, business_name, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ChannelID, c.ChannelName, c.ChannelType, c.Provider, c.PhoneNumber, c.BusinessName, c.IsActive, fmtTime(c.CreatedAt), fmtTime(c.UpdatedAt))
	return err
}

func (s *Store) updateChannel(c Channel) error {
	res, err := s.db.Exec(
		`UPDATE channels SET channel_name = ?, channel_type = ?, provider = ?, phone_number = ?, business_name = ?, is_active = ?, updated_at = ?
		 WHERE channel_id = ?`,
		c.ChannelName, c.ChannelType, c.Provider, c.PhoneNumber, c.BusinessName, c.IsActive, fmtTime(c.UpdatedAt), c.ChannelID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) deleteChannel(channelID string) error {
	_, err := s.db.Exec(`DELETE FROM channels WHERE channel_id = ?`, channelID)
	return err
}

func (s *Store) listChannels() ([]Channel, error) {
	rows, err := s.db.Query(`SELECT channel_id, channel_name, channel_type, provider, phone_number, business_name, is_active, created_at, updated_at FROM channels`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		var c Channel
		var created, updated string
		if err := rows.Scan(&c.ChannelID, &c.ChannelName, &c.ChannelType, &c.Provider, &c.PhoneNumber, &c.BusinessName, &c.IsActive, &created, &updated); err != nil {
			return nil, err
		}
		c.CreatedAt = parseTime(created)
		c.UpdatedAt = parseTime(updated)
		channels = append(channels, c)
	}
	return channels, rows.Err()
}

func (s *Store) insertMapping(m Mapping) error {
	_, err := s.db.Exec(
		`INSERT INTO mappings (mapping_id, agent_id, channel_id, is_primary, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.MappingID, m.AgentID, m.ChannelID, m.IsPrimary, m.IsActive, fmtTime(m.CreatedAt), fmtTime(m.UpdatedAt))
	return err
}

func (s *Store) demotePrimaries(channelID, exceptMappingID string, now time.Time) error {
	_, err := s.db.Exec(
		`UPDATE mappings SET is_primary = 0, updated_at = ? WHERE channel_id = ? AND mapping_id != ? AND is_primary = 1`,
		fmtTime(now), channelID, exceptMappingID)
	return err
}

func (s *Store) deleteMapping(mappingID string) error {
	_, err := s.db.Exec(`DELETE FROM mappings WHERE mapping_id = ?`, mappingID)
	return err
}

func (s *Store) listMappings() ([]Mapping, error) {
	rows, err := s.db.Query(`SELECT mapping_id, agent_id, channel_id, is_primary, is_active, created_at, updated_at FROM mappings ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mappings []Mapping
	for rows.Next() {
		var m Mapping
		var created, updated string
		if err := rows.Scan(&m.MappingID, &m.AgentID, &m.ChannelID, &m.IsPrimary, &m.IsActive, &created, &updated); err != nil {
			return nil, err
		}
		m.CreatedAt = parseTime(created)
		m.UpdatedAt = parseTime(updated)
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}
