package convstore

import (
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

var partitionPattern = regexp.MustCompile(`^` + PartitionPrefix + `[0-9]+$`)

// ListPartitions returns the names of all conversation partitions.
func (s *Store) ListPartitions() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE ?`,
		PartitionPrefix+"%")
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	defer rows.Close()

	var parts []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if partitionPattern.MatchString(name) {
			parts = append(parts, name)
		}
	}
	return parts, rows.Err()
}

// SystemOverview aggregates stats across every partition.
type SystemOverview struct {
	TotalPartitions    int          `json:"total_partitions"`
	TotalConversations int          `json:"total_conversations"`
	Partitions         []PhoneStats `json:"partitions"`
}

// Overview returns per-partition stats for the whole store.
func (s *Store) Overview() (SystemOverview, error) {
	overview := SystemOverview{Partitions: []PhoneStats{}}
	parts, err := s.ListPartitions()
	if err != nil {
		return overview, err
	}
	for _, part := range parts {
		stats, err := s.StatsForPhone(PhoneForPartition(part))
		if err != nil {
			slog.Warn("convstore: partition stats failed", "partition", part, "error", err)
			continue
		}
		overview.Partitions = append(overview.Partitions, stats)
		overview.TotalConversations += stats.TotalConversations
	}
	overview.TotalPartitions = len(overview.Partitions)
	return overview, nil
}

// MigrationResult reports the outcome of a legacy migration run.
type MigrationResult struct {
	DryRun   bool     `json:"dry_run"`
	Migrated int      `json:"migrated"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors"`
}

// MigrateFromLegacy copies conversations out of a legacy single-table
// layout into per-phone partitions. Copy-then-verify: the source table
// is never modified, so a failed run can simply be repeated. With dryRun
// set, nothing is written at all.
func (s *Store) MigrateFromLegacy(legacyTable string, dryRun bool) (MigrationResult, error) {
	result := MigrationResult{DryRun: dryRun, Errors: []string{}}
	if !regexp.MustCompile(`^[A-Za-z0-9_]+$`).MatchString(legacyTable) {
		return result, fmt.Errorf("invalid legacy table name %q", legacyTable)
	}

	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT conversation_id, COALESCE(phone_number, ''), messages, COALESCE(variables, '{}'), created_at, updated_at FROM %q`, legacyTable))
	if err != nil {
		return result, fmt.Errorf("read legacy table %s: %w", legacyTable, err)
	}

	type legacyRow struct {
		id, phone, messages, variables, created, updated string
	}
	var all []legacyRow
	for rows.Next() {
		var lr legacyRow
		if err := rows.Scan(&lr.id, &lr.phone, &lr.messages, &lr.variables, &lr.created, &lr.updated); err != nil {
			rows.Close()
			return result, err
		}
		all = append(all, lr)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return result, err
	}

	for _, lr := range all {
		phone := lr.phone
		if phone == "" {
			phone = phoneFromConversationID(lr.id)
		}
		if phone == "" {
			slog.Warn("convstore: cannot determine phone for legacy conversation", "conversation_id", lr.id)
			result.Skipped++
			continue
		}
		if dryRun {
			result.Migrated++
			continue
		}

		part, err := s.ensurePartition(phone)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", lr.id, err))
			continue
		}
		_, err = s.db.Exec(fmt.Sprintf(`INSERT INTO %q (conversation_id, phone_number, messages, variables, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(conversation_id) DO UPDATE SET
				messages = excluded.messages,
				variables = excluded.variables,
				updated_at = excluded.updated_at`, part),
			lr.id, phone, lr.messages, lr.variables, lr.created, lr.updated)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", lr.id, err))
			continue
		}

		// Verify the copy before counting it as migrated.
		var check string
		err = s.db.QueryRow(fmt.Sprintf(`SELECT messages FROM %q WHERE conversation_id = ?`, part), lr.id).Scan(&check)
		if err != nil || check != lr.messages {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: verify failed", lr.id))
			continue
		}
		result.Migrated++
	}

	slog.Info("convstore: legacy migration finished",
		"dry_run", dryRun, "migrated", result.Migrated, "skipped", result.Skipped, "errors", len(result.Errors))
	return result, nil
}

// phoneFromConversationID recovers a phone number from the historical
// <channel>_<digits>[_<timestamp>] id layout.
func phoneFromConversationID(id string) string {
	for _, part := range strings.Split(id, "_") {
		if len(part) >= 10 && regexp.MustCompile(`^[0-9]+$`).MatchString(part) {
			return "+" + part
		}
	}
	return ""
}

// CleanupEmpty drops partitions holding zero conversations. With dryRun
// set, it only reports what would be dropped.
func (s *Store) CleanupEmpty(dryRun bool) ([]string, error) {
	parts, err := s.ListPartitions()
	if err != nil {
		return nil, err
	}
	var dropped []string
	for _, part := range parts {
		var count int
		if err := s.db.QueryRow(fmt.Sprintf(`SELECT COUNT(1) FROM %q`, part)).Scan(&count); err != nil {
			if err == sql.ErrNoRows {
				continue
			}
			return dropped, fmt.Errorf("count %s: %w", part, err)
		}
		if count != 0 {
			continue
		}
		if !dryRun {
			if _, err := s.db.Exec(fmt.Sprintf(`DROP TABLE %q`, part)); err != nil {
				return dropped, fmt.Errorf("drop %s: %w", part, err)
			}
		}
		dropped = append(dropped, part)
	}
	return dropped, nil
}
