package modstore

import (
	"context"
	"database/sql"
	"fmt"
	"unicode/utf8"
)

// maxStoredContent caps logged message content.
const maxStoredContent = 4000

// MessageStore logs scanned messages and their flag status.
type MessageStore struct {
	db *sql.DB
}

// NewMessageStore creates a message store on the given database handle.
func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

// truncateContent caps stored content at maxStoredContent bytes without
// splitting a rune; Postgres rejects invalid UTF-8 outright.
func truncateContent(content string) string {
	if len(content) <= maxStoredContent {
		return content
	}
	cut := maxStoredContent
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut]
}

// LogFlagged records a message that tripped the blocklist.
func (s *MessageStore) LogFlagged(ctx context.Context, messageID, memberID, channelID, content, reason, severity string) error {
	return s.log(ctx, messageID, memberID, channelID, content, true, reason, severity)
}

// Log records a clean message.
func (s *MessageStore) Log(ctx context.Context, messageID, memberID, channelID, content string) error {
	return s.log(ctx, messageID, memberID, channelID, content, false, "", "")
}

func (s *MessageStore) log(ctx context.Context, messageID, memberID, channelID, content string, flagged bool, reason, severity string) error {
	content = truncateContent(content)

	// Edits rescan through the same path, so a conflict updates the
	// stored content and flag status instead of being dropped.
	const query = `
		INSERT INTO messages (message_id, member_id, channel_id, content, flagged, flag_reason, flag_severity)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''))
		ON CONFLICT (message_id) DO UPDATE
		SET content       = EXCLUDED.content,
		    flagged       = EXCLUDED.flagged,
		    flag_reason   = EXCLUDED.flag_reason,
		    flag_severity = EXCLUDED.flag_severity`

	if _, err := s.db.ExecContext(ctx, query, messageID, memberID, channelID, content, flagged, reason, severity); err != nil {
		return fmt.Errorf("modstore: log message: %w", err)
	}
	return nil
}
