package store

import (
	"fmt"
	"time"

	"github.com/RebaiFedi/fedi-cli/internal/bus"
)

type StoredMessage struct {
	ID            int64     `json:"id"`
	RunID         string    `json:"run_id"`
	Sender        string    `json:"sender"`
	Target        string    `json:"target"`
	Content       string    `json:"content"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	RelayCount    int       `json:"relay_count"`
	CreatedAt     time.Time `json:"created_at"`
}

func (s *Store) SaveMessage(runID string, m bus.Message) error {
	_, err := s.db.Exec(`
		INSERT INTO messages (run_id, sender, target, content, correlation_id, relay_count)
		VALUES (?, ?, ?, ?, ?, ?)`,
		runID, m.From, m.To, m.Content, m.CorrelationID, m.RelayCount)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

func (s *Store) GetMessages(runID string, limit int) ([]StoredMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, run_id, sender, target, content, correlation_id, relay_count, created_at
		FROM messages
		WHERE run_id = ?
		ORDER BY id DESC
		LIMIT ?`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var messages []StoredMessage
	for rows.Next() {
		var m StoredMessage
		var cid *string
		if err := rows.Scan(&m.ID, &m.RunID, &m.Sender, &m.Target, &m.Content, &cid, &m.RelayCount, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if cid != nil {
			m.CorrelationID = *cid
		}
		messages = append(messages, m)
	}

	// Reverse to get chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, rows.Err()
}

// CountByCorrelation returns how many stored messages share one correlation
// chain, i.e. the chain's relay depth so far.
func (s *Store) CountByCorrelation(correlationID string) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM messages WHERE correlation_id = ?`, correlationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count by correlation: %w", err)
	}
	return n, nil
}
