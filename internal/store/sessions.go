package store

import (
	"fmt"
	"time"

	"github.com/RebaiFedi/fedi-cli/internal/identity"
)

type AgentSession struct {
	RunID    string            `json:"run_id"`
	Agent    identity.Identity `json:"agent"`
	NativeID string            `json:"native_id"`
	SavedAt  time.Time         `json:"saved_at"`
}

func (s *Store) SaveAgentSession(runID string, agent identity.Identity, nativeID string) error {
	_, err := s.db.Exec(`
		INSERT INTO agent_sessions (run_id, agent, native_id, saved_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (run_id, agent) DO UPDATE SET
			native_id = excluded.native_id,
			saved_at  = CURRENT_TIMESTAMP`,
		runID, string(agent), nativeID)
	if err != nil {
		return fmt.Errorf("save agent session: %w", err)
	}
	return nil
}

func (s *Store) GetAgentSessions(runID string) (map[identity.Identity]string, error) {
	rows, err := s.db.Query(`
		SELECT agent, native_id FROM agent_sessions WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("get agent sessions: %w", err)
	}
	defer rows.Close()

	out := make(map[identity.Identity]string)
	for rows.Next() {
		var agent, nativeID string
		if err := rows.Scan(&agent, &nativeID); err != nil {
			return nil, fmt.Errorf("scan agent session: %w", err)
		}
		out[identity.Identity(agent)] = nativeID
	}
	return out, rows.Err()
}
