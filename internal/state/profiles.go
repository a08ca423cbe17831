package state

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"gmkit/internal/logging"
	"gmkit/internal/turn"
)

// Caps applied when syncing player profiles from configuration. Oversized
// values are truncated rather than rejected.
const (
	maxProfilesPerSync = 8
	maxPlayerIDLen     = 64
	maxDisplayNameLen  = 64
	maxVoiceProfileLen = 120
)

// PlayerProfile is a configured mapping from a voice/player identifier to a
// display name, synced into the players table at the start of a turn.
type PlayerProfile struct {
	PlayerID     string
	DisplayName  string
	VoiceProfile string
}

// EnsureCampaign creates the campaign row if it does not exist yet.
// It is safe to call on every turn.
func (s *Store) EnsureCampaign(ctx context.Context, tc turn.TurnContext, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tc.CampaignID == "" {
		return fmt.Errorf("campaign id is required")
	}
	if name == "" {
		name = tc.CampaignID
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO campaigns (id, name, metadata) VALUES (?, ?, '{}')
		 ON CONFLICT(id) DO NOTHING`,
		tc.CampaignID, name)
	if err != nil {
		return fmt.Errorf("failed to ensure campaign: %w", err)
	}
	return nil
}

// EnsurePlayerProfile upserts a single player row for the speaking player.
// Failures here must never block a turn, so callers treat errors as advisory.
func (s *Store) EnsurePlayerProfile(ctx context.Context, tc turn.TurnContext, displayName, voiceProfile string) error {
	if tc.PlayerID == "" {
		return nil
	}
	return s.UpsertPlayerProfiles(ctx, tc.CampaignID, []PlayerProfile{{
		PlayerID:     tc.PlayerID,
		DisplayName:  displayName,
		VoiceProfile: voiceProfile,
	}})
}

// UpsertPlayerProfiles syncs configured player profiles into the players
// table. At most maxProfilesPerSync profiles are applied per call.
func (s *Store) UpsertPlayerProfiles(ctx context.Context, campaignID string, profiles []PlayerProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(profiles) > maxProfilesPerSync {
		logging.StateDebug("Truncating profile sync from %d to %d entries", len(profiles), maxProfilesPerSync)
		profiles = profiles[:maxProfilesPerSync]
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, p := range profiles {
		pid := truncate(p.PlayerID, maxPlayerIDLen)
		if pid == "" {
			continue
		}
		display := truncate(p.DisplayName, maxDisplayNameLen)
		if display == "" {
			display = pid
		}
		voice := truncate(p.VoiceProfile, maxVoiceProfileLen)

		data := marshalJSON(map[string]any{"voice_profile": voice})
		_, err := tx.ExecContext(ctx,
			`INSERT INTO players (id, campaign_id, name, data) VALUES (?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   name = excluded.name,
			   data = excluded.data,
			   updated_at = CURRENT_TIMESTAMP`,
			pid, campaignID, display, data)
		if err != nil {
			return fmt.Errorf("failed to upsert player %s: %w", pid, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit profile sync: %w", err)
	}
	return nil
}

// ListPlayerProfiles returns the known players for a campaign.
func (s *Store) ListPlayerProfiles(ctx context.Context, campaignID string) ([]PlayerProfile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, data FROM players WHERE campaign_id = ? ORDER BY name`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to list players: %w", err)
	}
	defer rows.Close()

	var out []PlayerProfile
	for rows.Next() {
		var (
			p    PlayerProfile
			data sql.NullString
		)
		if err := rows.Scan(&p.PlayerID, &p.DisplayName, &data); err != nil {
			return nil, err
		}
		if m := unmarshalJSON(data); m != nil {
			if v, ok := m["voice_profile"].(string); ok {
				p.VoiceProfile = v
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LatestCampaignID returns the most recently updated campaign, or empty if
// no campaign exists yet.
func (s *Store) LatestCampaignID(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM campaigns ORDER BY updated_at DESC LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query latest campaign: %w", err)
	}
	return id, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func newID() string {
	return uuid.NewString()
}
