package state

import (
	"context"
	"database/sql"
	"fmt"

	"gmkit/internal/logging"
	"gmkit/internal/turn"
)

// Read executes a batch of read specs and returns the results keyed by read
// kind. Unrecognized kinds are reported under "unknown_reads" instead of
// failing the batch.
func (s *Store) Read(ctx context.Context, tc turn.TurnContext, specs []turn.StateReadSpec) (map[string]any, error) {
	timer := logging.StartTimer(logging.CategoryState, "state.Read")
	defer timer.StopWithThreshold(100e6)

	results := make(map[string]any)
	var unknown []string

	for _, spec := range specs {
		switch spec.Kind {
		case "campaign_snapshot":
			snap, err := s.campaignSnapshot(ctx, tc.CampaignID)
			if err != nil {
				return nil, err
			}
			results["campaign_snapshot"] = snap
		case "characters":
			chars, err := s.listEntities(ctx, tc.CampaignID, "characters", "attrs")
			if err != nil {
				return nil, err
			}
			results["characters"] = chars
		case "interaction_log":
			entries, err := s.recentInteractions(ctx, tc.CampaignID, spec.Params)
			if err != nil {
				return nil, err
			}
			results["interaction_log"] = entries
		case "delayed_events":
			events, err := s.listDelayedEvents(ctx, tc.CampaignID, spec.Params)
			if err != nil {
				return nil, err
			}
			results["delayed_events"] = events
		default:
			unknown = append(unknown, spec.Kind)
		}
	}

	if len(unknown) > 0 {
		logging.StateDebug("Ignoring unknown read kinds: %v", unknown)
		results["unknown_reads"] = unknown
	}
	return results, nil
}

// campaignSnapshot bundles the campaign row with its entities into a single
// view, the standard grounding context for a turn.
func (s *Store) campaignSnapshot(ctx context.Context, campaignID string) (map[string]any, error) {
	snap := map[string]any{"campaign_id": campaignID}

	var (
		name     string
		metadata sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT name, metadata FROM campaigns WHERE id = ?`, campaignID).
		Scan(&name, &metadata)
	if err == sql.ErrNoRows {
		snap["exists"] = false
		return snap, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read campaign: %w", err)
	}
	snap["exists"] = true
	snap["name"] = name
	if m := unmarshalJSON(metadata); m != nil {
		snap["metadata"] = m
	}

	chars, err := s.listEntities(ctx, campaignID, "characters", "attrs")
	if err != nil {
		return nil, err
	}
	snap["characters"] = chars

	npcs, err := s.listEntities(ctx, campaignID, "npcs", "attrs")
	if err != nil {
		return nil, err
	}
	snap["npcs"] = npcs

	locs, err := s.listLocations(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	snap["locations"] = locs

	quests, err := s.listQuests(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	snap["quests"] = quests

	factions, err := s.listEntities(ctx, campaignID, "factions", "info")
	if err != nil {
		return nil, err
	}
	snap["factions"] = factions

	return snap, nil
}

// listEntities reads named rows with a single JSON payload column.
func (s *Store) listEntities(ctx context.Context, campaignID, table, payloadCol string) ([]map[string]any, error) {
	query := fmt.Sprintf(
		`SELECT id, name, %s FROM %s WHERE campaign_id = ? ORDER BY name`, payloadCol, table)
	rows, err := s.db.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", table, err)
	}
	defer rows.Close()

	out := []map[string]any{}
	for rows.Next() {
		var (
			id, name string
			payload  sql.NullString
		)
		if err := rows.Scan(&id, &name, &payload); err != nil {
			return nil, err
		}
		row := map[string]any{"id": id, "name": name}
		if m := unmarshalJSON(payload); m != nil {
			row[payloadCol] = m
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) listLocations(ctx context.Context, campaignID string) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, metadata FROM locations WHERE campaign_id = ? ORDER BY name`,
		campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to read locations: %w", err)
	}
	defer rows.Close()

	out := []map[string]any{}
	for rows.Next() {
		var (
			id, name    string
			description sql.NullString
			metadata    sql.NullString
		)
		if err := rows.Scan(&id, &name, &description, &metadata); err != nil {
			return nil, err
		}
		row := map[string]any{"id": id, "name": name}
		if description.Valid {
			row["description"] = description.String
		}
		if m := unmarshalJSON(metadata); m != nil {
			row["metadata"] = m
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) listQuests(ctx context.Context, campaignID string) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, details, status FROM quests WHERE campaign_id = ? ORDER BY title`,
		campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to read quests: %w", err)
	}
	defer rows.Close()

	out := []map[string]any{}
	for rows.Next() {
		var (
			id, title, status string
			details           sql.NullString
		)
		if err := rows.Scan(&id, &title, &details, &status); err != nil {
			return nil, err
		}
		row := map[string]any{"id": id, "title": title, "status": status}
		if details.Valid {
			row["details"] = details.String
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// recentInteractions returns the last N log entries for the campaign,
// optionally filtered by session or player. Filters apply to fields inside
// the JSON entry, so a wider window is fetched before filtering.
func (s *Store) recentInteractions(ctx context.Context, campaignID string, params map[string]any) ([]map[string]any, error) {
	limit := intParam(params, "limit", 12)
	if limit <= 0 {
		limit = 12
	}
	sessionID := stringParam(params, "session_id")
	playerID := stringParam(params, "player_id")

	fetchLimit := limit * 5
	if fetchLimit < 200 {
		fetchLimit = 200
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT entry FROM interaction_log WHERE campaign_id = ? ORDER BY id DESC LIMIT ?`,
		campaignID, fetchLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to read interaction log: %w", err)
	}
	defer rows.Close()

	var entries []map[string]any
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		entry := unmarshalJSON(sql.NullString{String: raw, Valid: true})
		if entry == nil {
			continue
		}
		if sessionID != "" && asString(entry["session_id"]) != sessionID {
			continue
		}
		if playerID != "" && asString(entry["player_id"]) != playerID {
			continue
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Rows came back newest first, flip to chronological order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

func (s *Store) listDelayedEvents(ctx context.Context, campaignID string, params map[string]any) ([]map[string]any, error) {
	status := stringParam(params, "status")
	if status == "" {
		status = "pending"
	}
	limit := intParam(params, "limit", 20)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, due_at, status, attempts, last_error, payload
		 FROM delayed_events WHERE campaign_id = ? AND status = ?
		 ORDER BY due_at LIMIT ?`,
		campaignID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read delayed events: %w", err)
	}
	defer rows.Close()

	out := []map[string]any{}
	for rows.Next() {
		var (
			id, dueAt, st string
			attempts      int
			lastError     sql.NullString
			payload       string
		)
		if err := rows.Scan(&id, &dueAt, &st, &attempts, &lastError, &payload); err != nil {
			return nil, err
		}
		row := map[string]any{
			"id":       id,
			"due_at":   dueAt,
			"status":   st,
			"attempts": attempts,
		}
		if lastError.Valid {
			row["last_error"] = lastError.String
		}
		if m := unmarshalJSON(sql.NullString{String: payload, Valid: true}); m != nil {
			row["payload"] = m
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
