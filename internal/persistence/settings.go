package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ChannelSettings holds per-channel preferences. Every field is optional;
// empty means "use the daemon default".
type ChannelSettings struct {
	ChannelID        string `json:"channel_id"`
	RunMode          string `json:"run_mode,omitempty"`
	Verbosity        string `json:"verbosity,omitempty"`
	Model            string `json:"model,omitempty"`
	Agent            string `json:"agent,omitempty"`
	ProjectDirectory string `json:"project_directory,omitempty"`
}

// GetChannelSettings returns the settings row for a channel. A missing row
// returns zero-valued settings, not an error.
func (s *Store) GetChannelSettings(ctx context.Context, channelID string) (ChannelSettings, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT channel_id, run_mode, verbosity, model, agent, project_directory
		FROM channel_settings
		WHERE channel_id = ?;
	`, channelID)

	var cs ChannelSettings
	var runMode, verbosity, model, agent, projectDir sql.NullString
	err := row.Scan(&cs.ChannelID, &runMode, &verbosity, &model, &agent, &projectDir)
	if errors.Is(err, sql.ErrNoRows) {
		return ChannelSettings{ChannelID: channelID}, nil
	}
	if err != nil {
		return ChannelSettings{}, fmt.Errorf("get channel settings: %w", err)
	}
	if runMode.Valid {
		cs.RunMode = runMode.String
	}
	if verbosity.Valid {
		cs.Verbosity = verbosity.String
	}
	if model.Valid {
		cs.Model = model.String
	}
	if agent.Valid {
		cs.Agent = agent.String
	}
	if projectDir.Valid {
		cs.ProjectDirectory = projectDir.String
	}
	return cs, nil
}

// SetChannelSettings upserts the settings row for a channel. Empty fields
// are stored as NULL.
func (s *Store) SetChannelSettings(ctx context.Context, cs ChannelSettings) error {
	if cs.ChannelID == "" {
		return fmt.Errorf("set channel settings: channel_id is required")
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO channel_settings (channel_id, run_mode, verbosity, model, agent, project_directory, updated_at)
			VALUES (?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), CURRENT_TIMESTAMP)
			ON CONFLICT(channel_id) DO UPDATE SET
				run_mode = NULLIF(excluded.run_mode, ''),
				verbosity = NULLIF(excluded.verbosity, ''),
				model = NULLIF(excluded.model, ''),
				agent = NULLIF(excluded.agent, ''),
				project_directory = NULLIF(excluded.project_directory, ''),
				updated_at = CURRENT_TIMESTAMP;
		`, cs.ChannelID, cs.RunMode, cs.Verbosity, cs.Model, cs.Agent, cs.ProjectDirectory)
		return err
	})
	if err != nil {
		return fmt.Errorf("set channel settings: %w", err)
	}
	return nil
}
