package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nucleus/app-core/internal/core"
)

// =============================================================================
// POSTGRES STORES
// One pool, three tables. Schema is created lazily via EnsureSchema so a
// fresh database needs no external migration step.
// =============================================================================

const schemaDDL = `
CREATE TABLE IF NOT EXISTS connection_instances (
  id            text PRIMARY KEY,
  app_id        text NOT NULL,
  connection_id text NOT NULL,
  data          jsonb NOT NULL DEFAULT '{}',
  parameters    jsonb NOT NULL DEFAULT '{}',
  created_at    timestamptz NOT NULL DEFAULT now(),
  updated_at    timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS connection_instances_app_idx ON connection_instances (app_id);

CREATE TABLE IF NOT EXISTS trigger_states (
  scenario_id text NOT NULL,
  module_id   text NOT NULL,
  state       jsonb NOT NULL,
  updated_at  timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (scenario_id, module_id)
);

CREATE TABLE IF NOT EXISTS webhook_refs (
  hook_id      text PRIMARY KEY,
  external_id  text,
  callback_url text NOT NULL,
  data         jsonb NOT NULL DEFAULT '{}',
  created_at   timestamptz NOT NULL DEFAULT now()
);
`

// EnsureSchema creates the runtime tables if they do not exist yet.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	if _, err := db.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("ensure store schema: %w", err)
	}
	return nil
}

// PostgresConnections is a pgx-backed ConnectionStore.
type PostgresConnections struct {
	db *pgxpool.Pool
}

func NewPostgresConnections(db *pgxpool.Pool) *PostgresConnections {
	return &PostgresConnections{db: db}
}

var _ ConnectionStore = (*PostgresConnections)(nil)

func (s *PostgresConnections) Put(ctx context.Context, inst *core.ConnectionInstance) error {
	data, err := json.Marshal(inst.Data)
	if err != nil {
		return fmt.Errorf("marshal connection data: %w", err)
	}
	params, err := json.Marshal(inst.Parameters)
	if err != nil {
		return fmt.Errorf("marshal connection parameters: %w", err)
	}
	_, err = s.db.Exec(ctx, `INSERT INTO connection_instances (id, app_id, connection_id, data, parameters, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (id) DO UPDATE SET
  data = EXCLUDED.data,
  parameters = EXCLUDED.parameters,
  updated_at = EXCLUDED.updated_at;`,
		inst.ID, inst.AppID, inst.ConnectionID, data, params, inst.CreatedAt, inst.UpdatedAt)
	return err
}

func (s *PostgresConnections) Get(ctx context.Context, id string) (*core.ConnectionInstance, error) {
	inst := &core.ConnectionInstance{ID: id}
	var data, params []byte
	row := s.db.QueryRow(ctx, `SELECT app_id, connection_id, data, parameters, created_at, updated_at
FROM connection_instances WHERE id = $1;`, id)
	err := row.Scan(&inst.AppID, &inst.ConnectionID, &data, &params, &inst.CreatedAt, &inst.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &inst.Data); err != nil {
		return nil, fmt.Errorf("unmarshal connection data: %w", err)
	}
	if err := json.Unmarshal(params, &inst.Parameters); err != nil {
		return nil, fmt.Errorf("unmarshal connection parameters: %w", err)
	}
	return inst, nil
}

func (s *PostgresConnections) Delete(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM connection_instances WHERE id = $1;`, id)
	return err
}

// PostgresTriggerStates is a pgx-backed TriggerStateStore. The whole cursor
// is one jsonb value; it is small and always read and written atomically.
type PostgresTriggerStates struct {
	db *pgxpool.Pool
}

func NewPostgresTriggerStates(db *pgxpool.Pool) *PostgresTriggerStates {
	return &PostgresTriggerStates{db: db}
}

var _ TriggerStateStore = (*PostgresTriggerStates)(nil)

func (s *PostgresTriggerStates) Get(ctx context.Context, scenarioID, moduleID string) (*core.TriggerState, error) {
	var raw []byte
	row := s.db.QueryRow(ctx, `SELECT state FROM trigger_states WHERE scenario_id = $1 AND module_id = $2;`,
		scenarioID, moduleID)
	err := row.Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	state := &core.TriggerState{}
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, fmt.Errorf("unmarshal trigger state: %w", err)
	}
	return state, nil
}

func (s *PostgresTriggerStates) Put(ctx context.Context, scenarioID, moduleID string, state *core.TriggerState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal trigger state: %w", err)
	}
	_, err = s.db.Exec(ctx, `INSERT INTO trigger_states (scenario_id, module_id, state, updated_at)
VALUES ($1,$2,$3,now())
ON CONFLICT (scenario_id, module_id) DO UPDATE SET
  state = EXCLUDED.state,
  updated_at = now();`,
		scenarioID, moduleID, raw)
	return err
}

// PostgresWebhooks is a pgx-backed WebhookStore.
type PostgresWebhooks struct {
	db *pgxpool.Pool
}

func NewPostgresWebhooks(db *pgxpool.Pool) *PostgresWebhooks {
	return &PostgresWebhooks{db: db}
}

var _ WebhookStore = (*PostgresWebhooks)(nil)

func (s *PostgresWebhooks) Put(ctx context.Context, ref *core.WebhookRef) error {
	data, err := json.Marshal(ref.Data)
	if err != nil {
		return fmt.Errorf("marshal webhook data: %w", err)
	}
	_, err = s.db.Exec(ctx, `INSERT INTO webhook_refs (hook_id, external_id, callback_url, data)
VALUES ($1,$2,$3,$4)
ON CONFLICT (hook_id) DO UPDATE SET
  external_id = EXCLUDED.external_id,
  callback_url = EXCLUDED.callback_url,
  data = EXCLUDED.data;`,
		ref.HookID, ref.ExternalID, ref.CallbackURL, data)
	return err
}

func (s *PostgresWebhooks) Get(ctx context.Context, hookID string) (*core.WebhookRef, error) {
	ref := &core.WebhookRef{HookID: hookID}
	var data []byte
	row := s.db.QueryRow(ctx, `SELECT external_id, callback_url, data FROM webhook_refs WHERE hook_id = $1;`, hookID)
	err := row.Scan(&ref.ExternalID, &ref.CallbackURL, &data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &ref.Data); err != nil {
		return nil, fmt.Errorf("unmarshal webhook data: %w", err)
	}
	return ref, nil
}

func (s *PostgresWebhooks) Delete(ctx context.Context, hookID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM webhook_refs WHERE hook_id = $1;`, hookID)
	return err
}
