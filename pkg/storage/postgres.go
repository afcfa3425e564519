package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/types"
)

// PostgresStore implements Store on an external Postgres, selected by
// DATABASE_URL. Status transitions take a row lock (SELECT ... FOR
// UPDATE) so concurrent scheduler/dispatch/reaper writers serialize per
// session. Nested value objects are stored as jsonb.
type PostgresStore struct {
	db *sqlx.DB
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS templates (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	image           TEXT NOT NULL,
	runtime         TEXT NOT NULL,
	default_limits  JSONB NOT NULL,
	default_timeout INT NOT NULL,
	default_env     JSONB,
	allow_network   BOOLEAN NOT NULL DEFAULT FALSE,
	active          BOOLEAN NOT NULL DEFAULT TRUE,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	template_id      TEXT NOT NULL REFERENCES templates(id),
	mode             TEXT NOT NULL,
	status           TEXT NOT NULL,
	limits           JSONB NOT NULL,
	workspace_path   TEXT NOT NULL DEFAULT '',
	runtime          TEXT NOT NULL,
	node_id          TEXT NOT NULL DEFAULT '',
	container_id     TEXT NOT NULL DEFAULT '',
	pod_name         TEXT NOT NULL DEFAULT '',
	env              JSONB,
	timeout_seconds  INT NOT NULL,
	internal_token   TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	completed_at     TIMESTAMPTZ,
	last_activity_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_container ON sessions(container_id);

CREATE TABLE IF NOT EXISTS executions (
	id              TEXT PRIMARY KEY,
	session_id      TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	status          TEXT NOT NULL,
	code            TEXT NOT NULL DEFAULT '',
	language        TEXT NOT NULL,
	timeout_seconds INT NOT NULL,
	exit_code       INT,
	error_message   TEXT NOT NULL DEFAULT '',
	stdout          TEXT NOT NULL DEFAULT '',
	stderr          TEXT NOT NULL DEFAULT '',
	artifacts       JSONB,
	metrics         JSONB,
	return_value    JSONB,
	retry_count     INT NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL,
	started_at      TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ,
	last_heartbeat  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_executions_session ON executions(session_id);
CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
`

// NewPostgresStore connects and applies the schema.
func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindBackendUnavailable, "failed to connect to database", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if _, err := db.Exec(pgSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

// Template operations

func (s *PostgresStore) CreateTemplate(tpl *types.Template) error {
	limits, env, err := marshalPair(tpl.DefaultLimits, tpl.DefaultEnv)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO templates (id, name, image, runtime, default_limits, default_timeout,
			default_env, allow_network, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET
			name=$2, image=$3, runtime=$4, default_limits=$5, default_timeout=$6,
			default_env=$7, allow_network=$8, active=$9, updated_at=$11`,
		tpl.ID, tpl.Name, tpl.Image, tpl.Runtime, limits, tpl.DefaultTimeout,
		env, tpl.AllowNetwork, tpl.Active, tpl.CreatedAt, tpl.UpdatedAt)
	return err
}

func (s *PostgresStore) GetTemplate(id string) (*types.Template, error) {
	row := s.db.QueryRow(`
		SELECT id, name, image, runtime, default_limits, default_timeout,
			default_env, allow_network, active, created_at, updated_at
		FROM templates WHERE id = $1`, id)
	return scanTemplate(row)
}

func (s *PostgresStore) ListTemplates() ([]*types.Template, error) {
	rows, err := s.db.Query(`
		SELECT id, name, image, runtime, default_limits, default_timeout,
			default_env, allow_network, active, created_at, updated_at
		FROM templates ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []*types.Template
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, tpl)
	}
	return templates, rows.Err()
}

func (s *PostgresStore) UpdateTemplate(tpl *types.Template) error {
	tpl.UpdatedAt = time.Now().UTC()
	return s.CreateTemplate(tpl)
}

func (s *PostgresStore) DeleteTemplate(id string) error {
	var live int
	err := s.db.Get(&live, `
		SELECT COUNT(*) FROM sessions
		WHERE template_id = $1 AND status NOT IN ('COMPLETED','TERMINATED','FAILED','TIMEOUT')`, id)
	if err != nil {
		return err
	}
	if live > 0 {
		return errdefs.New(errdefs.KindConflict,
			fmt.Sprintf("template %s is referenced by %d live session(s)", id, live)).
			WithSolution("terminate the sessions first or deactivate the template instead")
	}
	_, err = s.db.Exec(`DELETE FROM templates WHERE id = $1`, id)
	return err
}

// Session operations

func (s *PostgresStore) CreateSession(sess *types.Session) error {
	limits, env, err := marshalPair(sess.Limits, sess.Env)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO sessions (id, template_id, mode, status, limits, workspace_path,
			runtime, node_id, container_id, pod_name, env, timeout_seconds,
			internal_token, created_at, updated_at, completed_at, last_activity_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		sess.ID, sess.TemplateID, sess.Mode, sess.Status, limits, sess.WorkspacePath,
		sess.Runtime, sess.NodeID, sess.ContainerID, sess.PodName, env, sess.TimeoutSeconds,
		sess.InternalToken, sess.CreatedAt, sess.UpdatedAt, sess.CompletedAt, sess.LastActivityAt)
	return err
}

const sessionColumns = `id, template_id, mode, status, limits, workspace_path,
	runtime, node_id, container_id, pod_name, env, timeout_seconds,
	internal_token, created_at, updated_at, completed_at, last_activity_at`

func (s *PostgresStore) GetSession(id string) (*types.Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (s *PostgresStore) ListSessions(filter SessionFilter) ([]*types.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	args := []interface{}{}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.TemplateID != "" {
		args = append(args, filter.TemplateID)
		query += fmt.Sprintf(" AND template_id = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *PostgresStore) UpdateSession(sess *types.Session) error {
	limits, env, err := marshalPair(sess.Limits, sess.Env)
	if err != nil {
		return err
	}
	sess.UpdatedAt = time.Now().UTC()
	_, err = s.db.Exec(`
		UPDATE sessions SET template_id=$2, mode=$3, status=$4, limits=$5,
			workspace_path=$6, runtime=$7, node_id=$8, container_id=$9, pod_name=$10,
			env=$11, timeout_seconds=$12, internal_token=$13, updated_at=$14,
			completed_at=$15, last_activity_at=$16
		WHERE id=$1`,
		sess.ID, sess.TemplateID, sess.Mode, sess.Status, limits, sess.WorkspacePath,
		sess.Runtime, sess.NodeID, sess.ContainerID, sess.PodName, env, sess.TimeoutSeconds,
		sess.InternalToken, sess.UpdatedAt, sess.CompletedAt, sess.LastActivityAt)
	return err
}

func (s *PostgresStore) DeleteSession(id string) error {
	// executions cascade via FK
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) TransitionSession(id string, to types.SessionStatus, mutate func(*types.Session)) (*types.Session, error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, id)
	sess, err := scanSession(row)
	if err != nil {
		return nil, err
	}
	if !types.CanTransition(sess.Status, to) {
		return nil, errdefs.New(errdefs.KindConflict,
			fmt.Sprintf("invalid session transition %s -> %s", sess.Status, to)).
			WithDetail(fmt.Sprintf("session %s is %s", id, sess.Status))
	}
	now := time.Now().UTC()
	sess.Status = to
	sess.UpdatedAt = now
	if types.IsTerminalSession(to) && sess.CompletedAt == nil {
		sess.CompletedAt = &now
	}
	if mutate != nil {
		mutate(sess)
	}
	limits, env, err := marshalPair(sess.Limits, sess.Env)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(`
		UPDATE sessions SET status=$2, limits=$3, workspace_path=$4, node_id=$5,
			container_id=$6, pod_name=$7, env=$8, internal_token=$9, updated_at=$10,
			completed_at=$11, last_activity_at=$12
		WHERE id=$1`,
		sess.ID, sess.Status, limits, sess.WorkspacePath, sess.NodeID,
		sess.ContainerID, sess.PodName, env, sess.InternalToken, sess.UpdatedAt,
		sess.CompletedAt, sess.LastActivityAt)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *PostgresStore) TouchSessionActivity(id string, at time.Time) error {
	res, err := s.db.Exec(`
		UPDATE sessions SET last_activity_at = $2, updated_at = NOW()
		WHERE id = $1 AND last_activity_at < $2`, id, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either stale (monotonicity) or missing; distinguish for callers.
		var exists bool
		if err := s.db.Get(&exists, `SELECT EXISTS(SELECT 1 FROM sessions WHERE id=$1)`, id); err != nil {
			return err
		}
		if !exists {
			return errdefs.New(errdefs.KindNotFound, fmt.Sprintf("session not found: %s", id))
		}
	}
	return nil
}

// Execution operations

func (s *PostgresStore) CreateExecution(exec *types.Execution) error {
	artifacts, metrics, err := marshalPair(exec.Artifacts, exec.Metrics)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO executions (id, session_id, status, code, language, timeout_seconds,
			exit_code, error_message, stdout, stderr, artifacts, metrics, return_value,
			retry_count, created_at, started_at, completed_at, last_heartbeat)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		exec.ID, exec.SessionID, exec.Status, exec.Code, exec.Language, exec.TimeoutSeconds,
		exec.ExitCode, exec.ErrorMessage, exec.Stdout, exec.Stderr, artifacts, metrics,
		nullableJSON(exec.ReturnValue), exec.RetryCount, exec.CreatedAt, exec.StartedAt,
		exec.CompletedAt, exec.LastHeartbeat)
	return err
}

const executionColumns = `id, session_id, status, code, language, timeout_seconds,
	exit_code, error_message, stdout, stderr, artifacts, metrics, return_value,
	retry_count, created_at, started_at, completed_at, last_heartbeat`

func (s *PostgresStore) GetExecution(id string) (*types.Execution, error) {
	row := s.db.QueryRow(`SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)
	return scanExecution(row)
}

func (s *PostgresStore) ListExecutionsBySession(sessionID string) ([]*types.Execution, error) {
	return s.queryExecutions(`SELECT `+executionColumns+` FROM executions WHERE session_id = $1 ORDER BY created_at`, sessionID)
}

func (s *PostgresStore) ListExecutionsByStatus(status types.ExecutionStatus) ([]*types.Execution, error) {
	return s.queryExecutions(`SELECT `+executionColumns+` FROM executions WHERE status = $1`, status)
}

func (s *PostgresStore) queryExecutions(query string, arg interface{}) ([]*types.Execution, error) {
	rows, err := s.db.Query(query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*types.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

func (s *PostgresStore) UpdateExecution(exec *types.Execution) error {
	artifacts, metrics, err := marshalPair(exec.Artifacts, exec.Metrics)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		UPDATE executions SET status=$2, exit_code=$3, error_message=$4, stdout=$5,
			stderr=$6, artifacts=$7, metrics=$8, return_value=$9, retry_count=$10,
			started_at=$11, completed_at=$12, last_heartbeat=$13
		WHERE id=$1`,
		exec.ID, exec.Status, exec.ExitCode, exec.ErrorMessage, exec.Stdout, exec.Stderr,
		artifacts, metrics, nullableJSON(exec.ReturnValue), exec.RetryCount,
		exec.StartedAt, exec.CompletedAt, exec.LastHeartbeat)
	return err
}

func (s *PostgresStore) CompleteExecution(id string, apply func(*types.Execution)) (bool, error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return false, err
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRow(`SELECT `+executionColumns+` FROM executions WHERE id = $1 FOR UPDATE`, id)
	exec, err := scanExecution(row)
	if err != nil {
		return false, err
	}
	// First terminal result wins
	if types.IsTerminalExecution(exec.Status) {
		return false, nil
	}
	apply(exec)
	if !types.IsTerminalExecution(exec.Status) {
		return false, errdefs.New(errdefs.KindInternal,
			fmt.Sprintf("complete callback left execution %s non-terminal (%s)", id, exec.Status))
	}
	now := time.Now().UTC()
	exec.CompletedAt = &now

	artifacts, metrics, err := marshalPair(exec.Artifacts, exec.Metrics)
	if err != nil {
		return false, err
	}
	_, err = tx.Exec(`
		UPDATE executions SET status=$2, exit_code=$3, error_message=$4, stdout=$5,
			stderr=$6, artifacts=$7, metrics=$8, return_value=$9, completed_at=$10
		WHERE id=$1`,
		exec.ID, exec.Status, exec.ExitCode, exec.ErrorMessage, exec.Stdout, exec.Stderr,
		artifacts, metrics, nullableJSON(exec.ReturnValue), exec.CompletedAt)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) RecordHeartbeat(id string, at time.Time) error {
	_, err := s.db.Exec(`
		UPDATE executions SET last_heartbeat = $2
		WHERE id = $1
		  AND status NOT IN ('COMPLETED','FAILED','TIMEOUT','CRASHED')
		  AND (last_heartbeat IS NULL OR last_heartbeat < $2)`, id, at)
	return err
}

// scan helpers

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTemplate(r rowScanner) (*types.Template, error) {
	var tpl types.Template
	var limits, env []byte
	err := r.Scan(&tpl.ID, &tpl.Name, &tpl.Image, &tpl.Runtime, &limits, &tpl.DefaultTimeout,
		&env, &tpl.AllowNetwork, &tpl.Active, &tpl.CreatedAt, &tpl.UpdatedAt)
	if err != nil {
		return nil, notFoundOr(err, "template")
	}
	if err := unmarshalPair(limits, &tpl.DefaultLimits, env, &tpl.DefaultEnv); err != nil {
		return nil, err
	}
	return &tpl, nil
}

func scanSession(r rowScanner) (*types.Session, error) {
	var sess types.Session
	var limits, env []byte
	err := r.Scan(&sess.ID, &sess.TemplateID, &sess.Mode, &sess.Status, &limits,
		&sess.WorkspacePath, &sess.Runtime, &sess.NodeID, &sess.ContainerID, &sess.PodName,
		&env, &sess.TimeoutSeconds, &sess.InternalToken, &sess.CreatedAt, &sess.UpdatedAt,
		&sess.CompletedAt, &sess.LastActivityAt)
	if err != nil {
		return nil, notFoundOr(err, "session")
	}
	if err := unmarshalPair(limits, &sess.Limits, env, &sess.Env); err != nil {
		return nil, err
	}
	return &sess, nil
}

func scanExecution(r rowScanner) (*types.Execution, error) {
	var exec types.Execution
	var artifacts, metrics, returnValue []byte
	err := r.Scan(&exec.ID, &exec.SessionID, &exec.Status, &exec.Code, &exec.Language,
		&exec.TimeoutSeconds, &exec.ExitCode, &exec.ErrorMessage, &exec.Stdout, &exec.Stderr,
		&artifacts, &metrics, &returnValue, &exec.RetryCount, &exec.CreatedAt,
		&exec.StartedAt, &exec.CompletedAt, &exec.LastHeartbeat)
	if err != nil {
		return nil, notFoundOr(err, "execution")
	}
	if artifacts != nil {
		if err := json.Unmarshal(artifacts, &exec.Artifacts); err != nil {
			return nil, err
		}
	}
	if metrics != nil {
		if err := json.Unmarshal(metrics, &exec.Metrics); err != nil {
			return nil, err
		}
	}
	exec.ReturnValue = returnValue
	return &exec, nil
}

func notFoundOr(err error, kind string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errdefs.New(errdefs.KindNotFound, kind+" not found")
	}
	return err
}

func marshalPair(a, b interface{}) ([]byte, []byte, error) {
	da, err := json.Marshal(a)
	if err != nil {
		return nil, nil, err
	}
	if b == nil {
		return da, nil, nil
	}
	db, err := json.Marshal(b)
	if err != nil {
		return nil, nil, err
	}
	return da, db, nil
}

func unmarshalPair(a []byte, av interface{}, b []byte, bv interface{}) error {
	if a != nil {
		if err := json.Unmarshal(a, av); err != nil {
			return err
		}
	}
	if b != nil {
		if err := json.Unmarshal(b, bv); err != nil {
			return err
		}
	}
	return nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
