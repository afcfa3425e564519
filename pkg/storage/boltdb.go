package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketTemplates  = []byte("templates")
	bucketSessions   = []byte("sessions")
	bucketExecutions = []byte("executions")

	// session id -> list of execution ids, kept to avoid full scans
	bucketSessionExecs = []byte("session_executions")
)

// BoltStore implements Store using BoltDB. Bolt serializes writers, so
// every TransitionSession / CompleteExecution runs as a single atomic
// read-check-write transaction.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "burrow.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketTemplates,
			bucketSessions,
			bucketExecutions,
			bucketSessionExecs,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Template operations

func (s *BoltStore) CreateTemplate(tpl *types.Template) error {
	return s.put(bucketTemplates, tpl.ID, tpl)
}

func (s *BoltStore) GetTemplate(id string) (*types.Template, error) {
	var tpl types.Template
	if err := s.get(bucketTemplates, id, &tpl, "template"); err != nil {
		return nil, err
	}
	return &tpl, nil
}

func (s *BoltStore) ListTemplates() ([]*types.Template, error) {
	var templates []*types.Template
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTemplates).ForEach(func(k, v []byte) error {
			var tpl types.Template
			if err := json.Unmarshal(v, &tpl); err != nil {
				return err
			}
			templates = append(templates, &tpl)
			return nil
		})
	})
	return templates, err
}

func (s *BoltStore) UpdateTemplate(tpl *types.Template) error {
	return s.put(bucketTemplates, tpl.ID, tpl)
}

// DeleteTemplate refuses to delete a template still referenced by a
// live (non-terminal) session.
func (s *BoltStore) DeleteTemplate(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var live int
		err := tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var sess types.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}
			if sess.TemplateID == id && !types.IsTerminalSession(sess.Status) {
				live++
			}
			return nil
		})
		if err != nil {
			return err
		}
		if live > 0 {
			return errdefs.New(errdefs.KindConflict,
				fmt.Sprintf("template %s is referenced by %d live session(s)", id, live)).
				WithSolution("terminate the sessions first or deactivate the template instead")
		}
		return tx.Bucket(bucketTemplates).Delete([]byte(id))
	})
}

// Session operations

func (s *BoltStore) CreateSession(sess *types.Session) error {
	return s.put(bucketSessions, sess.ID, sess)
}

func (s *BoltStore) GetSession(id string) (*types.Session, error) {
	var sess types.Session
	if err := s.get(bucketSessions, id, &sess, "session"); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *BoltStore) ListSessions(filter SessionFilter) ([]*types.Session, error) {
	var sessions []*types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var sess types.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}
			if filter.Status != "" && sess.Status != filter.Status {
				return nil
			}
			if filter.TemplateID != "" && sess.TemplateID != filter.TemplateID {
				return nil
			}
			sessions = append(sessions, &sess)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return paginate(sessions, filter.Offset, filter.Limit), nil
}

func (s *BoltStore) UpdateSession(sess *types.Session) error {
	sess.UpdatedAt = time.Now().UTC()
	return s.put(bucketSessions, sess.ID, sess)
}

// DeleteSession removes a session and cascades to its executions.
func (s *BoltStore) DeleteSession(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketSessionExecs)
		if data := idx.Get([]byte(id)); data != nil {
			var execIDs []string
			if err := json.Unmarshal(data, &execIDs); err == nil {
				execs := tx.Bucket(bucketExecutions)
				for _, eid := range execIDs {
					if err := execs.Delete([]byte(eid)); err != nil {
						return err
					}
				}
			}
			if err := idx.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketSessions).Delete([]byte(id))
	})
}

func (s *BoltStore) TransitionSession(id string, to types.SessionStatus, mutate func(*types.Session)) (*types.Session, error) {
	var out *types.Session
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		data := b.Get([]byte(id))
		if data == nil {
			return errdefs.New(errdefs.KindNotFound, fmt.Sprintf("session not found: %s", id))
		}
		var sess types.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return err
		}
		if !types.CanTransition(sess.Status, to) {
			return errdefs.New(errdefs.KindConflict,
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
			mutate(&sess)
		}
		updated, err := json.Marshal(&sess)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(id), updated); err != nil {
			return err
		}
		out = &sess
		return nil
	})
	return out, err
}

func (s *BoltStore) TouchSessionActivity(id string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		data := b.Get([]byte(id))
		if data == nil {
			return errdefs.New(errdefs.KindNotFound, fmt.Sprintf("session not found: %s", id))
		}
		var sess types.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return err
		}
		// last_activity_at is monotonic; drop stale touches
		if !at.After(sess.LastActivityAt) {
			return nil
		}
		sess.LastActivityAt = at
		sess.UpdatedAt = time.Now().UTC()
		updated, err := json.Marshal(&sess)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

// Execution operations

func (s *BoltStore) CreateExecution(exec *types.Execution) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(exec)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketExecutions).Put([]byte(exec.ID), data); err != nil {
			return err
		}
		// Maintain the session -> executions index
		idx := tx.Bucket(bucketSessionExecs)
		var execIDs []string
		if existing := idx.Get([]byte(exec.SessionID)); existing != nil {
			if err := json.Unmarshal(existing, &execIDs); err != nil {
				return err
			}
		}
		execIDs = append(execIDs, exec.ID)
		updated, err := json.Marshal(execIDs)
		if err != nil {
			return err
		}
		return idx.Put([]byte(exec.SessionID), updated)
	})
}

func (s *BoltStore) GetExecution(id string) (*types.Execution, error) {
	var exec types.Execution
	if err := s.get(bucketExecutions, id, &exec, "execution"); err != nil {
		return nil, err
	}
	return &exec, nil
}

func (s *BoltStore) ListExecutionsBySession(sessionID string) ([]*types.Execution, error) {
	var execs []*types.Execution
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSessionExecs).Get([]byte(sessionID))
		if data == nil {
			return nil
		}
		var execIDs []string
		if err := json.Unmarshal(data, &execIDs); err != nil {
			return err
		}
		b := tx.Bucket(bucketExecutions)
		for _, eid := range execIDs {
			raw := b.Get([]byte(eid))
			if raw == nil {
				continue
			}
			var exec types.Execution
			if err := json.Unmarshal(raw, &exec); err != nil {
				return err
			}
			execs = append(execs, &exec)
		}
		return nil
	})
	return execs, err
}

func (s *BoltStore) ListExecutionsByStatus(status types.ExecutionStatus) ([]*types.Execution, error) {
	var execs []*types.Execution
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExecutions).ForEach(func(k, v []byte) error {
			var exec types.Execution
			if err := json.Unmarshal(v, &exec); err != nil {
				return err
			}
			if exec.Status == status {
				execs = append(execs, &exec)
			}
			return nil
		})
	})
	return execs, err
}

func (s *BoltStore) UpdateExecution(exec *types.Execution) error {
	return s.put(bucketExecutions, exec.ID, exec)
}

func (s *BoltStore) CompleteExecution(id string, apply func(*types.Execution)) (bool, error) {
	applied := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutions)
		data := b.Get([]byte(id))
		if data == nil {
			return errdefs.New(errdefs.KindNotFound, fmt.Sprintf("execution not found: %s", id))
		}
		var exec types.Execution
		if err := json.Unmarshal(data, &exec); err != nil {
			return err
		}
		// First terminal result wins; non-terminal rows, including
		// PENDING ones an older control plane may have left behind, can
		// still be completed.
		if types.IsTerminalExecution(exec.Status) {
			return nil
		}
		apply(&exec)
		if !types.IsTerminalExecution(exec.Status) {
			return errdefs.New(errdefs.KindInternal,
				fmt.Sprintf("complete callback left execution %s non-terminal (%s)", id, exec.Status))
		}
		now := time.Now().UTC()
		exec.CompletedAt = &now
		updated, err := json.Marshal(&exec)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(id), updated); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

func (s *BoltStore) RecordHeartbeat(id string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutions)
		data := b.Get([]byte(id))
		if data == nil {
			return errdefs.New(errdefs.KindNotFound, fmt.Sprintf("execution not found: %s", id))
		}
		var exec types.Execution
		if err := json.Unmarshal(data, &exec); err != nil {
			return err
		}
		if types.IsTerminalExecution(exec.Status) {
			return nil
		}
		if exec.LastHeartbeat == nil || at.After(*exec.LastHeartbeat) {
			exec.LastHeartbeat = &at
		}
		updated, err := json.Marshal(&exec)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

// helpers

func (s *BoltStore) put(bucket []byte, id string, v interface{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put([]byte(id), data)
	})
}

func (s *BoltStore) get(bucket []byte, id string, v interface{}, kind string) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(id))
		if data == nil {
			return errdefs.New(errdefs.KindNotFound, fmt.Sprintf("%s not found: %s", kind, id))
		}
		return json.Unmarshal(data, v)
	})
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
