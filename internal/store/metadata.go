package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/latticerun/core/internal/apierr"
	"github.com/latticerun/core/internal/schema"
)

// Permissions is the {read, write, env, run} scope-list set carried by a
// Function and consulted by the sandbox executor before each invocation.
type Permissions struct {
	Read  []string `json:"read,omitempty"`
	Write []string `json:"write,omitempty"`
	Env   []string `json:"env,omitempty"`
	Run   []string `json:"run,omitempty"`
}

// Function is a named, versionless unit of executable source code.
type Function struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	Runtime     string      `json:"runtime"` // "process" | "wasm"
	Code        string      `json:"code"`
	Enabled     bool        `json:"enabled"`
	Permissions Permissions `json:"permissions"`
	Description string      `json:"description,omitempty"`
	// InputSchema is an optional JSON Schema document constraining the
	// params a Task may enqueue against this Function. Validated for
	// well-formedness at write time; enqueue-time param conformance is
	// not checked (params are opaque JSON to the Queue Store).
	InputSchema string `json:"input_schema,omitempty"`
	AutoCreated bool   `json:"auto_created"`
	CreatedAt   string      `json:"created_at"`
	UpdatedAt   string      `json:"updated_at"`
}

// Task binds a Function to a retry policy under a stable name.
type Task struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	FunctionName string `json:"function_name"`
	RetryCount   int    `json:"retry_count"`
	RetryDelay   int    `json:"retry_delay"` // milliseconds
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

// TaskConfig is the input to CreateTask: either Code is set (the core
// auto-creates a private backing Function) or FunctionName references an
// existing Function by name.
type TaskConfig struct {
	Name         string
	FunctionName string
	Code         string
	Permissions  Permissions
	RetryCount   int
	RetryDelay   int
}

// CreateFunction inserts a new Function, failing with NameConflictError if
// the name is already taken.
func (s *Store) CreateFunction(ctx context.Context, fn Function) (Function, error) {
	if fn.Name == "" {
		return Function{}, &apierr.ValidationError{Field: "name", Message: "required"}
	}
	if fn.Runtime == "" {
		fn.Runtime = "process"
	}
	permJSON, err := json.Marshal(fn.Permissions)
	if err != nil {
		return Function{}, &apierr.ValidationError{Field: "permissions", Message: err.Error()}
	}
	if err := schema.ValidatePermissions(permJSON); err != nil {
		return Function{}, &apierr.ValidationError{Field: "permissions", Message: err.Error()}
	}
	if fn.InputSchema != "" {
		if err := schema.ValidateIsJSONSchema([]byte(fn.InputSchema)); err != nil {
			return Function{}, &apierr.ValidationError{Field: "input_schema", Message: err.Error()}
		}
	}
	now := nowRFC3339()
	var out Function
	err = retryOnBusy(ctx, 5, func() error {
		res, err := s.meta.ExecContext(ctx, `
			INSERT INTO functions (name, runtime, code, enabled, permissions, description, input_schema, auto_created, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			fn.Name, fn.Runtime, fn.Code, boolToInt(fn.Enabled), permJSON, fn.Description, nullableString(fn.InputSchema), boolToInt(fn.AutoCreated), now, now)
		if err != nil {
			if isUniqueViolation(err) {
				return &apierr.NameConflictError{Kind: "function", Name: fn.Name}
			}
			return &apierr.StoreError{Op: "create_function", Cause: err}
		}
		id, err := res.LastInsertId()
		if err != nil {
			return &apierr.StoreError{Op: "create_function", Cause: err}
		}
		fn.ID = id
		fn.CreatedAt, fn.UpdatedAt = now, now
		out = fn
		return nil
	})
	return out, err
}

// GetFunctionByName returns a Function, or NotFoundError.
func (s *Store) GetFunctionByName(ctx context.Context, name string) (Function, error) {
	row := s.meta.QueryRowContext(ctx, `
		SELECT id, name, runtime, code, enabled, permissions, description, input_schema, auto_created, created_at, updated_at
		FROM functions WHERE name = ?`, name)
	return scanFunction(row)
}

// ListFunctions returns every Function, ordered by name.
func (s *Store) ListFunctions(ctx context.Context) ([]Function, error) {
	rows, err := s.meta.QueryContext(ctx, `
		SELECT id, name, runtime, code, enabled, permissions, description, input_schema, auto_created, created_at, updated_at
		FROM functions ORDER BY name`)
	if err != nil {
		return nil, &apierr.StoreError{Op: "list_functions", Cause: err}
	}
	defer rows.Close()

	var out []Function
	for rows.Next() {
		fn, err := scanFunction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, fn)
	}
	return out, rows.Err()
}

// UpdateFunction rewrites the code/permissions/description/enabled fields
// of an existing Function.
func (s *Store) UpdateFunction(ctx context.Context, name string, fn Function) (Function, error) {
	permJSON, err := json.Marshal(fn.Permissions)
	if err != nil {
		return Function{}, &apierr.ValidationError{Field: "permissions", Message: err.Error()}
	}
	if err := schema.ValidatePermissions(permJSON); err != nil {
		return Function{}, &apierr.ValidationError{Field: "permissions", Message: err.Error()}
	}
	if fn.InputSchema != "" {
		if err := schema.ValidateIsJSONSchema([]byte(fn.InputSchema)); err != nil {
			return Function{}, &apierr.ValidationError{Field: "input_schema", Message: err.Error()}
		}
	}
	now := nowRFC3339()
	var out Function
	err = retryOnBusy(ctx, 5, func() error {
		res, err := s.meta.ExecContext(ctx, `
			UPDATE functions SET code = ?, enabled = ?, permissions = ?, description = ?, input_schema = ?, updated_at = ?
			WHERE name = ?`,
			fn.Code, boolToInt(fn.Enabled), permJSON, fn.Description, nullableString(fn.InputSchema), now, name)
		if err != nil {
			return &apierr.StoreError{Op: "update_function", Cause: err}
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return &apierr.NotFoundError{Kind: "function", ID: name}
		}
		return nil
	})
	if err != nil {
		return Function{}, err
	}
	return s.GetFunctionByName(ctx, name)
}

// DeleteFunction removes a Function, failing if any Task still references it.
func (s *Store) DeleteFunction(ctx context.Context, name string) error {
	return retryOnBusy(ctx, 5, func() error {
		var refCount int
		if err := s.meta.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM tasks WHERE function_name = ?`, name).Scan(&refCount); err != nil {
			return &apierr.StoreError{Op: "delete_function", Cause: err}
		}
		if refCount > 0 {
			return &apierr.ValidationError{Field: "name", Message: "function has referencing tasks"}
		}
		res, err := s.meta.ExecContext(ctx, `DELETE FROM functions WHERE name = ?`, name)
		if err != nil {
			return &apierr.StoreError{Op: "delete_function", Cause: err}
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return &apierr.NotFoundError{Kind: "function", ID: name}
		}
		return nil
	})
}

// CreateTask allocates a task id, optionally auto-creating a private
// backing Function from inline code, and writes the Task row.
func (s *Store) CreateTask(ctx context.Context, cfg TaskConfig) (Task, error) {
	if cfg.Name == "" {
		return Task{}, &apierr.ValidationError{Field: "name", Message: "required"}
	}
	if cfg.Code == "" && cfg.FunctionName == "" {
		return Task{}, &apierr.ValidationError{Field: "function_name", Message: "either code or function_name is required"}
	}

	id := uuid.NewString()
	functionName := cfg.FunctionName
	now := nowRFC3339()

	if cfg.Code != "" {
		functionName = fmt.Sprintf("task_%s_%s", cfg.Name, id)
		if _, err := s.CreateFunction(ctx, Function{
			Name:        functionName,
			Code:        cfg.Code,
			Enabled:     true,
			Permissions: cfg.Permissions,
			AutoCreated: true,
		}); err != nil {
			return Task{}, err
		}
	} else {
		if _, err := s.GetFunctionByName(ctx, functionName); err != nil {
			return Task{}, err
		}
	}

	task := Task{
		ID: id, Name: cfg.Name, FunctionName: functionName,
		RetryCount: cfg.RetryCount, RetryDelay: cfg.RetryDelay,
		CreatedAt: now, UpdatedAt: now,
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.meta.ExecContext(ctx, `
			INSERT INTO tasks (id, name, function_name, retry_count, retry_delay, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			task.ID, task.Name, task.FunctionName, task.RetryCount, task.RetryDelay, now, now)
		if err != nil {
			if isUniqueViolation(err) {
				return &apierr.NameConflictError{Kind: "task", Name: cfg.Name}
			}
			return &apierr.StoreError{Op: "create_task", Cause: err}
		}
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	return task, nil
}

// GetTaskByID returns a merged {task fields ∪ function fields} view.
func (s *Store) GetTaskByID(ctx context.Context, id string) (Task, Function, error) {
	task, err := s.getTask(ctx, id)
	if err != nil {
		return Task{}, Function{}, err
	}
	fn, err := s.GetFunctionByName(ctx, task.FunctionName)
	if err != nil {
		return Task{}, Function{}, err
	}
	return task, fn, nil
}

func (s *Store) getTask(ctx context.Context, id string) (Task, error) {
	row := s.meta.QueryRowContext(ctx, `
		SELECT id, name, function_name, retry_count, retry_delay, created_at, updated_at
		FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// ListTasks returns every Task, ordered by name.
func (s *Store) ListTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.meta.QueryContext(ctx, `
		SELECT id, name, function_name, retry_count, retry_delay, created_at, updated_at
		FROM tasks ORDER BY name`)
	if err != nil {
		return nil, &apierr.StoreError{Op: "list_tasks", Cause: err}
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTask rewrites a Task's retry policy. Edits never reach in-flight
// Queue Entries, which snapshotted the policy at enqueue time.
func (s *Store) UpdateTask(ctx context.Context, id string, retryCount, retryDelay int) (Task, error) {
	now := nowRFC3339()
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.meta.ExecContext(ctx, `
			UPDATE tasks SET retry_count = ?, retry_delay = ?, updated_at = ? WHERE id = ?`,
			retryCount, retryDelay, now, id)
		if err != nil {
			return &apierr.StoreError{Op: "update_task", Cause: err}
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return &apierr.NotFoundError{Kind: "task", ID: id}
		}
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	return s.getTask(ctx, id)
}

// DeleteTask removes the Task row, then deletes its backing Function if
// that Function was auto-created for this Task alone.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	task, err := s.getTask(ctx, id)
	if err != nil {
		return err
	}
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.meta.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
		if err != nil {
			return &apierr.StoreError{Op: "delete_task", Cause: err}
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return &apierr.NotFoundError{Kind: "task", ID: id}
		}

		fn, err := s.GetFunctionByName(ctx, task.FunctionName)
		if err != nil {
			var nf *apierr.NotFoundError
			if errors.As(err, &nf) {
				return nil
			}
			return err
		}
		if !fn.AutoCreated {
			return nil
		}
		if _, err := s.meta.ExecContext(ctx, `DELETE FROM functions WHERE name = ?`, fn.Name); err != nil {
			return &apierr.StoreError{Op: "delete_task_backing_function", Cause: err}
		}
		return nil
	})
}

// GetConfig reads a single config value, or NotFoundError if unset.
func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.meta.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", &apierr.NotFoundError{Kind: "config", ID: key}
	}
	if err != nil {
		return "", &apierr.StoreError{Op: "get_config", Cause: err}
	}
	return value, nil
}

// PutConfig upserts a config value.
func (s *Store) PutConfig(ctx context.Context, key, value string) error {
	now := nowRFC3339()
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.meta.ExecContext(ctx, `
			INSERT INTO config (key, value, created_at, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, now, now)
		if err != nil {
			return &apierr.StoreError{Op: "put_config", Cause: err}
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFunction(row rowScanner) (Function, error) {
	var fn Function
	var enabled, autoCreated int
	var permJSON []byte
	var description, inputSchema sql.NullString
	err := row.Scan(&fn.ID, &fn.Name, &fn.Runtime, &fn.Code, &enabled, &permJSON, &description, &inputSchema, &autoCreated, &fn.CreatedAt, &fn.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Function{}, &apierr.NotFoundError{Kind: "function", ID: ""}
	}
	if err != nil {
		return Function{}, &apierr.StoreError{Op: "scan_function", Cause: err}
	}
	fn.Enabled = enabled != 0
	fn.AutoCreated = autoCreated != 0
	fn.Description = description.String
	fn.InputSchema = inputSchema.String
	if len(permJSON) > 0 {
		if err := json.Unmarshal(permJSON, &fn.Permissions); err != nil {
			return Function{}, &apierr.StoreError{Op: "scan_function_permissions", Cause: err}
		}
	}
	return fn, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanTask(row rowScanner) (Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.Name, &t.FunctionName, &t.RetryCount, &t.RetryDelay, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, &apierr.NotFoundError{Kind: "task", ID: ""}
	}
	if err != nil {
		return Task{}, &apierr.StoreError{Op: "scan_task", Cause: err}
	}
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
