package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ShayCichocki/loom/internal/faults"
	"github.com/ShayCichocki/loom/pkg/models"
)

// Create inserts a new work item and returns its ID. The item's status
// defaults to backlog, version to 1, and an ID is generated when absent.
// All dependency and child references must resolve to existing items.
func (s *Store) Create(item *models.WorkItem) (string, error) {
	if err := validateNewItem(item); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.Status == "" {
		item.Status = models.StatusBacklog
	}
	now := s.now()
	item.CreatedAt = now
	item.UpdatedAt = now
	item.Version = 1

	err := s.transactionLocked(func(tx *sql.Tx) error {
		for _, ref := range append(append([]string{}, item.DependsOn...), item.Children...) {
			exists, err := itemExists(tx, ref)
			if err != nil {
				return err
			}
			if !exists {
				return faults.New(faults.KindSchemaViolation,
					"work item %s references unknown item %s", item.ID, ref)
			}
		}

		children, dependsOn, metadata, err := marshalFields(item)
		if err != nil {
			return err
		}

		_, err = tx.Exec(`
			INSERT INTO work_items (id, item_type, title, description, status,
				children, depends_on, metadata, created_at, updated_at, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, item.ID, string(item.Type), item.Title, nullString(item.Description),
			string(item.Status), children, dependsOn, metadata,
			formatTime(item.CreatedAt), formatTime(item.UpdatedAt), item.Version)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint") {
				return faults.New(faults.KindConflict, "work item %s already exists", item.ID)
			}
			return fmt.Errorf("insert work item: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	return item.ID, nil
}

// validateNewItem checks the required fields on a new work item.
func validateNewItem(item *models.WorkItem) error {
	if item == nil {
		return faults.New(faults.KindSchemaViolation, "work item is required")
	}
	if item.Title == "" {
		return faults.New(faults.KindSchemaViolation, "title is required")
	}
	if !item.Type.Valid() {
		return faults.New(faults.KindSchemaViolation, "unknown item type %q", item.Type)
	}
	if item.Status != "" && !item.Status.Valid() {
		return faults.New(faults.KindSchemaViolation, "unknown status %q", item.Status)
	}
	return nil
}

// Get returns the work item with the given ID.
func (s *Store) Get(id string) (*models.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, item_type, title, description, status, children,
			depends_on, metadata, created_at, updated_at, version
		FROM work_items WHERE id = ?
	`, id)

	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.New(faults.KindNotFound, "work item %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get work item: %w", err)
	}
	return item, nil
}

// Patch describes a partial update to a work item. Nil fields are left
// unchanged; non-nil fields replace the current value wholesale.
type Patch struct {
	Title       *string
	Description *string
	Status      *models.Status
	Children    *[]string
	DependsOn   *[]string
	Metadata    *map[string]string
}

// Update applies a patch to the item with the given ID, checked against
// expectedVersion. Returns the new version. A stale expectedVersion
// yields a Conflict fault and leaves the row untouched.
func (s *Store) Update(id string, patch Patch, expectedVersion int64) (int64, error) {
	if patch.Status != nil && !patch.Status.Valid() {
		return 0, faults.New(faults.KindSchemaViolation, "unknown status %q", *patch.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var newVersion int64
	err := s.transactionLocked(func(tx *sql.Tx) error {
		row := tx.QueryRow(`
			SELECT id, item_type, title, description, status, children,
				depends_on, metadata, created_at, updated_at, version
			FROM work_items WHERE id = ?
		`, id)
		current, err := scanItem(row)
		if errors.Is(err, sql.ErrNoRows) {
			return faults.New(faults.KindNotFound, "work item %s not found", id)
		}
		if err != nil {
			return fmt.Errorf("load work item: %w", err)
		}

		if current.Version != expectedVersion {
			return faults.New(faults.KindConflict,
				"work item %s is at version %d, expected %d", id, current.Version, expectedVersion)
		}

		applyPatch(current, patch)

		// Reference checks for any new dependency or child IDs.
		if patch.DependsOn != nil || patch.Children != nil {
			for _, ref := range append(append([]string{}, current.DependsOn...), current.Children...) {
				if ref == id {
					return faults.New(faults.KindSchemaViolation,
						"work item %s cannot reference itself", id)
				}
				exists, err := itemExists(tx, ref)
				if err != nil {
					return err
				}
				if !exists {
					return faults.New(faults.KindSchemaViolation,
						"work item %s references unknown item %s", id, ref)
				}
			}
		}

		// New children must not close a hierarchy loop back to this item.
		if patch.Children != nil {
			for _, childID := range current.Children {
				loops, err := childReachable(tx, childID, id)
				if err != nil {
					return err
				}
				if loops {
					return faults.New(faults.KindCycleDetected,
						"work item %s cannot appear in its own child subtree", id)
				}
			}
		}

		current.UpdatedAt = s.now()
		newVersion = current.Version + 1

		children, dependsOn, metadata, err := marshalFields(current)
		if err != nil {
			return err
		}

		res, err := tx.Exec(`
			UPDATE work_items
			SET title = ?, description = ?, status = ?, children = ?,
				depends_on = ?, metadata = ?, updated_at = ?, version = ?
			WHERE id = ? AND version = ?
		`, current.Title, nullString(current.Description), string(current.Status),
			children, dependsOn, metadata, formatTime(current.UpdatedAt),
			newVersion, id, expectedVersion)
		if err != nil {
			return fmt.Errorf("update work item: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			// Lost the version race inside the transaction window.
			return faults.New(faults.KindConflict,
				"work item %s changed concurrently", id)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

// applyPatch copies patch fields onto the item.
func applyPatch(item *models.WorkItem, patch Patch) {
	if patch.Title != nil {
		item.Title = *patch.Title
	}
	if patch.Description != nil {
		item.Description = *patch.Description
	}
	if patch.Status != nil {
		item.Status = *patch.Status
	}
	if patch.Children != nil {
		item.Children = append([]string(nil), (*patch.Children)...)
	}
	if patch.DependsOn != nil {
		item.DependsOn = append([]string(nil), (*patch.DependsOn)...)
	}
	if patch.Metadata != nil {
		item.Metadata = make(map[string]string, len(*patch.Metadata))
		for k, v := range *patch.Metadata {
			item.Metadata[k] = v
		}
	}
}

// Delete removes a work item. Without cascade, the call fails with a
// ReferentialIntegrity fault if the item has children or dependents.
// With cascade, the child subtree is removed depth-first and dependency
// edges pointing at removed items are dropped from surviving items.
func (s *Store) Delete(id string, cascade bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.transactionLocked(func(tx *sql.Tx) error {
		item, err := loadItem(tx, id)
		if err != nil {
			return err
		}

		dependents, err := dependentsOf(tx, id)
		if err != nil {
			return err
		}

		if !cascade {
			if len(item.Children) > 0 {
				return faults.New(faults.KindReferentialIntegrity,
					"work item %s has %d children", id, len(item.Children))
			}
			if len(dependents) > 0 {
				return faults.New(faults.KindReferentialIntegrity,
					"work item %s has %d dependents", id, len(dependents))
			}
			return removeItems(tx, []string{id}, s)
		}

		// Collect the subtree depth-first.
		doomed, err := collectSubtree(tx, item)
		if err != nil {
			return err
		}
		return removeItems(tx, doomed, s)
	})
}

// collectSubtree returns the item and all transitive children, leaves
// last. Shared children are collected once, and visited tracking keeps
// the walk terminating even if the rows hold a hierarchy cycle.
func collectSubtree(tx *sql.Tx, root *models.WorkItem) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	var walk func(item *models.WorkItem) error
	walk = func(item *models.WorkItem) error {
		if seen[item.ID] {
			return nil
		}
		seen[item.ID] = true
		out = append(out, item.ID)
		for _, childID := range item.Children {
			child, err := loadItem(tx, childID)
			if err != nil {
				if faults.Is(err, faults.KindNotFound) {
					continue
				}
				return err
			}
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	return out, nil
}

// childReachable reports whether target can be reached from start along
// children edges.
func childReachable(tx *sql.Tx, start, target string) (bool, error) {
	seen := make(map[string]bool)
	stack := []string{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == target {
			return true, nil
		}
		if seen[id] {
			continue
		}
		seen[id] = true

		item, err := loadItem(tx, id)
		if err != nil {
			if faults.Is(err, faults.KindNotFound) {
				continue
			}
			return false, err
		}
		stack = append(stack, item.Children...)
	}
	return false, nil
}

// removeItems deletes the given IDs and scrubs dangling references from
// the remaining rows.
func removeItems(tx *sql.Tx, ids []string, s *Store) error {
	doomed := make(map[string]bool, len(ids))
	for _, id := range ids {
		doomed[id] = true
	}

	for _, id := range ids {
		if _, err := tx.Exec("DELETE FROM work_items WHERE id = ?", id); err != nil {
			return fmt.Errorf("delete work item %s: %w", id, err)
		}
	}

	// Scrub depends_on and children references on surviving items.
	rows, err := tx.Query(`
		SELECT id, item_type, title, description, status, children,
			depends_on, metadata, created_at, updated_at, version
		FROM work_items
	`)
	if err != nil {
		return fmt.Errorf("scan survivors: %w", err)
	}
	survivors, err := scanItems(rows)
	if err != nil {
		return err
	}

	for _, item := range survivors {
		newDeps := pruneRefs(item.DependsOn, doomed)
		newChildren := pruneRefs(item.Children, doomed)
		if len(newDeps) == len(item.DependsOn) && len(newChildren) == len(item.Children) {
			continue
		}
		depsJSON, err := json.Marshal(newDeps)
		if err != nil {
			return fmt.Errorf("marshal depends_on: %w", err)
		}
		childrenJSON, err := json.Marshal(newChildren)
		if err != nil {
			return fmt.Errorf("marshal children: %w", err)
		}
		_, err = tx.Exec(`
			UPDATE work_items
			SET depends_on = ?, children = ?, updated_at = ?, version = version + 1
			WHERE id = ?
		`, string(depsJSON), string(childrenJSON), formatTime(s.now()), item.ID)
		if err != nil {
			return fmt.Errorf("scrub references on %s: %w", item.ID, err)
		}
	}
	return nil
}

// pruneRefs returns refs with doomed IDs removed.
func pruneRefs(refs []string, doomed map[string]bool) []string {
	out := refs[:0:0]
	for _, r := range refs {
		if !doomed[r] {
			out = append(out, r)
		}
	}
	return out
}

// Filter selects work items in List and Scan.
type Filter struct {
	// Type restricts results to one item type, if set.
	Type models.ItemType
	// Status restricts results to one status, if set.
	Status models.Status
	// Text restricts results to items whose title or description
	// contains the given substring, case-insensitive.
	Text string
}

// List returns all items matching the filter, creation-time ascending.
func (s *Store) List(filter Filter) ([]*models.WorkItem, error) {
	var out []*models.WorkItem
	err := s.Scan(filter, func(item *models.WorkItem) bool {
		out = append(out, item)
		return true
	})
	return out, err
}

// Scan streams items matching the filter to fn in creation-time order,
// stopping early when fn returns false. Each call restarts from the
// beginning, over a consistent snapshot of the table.
func (s *Store) Scan(filter Filter, fn func(*models.WorkItem) bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, item_type, title, description, status, children,
			depends_on, metadata, created_at, updated_at, version
		FROM work_items
	`
	var conds []string
	var args []interface{}
	if filter.Type != "" {
		conds = append(conds, "item_type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Text != "" {
		conds = append(conds, "(title LIKE ? COLLATE NOCASE OR description LIKE ? COLLATE NOCASE)")
		pattern := "%" + filter.Text + "%"
		args = append(args, pattern, pattern)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return fmt.Errorf("list work items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		item, err := scanItemRow(rows)
		if err != nil {
			return err
		}
		if !fn(item) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate work items: %w", err)
	}
	return nil
}

// Dependents returns the IDs of items that depend on the given item.
func (s *Store) Dependents(id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	err := s.transactionReadLocked(func(tx *sql.Tx) error {
		deps, err := dependentsOf(tx, id)
		out = deps
		return err
	})
	return out, err
}

// transactionReadLocked runs fn in a transaction for consistent reads.
// Caller must hold at least the read lock.
func (s *Store) transactionReadLocked(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	return fn(tx)
}

// loadItem fetches an item inside a transaction.
func loadItem(tx *sql.Tx, id string) (*models.WorkItem, error) {
	row := tx.QueryRow(`
		SELECT id, item_type, title, description, status, children,
			depends_on, metadata, created_at, updated_at, version
		FROM work_items WHERE id = ?
	`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.New(faults.KindNotFound, "work item %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load work item: %w", err)
	}
	return item, nil
}

// itemExists checks whether an item exists inside a transaction.
func itemExists(tx *sql.Tx, id string) (bool, error) {
	var one int
	err := tx.QueryRow("SELECT 1 FROM work_items WHERE id = ?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check item %s: %w", id, err)
	}
	return true, nil
}

// dependentsOf scans for items whose depends_on contains id.
func dependentsOf(tx *sql.Tx, id string) ([]string, error) {
	rows, err := tx.Query("SELECT id, depends_on FROM work_items WHERE depends_on IS NOT NULL")
	if err != nil {
		return nil, fmt.Errorf("scan dependents: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var itemID string
		var depsJSON sql.NullString
		if err := rows.Scan(&itemID, &depsJSON); err != nil {
			return nil, fmt.Errorf("scan dependent row: %w", err)
		}
		if !depsJSON.Valid {
			continue
		}
		var deps []string
		if err := json.Unmarshal([]byte(depsJSON.String), &deps); err != nil {
			return nil, fmt.Errorf("decode depends_on for %s: %w", itemID, err)
		}
		for _, dep := range deps {
			if dep == id {
				out = append(out, itemID)
				break
			}
		}
	}
	return out, rows.Err()
}

// marshalFields serializes the JSON-backed columns of an item.
func marshalFields(item *models.WorkItem) (children, dependsOn, metadata sql.NullString, err error) {
	if len(item.Children) > 0 {
		b, merr := json.Marshal(item.Children)
		if merr != nil {
			err = fmt.Errorf("marshal children: %w", merr)
			return
		}
		children = nullString(string(b))
	}
	if len(item.DependsOn) > 0 {
		b, merr := json.Marshal(item.DependsOn)
		if merr != nil {
			err = fmt.Errorf("marshal depends_on: %w", merr)
			return
		}
		dependsOn = nullString(string(b))
	}
	if len(item.Metadata) > 0 {
		b, merr := json.Marshal(item.Metadata)
		if merr != nil {
			err = fmt.Errorf("marshal metadata: %w", merr)
			return
		}
		metadata = nullString(string(b))
	}
	return
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanItem scans a single work item row.
func scanItem(row rowScanner) (*models.WorkItem, error) {
	var (
		item        models.WorkItem
		itemType    string
		status      string
		description sql.NullString
		children    sql.NullString
		dependsOn   sql.NullString
		metadata    sql.NullString
		createdAt   string
		updatedAt   string
	)

	err := row.Scan(&item.ID, &itemType, &item.Title, &description, &status,
		&children, &dependsOn, &metadata, &createdAt, &updatedAt, &item.Version)
	if err != nil {
		return nil, err
	}

	item.Type = models.ItemType(itemType)
	item.Status = models.Status(status)
	item.Description = description.String

	if children.Valid {
		if err := json.Unmarshal([]byte(children.String), &item.Children); err != nil {
			return nil, fmt.Errorf("decode children: %w", err)
		}
	}
	if dependsOn.Valid {
		if err := json.Unmarshal([]byte(dependsOn.String), &item.DependsOn); err != nil {
			return nil, fmt.Errorf("decode depends_on: %w", err)
		}
	}
	if metadata.Valid {
		if err := json.Unmarshal([]byte(metadata.String), &item.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}

	ca, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	item.CreatedAt = ca

	ua, err := parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	item.UpdatedAt = ua

	return &item, nil
}

// scanItemRow wraps scanItem with error context for streaming reads.
func scanItemRow(rows *sql.Rows) (*models.WorkItem, error) {
	item, err := scanItem(rows)
	if err != nil {
		return nil, fmt.Errorf("scan work item: %w", err)
	}
	return item, nil
}

// scanItems drains rows into a slice.
func scanItems(rows *sql.Rows) ([]*models.WorkItem, error) {
	defer rows.Close()
	var out []*models.WorkItem
	for rows.Next() {
		item, err := scanItemRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
