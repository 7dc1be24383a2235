// Package sqlstore implements identitystore.IdentityConnector over a
// Postgres table of name/value attribute rows, grounded on the
// sqlx-driven CRUD style of internal/directory/service.go.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/dhawalhost/wardseal/internal/identitystore"
)

// Connector stores each entity as a row in `entities` plus a variable
// number of rows in `entity_attributes`. Schema:
//
//	entities(id text primary key, kind text not null)
//	entity_attributes(entity_id text references entities(id) on delete cascade,
//	                   name text not null, value text not null)
type Connector struct {
	id string
	db *sqlx.DB
}

var _ identitystore.IdentityConnector = (*Connector)(nil)

// New wraps an already-open Postgres connection pool.
func New(id string, db *sqlx.DB) *Connector {
	return &Connector{id: id, db: db}
}

func (c *Connector) ID() string { return c.id }

type attributeRow struct {
	EntityID string `db:"entity_id"`
	Name     string `db:"name"`
	Value    string `db:"value"`
}

func (c *Connector) insertEntity(ctx context.Context, tx *sqlx.Tx, kind string, attrs []identitystore.Attribute) (string, error) {
	id := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `INSERT INTO entities (id, kind) VALUES ($1, $2)`, id, kind); err != nil {
		return "", err
	}
	for _, a := range attrs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entity_attributes (entity_id, name, value) VALUES ($1, $2, $3)`,
			id, a.Name, a.Value); err != nil {
			return "", err
		}
	}
	return id, nil
}

func (c *Connector) AddUser(ctx context.Context, attrs []identitystore.Attribute) (string, error) {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	id, err := c.insertEntity(ctx, tx, "user", attrs)
	if err != nil {
		return "", fmt.Errorf("sqlstore: add user: %w", err)
	}
	return id, tx.Commit()
}

func (c *Connector) AddUsers(ctx context.Context, batch map[string][]identitystore.Attribute) (map[string]string, error) {
	out := make(map[string]string, len(batch))
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return out, err
	}
	defer tx.Rollback()

	for key, attrs := range batch {
		id, err := c.insertEntity(ctx, tx, "user", attrs)
		if err != nil {
			// partial failure: commit what is valid up to here is wrong
			// because the orchestrator expects the whole batch to be
			// atomic per-connector; roll back and surface the error so
			// the caller compensates nothing (nothing was committed).
			return nil, fmt.Errorf("sqlstore: bulk add user %q: %w", key, err)
		}
		out[key] = id
	}
	return out, tx.Commit()
}

func (c *Connector) UpdateUserAttributes(ctx context.Context, connectorLocalID string, attrs []identitystore.Attribute) (string, error) {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entity_attributes WHERE entity_id = $1`, connectorLocalID); err != nil {
		return "", fmt.Errorf("sqlstore: clear attributes: %w", err)
	}
	for _, a := range attrs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entity_attributes (entity_id, name, value) VALUES ($1, $2, $3)`,
			connectorLocalID, a.Name, a.Value); err != nil {
			return "", fmt.Errorf("sqlstore: update attribute %s: %w", a.Name, err)
		}
	}
	return connectorLocalID, tx.Commit()
}

func (c *Connector) GetConnectorUserID(ctx context.Context, attributeName, value string) (string, error) {
	var id string
	err := c.db.GetContext(ctx, &id,
		`SELECT entity_id FROM entity_attributes WHERE name = $1 AND value = $2 LIMIT 1`,
		attributeName, value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("sqlstore: lookup user by attribute: %w", err)
	}
	return id, nil
}

func (c *Connector) ListConnectorUserIDs(ctx context.Context, attributeName, value string, offset, length int) ([]string, error) {
	return c.listIDs(ctx, "user", attributeName, value, offset, length)
}

func (c *Connector) ListConnectorUserIDsByPattern(ctx context.Context, attributeName, pattern string, offset, length int) ([]string, error) {
	return c.listIDsLike(ctx, "user", attributeName, pattern, offset, length)
}

func (c *Connector) listIDs(ctx context.Context, kind, attributeName, value string, offset, length int) ([]string, error) {
	if length == 0 {
		return nil, nil
	}
	var ids []string
	query := `SELECT ea.entity_id FROM entity_attributes ea
		JOIN entities e ON e.id = ea.entity_id
		WHERE e.kind = $1 AND ea.name = $2 AND ea.value = $3
		ORDER BY ea.entity_id OFFSET $4 LIMIT $5`
	limit := length
	if limit < 0 {
		limit = 0
	}
	if err := c.db.SelectContext(ctx, &ids, query, kind, attributeName, value, offset, limit); err != nil {
		return nil, fmt.Errorf("sqlstore: list ids: %w", err)
	}
	return ids, nil
}

func (c *Connector) listIDsLike(ctx context.Context, kind, attributeName, pattern string, offset, length int) ([]string, error) {
	if length == 0 {
		return nil, nil
	}
	var ids []string
	query := `SELECT ea.entity_id FROM entity_attributes ea
		JOIN entities e ON e.id = ea.entity_id
		WHERE e.kind = $1 AND ea.name = $2 AND ea.value LIKE $3
		ORDER BY ea.entity_id OFFSET $4 LIMIT $5`
	limit := length
	if limit < 0 {
		limit = 0
	}
	if err := c.db.SelectContext(ctx, &ids, query, kind, attributeName, pattern, offset, limit); err != nil {
		return nil, fmt.Errorf("sqlstore: list ids by pattern: %w", err)
	}
	return ids, nil
}

func (c *Connector) GetUserAttributeValues(ctx context.Context, connectorLocalID string, attributeNames []string) ([]identitystore.Attribute, error) {
	var rows []attributeRow
	var err error
	if len(attributeNames) == 0 {
		err = c.db.SelectContext(ctx, &rows,
			`SELECT entity_id, name, value FROM entity_attributes WHERE entity_id = $1`, connectorLocalID)
	} else {
		err = c.db.SelectContext(ctx, &rows,
			`SELECT entity_id, name, value FROM entity_attributes WHERE entity_id = $1 AND name = ANY($2)`,
			connectorLocalID, attributeNames)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get attributes: %w", err)
	}
	out := make([]identitystore.Attribute, len(rows))
	for i, r := range rows {
		out[i] = identitystore.Attribute{Name: r.Name, Value: r.Value}
	}
	return out, nil
}

func (c *Connector) DeleteUser(ctx context.Context, connectorLocalID string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM entities WHERE id = $1`, connectorLocalID); err != nil {
		return fmt.Errorf("sqlstore: delete user: %w", err)
	}
	return nil
}

func (c *Connector) RemoveAddedUsersInAFailure(ctx context.Context, connectorLocalIDs []string) error {
	if len(connectorLocalIDs) == 0 {
		return nil
	}
	_, err := c.db.ExecContext(ctx, `DELETE FROM entities WHERE id = ANY($1)`, connectorLocalIDs)
	return err
}

func (c *Connector) AddGroup(ctx context.Context, attrs []identitystore.Attribute) (string, error) {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	id, err := c.insertEntity(ctx, tx, "group", attrs)
	if err != nil {
		return "", fmt.Errorf("sqlstore: add group: %w", err)
	}
	return id, tx.Commit()
}

func (c *Connector) ListConnectorGroupIDs(ctx context.Context, attributeName, value string, offset, length int) ([]string, error) {
	return c.listIDs(ctx, "group", attributeName, value, offset, length)
}

func (c *Connector) GetGroupAttributeValues(ctx context.Context, connectorLocalID string, attributeNames []string) ([]identitystore.Attribute, error) {
	return c.GetUserAttributeValues(ctx, connectorLocalID, attributeNames)
}

func (c *Connector) DeleteGroup(ctx context.Context, connectorLocalID string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM entities WHERE id = $1`, connectorLocalID); err != nil {
		return fmt.Errorf("sqlstore: delete group: %w", err)
	}
	return nil
}

func (c *Connector) RemoveAddedGroupsInAFailure(ctx context.Context, connectorLocalIDs []string) error {
	return c.RemoveAddedUsersInAFailure(ctx, connectorLocalIDs)
}
