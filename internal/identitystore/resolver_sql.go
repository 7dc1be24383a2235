package identitystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// SQLResolver is a Postgres-backed UniqueIDResolver, grounded on the sqlx
// transaction style used by internal/directory and internal/auth's
// store_sql.go. It expects two tables:
//
//	unique_users(logical_id text primary key, partitions jsonb not null)
//	unique_groups(logical_id text primary key, partitions jsonb not null,
//	              members jsonb not null default '[]')
type SQLResolver struct {
	db *sqlx.DB
}

// NewSQLResolver wraps an existing *sqlx.DB. Callers are responsible for
// migrating the unique_users/unique_groups tables; the resolver neither
// opens nor closes the pool (spec.md §5 resource-lifecycle rule).
func NewSQLResolver(db *sqlx.DB) *SQLResolver {
	return &SQLResolver{db: db}
}

type userRow struct {
	LogicalID  string `db:"logical_id"`
	Partitions []byte `db:"partitions"`
}

type groupRow struct {
	LogicalID  string `db:"logical_id"`
	Partitions []byte `db:"partitions"`
	Members    []byte `db:"members"`
}

func decodePartitions(raw []byte) ([]UserPartition, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var partitions []UserPartition
	if err := json.Unmarshal(raw, &partitions); err != nil {
		return nil, err
	}
	return partitions, nil
}

func (r *SQLResolver) IsUserExists(ctx context.Context, logicalID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM unique_users WHERE logical_id = $1)`, logicalID)
	return exists, err
}

func (r *SQLResolver) IsGroupExists(ctx context.Context, logicalID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM unique_groups WHERE logical_id = $1)`, logicalID)
	return exists, err
}

func (r *SQLResolver) GetUniqueUser(ctx context.Context, logicalID string) (UniqueUser, error) {
	var row userRow
	err := r.db.GetContext(ctx, &row, `SELECT logical_id, partitions FROM unique_users WHERE logical_id = $1`, logicalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UniqueUser{}, fmt.Errorf("no such user: %s", logicalID)
		}
		return UniqueUser{}, err
	}
	partitions, err := decodePartitions(row.Partitions)
	if err != nil {
		return UniqueUser{}, err
	}
	return UniqueUser{LogicalID: row.LogicalID, Partitions: partitions}, nil
}

func (r *SQLResolver) GetUniqueUserFromConnectorUserID(ctx context.Context, connectorLocalID, connectorID string) (UniqueUser, error) {
	var row userRow
	err := r.db.GetContext(ctx, &row, `
		SELECT logical_id, partitions FROM unique_users
		WHERE partitions @> $1::jsonb`,
		mustMarshal([]map[string]interface{}{{"ConnectorID": connectorID, "ConnectorLocalID": connectorLocalID}}))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UniqueUser{}, fmt.Errorf("no user linked to %s/%s", connectorID, connectorLocalID)
		}
		return UniqueUser{}, err
	}
	partitions, err := decodePartitions(row.Partitions)
	if err != nil {
		return UniqueUser{}, err
	}
	return UniqueUser{LogicalID: row.LogicalID, Partitions: partitions}, nil
}

func (r *SQLResolver) GetUniqueUsers(ctx context.Context, connectorLocalIDs []string, connectorID string) ([]UniqueUser, error) {
	out := make([]UniqueUser, 0, len(connectorLocalIDs))
	for _, id := range connectorLocalIDs {
		u, err := r.GetUniqueUserFromConnectorUserID(ctx, id, connectorID)
		if err != nil {
			continue // missing entries are skipped, per spec.md §4.4
		}
		out = append(out, u)
	}
	return out, nil
}

func (r *SQLResolver) ListUsers(ctx context.Context, offset, length int) ([]UniqueUser, error) {
	if length == 0 {
		return nil, nil
	}
	var rows []userRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT logical_id, partitions FROM unique_users ORDER BY logical_id LIMIT $1 OFFSET $2`, length, offset)
	if err != nil {
		return nil, err
	}
	out := make([]UniqueUser, 0, len(rows))
	for _, row := range rows {
		partitions, err := decodePartitions(row.Partitions)
		if err != nil {
			return nil, err
		}
		out = append(out, UniqueUser{LogicalID: row.LogicalID, Partitions: partitions})
	}
	return out, nil
}

func (r *SQLResolver) GetGroupsOfUser(ctx context.Context, logicalUserID string) ([]UniqueGroup, error) {
	var rows []groupRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT logical_id, partitions, members FROM unique_groups WHERE members @> $1::jsonb`,
		mustMarshal([]string{logicalUserID}))
	if err != nil {
		return nil, err
	}
	return decodeGroupRows(rows)
}

func (r *SQLResolver) GetUsersOfGroup(ctx context.Context, logicalGroupID string) ([]UniqueUser, error) {
	var row groupRow
	err := r.db.GetContext(ctx, &row, `SELECT logical_id, partitions, members FROM unique_groups WHERE logical_id = $1`, logicalGroupID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var memberIDs []string
	if err := json.Unmarshal(row.Members, &memberIDs); err != nil {
		return nil, err
	}
	out := make([]UniqueUser, 0, len(memberIDs))
	for _, id := range memberIDs {
		u, err := r.GetUniqueUser(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

func (r *SQLResolver) IsUserInGroup(ctx context.Context, logicalUserID, logicalGroupID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM unique_groups WHERE logical_id = $1 AND members @> $2::jsonb)`,
		logicalGroupID, mustMarshal([]string{logicalUserID}))
	return exists, err
}

func (r *SQLResolver) AddUser(ctx context.Context, user UniqueUser, domainName string) error {
	partitions, err := json.Marshal(user.Partitions)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO unique_users (logical_id, partitions) VALUES ($1, $2)`, user.LogicalID, partitions)
	return err
}

func (r *SQLResolver) AddUsers(ctx context.Context, users map[string]UniqueUser, domainName string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for logicalID, user := range users {
		partitions, err := json.Marshal(user.Partitions)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO unique_users (logical_id, partitions) VALUES ($1, $2)`, logicalID, partitions); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *SQLResolver) UpdateUser(ctx context.Context, logicalID string, partitions map[string]string) error {
	existing, err := r.GetUniqueUser(ctx, logicalID)
	if err != nil {
		return err
	}
	newPartitions := make([]UserPartition, 0, len(partitions))
	for connectorID, localID := range partitions {
		newPartitions = append(newPartitions, UserPartition{ConnectorID: connectorID, ConnectorLocalID: localID, IsIdentityStore: true})
	}
	for _, p := range existing.Partitions {
		if !p.IsIdentityStore {
			newPartitions = append(newPartitions, p)
		}
	}
	raw, err := json.Marshal(newPartitions)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `UPDATE unique_users SET partitions = $1 WHERE logical_id = $2`, raw, logicalID)
	return err
}

func (r *SQLResolver) DeleteUser(ctx context.Context, logicalID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM unique_users WHERE logical_id = $1`, logicalID)
	return err
}

func (r *SQLResolver) GetUniqueGroup(ctx context.Context, logicalID string) (UniqueGroup, error) {
	var row groupRow
	err := r.db.GetContext(ctx, &row, `SELECT logical_id, partitions, members FROM unique_groups WHERE logical_id = $1`, logicalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UniqueGroup{}, fmt.Errorf("no such group: %s", logicalID)
		}
		return UniqueGroup{}, err
	}
	groups, err := decodeGroupRows([]groupRow{row})
	if err != nil || len(groups) == 0 {
		return UniqueGroup{}, err
	}
	return groups[0], nil
}

func (r *SQLResolver) GetUniqueGroupFromConnectorGroupID(ctx context.Context, connectorLocalID, connectorID string) (UniqueGroup, error) {
	var row groupRow
	err := r.db.GetContext(ctx, &row, `
		SELECT logical_id, partitions, members FROM unique_groups WHERE partitions @> $1::jsonb`,
		mustMarshal([]map[string]interface{}{{"ConnectorID": connectorID, "ConnectorLocalID": connectorLocalID}}))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UniqueGroup{}, fmt.Errorf("no group linked to %s/%s", connectorID, connectorLocalID)
		}
		return UniqueGroup{}, err
	}
	groups, err := decodeGroupRows([]groupRow{row})
	if err != nil || len(groups) == 0 {
		return UniqueGroup{}, err
	}
	return groups[0], nil
}

func (r *SQLResolver) ListGroups(ctx context.Context, offset, length int) ([]UniqueGroup, error) {
	if length == 0 {
		return nil, nil
	}
	var rows []groupRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT logical_id, partitions, members FROM unique_groups ORDER BY logical_id LIMIT $1 OFFSET $2`, length, offset)
	if err != nil {
		return nil, err
	}
	return decodeGroupRows(rows)
}

func (r *SQLResolver) AddGroup(ctx context.Context, group UniqueGroup, domainName string) error {
	partitions, err := json.Marshal(group.Partitions)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO unique_groups (logical_id, partitions, members) VALUES ($1, $2, '[]')`, group.LogicalID, partitions)
	return err
}

func (r *SQLResolver) UpdateGroup(ctx context.Context, logicalID string, partitions map[string]string) error {
	newPartitions := make([]UserPartition, 0, len(partitions))
	for connectorID, localID := range partitions {
		newPartitions = append(newPartitions, UserPartition{ConnectorID: connectorID, ConnectorLocalID: localID, IsIdentityStore: true})
	}
	raw, err := json.Marshal(newPartitions)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `UPDATE unique_groups SET partitions = $1 WHERE logical_id = $2`, raw, logicalID)
	return err
}

func (r *SQLResolver) DeleteGroup(ctx context.Context, logicalID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM unique_groups WHERE logical_id = $1`, logicalID)
	return err
}

func (r *SQLResolver) AddUserToGroup(ctx context.Context, logicalUserID, logicalGroupID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE unique_groups
		SET members = (SELECT jsonb_agg(DISTINCT e) FROM jsonb_array_elements_text(members || $1::jsonb) e)
		WHERE logical_id = $2`,
		mustMarshal([]string{logicalUserID}), logicalGroupID)
	return err
}

func (r *SQLResolver) RemoveUserFromGroup(ctx context.Context, logicalUserID, logicalGroupID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE unique_groups
		SET members = COALESCE((SELECT jsonb_agg(e) FROM jsonb_array_elements_text(members) e WHERE e <> $1), '[]'::jsonb)
		WHERE logical_id = $2`,
		logicalUserID, logicalGroupID)
	return err
}

func decodeGroupRows(rows []groupRow) ([]UniqueGroup, error) {
	out := make([]UniqueGroup, 0, len(rows))
	for _, row := range rows {
		partitions, err := decodePartitions(row.Partitions)
		if err != nil {
			return nil, err
		}
		out = append(out, UniqueGroup{LogicalID: row.LogicalID, Partitions: partitions})
	}
	return out, nil
}

func mustMarshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
