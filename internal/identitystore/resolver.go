package identitystore

import (
	"context"
	"fmt"
	"sync"
)

// UniqueIDResolver is the C4 contract: the authoritative cross-connector
// linkage between a logical user/group id and its set of partitions. All
// write paths in VirtualStore commit to the resolver last.
type UniqueIDResolver interface {
	IsUserExists(ctx context.Context, logicalID string) (bool, error)
	IsGroupExists(ctx context.Context, logicalID string) (bool, error)

	GetUniqueUser(ctx context.Context, logicalID string) (UniqueUser, error)
	GetUniqueUserFromConnectorUserID(ctx context.Context, connectorLocalID, connectorID string) (UniqueUser, error)
	// GetUniqueUsers preserves the order of connectorLocalIDs; missing
	// entries are skipped rather than erroring.
	GetUniqueUsers(ctx context.Context, connectorLocalIDs []string, connectorID string) ([]UniqueUser, error)
	ListUsers(ctx context.Context, offset, length int) ([]UniqueUser, error)

	GetGroupsOfUser(ctx context.Context, logicalUserID string) ([]UniqueGroup, error)
	GetUsersOfGroup(ctx context.Context, logicalGroupID string) ([]UniqueUser, error)
	IsUserInGroup(ctx context.Context, logicalUserID, logicalGroupID string) (bool, error)

	AddUser(ctx context.Context, user UniqueUser, domainName string) error
	AddUsers(ctx context.Context, users map[string]UniqueUser, domainName string) error
	UpdateUser(ctx context.Context, logicalID string, partitions map[string]string) error
	DeleteUser(ctx context.Context, logicalID string) error

	GetUniqueGroup(ctx context.Context, logicalID string) (UniqueGroup, error)
	GetUniqueGroupFromConnectorGroupID(ctx context.Context, connectorLocalID, connectorID string) (UniqueGroup, error)
	ListGroups(ctx context.Context, offset, length int) ([]UniqueGroup, error)
	AddGroup(ctx context.Context, group UniqueGroup, domainName string) error
	UpdateGroup(ctx context.Context, logicalID string, partitions map[string]string) error
	DeleteGroup(ctx context.Context, logicalID string) error

	AddUserToGroup(ctx context.Context, logicalUserID, logicalGroupID string) error
	RemoveUserFromGroup(ctx context.Context, logicalUserID, logicalGroupID string) error
}

// MemoryResolver is an in-process UniqueIDResolver, grounded on the
// mutex-guarded map + secondary index pattern used by in-memory identity
// stores elsewhere in this codebase's reference pack. Useful for tests and
// for domains small enough not to need a SQL-backed resolver.
type MemoryResolver struct {
	mu sync.RWMutex

	users  map[string]UniqueUser
	groups map[string]UniqueGroup

	// userIndex maps "connectorID\x00connectorLocalID" -> logicalUserID.
	userIndex  map[string]string
	groupIndex map[string]string

	userOrder  []string // insertion order, for ListUsers
	groupOrder []string

	membership map[string]map[string]struct{} // groupID -> set of userIDs
}

// NewMemoryResolver creates an empty in-memory resolver.
func NewMemoryResolver() *MemoryResolver {
	return &MemoryResolver{
		users:      make(map[string]UniqueUser),
		groups:     make(map[string]UniqueGroup),
		userIndex:  make(map[string]string),
		groupIndex: make(map[string]string),
		membership: make(map[string]map[string]struct{}),
	}
}

func partitionKey(connectorID, connectorLocalID string) string {
	return connectorID + "\x00" + connectorLocalID
}

func cloneUser(u UniqueUser) UniqueUser {
	clone := UniqueUser{LogicalID: u.LogicalID}
	clone.Partitions = append([]UserPartition(nil), u.Partitions...)
	return clone
}

func cloneGroup(g UniqueGroup) UniqueGroup {
	clone := UniqueGroup{LogicalID: g.LogicalID}
	clone.Partitions = append([]UserPartition(nil), g.Partitions...)
	return clone
}

func (r *MemoryResolver) IsUserExists(ctx context.Context, logicalID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.users[logicalID]
	return ok, nil
}

func (r *MemoryResolver) IsGroupExists(ctx context.Context, logicalID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.groups[logicalID]
	return ok, nil
}

func (r *MemoryResolver) GetUniqueUser(ctx context.Context, logicalID string) (UniqueUser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[logicalID]
	if !ok {
		return UniqueUser{}, fmt.Errorf("no such user: %s", logicalID)
	}
	return cloneUser(u), nil
}

func (r *MemoryResolver) GetUniqueUserFromConnectorUserID(ctx context.Context, connectorLocalID, connectorID string) (UniqueUser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	logicalID, ok := r.userIndex[partitionKey(connectorID, connectorLocalID)]
	if !ok {
		return UniqueUser{}, fmt.Errorf("no user linked to %s/%s", connectorID, connectorLocalID)
	}
	return cloneUser(r.users[logicalID]), nil
}

func (r *MemoryResolver) GetUniqueUsers(ctx context.Context, connectorLocalIDs []string, connectorID string) ([]UniqueUser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]UniqueUser, 0, len(connectorLocalIDs))
	for _, id := range connectorLocalIDs {
		logicalID, ok := r.userIndex[partitionKey(connectorID, id)]
		if !ok {
			continue
		}
		out = append(out, cloneUser(r.users[logicalID]))
	}
	return out, nil
}

func (r *MemoryResolver) ListUsers(ctx context.Context, offset, length int) ([]UniqueUser, error) {
	if length == 0 {
		return nil, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return pageUsers(r.userOrder, r.users, offset, length), nil
}

func pageUsers(order []string, byID map[string]UniqueUser, offset, length int) []UniqueUser {
	if offset >= len(order) {
		return nil
	}
	end := offset + length
	if length < 0 || end > len(order) {
		end = len(order)
	}
	out := make([]UniqueUser, 0, end-offset)
	for _, id := range order[offset:end] {
		out = append(out, cloneUser(byID[id]))
	}
	return out
}

func (r *MemoryResolver) GetGroupsOfUser(ctx context.Context, logicalUserID string) ([]UniqueGroup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []UniqueGroup
	for groupID, members := range r.membership {
		if _, ok := members[logicalUserID]; ok {
			out = append(out, cloneGroup(r.groups[groupID]))
		}
	}
	return out, nil
}

func (r *MemoryResolver) GetUsersOfGroup(ctx context.Context, logicalGroupID string) ([]UniqueUser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.membership[logicalGroupID]
	out := make([]UniqueUser, 0, len(members))
	for userID := range members {
		if u, ok := r.users[userID]; ok {
			out = append(out, cloneUser(u))
		}
	}
	return out, nil
}

func (r *MemoryResolver) IsUserInGroup(ctx context.Context, logicalUserID, logicalGroupID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members, ok := r.membership[logicalGroupID]
	if !ok {
		return false, nil
	}
	_, in := members[logicalUserID]
	return in, nil
}

func (r *MemoryResolver) AddUser(ctx context.Context, user UniqueUser, domainName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.users[user.LogicalID]; exists {
		return fmt.Errorf("logical user id already exists: %s", user.LogicalID)
	}
	r.users[user.LogicalID] = cloneUser(user)
	r.userOrder = append(r.userOrder, user.LogicalID)
	for _, p := range user.Partitions {
		r.userIndex[partitionKey(p.ConnectorID, p.ConnectorLocalID)] = user.LogicalID
	}
	return nil
}

func (r *MemoryResolver) AddUsers(ctx context.Context, users map[string]UniqueUser, domainName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for logicalID, user := range users {
		if _, exists := r.users[logicalID]; exists {
			return fmt.Errorf("logical user id already exists: %s", logicalID)
		}
	}
	for logicalID, user := range users {
		r.users[logicalID] = cloneUser(user)
		r.userOrder = append(r.userOrder, logicalID)
		for _, p := range user.Partitions {
			r.userIndex[partitionKey(p.ConnectorID, p.ConnectorLocalID)] = logicalID
		}
	}
	return nil
}

func (r *MemoryResolver) UpdateUser(ctx context.Context, logicalID string, partitions map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[logicalID]
	if !ok {
		return fmt.Errorf("no such user: %s", logicalID)
	}
	for _, p := range u.Partitions {
		delete(r.userIndex, partitionKey(p.ConnectorID, p.ConnectorLocalID))
	}
	newPartitions := make([]UserPartition, 0, len(partitions))
	for connectorID, localID := range partitions {
		newPartitions = append(newPartitions, UserPartition{ConnectorID: connectorID, ConnectorLocalID: localID, IsIdentityStore: true})
	}
	// preserve credential partitions untouched
	for _, p := range u.Partitions {
		if !p.IsIdentityStore {
			newPartitions = append(newPartitions, p)
		}
	}
	u.Partitions = newPartitions
	r.users[logicalID] = u
	for _, p := range newPartitions {
		r.userIndex[partitionKey(p.ConnectorID, p.ConnectorLocalID)] = logicalID
	}
	return nil
}

func (r *MemoryResolver) DeleteUser(ctx context.Context, logicalID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[logicalID]
	if !ok {
		return fmt.Errorf("no such user: %s", logicalID)
	}
	for _, p := range u.Partitions {
		delete(r.userIndex, partitionKey(p.ConnectorID, p.ConnectorLocalID))
	}
	delete(r.users, logicalID)
	for i, id := range r.userOrder {
		if id == logicalID {
			r.userOrder = append(r.userOrder[:i], r.userOrder[i+1:]...)
			break
		}
	}
	for _, members := range r.membership {
		delete(members, logicalID)
	}
	return nil
}

func (r *MemoryResolver) GetUniqueGroup(ctx context.Context, logicalID string) (UniqueGroup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[logicalID]
	if !ok {
		return UniqueGroup{}, fmt.Errorf("no such group: %s", logicalID)
	}
	return cloneGroup(g), nil
}

func (r *MemoryResolver) GetUniqueGroupFromConnectorGroupID(ctx context.Context, connectorLocalID, connectorID string) (UniqueGroup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	logicalID, ok := r.groupIndex[partitionKey(connectorID, connectorLocalID)]
	if !ok {
		return UniqueGroup{}, fmt.Errorf("no group linked to %s/%s", connectorID, connectorLocalID)
	}
	return cloneGroup(r.groups[logicalID]), nil
}

func (r *MemoryResolver) ListGroups(ctx context.Context, offset, length int) ([]UniqueGroup, error) {
	if length == 0 {
		return nil, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if offset >= len(r.groupOrder) {
		return nil, nil
	}
	end := offset + length
	if length < 0 || end > len(r.groupOrder) {
		end = len(r.groupOrder)
	}
	out := make([]UniqueGroup, 0, end-offset)
	for _, id := range r.groupOrder[offset:end] {
		out = append(out, cloneGroup(r.groups[id]))
	}
	return out, nil
}

func (r *MemoryResolver) AddGroup(ctx context.Context, group UniqueGroup, domainName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.groups[group.LogicalID]; exists {
		return fmt.Errorf("logical group id already exists: %s", group.LogicalID)
	}
	r.groups[group.LogicalID] = cloneGroup(group)
	r.groupOrder = append(r.groupOrder, group.LogicalID)
	for _, p := range group.Partitions {
		r.groupIndex[partitionKey(p.ConnectorID, p.ConnectorLocalID)] = group.LogicalID
	}
	r.membership[group.LogicalID] = make(map[string]struct{})
	return nil
}

func (r *MemoryResolver) UpdateGroup(ctx context.Context, logicalID string, partitions map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[logicalID]
	if !ok {
		return fmt.Errorf("no such group: %s", logicalID)
	}
	for _, p := range g.Partitions {
		delete(r.groupIndex, partitionKey(p.ConnectorID, p.ConnectorLocalID))
	}
	newPartitions := make([]UserPartition, 0, len(partitions))
	for connectorID, localID := range partitions {
		newPartitions = append(newPartitions, UserPartition{ConnectorID: connectorID, ConnectorLocalID: localID, IsIdentityStore: true})
	}
	g.Partitions = newPartitions
	r.groups[logicalID] = g
	for _, p := range newPartitions {
		r.groupIndex[partitionKey(p.ConnectorID, p.ConnectorLocalID)] = logicalID
	}
	return nil
}

func (r *MemoryResolver) DeleteGroup(ctx context.Context, logicalID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[logicalID]
	if !ok {
		return fmt.Errorf("no such group: %s", logicalID)
	}
	for _, p := range g.Partitions {
		delete(r.groupIndex, partitionKey(p.ConnectorID, p.ConnectorLocalID))
	}
	delete(r.groups, logicalID)
	delete(r.membership, logicalID)
	for i, id := range r.groupOrder {
		if id == logicalID {
			r.groupOrder = append(r.groupOrder[:i], r.groupOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (r *MemoryResolver) AddUserToGroup(ctx context.Context, logicalUserID, logicalGroupID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.membership[logicalGroupID]
	if !ok {
		return fmt.Errorf("no such group: %s", logicalGroupID)
	}
	if _, ok := r.users[logicalUserID]; !ok {
		return fmt.Errorf("no such user: %s", logicalUserID)
	}
	members[logicalUserID] = struct{}{}
	return nil
}

func (r *MemoryResolver) RemoveUserFromGroup(ctx context.Context, logicalUserID, logicalGroupID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.membership[logicalGroupID]
	if !ok {
		return fmt.Errorf("no such group: %s", logicalGroupID)
	}
	delete(members, logicalUserID)
	return nil
}
