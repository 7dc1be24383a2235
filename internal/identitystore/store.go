package identitystore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dhawalhost/wardseal/internal/events"
)

// VirtualStore is the public orchestrator (C7): it fans out reads/writes to
// the connectors of a chosen domain, fans results back in, and compensates
// partial write failures so no orphan partitions remain (spec.md §4.7).
type VirtualStore struct {
	registry *DomainRegistry
	logger   *zap.Logger
	events   *events.Dispatcher
}

// Option configures a VirtualStore at construction time.
type Option func(*VirtualStore)

// WithEventDispatcher wires an events.Dispatcher so that mutations publish
// audit events.
func WithEventDispatcher(d *events.Dispatcher) Option {
	return func(s *VirtualStore) { s.events = d }
}

// NewVirtualStore builds the orchestrator over an already-assembled domain
// registry. Domains, connectors and mappings must be fully constructed
// before this call; the store never mutates them (spec.md §5).
func NewVirtualStore(registry *DomainRegistry, logger *zap.Logger, opts ...Option) *VirtualStore {
	s := &VirtualStore{registry: registry, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *VirtualStore) publish(tenant string, eventType string, payload interface{}) {
	if s.events == nil {
		return
	}
	s.events.Publish(context.Background(), events.Event{
		TenantID:  tenant,
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	})
}

// resolveDomain applies spec.md §7's domain-name convention: empty name
// falls back to primary; an explicitly supplied but unknown name is a
// ServerError, not a DomainError leaking domain-config detail to the caller.
func (s *VirtualStore) resolveDomain(name string) (*Domain, error) {
	if name == "" {
		d, err := s.registry.GetPrimaryDomain()
		if err != nil {
			return nil, ErrDomain(err.Error())
		}
		return d, nil
	}
	d, err := s.registry.GetDomainFromDomainName(name)
	if err != nil {
		return nil, ErrServer("domain lookup failed", err)
	}
	return d, nil
}

// ---------------------------------------------------------------- reads ---

// GetUser resolves a user by logical id (spec.md §4.7.1).
func (s *VirtualStore) GetUser(ctx context.Context, logicalID, domainName string) (User, error) {
	if logicalID == "" {
		return User{}, ErrClient("logical id is required")
	}
	d, err := s.resolveDomain(domainName)
	if err != nil {
		return User{}, err
	}
	exists, err := d.Resolver().IsUserExists(ctx, logicalID)
	if err != nil {
		return User{}, ErrServer("resolver lookup failed", err)
	}
	if !exists {
		return User{}, ErrUserNotFound("no such user: " + logicalID)
	}
	return User{LogicalID: logicalID, DomainName: d.Name}, nil
}

// GetUserByClaim resolves a user by a claim value (spec.md §4.7.2).
func (s *VirtualStore) GetUserByClaim(ctx context.Context, claim Claim, domainName string) (User, error) {
	if claim.Value == "" {
		return User{}, ErrClient("claim value is required")
	}
	d, err := s.resolveDomain(domainName)
	if err != nil {
		return User{}, err
	}
	mapping, err := d.GetMetaClaimMapping(claim.ClaimURI)
	if err != nil {
		return User{}, err
	}
	connector, err := d.GetIdentityStoreConnectorFromID(mapping.IdentityConnectorID)
	if err != nil {
		return User{}, err
	}
	connectorLocalID, err := connector.GetConnectorUserID(ctx, mapping.AttributeName, claim.Value)
	if err != nil || connectorLocalID == "" {
		return User{}, ErrUserNotFound("no user with claim " + claim.ClaimURI)
	}
	uniqueUser, err := d.Resolver().GetUniqueUserFromConnectorUserID(ctx, connectorLocalID, mapping.IdentityConnectorID)
	if err != nil || uniqueUser.LogicalID == "" {
		return User{}, ErrServer("linkage missing for resolved connector user", err)
	}
	return User{LogicalID: uniqueUser.LogicalID, DomainName: d.Name}, nil
}

// ListUsers pages through the domain's users (spec.md §4.7.3). length == 0
// returns an empty list without any connector/resolver I/O.
func (s *VirtualStore) ListUsers(ctx context.Context, offset, length int, domainName string) ([]User, error) {
	if length == 0 {
		return nil, nil
	}
	d, err := s.resolveDomain(domainName)
	if err != nil {
		return nil, err
	}
	users, err := d.Resolver().ListUsers(ctx, offset, length)
	if err != nil {
		return nil, ErrServer("list users failed", err)
	}
	out := make([]User, len(users))
	for i, u := range users {
		out[i] = User{LogicalID: u.LogicalID, DomainName: d.Name}
	}
	return out, nil
}

// GetClaims assembles a user's claims from every identity partition (spec.md
// §4.7.4). When metaClaims is non-empty, only the named attribute names are
// requested from each connector.
func (s *VirtualStore) GetClaims(ctx context.Context, logicalID string, metaClaims []MetaClaim, domainName string) ([]Claim, error) {
	if logicalID == "" {
		return nil, ErrClient("logical id is required")
	}
	d, err := s.resolveDomain(domainName)
	if err != nil {
		return nil, err
	}
	uniqueUser, err := d.Resolver().GetUniqueUser(ctx, logicalID)
	if err != nil {
		return nil, ErrUserNotFound("no such user: " + logicalID)
	}

	var attributeFilter []string
	if len(metaClaims) > 0 {
		byConnector := d.GetConnectorIDToMetaClaimMappings()
		seen := make(map[string]bool)
		for _, connMappings := range byConnector {
			for _, m := range connMappings {
				for _, mc := range metaClaims {
					if mc.ClaimURI == m.MetaClaim.ClaimURI && !seen[m.AttributeName] {
						attributeFilter = append(attributeFilter, m.AttributeName)
						seen[m.AttributeName] = true
					}
				}
			}
		}
	}

	byConnector := make(map[string][]Attribute)
	for _, partition := range uniqueUser.IdentityPartitions() {
		connector, err := d.GetIdentityStoreConnectorFromID(partition.ConnectorID)
		if err != nil {
			return nil, err
		}
		attrs, err := connector.GetUserAttributeValues(ctx, partition.ConnectorLocalID, attributeFilter)
		if err != nil {
			return nil, ErrServer("failed to fetch attributes from "+partition.ConnectorID, err)
		}
		byConnector[partition.ConnectorID] = attrs
	}

	return connectorAttributesToClaims(d.GetMetaClaimMappings(), byConnector), nil
}

// --------------------------------------------------------------- writes ---

// AddUser implements spec.md §4.7.5, the core's most subtle write path.
func (s *VirtualStore) AddUser(ctx context.Context, model UserModel, domainName string) (User, error) {
	if len(model.Claims) == 0 && len(model.Credentials) == 0 {
		return User{}, ErrClient("a user must have at least one claim or one credential")
	}
	if len(model.Claims) > 0 && !hasNonEmptyClaim(model.Claims, UsernameClaim) {
		return User{}, ErrClient("username claim is required")
	}

	d, err := s.resolveDomain(domainName)
	if err != nil {
		return User{}, err
	}

	byConnector := claimsToConnectorAttributes(model.Claims, d.GetMetaClaimMappings())

	var identityPartitions []UserPartition
	for connectorID, attrs := range byConnector {
		connector, err := d.GetIdentityStoreConnectorFromID(connectorID)
		if err != nil {
			s.compensateIdentity(ctx, d, identityPartitions)
			return User{}, err
		}
		localID, err := connector.AddUser(ctx, attrs)
		if err != nil {
			s.compensateIdentity(ctx, d, identityPartitions)
			return User{}, ErrServer("failed to add user to "+connectorID, err)
		}
		identityPartitions = append(identityPartitions, UserPartition{ConnectorID: connectorID, ConnectorLocalID: localID, IsIdentityStore: true})
	}

	// The logical id is minted here, ahead of the credential stage (spec.md
	// §4.7.5 step 4 moved earlier without changing the observable result),
	// so every credential connector can be given the same correlation key
	// under MetadataUserID that Authenticate will look it up by later.
	logicalID := uuid.NewString()

	credByConnector := credentialsToConnectors(model.Credentials, credentialCapabilities(d.CredentialConnectors()))
	var credentialPartitions []UserPartition
	for connectorID, creds := range credByConnector {
		connector, err := d.GetCredentialStoreConnectorFromID(connectorID)
		if err != nil {
			s.compensateAll(ctx, d, identityPartitions, credentialPartitions)
			return User{}, err
		}
		for _, cred := range creds {
			cred.Metadata = mergeMetadata(cred.Metadata, map[string]string{MetadataUserID: logicalID})
			localID, err := connector.AddCredential(ctx, cred)
			if err != nil {
				s.compensateAll(ctx, d, identityPartitions, credentialPartitions)
				return User{}, ErrServer("failed to add credential to "+connectorID, err)
			}
			credentialPartitions = append(credentialPartitions, UserPartition{ConnectorID: connectorID, ConnectorLocalID: localID, IsIdentityStore: false})
		}
	}

	allPartitions := append(append([]UserPartition{}, identityPartitions...), credentialPartitions...)
	if err := d.Resolver().AddUser(ctx, UniqueUser{LogicalID: logicalID, Partitions: allPartitions}, d.Name); err != nil {
		s.compensateAll(ctx, d, identityPartitions, credentialPartitions)
		return User{}, ErrServer("failed to commit linkage", err)
	}

	s.publish(d.Name, "user.created", map[string]string{"logical_id": logicalID})
	return User{LogicalID: logicalID, DomainName: d.Name}, nil
}

// AddUsers implements spec.md §4.7.6's bulk path, with the §9.2 resolution:
// any connector write failure for an external key compensates every
// connector partition already written for any key of the batch, then the
// whole batch raises ServerError.
func (s *VirtualStore) AddUsers(ctx context.Context, models []UserModel, domainName string) ([]User, error) {
	if len(models) == 0 {
		return nil, nil
	}
	d, err := s.resolveDomain(domainName)
	if err != nil {
		return nil, err
	}

	externalKeys := make([]string, len(models))
	perUserAttrs := make([]map[string][]Attribute, len(models))
	for i, m := range models {
		if len(m.Claims) > 0 && !hasNonEmptyClaim(m.Claims, UsernameClaim) {
			return nil, ErrClient("username claim is required")
		}
		externalKeys[i] = uuid.NewString()
		perUserAttrs[i] = claimsToConnectorAttributes(m.Claims, d.GetMetaClaimMappings())
	}

	// invert to connectorID -> externalKey -> attrs
	byConnector := make(map[string]map[string][]Attribute)
	for i, attrsByConnector := range perUserAttrs {
		for connectorID, attrs := range attrsByConnector {
			if byConnector[connectorID] == nil {
				byConnector[connectorID] = make(map[string][]Attribute)
			}
			byConnector[connectorID][externalKeys[i]] = attrs
		}
	}

	partitionsByKey := make(map[string][]UserPartition)
	var writtenConnectors []string
	for connectorID, batch := range byConnector {
		connector, err := d.GetIdentityStoreConnectorFromID(connectorID)
		if err != nil {
			s.compensateBulk(ctx, d, partitionsByKey)
			return nil, err
		}
		results, err := connector.AddUsers(ctx, batch)
		// record every partition the connector reports as written, even
		// alongside an error, so compensation reaches it.
		for key, localID := range results {
			partitionsByKey[key] = append(partitionsByKey[key], UserPartition{ConnectorID: connectorID, ConnectorLocalID: localID, IsIdentityStore: true})
		}
		if err != nil {
			s.compensateBulk(ctx, d, partitionsByKey)
			return nil, ErrServer("bulk add failed on "+connectorID, err)
		}
		writtenConnectors = append(writtenConnectors, connectorID)
		for key := range batch {
			if _, ok := results[key]; !ok {
				// a key missing from the result map is a partial failure:
				// compensate everything written so far and abort the batch.
				s.compensateBulk(ctx, d, partitionsByKey)
				return nil, ErrServer("bulk add partially failed on "+connectorID, nil)
			}
		}
	}
	_ = writtenConnectors

	resolverInput := make(map[string]UniqueUser, len(externalKeys))
	for _, key := range externalKeys {
		resolverInput[key] = UniqueUser{LogicalID: key, Partitions: partitionsByKey[key]}
	}
	if err := d.Resolver().AddUsers(ctx, resolverInput, d.Name); err != nil {
		s.compensateBulk(ctx, d, partitionsByKey)
		return nil, ErrServer("failed to commit bulk linkage", err)
	}

	out := make([]User, len(externalKeys))
	for i, key := range externalKeys {
		out[i] = User{LogicalID: key, DomainName: d.Name}
		s.publish(d.Name, "user.created", map[string]string{"logical_id": key})
	}
	return out, nil
}

// UpdateUserClaims implements spec.md §4.7.7.
func (s *VirtualStore) UpdateUserClaims(ctx context.Context, logicalID string, claims []Claim, domainName string) error {
	if logicalID == "" {
		return ErrClient("logical id is required")
	}
	d, err := s.resolveDomain(domainName)
	if err != nil {
		return err
	}
	uniqueUser, err := d.Resolver().GetUniqueUser(ctx, logicalID)
	if err != nil {
		return ErrUserNotFound("no such user: " + logicalID)
	}

	existing := make(map[string]string)
	for _, p := range uniqueUser.IdentityPartitions() {
		existing[p.ConnectorID] = p.ConnectorLocalID
	}

	newIDs := make(map[string]string)
	changed := false

	if len(claims) == 0 && len(existing) > 0 {
		for connectorID, localID := range existing {
			connector, err := d.GetIdentityStoreConnectorFromID(connectorID)
			if err != nil {
				return err
			}
			newLocalID, err := connector.UpdateUserAttributes(ctx, localID, nil)
			if err != nil {
				return ErrServer("failed to clear attributes on "+connectorID, err)
			}
			newIDs[connectorID] = newLocalID
			if newLocalID != localID {
				changed = true
			}
		}
	} else {
		byConnector := claimsToConnectorAttributes(claims, d.GetMetaClaimMappings())
		connectorIDs := make(map[string]bool)
		for id := range byConnector {
			connectorIDs[id] = true
		}
		for id := range existing {
			connectorIDs[id] = true
		}

		for connectorID := range connectorIDs {
			attrs := byConnector[connectorID]
			connector, err := d.GetIdentityStoreConnectorFromID(connectorID)
			if err != nil {
				return err
			}
			localID, ok := existing[connectorID]
			if !ok {
				newLocalID, err := connector.AddUser(ctx, attrs)
				if err != nil {
					return ErrServer("failed to add partition on "+connectorID, err)
				}
				newIDs[connectorID] = newLocalID
				changed = true
				continue
			}
			newLocalID, err := connector.UpdateUserAttributes(ctx, localID, attrs)
			if err != nil {
				return ErrServer("failed to update attributes on "+connectorID, err)
			}
			newIDs[connectorID] = newLocalID
			if newLocalID != localID {
				changed = true
			}
		}
	}

	if changed {
		if err := d.Resolver().UpdateUser(ctx, logicalID, newIDs); err != nil {
			return ErrServer("failed to commit updated linkage", err)
		}
	}
	s.publish(d.Name, "user.claims_updated", map[string]string{"logical_id": logicalID})
	return nil
}

// DeleteUser removes every partition of a user and its linkage entry.
func (s *VirtualStore) DeleteUser(ctx context.Context, logicalID, domainName string) error {
	if logicalID == "" {
		return ErrClient("logical id is required")
	}
	d, err := s.resolveDomain(domainName)
	if err != nil {
		return err
	}
	uniqueUser, err := d.Resolver().GetUniqueUser(ctx, logicalID)
	if err != nil {
		return ErrUserNotFound("no such user: " + logicalID)
	}

	for _, p := range uniqueUser.IdentityPartitions() {
		connector, err := d.GetIdentityStoreConnectorFromID(p.ConnectorID)
		if err != nil {
			s.logger.Warn("delete user: unknown connector", zap.String("connector", p.ConnectorID))
			continue
		}
		if err := connector.DeleteUser(ctx, p.ConnectorLocalID); err != nil {
			return ErrServer("failed to delete user partition on "+p.ConnectorID, err)
		}
	}
	for _, p := range uniqueUser.CredentialPartitions() {
		connector, err := d.GetCredentialStoreConnectorFromID(p.ConnectorID)
		if err != nil {
			s.logger.Warn("delete user: unknown credential connector", zap.String("connector", p.ConnectorID))
			continue
		}
		if err := connector.RemoveAddedCredentialsInAFailure(ctx, []string{p.ConnectorLocalID}); err != nil {
			s.logger.Warn("delete user: credential cleanup failed", zap.Error(err))
		}
	}
	if err := d.Resolver().DeleteUser(ctx, logicalID); err != nil {
		return ErrServer("failed to delete linkage", err)
	}
	s.publish(d.Name, "user.deleted", map[string]string{"logical_id": logicalID})
	return nil
}

// ------------------------------------------------------------- groups ----

// AddGroup mirrors AddUser minus the credential stage (spec.md §4.7.9).
func (s *VirtualStore) AddGroup(ctx context.Context, model GroupModel, domainName string) (Group, error) {
	if len(model.Claims) == 0 {
		return Group{}, ErrClient("a group must have at least one claim")
	}
	d, err := s.resolveDomain(domainName)
	if err != nil {
		return Group{}, err
	}

	byConnector := claimsToConnectorAttributes(model.Claims, d.GetMetaClaimMappings())
	var partitions []UserPartition
	for connectorID, attrs := range byConnector {
		connector, err := d.GetIdentityStoreConnectorFromID(connectorID)
		if err != nil {
			s.compensateIdentityGroups(ctx, d, partitions)
			return Group{}, err
		}
		localID, err := connector.AddGroup(ctx, attrs)
		if err != nil {
			s.compensateIdentityGroups(ctx, d, partitions)
			return Group{}, ErrServer("failed to add group to "+connectorID, err)
		}
		partitions = append(partitions, UserPartition{ConnectorID: connectorID, ConnectorLocalID: localID, IsIdentityStore: true})
	}

	logicalID := uuid.NewString()
	if err := d.Resolver().AddGroup(ctx, UniqueGroup{LogicalID: logicalID, Partitions: partitions}, d.Name); err != nil {
		s.compensateIdentityGroups(ctx, d, partitions)
		return Group{}, ErrServer("failed to commit group linkage", err)
	}

	s.publish(d.Name, "group.created", map[string]string{"logical_id": logicalID})
	return Group{LogicalID: logicalID, DomainName: d.Name}, nil
}

// UpdateGroupClaims mirrors UpdateUserClaims.
func (s *VirtualStore) UpdateGroupClaims(ctx context.Context, logicalID string, claims []Claim, domainName string) error {
	if logicalID == "" {
		return ErrClient("logical id is required")
	}
	d, err := s.resolveDomain(domainName)
	if err != nil {
		return err
	}
	uniqueGroup, err := d.Resolver().GetUniqueGroup(ctx, logicalID)
	if err != nil {
		return ErrGroupNotFound("no such group: " + logicalID)
	}

	existing := make(map[string]string)
	for _, p := range uniqueGroup.IdentityPartitions() {
		existing[p.ConnectorID] = p.ConnectorLocalID
	}

	byConnector := claimsToConnectorAttributes(claims, d.GetMetaClaimMappings())
	newIDs := make(map[string]string)
	for connectorID, localID := range existing {
		attrs := byConnector[connectorID]
		connector, err := d.GetIdentityStoreConnectorFromID(connectorID)
		if err != nil {
			return err
		}
		newLocalID, err := connector.UpdateUserAttributes(ctx, localID, attrs)
		if err != nil {
			return ErrServer("failed to update group attributes on "+connectorID, err)
		}
		newIDs[connectorID] = newLocalID
	}
	for connectorID, attrs := range byConnector {
		if _, ok := existing[connectorID]; ok {
			continue
		}
		connector, err := d.GetIdentityStoreConnectorFromID(connectorID)
		if err != nil {
			return err
		}
		localID, err := connector.AddGroup(ctx, attrs)
		if err != nil {
			return ErrServer("failed to add group partition on "+connectorID, err)
		}
		newIDs[connectorID] = localID
	}

	if err := d.Resolver().UpdateGroup(ctx, logicalID, newIDs); err != nil {
		return ErrServer("failed to commit updated group linkage", err)
	}
	s.publish(d.Name, "group.claims_updated", map[string]string{"logical_id": logicalID})
	return nil
}

// DeleteGroup removes every partition of a group and its linkage entry.
func (s *VirtualStore) DeleteGroup(ctx context.Context, logicalID, domainName string) error {
	if logicalID == "" {
		return ErrClient("logical id is required")
	}
	d, err := s.resolveDomain(domainName)
	if err != nil {
		return err
	}
	uniqueGroup, err := d.Resolver().GetUniqueGroup(ctx, logicalID)
	if err != nil {
		return ErrGroupNotFound("no such group: " + logicalID)
	}
	for _, p := range uniqueGroup.IdentityPartitions() {
		connector, err := d.GetIdentityStoreConnectorFromID(p.ConnectorID)
		if err != nil {
			s.logger.Warn("delete group: unknown connector", zap.String("connector", p.ConnectorID))
			continue
		}
		if err := connector.DeleteGroup(ctx, p.ConnectorLocalID); err != nil {
			return ErrServer("failed to delete group partition on "+p.ConnectorID, err)
		}
	}
	if err := d.Resolver().DeleteGroup(ctx, logicalID); err != nil {
		return ErrServer("failed to delete group linkage", err)
	}
	s.publish(d.Name, "group.deleted", map[string]string{"logical_id": logicalID})
	return nil
}

// GetGroupsOfUser, GetUsersOfGroup, IsUserInGroup re-enter the resolver
// directly; there is no connector fan-out on the membership read path.
func (s *VirtualStore) GetGroupsOfUser(ctx context.Context, logicalUserID, domainName string) ([]Group, error) {
	d, err := s.resolveDomain(domainName)
	if err != nil {
		return nil, err
	}
	groups, err := d.Resolver().GetGroupsOfUser(ctx, logicalUserID)
	if err != nil {
		return nil, ErrServer("failed to list groups of user", err)
	}
	out := make([]Group, len(groups))
	for i, g := range groups {
		out[i] = Group{LogicalID: g.LogicalID, DomainName: d.Name}
	}
	return out, nil
}

func (s *VirtualStore) GetUsersOfGroup(ctx context.Context, logicalGroupID, domainName string) ([]User, error) {
	d, err := s.resolveDomain(domainName)
	if err != nil {
		return nil, err
	}
	users, err := d.Resolver().GetUsersOfGroup(ctx, logicalGroupID)
	if err != nil {
		return nil, ErrServer("failed to list users of group", err)
	}
	out := make([]User, len(users))
	for i, u := range users {
		out[i] = User{LogicalID: u.LogicalID, DomainName: d.Name}
	}
	return out, nil
}

func (s *VirtualStore) IsUserInGroup(ctx context.Context, logicalUserID, logicalGroupID, domainName string) (bool, error) {
	d, err := s.resolveDomain(domainName)
	if err != nil {
		return false, err
	}
	in, err := d.Resolver().IsUserInGroup(ctx, logicalUserID, logicalGroupID)
	if err != nil {
		return false, ErrServer("failed to check group membership", err)
	}
	return in, nil
}

// UpdateUsersOfGroup adds/removes the given users from a group in one call
// (supplements spec.md §9.3's invitation to derive group-write symmetry).
func (s *VirtualStore) UpdateUsersOfGroup(ctx context.Context, logicalGroupID string, addUserIDs, removeUserIDs []string, domainName string) error {
	d, err := s.resolveDomain(domainName)
	if err != nil {
		return err
	}
	for _, userID := range addUserIDs {
		if err := d.Resolver().AddUserToGroup(ctx, userID, logicalGroupID); err != nil {
			return ErrServer("failed to add user to group", err)
		}
	}
	for _, userID := range removeUserIDs {
		if err := d.Resolver().RemoveUserFromGroup(ctx, userID, logicalGroupID); err != nil {
			return ErrServer("failed to remove user from group", err)
		}
	}
	s.publish(d.Name, "group.membership_changed", map[string]interface{}{"logical_id": logicalGroupID, "added": addUserIDs, "removed": removeUserIDs})
	return nil
}

// UpdateGroupsOfUser is the user-centric inverse of UpdateUsersOfGroup.
func (s *VirtualStore) UpdateGroupsOfUser(ctx context.Context, logicalUserID string, addGroupIDs, removeGroupIDs []string, domainName string) error {
	d, err := s.resolveDomain(domainName)
	if err != nil {
		return err
	}
	for _, groupID := range addGroupIDs {
		if err := d.Resolver().AddUserToGroup(ctx, logicalUserID, groupID); err != nil {
			return ErrServer("failed to add user to group", err)
		}
	}
	for _, groupID := range removeGroupIDs {
		if err := d.Resolver().RemoveUserFromGroup(ctx, logicalUserID, groupID); err != nil {
			return ErrServer("failed to remove user from group", err)
		}
	}
	s.publish(d.Name, "group.membership_changed", map[string]interface{}{"logical_id": logicalUserID, "added_groups": addGroupIDs, "removed_groups": removeGroupIDs})
	return nil
}

// -------------------------------------------------------- authenticate ---

// Authenticate implements spec.md §4.7.8. On this path internal errors
// collapse into AuthenticationFailure: the caller cannot distinguish a
// claim mismatch, a missing user, or a credential mismatch.
func (s *VirtualStore) Authenticate(ctx context.Context, claim Claim, credential Credential, domainName string) (AuthenticationContext, error) {
	var candidates []*Domain
	if domainName != "" {
		d, err := s.registry.GetDomainFromDomainName(domainName)
		if err != nil {
			return AuthenticationContext{}, ErrAuthFailure("domain not found")
		}
		candidates = []*Domain{d}
	} else {
		for _, d := range s.registry.Domains() {
			if d.IsClaimSupported(claim.ClaimURI) {
				candidates = append(candidates, d)
			}
		}
	}

	for _, d := range candidates {
		ctxResult, err := s.authenticateInDomain(ctx, d, claim, credential)
		if err != nil {
			continue // AuthenticationFailure from a domain is swallowed; try the next
		}
		return ctxResult, nil
	}
	return AuthenticationContext{}, ErrAuthFailure("authentication failed")
}

func (s *VirtualStore) authenticateInDomain(ctx context.Context, d *Domain, claim Claim, credential Credential) (AuthenticationContext, error) {
	mapping, err := d.GetMetaClaimMapping(claim.ClaimURI)
	if err != nil {
		return AuthenticationContext{}, ErrAuthFailure("no mapping for claim")
	}
	if !mapping.Unique {
		return AuthenticationContext{}, ErrAuthFailure("claim is not unique")
	}

	connector, err := d.GetIdentityStoreConnectorFromID(mapping.IdentityConnectorID)
	if err != nil {
		return AuthenticationContext{}, ErrAuthFailure("connector not found")
	}
	connectorUserID, err := connector.GetConnectorUserID(ctx, mapping.AttributeName, claim.Value)
	if err != nil || connectorUserID == "" {
		return AuthenticationContext{}, ErrAuthFailure("claim does not resolve to a user")
	}

	uniqueUser, err := d.Resolver().GetUniqueUserFromConnectorUserID(ctx, connectorUserID, mapping.IdentityConnectorID)
	if err != nil {
		return AuthenticationContext{}, ErrAuthFailure("linkage missing")
	}

	for _, partition := range uniqueUser.CredentialPartitions() {
		credConnector, err := d.GetCredentialStoreConnectorFromID(partition.ConnectorID)
		if err != nil {
			continue
		}
		// MetadataUserID carries the logical id, the same correlation key
		// AddUser injected at AddCredential time — not partition.ConnectorLocalID,
		// which is the credential row's own primary key inside its connector.
		bundle := Credential{
			Type:  credential.Type,
			Value: credential.Value,
			Metadata: mergeMetadata(credential.Metadata, map[string]string{
				MetadataUserID: uniqueUser.LogicalID,
			}),
		}
		if !credConnector.CanHandle(bundle) {
			continue
		}
		if err := credConnector.Authenticate(ctx, bundle); err != nil {
			return AuthenticationContext{}, ErrAuthFailure("credential verification failed")
		}
		s.publish(d.Name, "auth.success", map[string]string{"logical_id": uniqueUser.LogicalID})
		return AuthenticationContext{
			User:            &User{LogicalID: uniqueUser.LogicalID, DomainName: d.Name},
			AuthenticatedAt: time.Now(),
		}, nil
	}

	s.publish(d.Name, "auth.failed", map[string]string{"claim_uri": claim.ClaimURI})
	return AuthenticationContext{}, ErrAuthFailure("no matching credential partition")
}

// --------------------------------------------------------- compensation --

func (s *VirtualStore) compensateIdentity(ctx context.Context, d *Domain, partitions []UserPartition) {
	s.compensateAll(ctx, d, partitions, nil)
}

func (s *VirtualStore) compensateAll(ctx context.Context, d *Domain, identityPartitions, credentialPartitions []UserPartition) {
	byConnector := make(map[string][]string)
	for _, p := range identityPartitions {
		byConnector[p.ConnectorID] = append(byConnector[p.ConnectorID], p.ConnectorLocalID)
	}
	for connectorID, ids := range byConnector {
		connector, err := d.GetIdentityStoreConnectorFromID(connectorID)
		if err != nil {
			continue
		}
		if err := connector.RemoveAddedUsersInAFailure(ctx, ids); err != nil {
			s.logger.Warn("compensation failed", zap.String("connector", connectorID), zap.Error(err))
		}
	}

	credByConnector := make(map[string][]string)
	for _, p := range credentialPartitions {
		credByConnector[p.ConnectorID] = append(credByConnector[p.ConnectorID], p.ConnectorLocalID)
	}
	for connectorID, ids := range credByConnector {
		connector, err := d.GetCredentialStoreConnectorFromID(connectorID)
		if err != nil {
			continue
		}
		if err := connector.RemoveAddedCredentialsInAFailure(ctx, ids); err != nil {
			s.logger.Warn("credential compensation failed", zap.String("connector", connectorID), zap.Error(err))
		}
	}
}

func (s *VirtualStore) compensateBulk(ctx context.Context, d *Domain, partitionsByKey map[string][]UserPartition) {
	for _, partitions := range partitionsByKey {
		s.compensateIdentity(ctx, d, partitions)
	}
}

func (s *VirtualStore) compensateIdentityGroups(ctx context.Context, d *Domain, partitions []UserPartition) {
	byConnector := make(map[string][]string)
	for _, p := range partitions {
		byConnector[p.ConnectorID] = append(byConnector[p.ConnectorID], p.ConnectorLocalID)
	}
	for connectorID, ids := range byConnector {
		connector, err := d.GetIdentityStoreConnectorFromID(connectorID)
		if err != nil {
			continue
		}
		if err := connector.RemoveAddedGroupsInAFailure(ctx, ids); err != nil {
			s.logger.Warn("group compensation failed", zap.String("connector", connectorID), zap.Error(err))
		}
	}
}

// --------------------------------------------------------------- helpers -

func hasNonEmptyClaim(claims []Claim, claimURI string) bool {
	for _, c := range claims {
		if c.ClaimURI == claimURI && c.Value != "" {
			return true
		}
	}
	return false
}

func mergeMetadata(base map[string]string, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func credentialCapabilities(connectors []CredentialConnector) []credentialConnectorCapability {
	out := make([]credentialConnectorCapability, len(connectors))
	for i, c := range connectors {
		out[i] = c
	}
	return out
}
