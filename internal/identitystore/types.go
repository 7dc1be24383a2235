// Package identitystore implements a virtual identity store: a federation
// layer that presents one logical user/group directory on top of several
// heterogeneous backing connectors (LDAP shards, SQL tables, credential
// vaults).
package identitystore

import "time"

// Claim is a caller-visible, dialect-qualified fact about a subject.
type Claim struct {
	DialectURI string
	ClaimURI   string
	Value      string
}

// MetaClaim is the schema of a claim without its value.
type MetaClaim struct {
	DialectURI string
	ClaimURI   string
	Unique     bool
}

// MetaClaimMapping binds one MetaClaim to a connector-local attribute name
// inside one domain. A claim URI maps to at most one connector per domain.
type MetaClaimMapping struct {
	MetaClaim           MetaClaim
	IdentityConnectorID string
	AttributeName       string
	Unique              bool
}

// Attribute is the connector-local, dialect-free form of a claim.
type Attribute struct {
	Name  string
	Value string
}

// Credential is an opaque, connector-specific authentication secret (a
// password, a TOTP code, a WebAuthn assertion, ...). Metadata carries
// side-channel data a connector needs to verify it (e.g. the logical user
// id under MetadataUserID).
type Credential struct {
	Type     string
	Value    string
	Metadata map[string]string
}

// MetadataUserID is the well-known metadata key carrying the logical user id
// alongside a credential, both when it is stored (AddCredential) and when it
// is verified (Authenticate). It is the same correlation key in both cases,
// not a connector-local partition id.
const MetadataUserID = "USER_ID"

// UsernameClaim is the claim URI required on every new user (spec.md §6).
const UsernameClaim = "http://wso2.org/claims/username"

// UserPartition is the slice of a user that lives in one connector.
type UserPartition struct {
	ConnectorID      string
	ConnectorLocalID string
	IsIdentityStore  bool
}

// UniqueUser is the resolver's authoritative record of a logical user.
type UniqueUser struct {
	LogicalID  string
	Partitions []UserPartition
}

// UniqueGroup is the resolver's authoritative record of a logical group.
// Groups carry no credential partitions.
type UniqueGroup struct {
	LogicalID  string
	Partitions []UserPartition
}

// IdentityPartitions returns the partitions of u that live in an identity
// (attribute) connector, i.e. IsIdentityStore == true.
func (u UniqueUser) IdentityPartitions() []UserPartition {
	return filterPartitions(u.Partitions, true)
}

// CredentialPartitions returns the partitions of u that live in a credential
// connector, i.e. IsIdentityStore == false.
func (u UniqueUser) CredentialPartitions() []UserPartition {
	return filterPartitions(u.Partitions, false)
}

// IdentityPartitions returns the attribute partitions of g.
func (g UniqueGroup) IdentityPartitions() []UserPartition {
	return filterPartitions(g.Partitions, true)
}

func filterPartitions(partitions []UserPartition, identityStore bool) []UserPartition {
	out := make([]UserPartition, 0, len(partitions))
	for _, p := range partitions {
		if p.IsIdentityStore == identityStore {
			out = append(out, p)
		}
	}
	return out
}

// ConnectorLocalID looks up the partition belonging to connectorID, if any.
func (u UniqueUser) ConnectorLocalID(connectorID string) (string, bool) {
	for _, p := range u.Partitions {
		if p.ConnectorID == connectorID {
			return p.ConnectorLocalID, true
		}
	}
	return "", false
}

// UserModel is the caller-supplied payload for AddUser/UpdateUserClaims.
type UserModel struct {
	Claims      []Claim
	Credentials []Credential
}

// GroupModel is the caller-supplied payload for AddGroup.
type GroupModel struct {
	Claims []Claim
}

// AuthenticationContext is returned by a successful Authenticate call.
type AuthenticationContext struct {
	User            *User
	AuthenticatedAt time.Time
}
