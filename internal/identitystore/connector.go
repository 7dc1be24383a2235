package identitystore

import "context"

// IdentityConnector is the C2 contract: CRUD of attribute partitions in one
// backend, plus lookup of a connector-user-id by attribute. Implementations
// live under internal/identitystore/connectors/*.
type IdentityConnector interface {
	ID() string

	AddUser(ctx context.Context, attrs []Attribute) (connectorLocalID string, err error)
	// AddUsers is the bulk form. Partial success is permitted: the returned
	// map may cover only some of the requested external keys, in which case
	// the caller treats the missing ones as failures for that key.
	AddUsers(ctx context.Context, attrs map[string][]Attribute) (map[string]string, error)
	UpdateUserAttributes(ctx context.Context, connectorLocalID string, attrs []Attribute) (newConnectorLocalID string, err error)
	GetConnectorUserID(ctx context.Context, attributeName, value string) (string, error)
	ListConnectorUserIDs(ctx context.Context, attributeName, value string, offset, length int) ([]string, error)
	ListConnectorUserIDsByPattern(ctx context.Context, attributeName, pattern string, offset, length int) ([]string, error)
	GetUserAttributeValues(ctx context.Context, connectorLocalID string, attributeNames []string) ([]Attribute, error)
	DeleteUser(ctx context.Context, connectorLocalID string) error
	// RemoveAddedUsersInAFailure is compensation: best-effort, idempotent,
	// must not propagate an error unless it genuinely could not clean up.
	RemoveAddedUsersInAFailure(ctx context.Context, connectorLocalIDs []string) error

	AddGroup(ctx context.Context, attrs []Attribute) (connectorLocalID string, err error)
	ListConnectorGroupIDs(ctx context.Context, attributeName, value string, offset, length int) ([]string, error)
	GetGroupAttributeValues(ctx context.Context, connectorLocalID string, attributeNames []string) ([]Attribute, error)
	DeleteGroup(ctx context.Context, connectorLocalID string) error
	RemoveAddedGroupsInAFailure(ctx context.Context, connectorLocalIDs []string) error
}

// CredentialConnector is the C3 contract: persist and verify credentials in
// one backend, and decide whether it can handle a given credential.
type CredentialConnector interface {
	ID() string
	GetCredentialStoreConnectorID() string

	// CanStore is a cheap, side-effect-free predicate used when routing a
	// credential during a write.
	CanStore(credential Credential) bool
	// CanHandle is the read-path counterpart, consulted during
	// authentication with the stored credential's bundle.
	CanHandle(credential Credential) bool

	AddCredential(ctx context.Context, credential Credential) (connectorLocalID string, err error)
	// Authenticate verifies credential against the credential stored for the
	// logical user id in metadata[MetadataUserID]. It returns an *Error{Kind: KindAuthenticationFailure}
	// on mismatch and nil on success.
	Authenticate(ctx context.Context, credential Credential) error
	RemoveAddedCredentialsInAFailure(ctx context.Context, connectorLocalIDs []string) error
}
