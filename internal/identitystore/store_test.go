package identitystore

import (
	"context"
	"sync"
	"testing"

	"go.uber.org/zap"
)

// fakeIdentityConnector is an in-memory IdentityConnector used to exercise
// VirtualStore without a real backend. It can be made to fail on command,
// which is what the compensation tests need.
type fakeIdentityConnector struct {
	id string

	mu      sync.Mutex
	users   map[string][]Attribute
	groups  map[string][]Attribute
	seq     int
	failAdd bool
}

func newFakeIdentityConnector(id string) *fakeIdentityConnector {
	return &fakeIdentityConnector{id: id, users: map[string][]Attribute{}, groups: map[string][]Attribute{}}
}

func (f *fakeIdentityConnector) ID() string { return f.id }

func (f *fakeIdentityConnector) nextID() string {
	f.seq++
	return "id-" + string(rune('0'+f.seq))
}

func (f *fakeIdentityConnector) AddUser(ctx context.Context, attrs []Attribute) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAdd {
		return "", ErrServer("forced failure", nil)
	}
	id := f.nextID()
	f.users[id] = attrs
	return id, nil
}

func (f *fakeIdentityConnector) AddUsers(ctx context.Context, attrs map[string][]Attribute) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string)
	for key, a := range attrs {
		id := f.nextID()
		f.users[id] = a
		out[key] = id
	}
	return out, nil
}

func (f *fakeIdentityConnector) UpdateUserAttributes(ctx context.Context, connectorLocalID string, attrs []Attribute) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[connectorLocalID] = attrs
	return connectorLocalID, nil
}

func (f *fakeIdentityConnector) GetConnectorUserID(ctx context.Context, attributeName, value string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, attrs := range f.users {
		for _, a := range attrs {
			if a.Name == attributeName && a.Value == value {
				return id, nil
			}
		}
	}
	return "", nil
}

func (f *fakeIdentityConnector) ListConnectorUserIDs(ctx context.Context, attributeName, value string, offset, length int) ([]string, error) {
	return nil, nil
}

func (f *fakeIdentityConnector) ListConnectorUserIDsByPattern(ctx context.Context, attributeName, pattern string, offset, length int) ([]string, error) {
	return nil, nil
}

func (f *fakeIdentityConnector) GetUserAttributeValues(ctx context.Context, connectorLocalID string, attributeNames []string) ([]Attribute, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[connectorLocalID], nil
}

func (f *fakeIdentityConnector) DeleteUser(ctx context.Context, connectorLocalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.users, connectorLocalID)
	return nil
}

func (f *fakeIdentityConnector) RemoveAddedUsersInAFailure(ctx context.Context, connectorLocalIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range connectorLocalIDs {
		delete(f.users, id)
	}
	return nil
}

func (f *fakeIdentityConnector) AddGroup(ctx context.Context, attrs []Attribute) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID()
	f.groups[id] = attrs
	return id, nil
}

func (f *fakeIdentityConnector) ListConnectorGroupIDs(ctx context.Context, attributeName, value string, offset, length int) ([]string, error) {
	return nil, nil
}

func (f *fakeIdentityConnector) GetGroupAttributeValues(ctx context.Context, connectorLocalID string, attributeNames []string) ([]Attribute, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.groups[connectorLocalID], nil
}

func (f *fakeIdentityConnector) DeleteGroup(ctx context.Context, connectorLocalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.groups, connectorLocalID)
	return nil
}

func (f *fakeIdentityConnector) RemoveAddedGroupsInAFailure(ctx context.Context, connectorLocalIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range connectorLocalIDs {
		delete(f.groups, id)
	}
	return nil
}

// fakeCredConnector is an in-memory CredentialConnector. Like the real
// password/totp/webauthn connectors, it stores each credential under its
// own generated primary-key id but looks it up for authentication by the
// logical user id carried in credential.Metadata[MetadataUserID] — the two
// are deliberately different keys, to catch the write/read mismatch a real
// backend would surface.
type fakeCredConnector struct {
	id string

	mu          sync.Mutex
	credentials map[string]Credential // keyed by generated primary-key id
	byUser      map[string]string     // logical user id -> primary-key id
	seq         int
	failAdd     bool
}

func newFakeCredConnector(id string) *fakeCredConnector {
	return &fakeCredConnector{id: id, credentials: map[string]Credential{}, byUser: map[string]string{}}
}

func (f *fakeCredConnector) ID() string                            { return f.id }
func (f *fakeCredConnector) GetCredentialStoreConnectorID() string { return f.id }
func (f *fakeCredConnector) CanStore(c Credential) bool            { return c.Type == f.id }
func (f *fakeCredConnector) CanHandle(c Credential) bool           { return c.Type == f.id }

func (f *fakeCredConnector) AddCredential(ctx context.Context, credential Credential) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAdd {
		return "", ErrServer("forced credential failure", nil)
	}
	f.seq++
	id := "cred-" + string(rune('0'+f.seq))
	f.credentials[id] = credential
	f.byUser[credential.Metadata[MetadataUserID]] = id
	return id, nil
}

func (f *fakeCredConnector) Authenticate(ctx context.Context, credential Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID := credential.Metadata[MetadataUserID]
	id, ok := f.byUser[userID]
	stored, ok2 := f.credentials[id]
	if !ok || !ok2 || stored.Value != credential.Value {
		return ErrAuthFailure("credential mismatch")
	}
	return nil
}

func (f *fakeCredConnector) RemoveAddedCredentialsInAFailure(ctx context.Context, connectorLocalIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range connectorLocalIDs {
		if cred, ok := f.credentials[id]; ok {
			delete(f.byUser, cred.Metadata[MetadataUserID])
		}
		delete(f.credentials, id)
	}
	return nil
}

func testDomainMappings() []MetaClaimMapping {
	return []MetaClaimMapping{
		{
			MetaClaim:           MetaClaim{ClaimURI: UsernameClaim, Unique: true},
			IdentityConnectorID: "idp",
			AttributeName:       "username",
			Unique:              true,
		},
	}
}

func newTestStore(t *testing.T, identity *fakeIdentityConnector, cred *fakeCredConnector) (*VirtualStore, *Domain) {
	t.Helper()
	d := NewDomain("local", 0,
		[]IdentityConnector{identity},
		[]CredentialConnector{cred},
		testDomainMappings(),
		NewMemoryResolver(),
	)
	registry, err := NewDomainRegistry([]*Domain{d})
	if err != nil {
		t.Fatalf("NewDomainRegistry: %v", err)
	}
	return NewVirtualStore(registry, zap.NewNop()), d
}

func TestVirtualStoreAddUserAndReadBack(t *testing.T) {
	ctx := context.Background()
	idp := newFakeIdentityConnector("idp")
	cred := newFakeCredConnector("password")
	store, _ := newTestStore(t, idp, cred)

	model := UserModel{
		Claims:      []Claim{{ClaimURI: UsernameClaim, Value: "jdoe"}},
		Credentials: []Credential{{Type: "password", Value: "hunter2"}},
	}
	user, err := store.AddUser(ctx, model, "")
	if err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	if user.LogicalID == "" {
		t.Fatalf("expected a logical id")
	}

	got, err := store.GetUser(ctx, user.LogicalID, "")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got.LogicalID != user.LogicalID {
		t.Fatalf("unexpected user: %+v", got)
	}

	claims, err := store.GetClaims(ctx, user.LogicalID, nil, "")
	if err != nil {
		t.Fatalf("GetClaims: %v", err)
	}
	if len(claims) != 1 || claims[0].Value != "jdoe" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVirtualStoreAddUserCompensatesOnCredentialFailure(t *testing.T) {
	ctx := context.Background()
	idp := newFakeIdentityConnector("idp")
	cred := newFakeCredConnector("password")
	cred.failAdd = true
	store, _ := newTestStore(t, idp, cred)

	model := UserModel{
		Claims:      []Claim{{ClaimURI: UsernameClaim, Value: "jdoe"}},
		Credentials: []Credential{{Type: "password", Value: "hunter2"}},
	}
	_, err := store.AddUser(ctx, model, "")
	if err == nil {
		t.Fatalf("expected error from forced credential failure")
	}
	if KindOf(err) != KindServerError {
		t.Fatalf("expected ServerError, got %v", KindOf(err))
	}

	idp.mu.Lock()
	remaining := len(idp.users)
	idp.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected identity partition to be compensated away, found %d remaining", remaining)
	}
}

func TestVirtualStoreAddUserRequiresUsernameClaim(t *testing.T) {
	ctx := context.Background()
	idp := newFakeIdentityConnector("idp")
	cred := newFakeCredConnector("password")
	store, _ := newTestStore(t, idp, cred)

	_, err := store.AddUser(ctx, UserModel{Claims: []Claim{{ClaimURI: "http://wso2.org/claims/emailaddress", Value: "a@b.com"}}}, "")
	if err == nil || KindOf(err) != KindClientError {
		t.Fatalf("expected ClientError for missing username claim, got %v", err)
	}
}

func TestVirtualStoreAuthenticateSuccessAndFailure(t *testing.T) {
	ctx := context.Background()
	idp := newFakeIdentityConnector("idp")
	cred := newFakeCredConnector("password")
	store, _ := newTestStore(t, idp, cred)

	model := UserModel{
		Claims:      []Claim{{ClaimURI: UsernameClaim, Value: "jdoe"}},
		Credentials: []Credential{{Type: "password", Value: "hunter2"}},
	}
	if _, err := store.AddUser(ctx, model, ""); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	authCtx, err := store.Authenticate(ctx, Claim{ClaimURI: UsernameClaim, Value: "jdoe"}, Credential{Type: "password", Value: "hunter2"}, "")
	if err != nil {
		t.Fatalf("expected successful authentication, got %v", err)
	}
	if authCtx.User == nil || authCtx.User.LogicalID == "" {
		t.Fatalf("expected authenticated user context, got %+v", authCtx)
	}

	_, err = store.Authenticate(ctx, Claim{ClaimURI: UsernameClaim, Value: "jdoe"}, Credential{Type: "password", Value: "wrong"}, "")
	if err == nil || KindOf(err) != KindAuthenticationFailure {
		t.Fatalf("expected AuthenticationFailure for wrong password, got %v", err)
	}

	_, err = store.Authenticate(ctx, Claim{ClaimURI: UsernameClaim, Value: "nobody"}, Credential{Type: "password", Value: "hunter2"}, "")
	if err == nil || KindOf(err) != KindAuthenticationFailure {
		t.Fatalf("expected AuthenticationFailure for unknown user, got %v", err)
	}
}

func TestVirtualStoreAuthenticateRejectsNonUniqueClaim(t *testing.T) {
	ctx := context.Background()
	idp := newFakeIdentityConnector("idp")
	cred := newFakeCredConnector("password")
	d := NewDomain("local", 0,
		[]IdentityConnector{idp},
		[]CredentialConnector{cred},
		[]MetaClaimMapping{{
			MetaClaim:           MetaClaim{ClaimURI: "http://wso2.org/claims/emailaddress"},
			IdentityConnectorID: "idp",
			AttributeName:       "email",
			Unique:              false,
		}},
		NewMemoryResolver(),
	)
	registry, err := NewDomainRegistry([]*Domain{d})
	if err != nil {
		t.Fatalf("NewDomainRegistry: %v", err)
	}
	store := NewVirtualStore(registry, zap.NewNop())

	_, err = store.Authenticate(ctx, Claim{ClaimURI: "http://wso2.org/claims/emailaddress", Value: "a@b.com"}, Credential{Type: "password", Value: "x"}, "")
	if err == nil || KindOf(err) != KindAuthenticationFailure {
		t.Fatalf("expected AuthenticationFailure for non-unique claim, got %v", err)
	}
}

func TestVirtualStoreListUsersZeroLengthSkipsIO(t *testing.T) {
	ctx := context.Background()
	idp := newFakeIdentityConnector("idp")
	cred := newFakeCredConnector("password")
	store, _ := newTestStore(t, idp, cred)

	out, err := store.ListUsers(ctx, 0, 0, "no-such-domain")
	if err != nil {
		t.Fatalf("expected no error (and no domain resolution) for zero length, got %v", err)
	}
	if out != nil {
		t.Fatalf("expected nil result, got %+v", out)
	}
}

func TestVirtualStoreUnknownDomainNameIsServerError(t *testing.T) {
	ctx := context.Background()
	idp := newFakeIdentityConnector("idp")
	cred := newFakeCredConnector("password")
	store, _ := newTestStore(t, idp, cred)

	_, err := store.GetUser(ctx, "some-id", "no-such-domain")
	if err == nil || KindOf(err) != KindServerError {
		t.Fatalf("expected ServerError for unknown explicit domain name, got %v", err)
	}
}

func TestVirtualStoreDeleteUserRemovesPartitionsAndLinkage(t *testing.T) {
	ctx := context.Background()
	idp := newFakeIdentityConnector("idp")
	cred := newFakeCredConnector("password")
	store, _ := newTestStore(t, idp, cred)

	model := UserModel{
		Claims:      []Claim{{ClaimURI: UsernameClaim, Value: "jdoe"}},
		Credentials: []Credential{{Type: "password", Value: "hunter2"}},
	}
	user, err := store.AddUser(ctx, model, "")
	if err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	if err := store.DeleteUser(ctx, user.LogicalID, ""); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}

	if _, err := store.GetUser(ctx, user.LogicalID, ""); err == nil || KindOf(err) != KindUserNotFound {
		t.Fatalf("expected UserNotFound after delete, got %v", err)
	}

	idp.mu.Lock()
	remaining := len(idp.users)
	idp.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected identity partition removed on delete, found %d remaining", remaining)
	}
}
