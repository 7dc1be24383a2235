// Package webauthn implements identitystore.CredentialConnector over
// github.com/go-webauthn/webauthn credential descriptors, grounded on
// internal/auth/webauthn_store.go's SaveCredential/ListCredentials
// repository. The registration and assertion ceremonies (challenge
// issuance, origin/RP validation) stay the concern of the outer auth
// service; this connector only persists the resulting credential and
// checks a previously-verified assertion's sign counter on the
// federation's synchronous Authenticate path.
package webauthn

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/dhawalhost/wardseal/internal/identitystore"
)

const credentialType = "webauthn"

// Connector stores one webauthn.Credential per row, keyed by the owning
// user's logical id (identitystore.MetadataUserID). Schema:
//
//	webauthn_credentials(id text primary key, user_id text not null, credential jsonb not null, sign_count bigint not null)
type Connector struct {
	id string
	db *sqlx.DB
}

var _ identitystore.CredentialConnector = (*Connector)(nil)

func New(id string, db *sqlx.DB) *Connector {
	return &Connector{id: id, db: db}
}

func (c *Connector) ID() string                            { return c.id }
func (c *Connector) GetCredentialStoreConnectorID() string { return c.id }

func (c *Connector) CanStore(credential identitystore.Credential) bool {
	return credential.Type == credentialType
}

func (c *Connector) CanHandle(credential identitystore.Credential) bool {
	return credential.Type == credentialType && credential.Metadata[identitystore.MetadataUserID] != ""
}

// AddCredential expects credential.Value to hold the JSON-encoded
// webauthn.Credential produced by a completed registration ceremony.
func (c *Connector) AddCredential(ctx context.Context, credential identitystore.Credential) (string, error) {
	var cred webauthn.Credential
	if err := json.Unmarshal([]byte(credential.Value), &cred); err != nil {
		return "", fmt.Errorf("webauthn: decode credential: %w", err)
	}
	id := uuid.NewString()
	userID := credential.Metadata[identitystore.MetadataUserID]
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO webauthn_credentials (id, user_id, credential, sign_count) VALUES ($1, $2, $3, $4)`,
		id, userID, credential.Value, cred.Authenticator.SignCount)
	if err != nil {
		return "", fmt.Errorf("webauthn: store credential: %w", err)
	}
	return id, nil
}

// Authenticate here validates a completed, library-verified assertion: it
// checks that the assertion's sign counter has advanced past the stored
// value, which is the one piece of anti-cloning state this store owns. A
// sign counter of zero (an authenticator without a counter) skips that check.
// credential.Value carries the JSON-encoded webauthn.Credential returned
// by webauthn.FinishLogin.
func (c *Connector) Authenticate(ctx context.Context, credential identitystore.Credential) error {
	userID := credential.Metadata[identitystore.MetadataUserID]
	var storedJSON string
	var storedSignCount uint32
	err := c.db.QueryRowContext(ctx,
		`SELECT credential, sign_count FROM webauthn_credentials WHERE user_id = $1`, userID).
		Scan(&storedJSON, &storedSignCount)
	if err != nil {
		return identitystore.ErrAuthFailure("no webauthn credential on record")
	}

	var asserted webauthn.Credential
	if err := json.Unmarshal([]byte(credential.Value), &asserted); err != nil {
		return identitystore.ErrAuthFailure("malformed assertion")
	}
	if asserted.Authenticator.SignCount != 0 && asserted.Authenticator.SignCount <= storedSignCount {
		return identitystore.ErrAuthFailure("sign counter did not advance, possible clone")
	}

	if _, err := c.db.ExecContext(ctx,
		`UPDATE webauthn_credentials SET sign_count = $1 WHERE user_id = $2`,
		asserted.Authenticator.SignCount, userID); err != nil {
		return fmt.Errorf("webauthn: persist sign count: %w", err)
	}
	return nil
}

func (c *Connector) RemoveAddedCredentialsInAFailure(ctx context.Context, connectorLocalIDs []string) error {
	if len(connectorLocalIDs) == 0 {
		return nil
	}
	_, err := c.db.ExecContext(ctx, `DELETE FROM webauthn_credentials WHERE id = ANY($1)`, connectorLocalIDs)
	return err
}
