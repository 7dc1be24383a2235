// Package totp implements identitystore.CredentialConnector over
// github.com/pquerna/otp, grounded on internal/auth/totp_api.go and
// internal/auth/totp_store.go's enroll/verify flow.
package totp

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/dhawalhost/wardseal/internal/identitystore"
)

const credentialType = "totp"

// Issuer is the TOTP issuer name presented in generated keys.
const Issuer = "WardSeal"

// Connector stores TOTP secrets keyed by the owning user's logical id
// (identitystore.MetadataUserID). Schema:
//
//	totp_credentials(id text primary key, user_id text not null, secret text not null)
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

// AddCredential expects credential.Value to be the already-generated
// base32 secret (typically produced via totp.Generate by the enrollment
// flow, not by this connector).
func (c *Connector) AddCredential(ctx context.Context, credential identitystore.Credential) (string, error) {
	if credential.Value == "" {
		return "", fmt.Errorf("totp: missing secret")
	}
	id := uuid.NewString()
	userID := credential.Metadata[identitystore.MetadataUserID]
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO totp_credentials (id, user_id, secret) VALUES ($1, $2, $3)`,
		id, userID, credential.Value)
	if err != nil {
		return "", fmt.Errorf("totp: store secret: %w", err)
	}
	return id, nil
}

func (c *Connector) Authenticate(ctx context.Context, credential identitystore.Credential) error {
	userID := credential.Metadata[identitystore.MetadataUserID]
	var secret string
	err := c.db.GetContext(ctx, &secret, `SELECT secret FROM totp_credentials WHERE user_id = $1`, userID)
	if err != nil {
		return identitystore.ErrAuthFailure("no totp credential on record")
	}
	if !totp.Validate(credential.Value, secret) {
		return identitystore.ErrAuthFailure("totp code mismatch")
	}
	return nil
}

func (c *Connector) RemoveAddedCredentialsInAFailure(ctx context.Context, connectorLocalIDs []string) error {
	if len(connectorLocalIDs) == 0 {
		return nil
	}
	_, err := c.db.ExecContext(ctx, `DELETE FROM totp_credentials WHERE id = ANY($1)`, connectorLocalIDs)
	return err
}

// GenerateSecret mints a new TOTP key for enrollment, mirroring
// internal/auth/totp_api.go's enrollTOTP handler.
func GenerateSecret(accountName string) (*otp.Key, error) {
	return totp.Generate(totp.GenerateOpts{Issuer: Issuer, AccountName: accountName})
}
