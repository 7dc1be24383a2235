// Package password implements identitystore.CredentialConnector using
// bcrypt-hashed passwords, grounded on internal/directory/service.go's
// CreateUser/VerifyCredentials bcrypt usage.
package password

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/bcrypt"

	"github.com/dhawalhost/wardseal/internal/identitystore"
)

const credentialType = "password"

// Connector stores bcrypt hashes keyed by the owning user's logical id
// (identitystore.MetadataUserID), not by any identity connector's local id.
// Schema:
//
//	password_credentials(id text primary key, user_id text not null, hash text not null)
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

func (c *Connector) AddCredential(ctx context.Context, credential identitystore.Credential) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(credential.Value), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("password: hash: %w", err)
	}
	id := uuid.NewString()
	userID := credential.Metadata[identitystore.MetadataUserID]
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO password_credentials (id, user_id, hash) VALUES ($1, $2, $3)`,
		id, userID, string(hash))
	if err != nil {
		return "", fmt.Errorf("password: store hash: %w", err)
	}
	return id, nil
}

func (c *Connector) Authenticate(ctx context.Context, credential identitystore.Credential) error {
	userID := credential.Metadata[identitystore.MetadataUserID]
	var hash string
	err := c.db.GetContext(ctx, &hash,
		`SELECT hash FROM password_credentials WHERE user_id = $1`, userID)
	if err != nil {
		return identitystore.ErrAuthFailure("no password credential on record")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(credential.Value)); err != nil {
		return identitystore.ErrAuthFailure("password mismatch")
	}
	return nil
}

func (c *Connector) RemoveAddedCredentialsInAFailure(ctx context.Context, connectorLocalIDs []string) error {
	if len(connectorLocalIDs) == 0 {
		return nil
	}
	_, err := c.db.ExecContext(ctx, `DELETE FROM password_credentials WHERE id = ANY($1)`, connectorLocalIDs)
	return err
}
