// Package ldap implements identitystore.IdentityConnector over an LDAP or
// Active Directory directory tree, adapted from the attribute-oriented
// shape of internal/connector/ldap for the virtual store's connector
// contract (DN as the connector-local id, attribute name/value pairs
// instead of a fixed user struct).
package ldap

import (
	"context"
	"fmt"

	"github.com/dhawalhost/wardseal/internal/identitystore"
	"github.com/go-ldap/ldap/v3"
)

// Config holds the connection settings for one LDAP-backed domain
// connector, mirroring internal/connector.Config's shape.
type Config struct {
	ID           string
	Endpoint     string
	BindDN       string
	BindPassword string
	BaseDN       string
	UsersOU      string
	GroupsOU     string
	// RDNAttribute is the attribute used to build the entry's relative
	// distinguished name (commonly "cn" or "uid").
	RDNAttribute string
}

// Connector is an identitystore.IdentityConnector backed by an LDAP tree.
type Connector struct {
	cfg  Config
	conn *ldap.Conn
}

var _ identitystore.IdentityConnector = (*Connector)(nil)

// New dials and binds to the configured LDAP server.
func New(cfg Config) (*Connector, error) {
	conn, err := ldap.DialURL(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("ldap: dial %s: %w", cfg.Endpoint, err)
	}
	if err := conn.Bind(cfg.BindDN, cfg.BindPassword); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ldap: bind: %w", err)
	}
	if cfg.RDNAttribute == "" {
		cfg.RDNAttribute = "cn"
	}
	return &Connector{cfg: cfg, conn: conn}, nil
}

func (c *Connector) ID() string { return c.cfg.ID }

func (c *Connector) usersOU() string {
	if c.cfg.UsersOU != "" {
		return c.cfg.UsersOU
	}
	return "ou=users," + c.cfg.BaseDN
}

func (c *Connector) groupsOU() string {
	if c.cfg.GroupsOU != "" {
		return c.cfg.GroupsOU
	}
	return "ou=groups," + c.cfg.BaseDN
}

func rdnValue(attrs []identitystore.Attribute, rdnAttribute string) string {
	for _, a := range attrs {
		if a.Name == rdnAttribute {
			return a.Value
		}
	}
	return ""
}

func (c *Connector) AddUser(ctx context.Context, attrs []identitystore.Attribute) (string, error) {
	rdn := rdnValue(attrs, c.cfg.RDNAttribute)
	if rdn == "" {
		return "", fmt.Errorf("ldap: missing %s attribute required for the entry RDN", c.cfg.RDNAttribute)
	}
	dn := fmt.Sprintf("%s=%s,%s", c.cfg.RDNAttribute, ldap.EscapeFilter(rdn), c.usersOU())

	addReq := ldap.NewAddRequest(dn, nil)
	addReq.Attribute("objectClass", []string{"inetOrgPerson", "organizationalPerson", "person", "top"})
	for _, a := range attrs {
		addReq.Attribute(a.Name, []string{a.Value})
	}
	if err := c.conn.Add(addReq); err != nil {
		return "", fmt.Errorf("ldap: add user: %w", err)
	}
	return dn, nil
}

func (c *Connector) AddUsers(ctx context.Context, batch map[string][]identitystore.Attribute) (map[string]string, error) {
	out := make(map[string]string, len(batch))
	for key, attrs := range batch {
		dn, err := c.AddUser(ctx, attrs)
		if err != nil {
			// partial success: stop and return what succeeded so far, the
			// orchestrator compensates the rest.
			return out, err
		}
		out[key] = dn
	}
	return out, nil
}

func (c *Connector) UpdateUserAttributes(ctx context.Context, connectorLocalID string, attrs []identitystore.Attribute) (string, error) {
	modReq := ldap.NewModifyRequest(connectorLocalID, nil)
	for _, a := range attrs {
		if a.Value == "" {
			modReq.Delete(a.Name, nil)
			continue
		}
		modReq.Replace(a.Name, []string{a.Value})
	}
	if err := c.conn.Modify(modReq); err != nil {
		return "", fmt.Errorf("ldap: update user attributes: %w", err)
	}
	return connectorLocalID, nil
}

func (c *Connector) GetConnectorUserID(ctx context.Context, attributeName, value string) (string, error) {
	filter := fmt.Sprintf("(%s=%s)", attributeName, ldap.EscapeFilter(value))
	result, err := c.conn.Search(&ldap.SearchRequest{
		BaseDN: c.usersOU(),
		Scope:  ldap.ScopeWholeSubtree,
		Filter: filter,
	})
	if err != nil {
		return "", fmt.Errorf("ldap: search user: %w", err)
	}
	if len(result.Entries) == 0 {
		return "", nil
	}
	return result.Entries[0].DN, nil
}

func (c *Connector) ListConnectorUserIDs(ctx context.Context, attributeName, value string, offset, length int) ([]string, error) {
	filter := fmt.Sprintf("(%s=%s)", attributeName, ldap.EscapeFilter(value))
	return c.listDNs(ctx, c.usersOU(), filter, offset, length)
}

func (c *Connector) ListConnectorUserIDsByPattern(ctx context.Context, attributeName, pattern string, offset, length int) ([]string, error) {
	filter := fmt.Sprintf("(%s=%s)", attributeName, pattern)
	return c.listDNs(ctx, c.usersOU(), filter, offset, length)
}

func (c *Connector) listDNs(ctx context.Context, baseDN, filter string, offset, length int) ([]string, error) {
	result, err := c.conn.Search(&ldap.SearchRequest{
		BaseDN: baseDN,
		Scope:  ldap.ScopeWholeSubtree,
		Filter: filter,
	})
	if err != nil {
		return nil, fmt.Errorf("ldap: search: %w", err)
	}
	total := len(result.Entries)
	if offset >= total {
		return nil, nil
	}
	end := offset + length
	if length <= 0 || end > total {
		end = total
	}
	out := make([]string, 0, end-offset)
	for _, entry := range result.Entries[offset:end] {
		out = append(out, entry.DN)
	}
	return out, nil
}

func (c *Connector) GetUserAttributeValues(ctx context.Context, connectorLocalID string, attributeNames []string) ([]identitystore.Attribute, error) {
	result, err := c.conn.Search(&ldap.SearchRequest{
		BaseDN:     connectorLocalID,
		Scope:      ldap.ScopeBaseObject,
		Filter:     "(objectClass=*)",
		Attributes: attributeNames,
	})
	if err != nil {
		return nil, fmt.Errorf("ldap: get attributes: %w", err)
	}
	if len(result.Entries) == 0 {
		return nil, nil
	}
	entry := result.Entries[0]
	var out []identitystore.Attribute
	for _, a := range entry.Attributes {
		if len(attributeNames) > 0 && !contains(attributeNames, a.Name) {
			continue
		}
		for _, v := range a.Values {
			out = append(out, identitystore.Attribute{Name: a.Name, Value: v})
		}
	}
	return out, nil
}

func (c *Connector) DeleteUser(ctx context.Context, connectorLocalID string) error {
	if err := c.conn.Del(ldap.NewDelRequest(connectorLocalID, nil)); err != nil {
		return fmt.Errorf("ldap: delete user: %w", err)
	}
	return nil
}

func (c *Connector) RemoveAddedUsersInAFailure(ctx context.Context, connectorLocalIDs []string) error {
	var firstErr error
	for _, dn := range connectorLocalIDs {
		if err := c.conn.Del(ldap.NewDelRequest(dn, nil)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Connector) AddGroup(ctx context.Context, attrs []identitystore.Attribute) (string, error) {
	rdn := rdnValue(attrs, "cn")
	if rdn == "" {
		return "", fmt.Errorf("ldap: missing cn attribute required for the group RDN")
	}
	dn := fmt.Sprintf("cn=%s,%s", ldap.EscapeFilter(rdn), c.groupsOU())
	addReq := ldap.NewAddRequest(dn, nil)
	addReq.Attribute("objectClass", []string{"groupOfNames", "top"})
	addReq.Attribute("member", []string{c.cfg.BaseDN})
	for _, a := range attrs {
		addReq.Attribute(a.Name, []string{a.Value})
	}
	if err := c.conn.Add(addReq); err != nil {
		return "", fmt.Errorf("ldap: add group: %w", err)
	}
	return dn, nil
}

func (c *Connector) ListConnectorGroupIDs(ctx context.Context, attributeName, value string, offset, length int) ([]string, error) {
	filter := fmt.Sprintf("(%s=%s)", attributeName, ldap.EscapeFilter(value))
	return c.listDNs(ctx, c.groupsOU(), filter, offset, length)
}

func (c *Connector) GetGroupAttributeValues(ctx context.Context, connectorLocalID string, attributeNames []string) ([]identitystore.Attribute, error) {
	return c.GetUserAttributeValues(ctx, connectorLocalID, attributeNames)
}

func (c *Connector) DeleteGroup(ctx context.Context, connectorLocalID string) error {
	if err := c.conn.Del(ldap.NewDelRequest(connectorLocalID, nil)); err != nil {
		return fmt.Errorf("ldap: delete group: %w", err)
	}
	return nil
}

func (c *Connector) RemoveAddedGroupsInAFailure(ctx context.Context, connectorLocalIDs []string) error {
	return c.RemoveAddedUsersInAFailure(ctx, connectorLocalIDs)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
