package identitystore

import "fmt"

// Domain is an ordered bundle of connectors and mapping tables that together
// serve one logical user population (C5).
type Domain struct {
	Name     string
	Priority int

	identityConnectors   []IdentityConnector
	credentialConnectors []CredentialConnector
	mappings             []MetaClaimMapping
	resolver             UniqueIDResolver

	identityByID   map[string]IdentityConnector
	credentialByID map[string]CredentialConnector
}

// NewDomain builds a Domain from its constituent connectors, mapping table
// and resolver. Domains are immutable after construction (spec.md §3
// lifecycle rule).
func NewDomain(name string, priority int, identityConnectors []IdentityConnector, credentialConnectors []CredentialConnector, mappings []MetaClaimMapping, resolver UniqueIDResolver) *Domain {
	d := &Domain{
		Name:                 name,
		Priority:             priority,
		identityConnectors:   identityConnectors,
		credentialConnectors: credentialConnectors,
		mappings:             mappings,
		resolver:             resolver,
		identityByID:         make(map[string]IdentityConnector, len(identityConnectors)),
		credentialByID:       make(map[string]CredentialConnector, len(credentialConnectors)),
	}
	for _, c := range identityConnectors {
		d.identityByID[c.ID()] = c
	}
	for _, c := range credentialConnectors {
		d.credentialByID[c.ID()] = c
	}
	return d
}

// Resolver returns the domain's unique-id resolver.
func (d *Domain) Resolver() UniqueIDResolver { return d.resolver }

// IdentityConnectors returns the domain's identity connectors, in
// configuration order.
func (d *Domain) IdentityConnectors() []IdentityConnector { return d.identityConnectors }

// CredentialConnectors returns the domain's credential connectors, in
// configuration order.
func (d *Domain) CredentialConnectors() []CredentialConnector { return d.credentialConnectors }

// IsClaimSupported reports whether claimURI has a mapping in this domain.
func (d *Domain) IsClaimSupported(claimURI string) bool {
	_, ok := findMapping(d.mappings, "", claimURI)
	return ok
}

// GetMetaClaimMapping returns the mapping for claimURI, or a DomainError if
// absent (spec.md §3 invariant 3: absence of a mapping is a client error at
// the mapper level, but looking one up explicitly is a domain-config error).
func (d *Domain) GetMetaClaimMapping(claimURI string) (MetaClaimMapping, error) {
	m, ok := findMapping(d.mappings, "", claimURI)
	if !ok {
		return MetaClaimMapping{}, ErrDomain(fmt.Sprintf("no mapping for claim %q in domain %q", claimURI, d.Name))
	}
	return m, nil
}

// GetMetaClaimMappings returns the domain's full mapping table.
func (d *Domain) GetMetaClaimMappings() []MetaClaimMapping { return d.mappings }

// GetConnectorIDToMetaClaimMappings groups the mapping table by connector,
// including only mappings with a non-empty claim URI (spec.md §9.5).
func (d *Domain) GetConnectorIDToMetaClaimMappings() map[string][]MetaClaimMapping {
	out := make(map[string][]MetaClaimMapping)
	for _, m := range d.mappings {
		if m.MetaClaim.ClaimURI == "" {
			continue
		}
		out[m.IdentityConnectorID] = append(out[m.IdentityConnectorID], m)
	}
	return out
}

// GetIdentityStoreConnectorFromID looks up an identity connector by id.
func (d *Domain) GetIdentityStoreConnectorFromID(id string) (IdentityConnector, error) {
	c, ok := d.identityByID[id]
	if !ok {
		return nil, ErrDomain(fmt.Sprintf("unknown identity connector %q in domain %q", id, d.Name))
	}
	return c, nil
}

// GetCredentialStoreConnectorFromID looks up a credential connector by id.
func (d *Domain) GetCredentialStoreConnectorFromID(id string) (CredentialConnector, error) {
	c, ok := d.credentialByID[id]
	if !ok {
		return nil, ErrDomain(fmt.Sprintf("unknown credential connector %q in domain %q", id, d.Name))
	}
	return c, nil
}
