package identitystore

// claimsToConnectorAttributes partitions claims per connector using the
// domain's mapping table (C1). A claim with no mapping has nowhere to go on
// the write path and is silently dropped — spec.md §4.1's documented
// behavior, not an oversight.
func claimsToConnectorAttributes(claims []Claim, mappings []MetaClaimMapping) map[string][]Attribute {
	out := make(map[string][]Attribute)
	for _, claim := range claims {
		mapping, ok := findMapping(mappings, claim.DialectURI, claim.ClaimURI)
		if !ok {
			continue
		}
		out[mapping.IdentityConnectorID] = append(out[mapping.IdentityConnectorID], Attribute{
			Name:  mapping.AttributeName,
			Value: claim.Value,
		})
	}
	return out
}

// connectorAttributesToClaims is the inverse of claimsToConnectorAttributes:
// for every attribute that corresponds to a known mapping, produce the claim
// it represents.
//
// spec.md §9.1 flags the source's buildClaims as inverting its filter
// (discarding non-empty attribute lists). This implementation processes
// every non-empty attribute value and skips only nil/empty ones, which is
// the behavior a complete round trip requires.
func connectorAttributesToClaims(mappings []MetaClaimMapping, byConnector map[string][]Attribute) []Claim {
	var claims []Claim
	for connectorID, attrs := range byConnector {
		for _, attr := range attrs {
			if attr.Value == "" {
				continue
			}
			mapping, ok := findMappingByAttribute(mappings, connectorID, attr.Name)
			if !ok {
				continue
			}
			claims = append(claims, Claim{
				DialectURI: mapping.MetaClaim.DialectURI,
				ClaimURI:   mapping.MetaClaim.ClaimURI,
				Value:      attr.Value,
			})
		}
	}
	return claims
}

// credentialConnectorCapability is the subset of the C3 contract the mapper
// needs: a cheap, side-effect-free predicate over a single credential.
type credentialConnectorCapability interface {
	ID() string
	CanStore(credential Credential) bool
}

// credentialsToConnectors assigns each credential to the first credential
// connector (in iteration order of connectors) whose CanStore reports true.
// Credentials unclaimed by any connector are dropped.
func credentialsToConnectors(credentials []Credential, connectors []credentialConnectorCapability) map[string][]Credential {
	out := make(map[string][]Credential)
	for _, cred := range credentials {
		for _, conn := range connectors {
			if conn.CanStore(cred) {
				out[conn.ID()] = append(out[conn.ID()], cred)
				break
			}
		}
	}
	return out
}

func findMapping(mappings []MetaClaimMapping, dialectURI, claimURI string) (MetaClaimMapping, bool) {
	for _, m := range mappings {
		if m.MetaClaim.ClaimURI == claimURI && (dialectURI == "" || m.MetaClaim.DialectURI == dialectURI) {
			return m, true
		}
	}
	return MetaClaimMapping{}, false
}

func findMappingByAttribute(mappings []MetaClaimMapping, connectorID, attributeName string) (MetaClaimMapping, bool) {
	for _, m := range mappings {
		// spec.md §9.5: the source's getConnectorIdToAttributeNameMap inverts
		// isNullOrEmpty(claimURI) — only meta-claims with a claim URI belong
		// in the per-connector index. Implemented non-inverted here.
		if m.MetaClaim.ClaimURI == "" {
			continue
		}
		if m.IdentityConnectorID == connectorID && m.AttributeName == attributeName {
			return m, true
		}
	}
	return MetaClaimMapping{}, false
}
