package identitystore

import "testing"

func testMappings() []MetaClaimMapping {
	return []MetaClaimMapping{
		{
			MetaClaim:           MetaClaim{ClaimURI: UsernameClaim, Unique: true},
			IdentityConnectorID: "sql",
			AttributeName:       "username",
			Unique:              true,
		},
		{
			MetaClaim:           MetaClaim{ClaimURI: "http://wso2.org/claims/emailaddress"},
			IdentityConnectorID: "sql",
			AttributeName:       "email",
		},
		{
			MetaClaim:           MetaClaim{ClaimURI: "http://wso2.org/claims/displayname"},
			IdentityConnectorID: "ldap",
			AttributeName:       "displayName",
		},
	}
}

func TestClaimsToConnectorAttributesDropsUnmappedClaims(t *testing.T) {
	claims := []Claim{
		{ClaimURI: UsernameClaim, Value: "jdoe"},
		{ClaimURI: "http://wso2.org/claims/unmapped", Value: "ignored"},
	}
	out := claimsToConnectorAttributes(claims, testMappings())
	if len(out) != 1 {
		t.Fatalf("expected attributes for exactly one connector, got %d", len(out))
	}
	attrs, ok := out["sql"]
	if !ok || len(attrs) != 1 || attrs[0].Value != "jdoe" {
		t.Fatalf("unexpected sql attributes: %+v", attrs)
	}
}

func TestConnectorAttributesToClaimsRoundTrips(t *testing.T) {
	byConnector := map[string][]Attribute{
		"sql":  {{Name: "username", Value: "jdoe"}, {Name: "email", Value: ""}},
		"ldap": {{Name: "displayName", Value: "Jane Doe"}},
	}
	claims := connectorAttributesToClaims(testMappings(), byConnector)
	if len(claims) != 2 {
		t.Fatalf("expected 2 claims (empty email value dropped), got %d: %+v", len(claims), claims)
	}
	var sawUsername, sawDisplayName bool
	for _, c := range claims {
		switch c.ClaimURI {
		case UsernameClaim:
			sawUsername = c.Value == "jdoe"
		case "http://wso2.org/claims/displayname":
			sawDisplayName = c.Value == "Jane Doe"
		}
	}
	if !sawUsername || !sawDisplayName {
		t.Fatalf("missing expected claims: %+v", claims)
	}
}

func TestFindMappingByAttributeSkipsEmptyClaimURI(t *testing.T) {
	mappings := []MetaClaimMapping{
		{MetaClaim: MetaClaim{ClaimURI: ""}, IdentityConnectorID: "sql", AttributeName: "internal_flag"},
	}
	if _, ok := findMappingByAttribute(mappings, "sql", "internal_flag"); ok {
		t.Fatalf("expected mapping with empty claim URI to be skipped")
	}
}

type fakeCredentialConnector struct {
	id    string
	types map[string]bool
}

func (f fakeCredentialConnector) ID() string { return f.id }
func (f fakeCredentialConnector) CanStore(c Credential) bool { return f.types[c.Type] }

func TestCredentialsToConnectorsFirstMatchWins(t *testing.T) {
	connectors := []credentialConnectorCapability{
		fakeCredentialConnector{id: "password", types: map[string]bool{"password": true}},
		fakeCredentialConnector{id: "totp", types: map[string]bool{"totp": true}},
	}
	creds := []Credential{
		{Type: "password", Value: "hunter2"},
		{Type: "totp", Value: "123456"},
		{Type: "webauthn", Value: "unrouted"},
	}
	out := credentialsToConnectors(creds, connectors)
	if len(out["password"]) != 1 || len(out["totp"]) != 1 {
		t.Fatalf("unexpected routing: %+v", out)
	}
	if _, ok := out["webauthn"]; ok {
		t.Fatalf("unclaimed credential type should be dropped, found: %+v", out["webauthn"])
	}
}
