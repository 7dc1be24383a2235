package identitystore

import "testing"

func TestNewDomainRegistryRejectsEmpty(t *testing.T) {
	_, err := NewDomainRegistry(nil)
	if err == nil {
		t.Fatalf("expected error for empty domain list")
	}
	if KindOf(err) != KindClientError {
		t.Fatalf("expected ClientError, got %v", KindOf(err))
	}
}

func TestDomainRegistryOrdersByPriorityThenInsertion(t *testing.T) {
	low := NewDomain("low", 10, nil, nil, nil, NewMemoryResolver())
	highFirst := NewDomain("high-first", 1, nil, nil, nil, NewMemoryResolver())
	highSecond := NewDomain("high-second", 1, nil, nil, nil, NewMemoryResolver())

	registry, err := NewDomainRegistry([]*Domain{low, highFirst, highSecond})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	domains := registry.Domains()
	if len(domains) != 3 {
		t.Fatalf("expected 3 domains, got %d", len(domains))
	}
	if domains[0].Name != "high-first" || domains[1].Name != "high-second" || domains[2].Name != "low" {
		t.Fatalf("unexpected ordering: %v, %v, %v", domains[0].Name, domains[1].Name, domains[2].Name)
	}

	primary, err := registry.GetPrimaryDomain()
	if err != nil || primary.Name != "high-first" {
		t.Fatalf("expected high-first as primary, got %v, err %v", primary, err)
	}
}

func TestGetDomainFromDomainNameUnknown(t *testing.T) {
	d := NewDomain("only", 0, nil, nil, nil, NewMemoryResolver())
	registry, err := NewDomainRegistry([]*Domain{d})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := registry.GetDomainFromDomainName("nope"); err == nil {
		t.Fatalf("expected error for unknown domain name")
	}
}
