package identitystore

import (
	"context"
	"testing"
)

func TestMemoryResolverAddAndLookupUser(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryResolver()

	user := UniqueUser{
		LogicalID: "user-1",
		Partitions: []UserPartition{
			{ConnectorID: "sql", ConnectorLocalID: "sql-local-1", IsIdentityStore: true},
			{ConnectorID: "password", ConnectorLocalID: "cred-1", IsIdentityStore: false},
		},
	}
	if err := r.AddUser(ctx, user, "local"); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	exists, err := r.IsUserExists(ctx, "user-1")
	if err != nil || !exists {
		t.Fatalf("expected user to exist, got exists=%v err=%v", exists, err)
	}

	fromConnector, err := r.GetUniqueUserFromConnectorUserID(ctx, "sql-local-1", "sql")
	if err != nil || fromConnector.LogicalID != "user-1" {
		t.Fatalf("unexpected linkage lookup: %+v, err=%v", fromConnector, err)
	}

	if got := len(fromConnector.IdentityPartitions()); got != 1 {
		t.Fatalf("expected 1 identity partition, got %d", got)
	}
	if got := len(fromConnector.CredentialPartitions()); got != 1 {
		t.Fatalf("expected 1 credential partition, got %d", got)
	}
}

func TestMemoryResolverListUsersZeroLengthDoesNoWork(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryResolver()
	_ = r.AddUser(ctx, UniqueUser{LogicalID: "user-1"}, "local")

	out, err := r.ListUsers(ctx, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != nil {
		t.Fatalf("expected nil result for zero length, got %+v", out)
	}
}

func TestMemoryResolverListUsersPreservesInsertionOrder(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryResolver()
	for _, id := range []string{"a", "b", "c"} {
		if err := r.AddUser(ctx, UniqueUser{LogicalID: id}, "local"); err != nil {
			t.Fatalf("AddUser(%s): %v", id, err)
		}
	}

	out, err := r.ListUsers(ctx, 0, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 || out[0].LogicalID != "a" || out[1].LogicalID != "b" {
		t.Fatalf("unexpected page: %+v", out)
	}
}

func TestMemoryResolverGroupMembership(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryResolver()
	if err := r.AddUser(ctx, UniqueUser{LogicalID: "user-1"}, "local"); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	if err := r.AddGroup(ctx, UniqueGroup{LogicalID: "group-1"}, "local"); err != nil {
		t.Fatalf("AddGroup: %v", err)
	}
	if err := r.AddUserToGroup(ctx, "user-1", "group-1"); err != nil {
		t.Fatalf("AddUserToGroup: %v", err)
	}

	in, err := r.IsUserInGroup(ctx, "user-1", "group-1")
	if err != nil || !in {
		t.Fatalf("expected membership, got in=%v err=%v", in, err)
	}

	groups, err := r.GetGroupsOfUser(ctx, "user-1")
	if err != nil || len(groups) != 1 || groups[0].LogicalID != "group-1" {
		t.Fatalf("unexpected groups of user: %+v, err=%v", groups, err)
	}

	if err := r.RemoveUserFromGroup(ctx, "user-1", "group-1"); err != nil {
		t.Fatalf("RemoveUserFromGroup: %v", err)
	}
	in, err = r.IsUserInGroup(ctx, "user-1", "group-1")
	if err != nil || in {
		t.Fatalf("expected membership removed, got in=%v err=%v", in, err)
	}
}

func TestMemoryResolverUpdateUserPreservesCredentialPartitions(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryResolver()
	user := UniqueUser{
		LogicalID: "user-1",
		Partitions: []UserPartition{
			{ConnectorID: "sql", ConnectorLocalID: "old-local", IsIdentityStore: true},
			{ConnectorID: "password", ConnectorLocalID: "cred-1", IsIdentityStore: false},
		},
	}
	if err := r.AddUser(ctx, user, "local"); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	if err := r.UpdateUser(ctx, "user-1", map[string]string{"sql": "new-local"}); err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}

	updated, err := r.GetUniqueUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetUniqueUser: %v", err)
	}
	if got, _ := updated.ConnectorLocalID("sql"); got != "new-local" {
		t.Fatalf("expected updated sql local id, got %q", got)
	}
	if got, ok := updated.ConnectorLocalID("password"); !ok || got != "cred-1" {
		t.Fatalf("expected preserved credential partition, got %q ok=%v", got, ok)
	}
}
