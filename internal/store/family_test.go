package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/dukerupert/famtask/internal/database"
	"github.com/dukerupert/famtask/internal/model"
)

func setupStoreDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func seedFamily(t *testing.T, db *sql.DB, id, code string, parents, children []string) *model.Family {
	t.Helper()
	ctx := context.Background()
	fs := NewFamilyStore(db)
	ms := NewMemberStore(db)

	f := &model.Family{
		ID:         id,
		Name:       "Smiths",
		InviteCode: code,
		MaxMembers: model.FreeMaxMembers,
		Categories: model.CategoriesFor(false),
		CreatedBy:  parents[0],
		CreatedAt:  testNow,
		UpdatedAt:  testNow,
	}
	if err := fs.Create(ctx, f); err != nil {
		t.Fatalf("create family: %v", err)
	}
	for i, p := range parents {
		if _, err := ms.Ensure(ctx, p, testNow); err != nil {
			t.Fatalf("ensure member: %v", err)
		}
		if err := ms.Join(ctx, p, id, model.RoleParent, testNow.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("join: %v", err)
		}
	}
	for i, c := range children {
		if _, err := ms.Ensure(ctx, c, testNow); err != nil {
			t.Fatalf("ensure member: %v", err)
		}
		if err := ms.Join(ctx, c, id, model.RoleChild, testNow.Add(time.Duration(10+i)*time.Second)); err != nil {
			t.Fatalf("join: %v", err)
		}
	}
	return f
}

func TestFamilyCreateAndGet(t *testing.T) {
	db := setupStoreDB(t)
	ctx := context.Background()
	seedFamily(t, db, "fam-1", "ab12cd", []string{"mom"}, []string{"kid"})

	fs := NewFamilyStore(db)
	got, err := fs.GetByID(ctx, "fam-1")
	if err != nil {
		t.Fatalf("get family: %v", err)
	}
	if got == nil {
		t.Fatal("expected family, got nil")
	}
	if got.InviteCode != "AB12CD" {
		t.Errorf("invite code = %q, want %q", got.InviteCode, "AB12CD")
	}
	if len(got.ParentIDs) != 1 || got.ParentIDs[0] != "mom" {
		t.Errorf("parent ids = %v, want [mom]", got.ParentIDs)
	}
	if len(got.ChildIDs) != 1 || got.ChildIDs[0] != "kid" {
		t.Errorf("child ids = %v, want [kid]", got.ChildIDs)
	}
	if len(got.Categories) != len(model.FreeCategories) {
		t.Errorf("categories = %v, want %v", got.Categories, model.FreeCategories)
	}
	if !got.CreatedAt.Equal(testNow) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, testNow)
	}
}

func TestFamilyGetByInviteCodeIgnoresCase(t *testing.T) {
	db := setupStoreDB(t)
	ctx := context.Background()
	seedFamily(t, db, "fam-1", "AB12CD", []string{"mom"}, nil)

	fs := NewFamilyStore(db)
	for _, code := range []string{"AB12CD", "ab12cd", "Ab12Cd"} {
		got, err := fs.GetByInviteCode(ctx, code)
		if err != nil {
			t.Fatalf("get by code %q: %v", code, err)
		}
		if got == nil || got.ID != "fam-1" {
			t.Errorf("code %q: got %v, want fam-1", code, got)
		}
	}

	got, err := fs.GetByInviteCode(ctx, "AB12CE")
	if err != nil {
		t.Fatalf("get by code: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for unknown code, got %v", got.ID)
	}

	exists, err := fs.InviteCodeExists(ctx, "ab12cd")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if !exists {
		t.Error("expected invite code to exist")
	}
}

func TestFamilyGetMissing(t *testing.T) {
	db := setupStoreDB(t)
	got, err := NewFamilyStore(db).GetByID(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get family: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

func TestFamilyUpdate(t *testing.T) {
	db := setupStoreDB(t)
	ctx := context.Background()
	f := seedFamily(t, db, "fam-1", "AB12CD", []string{"mom"}, nil)

	fs := NewFamilyStore(db)
	f.Name = "The Smiths"
	f.Categories = []string{"Chores", "Pets"}
	f.InviteCode = "zz99zz"
	f.UpdatedAt = testNow.Add(time.Hour)
	if err := fs.Update(ctx, f); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ := fs.GetByID(ctx, "fam-1")
	if got.Name != "The Smiths" {
		t.Errorf("name = %q, want %q", got.Name, "The Smiths")
	}
	if got.InviteCode != "ZZ99ZZ" {
		t.Errorf("invite code = %q, want %q", got.InviteCode, "ZZ99ZZ")
	}
	if len(got.Categories) != 2 || got.Categories[1] != "Pets" {
		t.Errorf("categories = %v", got.Categories)
	}
}

func TestMemberLifecycle(t *testing.T) {
	db := setupStoreDB(t)
	ctx := context.Background()
	seedFamily(t, db, "fam-1", "AB12CD", []string{"mom"}, nil)
	ms := NewMemberStore(db)

	m, err := ms.Ensure(ctx, "dad", testNow)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if m.FamilyID != nil {
		t.Errorf("new member family = %v, want nil", *m.FamilyID)
	}

	if err := ms.SetDisplayName(ctx, "dad", "Dad", testNow); err != nil {
		t.Fatalf("set display name: %v", err)
	}
	if err := ms.Join(ctx, "dad", "fam-1", model.RoleChild, testNow.Add(time.Minute)); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := ms.SetRole(ctx, "dad", model.RoleParent, testNow.Add(time.Minute)); err != nil {
		t.Fatalf("set role: %v", err)
	}

	m, _ = ms.GetByID(ctx, "dad")
	if !m.InFamily("fam-1") {
		t.Errorf("expected dad in fam-1, got %v", m.FamilyID)
	}
	if m.Role != model.RoleParent {
		t.Errorf("role = %q, want parent", m.Role)
	}
	if m.DisplayName != "Dad" {
		t.Errorf("display name = %q, want Dad", m.DisplayName)
	}

	members, err := ms.ListByFamily(ctx, "fam-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}

	if err := ms.Leave(ctx, "dad", testNow.Add(2*time.Minute)); err != nil {
		t.Fatalf("leave: %v", err)
	}
	m, _ = ms.GetByID(ctx, "dad")
	if m.FamilyID != nil || m.Role != "" {
		t.Errorf("after leave: family = %v role = %q", m.FamilyID, m.Role)
	}

	// Ensure does not reset an existing record.
	m, _ = ms.Ensure(ctx, "dad", testNow.Add(time.Hour))
	if m.DisplayName != "Dad" {
		t.Errorf("ensure overwrote display name: %q", m.DisplayName)
	}
}
