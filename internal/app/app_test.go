package app

import (
	"context"
	"errors"
	"testing"

	"github.com/apiforge/apiforge/internal/config"
	"github.com/apiforge/apiforge/internal/logging"
	"github.com/apiforge/apiforge/internal/model"
	"github.com/apiforge/apiforge/internal/schema"
	"github.com/apiforge/apiforge/internal/storage/memory"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	a, err := New(config.FromMap(map[string]any{}), logging.Nop(), memory.NewDatabase())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func userDefinition() model.Definition {
	return model.Definition{
		Name:           "user",
		CollectionName: "users",
		Schema: schema.Tree{
			"name": {Type: schema.TypeString, Required: true},
		},
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(nil, logging.Nop(), memory.NewDatabase()); err == nil {
		t.Error("nil config accepted")
	}
	if _, err := New(config.FromMap(nil), nil, memory.NewDatabase()); err == nil {
		t.Error("nil logger accepted")
	}
	if _, err := New(config.FromMap(nil), logging.Nop(), nil); err == nil {
		t.Error("nil database accepted")
	}
}

func TestRegisterAndLookupModel(t *testing.T) {
	a := newTestApp(t)
	m, err := a.RegisterModel(userDefinition())
	if err != nil {
		t.Fatalf("RegisterModel: %v", err)
	}
	got, ok := a.Model("user")
	if !ok || got != m {
		t.Error("registered model not returned by lookup")
	}
	if _, ok := a.Model("ghost"); ok {
		t.Error("unknown model found")
	}
	if _, err := a.RegisterModel(userDefinition()); err == nil {
		t.Error("duplicate model registration accepted")
	}
}

func TestReloadGeneration(t *testing.T) {
	a := newTestApp(t)
	if a.Generation() != 0 {
		t.Fatalf("initial generation = %d", a.Generation())
	}

	gen, err := a.Reload(context.Background(), func(ctx context.Context, a *App) error {
		return nil
	})
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if gen != 1 || a.Generation() != 1 {
		t.Errorf("generation = %d/%d, want 1", gen, a.Generation())
	}

	boom := errors.New("reload failed")
	gen, err = a.Reload(context.Background(), func(ctx context.Context, a *App) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Reload error = %v", err)
	}
	if gen != 1 || a.Generation() != 1 {
		t.Errorf("failed reload advanced generation to %d", a.Generation())
	}
}

func TestEnsureAllIndexes(t *testing.T) {
	a := newTestApp(t)
	def := userDefinition()
	def.Schema["email"] = &schema.Node{Type: schema.TypeString, Unique: true}
	if _, err := a.RegisterModel(def); err != nil {
		t.Fatal(err)
	}
	if err := a.EnsureAllIndexes(context.Background(), true); err != nil {
		t.Fatalf("EnsureAllIndexes: %v", err)
	}
	// Repeat runs tolerate already-existing indexes.
	if err := a.EnsureAllIndexes(context.Background(), true); err != nil {
		t.Fatalf("second EnsureAllIndexes: %v", err)
	}
}
