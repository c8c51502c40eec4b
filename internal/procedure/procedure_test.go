package procedure

import (
	"errors"
	"reflect"
	"testing"

	"github.com/opensource-finance/clearance/internal/domain"
)

func mustDefault(t *testing.T) *Catalog {
	t.Helper()
	c, err := Default()
	if err != nil {
		t.Fatalf("Default() failed: %v", err)
	}
	return c
}

func TestDefaultCatalog(t *testing.T) {
	c := mustDefault(t)

	var ids []string
	for _, p := range c.List() {
		ids = append(ids, p.ID)
	}
	wantIDs := []string{"import-regular", "export-regular", "temporary-admission", "transit"}
	if !reflect.DeepEqual(ids, wantIDs) {
		t.Errorf("expected %v, got %v", wantIDs, ids)
	}

	p, ok := c.Get("import-regular")
	if !ok {
		t.Fatal("import-regular missing")
	}
	wantRoles := []domain.Role{domain.RoleInvoice, domain.RoleBillOfLading, domain.RolePackingList, domain.RoleDeclaration}
	if !reflect.DeepEqual(p.Required, wantRoles) {
		t.Errorf("expected %v, got %v", wantRoles, p.Required)
	}

	if _, ok := c.Get("smuggling"); ok {
		t.Error("unknown procedure must not resolve")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	c := mustDefault(t)

	p, _ := c.Get("transit")
	p.Required[0] = domain.RoleOther

	again, _ := c.Get("transit")
	if again.Required[0] != domain.RoleBillOfLading {
		t.Errorf("catalog was mutated through Get: %v", again.Required)
	}
}

func TestResolve(t *testing.T) {
	c := mustDefault(t)

	t.Run("NoCandidatesIsUnknown", func(t *testing.T) {
		req, err := c.Resolve()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if req.Known || len(req.Required) != 0 {
			t.Errorf("expected unknown requirements, got %+v", req)
		}
	})

	t.Run("Single", func(t *testing.T) {
		req, err := c.Resolve("transit")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !req.Known || req.ProcedureID != "transit" {
			t.Errorf("unexpected requirements %+v", req)
		}
		want := []domain.Role{domain.RoleBillOfLading, domain.RoleDeclaration}
		if !reflect.DeepEqual(req.Required, want) {
			t.Errorf("expected %v, got %v", want, req.Required)
		}
	})

	t.Run("UnionOfCandidates", func(t *testing.T) {
		req, err := c.Resolve("transit", "temporary-admission", "transit")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if req.ProcedureID != "temporary-admission+transit" {
			t.Errorf("unexpected procedure id %q", req.ProcedureID)
		}
		want := []domain.Role{domain.RoleInvoice, domain.RoleBillOfLading, domain.RoleDeclaration, domain.RolePermit}
		if !reflect.DeepEqual(req.Required, want) {
			t.Errorf("expected %v, got %v", want, req.Required)
		}
	})

	t.Run("UnknownProcedure", func(t *testing.T) {
		_, err := c.Resolve("nope")
		var inErr *domain.InputError
		if !errors.As(err, &inErr) {
			t.Errorf("expected InputError, got %v", err)
		}
	})
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"NotYAML", "procedures: ["},
		{"EmptyCatalog", "procedures: []"},
		{"UnknownRole", "procedures:\n  - id: x\n    required: [passport]\n"},
		{"BadID", "procedures:\n  - id: Bad_ID\n    required: [invoice]\n"},
		{"DuplicateID", "procedures:\n  - id: x\n    required: [invoice]\n  - id: x\n    required: [permit]\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load("test.yaml", []byte(tt.data))
			var cfgErr *domain.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Errorf("expected ConfigError, got %v", err)
			}
		})
	}
}
