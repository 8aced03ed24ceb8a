// Copyright 2026 fanjia1024

package tool

import (
	"context"
	"encoding/json"
	"testing"
)

type fakeTool struct {
	name string
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return "test tool" }
func (f *fakeTool) Schema() Schema {
	return Schema{Type: "object", Properties: map[string]SchemaProperty{"x": {Type: "string"}}}
}
func (f *fakeTool) Execute(context.Context, map[string]any) (Result, error) {
	return Result{Success: true}, nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "alpha"})

	got, ok := r.Get("alpha")
	if !ok || got.Name() != "alpha" {
		t.Fatalf("Get = (%v, %v)", got, ok)
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("Get missing should be false")
	}
	if len(r.List()) != 1 {
		t.Errorf("List len = %d, want 1", len(r.List()))
	}
}

func TestRegistryDefinition(t *testing.T) {
	r := NewRegistry()
	r.RegisterWithDefinition(&fakeTool{name: "charge"}, Definition{
		RequiresConfirmation: true,
		Compensation:         &Compensation{Tool: "refund"},
	})

	def, ok := r.Definition("charge")
	if !ok || !def.RequiresConfirmation || def.Compensation.Tool != "refund" {
		t.Fatalf("Definition = (%+v, %v)", def, ok)
	}
	def, ok = r.Definition("other")
	if ok {
		t.Error("Definition of unregistered tool should be false")
	}
	_ = def
}

func TestRegistryCatalog(t *testing.T) {
	r := NewRegistry()
	r.RegisterWithDefinition(&fakeTool{name: "charge"}, Definition{
		RequiresConfirmation: true,
		Compensation:         &Compensation{Tool: "refund"},
	})

	raw, err := r.Catalog()
	if err != nil {
		t.Fatalf("Catalog failed: %v", err)
	}
	var entries []CatalogEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		t.Fatalf("catalog not valid JSON: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "charge" || !entries[0].RequiresConfirmation || entries[0].CompensationTool != "refund" {
		t.Errorf("catalog = %+v", entries)
	}
}
