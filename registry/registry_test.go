package registry

import (
	"errors"
	"os"
	"reflect"
	"sync"
	"testing"

	"utp/logging"
	"utp/protocol"
	"utp/schema"
)

func TestMain(m *testing.M) {
	logging.ConfigureTests()
	os.Exit(m.Run())
}

func TestBootstrapState(t *testing.T) {
	r := New()
	if r.Version() != 1 || !r.Locked() {
		t.Fatalf("fresh registry: version %d locked %v", r.Version(), r.Locked())
	}
	for i, name := range []string{"PING", "PONG", "HELLO", "ERROR", "SCHEMA_ITEMS", "SCHEMA", "PROTO", "RPC"} {
		idx, _, err := r.Lookup(name)
		if err != nil {
			t.Fatalf("Lookup(%s) failed: %v", name, err)
		}
		if int(idx) != i {
			t.Errorf("%s: got index %d, want %d", name, idx, i)
		}
	}
	if d, ok := r.Type("INT8"); !ok || d.Bits != 8 || !d.Signed {
		t.Errorf("INT8 type: %+v %v", d, ok)
	}
}

func TestAddSchema(t *testing.T) {
	r := New()
	if err := r.AddSchema("USER", []schema.Field{{Name: "id", Type: schema.Uint32}}); err != nil {
		t.Fatalf("AddSchema failed: %v", err)
	}
	idx, d, err := r.Lookup("USER")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if idx != 8 || len(d.Fields) != 1 {
		t.Fatalf("USER: index %d, %d fields", idx, len(d.Fields))
	}
	if back, err := r.LookupIndex(8); err != nil || back.Name != "USER" {
		t.Fatalf("LookupIndex(8): %+v %v", back, err)
	}

	if err := r.AddSchema("USER", nil); !errors.Is(err, protocol.ErrInvalidInputDataValue) {
		t.Errorf("duplicate: expected ErrInvalidInputDataValue, got %v", err)
	}
	if err := r.AddSchema("BAD", []schema.Field{{Name: "e", Type: schema.Enum}}); !errors.Is(err, protocol.ErrInvalidInputDataValue) {
		t.Errorf("malformed: expected ErrInvalidInputDataValue, got %v", err)
	}
	if err := r.AddSchema("REF", []schema.Field{{Name: "x", Type: schema.Schema, Schema: "MISSING"}}); !errors.Is(err, protocol.ErrSchemaNotFound) {
		t.Errorf("dangling reference: expected ErrSchemaNotFound, got %v", err)
	}
	if _, err := r.LookupIndex(9); !errors.Is(err, protocol.ErrSchemaNotFound) {
		t.Errorf("failed adds must not take an index, got %v", err)
	}
}

func TestAddSchemasAtomic(t *testing.T) {
	r := New()
	err := r.AddSchemas(
		schema.Definition{Name: "ORDER", Fields: []schema.Field{{Name: "item", Type: schema.Schema, Schema: "ITEM"}}},
		schema.Definition{Name: "ITEM", Fields: []schema.Field{{Name: "sku", Type: schema.String}}},
	)
	if err != nil {
		t.Fatalf("AddSchemas with forward reference failed: %v", err)
	}
	if i, _, _ := r.Lookup("ITEM"); i != 9 {
		t.Errorf("ITEM: got index %d, want 9", i)
	}

	err = r.AddSchemas(
		schema.Definition{Name: "A", Fields: []schema.Field{{Name: "a", Type: schema.Bool}}},
		schema.Definition{Name: "ORDER"},
	)
	if err == nil {
		t.Fatalf("expected duplicate error")
	}
	if _, _, err := r.Lookup("A"); !errors.Is(err, protocol.ErrSchemaNotFound) {
		t.Errorf("partial batch must not be applied, got %v", err)
	}
}

func TestAddSchemaCopiesInput(t *testing.T) {
	r := New()
	fields := []schema.Field{{Name: "state", Type: schema.Enum, List: []string{"on", "off"}}}
	if err := r.AddSchema("SWITCH", fields); err != nil {
		t.Fatalf("AddSchema failed: %v", err)
	}
	fields[0].List[0] = "broken"
	_, d, _ := r.Lookup("SWITCH")
	if d.Fields[0].List[0] != "on" {
		t.Fatalf("registry must not alias caller slices")
	}
}

func TestRegisterRPC(t *testing.T) {
	r := New()
	if err := r.AddSchema("USER", []schema.Field{{Name: "id", Type: schema.Uint32}}); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterRPC("user.get", "USER"); err != nil {
		t.Fatalf("RegisterRPC failed: %v", err)
	}
	if err := r.RegisterRPC("user.get", "ERROR"); !errors.Is(err, protocol.ErrInvalidInputDataValue) {
		t.Errorf("rebinding: expected ErrInvalidInputDataValue, got %v", err)
	}
	if err := r.RegisterRPC("user.del", "NOPE"); !errors.Is(err, protocol.ErrSchemaNotFound) {
		t.Errorf("unknown schema: expected ErrSchemaNotFound, got %v", err)
	}
	if err := r.RegisterRPC("a.ping", "PING"); err != nil {
		t.Fatal(err)
	}
	if got := r.Methods(); !reflect.DeepEqual(got, []string{"a.ping", "user.get"}) {
		t.Errorf("Methods: %v", got)
	}
}

func TestLockAndVersion(t *testing.T) {
	r := New()
	r.SetLock(false)
	r.SetVersion(42)
	if r.Locked() || r.Version() != 42 {
		t.Fatalf("got locked %v version %d", r.Locked(), r.Version())
	}
}

func TestDescribe(t *testing.T) {
	r := New()
	got, err := r.Describe("ERROR")
	if err != nil {
		t.Fatal(err)
	}
	if got != "ERROR: [ code: UINT16, text: STRING ]" {
		t.Errorf("Describe: %q", got)
	}
	if _, err := r.Describe("NOPE"); !errors.Is(err, protocol.ErrSchemaNotFound) {
		t.Errorf("expected ErrSchemaNotFound, got %v", err)
	}
}

func peerProto(t *testing.T, version uint32) map[string]any {
	t.Helper()
	peer := New()
	if err := peer.AddSchema("NEW", []schema.Field{
		{Name: "id", Type: schema.Uint32},
		{Name: "tags", Type: schema.Array, Items: &schema.Field{Type: schema.String}, Optional: true},
	}); err != nil {
		t.Fatal(err)
	}
	peer.SetVersion(version)
	return peer.Definitions()
}

func TestUpgrade(t *testing.T) {
	r := New()
	proto := peerProto(t, 2)

	ok, err := r.Upgrade(proto)
	if err != nil || ok {
		t.Fatalf("locked registry must ignore upgrades: %v %v", ok, err)
	}
	if _, _, err := r.Lookup("NEW"); err == nil {
		t.Fatalf("locked registry changed")
	}

	r.SetLock(false)
	ok, err = r.Upgrade(proto)
	if err != nil || !ok {
		t.Fatalf("Upgrade: %v %v", ok, err)
	}
	if r.Version() != 2 || r.Locked() {
		t.Fatalf("after upgrade: version %d locked %v", r.Version(), r.Locked())
	}
	if i, _, err := r.Lookup("NEW"); err != nil || i != 8 {
		t.Fatalf("NEW after upgrade: %d %v", i, err)
	}
	if !reflect.DeepEqual(r.Definitions(), proto) {
		t.Errorf("definitions differ from the applied protocol")
	}

	ok, err = r.Upgrade(peerProto(t, 2))
	if err != nil || ok {
		t.Errorf("same version must not upgrade: %v %v", ok, err)
	}
}

func TestUpgradeRejectsMalformed(t *testing.T) {
	r := New()
	r.SetLock(false)
	before := r.State()

	cases := map[string]func(p map[string]any){
		"missing version": func(p map[string]any) { delete(p, schema.ProtoVersion) },
		"names mismatch": func(p map[string]any) {
			p[schema.ProtoSchemesNames] = p[schema.ProtoSchemesNames].([]any)[:3]
		},
		"bootstrap renamed": func(p map[string]any) {
			names := append([]any(nil), p[schema.ProtoSchemesNames].([]any)...)
			names[0] = "PINGX"
			p[schema.ProtoSchemesNames] = names
		},
		"bad field": func(p map[string]any) {
			schemes := append([]any(nil), p[schema.ProtoSchemes].([]any)...)
			schemes[8] = []any{map[string]any{"name": "x", "type": "WAT"}}
			p[schema.ProtoSchemes] = schemes
		},
		"dangling reference": func(p map[string]any) {
			schemes := append([]any(nil), p[schema.ProtoSchemes].([]any)...)
			schemes[8] = []any{map[string]any{"name": "x", "type": "SCHEMA", "schema": "GONE"}}
			p[schema.ProtoSchemes] = schemes
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := peerProto(t, 5)
			mutate(p)
			ok, err := r.Upgrade(p)
			if ok || !errors.Is(err, protocol.ErrInvalidInputData) {
				t.Fatalf("expected ErrInvalidInputData, got %v %v", ok, err)
			}
			if r.State() != before {
				t.Fatalf("failed upgrade must leave the registry untouched")
			}
		})
	}
}

func TestReplaceKeepsBindings(t *testing.T) {
	r := New()
	if err := r.AddSchema("OLD", []schema.Field{{Name: "v", Type: schema.Bool}}); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterRPC("sys.error", "ERROR"); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterRPC("old.get", "OLD"); err != nil {
		t.Fatal(err)
	}
	if err := r.Replace(peerProto(t, 1)); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	if !r.Locked() {
		t.Errorf("Replace must keep the lock flag")
	}
	if got := r.Methods(); !reflect.DeepEqual(got, []string{"sys.error"}) {
		t.Errorf("bindings after replace: %v", got)
	}
}

func TestConcurrentReaders(t *testing.T) {
	r := New()
	r.SetLock(false)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				s := r.State()
				if _, ok := s.Index("PROTO"); !ok {
					t.Error("PROTO missing from snapshot")
					return
				}
			}
		}()
	}
	for v := uint32(2); v < 20; v++ {
		if _, err := r.Upgrade(peerProto(t, v)); err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()
	if r.Version() != 19 {
		t.Errorf("version: got %d", r.Version())
	}
}
