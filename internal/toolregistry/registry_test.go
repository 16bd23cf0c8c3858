package toolregistry

import "testing"

func TestResolveUnknownToolIsPolicyError(t *testing.T) {
	r := New()
	if _, err := r.Resolve("bash"); err == nil {
		t.Fatal("expected unknown tool to be rejected, not silently executed")
	}
}

func TestResolveKnownTool(t *testing.T) {
	r := New()
	if err := r.Register(Definition{Name: "runjs", Context: ContextWorkerLocal}); err != nil {
		t.Fatal(err)
	}
	ctx, err := r.Resolve("runjs")
	if err != nil {
		t.Fatal(err)
	}
	if ctx != ContextWorkerLocal {
		t.Fatalf("expected worker-local, got %s", ctx)
	}
}

func TestHubCapabilityDiscoveryAndRevert(t *testing.T) {
	r := New()
	if err := r.Register(Definition{Name: "bash", Context: ContextSupervisor}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Resolve("bash"); err != nil {
		t.Fatal(err) // registered as supervisor, should resolve fine even without hub
	}

	if err := r.AnnounceHubTools([]string{"fs.*", "bash"}); err != nil {
		t.Fatal(err)
	}
	ctx, err := r.Resolve("fs.read")
	if err != nil {
		t.Fatal(err)
	}
	if ctx != ContextHub {
		t.Fatalf("expected fs.read to route to hub, got %s", ctx)
	}

	r.RevertToLocal()
	if _, err := r.Resolve("fs.read"); err == nil {
		t.Fatal("expected fs.read to be unroutable after hub disconnect")
	}
}

func TestValidateRejectsBadArguments(t *testing.T) {
	r := New()
	schema := `{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`
	if err := r.Register(Definition{Name: "read_file", Context: ContextSupervisor, SchemaJSON: schema}); err != nil {
		t.Fatal(err)
	}

	if err := r.Validate("read_file", map[string]any{"path": "/tmp/x"}); err != nil {
		t.Fatalf("expected valid arguments to pass, got %v", err)
	}
	if err := r.Validate("read_file", map[string]any{}); err == nil {
		t.Fatal("expected missing required field to fail validation")
	}
}

func TestSideEffectFreeDefaultsFalse(t *testing.T) {
	r := New()
	r.Register(Definition{Name: "write_file", Context: ContextSupervisor})
	r.Register(Definition{Name: "read_file", Context: ContextSupervisor, SideEffectFree: true})

	if r.IsSideEffectFree("write_file") {
		t.Fatal("write_file should not be marked side-effect-free")
	}
	if !r.IsSideEffectFree("read_file") {
		t.Fatal("read_file should be marked side-effect-free")
	}
	if r.IsSideEffectFree("unregistered") {
		t.Fatal("unregistered tool must not be treated as side-effect-free")
	}
}
