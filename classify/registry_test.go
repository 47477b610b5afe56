package classify

import "testing"

type testClassifier struct{}

func (testClassifier) Classify(any, error) Outcome {
	return Outcome{Kind: OutcomeSuccess, Reason: "ok"}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	reg.Register("  Custom  ", testClassifier{})
	got, ok := reg.Get("custom")
	if !ok || got == nil {
		t.Fatal("expected classifier to be registered")
	}
	if names := reg.Names(); len(names) != 1 || names[0] != "custom" {
		t.Fatalf("names=%v, want [custom]", names)
	}
}

func TestRegistry_Validation(t *testing.T) {
	var nilReg *Registry
	nilReg.Register("name", testClassifier{})
	if got, ok := nilReg.Get("name"); ok || got != nil {
		t.Fatalf("expected nil,false for nil registry")
	}
	if names := nilReg.Names(); names != nil {
		t.Fatalf("names=%v, want nil", names)
	}

	reg := NewRegistry()
	reg.Register("   ", testClassifier{})
	if got, ok := reg.Get("   "); ok || got != nil {
		t.Fatalf("expected empty name to be ignored")
	}

	reg.Register("name", nil)
	if got, ok := reg.Get("name"); ok || got != nil {
		t.Fatalf("expected nil classifier to be ignored")
	}
}

func TestLookup_Builtins(t *testing.T) {
	for _, name := range []string{CategoryAll, CategoryTimeout, CategoryNetwork, CategoryTransient, CategoryHTTP} {
		if _, ok := Lookup(name); !ok {
			t.Fatalf("builtin %q missing", name)
		}
	}
	if _, ok := Lookup("bogus"); ok {
		t.Fatal("unexpected builtin bogus")
	}
}
