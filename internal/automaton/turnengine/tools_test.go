package turnengine

import (
	"context"
	"strings"
	"testing"
)

func TestDispatchUnknownTool(t *testing.T) {
	r := buildToolRegistry(Providers{})
	out := r.dispatch(context.Background(), "no_such_tool", "{}")
	if out.err == nil || !strings.Contains(out.err.Error(), "unknown tool") {
		t.Fatalf("err = %v, want unknown tool", out.err)
	}
}

func TestDispatchRejectsInvalidArguments(t *testing.T) {
	r := buildToolRegistry(Providers{
		SpawnFn: func(context.Context, string, string) (string, error) { return "ok", nil },
	})

	out := r.dispatch(context.Background(), "spawn_child", `{"name":"a"}`)
	if out.err == nil || !strings.Contains(out.err.Error(), "failed validation") {
		t.Fatalf("missing required field must fail schema validation, got %v", out.err)
	}

	out = r.dispatch(context.Background(), "spawn_child", `not json`)
	if out.err == nil {
		t.Fatalf("malformed JSON arguments must be rejected")
	}

	out = r.dispatch(context.Background(), "spawn_child", `{"name":"a","genesisPrompt":"b"}`)
	if out.err != nil {
		t.Fatalf("valid arguments rejected: %v", out.err)
	}
	if !out.trustBoundary {
		t.Fatalf("spawn_child success must report a trust-boundary crossing")
	}
}

func TestRegistryOmitsToolsForMissingProviders(t *testing.T) {
	r := buildToolRegistry(Providers{})
	if len(r.definitions()) != 0 {
		t.Fatalf("no providers configured, but %d tools registered", len(r.definitions()))
	}
	if r.crossesTrustBoundary("wallet_sign_typed_data") {
		t.Fatalf("unregistered tool cannot cross a trust boundary")
	}
}
