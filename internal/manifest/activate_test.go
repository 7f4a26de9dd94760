package manifest

import (
	"context"
	"testing"
	"time"

	"github.com/kailas-cloud/scopedb/internal/db/memory"
	"github.com/kailas-cloud/scopedb/internal/indexbuild"
	"github.com/kailas-cloud/scopedb/internal/proxy"
)

func newEngine(t *testing.T) (*proxy.Engine, *memory.Database) {
	t.Helper()
	mem := memory.New(memory.Options{})
	e, err := proxy.NewEngine(mem, proxy.Config{
		StampField: "tenant_id",
		Builds: indexbuild.Config{
			PollInterval: 2 * time.Millisecond,
			Timeout:      time.Second,
			RetryBackoff: time.Millisecond,
		},
	}, nil, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return e, mem
}

func TestActivate_EveryTenantEveryCollection(t *testing.T) {
	m, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	e, mem := newEngine(t)
	ctx := context.Background()

	acts, err := Activate(ctx, e, m, nil)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if len(acts) != 4 {
		t.Fatalf("expected 2 tenants x 2 collections, got %d", len(acts))
	}

	for _, a := range acts {
		for _, task := range a.Report.Tasks() {
			select {
			case <-task.Done():
			case <-time.After(2 * time.Second):
				t.Fatalf("task %s did not finish", task.Info().Index)
			}
		}
	}

	for _, want := range []struct{ coll, index string }{
		{"alpha_items", "alpha_status_created"},
		{"alpha_items", "alpha_expires"},
		{"beta_items", "beta_status_created"},
		{"alpha_accounts", "alpha_by_email"},
		{"beta_accounts", "beta_by_email"},
	} {
		infos, err := mem.Collection(want.coll).ListIndexes(ctx)
		if err != nil {
			t.Fatalf("ListIndexes %s: %v", want.coll, err)
		}
		found := false
		for _, info := range infos {
			if info.Name == want.index {
				found = true
			}
		}
		if !found {
			t.Errorf("%s missing on %s", want.index, want.coll)
		}
	}

	search, err := mem.Collection("beta_items").ListSearchIndexes(ctx, "")
	if err != nil {
		t.Fatalf("ListSearchIndexes: %v", err)
	}
	if len(search) != 1 || search[0].Name != "beta_embedding" {
		t.Errorf("expected beta_embedding search index, got %+v", search)
	}
}

func TestActivate_FailuresDoNotStopOthers(t *testing.T) {
	m, err := Parse([]byte(`
tenants:
  - write_scope: "bad scope"
  - write_scope: gamma
collections:
  items:
    - {name: broken, type: ttl, keys: {a: 1}}
    - {name: ok, type: regular, keys: {a: 1}}
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	e, mem := newEngine(t)

	acts, err := Activate(context.Background(), e, m, nil)
	if err == nil {
		t.Fatal("expected joined error")
	}
	if len(acts) != 1 || acts[0].Collection != "gamma_items" {
		t.Fatalf("expected one activation for gamma, got %+v", acts)
	}
	if failed := acts[0].Report.Failed(); len(failed) != 1 || failed[0].Spec != "broken" {
		t.Errorf("expected only the ttl spec to fail, got %+v", failed)
	}

	infos, err := mem.Collection("gamma_items").ListIndexes(context.Background())
	if err != nil {
		t.Fatalf("ListIndexes: %v", err)
	}
	found := false
	for _, info := range infos {
		if info.Name == "gamma_ok" {
			found = true
		}
	}
	if !found {
		t.Error("valid spec must still be created")
	}
}
