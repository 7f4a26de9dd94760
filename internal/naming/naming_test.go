package naming

import (
	"sync"
	"testing"
)

func TestCollectionAndIndex(t *testing.T) {
	tests := []struct {
		scope, base, want string
	}{
		{"alpha", "items", "alpha_items"},
		{"beta", "items", "beta_items"},
		{"a-1", "by_status", "a-1_by_status"},
	}
	for _, tc := range tests {
		if got := Collection(tc.scope, tc.base); got != tc.want {
			t.Errorf("Collection(%q, %q) = %q, want %q", tc.scope, tc.base, got, tc.want)
		}
		if got := Index(tc.scope, tc.base); got != tc.want {
			t.Errorf("Index(%q, %q) = %q, want %q", tc.scope, tc.base, got, tc.want)
		}
		if Collection(tc.scope, tc.base) != Collection(tc.scope, tc.base) {
			t.Error("Collection must be deterministic")
		}
	}
}

func TestResolver_Memoizes(t *testing.T) {
	r := NewResolver("alpha")
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got := r.Collection("items"); got != "alpha_items" {
				t.Errorf("unexpected name %q", got)
			}
			if got := r.Index("emb"); got != "alpha_emb" {
				t.Errorf("unexpected name %q", got)
			}
		}()
	}
	wg.Wait()
	if r.Scope() != "alpha" {
		t.Errorf("unexpected scope %q", r.Scope())
	}
}
