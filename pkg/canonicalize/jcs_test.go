package canonicalize

import (
	"testing"
)

func TestJCSSortsKeys(t *testing.T) {
	in := map[string]any{"zulu": 1, "alpha": 2, "mike": 3}
	out, err := JCS(in)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"alpha":2,"mike":3,"zulu":1}`
	if string(out) != want {
		t.Fatalf("expected %s, got %s", want, out)
	}
}

func TestJCSNoHTMLEscaping(t *testing.T) {
	out, err := JCS(map[string]any{"desc": "a<b>&c"})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"desc":"a<b>&c"}`
	if string(out) != want {
		t.Fatalf("expected %s, got %s", want, out)
	}
}

func TestJCSStructTagsHonored(t *testing.T) {
	v := struct {
		B string `json:"b"`
		A string `json:"a"`
	}{B: "two", A: "one"}
	out, err := JCS(v)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"a":"one","b":"two"}`
	if string(out) != want {
		t.Fatalf("expected %s, got %s", want, out)
	}
}

func TestCanonicalHashDeterministic(t *testing.T) {
	a := map[string]any{"x": "1", "y": []any{"a", "b"}}
	b := map[string]any{"y": []any{"a", "b"}, "x": "1"}

	ha, err := CanonicalHash(a)
	if err != nil {
		t.Fatal(err)
	}
	hb, err := CanonicalHash(b)
	if err != nil {
		t.Fatal(err)
	}
	if ha != hb {
		t.Fatalf("equal values hashed differently: %s vs %s", ha, hb)
	}
	if len(ha) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(ha))
	}
}

func TestCanonicalHashSensitiveToContent(t *testing.T) {
	ha, _ := CanonicalHash(map[string]any{"state": "active"})
	hb, _ := CanonicalHash(map[string]any{"state": "expired"})
	if ha == hb {
		t.Fatal("different values must not collide")
	}
}
