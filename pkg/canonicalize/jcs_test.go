package canonicalize

import (
	"encoding/json"
	"testing"
)

func TestJCS_Sorting(t *testing.T) {
	input := map[string]interface{}{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	expected := `{"a":1,"b":2,"c":3}`

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestJCS_RecursiveSorting(t *testing.T) {
	input := map[string]interface{}{
		"z": map[string]interface{}{
			"y": "foo",
			"x": "bar",
		},
		"a": 1,
	}

	expected := `{"a":1,"z":{"x":"bar","y":"foo"}}`

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	input := map[string]string{
		"html": "<script>alert('xss')</script> &",
	}

	// Standard encoding/json escapes <, > and &; RFC 8785 forbids that.
	expected := `{"html":"<script>alert('xss')</script> &"}`

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestCanonicalHash_Stability(t *testing.T) {
	// Semantically identical inputs constructed differently must hash equal.
	v1 := map[string]interface{}{"a": 1, "b": 2}

	type S struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	v2 := S{A: 1, B: 2}

	h1, err := CanonicalHash(v1)
	if err != nil {
		t.Fatal(err)
	}

	h2, err := CanonicalHash(v2)
	if err != nil {
		t.Fatal(err)
	}

	if h1 != h2 {
		t.Errorf("Hash mismatch for semantically identical inputs: %s != %s", h1, h2)
	}
}

func TestJCS_NumberTypes(t *testing.T) {
	input := map[string]interface{}{
		"num": json.Number("123.456"),
	}
	expected := `{"num":123.456}`

	b, err := JCS(input)
	if err != nil {
		t.Fatal(err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestJCSString_IsReachable(t *testing.T) {
	s, err := JCSString(map[string]int{"b": 2, "a": 1})
	if err != nil {
		t.Fatal(err)
	}
	if s == "" {
		t.Fatal("expected non-empty string")
	}
}
