package integrity_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"missionline/internal/integrity"
)

func TestCanonicalJSONStableUnderKeyOrder(t *testing.T) {
	a, err := integrity.Hash(map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatal(err)
	}
	b, err := integrity.Hash(map[string]any{"b": 2, "a": 1})
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("hash differs under key reordering: %s vs %s", a, b)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(`{"b":2,"a":1}`), &decoded); err != nil {
		t.Fatal(err)
	}
	c, _ := integrity.Hash(decoded)
	if c != a {
		t.Fatalf("decoded payload hashes differently: %s vs %s", c, a)
	}
}

func TestCanonicalJSONBytes(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want string
	}{
		{"nested", map[string]any{"z": []any{1, "x", nil}, "a": map[string]any{"d": true, "c": false}}, `{"a":{"c":false,"d":true},"z":[1,"x",null]}`},
		{"unicode kept", map[string]any{"name": "Grüße <&>"}, `{"name":"Grüße <&>"}`},
		{"escapes", map[string]any{"s": "a\"b\\c\nd\x01"}, `{"s":"a\"b\\c\nd\u0001"}`},
		{"integral float", map[string]any{"n": 2.0}, `{"n":2}`},
		{"fraction", map[string]any{"n": 0.5}, `{"n":0.5}`},
		{"small", map[string]any{"n": 0.00001}, `{"n":1e-05}`},
		{"number literal", map[string]any{"n": json.Number("1.50")}, `{"n":1.5}`},
		{"string slice", []string{"b", "a"}, `["b","a"]`},
	}
	for _, tc := range cases {
		got, err := integrity.CanonicalJSON(tc.in)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if string(got) != tc.want {
			t.Errorf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}

func TestCanonicalJSONStruct(t *testing.T) {
	type payload struct {
		Kind   string         `json:"kind"`
		Params map[string]any `json:"params"`
	}
	got, err := integrity.CanonicalJSON(payload{Kind: "read_file", Params: map[string]any{"path": "a.go"}})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"kind":"read_file","params":{"path":"a.go"}}` {
		t.Fatalf("unexpected canonical form %s", got)
	}
}

func TestDecide(t *testing.T) {
	payload := map[string]any{"kind": "walk_tree", "params": map[string]any{"root": "."}}
	v, err := integrity.Decide("", payload, nil)
	if err != nil || v.Decision != integrity.AllowNew || v.PayloadHash != "" {
		t.Fatalf("no key: %+v %v", v, err)
	}
	v, err = integrity.Decide("k1", payload, nil)
	if err != nil || v.Decision != integrity.AllowNew || v.PayloadHash == "" {
		t.Fatalf("fresh key: %+v %v", v, err)
	}
	hash := v.PayloadHash

	existing := &integrity.Existing{JobID: "job-1", IdempotencyHash: hash, Status: "completed", CompletedResult: map[string]any{"ok": true}}
	v, err = integrity.Decide("k1", payload, existing)
	if err != nil || v.Decision != integrity.ReturnExisting || v.ExistingID != "job-1" || v.CachedResult == nil {
		t.Fatalf("same payload: %+v %v", v, err)
	}

	legacy := &integrity.Existing{JobID: "job-1", Status: "pending"}
	v, _ = integrity.Decide("k1", payload, legacy)
	if v.Decision != integrity.ReturnExisting || v.CachedResult != nil {
		t.Fatalf("legacy row should soft-match without cached result: %+v", v)
	}

	other := map[string]any{"kind": "walk_tree", "params": map[string]any{"root": "/etc"}}
	v, _ = integrity.Decide("k1", other, existing)
	if v.Decision != integrity.Reject || v.Conflict == nil {
		t.Fatalf("different payload must reject: %+v", v)
	}
	if v.Conflict.Error != integrity.CollisionCode || v.Conflict.ExistingJobID != "job-1" {
		t.Fatalf("conflict detail: %+v", v.Conflict)
	}
	if len(v.Conflict.ExistingHashPrefix) != 12 || !strings.HasPrefix(hash, v.Conflict.ExistingHashPrefix) {
		t.Fatalf("existing prefix %q", v.Conflict.ExistingHashPrefix)
	}
}

func TestVerifyOrMigrate(t *testing.T) {
	result := map[string]any{"ok": true, "files": []any{"a.py"}}

	var persisted string
	st, err := integrity.VerifyOrMigrate(result, "", "", func(hash, alg string) error {
		persisted = hash
		return errors.New("disk full")
	})
	if err != nil {
		t.Fatalf("soft migrate must not fail on persist error: %v", err)
	}
	if !st.Migrated || persisted != st.ActualHash {
		t.Fatalf("migrate status %+v persisted %s", st, persisted)
	}

	st, err = integrity.VerifyOrMigrate(result, integrity.External(persisted), "sha256", nil)
	if err != nil || st.Migrated {
		t.Fatalf("verify: %+v %v", st, err)
	}

	tampered := map[string]any{"ok": true, "files": []any{"b.py"}}
	_, err = integrity.VerifyOrMigrate(tampered, persisted, "sha256", nil)
	var ie integrity.IntegrityError
	if !errors.As(err, &ie) || ie.Code != integrity.IntegrityFailCode {
		t.Fatalf("expected integrity failure, got %v", err)
	}

	if _, err := integrity.VerifyOrMigrate(result, persisted, "md5", nil); err == nil {
		t.Fatalf("unsupported algorithm must fail")
	}
}
