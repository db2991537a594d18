package audit

import (
	"errors"
	"strings"
	"testing"
	"time"
)

const testAPIKey = "loom_ak_1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef" // pragma: allowlist secret

func TestKeyValidateKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	tests := []struct {
		name     string
		key      Key
		provided string
		want     bool
	}{
		{
			name:     "active key with matching value",
			key:      Key{Key: "runner-key-1", Active: true},
			provided: "runner-key-1",
			want:     true,
		},
		{
			name:     "unexpired key with matching value",
			key:      Key{Key: "runner-key-1", Active: true, ExpiresAt: &future},
			provided: "runner-key-1",
			want:     true,
		},
		{
			name:     "wrong value",
			key:      Key{Key: "runner-key-1", Active: true},
			provided: "runner-key-2",
			want:     false,
		},
		{
			name:     "empty provided value",
			key:      Key{Key: "runner-key-1", Active: true},
			provided: "",
			want:     false,
		},
		{
			name:     "empty stored value",
			key:      Key{Key: "", Active: true},
			provided: "runner-key-1",
			want:     false,
		},
		{
			name:     "inactive key never validates",
			key:      Key{Key: "runner-key-1", Active: false},
			provided: "runner-key-1",
			want:     false,
		},
		{
			name:     "expired key never validates",
			key:      Key{Key: "runner-key-1", Active: true, ExpiresAt: &past},
			provided: "runner-key-1",
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.ValidateKey(tt.provided); got != tt.want {
				t.Errorf("ValidateKey(%q) = %v, want %v", tt.provided, got, tt.want)
			}
		})
	}
}

func TestKeyHasPermission(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	k := Key{Permissions: []string{"runs:read", "lineage:read"}}

	if !k.HasPermission("lineage:read") {
		t.Error("HasPermission(lineage:read) = false, want true")
	}

	if k.HasPermission("admin:write") {
		t.Error("HasPermission(admin:write) = true, want false")
	}

	if k.HasPermission("") {
		t.Error("HasPermission(empty) = true, want false")
	}

	var none Key
	if none.HasPermission("runs:read") {
		t.Error("HasPermission on key without permissions = true, want false")
	}
}

func TestSecureCompare(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name string
		a    string
		b    string
		want bool
	}{
		{name: "equal strings", a: "loom_ak_aabbcc", b: "loom_ak_aabbcc", want: true},
		{name: "last character differs", a: "loom_ak_aabbcc", b: "loom_ak_aabbcd", want: false},
		{name: "one is a prefix of the other", a: "loom_ak_aabbcc", b: "loom_ak_aabb", want: false},
		{name: "both empty", a: "", b: "", want: true},
		{name: "one empty", a: "loom_ak_aabbcc", b: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SecureCompare(tt.a, tt.b); got != tt.want {
				t.Errorf("SecureCompare(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestMaskKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name string
		key  string
		want string
	}{
		{
			name: "well-formed key keeps prefix and tail",
			key:  testAPIKey,
			want: "loom_ak_1234" + strings.Repeat("*", 56) + "cdef",
		},
		{
			name: "development key is starred out entirely",
			key:  "dev-key-1",
			want: "*********",
		},
		{
			name: "empty key stays empty",
			key:  "",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MaskKey(tt.key); got != tt.want {
				t.Errorf("MaskKey(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestGenerateAPIKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	key, err := GenerateAPIKey("ci-runner")
	if err != nil {
		t.Fatalf("GenerateAPIKey() error: %v", err)
	}

	if !strings.HasPrefix(key, "loom_ak_") {
		t.Errorf("generated key %q lacks the loom_ak_ prefix", MaskKey(key))
	}

	if len(key) != keyLength {
		t.Errorf("generated key length = %d, want %d", len(key), keyLength)
	}

	// Generated keys must survive the header parser unchanged.
	parsed, err := ParseAPIKey(key)
	if err != nil {
		t.Fatalf("ParseAPIKey(generated key) error: %v", err)
	}

	if parsed != key {
		t.Error("ParseAPIKey altered a generated key")
	}

	// Two mints must never collide.
	second, err := GenerateAPIKey("ci-runner")
	if err != nil {
		t.Fatalf("GenerateAPIKey() second call error: %v", err)
	}

	if key == second {
		t.Error("GenerateAPIKey produced the same key twice")
	}

	if _, err := GenerateAPIKey(""); !errors.Is(err, ErrClientIDEmpty) {
		t.Errorf("GenerateAPIKey(empty client) error = %v, want ErrClientIDEmpty", err)
	}
}

func TestParseAPIKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name    string
		header  string
		want    string
		wantErr error
	}{
		{
			name:   "bare key",
			header: testAPIKey,
			want:   testAPIKey,
		},
		{
			name:   "bearer prefix is stripped",
			header: "Bearer " + testAPIKey,
			want:   testAPIKey,
		},
		{
			name:    "empty header",
			header:  "",
			wantErr: ErrKeyStringEmpty,
		},
		{
			name:    "foreign token",
			header:  "Bearer sk-something-else-entirely",
			wantErr: ErrInvalidKeyFormat,
		},
		{
			name:    "right prefix but truncated",
			header:  "loom_ak_deadbeef",
			wantErr: ErrInvalidKeyLength,
		},
		{
			name:    "right prefix but overlong",
			header:  testAPIKey + "ff",
			wantErr: ErrInvalidKeyLength,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAPIKey(tt.header)

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("ParseAPIKey(%q) error = %v, want %v", tt.header, err, tt.wantErr)
				}

				return
			}

			if err != nil {
				t.Fatalf("ParseAPIKey(%q) error: %v", tt.header, err)
			}

			if got != tt.want {
				t.Errorf("ParseAPIKey(%q) = %q, want %q", tt.header, got, tt.want)
			}
		})
	}
}

func TestHashAPIKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	hash, err := HashAPIKey(testAPIKey)
	if err != nil {
		t.Fatalf("HashAPIKey() error: %v", err)
	}

	if !strings.HasPrefix(hash, "$2") {
		t.Errorf("hash %q is not in bcrypt format", hash)
	}

	// bcrypt salts every hash, so two hashes of one key must differ while
	// both still verifying against the key.
	again, err := HashAPIKey(testAPIKey)
	if err != nil {
		t.Fatalf("HashAPIKey() second call error: %v", err)
	}

	if hash == again {
		t.Error("two hashes of the same key are identical, salt is missing")
	}

	if !CompareAPIKeyHash(hash, testAPIKey) || !CompareAPIKeyHash(again, testAPIKey) {
		t.Error("hash does not verify against the key that produced it")
	}

	if _, err := HashAPIKey(""); !errors.Is(err, ErrKeyNil) {
		t.Errorf("HashAPIKey(empty) error = %v, want ErrKeyNil", err)
	}
}

func TestCompareAPIKeyHash(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	hash, err := HashAPIKey(testAPIKey)
	if err != nil {
		t.Fatalf("HashAPIKey() error: %v", err)
	}

	if !CompareAPIKeyHash(hash, testAPIKey) {
		t.Error("correct key does not verify")
	}

	if CompareAPIKeyHash(hash, "loom_ak_wrong") {
		t.Error("wrong key verifies")
	}

	if CompareAPIKeyHash("", testAPIKey) {
		t.Error("empty hash verifies")
	}

	if CompareAPIKeyHash(hash, "") {
		t.Error("empty key verifies")
	}

	if CompareAPIKeyHash("not-a-bcrypt-hash", testAPIKey) {
		t.Error("garbage hash verifies")
	}
}

func TestCompareAPIKeyHash_LongKeys(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// Keys past the 72-byte bcrypt limit take the SHA-256 pre-hash path.
	// Without it, bcrypt would silently truncate and two keys sharing a
	// 72-byte prefix would collide.
	long := strings.Repeat("x", 90)
	sharesPrefix := strings.Repeat("x", 89) + "y"

	hash, err := HashAPIKey(long)
	if err != nil {
		t.Fatalf("HashAPIKey(long) error: %v", err)
	}

	if !CompareAPIKeyHash(hash, long) {
		t.Error("long key does not verify against its own hash")
	}

	if CompareAPIKeyHash(hash, sharesPrefix) {
		t.Error("distinct long keys sharing a 72-byte prefix collide")
	}
}
