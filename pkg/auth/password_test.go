package auth

import "testing"

func TestHashPasswordWithSalt(t *testing.T) {
	// sha256("secretpepper")
	const want = "37ed63206cdbaf3f6675549dadf40ba61f411d59ec57ec7c12e439a317d5d39b"
	if got := HashPasswordWithSalt("secret", "pepper"); got != want {
		t.Errorf("HashPasswordWithSalt() = %q, want %q", got, want)
	}
	if HashPasswordWithSalt("secret", "salt") == want {
		t.Error("different salts produced the same hash")
	}
}

func TestVerify(t *testing.T) {
	hash, salt, err := GenerateHashAndSalt("hunter2")
	if err != nil {
		t.Fatalf("GenerateHashAndSalt failed: %v", err)
	}
	if len(salt) != DefaultSaltBytes*2 {
		t.Errorf("salt length = %d, want %d", len(salt), DefaultSaltBytes*2)
	}

	tests := []struct {
		name     string
		password string
		salt     string
		hash     string
		want     bool
	}{
		{"match", "hunter2", salt, hash, true},
		{"upper case hash", "hunter2", salt, toUpper(hash), true},
		{"wrong password", "hunter3", salt, hash, false},
		{"wrong salt", "hunter2", "other", hash, false},
		{"empty hash", "", "", "", false},
	}
	for _, tt := range tests {
		if got := Verify(tt.password, tt.salt, tt.hash); got != tt.want {
			t.Errorf("%s: Verify() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestGenerateHashAndSaltIsRandom(t *testing.T) {
	_, s1, err := GenerateHashAndSalt("pw")
	if err != nil {
		t.Fatal(err)
	}
	_, s2, err := GenerateHashAndSalt("pw")
	if err != nil {
		t.Fatal(err)
	}
	if s1 == s2 {
		t.Error("two salts were identical")
	}
}

func toUpper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 32
		}
	}
	return string(b)
}
