package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"prism-board/auth"
)

func TestGenerateNumbersUsers(t *testing.T) {
	secret := []byte("s")
	tokens, err := generate(secret, "", options{count: 3, prefix: "u", start: 5, ttl: time.Minute}, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	verifier := auth.NewShared(secret, "", "")
	for i, want := range []string{"u-5", "u-6", "u-7"} {
		got, err := verifier.UserIDFromAuthHeader("Bearer " + tokens[i])
		if err != nil || got != want {
			t.Fatalf("token %d: got %q, %v", i, got, err)
		}
	}
}

func TestWriteTokens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "tokens.json")
	if err := writeTokens(path, []string{"a", "b"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got []string
	if err := sonic.Unmarshal(data, &got); err != nil || len(got) != 2 {
		t.Fatalf("decoded %v, %v", got, err)
	}
}
