package fingerprint

import (
	"math/rand"
	"strings"
	"testing"
)

func TestGenerateIsInternallyConsistent(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		tuple := Generate(r)
		if tuple.UserAgent == "" || tuple.Runtime == "" || tuple.OS == "" || tuple.Arch == "" {
			t.Fatalf("incomplete tuple: %+v", tuple)
		}
		if tuple.Runtime == "node" && !strings.Contains(tuple.UserAgent, "claude-cli") && !strings.Contains(tuple.UserAgent, "node-fetch") {
			t.Fatalf("node runtime paired with unexpected UA: %+v", tuple)
		}
	}
}

func TestGenerateIsDeterministicForSeededSource(t *testing.T) {
	a := Generate(rand.New(rand.NewSource(42)))
	b := Generate(rand.New(rand.NewSource(42)))
	if a != b {
		t.Fatalf("same seed produced different tuples: %+v vs %+v", a, b)
	}
}
