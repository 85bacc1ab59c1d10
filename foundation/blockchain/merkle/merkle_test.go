package merkle_test

import (
	"crypto/sha256"
	"testing"

	"github.com/ardanlabs/coin/foundation/blockchain/merkle"
)

// data implements the merkle.Hashable interface over a string.
type data struct {
	value string
}

func (d data) Hash() ([]byte, error) {
	h := sha256.Sum256([]byte(d.value))
	return h[:], nil
}

// =============================================================================

func Test_Root(t *testing.T) {
	values := []data{{"a"}, {"b"}, {"c"}, {"d"}}

	tree, err := merkle.NewTree(values)
	if err != nil {
		t.Fatalf("Should be able to construct a tree: %s", err)
	}

	root := tree.RootHex()
	if root == "" {
		t.Fatal("Should produce a non-empty root.")
	}

	tree2, err := merkle.NewTree(values)
	if err != nil {
		t.Fatalf("Should be able to construct a second tree: %s", err)
	}

	if tree2.RootHex() != root {
		t.Logf("got: %s", tree2.RootHex())
		t.Logf("exp: %s", root)
		t.Fatal("Should produce the same root for the same values.")
	}
}

func Test_RootChangesWithContent(t *testing.T) {
	tree1, err := merkle.NewTree([]data{{"a"}, {"b"}, {"c"}})
	if err != nil {
		t.Fatalf("Should be able to construct a tree: %s", err)
	}

	tree2, err := merkle.NewTree([]data{{"a"}, {"b"}, {"x"}})
	if err != nil {
		t.Fatalf("Should be able to construct a tree: %s", err)
	}

	if tree1.RootHex() == tree2.RootHex() {
		t.Fatal("Should produce different roots for different values.")
	}

	tree3, err := merkle.NewTree([]data{{"b"}, {"a"}, {"c"}})
	if err != nil {
		t.Fatalf("Should be able to construct a tree: %s", err)
	}

	if tree1.RootHex() == tree3.RootHex() {
		t.Fatal("Should produce different roots for a different order.")
	}
}

func Test_Values(t *testing.T) {
	values := []data{{"a"}, {"b"}, {"c"}}

	tree, err := merkle.NewTree(values)
	if err != nil {
		t.Fatalf("Should be able to construct a tree: %s", err)
	}

	got := tree.Values()
	if len(got) != len(values) {
		t.Fatalf("Should get back %d values, got %d.", len(values), len(got))
	}

	for i := range values {
		if got[i] != values[i] {
			t.Fatalf("Should get back the values in order, index %d differs.", i)
		}
	}
}

func Test_EmptyTree(t *testing.T) {
	if _, err := merkle.NewTree([]data{}); err == nil {
		t.Fatal("Should not be able to construct a tree with no content.")
	}
}
