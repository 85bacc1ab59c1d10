// Package merkle provides the merkle tree support the blockchain needs to
// commit to the set of transactions inside a block.
package merkle

import (
	"crypto/sha256"
	"errors"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Hashable represents the behavior concrete data must exhibit to be
// committed to in a merkle tree.
type Hashable interface {
	Hash() ([]byte, error)
}

// =============================================================================

// Tree represents a merkle tree over an ordered set of values of type T.
// Only the leaf values and the root are retained, proofs are not needed
// for the full-node validation this chain performs.
type Tree[T Hashable] struct {
	values []T
	root   []byte
}

// NewTree constructs a merkle tree from the ordered set of values.
func NewTree[T Hashable](values []T) (*Tree[T], error) {
	if len(values) == 0 {
		return nil, errors.New("cannot construct tree with no content")
	}

	leafs := make([][]byte, len(values))
	for i, value := range values {
		hash, err := value.Hash()
		if err != nil {
			return nil, err
		}
		leafs[i] = hash
	}

	t := Tree[T]{
		values: append([]T(nil), values...),
		root:   buildRoot(leafs),
	}

	return &t, nil
}

// Values returns a copy of the ordered set of values in the tree.
func (t *Tree[T]) Values() []T {
	return append([]T(nil), t.values...)
}

// RootHex returns the root hash of the tree, hex encoded.
func (t *Tree[T]) RootHex() string {
	return hexutil.Encode(t.root)
}

// =============================================================================

// buildRoot folds the leaf hashes pairwise until one hash remains. An odd
// node at any level is paired with itself, the bitcoin convention.
func buildRoot(level [][]byte) []byte {
	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}

		next := make([][]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			h := sha256.New()
			h.Write(level[i])
			h.Write(level[i+1])
			next = append(next, h.Sum(nil))
		}
		level = next
	}

	return level[0]
}
