package rating

import (
    "github.com/hamzaKhattat/voip-billing-engine/internal/models"
)

// trieNode holds one digit of a prefix. A node with set=true carries
// the rate for the prefix ending at it.
type trieNode struct {
    children map[byte]*trieNode
    rate     models.Rate
    set      bool
}

// Trie is a longest-prefix-match structure over destination numbers.
// Not safe for concurrent use; the cache layer guards it.
type Trie struct {
    root *trieNode
    size int
}

func NewTrie() *Trie {
    return &Trie{root: &trieNode{}}
}

// Insert stores a rate under its prefix, replacing any previous entry.
func (t *Trie) Insert(prefix string, rate models.Rate) {
    node := t.root
    for i := 0; i < len(prefix); i++ {
        c := prefix[i]
        if node.children == nil {
            node.children = make(map[byte]*trieNode)
        }
        child := node.children[c]
        if child == nil {
            child = &trieNode{}
            node.children[c] = child
        }
        node = child
    }

    if !node.set {
        t.size++
    }
    node.rate = rate
    node.set = true
}

// LongestMatch walks the number and returns the deepest stored rate.
func (t *Trie) LongestMatch(number string) (models.Rate, bool) {
    var best models.Rate
    found := false

    node := t.root
    if node.set {
        best = node.rate
        found = true
    }

    for i := 0; i < len(number); i++ {
        if node.children == nil {
            break
        }
        node = node.children[number[i]]
        if node == nil {
            break
        }
        if node.set {
            best = node.rate
            found = true
        }
    }

    return best, found
}

// Size returns the number of stored prefixes.
func (t *Trie) Size() int {
    return t.size
}
