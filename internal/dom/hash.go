package dom

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"slices"
	"strings"
	"sync"
)

var hasherPool = sync.Pool{
	New: func() any { return sha256.New() },
}

// IdentityHash derives a node's structural identity from the tag path leading
// to it, its own tag and its attributes sorted by name. Backend node ids and
// indices play no part, so the hash survives re-extraction and renumbering
// but changes when the node moves to a different ancestor chain.
func IdentityHash(ancestors []string, tag string, attrs map[string]string) string {
	h := hasherPool.Get().(hash.Hash)
	defer func() {
		h.Reset()
		hasherPool.Put(h)
	}()

	h.Write([]byte(strings.Join(ancestors, "/")))
	h.Write([]byte{0})

	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(attrs[k]))
		h.Write([]byte{0})
	}
	h.Write([]byte(tag))
	return hex.EncodeToString(h.Sum(nil))
}

// assignHashes stamps every element with its identity hash. The ancestor path
// is threaded through the walk instead of recomputed per node.
func assignHashes(t *Tree) {
	root := t.Node(t.Root)
	if root == nil {
		return
	}
	var visit func(n *Node, path []string)
	visit = func(n *Node, path []string) {
		if n.Type == ElementNode {
			n.Hash = IdentityHash(path, n.Tag(), n.Attributes)
			path = append(path[:len(path):len(path)], n.Tag())
		}
		for _, c := range t.ChildrenAndShadowRoots(n) {
			visit(c, path)
		}
		if doc := t.Node(n.ContentDocument); doc != nil {
			visit(doc, path)
		}
	}
	visit(root, nil)
}
