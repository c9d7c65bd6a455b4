package vdom

import (
	"fmt"
	"hash/fnv"
	"strconv"
)

// KeyAttr lets a template give an element an identity that survives
// reordering among its siblings.
const KeyAttr = "data-key"

// Namespace derives the StableID prefix for a page so that ids are unique
// across pages on the wire.
func Namespace(permalink string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(permalink))
	return fmt.Sprintf("q%08x", h.Sum32())
}

// Index assigns a StableID to every element of t. An id is a hash of the
// parent's id and the element's key among its siblings: its data-key or id
// attribute when present, else its tag and position among same-tag
// siblings. Recompiling the same template therefore yields the same ids.
func Index(t *Tree, namespace string) {
	if t == nil || t.Root == nil {
		return
	}
	ix := &indexer{
		namespace: namespace,
		seen:      make(map[StableID]bool),
	}
	ix.assign(t.Root, "", "html")
}

type indexer struct {
	namespace string
	seen      map[StableID]bool
}

func (ix *indexer) assign(n *Node, parent StableID, key string) {
	n.ID = ix.id(parent, key)

	explicit := make(map[string]int)
	positional := make(map[string]int)
	for _, c := range n.Children {
		if c.Type != ElementNode {
			continue
		}
		var childKey string
		if v, ok := c.Attr(KeyAttr); ok {
			childKey = "k:" + c.Tag + ":" + v
		} else if v, ok := c.Attr("id"); ok && v != "" {
			childKey = "i:" + c.Tag + ":" + v
		}
		if childKey != "" {
			explicit[childKey]++
			if count := explicit[childKey]; count > 1 {
				childKey += "~" + strconv.Itoa(count)
			}
		} else {
			childKey = c.Tag + "#" + strconv.Itoa(positional[c.Tag])
			positional[c.Tag]++
		}
		ix.assign(c, n.ID, childKey)
	}
}

func (ix *indexer) id(parent StableID, key string) StableID {
	for salt := 0; ; salt++ {
		h := fnv.New64a()
		_, _ = h.Write([]byte(parent))
		_, _ = h.Write([]byte{'/'})
		_, _ = h.Write([]byte(key))
		if salt > 0 {
			_, _ = h.Write([]byte("~" + strconv.Itoa(salt)))
		}
		id := StableID(fmt.Sprintf("%s-%012x", ix.namespace, h.Sum64()&0xffffffffffff))
		if !ix.seen[id] {
			ix.seen[id] = true
			return id
		}
	}
}
