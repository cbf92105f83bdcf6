package trie

import (
	"bytes"
	"sort"
)

// node is one vertex of the uncompressed export trie being built:
// either a terminal node (entry != nil, one exported symbol ends here)
// or a pure branch point, with each outgoing edge labeled by the
// shortest unique substring that distinguishes its subtree (the
// encoding ParseTrie/WalkTrie above decode).
type node struct {
	entry    *TrieEntry
	children []*edge

	offset  uint32
	encoded []byte
}

type edge struct {
	label string
	to    *node
}

// AppendUleb128 writes v's unsigned LEB128 encoding to buf, the
// serialization ReadUleb128 decodes.
func AppendUleb128(buf *bytes.Buffer, v uint64) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf.WriteByte(b)
		if v == 0 {
			return
		}
	}
}

func ulebSize(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// BuildTrie encodes entries into the compressed-trie byte stream ld64
// writes into LC_DYLD_INFO's export_off/export_size (or, under chained
// fixups, LC_DYLD_EXPORTS_TRIE), §4.7/§6, grounded on reversing this
// package's own ParseTrie/WalkTrie decode above: the node layout
// (uleb128 terminal size, terminal payload, child count, child edges)
// is exactly what those two functions expect to read back.
func BuildTrie(entries []TrieEntry) []byte {
	if len(entries) == 0 {
		return nil
	}

	sorted := make([]TrieEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	root := &node{}
	for i := range sorted {
		insert(root, sorted[i].Name, &sorted[i])
	}

	// Node offsets depend on the uleb128-encoded size of every other
	// node's serialized form, which in turn depends on offsets: the
	// classic fixed point is reached by re-encoding with the previous
	// pass's offsets until a pass changes nothing (bounded: offsets are
	// monotonically non-decreasing across passes, so this always
	// terminates, practically within a handful of iterations).
	for i := 0; i < 32; i++ {
		changed := assignOffsets(root)
		if !changed {
			break
		}
	}

	var out bytes.Buffer
	emitted := make(map[*node]bool)
	var walk func(n *node)
	walk = func(n *node) {
		if emitted[n] {
			return
		}
		emitted[n] = true
		out.Write(n.encoded)
		for _, e := range n.children {
			walk(e.to)
		}
	}
	walk(root)
	return out.Bytes()
}

// insert threads name into the trie under n, splitting an existing
// edge at its longest common prefix with name when necessary.
func insert(n *node, name string, entry *TrieEntry) {
	for _, e := range n.children {
		common := commonPrefixLen(e.label, name)
		switch {
		case common == 0:
			continue
		case common == len(e.label) && common == len(name):
			e.to.entry = entry
			return
		case common == len(e.label):
			insert(e.to, name[common:], entry)
			return
		default:
			// split e.label at the common prefix into an intermediate node
			mid := &node{children: []*edge{{label: e.label[common:], to: e.to}}}
			e.label = e.label[:common]
			e.to = mid
			if common == len(name) {
				mid.entry = entry
			} else {
				insert(mid, name[common:], entry)
			}
			return
		}
	}
	n.children = append(n.children, &edge{label: name, to: &node{entry: entry}})
}

func commonPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// assignOffsets re-serializes every node bottom-up (so a parent's
// uleb128-encoded child offsets reflect the child's size from the
// previous pass) and reports whether any node's offset moved.
func assignOffsets(root *node) bool {
	// stable post-order so a node's children are always offset and
	// sized before the node itself is encoded
	var order []*node
	seen := make(map[*node]bool)
	var visit func(n *node)
	visit = func(n *node) {
		if seen[n] {
			return
		}
		seen[n] = true
		for _, e := range n.children {
			visit(e.to)
		}
		order = append(order, n)
	}
	visit(root)

	for _, n := range order {
		n.encoded = encodeNode(n)
	}

	changed := false
	var offset uint32
	// re-walk in the actual emission order (pre-order from root,
	// first-visit only) to assign cumulative offsets matching BuildTrie's
	// walk, then re-encode so embedded child offsets are current.
	visited := make(map[*node]bool)
	var assign func(n *node)
	assign = func(n *node) {
		if visited[n] {
			return
		}
		visited[n] = true
		if n.offset != offset {
			changed = true
		}
		n.offset = offset
		offset += uint32(len(n.encoded))
		for _, e := range n.children {
			assign(e.to)
		}
	}
	assign(root)

	for _, n := range order {
		n.encoded = encodeNode(n)
	}
	return changed
}

func encodeNode(n *node) []byte {
	var buf bytes.Buffer

	if n.entry != nil {
		var term bytes.Buffer
		e := n.entry
		AppendUleb128(&term, uint64(e.Flags))
		if e.Flags.ReExport() {
			AppendUleb128(&term, e.Other)
			term.WriteString(e.ReExport)
			term.WriteByte(0)
		} else if e.Flags.StubAndResolver() {
			AppendUleb128(&term, e.Other)
			AppendUleb128(&term, e.Address)
		} else {
			AppendUleb128(&term, e.Address)
		}
		AppendUleb128(&buf, uint64(term.Len()))
		buf.Write(term.Bytes())
	} else {
		AppendUleb128(&buf, 0)
	}

	buf.WriteByte(byte(len(n.children)))
	for _, e := range n.children {
		buf.WriteString(e.label)
		buf.WriteByte(0)
		AppendUleb128(&buf, uint64(e.to.offset))
	}
	return buf.Bytes()
}
