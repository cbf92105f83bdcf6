package ld

import (
	"sort"

	"github.com/blacktop/ld64go/pkg/trie"
	"github.com/blacktop/ld64go/types"
)

// BuildExportTrie serializes every globally-visible, surviving
// definition into the compressed trie LC_DYLD_INFO's export_off or
// LC_DYLD_EXPORTS_TRIE points at (§4.7/§6, grounded on pkg/trie's own
// ParseTrie/WalkTrie, which this is the encoding half of). An
// executable only exports what -exported_symbol / re-export rules ask
// for; this core exports every ScopeGlobal definition, deferring
// symbol-visibility-list filtering to a future flag (§9 Open
// Questions).
func BuildExportTrie(ctx *Context) []byte {
	var entries []trie.TrieEntry

	var textAddr uint64
	for _, seg := range ctx.OutputSegments {
		if seg.Name == "__TEXT" {
			textAddr = seg.Addr
			break
		}
	}

	ctx.SymTab.Range(func(sym *Symbol) {
		if sym.File() == nil || sym.Visibility() != ScopeGlobal {
			return
		}
		if sym.IsImported {
			return // a re-exported dylib symbol, not one this image defines
		}

		flags := types.ExportFlag(0)
		if sym.IsWeak {
			flags |= types.EXPORT_SYMBOL_FLAGS_WEAK_DEFINITION
		}

		entries = append(entries, trie.TrieEntry{
			Name:    sym.Name,
			Flags:   flags,
			Address: sym.Addr() - textAddr,
		})
	})

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return trie.BuildTrie(entries)
}
