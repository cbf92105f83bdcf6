// Package dylibstub reads the two forms a linker-time dylib dependency
// shows up in: a real .dylib Mach-O binary, or a text-stub (.tbd) that
// describes one without shipping its code (§6 "Dylib inputs"). Both
// produce the same Stub: an install name plus the list of symbols the
// library exports, which is all the resolver needs to satisfy an
// undefined reference against it.
package dylibstub

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	macho "github.com/blacktop/ld64go"

	"gopkg.in/yaml.v3"
)

// Stub is the parsed result of either input form.
type Stub struct {
	InstallName   string
	CurrentVer    uint32
	CompatVer     uint32
	Exports       []string
	ReexportNames []string // install names of libraries this one re-exports
}

// Load reads path as a .tbd text stub if its contents parse as one,
// otherwise as a real Mach-O dylib.
func Load(path string) (*Stub, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if looksLikeTBD(raw) {
		return parseTBD(raw)
	}
	return parseDylib(path, raw)
}

func looksLikeTBD(raw []byte) bool {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	return bytes.HasPrefix(trimmed, []byte("---")) || bytes.Contains(trimmed[:min(64, len(trimmed))], []byte("tbd-version"))
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// parseDylib extracts a Stub from a real Mach-O shared library, preferring
// its dyld export trie (every modern dylib has one) and falling back to
// the raw symbol table's external definitions for very old ones.
func parseDylib(path string, raw []byte) (*Stub, error) {
	mf, err := macho.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	s := &Stub{InstallName: path}
	if id := mf.DylibID(); id != nil {
		s.InstallName = id.Name
		s.CurrentVer = parseVersion(id.CurrentVersion)
		s.CompatVer = parseVersion(id.CompatVersion)
	}

	if exports, err := mf.DyldExports(); err == nil {
		for _, e := range exports {
			s.Exports = append(s.Exports, e.Name)
		}
		return s, nil
	}

	if mf.Symtab != nil {
		for _, sym := range mf.Symtab.Syms {
			if sym.Type.IsExternalSym() && !sym.Type.IsUndefinedSym() {
				s.Exports = append(s.Exports, sym.Name)
			}
		}
	}
	return s, nil
}

// tbdDoc is the subset of the Apple text-stub YAML schema the linker
// needs: the install name, compatibility/current versions, the flat
// export symbol lists (ordinary symbols and weak-defs of every exports
// entry are folded together since this core links one arch at a time;
// objc-classes and objc-ivars are decoded but not added to Exports),
// and any re-exported sub-libraries.
type tbdDoc struct {
	InstallName string `yaml:"install-name"`
	CurrentVer  string `yaml:"current-version"`
	CompatVer   string `yaml:"compatibility-version"`
	Exports     []struct {
		Symbols    []string `yaml:"symbols"`
		WeakSyms   []string `yaml:"weak-symbols"`
		ObjcClass  []string `yaml:"objc-classes"`
		ObjcIvars  []string `yaml:"objc-ivars"`
	} `yaml:"exports"`
	Reexports []struct {
		InstallName string `yaml:"install-name"`
	} `yaml:"reexported-libraries"`
}

func parseTBD(raw []byte) (*Stub, error) {
	// A .tbd file is a YAML stream of one-or-more `---`-separated
	// documents (one per architecture set in older tbd-version 1/2
	// files); the symbol lists across documents are the union.
	s := &Stub{}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	for {
		var doc tbdDoc
		if err := dec.Decode(&doc); err != nil {
			break
		}
		if s.InstallName == "" {
			s.InstallName = doc.InstallName
			if doc.CurrentVer != "" {
				s.CurrentVer = parseVersion(doc.CurrentVer)
			}
			if doc.CompatVer != "" {
				s.CompatVer = parseVersion(doc.CompatVer)
			}
		}
		for _, grp := range doc.Exports {
			s.Exports = append(s.Exports, grp.Symbols...)
			s.Exports = append(s.Exports, grp.WeakSyms...)
		}
		for _, r := range doc.Reexports {
			s.ReexportNames = append(s.ReexportNames, r.InstallName)
		}
	}
	if s.InstallName == "" {
		return nil, fmt.Errorf("tbd: no install-name found")
	}
	return s, nil
}

// parseVersion turns a dotted "X.Y.Z" version string into the packed
// 32-bit A.B.C form Mach-O load commands use (§6, same encoding as
// types.DylibCmd's CurrentVersion).
func parseVersion(s string) uint32 {
	var a, b, c uint32
	parts := strings.SplitN(s, ".", 3)
	fmt.Sscanf(strings0(parts, 0), "%d", &a)
	fmt.Sscanf(strings0(parts, 1), "%d", &b)
	fmt.Sscanf(strings0(parts, 2), "%d", &c)
	return a<<16 | b<<8 | c
}

func strings0(parts []string, i int) string {
	if i < len(parts) {
		return parts[i]
	}
	return "0"
}
