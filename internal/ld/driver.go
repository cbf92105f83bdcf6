package ld

import (
	"bytes"
	"fmt"
	"os"

	macho "github.com/blacktop/ld64go"

	"github.com/blacktop/ld64go/internal/ld/dylibstub"
)

// LoadInputs classifies and parses every entry in ctx.Args.Inputs, in
// command-line order, populating ctx.Objects/Archives/Dylibs (§4.2 "Input
// decomposition"). Archive members are parsed eagerly (dead, not yet
// pulled in) so the resolver's first pass already sees every candidate
// definition at its correct rank.
func LoadInputs(ctx *Context) error {
	for _, path := range ctx.Args.Inputs {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		switch {
		case len(raw) >= len(arMagic) && string(raw[:len(arMagic)]) == arMagic:
			if err := ctx.loadArchive(path, raw); err != nil {
				return err
			}
		case looksLikeMachO(raw):
			if err := ctx.loadObjectOrDylib(path, raw); err != nil {
				return err
			}
		default:
			if err := ctx.loadDylibStub(path); err != nil {
				return err
			}
		}
	}
	return nil
}

// looksLikeMachO checks the 4-byte magic the reader itself recognizes,
// thin 32/64-bit, either endianness (fat archives are out of scope, §9
// Non-goals: "Universal/fat binary input").
func looksLikeMachO(raw []byte) bool {
	if len(raw) < 4 {
		return false
	}
	switch binaryMagic(raw) {
	case 0xfeedface, 0xcefaedfe, 0xfeedfacf, 0xcffaedfe:
		return true
	}
	return false
}

func binaryMagic(raw []byte) uint32 {
	return uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16 | uint32(raw[3])<<24
}

func (ctx *Context) loadArchive(path string, raw []byte) error {
	a, err := parseArchive(path, raw, ctx.allocPriority())
	if err != nil {
		return err
	}
	members, err := a.loadAllMembers(ctx)
	if err != nil {
		return err
	}
	ctx.Archives = append(ctx.Archives, a)
	ctx.Objects = append(ctx.Objects, members...)
	return nil
}

// loadObjectOrDylib distinguishes a relocatable .o (MH_OBJECT) from a
// linked .dylib (MH_DYLIB) by filetype, since both share the same magic.
func (ctx *Context) loadObjectOrDylib(path string, raw []byte) error {
	mf, err := macho.NewFile(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	const mhDylib = 6 // MH_DYLIB
	if mf.Type == mhDylib {
		return ctx.loadDylibStub(path)
	}

	of, err := parseObject(ctx, mf, path, ctx.allocPriority(), nil, 0)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	ctx.Objects = append(ctx.Objects, of)
	return nil
}

func (ctx *Context) loadDylibStub(path string) error {
	stub, err := dylibstub.Load(path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	df := &DylibFile{
		fileBase:    fileBase{name: path, priority: ctx.allocPriority(), alive: true},
		InstallName: stub.InstallName,
		CurrentVer:  stub.CurrentVer,
		CompatVer:   stub.CompatVer,
		Exports:     stub.Exports,
	}
	ctx.Dylibs = append(ctx.Dylibs, df)
	df.ordinal = len(ctx.Dylibs)

	for _, name := range stub.Exports {
		sym := ctx.SymTab.Intern(name)
		sym.mu.Lock()
		candidateRank := makeRank(getFileRank(df, false, false), df.priority)
		if candidateRank < sym.currentRank() {
			sym.file = df
			sym.visibility = ScopeModule
			sym.IsAbs = false
			sym.IsCommon = false
		}
		sym.mu.Unlock()
	}
	return nil
}
