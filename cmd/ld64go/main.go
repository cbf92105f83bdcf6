// Command ld64go is a static linker for Mach-O ARM64 and x86-64 object
// files. It wires together input decomposition, symbol resolution,
// dead-code stripping, layout, relocation, and output emission into a
// single pass (§5 "Shared state" describes the pipeline this mirrors).
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/xyproto/env/v2"

	"github.com/blacktop/ld64go/internal/ld"
)

// stringList collects a repeatable flag (-L, -u, -rpath) in the order
// given on the command line.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "ld64go: %v\n", err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	fs := flag.NewFlagSet("ld64go", flag.ExitOnError)

	output := fs.String("o", env.Str("LD64GO_OUTPUT", "a.out"), "output file path")
	archName := fs.String("arch", env.Str("LD64GO_ARCH", "arm64"), "target architecture: arm64 or x86_64")
	dylib := fs.Bool("dylib", false, "produce a dynamic library instead of an executable")
	bundle := fs.Bool("bundle", false, "produce a loadable bundle instead of an executable")
	chainedFixups := fs.Bool("fixup_chains", env.Bool("LD64GO_CHAINED_FIXUPS"), "emit chained fixups instead of classic rebase/bind")
	entry := fs.String("e", "_main", "entry point symbol")
	deadStrip := fs.Bool("dead_strip", env.Bool("LD64GO_DEAD_STRIP"), "remove subsections no root symbol reaches")
	sysLibRoot := fs.String("syslibroot", env.Str("LD64GO_SYSLIBROOT", ""), "prefix prepended to absolute dylib load-command paths")
	platformName := fs.String("platform", env.Str("LD64GO_PLATFORM", "macos"), "target platform: macos, ios, tvos, or watchos")
	minOS := fs.String("platform_version_min", "11.0.0", "minimum OS version, X.Y.Z")
	sdkVersion := fs.String("platform_sdk_version", "11.0.0", "SDK version, X.Y.Z")
	uuidNone := fs.Bool("no_uuid", false, "omit LC_UUID")
	appExtSafe := fs.Bool("application_extension", false, "mark the image application-extension-safe")
	demangle := fs.Bool("demangle", false, "demangle symbol names in diagnostics")

	var forceUndef, libPaths, rpaths stringList
	fs.Var(&forceUndef, "u", "force symbol to be treated as undefined (repeatable)")
	fs.Var(&libPaths, "L", "add directory to the library search path (repeatable)")
	fs.Var(&rpaths, "rpath", "add a runtime search path (repeatable)")

	if err := fs.Parse(argv); err != nil {
		return err
	}
	inputs := fs.Args()
	if len(inputs) == 0 {
		return fmt.Errorf("no input files")
	}

	args := &ld.LinkArgs{
		Output:       *output,
		OutputType:   outputType(*dylib, *bundle),
		Fixups:       fixupScheme(*chainedFixups),
		Entry:        *entry,
		DeadStrip:    *deadStrip,
		ForceUndef:   forceUndef,
		LibPaths:     libPaths,
		Inputs:       inputs,
		Rpaths:       rpaths,
		SysLibRoot:   *sysLibRoot,
		PlatformName: *platformName,
		UUIDNone:     *uuidNone,
		AppExtSafe:   *appExtSafe,
		Demangle:     *demangle,
	}

	var err error
	args.Arch, err = parseArch(*archName)
	if err != nil {
		return err
	}
	args.MinOSVersion, err = parsePackedVersion(*minOS)
	if err != nil {
		return fmt.Errorf("-platform_version_min: %w", err)
	}
	args.SDKVersion, err = parsePackedVersion(*sdkVersion)
	if err != nil {
		return fmt.Errorf("-platform_sdk_version: %w", err)
	}

	return link(args)
}

// link drives the pipeline in the fixed order every later phase assumes:
// inputs must be loaded before resolution has candidates to rank, dead
// stripping must settle before the scanner decides which symbols need a
// stub or GOT slot, and layout must assign every address before
// relocations and unwind info can be computed against them.
func link(args *ld.LinkArgs) error {
	ctx := ld.NewContext(args)

	phases := []struct {
		name string
		run  func() error
	}{
		{"load inputs", func() error { return ld.LoadInputs(ctx) }},
		{"resolve symbols", func() error { return ld.Resolve(ctx) }},
		{"dead strip", func() error { return ld.Guard(func() { ld.DeadStrip(ctx) }) }},
		{"sweep", func() error { return ld.Guard(func() { ld.Sweep(ctx) }) }},
		{"scan relocations", func() error { return ld.Scan(ctx) }},
		{"layout", func() error { return ld.Guard(func() { ld.Layout(ctx) }) }},
		{"apply relocations", func() error { return ld.ApplyRelocations(ctx) }},
	}

	for _, p := range phases {
		if err := p.run(); err != nil {
			return fmt.Errorf("%s: %w", p.name, err)
		}
		if err := ctx.Errors.Checkpoint(func(e *ld.LinkError) {
			fmt.Fprintf(os.Stderr, "ld64go: %s: %s\n", e.Kind, e)
		}); err != nil {
			return fmt.Errorf("%s: %w", p.name, err)
		}
	}

	var image []byte
	if err := ld.Guard(func() {
		var emitErr error
		image, emitErr = ld.Emit(ctx)
		if emitErr != nil {
			ld.Fatalf(args.Output, 0, "%v", emitErr)
		}
	}); err != nil {
		return fmt.Errorf("emit: %w", err)
	}

	mode := os.FileMode(0644)
	if args.OutputType == ld.OutputExecutable {
		mode = 0755
	}
	if err := os.WriteFile(args.Output, image, mode); err != nil {
		return fmt.Errorf("write %s: %w", args.Output, err)
	}
	return nil
}

func outputType(dylib, bundle bool) ld.OutputType {
	switch {
	case dylib:
		return ld.OutputDylib
	case bundle:
		return ld.OutputBundle
	default:
		return ld.OutputExecutable
	}
}

func fixupScheme(chained bool) ld.FixupScheme {
	if chained {
		return ld.FixupChainedFixups
	}
	return ld.FixupClassic
}

func parseArch(name string) (ld.Arch, error) {
	switch name {
	case "arm64":
		return ld.ArchARM64, nil
	case "x86_64":
		return ld.ArchAMD64, nil
	default:
		return 0, fmt.Errorf("unsupported -arch %q (want arm64 or x86_64)", name)
	}
}

// parsePackedVersion turns "X.Y.Z" into the nibble-packed uint32 the
// LC_BUILD_VERSION/LC_VERSION_MIN load commands carry: X in the top 16
// bits, Y and Z in the next two bytes.
func parsePackedVersion(v string) (uint32, error) {
	parts := strings.SplitN(v, ".", 3)
	nums := [3]uint64{}
	for i, p := range parts {
		if i >= 3 {
			break
		}
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return 0, fmt.Errorf("invalid version %q", v)
		}
		nums[i] = n
	}
	return uint32(nums[0]<<16 | nums[1]<<8 | nums[2]), nil
}
