// Package resolver locates interpreter functions, globals and structure
// layouts inside the host binary and its loaded libraries.
//
// # Overview
//
// The host interpreter does not export most of what memprof needs: static
// functions such as add_freelist, globals such as heaps, and the layout of
// private structures such as heaps_slot. The Resolver asks a fixed chain of
// strategies and returns the first definite answer:
//
//  1. Exported: the ELF dynamic symbol table of every loaded image.
//  2. DebugInfo: the static symbol table and DWARF of every image, including
//     separate debug files found by build-id.
//  3. Heuristic: for functions the compiler is known to inline, the
//     enclosing function they were folded into becomes the answer.
//  4. StaticOverride: constants from a build profile that matches the host.
//
// A strategy that has no answer returns ErrNotFound and the next one is
// asked. Every strategy only reads binaries; nothing here touches the
// host's memory.
//
// # Usage
//
//	r, closer, err := resolver.OpenProcess(resolver.ProcessConfig{
//		MapsPath: proc.SelfMapsPath,
//		Profile:  profile,
//	}, logger)
//	if err != nil {
//		return err
//	}
//	defer closer.Close()
//
//	sym, err := r.ResolveSymbol("add_freelist")
//	off, err := r.ResolveMemberOffset("heaps_slot", "limit")
//
// Failures come back as *ResolutionError listing the strategies that were
// tried; callers aggregate them and decide how to degrade.
package resolver
