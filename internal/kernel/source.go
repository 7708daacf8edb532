// Package kernel holds everything about the derivation kernel that is not
// tied to a compute backend: program source assembly, the target set and a
// software reference implementation of the kernel contract.
package kernel

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultEntry is the kernel entry point name.
const DefaultEntry = "int_to_address"

// DefaultFragments lists the program fragments in dependency order. Each
// fragment may use symbols defined by any fragment before it.
var DefaultFragments = []string{
	"common",
	"ripemd",
	"sha2",
	"secp256k1_common",
	"secp256k1_scalar",
	"secp256k1_field",
	"secp256k1_group",
	"secp256k1_prec",
	"secp256k1",
	"address",
	"mnemonic_constants",
	"int_to_address",
}

// Fragment is one named piece of program source.
type Fragment struct {
	Name   string
	Source string
}

// Program is an assembled program. It is immutable once built and shared by
// reference between device loops.
type Program struct {
	Source    string
	Entry     string
	Fragments []string
}

// Assemble reads "<dir>/<name>.cl" for every fragment name in order and
// concatenates them. Generated fragments are inserted immediately before the
// fragment named like the entry point, or appended when there is none.
func Assemble(dir string, names []string, entry string, generated ...Fragment) (*Program, error) {
	if len(names) == 0 {
		return nil, errors.New("kernel: no source fragments")
	}
	if entry == "" {
		return nil, errors.New("kernel: empty entry point")
	}

	seen := make(map[string]bool, len(names))
	frags := make([]Fragment, 0, len(names)+len(generated))
	for _, name := range names {
		if seen[name] {
			return nil, fmt.Errorf("kernel: fragment %q listed twice", name)
		}
		seen[name] = true

		data, err := os.ReadFile(filepath.Join(dir, name+".cl"))
		if err != nil {
			return nil, fmt.Errorf("kernel: read fragment %q: %w", name, err)
		}
		frags = append(frags, Fragment{Name: name, Source: string(data)})
	}

	if len(generated) > 0 {
		at := len(frags)
		for i, f := range frags {
			if f.Name == entry {
				at = i
				break
			}
		}
		merged := make([]Fragment, 0, len(frags)+len(generated))
		merged = append(merged, frags[:at]...)
		merged = append(merged, generated...)
		merged = append(merged, frags[at:]...)
		frags = merged
	}

	return Build(entry, frags...), nil
}

// Build joins fragments into a Program without touching the filesystem.
func Build(entry string, frags ...Fragment) *Program {
	var b strings.Builder
	order := make([]string, 0, len(frags))
	for _, f := range frags {
		b.WriteString(f.Source)
		b.WriteString("\n")
		order = append(order, f.Name)
	}
	return &Program{
		Source:    b.String(),
		Entry:     entry,
		Fragments: order,
	}
}
