package kernel

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/ethereum/go-ethereum/common"
)

// AddressType selects how a public key is turned into an identifier.
type AddressType string

const (
	AddressP2PKH      AddressType = "p2pkh"
	AddressP2SHP2WPKH AddressType = "p2sh-p2wpkh"
	AddressEthereum   AddressType = "ethereum"
)

// Valid reports whether t is a known address type.
func (t AddressType) Valid() bool {
	switch t {
	case AddressP2PKH, AddressP2SHP2WPKH, AddressEthereum:
		return true
	}
	return false
}

// Base58 version bytes, mainnet and testnet.
var versions = map[AddressType][]byte{
	AddressP2PKH:      {0x00, 0x6f},
	AddressP2SHP2WPKH: {0x05, 0xc4},
}

// IdentifierSize is the length of every identifier the kernel compares.
const IdentifierSize = 20

// Identifier is a 20-byte address payload: a HASH160 for Bitcoin style
// addresses, the trailing Keccak256 bytes for Ethereum.
type Identifier [IdentifierSize]byte

func (id Identifier) String() string {
	return hex.EncodeToString(id[:])
}

// TargetSet is the read-only set of identifiers a kernel searches for.
type TargetSet struct {
	kind AddressType
	ids  map[Identifier]struct{}
}

// ParseTargets decodes addresses of the given type into a TargetSet.
func ParseTargets(kind AddressType, addresses []string) (*TargetSet, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("kernel: unknown address type %q", kind)
	}
	set := &TargetSet{kind: kind, ids: make(map[Identifier]struct{}, len(addresses))}
	for _, addr := range addresses {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		id, err := parseAddress(kind, addr)
		if err != nil {
			return nil, fmt.Errorf("kernel: target %q: %w", addr, err)
		}
		set.ids[id] = struct{}{}
	}
	return set, nil
}

func parseAddress(kind AddressType, addr string) (Identifier, error) {
	var id Identifier
	if kind == AddressEthereum {
		if !common.IsHexAddress(addr) {
			return id, errors.New("not a hex address")
		}
		copy(id[:], common.HexToAddress(addr).Bytes())
		return id, nil
	}

	payload, version, err := base58.CheckDecode(addr)
	if err != nil {
		return id, err
	}
	if len(payload) != IdentifierSize {
		return id, fmt.Errorf("payload is %d bytes", len(payload))
	}
	ok := false
	for _, v := range versions[kind] {
		if v == version {
			ok = true
		}
	}
	if !ok {
		return id, fmt.Errorf("version byte 0x%02x is not a %s address", version, kind)
	}
	copy(id[:], payload)
	return id, nil
}

// Kind returns the address type of the set.
func (s *TargetSet) Kind() AddressType { return s.kind }

// Len returns the number of distinct targets.
func (s *TargetSet) Len() int { return len(s.ids) }

// Contains reports whether id is a target.
func (s *TargetSet) Contains(id Identifier) bool {
	_, ok := s.ids[id]
	return ok
}

// Identifiers returns the targets in ascending byte order.
func (s *TargetSet) Identifiers() []Identifier {
	out := make([]Identifier, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		return string(out[i][:]) < string(out[j][:])
	})
	return out
}

// Fragment renders the target set as program source so it is compiled into
// the kernel. Identifiers are sorted, allowing a binary search on device.
func (s *TargetSet) Fragment() Fragment {
	ids := s.Identifiers()

	var b strings.Builder
	fmt.Fprintf(&b, "// %d %s targets\n", len(ids), s.kind)
	fmt.Fprintf(&b, "#define TARGET_COUNT %d\n", len(ids))
	fmt.Fprintf(&b, "#define TARGET_SIZE %d\n", IdentifierSize)
	if len(ids) == 0 {
		// C has no zero length arrays.
		b.WriteString("__constant uchar TARGETS[1][TARGET_SIZE] = {{0}};\n")
		return Fragment{Name: "targets", Source: b.String()}
	}

	b.WriteString("__constant uchar TARGETS[TARGET_COUNT][TARGET_SIZE] = {\n")
	for _, id := range ids {
		b.WriteString("  {")
		for i, c := range id {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "0x%02x", c)
		}
		b.WriteString("},\n")
	}
	b.WriteString("};\n")
	return Fragment{Name: "targets", Source: b.String()}
}
