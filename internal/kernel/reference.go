package kernel

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"runtime"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // HASH160 is defined on RIPEMD-160
	"golang.org/x/sync/errgroup"
)

// ReferenceConfig configures a Reference kernel.
type ReferenceConfig struct {
	Targets    *TargetSet
	Path       Path
	Passphrase string
	// Parallelism bounds the goroutines used per dispatch. Zero means
	// GOMAXPROCS.
	Parallelism int
}

// Reference is a CPU implementation of the derivation kernel contract: for
// lane i it turns start+i into a mnemonic, derives the address identifier
// and compares it with the target set. It is deterministic and safe for
// concurrent use.
type Reference struct {
	targets     *TargetSet
	path        Path
	passphrase  string
	parallelism int
}

// Match is the outcome of a dispatch that found a target.
type Match struct {
	Lane     uint64
	Mnemonic string
}

// NewReference builds a Reference kernel.
func NewReference(cfg ReferenceConfig) (*Reference, error) {
	if cfg.Targets == nil {
		return nil, errors.New("kernel: reference kernel needs a target set")
	}
	p := cfg.Parallelism
	if p <= 0 {
		p = runtime.GOMAXPROCS(0)
	}
	return &Reference{
		targets:     cfg.Targets,
		path:        cfg.Path,
		passphrase:  cfg.Passphrase,
		parallelism: p,
	}, nil
}

// LaneValue returns start+lane modulo 2^128 as high/low halves.
func LaneValue(startHigh, startLow, lane uint64) (high, low uint64) {
	low, carry := bits.Add64(startLow, lane, 0)
	high, _ = bits.Add64(startHigh, 0, carry)
	return high, low
}

// Mnemonic maps a 128-bit candidate value to its BIP39 mnemonic. The value
// is the mnemonic's entropy.
func Mnemonic(high, low uint64) (string, error) {
	var entropy [16]byte
	binary.BigEndian.PutUint64(entropy[:8], high)
	binary.BigEndian.PutUint64(entropy[8:], low)
	return bip39.NewMnemonic(entropy[:])
}

// Identify derives the identifier for a mnemonic.
func (r *Reference) Identify(mnemonic string) (Identifier, error) {
	seed := bip39.NewSeed(mnemonic, r.passphrase)
	priv, err := DeriveKey(seed, r.path)
	if err != nil {
		return Identifier{}, err
	}
	return identifier(r.targets.Kind(), priv.PubKey()), nil
}

func identifier(kind AddressType, pub *secp256k1.PublicKey) Identifier {
	var id Identifier
	switch kind {
	case AddressEthereum:
		copy(id[:], crypto.PubkeyToAddress(*pub.ToECDSA()).Bytes())
	case AddressP2SHP2WPKH:
		keyHash := hash160(pub.SerializeCompressed())
		script := append([]byte{0x00, 0x14}, keyHash[:]...)
		id = hash160(script)
	default:
		id = hash160(pub.SerializeCompressed())
	}
	return id
}

func hash160(b []byte) Identifier {
	sum := sha256.Sum256(b)
	h := ripemd160.New()
	h.Write(sum[:])
	var id Identifier
	copy(id[:], h.Sum(nil))
	return id
}

// Lane evaluates one lane.
func (r *Reference) Lane(startHigh, startLow, lane uint64) (string, bool, error) {
	hi, lo := LaneValue(startHigh, startLow, lane)
	mnemonic, err := Mnemonic(hi, lo)
	if err != nil {
		return "", false, err
	}
	id, err := r.Identify(mnemonic)
	if errors.Is(err, errInvalidKey) {
		// No address exists for this candidate; it cannot match.
		return mnemonic, false, nil
	}
	if err != nil {
		return "", false, err
	}
	return mnemonic, r.targets.Contains(id), nil
}

// Search runs lanes [0, lanes) starting at start. When several lanes match
// the lowest lane wins, so repeated searches give the same answer.
func (r *Reference) Search(startHigh, startLow, lanes uint64) (Match, bool, error) {
	if lanes == 0 {
		return Match{}, false, nil
	}

	workers := uint64(r.parallelism)
	if workers > lanes {
		workers = lanes
	}
	chunk := (lanes + workers - 1) / workers

	var (
		mu    sync.Mutex
		best  Match
		found bool
	)
	// better reports whether lane could still beat the current best.
	better := func(lane uint64) bool {
		mu.Lock()
		defer mu.Unlock()
		return !found || lane < best.Lane
	}

	var g errgroup.Group
	for w := uint64(0); w < workers; w++ {
		from := w * chunk
		to := from + chunk
		if to > lanes {
			to = lanes
		}
		if from >= to {
			break
		}
		g.Go(func() error {
			for lane := from; lane < to; lane++ {
				if !better(lane) {
					return nil
				}
				mnemonic, ok, err := r.Lane(startHigh, startLow, lane)
				if err != nil {
					return fmt.Errorf("lane %d: %w", lane, err)
				}
				if !ok {
					continue
				}
				mu.Lock()
				if !found || lane < best.Lane {
					best = Match{Lane: lane, Mnemonic: mnemonic}
					found = true
				}
				mu.Unlock()
				return nil
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Match{}, false, err
	}
	return best, found, nil
}
