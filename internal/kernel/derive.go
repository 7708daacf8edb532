package kernel

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// HardenedOffset is added to a path index to select hardened derivation.
const HardenedOffset uint32 = 1 << 31

var (
	errInvalidKey = errors.New("kernel: derived key is invalid")
	masterKeyHMAC = []byte("Bitcoin seed")
)

// Path is a BIP32 derivation path from the master key.
type Path []uint32

// ParsePath parses "m/44'/0'/0'/0/0". Hardened indices take a ', h or H
// suffix.
func ParsePath(s string) (Path, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, "/")
	if len(parts) == 0 || (parts[0] != "m" && parts[0] != "M") {
		return nil, fmt.Errorf("kernel: path %q must start with m", s)
	}

	path := make(Path, 0, len(parts)-1)
	for _, p := range parts[1:] {
		hardened := false
		if n := len(p); n > 0 && (p[n-1] == '\'' || p[n-1] == 'h' || p[n-1] == 'H') {
			hardened = true
			p = p[:n-1]
		}
		v, err := strconv.ParseUint(p, 10, 32)
		if err != nil || uint32(v) >= HardenedOffset {
			return nil, fmt.Errorf("kernel: invalid path element %q in %q", p, s)
		}
		idx := uint32(v)
		if hardened {
			idx += HardenedOffset
		}
		path = append(path, idx)
	}
	return path, nil
}

func (p Path) String() string {
	var b strings.Builder
	b.WriteString("m")
	for _, idx := range p {
		b.WriteString("/")
		if idx >= HardenedOffset {
			b.WriteString(strconv.FormatUint(uint64(idx-HardenedOffset), 10))
			b.WriteString("'")
			continue
		}
		b.WriteString(strconv.FormatUint(uint64(idx), 10))
	}
	return b.String()
}

type extendedKey struct {
	key   secp256k1.ModNScalar
	chain [32]byte
}

func masterKey(seed []byte) (extendedKey, error) {
	mac := hmac.New(sha512.New, masterKeyHMAC)
	mac.Write(seed)
	return splitKey(mac.Sum(nil))
}

func splitKey(sum []byte) (extendedKey, error) {
	var k extendedKey
	if overflow := k.key.SetByteSlice(sum[:32]); overflow || k.key.IsZero() {
		return extendedKey{}, errInvalidKey
	}
	copy(k.chain[:], sum[32:])
	return k, nil
}

func (k extendedKey) child(index uint32) (extendedKey, error) {
	data := make([]byte, 0, 37)
	if index >= HardenedOffset {
		kb := k.key.Bytes()
		data = append(data, 0x00)
		data = append(data, kb[:]...)
	} else {
		priv := secp256k1.NewPrivateKey(&k.key)
		data = append(data, priv.PubKey().SerializeCompressed()...)
	}
	data = binary.BigEndian.AppendUint32(data, index)

	mac := hmac.New(sha512.New, k.chain[:])
	mac.Write(data)
	sum := mac.Sum(nil)

	next, err := splitKey(sum)
	if err != nil {
		return extendedKey{}, err
	}
	next.key.Add(&k.key)
	if next.key.IsZero() {
		return extendedKey{}, errInvalidKey
	}
	return next, nil
}

// DeriveKey derives the private key at path from a BIP39 seed.
func DeriveKey(seed []byte, path Path) (*secp256k1.PrivateKey, error) {
	k, err := masterKey(seed)
	if err != nil {
		return nil, err
	}
	for _, idx := range path {
		if k, err = k.child(idx); err != nil {
			return nil, err
		}
	}
	return secp256k1.NewPrivateKey(&k.key), nil
}
