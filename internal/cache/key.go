package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"math"
	"sort"
	"strconv"
)

// scopeLen is the number of hex digits of the scope fingerprint kept in a key.
const scopeLen = 16

// Key derives the cache key for a stage output. Stage name and iteration
// are always part of the key, so changing the iteration never reuses an
// entry. scope is an optional fingerprint of every other input that can
// change the payload (recordings, strategy parameters); it is the caller's
// responsibility to include all of them.
//
// Example: Key("features", 1, "") == "features-iter1".
func Key(stage string, iteration int, scope string) string {
	k := stage + "-iter" + strconv.Itoa(iteration)
	if scope == "" {
		return k
	}
	if len(scope) > scopeLen {
		scope = scope[:scopeLen]
	}
	return k + "-" + scope
}

// ValidateKey rejects keys that are not safe as a single file name.
func ValidateKey(key string) error {
	if key == "" || key == "." || key == ".." || len(key) > 200 {
		return fmt.Errorf("invalid cache key %q", key)
	}
	for _, r := range key {
		ok := r == '-' || r == '_' || r == '.' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			return fmt.Errorf("invalid cache key %q: character %q", key, r)
		}
	}
	return nil
}

// Fingerprint accumulates scope components into a sha256 digest. Every
// component is length-prefixed so adjacent values cannot run together.
type Fingerprint struct {
	h hash.Hash
}

// NewFingerprint returns an empty fingerprint.
func NewFingerprint() *Fingerprint {
	return &Fingerprint{h: sha256.New()}
}

// Add adds a string component.
func (f *Fingerprint) Add(s string) *Fingerprint {
	f.writeLen(len(s))
	f.h.Write([]byte(s))
	return f
}

// AddFloat adds a float component by its IEEE-754 bits.
func (f *Fingerprint) AddFloat(v float64) *Fingerprint {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(v))
	f.writeLen(8)
	f.h.Write(buf[:])
	return f
}

// AddInt adds an integer component.
func (f *Fingerprint) AddInt(v int64) *Fingerprint {
	return f.Add(strconv.FormatInt(v, 10))
}

// AddSorted adds a sorted copy of ss as one component.
func (f *Fingerprint) AddSorted(ss []string) *Fingerprint {
	sorted := append([]string(nil), ss...)
	sort.Strings(sorted)
	f.writeLen(len(sorted))
	for _, s := range sorted {
		f.Add(s)
	}
	return f
}

// Sum returns the hex digest.
func (f *Fingerprint) Sum() string {
	return hex.EncodeToString(f.h.Sum(nil))
}

func (f *Fingerprint) writeLen(n int) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	f.h.Write(buf[:])
}
