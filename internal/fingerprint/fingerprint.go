// Package fingerprint computes the deterministic, type-aware content
// addresses used as cache keys throughout ducksearch: a source fingerprint
// per report, and a node fingerprint per plan node.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
)

// Digest is a 32-byte SHA-256 fingerprint rendered as a lowercase hex string
// everywhere it crosses a package boundary, so cache paths and log fields
// never carry raw bytes.
type Digest string

// Hex returns the fingerprint's hex representation (identical to the string
// value; kept as a named accessor so call sites read intentionally).
func (d Digest) Hex() string { return string(d) }

// builder accumulates a canonical byte stream for hashing. Every value is
// written length-prefixed and type-tagged so that no two distinct logical
// inputs can ever collide by concatenation (e.g. ["ab","c"] vs ["a","bc"]).
type builder struct {
	h hashState
}

type hashState = interface {
	Write([]byte) (int, error)
	Sum([]byte) []byte
}

func newBuilder() *builder {
	return &builder{h: sha256.New()}
}

const (
	tagString byte = 1
	tagInt    byte = 2
	tagBytes  byte = 3
	tagNil    byte = 4
)

func (b *builder) writeTag(t byte) {
	_, _ = b.h.Write([]byte{t})
}

func (b *builder) writeLen(n int) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	_, _ = b.h.Write(buf[:])
}

// String appends a UTF-8 string, length-prefixed.
func (b *builder) String(s string) *builder {
	b.writeTag(tagString)
	b.writeLen(len(s))
	_, _ = b.h.Write([]byte(s))
	return b
}

// Int appends a signed 64-bit integer as 8 big-endian bytes.
func (b *builder) Int(n int64) *builder {
	b.writeTag(tagInt)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	_, _ = b.h.Write(buf[:])
	return b
}

// Bytes appends a raw byte slice, length-prefixed.
func (b *builder) Bytes(p []byte) *builder {
	b.writeTag(tagBytes)
	b.writeLen(len(p))
	_, _ = b.h.Write(p)
	return b
}

// Nil appends a marker distinguishing an absent value from an empty string.
func (b *builder) Nil() *builder {
	b.writeTag(tagNil)
	return b
}

// StringMap appends a string->string map in sorted-key order so iteration
// order never affects the digest.
func (b *builder) StringMap(m map[string]string) *builder {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.writeLen(len(keys))
	for _, k := range keys {
		b.String(k)
		b.String(m[k])
	}
	return b
}

// StringSlice appends a string slice in the order given (callers sort first
// when order must not matter, e.g. upstream fingerprint sets).
func (b *builder) StringSlice(s []string) *builder {
	b.writeLen(len(s))
	for _, v := range s {
		b.String(v)
	}
	return b
}

func (b *builder) digest() Digest {
	return Digest(hex.EncodeToString(b.h.Sum(nil)))
}

// SourceOf returns the canonical source fingerprint of a report's raw text.
// Canonicalization here is limited to stable byte-for-byte hashing over the
// original bytes: report files are not reformatted, since the linter
// requires byte-identical spans for reproducible error locations.
func SourceOf(rawSource []byte) Digest {
	b := newBuilder()
	b.Bytes(rawSource)
	return b.digest()
}

// NodeInput is one canonicalized input consumed by a plan node, in the
// stable, type-aware form the builder expects.
type NodeInput struct {
	Name  string
	Value string
	Abs   bool // true if Value absent (NULL/omitted); digest still records the name
}

// Node computes a plan node's fingerprint: the owning report's source
// fingerprint, the node kind and name, the sorted set of upstream
// fingerprints it depends on, and the sorted set of resolved inputs it
// consumes (parameter values, config constants, binding results).
//
// deploymentID salts every fingerprint so that two deployments with
// different secret values never share a cache key (secrets contribute only
// their reference name to inputs, never their value).
func Node(deploymentID string, sourceFP Digest, nodeKind, nodeName string, upstream []Digest, inputs []NodeInput) Digest {
	upstreamStrs := make([]string, len(upstream))
	for i, u := range upstream {
		upstreamStrs[i] = string(u)
	}
	sort.Strings(upstreamStrs)

	sortedInputs := make([]NodeInput, len(inputs))
	copy(sortedInputs, inputs)
	sort.Slice(sortedInputs, func(i, j int) bool { return sortedInputs[i].Name < sortedInputs[j].Name })

	b := newBuilder()
	b.String(deploymentID)
	b.String(string(sourceFP))
	b.String(nodeKind)
	b.String(nodeName)
	b.StringSlice(upstreamStrs)

	b.writeLen(len(sortedInputs))
	for _, in := range sortedInputs {
		b.String(in.Name)
		if in.Abs {
			b.Nil()
		} else {
			b.String(in.Value)
		}
	}
	return b.digest()
}
