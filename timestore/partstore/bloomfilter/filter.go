// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

// Package bloomfilter implements a bloom filter over arbitrary byte values,
// used for partition column pruning.
package bloomfilter

import (
	"math"
	"math/rand"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/errs"
)

// Error is the default bloomfilter errs class.
var Error = errs.Class("bloomfilter")

// version is the first byte of the serialized form.
const version = 1

// Filter is a bloom filter implementation.
type Filter struct {
	seed      byte
	hashCount byte
	table     []byte
}

// New returns a new custom filter.
func New(seed, hashCount byte, sizeInBytes int) *Filter {
	if hashCount == 0 {
		hashCount = 1
	}
	if sizeInBytes < 1 {
		sizeInBytes = 1
	}
	return &Filter{
		seed:      seed,
		hashCount: hashCount,
		table:     make([]byte, sizeInBytes),
	}
}

// NewOptimal returns a filter based on expected element count and false
// positive rate.
func NewOptimal(expectedElements int, falsePositiveRate float64) *Filter {
	seed := byte(rand.Intn(255))

	// calculation based on https://en.wikipedia.org/wiki/Bloom_filter#Optimal_number_of_hash_functions
	bitsPerElement := int(-1.44*math.Log2(falsePositiveRate)) + 1
	hashCount := int(float64(bitsPerElement)*math.Log(2)) + 1
	if hashCount > 255 {
		hashCount = 255
	}
	sizeInBytes := expectedElements * bitsPerElement / 8

	return New(seed, byte(hashCount), sizeInBytes)
}

// hashes derives the two base hashes for double hashing.
func (filter *Filter) hashes(value []byte) (h1, h2 uint64) {
	d := xxhash.NewWithSeed(uint64(filter.seed))
	_, _ = d.Write(value)
	h1 = d.Sum64()

	d = xxhash.NewWithSeed(uint64(filter.seed) + 0x9e3779b97f4a7c15)
	_, _ = d.Write(value)
	// an odd step visits every bit offset
	h2 = d.Sum64() | 1
	return h1, h2
}

// Add adds an element to the bloom filter.
func (filter *Filter) Add(value []byte) {
	h1, h2 := filter.hashes(value)
	bits := uint64(len(filter.table)) * 8
	for k := uint64(0); k < uint64(filter.hashCount); k++ {
		offset := (h1 + k*h2) % bits
		filter.table[offset/8] |= 1 << (offset % 8)
	}
}

// Contains returns true if the value may be in the set.
func (filter *Filter) Contains(value []byte) bool {
	h1, h2 := filter.hashes(value)
	bits := uint64(len(filter.table)) * 8
	for k := uint64(0); k < uint64(filter.hashCount); k++ {
		offset := (h1 + k*h2) % bits
		if filter.table[offset/8]&(1<<(offset%8)) == 0 {
			return false
		}
	}
	return true
}

// Bytes encodes the filter.
func (filter *Filter) Bytes() []byte {
	encoded := make([]byte, 0, 3+len(filter.table))
	encoded = append(encoded, version, filter.seed, filter.hashCount)
	return append(encoded, filter.table...)
}

// Parse decodes a filter encoded with Bytes.
func Parse(data []byte) (*Filter, error) {
	if len(data) < 4 {
		return nil, Error.New("data too short: %d bytes", len(data))
	}
	if data[0] != version {
		return nil, Error.New("unsupported version %d", data[0])
	}
	filter := &Filter{
		seed:      data[1],
		hashCount: data[2],
		table:     append([]byte{}, data[3:]...),
	}
	if filter.hashCount == 0 {
		return nil, Error.New("invalid hash count")
	}
	return filter, nil
}
