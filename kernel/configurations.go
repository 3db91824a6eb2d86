package kernel

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/n0madic/go-sparse-bayes/collective"
)

// Configurations is an immutable batch of discrete occupation vectors laid
// out as [batch][sites][copies]. A plain [batch][sites] batch has copies == 1;
// extra copies (e.g. symmetry images of a configuration) contribute additively
// to the same design-matrix row.
type Configurations struct {
	batch       int
	sites       int
	copies      int
	data        []int
	fingerprint uint64
}

// NewConfigurations copies data into a new batch.
func NewConfigurations(batch, sites, copies int, data []int) (*Configurations, error) {
	if batch <= 0 {
		return nil, ErrEmptyBatch
	}
	if sites <= 0 || copies <= 0 {
		return nil, fmt.Errorf("%w: configuration shape %dx%dx%d", ErrShape, batch, sites, copies)
	}
	if len(data) != batch*sites*copies {
		return nil, fmt.Errorf("%w: configuration data length %d != %d", ErrShape, len(data), batch*sites*copies)
	}
	c := &Configurations{
		batch:  batch,
		sites:  sites,
		copies: copies,
		data:   make([]int, len(data)),
	}
	copy(c.data, data)
	c.fingerprint = c.hash()
	return c, nil
}

// FromRows builds a [batch][sites] batch from row slices.
func FromRows(rows [][]int) (*Configurations, error) {
	if len(rows) == 0 {
		return nil, ErrEmptyBatch
	}
	sites := len(rows[0])
	data := make([]int, 0, len(rows)*sites)
	for i, r := range rows {
		if len(r) != sites {
			return nil, fmt.Errorf("%w: row %d has %d sites, want %d", ErrShape, i, len(r), sites)
		}
		data = append(data, r...)
	}
	return NewConfigurations(len(rows), sites, 1, data)
}

func (c *Configurations) hash() uint64 {
	d := xxhash.New()
	var buf [8]byte
	for _, v := range []int{c.batch, c.sites, c.copies} {
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		d.Write(buf[:])
	}
	for _, v := range c.data {
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		d.Write(buf[:])
	}
	return d.Sum64()
}

// Dims returns batch size, number of sites and number of copies.
func (c *Configurations) Dims() (batch, sites, copies int) {
	return c.batch, c.sites, c.copies
}

// Len returns the batch size.
func (c *Configurations) Len() int { return c.batch }

// At returns the local value of configuration i at site j, copy k.
func (c *Configurations) At(i, j, k int) int {
	return c.data[(i*c.sites+j)*c.copies+k]
}

// Fingerprint is a content hash of shape and values. Batches with equal
// fingerprints share a cache entry.
func (c *Configurations) Fingerprint() uint64 { return c.fingerprint }

// Slice returns configurations [lo, hi) as a new batch.
func (c *Configurations) Slice(lo, hi int) (*Configurations, error) {
	if lo < 0 || hi > c.batch || lo >= hi {
		return nil, fmt.Errorf("%w: slice [%d, %d) of batch %d", ErrShape, lo, hi, c.batch)
	}
	stride := c.sites * c.copies
	return NewConfigurations(hi-lo, c.sites, c.copies, c.data[lo*stride:hi*stride])
}

// Shard returns the contiguous part of the batch owned by rank out of size
// participants. Every rank must own at least one configuration.
func (c *Configurations) Shard(rank, size int) (*Configurations, error) {
	if size <= 0 || rank < 0 || rank >= size {
		return nil, fmt.Errorf("%w: rank %d of %d", ErrShape, rank, size)
	}
	lo, hi := collective.Partition(c.batch, rank, size)
	if lo == hi {
		return nil, fmt.Errorf("%w: batch %d too small for %d participants", ErrEmptyBatch, c.batch, size)
	}
	return c.Slice(lo, hi)
}

func (c *Configurations) equal(o *Configurations) bool {
	if c.batch != o.batch || c.sites != o.sites || c.copies != o.copies {
		return false
	}
	for i, v := range c.data {
		if o.data[i] != v {
			return false
		}
	}
	return true
}

func (c *Configurations) validate(localDim int) error {
	for idx, v := range c.data {
		if v < 0 || v >= localDim {
			return fmt.Errorf("%w: configuration value %d at offset %d outside [0, %d)", ErrShape, v, idx, localDim)
		}
	}
	return nil
}
