package kernel

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	lru "github.com/hashicorp/golang-lru/v2"
	"gonum.org/v1/gonum/blas/cblas128"
)

var (
	// ErrShape reports an invalid configuration or feature-map shape.
	ErrShape = errors.New("kernel: shape mismatch")
	// ErrEmptyBatch reports an empty configuration batch.
	ErrEmptyBatch = errors.New("kernel: empty configuration batch")
	// ErrRefSitesUnset reports a kernel request before reference sites were set.
	ErrRefSitesUnset = errors.New("kernel: reference sites not set")
)

// DefaultCapacity is the number of configuration batches kept by a Cache.
const DefaultCapacity = 4

// divideTol guards the divide-out step of the incremental site-product update.
var divideTol = 1e2 * (math.Nextafter(1, 2) - 1)

// Matrix is a dense row-major complex design matrix.
type Matrix struct {
	Rows, Cols int
	Data       []complex128
}

// At returns element (i, j).
func (m *Matrix) At(i, j int) complex128 {
	return m.Data[i*m.Cols+j]
}

// General returns a BLAS view of the matrix.
func (m *Matrix) General() cblas128.General {
	return cblas128.General{Rows: m.Rows, Cols: m.Cols, Stride: m.Cols, Data: m.Data}
}

// RowSums returns the sum of each row.
func (m *Matrix) RowSums() []complex128 {
	out := make([]complex128, m.Rows)
	for i := 0; i < m.Rows; i++ {
		var s complex128
		for _, v := range m.Data[i*m.Cols : (i+1)*m.Cols] {
			s += v
		}
		out[i] = s
	}
	return out
}

// entry is the cached state of one configuration batch.
type entry struct {
	confs     *Configurations
	refSites  []int        // reference sites reflected in siteProd
	versions  []uint64     // feature-map versions observed, per (group, site)
	siteProd  []complex128 // [batch][groups][copies]
	design    *Matrix
	designRef []int // reference sites design was scattered with
}

// CacheStats counts cache work.
type CacheStats struct {
	Entries            int
	FullRecomputes     uint64
	IncrementalUpdates uint64
	Scatters           uint64
}

// Cache maintains site products and design matrices for the batches most
// recently passed to KernelMatrix.
//
// A cache entry stays valid as long as every feature-map slice outside the
// entry's reference sites is unchanged. Writes at the reference sites (the
// usual fit write-back) are folded in incrementally when the reference sites
// move. Cache is not safe for concurrent use.
type Cache struct {
	eps      *FeatureMap
	refSites []int
	entries  *lru.Cache[uint64, *entry]
	stats    CacheStats
}

// NewCache creates a cache over eps keeping up to capacity batches.
func NewCache(eps *FeatureMap, capacity int) (*Cache, error) {
	if eps == nil {
		return nil, fmt.Errorf("%w: nil feature map", ErrShape)
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	entries, err := lru.New[uint64, *entry](capacity)
	if err != nil {
		return nil, err
	}
	return &Cache{eps: eps, entries: entries}, nil
}

// FeatureMap returns the feature map the cache reads.
func (c *Cache) FeatureMap() *FeatureMap { return c.eps }

// SetRefSites sets one reference site per feature group.
func (c *Cache) SetRefSites(sites []int) error {
	_, groups, nSites := c.eps.Dims()
	if len(sites) != groups {
		return fmt.Errorf("%w: %d reference sites for %d groups", ErrShape, len(sites), groups)
	}
	for w, s := range sites {
		if s < 0 || s >= nSites {
			return fmt.Errorf("%w: reference site %d of group %d outside [0, %d)", ErrShape, s, w, nSites)
		}
	}
	c.refSites = append(c.refSites[:0], sites...)
	return nil
}

// RefSites returns a copy of the current reference sites.
func (c *Cache) RefSites() []int {
	if c.refSites == nil {
		return nil
	}
	return append([]int(nil), c.refSites...)
}

// RefSitesUniform returns a reference-site vector that uses site for every group.
func RefSitesUniform(site, groups int) []int {
	out := make([]int, groups)
	for i := range out {
		out[i] = site
	}
	return out
}

// Reset drops every cached batch. Call it after editing the feature map
// outside of Set, or when the feature map is swapped.
func (c *Cache) Reset() {
	c.entries.Purge()
}

// Stats returns cache counters.
func (c *Cache) Stats() CacheStats {
	s := c.stats
	s.Entries = c.entries.Len()
	return s
}

// KernelMatrix returns the design matrix of confs for the current reference
// sites. Column w*localDim+v of row i holds the site product of group w for
// every copy of configuration i whose reference-site value is v.
//
// The returned matrix must not be modified; it stays valid until the cache
// rebuilds it for new reference sites.
func (c *Cache) KernelMatrix(confs *Configurations) (*Matrix, error) {
	if c.refSites == nil {
		return nil, ErrRefSitesUnset
	}
	if confs == nil || confs.batch == 0 {
		return nil, ErrEmptyBatch
	}
	localDim, _, sites := c.eps.Dims()
	if confs.sites != sites {
		return nil, fmt.Errorf("%w: configurations have %d sites, feature map has %d", ErrShape, confs.sites, sites)
	}

	e, ok := c.entries.Get(confs.Fingerprint())
	if ok && !e.confs.equal(confs) {
		ok = false
	}
	switch {
	case !ok:
		if err := confs.validate(localDim); err != nil {
			return nil, err
		}
		e = &entry{confs: confs}
		c.computeSiteProd(e)
		c.entries.Add(confs.Fingerprint(), e)
	case c.stale(e):
		c.computeSiteProd(e)
	case !equalInts(e.refSites, c.refSites):
		c.updateSiteProd(e)
	}

	if e.design == nil || !equalInts(e.designRef, c.refSites) {
		c.scatter(e)
	}
	return e.design, nil
}

// stale reports whether a slice the entry folded into its products has been
// rewritten since.
func (c *Cache) stale(e *entry) bool {
	_, groups, sites := c.eps.Dims()
	for w := 0; w < groups; w++ {
		for j := 0; j < sites; j++ {
			if j == e.refSites[w] {
				continue
			}
			if c.eps.Version(w, j) != e.versions[w*sites+j] {
				return true
			}
		}
	}
	return false
}

func (c *Cache) computeSiteProd(e *entry) {
	_, groups, sites := c.eps.Dims()
	batch, copies := e.confs.batch, e.confs.copies
	if len(e.siteProd) != batch*groups*copies {
		e.siteProd = make([]complex128, batch*groups*copies)
	}
	for i := 0; i < batch; i++ {
		for w := 0; w < groups; w++ {
			for k := 0; k < copies; k++ {
				e.siteProd[(i*groups+w)*copies+k] = c.product(e.confs, i, w, k, c.refSites[w])
			}
		}
	}
	e.refSites = append(e.refSites[:0], c.refSites...)
	if len(e.versions) != groups*sites {
		e.versions = make([]uint64, groups*sites)
	}
	for w := 0; w < groups; w++ {
		for j := 0; j < sites; j++ {
			e.versions[w*sites+j] = c.eps.Version(w, j)
		}
	}
	e.design = nil
	c.stats.FullRecomputes++
}

// product multiplies epsilon over every site of configuration i except skip.
func (c *Cache) product(confs *Configurations, i, w, k, skip int) complex128 {
	p := complex(1, 0)
	for j := 0; j < confs.sites; j++ {
		if j != skip {
			p *= c.eps.At(confs.At(i, j, k), w, j)
		}
	}
	return p
}

// updateSiteProd moves the reference site of every changed group by dividing
// out the new reference factor and multiplying in the old one. Products whose
// divisor is numerically negligible are recomputed.
func (c *Cache) updateSiteProd(e *entry) {
	_, groups, sites := c.eps.Dims()
	batch, copies := e.confs.batch, e.confs.copies
	for w := 0; w < groups; w++ {
		ref, old := c.refSites[w], e.refSites[w]
		if ref == old {
			continue
		}
		for i := 0; i < batch; i++ {
			for k := 0; k < copies; k++ {
				idx := (i*groups+w)*copies + k
				d := c.eps.At(e.confs.At(i, ref, k), w, ref)
				if cmplx.Abs(d) > divideTol {
					e.siteProd[idx] /= d
					e.siteProd[idx] *= c.eps.At(e.confs.At(i, old, k), w, old)
				} else {
					e.siteProd[idx] = c.product(e.confs, i, w, k, ref)
				}
			}
		}
		e.refSites[w] = ref
		e.versions[w*sites+old] = c.eps.Version(w, old)
	}
	c.stats.IncrementalUpdates++
}

func (c *Cache) scatter(e *entry) {
	localDim, groups, _ := c.eps.Dims()
	batch, copies := e.confs.batch, e.confs.copies
	cols := groups * localDim
	m := &Matrix{Rows: batch, Cols: cols, Data: make([]complex128, batch*cols)}
	for i := 0; i < batch; i++ {
		row := m.Data[i*cols : (i+1)*cols]
		for w := 0; w < groups; w++ {
			ref := c.refSites[w]
			for k := 0; k < copies; k++ {
				row[w*localDim+e.confs.At(i, ref, k)] += e.siteProd[(i*groups+w)*copies+k]
			}
		}
	}
	e.design = m
	e.designRef = append(e.designRef[:0], c.refSites...)
	c.stats.Scatters++
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
