package ngpt

// LayerCache holds one attention layer's cached keys and values, in
// their final scoring form (rotated and, when enabled, normalized).
type LayerCache struct {
	k [][]float64
	v [][]float64
}

func (c *LayerCache) append(k, v []float64) {
	c.k = append(c.k, k)
	c.v = append(c.v, v)
}

// KVCache carries per-layer caches across incremental decode steps.
type KVCache struct {
	layers []LayerCache
	pos    int
}

// NewKVCache creates an empty cache for a model of the given depth.
func NewKVCache(depth int) *KVCache {
	return &KVCache{layers: make([]LayerCache, depth)}
}

// Len returns the number of positions decoded so far.
func (c *KVCache) Len() int { return c.pos }

func (c *KVCache) layer(i int) *LayerCache { return &c.layers[i] }
