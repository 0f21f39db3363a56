// Package localindex is the in-process vectorindex.Index backend: an
// HNSW graph over cosine distance with an arbitrary metadata predicate
// at search time, backed by badger for persistence.
package localindex

import (
	"container/heap"
	"math"
	"math/rand"
	"sync"
)

// Config holds HNSW tuning parameters.
type Config struct {
	M              int
	EfConstruction int
	EfSearch       int
	Ml             float64
	MaxLevel       int
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() *Config {
	return &Config{
		M:              16,
		EfConstruction: 200,
		EfSearch:       100,
		Ml:             1.0 / math.Log(2.0),
		MaxLevel:       16,
	}
}

type node struct {
	id        string
	vector    []float32
	level     int
	neighbors [][]string
	metadata  map[string]string
}

// HNSW is an in-memory approximate nearest-neighbor graph over
// cosine distance.
type HNSW struct {
	config     *Config
	nodes      map[string]*node
	entryPoint string
	maxLevel   int
	mu         sync.RWMutex
	rng        *rand.Rand
}

// New creates an empty HNSW graph.
func New(config *Config) *HNSW {
	if config == nil {
		config = DefaultConfig()
	}
	return &HNSW{
		config: config,
		nodes:  make(map[string]*node),
		rng:    rand.New(rand.NewSource(42)),
	}
}

// Add inserts vector under id with metadata, skipping silently if id
// already exists (callers are expected to Remove first on update).
func (idx *HNSW) Add(id string, vector []float32, metadata map[string]string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, exists := idx.nodes[id]; exists {
		return
	}

	level := idx.randomLevel()
	n := &node{
		id:        id,
		vector:    vector,
		level:     level,
		neighbors: make([][]string, level+1),
		metadata:  metadata,
	}
	for i := 0; i <= level; i++ {
		n.neighbors[i] = make([]string, 0, idx.config.M)
	}
	idx.nodes[id] = n

	if idx.entryPoint == "" {
		idx.entryPoint = id
		idx.maxLevel = level
		return
	}

	idx.insert(n)

	if level > idx.maxLevel {
		idx.maxLevel = level
		idx.entryPoint = id
	}
}

// Remove deletes id from the graph. Neighbor lists referencing it are
// left dangling (skipped lazily on traversal); a removed node's id is
// simply absent from idx.nodes.
func (idx *HNSW) Remove(id string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.nodes, id)
	if idx.entryPoint == id {
		idx.entryPoint = ""
		idx.maxLevel = 0
		for otherID, n := range idx.nodes {
			idx.entryPoint = otherID
			idx.maxLevel = n.level
			break
		}
	}
}

// distanceID is a graph node id paired with its distance from the
// query; callers look the record up by id to build a vectorindex.Result.
type distanceID struct {
	id       string
	distance float32
}

// Search returns up to k ids matching filter, ordered by ascending
// distance (best first). filter may be nil to accept every node.
func (idx *HNSW) Search(query []float32, k int, filter func(map[string]string) bool) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.entryPoint == "" || len(idx.nodes) == 0 {
		return nil
	}

	ep := idx.entryPoint
	currDist := idx.distance(query, idx.nodes[ep].vector)

	for level := idx.maxLevel; level > 0; level-- {
		changed := true
		for changed {
			changed = false
			n := idx.nodes[ep]
			if level < len(n.neighbors) {
				for _, neighborID := range n.neighbors[level] {
					neighbor, ok := idx.nodes[neighborID]
					if !ok {
						continue
					}
					d := idx.distance(query, neighbor.vector)
					if d < currDist {
						currDist = d
						ep = neighborID
						changed = true
					}
				}
			}
		}
	}

	ef := idx.config.EfSearch
	if ef < k {
		ef = k * 4
	}
	candidates := idx.searchLayer(query, ep, ef, 0, filter)

	result := make([]string, 0, k)
	for i := 0; i < k && i < len(candidates); i++ {
		result = append(result, candidates[i].id)
	}
	return result
}

func (idx *HNSW) insert(n *node) {
	ep := idx.entryPoint
	currDist := idx.distance(n.vector, idx.nodes[ep].vector)

	for level := idx.maxLevel; level > n.level; level-- {
		changed := true
		for changed {
			changed = false
			epNode := idx.nodes[ep]
			if level < len(epNode.neighbors) {
				for _, neighborID := range epNode.neighbors[level] {
					neighbor, ok := idx.nodes[neighborID]
					if !ok {
						continue
					}
					d := idx.distance(n.vector, neighbor.vector)
					if d < currDist {
						currDist = d
						ep = neighborID
						changed = true
					}
				}
			}
		}
	}

	for level := n.level; level >= 0; level-- {
		candidates := idx.searchLayer(n.vector, ep, idx.config.EfConstruction, level, nil)

		m := idx.config.M
		if level == 0 {
			m = idx.config.M * 2
		}

		neighbors := selectNeighbors(candidates, m)
		for _, nb := range neighbors {
			n.neighbors[level] = append(n.neighbors[level], nb.id)

			neighborNode, ok := idx.nodes[nb.id]
			if !ok || level >= len(neighborNode.neighbors) {
				continue
			}
			neighborNode.neighbors[level] = append(neighborNode.neighbors[level], n.id)
			if len(neighborNode.neighbors[level]) > m {
				idx.pruneNeighbors(neighborNode, level, m)
			}
		}
		if len(neighbors) > 0 {
			ep = neighbors[0].id
		}
	}
}

func (idx *HNSW) searchLayer(query []float32, ep string, ef, level int, filter func(map[string]string) bool) []distanceID {
	visited := make(map[string]bool)
	candidates := &minHeap{}
	results := &maxHeap{}

	epNode, ok := idx.nodes[ep]
	if !ok {
		return nil
	}
	dist := idx.distance(query, epNode.vector)
	heap.Push(candidates, distanceID{id: ep, distance: dist})
	if filter == nil || filter(epNode.metadata) {
		heap.Push(results, distanceID{id: ep, distance: dist})
	}
	visited[ep] = true

	for candidates.Len() > 0 {
		current := heap.Pop(candidates).(distanceID)
		if results.Len() > 0 && current.distance > results.Top().distance {
			break
		}

		n, ok := idx.nodes[current.id]
		if !ok || level >= len(n.neighbors) {
			continue
		}

		for _, neighborID := range n.neighbors[level] {
			if visited[neighborID] {
				continue
			}
			visited[neighborID] = true

			neighbor, ok := idx.nodes[neighborID]
			if !ok {
				continue
			}

			d := idx.distance(query, neighbor.vector)
			heap.Push(candidates, distanceID{id: neighborID, distance: d})

			if filter != nil && !filter(neighbor.metadata) {
				continue
			}

			if results.Len() < ef || d < results.Top().distance {
				heap.Push(results, distanceID{id: neighborID, distance: d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	resultList := make([]distanceID, 0, results.Len())
	for results.Len() > 0 {
		resultList = append(resultList, heap.Pop(results).(distanceID))
	}
	for i, j := 0, len(resultList)-1; i < j; i, j = i+1, j-1 {
		resultList[i], resultList[j] = resultList[j], resultList[i]
	}
	return resultList
}

func selectNeighbors(candidates []distanceID, m int) []distanceID {
	if len(candidates) <= m {
		return candidates
	}
	return candidates[:m]
}

func (idx *HNSW) pruneNeighbors(n *node, level, m int) {
	if level >= len(n.neighbors) || len(n.neighbors[level]) <= m {
		return
	}
	neighbors := make([]distanceID, 0, len(n.neighbors[level]))
	for _, nid := range n.neighbors[level] {
		other, ok := idx.nodes[nid]
		if !ok {
			continue
		}
		neighbors = append(neighbors, distanceID{id: nid, distance: idx.distance(n.vector, other.vector)})
	}
	sortDistanceIDs(neighbors)
	if len(neighbors) > m {
		neighbors = neighbors[:m]
	}
	n.neighbors[level] = make([]string, len(neighbors))
	for i, nb := range neighbors {
		n.neighbors[level][i] = nb.id
	}
}

func (idx *HNSW) randomLevel() int {
	level := 0
	for level < idx.config.MaxLevel && idx.rng.Float64() < 0.5 {
		level++
	}
	return level
}

func (idx *HNSW) distance(v1, v2 []float32) float32 {
	return 1.0 - cosineSimilarity(v1, v2)
}

func cosineSimilarity(v1, v2 []float32) float32 {
	if len(v1) != len(v2) {
		return 0
	}
	var dot, n1, n2 float64
	for i := range v1 {
		dot += float64(v1[i]) * float64(v2[i])
		n1 += float64(v1[i]) * float64(v1[i])
		n2 += float64(v2[i]) * float64(v2[i])
	}
	if n1 == 0 || n2 == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(n1) * math.Sqrt(n2)))
}

// Size returns the number of nodes in the graph.
func (idx *HNSW) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.nodes)
}

type minHeap []distanceID

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].distance < h[j].distance }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(distanceID)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

type maxHeap []distanceID

func (h maxHeap) Len() int            { return len(h) }
func (h maxHeap) Less(i, j int) bool  { return h[i].distance > h[j].distance }
func (h maxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x interface{}) { *h = append(*h, x.(distanceID)) }
func (h *maxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
func (h maxHeap) Top() distanceID {
	if len(h) == 0 {
		return distanceID{distance: math.MaxFloat32}
	}
	return h[0]
}

func sortDistanceIDs(nodes []distanceID) {
	for i := 0; i < len(nodes)-1; i++ {
		for j := i + 1; j < len(nodes); j++ {
			if nodes[j].distance < nodes[i].distance {
				nodes[i], nodes[j] = nodes[j], nodes[i]
			}
		}
	}
}
