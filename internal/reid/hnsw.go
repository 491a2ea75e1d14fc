package reid

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/coder/hnsw"
)

const (
	// hnswMaxNeighbors is the M parameter of the graph.
	hnswMaxNeighbors = 32
	// hnswLevelFactor is the graph's Ml; each layer is a quarter of the one below.
	hnswLevelFactor = 0.25
	// hnswMinEf is the floor for the search breadth.
	hnswMinEf = 64
	// hnswSeed fixes level generation so the same train set always builds the
	// same graph.
	hnswSeed = 0x100c0
)

// HNSWMatcher answers kNN queries with an HNSW graph built over the train
// descriptors. Results are approximate beyond exact duplicates: a train
// descriptor identical to the query is always returned at distance 0, the
// remaining candidates are whatever the graph search reaches. Distances are
// exact L2 distances of the returned candidates, so the ratio test sees the
// same numbers the brute-force matcher would for those pairs.
type HNSWMatcher struct {
	// EfSearch raises the graph's search breadth. The matcher never searches
	// narrower than max(len(train), 64).
	EfSearch int
}

// KnnMatch implements Matcher.
func (h HNSWMatcher) KnnMatch(query, train []Descriptor, k int) ([][]Match, error) {
	if k < 1 {
		return nil, fmt.Errorf("k must be >= 1, got %d", k)
	}
	if err := checkDims(query, train); err != nil {
		return nil, err
	}
	out := make([][]Match, len(query))
	if len(train) == 0 {
		for i := range out {
			out[i] = []Match{}
		}
		return out, nil
	}

	g := hnsw.NewGraph[int]()
	g.Rng = rand.New(rand.NewSource(hnswSeed))
	g.M = hnswMaxNeighbors
	g.Ml = hnswLevelFactor
	g.Distance = hnsw.EuclideanDistance
	g.EfSearch = max(h.EfSearch, len(train), hnswMinEf)

	exact := make(map[string][]int, len(train))
	for i, d := range train {
		g.Add(hnsw.MakeNode(i, []float32(d)))
		key := descriptorKey(d)
		exact[key] = append(exact[key], i)
	}

	for qi, q := range query {
		dups := exact[descriptorKey(q)]
		nodes := g.Search([]float32(q), k+len(dups))

		seen := make(map[int]bool, len(nodes)+len(dups))
		matches := make([]Match, 0, len(nodes)+len(dups))
		add := func(ti int) {
			if seen[ti] {
				return
			}
			seen[ti] = true
			matches = append(matches, Match{QueryIdx: qi, TrainIdx: ti, Distance: L2(q, train[ti])})
		}
		for _, ti := range dups {
			add(ti)
		}
		for _, n := range nodes {
			add(n.Key)
		}

		sort.SliceStable(matches, func(a, b int) bool {
			if matches[a].Distance != matches[b].Distance {
				return matches[a].Distance < matches[b].Distance
			}
			return matches[a].TrainIdx < matches[b].TrainIdx
		})
		if len(matches) > k {
			matches = matches[:k]
		}
		out[qi] = matches
	}
	return out, nil
}

// descriptorKey is the exact bit pattern of d, used to look up duplicates.
func descriptorKey(d Descriptor) string {
	b := make([]byte, 0, 4*len(d))
	for _, v := range d {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(v))
	}
	return string(b)
}
