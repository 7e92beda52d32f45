package index

import (
	"fmt"
	"math/rand"
	"sort"

	"lectureindex/core"
)

// scoredSlot pairs an internal slot with its similarity to the query.
type scoredSlot struct {
	slot  int
	score float64
}

// searchStrategy is the pluggable similarity-search engine behind an
// EmbeddingIndex. The index swaps the strategy object when it escalates from
// brute-force scan to the inverted-file structure; correctness never depends
// on which one is active.
type searchStrategy interface {
	// add registers a newly appended slot so partitioned strategies can keep
	// their structures current. Exact scan ignores it.
	add(slot int, vec []float32)

	// topK returns up to k slots ordered by descending cosine score. Ties
	// are broken by slot (insertion) order.
	topK(vectors [][]float32, query []float32, k int) []scoredSlot

	// accelerated reports whether this strategy uses the approximate path.
	accelerated() bool
}

// exactScan is the brute-force strategy: a full dot-product pass over the
// vector matrix. Exact, O(n*d) per query, and the permanent fallback when
// the IVF build fails.
type exactScan struct{}

func (exactScan) add(int, []float32) {}

func (exactScan) accelerated() bool { return false }

func (exactScan) topK(vectors [][]float32, query []float32, k int) []scoredSlot {
	scored := make([]scoredSlot, len(vectors))
	for i, vec := range vectors {
		scored[i] = scoredSlot{slot: i, score: core.InnerProduct(query, vec)}
	}
	return rankSlots(scored, k)
}

// rankSlots orders candidates by descending score. The sort is stable over
// slot order, so equal scores resolve to the earlier-inserted vector.
func rankSlots(scored []scoredSlot, k int) []scoredSlot {
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].score > scored[j].score
	})
	if k > len(scored) {
		k = len(scored)
	}
	return scored[:k]
}

// kmeansSeed fixes the IVF training RNG so repeated builds over the same
// data produce the same partitioning and therefore deterministic results.
const kmeansSeed = 42

const kmeansIterations = 10

// ivfIndex partitions the vector space into nlist clusters and searches only
// the nprobe lists nearest the query. Approximate for low-ranked results:
// the query's own nearest list is always probed first, so a stored vector
// queried against itself still ranks first, but distant runners-up in
// unprobed lists can be missed.
type ivfIndex struct {
	centroids [][]float32
	lists     [][]int // centroid -> slots assigned to it
	nprobe    int
}

// buildIVF trains the inverted-file structure over the current matrix.
// Returns an error when the data cannot support a meaningful partition;
// the caller treats that as a signal to stay on the exact path.
func buildIVF(vectors [][]float32, dim int) (*ivfIndex, error) {
	n := len(vectors)
	if n == 0 || dim == 0 {
		return nil, fmt.Errorf("ivf build: empty training set")
	}
	nlist := intSqrt(n)
	if nlist < 4 {
		nlist = 4
	}
	if nlist > n {
		return nil, fmt.Errorf("ivf build: %d vectors cannot fill %d lists", n, nlist)
	}

	rng := rand.New(rand.NewSource(kmeansSeed))
	centroids := make([][]float32, nlist)
	for i, p := range rng.Perm(n)[:nlist] {
		c := make([]float32, dim)
		copy(c, vectors[p])
		centroids[i] = c
	}

	assign := make([]int, n)
	for iter := 0; iter < kmeansIterations; iter++ {
		changed := false
		for i, vec := range vectors {
			best := nearestCentroid(centroids, vec)
			if assign[i] != best {
				assign[i] = best
				changed = true
			}
		}
		if iter > 0 && !changed {
			break
		}
		// Recompute centroids as the mean of their members; empty lists keep
		// their previous position.
		sums := make([][]float64, nlist)
		counts := make([]int, nlist)
		for i := range sums {
			sums[i] = make([]float64, dim)
		}
		for i, vec := range vectors {
			c := assign[i]
			counts[c]++
			for j, x := range vec {
				sums[c][j] += float64(x)
			}
		}
		for c := range centroids {
			if counts[c] == 0 {
				continue
			}
			for j := range centroids[c] {
				centroids[c][j] = float32(sums[c][j] / float64(counts[c]))
			}
		}
	}

	lists := make([][]int, nlist)
	for i := range vectors {
		c := assign[i]
		lists[c] = append(lists[c], i)
	}

	nprobe := nlist / 4
	if nprobe < 2 {
		nprobe = 2
	}
	if nprobe > nlist {
		nprobe = nlist
	}
	return &ivfIndex{centroids: centroids, lists: lists, nprobe: nprobe}, nil
}

func (ivf *ivfIndex) accelerated() bool { return true }

// add assigns a post-build vector to its nearest list so the structure stays
// consistent without retraining.
func (ivf *ivfIndex) add(slot int, vec []float32) {
	c := nearestCentroid(ivf.centroids, vec)
	ivf.lists[c] = append(ivf.lists[c], slot)
}

func (ivf *ivfIndex) topK(vectors [][]float32, query []float32, k int) []scoredSlot {
	type centroidDist struct {
		list  int
		score float64
	}
	order := make([]centroidDist, len(ivf.centroids))
	for i, c := range ivf.centroids {
		order[i] = centroidDist{list: i, score: core.InnerProduct(query, c)}
	}
	sort.SliceStable(order, func(i, j int) bool { return order[i].score > order[j].score })

	// Probe the nprobe nearest lists, extending to further lists only when
	// they hold too few candidates to fill k results.
	var scored []scoredSlot
	for i, cd := range order {
		if i >= ivf.nprobe && len(scored) >= k {
			break
		}
		for _, slot := range ivf.lists[cd.list] {
			scored = append(scored, scoredSlot{slot: slot, score: core.InnerProduct(query, vectors[slot])})
		}
	}
	// Candidate slots arrive grouped by list; restore slot order first so
	// the stable rank keeps the documented insertion-order tie-break.
	sort.Slice(scored, func(i, j int) bool { return scored[i].slot < scored[j].slot })
	return rankSlots(scored, k)
}

func nearestCentroid(centroids [][]float32, vec []float32) int {
	best, bestScore := 0, core.InnerProduct(centroids[0], vec)
	for i := 1; i < len(centroids); i++ {
		if s := core.InnerProduct(centroids[i], vec); s > bestScore {
			best, bestScore = i, s
		}
	}
	return best
}

func intSqrt(n int) int {
	i := 1
	for i*i <= n {
		i++
	}
	return i - 1
}
