package replay

import (
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
)

// TruncateAndResume implements branch-on-modify: when the user mutates
// state while scrubbed to statement target, the post-cursor future is
// discarded. Snapshots and deltas at or beyond target are dropped, the
// statement index is rebuilt, and recording resumes from target.
func (r *Recorder) TruncateAndResume(target int) {
	cut := sort.Search(len(r.snapshots), func(i int) bool {
		return r.snapshots[i].StmtIdx >= target
	})
	r.snapshots = r.snapshots[:cut]

	dcut := sort.Search(len(r.deltas), func(i int) bool {
		return r.deltas[i].StmtIdx >= target
	})
	r.deltas = r.deltas[:dcut]

	r.index = rebuildIndex(r.deltas)
	r.curStmt = target
	r.totalStmts = target
}

// rebuildIndex reconstructs the statement-to-delta multimap. The log
// can hold millions of entries after a long session, so shards build
// partial maps concurrently and merge; positions inside one statement
// stay in log order because shards split on contiguous ranges.
func rebuildIndex(deltas []Delta) map[int][]int {
	shards := runtime.NumCPU()
	if shards > len(deltas) {
		shards = 1
	}
	if shards <= 1 {
		index := make(map[int][]int, len(deltas))
		for i := range deltas {
			index[deltas[i].StmtIdx] = append(index[deltas[i].StmtIdx], i)
		}
		return index
	}

	partials := make([]map[int][]int, shards)
	chunk := (len(deltas) + shards - 1) / shards

	var g errgroup.Group
	for s := 0; s < shards; s++ {
		s := s
		g.Go(func() error {
			lo := s * chunk
			hi := lo + chunk
			if hi > len(deltas) {
				hi = len(deltas)
			}
			part := make(map[int][]int)
			for i := lo; i < hi; i++ {
				part[deltas[i].StmtIdx] = append(part[deltas[i].StmtIdx], i)
			}
			partials[s] = part
			return nil
		})
	}
	// The workers cannot fail; Wait is the barrier.
	g.Wait()

	index := make(map[int][]int, len(deltas))
	for _, part := range partials {
		for stmt, positions := range part {
			index[stmt] = append(index[stmt], positions...)
		}
	}
	// Merging shards can interleave a statement that straddles a chunk
	// boundary; restore log order.
	for stmt := range index {
		sort.Ints(index[stmt])
	}
	return index
}
