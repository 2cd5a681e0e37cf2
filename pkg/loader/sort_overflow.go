package loader

import (
	"github.com/antonellof/VeronaDB/pkg/storage"
)

// OverflowSortBucketSize is the number of source offsets one sort task owns
const OverflowSortBucketSize = 256

// The overflow sort pass (pass 5) rewrites a string overflow file so that
// the bytes of strings belonging to the same source offset bucket are
// co-located. A sequential pre-pass sizes each bucket and assigns it a
// disjoint page range; the copy tasks then run in parallel. Each bucket
// starts on a fresh page and a string never wraps within the new file
// either, so the simulated allocation matches the parallel writes exactly.

type overflowSlotWalker func(visit func(slot []byte))

// sortColumnOverflowStrings reorders the overflow file of a string column,
// rewriting each slot's pointer in place.
func sortColumnOverflowStrings(col *storage.InMemColumn, unordered, ordered *storage.InMemOverflowFile, numNodes uint64, pool *Pool) {
	numBuckets := (numNodes + OverflowSortBucketSize - 1) / OverflowSortBucketSize
	walkers := make([]overflowSlotWalker, numBuckets)
	for b := uint64(0); b < numBuckets; b++ {
		start, end := bucketRange(b, numNodes)
		walkers[b] = func(visit func(slot []byte)) {
			for offset := start; offset < end; offset++ {
				if slot, null := col.MutableValue(offset); !null {
					visit(slot)
				}
			}
		}
	}
	sortOverflowBuckets(walkers, unordered, ordered, pool)
}

// sortListsOverflowStrings reorders the overflow file of a string property
// list file.
func sortListsOverflowStrings(lists *storage.InMemLists, unordered, ordered *storage.InMemOverflowFile, numNodes uint64, pool *Pool) {
	numBuckets := (numNodes + OverflowSortBucketSize - 1) / OverflowSortBucketSize
	walkers := make([]overflowSlotWalker, numBuckets)
	for b := uint64(0); b < numBuckets; b++ {
		start, end := bucketRange(b, numNodes)
		walkers[b] = func(visit func(slot []byte)) {
			for offset := start; offset < end; offset++ {
				size := lists.ListSize(offset)
				for pos := uint64(0); pos < size; pos++ {
					visit(lists.MutableElement(offset, pos))
				}
			}
		}
	}
	sortOverflowBuckets(walkers, unordered, ordered, pool)
}

func bucketRange(bucket, numNodes uint64) (uint64, uint64) {
	start := bucket * OverflowSortBucketSize
	end := start + OverflowSortBucketSize
	if end > numNodes {
		end = numNodes
	}
	return start, end
}

func sortOverflowBuckets(walkers []overflowSlotWalker, unordered, ordered *storage.InMemOverflowFile, pool *Pool) {
	// Size every bucket and hand it a disjoint page range.
	startPages := make([]uint64, len(walkers))
	nextPage := uint64(0)
	for b, walk := range walkers {
		startPages[b] = nextPage
		pagesUsed := uint64(0)
		offsetInPage := 0
		walk(func(slot []byte) {
			length := int(storage.GFStringLength(slot))
			if storage.GFStringIsInline(slot) {
				return
			}
			if pagesUsed == 0 || storage.PageSize-offsetInPage < length {
				pagesUsed++
				offsetInPage = 0
			}
			offsetInPage += length
		})
		nextPage += pagesUsed
	}
	ordered.ReservePages(nextPage)

	for b, walk := range walkers {
		cursor := storage.PageByteCursor{PageIdx: startPages[b], Offset: 0}
		first := true
		w := walk
		pool.Execute(func() error {
			w(func(slot []byte) {
				length := storage.GFStringLength(slot)
				if storage.GFStringIsInline(slot) {
					return
				}
				if !first && storage.PageSize-cursor.Offset < int(length) {
					cursor = storage.PageByteCursor{PageIdx: cursor.PageIdx + 1, Offset: 0}
				}
				first = false
				bytes := unordered.ReadBytes(storage.GFStringOverflowCursor(slot), length)
				ordered.AppendBytesAt(cursor, bytes)
				storage.SetGFStringOverflowCursor(slot, cursor)
				cursor.Offset += int(length)
			})
			return nil
		})
	}
}
