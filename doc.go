// Package btscan is the read side of a concurrent B-tree index: descent
// from root to leaf, in-page binary search, and key-ordered scans over
// the leaf level, built to stay correct while pages split, move right,
// and get deleted underneath it.
//
// The engine follows the Lehman and Yao design. Every page carries a
// right sibling link and a high key bounding its key space from above; a
// reader holding a key that no longer fits the page it reached simply
// follows right links until it does. At most one page is locked at any
// instant, so readers never deadlock with writers.
//
// Pages come from a PageStore. Two implementations ship with the module:
// memstore keeps a tree in heap memory and can simulate splits and page
// deletions underneath running scans, and diskstore reads a checksummed
// page file built by its bulk loader.
//
// A minimal scan:
//
//	idx, _ := btscan.New(store, btscan.Schema{{Comparer: btscan.BytesComparer}})
//	sc := idx.NewScan()
//	defer sc.Close(ctx)
//	keys := []btscan.ScanKey{{Attr: 0, Op: btscan.OpGreaterEqual, Value: lo}}
//	for ok, err := sc.First(ctx, keys, btscan.Forward); ; ok, err = sc.Next(ctx, btscan.Forward) {
//		if err != nil {
//			return err
//		}
//		if !ok {
//			break
//		}
//		tid, _ := sc.Item()
//		process(tid)
//	}
package btscan
