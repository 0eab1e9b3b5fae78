package indexqueue_test

import (
	"path/filepath"
	"testing"

	"github.com/corelane/eventqueue/pkg/indexqueue"
	"github.com/corelane/eventqueue/pkg/oracle"
	"github.com/corelane/eventqueue/pkg/walrecord"
)

// FuzzIndexQueue_SizeAndRefcountsStayConsistent exercises the property from
// for any sequence of addHead/addTail/removeHead/remove from an
// initially empty queue, size == puts - successful removes, and every
// ActiveFileTable refcount equals the number of ring slots with that
// fileID.
func FuzzIndexQueue_SizeAndRefcountsStayConsistent(f *testing.F) {
	f.Add([]byte{0, 1, 2, 3, 1, 2, 0, 3})

	f.Fuzz(func(t *testing.T, ops []byte) {
		if len(ops) > 500 {
			t.Skip("bound fuzz run length")
		}

		path := filepath.Join(t.TempDir(), "checkpoint")
		q, err := indexqueue.Open(indexqueue.Options{
			Path:             path,
			Capacity:         16,
			WriteOrderOracle: oracle.New(0),
		})
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		defer q.Close()

		var puts, removes int64
		var live []walrecord.Pointer
		fileIDCounts := map[uint32]int64{}
		nextOffset := uint32(0)

		for _, op := range ops {
			switch op % 4 {
			case 0: // addTail
				ptr := walrecord.NewPointer(1+uint32(op)%3, nextOffset)
				nextOffset++

				ok, err := q.AddTail(ptr)
				if err != nil {
					t.Fatalf("addTail: %v", err)
				}

				if ok {
					puts++
					live = append(live, ptr)
					fileIDCounts[ptr.FileID()]++
				}
			case 1: // addHead
				ptr := walrecord.NewPointer(1+uint32(op)%3, nextOffset)
				nextOffset++

				ok, err := q.AddHead(ptr)
				if err != nil {
					t.Fatalf("addHead: %v", err)
				}

				if ok {
					puts++
					live = append([]walrecord.Pointer{ptr}, live...)
					fileIDCounts[ptr.FileID()]++
				}
			case 2: // removeHead
				got, ok, err := q.RemoveHead()
				if err != nil {
					t.Fatalf("removeHead: %v", err)
				}

				if ok {
					removes++

					if len(live) == 0 || live[0] != got {
						t.Fatalf("removeHead returned %v, want front of model %v", got, live)
					}

					fileIDCounts[got.FileID()]--
					live = live[1:]
				}
			case 3: // remove arbitrary (the current tail, if any)
				if len(live) == 0 {
					continue
				}

				target := live[len(live)-1]

				ok, err := q.Remove(target)
				if err != nil {
					t.Fatalf("remove: %v", err)
				}

				if ok {
					removes++
					fileIDCounts[target.FileID()]--

					for i := len(live) - 1; i >= 0; i-- {
						if live[i] == target {
							live = append(live[:i], live[i+1:]...)

							break
						}
					}
				}
			}
		}

		if q.Size() != puts-removes {
			t.Fatalf("size=%d, want puts(%d)-removes(%d)=%d", q.Size(), puts, removes, puts-removes)
		}

		ids, err := q.FileIDs()
		if err != nil {
			t.Fatalf("fileIDs: %v", err)
		}

		seen := map[uint32]bool{}
		for _, id := range ids {
			seen[id] = true

			if fileIDCounts[id] <= 0 {
				t.Fatalf("fileID %d reported active with non-positive model count %d", id, fileIDCounts[id])
			}

			refcount, err := q.Refcount(id)
			if err != nil {
				t.Fatalf("refcount: %v", err)
			}

			if int64(refcount) != fileIDCounts[id] {
				t.Fatalf("fileID %d refcount=%d, want model count %d", id, refcount, fileIDCounts[id])
			}
		}

		for id, count := range fileIDCounts {
			if count > 0 && !seen[id] {
				t.Fatalf("fileID %d has model count %d but is not reported active", id, count)
			}
		}
	})
}
