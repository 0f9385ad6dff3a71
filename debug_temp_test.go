package cellulite

import (
	"fmt"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	h3 "github.com/uber/h3-go/v4"
)

func TestDebugSplitPastThreshold(t *testing.T) {
	db := newTestDB(t)
	index := newTestIndex(t, db, WithThreshold(2))
	addAndBuild(t, db, index, map[uint32][]byte{
		0: rectangleJSON(2.350, 2.351, 48.850, 48.851),
		1: rectangleJSON(2.360, 2.361, 48.850, 48.851),
		2: rectangleJSON(2.370, 2.371, 48.850, 48.851),
	})

	err := index.CellPostings(db, func(cell h3.Cell, belly bool, ids *roaring.Bitmap) bool {
		fmt.Printf("cell=%v res=%d belly=%v ids=%v\n", cell, cell.Resolution(), belly, ids.ToArray())
		return true
	})
	if err != nil {
		t.Fatal(err)
	}

	ids, err := index.InShapeWithInspector(db, rectangle(2.3, 2.4, 48.8, 48.9), func(step FilteringStep, cell h3.Cell) {
		fmt.Printf("step=%v cell=%v res=%d\n", step, cell, cell.Resolution())
	})
	if err != nil {
		t.Fatal(err)
	}
	fmt.Printf("query result: %v\n", ids.ToArray())
}
