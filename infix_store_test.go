package godiva

import (
	"math/rand"
	"testing"
)

func TestInfixStoreBasic(t *testing.T) {
	store := NewInfixStore(8, 9, 64)
	store.Insert(3, 100)
	store.Insert(7, 250)
	store.Insert(7, 40)
	if !store.Contains(3, 100) {
		t.Errorf("store should contain (3, 100)")
	}
	if !store.Contains(7, 250) {
		t.Errorf("store should contain (7, 250)")
	}
	if !store.Contains(7, 40) {
		t.Errorf("store should contain (7, 40)")
	}
	if store.Contains(3, 101) {
		t.Errorf("store should not contain (3, 101)")
	}
	if store.Contains(4, 100) {
		t.Errorf("store should not contain (4, 100)")
	}
	if store.Count() != 3 {
		t.Errorf("count should be 3, found %d", store.Count())
	}
}

func TestInfixStoreRunLayout(t *testing.T) {
	store := NewInfixStore(8, 9, 64)
	store.Insert(5, 30)
	store.Insert(5, 10)
	store.Insert(5, 20)
	store.Insert(2, 7)
	// runs sit contiguously in quotient order, sorted within a run
	want := []uint64{7, 10, 20, 30}
	for pos, r := range want {
		if got := store.readSlot(uint(pos)); got != r {
			t.Errorf("slot %d should hold %d, found %d", pos, r, got)
		}
	}
	if !store.runends.Test(0) {
		t.Errorf("slot 0 should end the run of quotient 2")
	}
	if store.runends.Test(1) || store.runends.Test(2) {
		t.Errorf("slots 1 and 2 are mid-run and should not be run ends")
	}
	if !store.runends.Test(3) {
		t.Errorf("slot 3 should end the run of quotient 5")
	}
	if store.OccupiedQuotients() != 2 {
		t.Errorf("occupied quotients should be 2, found %d", store.OccupiedQuotients())
	}
}

func TestInfixStoreDuplicates(t *testing.T) {
	store := NewInfixStore(8, 9, 64)
	for i := 0; i < 5; i++ {
		if !store.Insert(9, 123) {
			t.Fatalf("insert of (9, 123) should succeed")
		}
	}
	if store.Count() != 1 {
		t.Errorf("duplicate inserts should be absorbed, count should be 1, found %d", store.Count())
	}
}

func TestInfixStoreBoundaryValues(t *testing.T) {
	store := NewInfixStore(8, 9, 64)
	maxQ := uint64(1<<8 - 1)
	maxR := uint64(1<<9 - 1)
	store.Insert(0, 0)
	store.Insert(maxQ, maxR)
	if !store.Contains(0, 0) {
		t.Errorf("store should contain (0, 0)")
	}
	if !store.Contains(maxQ, maxR) {
		t.Errorf("store should contain the largest fingerprint")
	}
}

func TestInfixStoreResizeUp(t *testing.T) {
	store := NewInfixStore(8, 9, 64)
	startGrade := store.SizeGrade()
	n := 0
	for q := uint64(0); q < 16; q++ {
		for r := uint64(0); r < 8; r++ {
			if !store.Insert(q, r) {
				t.Fatalf("insert of (%d, %d) should succeed", q, r)
			}
			n++
		}
	}
	if store.Count() != uint(n) {
		t.Errorf("count should be %d, found %d", n, store.Count())
	}
	if store.SizeGrade() <= startGrade {
		t.Errorf("store should have resized up from grade %d", startGrade)
	}
	for q := uint64(0); q < 16; q++ {
		for r := uint64(0); r < 8; r++ {
			if !store.Contains(q, r) {
				t.Errorf("store should still contain (%d, %d) after resizing", q, r)
			}
		}
	}
}

func TestInfixStoreOverflow(t *testing.T) {
	store := NewInfixStore(2, 4, 1)
	inserted := 0
	for r := uint64(0); r < 16; r++ {
		if !store.Insert(1, r) {
			break
		}
		inserted++
	}
	if inserted == 16 {
		t.Errorf("a store with target capacity 1 should run out of slots")
	}
	if store.SizeGrade() != sizeGradeCount-1 {
		t.Errorf("overflow should only happen at the largest grade, found grade %d", store.SizeGrade())
	}
}

func TestInfixStoreDelete(t *testing.T) {
	store := NewInfixStore(8, 9, 64)
	store.Insert(5, 10)
	store.Insert(5, 20)
	store.Insert(5, 30)
	store.Insert(8, 100)

	if !store.Delete(5, 20) {
		t.Errorf("delete of (5, 20) should report a removal")
	}
	if store.Contains(5, 20) {
		t.Errorf("store should not contain (5, 20) after delete")
	}
	if !store.Contains(5, 10) || !store.Contains(5, 30) {
		t.Errorf("neighbors of the deleted remainder should survive")
	}

	// deleting the run end moves the marker back
	if !store.Delete(5, 30) {
		t.Errorf("delete of (5, 30) should report a removal")
	}
	if !store.Contains(5, 10) {
		t.Errorf("store should still contain (5, 10)")
	}

	// deleting the sole member frees the quotient
	if !store.Delete(5, 10) {
		t.Errorf("delete of (5, 10) should report a removal")
	}
	if store.Contains(5, 10) {
		t.Errorf("store should not contain (5, 10) after delete")
	}
	if store.OccupiedQuotients() != 1 {
		t.Errorf("only quotient 8 should remain occupied, found %d", store.OccupiedQuotients())
	}

	if store.Delete(5, 10) {
		t.Errorf("deleting an absent fingerprint should report no removal")
	}
	if store.Count() != 1 {
		t.Errorf("count should be 1, found %d", store.Count())
	}
}

func TestInfixStoreResizeDown(t *testing.T) {
	store := NewInfixStore(8, 9, 64)
	for q := uint64(0); q < 16; q++ {
		for r := uint64(0); r < 8; r++ {
			store.Insert(q, r)
		}
	}
	peakGrade := store.SizeGrade()
	for q := uint64(0); q < 16; q++ {
		for r := uint64(0); r < 8; r++ {
			if q == 0 && r == 0 {
				continue
			}
			store.Delete(q, r)
		}
	}
	if store.SizeGrade() >= peakGrade {
		t.Errorf("store should have resized down from grade %d", peakGrade)
	}
	if !store.Contains(0, 0) {
		t.Errorf("store should still contain (0, 0)")
	}
}

func TestInfixStoreRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	store := NewInfixStore(8, 9, 1024)
	held := make(map[[2]uint64]bool)
	for i := 0; i < 2000; i++ {
		q := uint64(rng.Intn(256))
		r := uint64(rng.Intn(512))
		if rng.Intn(3) == 0 {
			removed := store.Delete(q, r)
			if removed != held[[2]uint64{q, r}] {
				t.Fatalf("delete of (%d, %d) disagreed with the oracle", q, r)
			}
			delete(held, [2]uint64{q, r})
		} else {
			if !store.Insert(q, r) {
				t.Fatalf("insert of (%d, %d) should succeed", q, r)
			}
			held[[2]uint64{q, r}] = true
		}
	}
	if store.Count() != uint(len(held)) {
		t.Fatalf("count should be %d, found %d", len(held), store.Count())
	}
	for fp := range held {
		if !store.Contains(fp[0], fp[1]) {
			t.Errorf("store should contain (%d, %d)", fp[0], fp[1])
		}
	}
}

func TestInfixStoreRangeContains(t *testing.T) {
	store := NewInfixStore(8, 9, 64)
	store.Insert(10, 100)
	store.Insert(10, 200)
	store.Insert(20, 50)

	// same quotient
	if !store.RangeContains(10, 150, 10, 250) {
		t.Errorf("range over quotient 10 remainders [150, 250] should hit 200")
	}
	if store.RangeContains(10, 101, 10, 199) {
		t.Errorf("range over quotient 10 remainders [101, 199] should miss")
	}

	// interior quotient
	if !store.RangeContains(5, 511, 15, 0) {
		t.Errorf("range spanning quotient 10 in its interior should hit")
	}
	if store.RangeContains(11, 0, 19, 511) {
		t.Errorf("range between the occupied quotients should miss")
	}

	// edge quotients
	if !store.RangeContains(10, 150, 12, 0) {
		t.Errorf("range starting at (10, 150) should hit 200")
	}
	if store.RangeContains(10, 201, 12, 0) {
		t.Errorf("range starting at (10, 201) should miss")
	}
	if !store.RangeContains(18, 0, 20, 50) {
		t.Errorf("range ending at (20, 50) should hit")
	}
	if store.RangeContains(18, 0, 20, 49) {
		t.Errorf("range ending at (20, 49) should miss")
	}
}

func TestInfixStoreEquals(t *testing.T) {
	aStore := NewInfixStore(8, 9, 64)
	bStore := NewInfixStore(8, 9, 64)
	fingerprints := [][2]uint64{{3, 5}, {3, 9}, {100, 1}, {255, 511}}
	for _, fp := range fingerprints {
		aStore.Insert(fp[0], fp[1])
	}
	for i := len(fingerprints) - 1; i >= 0; i-- {
		bStore.Insert(fingerprints[i][0], fingerprints[i][1])
	}
	if !aStore.Equals(bStore) {
		t.Errorf("stores holding the same fingerprints should be equal")
	}
	bStore.Insert(7, 7)
	if aStore.Equals(bStore) {
		t.Errorf("stores holding different fingerprints should not be equal")
	}
}
