package godiva

import (
	"math/rand"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func initMockRedis() {
	mr, _ := miniredis.Run()
	redisUri := "redis://" + mr.Addr()
	connOptions, _ := ParseRedisURI(redisUri)
	MakeRedisClient(*connOptions)
}

func TestDivaFilterRedisSaveLoad(t *testing.T) {
	initMockRedis()
	rng := rand.New(rand.NewSource(11))
	aFilter, _ := NewDivaFilter(64, 0.01)
	for i := 0; i < 500; i++ {
		aFilter.Insert(uint64(rng.Int63n(1 << 30)))
	}
	metadataKey, err := aFilter.SaveToRedis()
	if err != nil {
		t.Fatalf("saving the filter to redis should succeed, found %v", err)
	}
	bFilter, err := NewRedisDivaFilterFromKey(metadataKey)
	if err != nil {
		t.Fatalf("loading the filter from redis should succeed, found %v", err)
	}
	if !aFilter.Equals(bFilter) {
		t.Errorf("loaded filter should equal the saved one")
	}
	ok1, _ := aFilter.RangeQuery(0, 1<<30)
	ok2, _ := bFilter.RangeQuery(0, 1<<30)
	if ok1 != ok2 {
		t.Errorf("loaded filter should answer like the saved one")
	}
}

func TestDivaFilterRedisMissingKey(t *testing.T) {
	initMockRedis()
	if _, err := NewRedisDivaFilterFromKey("no-such-key"); err == nil {
		t.Errorf("loading from a key with no metadata should error out")
	}
}
