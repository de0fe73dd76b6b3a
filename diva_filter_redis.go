package godiva

import (
	"bytes"
	"context"
	"fmt"
	"strconv"

	"github.com/kwertop/godiva/internal/util"
)

// SaveToRedis saves a snapshot of the filter in Redis and returns the
// metadataKey under which the additional information about the snapshot is
// stored for retrieving the filter back
// _snapshotKey_ is created using a random alpha-numeric generator and holds
// the serialized filter
func (divaFilter *DivaFilter) SaveToRedis() (string, error) {
	var buf bytes.Buffer
	_, err := divaFilter.WriteTo(&buf)
	if err != nil {
		return "", fmt.Errorf("godiva: error serializing filter for redis, error: %v", err)
	}
	snapshotKey := util.GenerateRandomString(16)
	metadataKey := util.GenerateRandomString(16)
	err = getRedisClient().Set(context.Background(), snapshotKey, buf.String(), 0).Err()
	if err != nil {
		return "", fmt.Errorf("godiva: error saving filter snapshot in redis, error: %v", err)
	}
	metadata := make(map[string]interface{})
	metadata["targetSize"] = divaFilter.targetSize
	metadata["fpr"] = divaFilter.fpr
	metadata["snapshotKey"] = snapshotKey
	err = getRedisClient().HSet(context.Background(), metadataKey, metadata).Err()
	if err != nil {
		return "", fmt.Errorf("godiva: error saving filter metadata in redis, error: %v", err)
	}
	return metadataKey, nil
}

// NewRedisDivaFilterFromKey is used to create a new DivaFilter from the
// _metadataKey_ (the Redis key used to store the metadata about the filter
// snapshot) passed. For this to work, value should be present in Redis at
// _metadataKey_
func NewRedisDivaFilterFromKey(metadataKey string) (*DivaFilter, error) {
	values, err := getRedisClient().HGetAll(context.Background(), metadataKey).Result()
	if err != nil {
		return nil, fmt.Errorf("godiva: error fetching filter metadata from redis, error: %v", err)
	}
	targetSize, _ := strconv.ParseUint(values["targetSize"], 10, 64)
	fpr, _ := strconv.ParseFloat(values["fpr"], 64)
	if targetSize == 0 || fpr <= 0 || fpr >= 1 {
		return nil, fmt.Errorf("godiva: filter metadata at redis key is unusable: %w", ErrInvalidConfig)
	}
	snapshot, err := getRedisClient().Get(context.Background(), values["snapshotKey"]).Result()
	if err != nil {
		return nil, fmt.Errorf("godiva: error fetching filter snapshot from redis, error: %v", err)
	}
	divaFilter := &DivaFilter{}
	_, err = divaFilter.ReadFrom(bytes.NewReader([]byte(snapshot)))
	if err != nil {
		return nil, fmt.Errorf("godiva: error deserializing filter snapshot, error: %v", err)
	}
	return divaFilter, nil
}
