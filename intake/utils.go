package intake

import (
	"encoding/binary"
	"errors"
	"os"
	"strconv"
	"time"
)

var errInvalidPackedData = errors.New("invalid packed data")

const packHeaderSize = 19

type Config struct {
	MaxRetries             uint16
	MaxQueuedItemsLowPrio  uint64
	MaxQueuedItemsHighPrio uint64
	WorkerTimeout          time.Duration
	RetryInterval          time.Duration
	PollInterval           time.Duration
}

var DefaultConfig = Config{
	MaxRetries:             30,
	MaxQueuedItemsLowPrio:  1024,
	MaxQueuedItemsHighPrio: 2048,
	WorkerTimeout:          20 * time.Second,
	RetryInterval:          500 * time.Millisecond,
	PollInterval:           50 * time.Millisecond,
}

type packArgs struct {
	data         []byte
	notBefore    time.Time
	deadline     time.Time
	highPriority bool
	timestamp    time.Time
	iteration    uint16
}

// packData returns score and packed data into a byte slice that can be stored in Redis.
// The score is notBefore in unix milliseconds.
// The format is (note that ':' is used only in the docs and not present in the actual data):
// highPriority(1byte):iteration(2 bytes):timestamp(8 bytes):deadline(8 bytes):data
//
// This is done because redis sorts values with the same score by value lexicographically.
func packData(a packArgs) (float64, []byte) {
	score := float64(a.notBefore.UnixMilli())
	value := make([]byte, packHeaderSize+len(a.data))
	if a.highPriority {
		value[0] = 0
	} else {
		value[0] = 1
	}
	binary.BigEndian.PutUint16(value[1:3], a.iteration)
	binary.BigEndian.PutUint64(value[3:11], uint64(a.timestamp.UnixNano()))
	binary.BigEndian.PutUint64(value[11:19], uint64(a.deadline.UnixMilli()))
	copy(value[packHeaderSize:], a.data)
	return score, value
}

// unpackData unpacks the data from the byte slice returned by packData.
func unpackData(score float64, packedData []byte) (packArgs, error) {
	if len(packedData) < packHeaderSize {
		return packArgs{}, errInvalidPackedData
	}
	return packArgs{
		data:         packedData[packHeaderSize:],
		notBefore:    time.UnixMilli(int64(score)),
		deadline:     time.UnixMilli(int64(binary.BigEndian.Uint64(packedData[11:19]))),
		highPriority: packedData[0] == 0,
		timestamp:    time.Unix(0, int64(binary.BigEndian.Uint64(packedData[3:11]))),
		iteration:    binary.BigEndian.Uint16(packedData[1:3]),
	}, nil
}

// ConfigFromEnv loads `intake` config from environment.
// - `INTAKE_MAX_RETRIES`
// - `INTAKE_MAX_QUEUED_ITEMS`
// - `INTAKE_MAX_QUEUED_ITEMS_HIGH_PRIO`
// - `INTAKE_WORKER_TIMEOUT_MS`
// - `INTAKE_RETRY_INTERVAL_MS`
func ConfigFromEnv() (Config, error) {
	config := DefaultConfig

	if val := os.Getenv("INTAKE_MAX_RETRIES"); val != "" {
		maxRetries, err := strconv.ParseUint(val, 10, 16)
		if err != nil {
			return config, err
		}
		config.MaxRetries = uint16(maxRetries)
	}
	if val := os.Getenv("INTAKE_MAX_QUEUED_ITEMS"); val != "" {
		maxQueued, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return config, err
		}
		config.MaxQueuedItemsLowPrio = maxQueued
	}
	if val := os.Getenv("INTAKE_MAX_QUEUED_ITEMS_HIGH_PRIO"); val != "" {
		maxQueued, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return config, err
		}
		config.MaxQueuedItemsHighPrio = maxQueued
	}
	if val := os.Getenv("INTAKE_WORKER_TIMEOUT_MS"); val != "" {
		workerTimeoutMs, err := strconv.Atoi(val)
		if err != nil {
			return config, err
		}
		config.WorkerTimeout = time.Duration(workerTimeoutMs) * time.Millisecond
	}
	if val := os.Getenv("INTAKE_RETRY_INTERVAL_MS"); val != "" {
		retryMs, err := strconv.Atoi(val)
		if err != nil {
			return config, err
		}
		config.RetryInterval = time.Duration(retryMs) * time.Millisecond
	}
	return config, nil
}
