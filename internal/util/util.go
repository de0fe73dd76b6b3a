package util

import (
	"math"
	"math/rand"
	"time"
	"unsafe"
)

var src = rand.NewSource(time.Now().UnixNano())

const letterBytes = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
const (
	letterIdxBits = 6                    // 6 bits to represent a letter index
	letterIdxMask = 1<<letterIdxBits - 1 // All 1-bits, as many as letterIdxBits
	letterIdxMax  = 63 / letterIdxBits   // # of letter indices fitting in 63 bits
)

// CalculateQuotientSize returns the number of quotient bits needed so that the
// quotient space of a bucket has at least _targetSize_ distinct values
func CalculateQuotientSize(targetSize uint64) uint {
	if targetSize <= 1 {
		return 1
	}
	size := uint(math.Ceil(math.Log2(float64(targetSize))))
	if size > 16 {
		return 16
	}
	return size
}

// CalculateRemainderSize returns the number of remainder bits needed to keep
// the per-bucket false positive probability under _errorRate_
func CalculateRemainderSize(errorRate float64) uint {
	size := uint(math.Ceil(math.Log2(1 / errorRate)))
	if size < 1 {
		return 1
	}
	if size > 32 {
		return 32
	}
	return size
}

func Max(a, b uint) uint {
	if a > b {
		return a
	}
	return b
}

func Min(a, b uint) uint {
	if a < b {
		return a
	}
	return b
}

func MaxUint64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func MinUint64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func GenerateRandomString(n int) string {
	b := make([]byte, n)
	// A src.Int63() generates 63 random bits, enough for letterIdxMax characters!
	for i, cache, remain := n-1, src.Int63(), letterIdxMax; i >= 0; {
		if remain == 0 {
			cache, remain = src.Int63(), letterIdxMax
		}
		if idx := int(cache & letterIdxMask); idx < len(letterBytes) {
			b[i] = letterBytes[idx]
			i--
		}
		cache >>= letterIdxBits
		remain--
	}

	return *(*string)(unsafe.Pointer(&b))
}
