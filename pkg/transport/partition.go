package transport

import "hash/fnv"

// Partition maps a record key onto one of n partitions. It is the same
// function as sarama's default hash partitioner, so every transport agrees on
// which partition a key belongs to.
func Partition(key []byte, n int32) int32 {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write(key)
	p := int32(h.Sum32()) % n
	if p < 0 {
		p = -p
	}
	return p
}

// AllPartitions returns 0..n-1.
func AllPartitions(n int32) []int32 {
	ps := make([]int32, n)
	for i := range ps {
		ps[i] = int32(i)
	}
	return ps
}
