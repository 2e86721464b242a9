// Package util provides shared utility functions.
package util

import (
	"fmt"
	"hash/fnv"
)

// ShortID computes a 4-byte hash of a peer, producer or consumer identifier.
// The hash is used solely to keep log lines compact and does not need to be
// reversible.
func ShortID(id string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(id))
	return h.Sum32()
}

// Tag formats an identifier as a fixed-width log tag, e.g. "[1a2b3c4d]".
func Tag(id string) string {
	return fmt.Sprintf("[%08x]", ShortID(id))
}
