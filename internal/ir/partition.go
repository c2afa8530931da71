package ir

import (
	"errors"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// DomainPartition is the hash domain for partition file names.
// Version suffix enables future algorithm migration.
const DomainPartition = "eventsync/partition/v1"

// ErrEmptyPublicKey is returned when a routing key is missing or blank.
var ErrEmptyPublicKey = errors.New("publicKey is required")

// NormalizePublicKey returns the routing form of a public key.
//
// Keys are opaque, but two canonically equivalent Unicode encodings of the
// same key must reach the same partition, so keys are NFC normalized.
// Surrounding whitespace is not significant.
func NormalizePublicKey(publicKey string) (string, error) {
	key := strings.TrimSpace(publicKey)
	if key == "" {
		return "", ErrEmptyPublicKey
	}
	return norm.NFC.String(key), nil
}

// PartitionName returns a stable, filesystem-safe name for the partition
// owning publicKey. The key must already be normalized.
// Format: hex(SHA256(domain + 0x00 + key))
func PartitionName(publicKey string) string {
	return hashWithDomain(DomainPartition, []byte(publicKey))
}
