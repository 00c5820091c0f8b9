package application

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"

	"github.com/bnema/sdash/internal/domain"
)

// Hash fingerprints a collection. encoding/json sorts object keys, so two
// structurally equal collections encode, and therefore hash, identically.
// FNV is not collision resistant; a false "unchanged" only delays a repaint
// until the next change or forced refresh.
func Hash(items []domain.Record) (string, error) {
	if items == nil {
		items = []domain.Record{}
	}

	encoded, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("encode items for hashing: %w", err)
	}

	h := fnv.New64a()
	_, _ = h.Write(encoded)

	return hex.EncodeToString(h.Sum(nil)), nil
}

func HasChanged(resource *domain.Resource, hash string) bool {
	if resource.LastHash == "" {
		return true
	}

	return resource.LastHash != hash
}

// Classify turns fetched items into Success or Unchanged against the
// resource's stored hash. It does not touch the resource.
func Classify(resource *domain.Resource, items []domain.Record) domain.FetchOutcome {
	hash, err := Hash(items)
	if err != nil {
		return domain.Failure(&domain.FetchError{Kind: domain.KindFormat, URL: resource.Endpoint, Err: err})
	}
	if !HasChanged(resource, hash) {
		return domain.Unchanged(hash)
	}

	return domain.Success(items, hash)
}
