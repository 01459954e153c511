// Copyright (C) 2019 The Dbrief Authors.
// See LICENSE for copying information.

package s3store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"

	"github.com/TheWiseCoder/dbrief/pkg/engine"
)

// ObjectKey derives the bucket key for a diverted large object. When the
// row carries a naming column its value becomes the object name; otherwise
// the name is the SHA-256 of the primary-key values, so the same row always
// maps to the same key.
func ObjectKey(loc engine.Location, name string) string {
	if name == "" {
		name = keyDigest(loc.Key)
	}
	return path.Join(loc.Schema, loc.Table, loc.Column, name)
}

func keyDigest(key engine.Key) string {
	digest := sha256.New()
	for _, column := range key.Columns() {
		fmt.Fprintf(digest, "%s=%v;", column, key[column])
	}
	return hex.EncodeToString(digest.Sum(nil))
}
