// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Key identifies a rendered intermediate: hex SHA-256 of the source asset
// and its render parameters.
type Key string

// KeyFor derives the cache key for rendering assetID with params.
//
// # Description
//
// params is serialized with encoding/json, which emits struct fields in
// declaration order and map keys sorted, so equal inputs always produce
// equal keys. There is no salt.
//
// # Outputs
//
//   - Key: 64 hex characters.
//   - error: Non-nil if params cannot be serialized.
func KeyFor(assetID string, params any) (Key, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("serialize render params: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(assetID))
	h.Write([]byte{0})
	h.Write(raw)
	return Key(hex.EncodeToString(h.Sum(nil))), nil
}

// ParamsHash returns the hex SHA-256 of the serialized params alone.
func ParamsHash(params any) (string, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("serialize render params: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Short returns the first 12 characters, for logs.
func (k Key) Short() string {
	if len(k) <= 12 {
		return string(k)
	}
	return string(k[:12])
}
