// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks user-provided identifiers before they reach
// file names, cache keys, or ffmpeg arguments.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// AssetIDTag is the struct tag registered by RegisterAssetID.
const AssetIDTag = "assetid"

// ErrInvalidAssetID is wrapped by every asset ID validation failure.
var ErrInvalidAssetID = errors.New("invalid asset id")

// assetIDPattern matches asset IDs.
// Allows: letters, digits, dots, underscores, hyphens
// Max length: 128 characters
var assetIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]{0,127}$`)

// ValidateAssetID validates an asset identifier.
//
// Valid IDs:
//   - 1-128 characters
//   - ASCII letters and digits
//   - Dots, underscores and hyphens after the first character
//
// Example:
//
//	if err := validation.ValidateAssetID(id); err != nil {
//	    return err
//	}
//	p.AddAsset(id, path)
func ValidateAssetID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidAssetID)
	}
	if !assetIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q (use 1-128 letters, digits, dots, underscores, or hyphens)", ErrInvalidAssetID, id)
	}
	return nil
}

// ValidateAssetIDs validates several IDs and reports every invalid one.
func ValidateAssetIDs(ids []string) error {
	var invalid []string
	for _, id := range ids {
		if ValidateAssetID(id) != nil {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("%w: %q", ErrInvalidAssetID, invalid)
	}
	return nil
}

// SanitizeAssetID trims surrounding whitespace and validates the result.
func SanitizeAssetID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if err := ValidateAssetID(id); err != nil {
		return "", err
	}
	return id, nil
}

// RegisterAssetID installs the "assetid" tag on v.
func RegisterAssetID(v *validator.Validate) error {
	return v.RegisterValidation(AssetIDTag, func(fl validator.FieldLevel) bool {
		return ValidateAssetID(fl.Field().String()) == nil
	})
}
