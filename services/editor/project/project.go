// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package project persists timelines as versioned JSON documents.
//
// A document holds project metadata, the asset table, tracks in
// compositing order with their clips, and the dependency relationships.
// Loading is all-or-nothing: either every track, clip and relationship is
// accepted or the load fails with a SerializationError and nothing is
// returned.
package project

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/AleutianAI/montage/pkg/validation"
	"github.com/AleutianAI/montage/services/editor/media"
	"github.com/AleutianAI/montage/services/editor/timeline"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := validation.RegisterAssetID(v); err != nil {
		panic(err)
	}
	return v
}

// Project is a loaded project: metadata, assets and the timeline.
type Project struct {
	ID         string
	Name       string
	CreatedAt  time.Time
	ModifiedAt time.Time
	Preset     string
	Output     *media.Params

	// Assets maps asset IDs to file paths.
	Assets media.AssetMap

	// Durations holds probed asset lengths.
	Durations map[string]time.Duration

	Timeline *timeline.Timeline
}

// New creates an empty project.
func New(name string) *Project {
	now := time.Now().UTC()
	return &Project{
		ID:         uuid.NewString(),
		Name:       name,
		CreatedAt:  now,
		ModifiedAt: now,
		Assets:     media.AssetMap{},
		Durations:  map[string]time.Duration{},
		Timeline:   timeline.New(),
	}
}

// AddAsset registers a media file under id.
func (p *Project) AddAsset(id, path string) {
	p.Assets[id] = path
}

// Document converts the project to its persisted form. Assets are
// sorted by ID so saves are deterministic.
func (p *Project) Document() Document {
	doc := Document{
		Version: FormatVersion,
		Project: Info{
			ID:         p.ID,
			Name:       p.Name,
			CreatedAt:  p.CreatedAt,
			ModifiedAt: p.ModifiedAt,
			Preset:     p.Preset,
			Output:     p.Output,
		},
		Assets: make([]AssetDoc, 0, len(p.Assets)),
		Tracks: []TrackDoc{},
	}
	for id, path := range p.Assets {
		doc.Assets = append(doc.Assets, AssetDoc{ID: id, Path: path, DurationNS: int64(p.Durations[id])})
	}
	sort.Slice(doc.Assets, func(i, j int) bool { return doc.Assets[i].ID < doc.Assets[j].ID })

	if p.Timeline != nil {
		for _, t := range p.Timeline.Tracks() {
			doc.Tracks = append(doc.Tracks, trackDoc(t))
		}
		for _, e := range p.Timeline.Graph().Edges() {
			doc.Relationships = append(doc.Relationships, RelationshipDoc{
				Source:   string(e.Source),
				Target:   string(e.Target),
				Relation: e.Relation,
			})
		}
	}
	return doc
}

// Save writes the project as indented JSON.
func (p *Project) Save(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(p.Document()); err != nil {
		return fmt.Errorf("encode project: %w", err)
	}
	return nil
}

// SaveFile writes the project to path atomically: the document goes to a
// temporary file in the same directory which then replaces path.
// ModifiedAt is updated.
func (p *Project) SaveFile(path string) error {
	p.ModifiedAt = time.Now().UTC()

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("save project: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := p.Save(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("save project: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save project: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("save project: %w", err)
	}
	return nil
}

// Load decodes a project document.
//
// # Outputs
//
//   - *Project: The loaded project. Nil on any error.
//   - error: *SerializationError. ErrUnsupportedVersion when the version is
//     not FormatVersion; ErrIncompatibleFormat for malformed JSON, unknown
//     fields, validation failures, overlapping clips, dangling asset or
//     track references, and cyclic relationships.
func Load(r io.Reader) (*Project, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read project: %w", err)
	}

	var header struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, incompatible(err)
	}
	if header.Version != FormatVersion {
		return nil, &SerializationError{Kind: UnsupportedVersion, Version: header.Version}
	}

	var doc Document
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, incompatible(err)
	}
	if dec.More() {
		return nil, incompatible(errors.New("trailing data after document"))
	}
	return FromDocument(doc)
}

// LoadFile loads the project at path. Relative asset paths are resolved
// against the file's directory.
func LoadFile(path string) (*Project, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	p, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	base := filepath.Dir(path)
	for id, assetPath := range p.Assets {
		if !filepath.IsAbs(assetPath) {
			p.Assets[id] = filepath.Join(base, assetPath)
		}
	}
	return p, nil
}

// FromDocument validates doc and builds a project from it.
func FromDocument(doc Document) (*Project, error) {
	if doc.Version != FormatVersion {
		return nil, &SerializationError{Kind: UnsupportedVersion, Version: doc.Version}
	}
	if err := validate.Struct(doc); err != nil {
		return nil, incompatible(err)
	}
	if doc.Project.Output != nil {
		if err := doc.Project.Output.Validate(); err != nil {
			return nil, incompatible(err)
		}
	}

	p := &Project{
		ID:         doc.Project.ID,
		Name:       doc.Project.Name,
		CreatedAt:  doc.Project.CreatedAt,
		ModifiedAt: doc.Project.ModifiedAt,
		Preset:     doc.Project.Preset,
		Output:     doc.Project.Output,
		Assets:     make(media.AssetMap, len(doc.Assets)),
		Durations:  make(map[string]time.Duration),
		Timeline:   timeline.New(),
	}
	for _, a := range doc.Assets {
		p.Assets[a.ID] = a.Path
		if a.DurationNS > 0 {
			p.Durations[a.ID] = time.Duration(a.DurationNS)
		}
	}

	for i, td := range doc.Tracks {
		tr := td.track()
		for _, c := range tr.Clips {
			if _, ok := p.Assets[c.AssetID]; !ok {
				return nil, incompatible(fmt.Errorf("track %s clip %s: %w: %s", tr.ID, c.ID, media.ErrAssetNotFound, c.AssetID))
			}
		}
		if err := p.Timeline.InsertTrack(tr, i); err != nil {
			return nil, incompatible(err)
		}
	}
	for _, r := range doc.Relationships {
		if err := p.Timeline.AddRelationship(timeline.TrackID(r.Source), timeline.TrackID(r.Target), r.Relation); err != nil {
			return nil, incompatible(err)
		}
	}
	return p, nil
}
