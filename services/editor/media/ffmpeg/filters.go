// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ffmpeg

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/montage/services/editor/animation"
	"github.com/AleutianAI/montage/services/editor/media"
	"github.com/AleutianAI/montage/services/editor/timeline"
)

// invocation is a built ffmpeg command line plus an optional sendcmd
// script that must be written to disk before running it.
type invocation struct {
	args     []string
	commands string
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 6, 64)
}

func number(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// trackArgs builds the ffmpeg arguments that render one track's clips
// onto a blank canvas of job.Duration. Gaps stay black (transparent for
// subtitle tracks) or silent.
func trackArgs(job media.TrackJob, params media.Params, output string) ([]string, error) {
	if len(job.Track.Clips) == 0 {
		return nil, fmt.Errorf("track %s has no clips", job.Track.ID)
	}

	var args []string
	for _, c := range job.Track.Clips {
		src, ok := job.Sources[c.AssetID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", media.ErrAssetNotFound, c.AssetID)
		}
		args = append(args,
			"-ss", seconds(c.SourceStart),
			"-t", seconds(c.SourceDuration()),
			"-i", src,
		)
	}

	var graph string
	if job.Track.Kind == timeline.TrackAudio {
		graph = audioTrackGraph(job.Track.Clips, job.Duration, params)
		args = append(args,
			"-filter_complex", graph,
			"-map", "[out]",
			"-c:a", "pcm_s16le",
			"-ar", strconv.Itoa(params.SampleRate),
		)
	} else {
		if params.AudioOnly() {
			return nil, fmt.Errorf("track %s: %s track in an audio-only render", job.Track.ID, job.Track.Kind)
		}
		graph = videoTrackGraph(job.Track.Clips, job.Track.Kind == timeline.TrackSubtitle, job.Duration, params)
		args = append(args,
			"-filter_complex", graph,
			"-map", "[out]",
			"-an",
			"-c:v", "prores_ks",
			"-profile:v", "4444",
			"-pix_fmt", "yuva444p10le",
		)
	}
	return append(args, "-t", seconds(job.Duration), "-y", output), nil
}

func videoTrackGraph(clips []timeline.Clip, transparent bool, total time.Duration, p media.Params) string {
	bg := "black"
	if transparent {
		bg = "black@0.0"
	}
	size := fmt.Sprintf("%dx%d", p.Width, p.Height)

	var b strings.Builder
	fmt.Fprintf(&b, "color=c=%s:s=%s:r=%s:d=%s,format=yuva444p[base]", bg, size, number(p.FrameRate), seconds(total))
	for i, c := range clips {
		fmt.Fprintf(&b, ";[%d:v]setpts=(PTS-STARTPTS)*%s,scale=%d:%d:force_original_aspect_ratio=decrease,"+
			"pad=%d:%d:(ow-iw)/2:(oh-ih)/2:color=black@0.0,format=yuva444p,setpts=PTS+%s/TB[c%d]",
			i, number(stretch(c)), p.Width, p.Height, p.Width, p.Height, seconds(c.Position), i)
	}
	prev := "base"
	for i, c := range clips {
		next := fmt.Sprintf("v%d", i)
		if i == len(clips)-1 {
			next = "out"
		}
		fmt.Fprintf(&b, ";[%s][c%d]overlay=eof_action=pass:enable='between(t,%s,%s)'[%s]",
			prev, i, seconds(c.Position), seconds(c.End()), next)
		prev = next
	}
	return b.String()
}

func audioTrackGraph(clips []timeline.Clip, total time.Duration, p media.Params) string {
	var b strings.Builder
	fmt.Fprintf(&b, "anullsrc=r=%d:cl=stereo:d=%s[silence]", p.SampleRate, seconds(total))
	labels := []string{"[silence]"}
	for i, c := range clips {
		delay := c.Position.Milliseconds()
		fmt.Fprintf(&b, ";[%d:a]asetpts=PTS-STARTPTS", i)
		for _, t := range atempoChain(1 / stretch(c)) {
			fmt.Fprintf(&b, ",atempo=%s", number(t))
		}
		fmt.Fprintf(&b, ",aresample=%d,adelay=%d|%d[a%d]", p.SampleRate, delay, delay, i)
		labels = append(labels, fmt.Sprintf("[a%d]", i))
	}
	fmt.Fprintf(&b, ";%samix=inputs=%d:normalize=0:duration=first[out]", strings.Join(labels, ""), len(labels))
	return b.String()
}

// stretch is the factor a clip's source timestamps are multiplied by to
// fill its timeline duration.
func stretch(c timeline.Clip) float64 {
	src := c.SourceDuration()
	if src <= 0 {
		return 1
	}
	return float64(c.Duration) / float64(src)
}

// atempoChain splits a tempo factor into steps within atempo's accepted
// range of [0.5, 2]. A factor of one needs no filter.
func atempoChain(factor float64) []float64 {
	if factor <= 0 || math.Abs(factor-1) < 1e-9 {
		return nil
	}
	var chain []float64
	for factor > 2 {
		chain = append(chain, 2)
		factor /= 2
	}
	for factor < 0.5 {
		chain = append(chain, 0.5)
		factor /= 0.5
	}
	return append(chain, factor)
}

var blendFilterModes = map[animation.BlendMode]string{
	animation.BlendAdd:        "addition",
	animation.BlendMultiply:   "multiply",
	animation.BlendScreen:     "screen",
	animation.BlendOverlay:    "overlay",
	animation.BlendSoftLight:  "softlight",
	animation.BlendHardLight:  "hardlight",
	animation.BlendColorDodge: "colordodge",
	animation.BlendColorBurn:  "colorburn",
	animation.BlendDifference: "difference",
	animation.BlendExclusion:  "exclusion",
}

// composeArgs builds the final mix. Picture layers stack bottom first
// with their blend mode; audio layers are summed. Animated properties
// are driven by a sendcmd script naming per-layer filter instances.
func composeArgs(plan media.CompositionPlan, p media.Params, output, commandsFile string) (invocation, error) {
	var (
		inv    invocation
		visual []int
		audio  []int
	)
	for i, l := range plan.Layers {
		inv.args = append(inv.args, "-i", l.Path)
		switch {
		case l.Kind == timeline.TrackAudio && !l.Muted:
			audio = append(audio, i)
		case l.Kind != timeline.TrackAudio && !l.Hidden && !p.AudioOnly():
			visual = append(visual, i)
		}
	}
	if len(visual) == 0 && len(audio) == 0 {
		return invocation{}, fmt.Errorf("composition has no audible or visible layers")
	}

	var (
		parts []string
		cmds  commandScript
	)
	if len(visual) > 0 {
		size := fmt.Sprintf("%dx%d", p.Width, p.Height)
		parts = append(parts, fmt.Sprintf("color=c=black:s=%s:r=%s:d=%s,format=yuva444p[canvas]",
			size, number(p.FrameRate), seconds(plan.Duration)))
		prev := "canvas"
		for n, i := range visual {
			l := plan.Layers[i]
			name := fmt.Sprintf("L%d", i)
			parts = append(parts, fmt.Sprintf(
				"[%d:v]format=yuva444p,scale@%s=w=iw*%s:h=ih*%s:eval=frame,rotate@%s=a=%s:c=none:ow=iw:oh=ih,"+
					"colorchannelmixer@%s=aa=%s[l%d]",
				i, name, number(l.Value(animation.PropertyScale, 0)), number(l.Value(animation.PropertyScale, 0)),
				name, number(radians(l.Value(animation.PropertyRotation, 0))),
				name, number(l.Value(animation.PropertyOpacity, 0)), i))
			cmds.layer(name, l, plan.SampleInterval)

			next := fmt.Sprintf("m%d", n)
			if mode, ok := blendFilterModes[l.Blend]; ok {
				parts = append(parts, fmt.Sprintf("[%s][l%d]blend=all_mode=%s:shortest=0[%s]", prev, i, mode, next))
			} else {
				parts = append(parts, fmt.Sprintf("[%s][l%d]overlay@%s=x=%s:y=%s:eof_action=pass[%s]",
					prev, i, name,
					number(l.Value(animation.PropertyPositionX, 0)), number(l.Value(animation.PropertyPositionY, 0)), next))
			}
			prev = next
		}
		parts = append(parts, fmt.Sprintf("[%s]format=yuv420p[vout]", prev))
	}

	if len(audio) > 0 {
		var labels strings.Builder
		for _, i := range audio {
			l := plan.Layers[i]
			name := fmt.Sprintf("A%d", i)
			parts = append(parts, fmt.Sprintf("[%d:a]volume@%s=volume=%s:eval=frame[a%d]",
				i, name, number(l.Value(animation.PropertyVolume, 0)), i))
			cmds.volume(name, l, plan.SampleInterval)
			fmt.Fprintf(&labels, "[a%d]", i)
		}
		parts = append(parts, fmt.Sprintf("%samix=inputs=%d:normalize=0:duration=longest,aresample=%d[aout]",
			labels.String(), len(audio), p.SampleRate))
	}

	graph := strings.Join(parts, ";")
	if !cmds.empty() {
		inv.commands = cmds.String()
		if len(visual) > 0 {
			graph = strings.Replace(graph, "[canvas]", fmt.Sprintf(",sendcmd=f='%s'[canvas]", commandsFile), 1)
		} else {
			graph = strings.Replace(graph, "[aout]", fmt.Sprintf(",asendcmd=f='%s'[aout]", commandsFile), 1)
		}
	}

	inv.args = append(inv.args, "-filter_complex", graph)
	if len(visual) > 0 {
		inv.args = append(inv.args, "-map", "[vout]", "-c:v", p.VideoCodec, "-r", number(p.FrameRate))
		if p.VideoBitrate != "" {
			inv.args = append(inv.args, "-b:v", p.VideoBitrate)
		}
	}
	if len(audio) > 0 {
		inv.args = append(inv.args, "-map", "[aout]", "-c:a", p.AudioCodec, "-ar", strconv.Itoa(p.SampleRate))
		if p.AudioBitrate != "" {
			inv.args = append(inv.args, "-b:a", p.AudioBitrate)
		}
	}
	inv.args = append(inv.args, "-t", seconds(plan.Duration), "-f", muxer(p.Container), "-y", output)
	return inv, nil
}

func muxer(container string) string {
	switch container {
	case "mkv":
		return "matroska"
	case "m4a":
		return "ipod"
	}
	return container
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

// commandScript accumulates sendcmd lines, emitting one line per sample
// whose value changed.
type commandScript struct {
	b strings.Builder
}

func (s *commandScript) empty() bool { return s.b.Len() == 0 }

func (s *commandScript) String() string { return s.b.String() }

func (s *commandScript) emit(at time.Duration, target, option, value string) {
	fmt.Fprintf(&s.b, "%s [enter] %s %s %s;\n", seconds(at), target, option, value)
}

func (s *commandScript) layer(name string, l media.Layer, interval time.Duration) {
	s.property(l, animation.PropertyOpacity, interval, func(at time.Duration, v float64) {
		s.emit(at, "colorchannelmixer@"+name, "aa", number(v))
	})
	s.property(l, animation.PropertyScale, interval, func(at time.Duration, v float64) {
		s.emit(at, "scale@"+name, "w", "iw*"+number(v))
		s.emit(at, "scale@"+name, "h", "ih*"+number(v))
	})
	s.property(l, animation.PropertyRotation, interval, func(at time.Duration, v float64) {
		s.emit(at, "rotate@"+name, "a", number(radians(v)))
	})
	if _, ok := blendFilterModes[l.Blend]; ok {
		return
	}
	s.property(l, animation.PropertyPositionX, interval, func(at time.Duration, v float64) {
		s.emit(at, "overlay@"+name, "x", number(v))
	})
	s.property(l, animation.PropertyPositionY, interval, func(at time.Duration, v float64) {
		s.emit(at, "overlay@"+name, "y", number(v))
	})
}

func (s *commandScript) volume(name string, l media.Layer, interval time.Duration) {
	s.property(l, animation.PropertyVolume, interval, func(at time.Duration, v float64) {
		s.emit(at, "volume@"+name, "volume", number(v))
	})
}

// property calls fn for each sample after the first that differs from
// its predecessor. The first sample is baked into the filter options.
func (s *commandScript) property(l media.Layer, p animation.Property, interval time.Duration, fn func(time.Duration, float64)) {
	vals := l.Samples[p]
	for i := 1; i < len(vals); i++ {
		if vals[i] != vals[i-1] {
			fn(time.Duration(i)*interval, vals[i])
		}
	}
}
