// Package trackio reads and writes track files.
//
// Two layouts are supported. The simulation layout has one track per line
// and three numbers (x y z) per hit. The log layout starts with a header line
// and has four numbers per hit, the first of which is a hit identifier that
// is dropped; hits 1 and 2 of every log track are swapped after parsing so
// that the index order matches the layer order of the simulation layout.
package trackio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/banshee-data/align/internal/fsutil"
	"github.com/banshee-data/align/internal/geometry"
)

// Format selects a track file layout.
type Format string

const (
	FormatSim Format = "sim"
	FormatLog Format = "log"
)

// ErrMalformedLine is returned for a line whose field count does not divide
// into whole hits or that contains a non-numeric field.
var ErrMalformedLine = errors.New("malformed track line")

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatSim, FormatLog:
		return f, nil
	}
	return "", fmt.Errorf("unknown track format %q (want %q or %q)", s, FormatSim, FormatLog)
}

func (f Format) fieldsPerHit() int {
	if f == FormatLog {
		return 4
	}
	return 3
}

// Read parses every track in r. Blank lines are skipped; the first line of a
// log file is always treated as a header.
func Read(r io.Reader, format Format) ([]geometry.Track, error) {
	if _, err := ParseFormat(string(format)); err != nil {
		return nil, err
	}
	per := format.fieldsPerHit()

	var tracks []geometry.Track
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if format == FormatLog && lineNo == 1 {
			continue
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields)%per != 0 {
			return nil, fmt.Errorf("%w: line %d has %d fields, want a multiple of %d", ErrMalformedLine, lineNo, len(fields), per)
		}

		t := make(geometry.Track, 0, len(fields)/per)
		for k := 0; k < len(fields); k += per {
			var v [3]float64
			for c := range v {
				f, err := strconv.ParseFloat(fields[k+per-3+c], 64)
				if err != nil {
					return nil, fmt.Errorf("%w: line %d field %d: %v", ErrMalformedLine, lineNo, k+per-3+c+1, err)
				}
				v[c] = f
			}
			t = append(t, geometry.Point3{X: v[0], Y: v[1], Z: v[2]})
		}
		if format == FormatLog && len(t) > 2 {
			t[1], t[2] = t[2], t[1]
		}
		tracks = append(tracks, t)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read tracks: %w", err)
	}
	return tracks, nil
}

// LoadFile reads a track file from fsys.
func LoadFile(fsys fsutil.FileSystem, path string, format Format) ([]geometry.Track, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open track file: %w", err)
	}
	defer f.Close()
	tracks, err := Read(f, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tracks, nil
}

// Write emits tracks in the simulation layout.
func Write(w io.Writer, tracks []geometry.Track) error {
	bw := bufio.NewWriter(w)
	for _, t := range tracks {
		for i, p := range t {
			if i > 0 {
				bw.WriteByte(' ')
			}
			bw.WriteString(strconv.FormatFloat(p.X, 'g', -1, 64))
			bw.WriteByte(' ')
			bw.WriteString(strconv.FormatFloat(p.Y, 'g', -1, 64))
			bw.WriteByte(' ')
			bw.WriteString(strconv.FormatFloat(p.Z, 'g', -1, 64))
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// SaveFile writes tracks to path in the simulation layout.
func SaveFile(fsys fsutil.FileSystem, path string, tracks []geometry.Track) error {
	f, err := fsys.Create(path)
	if err != nil {
		return fmt.Errorf("create track file: %w", err)
	}
	if err := Write(f, tracks); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
