package connector

import (
	"bufio"
	"context"
	"encoding/json"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/teranos/leakhunter/am"
	"github.com/teranos/leakhunter/errors"
	"github.com/teranos/leakhunter/finding"
)

// maxLineBytes bounds one NDJSON record
const maxLineBytes = 4 << 20

var directoryExts = map[string]bool{".ndjson": true, ".jsonl": true}

// Directory ingests NDJSON exports dropped into a local directory.
// Each file is a container; each line is one RawItem. Missing platform,
// container and item id fields are filled from the configuration, the file
// name and the line number.
type Directory struct {
	path     string
	platform string
}

// NewDirectory returns a directory connector
func NewDirectory(cfg am.DirectoryConfig) *Directory {
	platform := cfg.Platform
	if platform == "" {
		platform = "file"
	}
	return &Directory{path: cfg.Path, platform: platform}
}

func (d *Directory) Name() string { return "directory" }

func (d *Directory) Containers(context.Context) ([]finding.Container, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, errors.Wrapf(err, "read directory %s", d.path)
	}
	var out []finding.Container
	for _, e := range entries {
		if e.IsDir() || !directoryExts[filepath.Ext(e.Name())] {
			continue
		}
		out = append(out, finding.Container{
			ID:   strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())),
			Name: e.Name(),
			Type: "file",
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Fetch reads c's file. A file not modified since since is skipped entirely;
// otherwise records older than since are skipped individually.
func (d *Directory) Fetch(ctx context.Context, c finding.Container, since time.Time) iter.Seq2[finding.RawItem, error] {
	name := c.Name
	if name == "" {
		name = c.ID + ".ndjson"
	}
	p := filepath.Join(d.path, filepath.Base(name))

	return func(yield func(finding.RawItem, error) bool) {
		f, err := os.Open(p)
		if err != nil {
			yield(finding.RawItem{}, errors.Wrapf(err, "open %s", p))
			return
		}
		defer f.Close()

		st, err := f.Stat()
		if err != nil {
			yield(finding.RawItem{}, errors.Wrapf(err, "stat %s", p))
			return
		}
		mtime := st.ModTime().UTC()
		if !since.IsZero() && mtime.Before(since) {
			return
		}

		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 64*1024), maxLineBytes)
		line := 0
		for sc.Scan() {
			line++
			if err := ctx.Err(); err != nil {
				yield(finding.RawItem{}, err)
				return
			}
			raw := strings.TrimSpace(sc.Text())
			if raw == "" {
				continue
			}
			var it finding.RawItem
			if err := json.Unmarshal([]byte(raw), &it); err != nil {
				yield(finding.RawItem{}, errors.Wrapf(err, "%s line %d", p, line))
				return
			}
			if it.Platform == "" {
				it.Platform = d.platform
			}
			if it.Container.ID == "" {
				it.Container = c
			}
			if it.ItemID == "" {
				it.ItemID = c.ID + ":" + strconv.Itoa(line)
			}
			if it.ObservedAt.IsZero() {
				it.ObservedAt = mtime
			}
			if !since.IsZero() && it.ObservedAt.Before(since) {
				continue
			}
			if !yield(it, nil) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield(finding.RawItem{}, errors.Wrapf(err, "read %s", p))
		}
	}
}
