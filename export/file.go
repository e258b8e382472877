package export

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/teranos/leakhunter/am"
	"github.com/teranos/leakhunter/errors"
	"github.com/teranos/leakhunter/internal/util"
)

// File appends events to one NDJSON file per UTC day in a directory
type File struct {
	dir   string
	clock util.Clock
	mu    sync.Mutex
}

// NewFile returns a file client writing under dir
func NewFile(cfg am.FileConfig, clock util.Clock) *File {
	return &File{dir: cfg.Dir, clock: clock.OrSystem()}
}

func (f *File) Name() string { return am.ExportModeFile }

// Path is the file the next Send appends to
func (f *File) Path() string {
	return filepath.Join(f.dir, "leakhunter_export_"+f.clock().UTC().Format("20060102")+".ndjson")
}

func (f *File) Send(ctx context.Context, events []map[string]any) (SendResult, error) {
	if len(events) == 0 {
		return SendResult{}, nil
	}
	if err := ctx.Err(); err != nil {
		return SendResult{}, err
	}
	vals := make([]any, len(events))
	for i, ev := range events {
		vals[i] = ev
	}
	body, err := ndjson(vals...)
	if err != nil {
		return SendResult{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.MkdirAll(f.dir, am.DefaultDirPermissions); err != nil {
		return SendResult{}, errors.Wrapf(err, "create export dir %s", f.dir)
	}
	path := f.Path()
	out, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, am.DefaultFilePermissions)
	if err != nil {
		return SendResult{}, errors.Wrapf(err, "open %s", path)
	}
	if _, err := out.Write(body); err != nil {
		out.Close()
		return SendResult{}, errors.Wrapf(err, "write %s", path)
	}
	if err := out.Close(); err != nil {
		return SendResult{}, errors.Wrapf(err, "close %s", path)
	}
	return SendResult{Sent: len(events)}, nil
}
