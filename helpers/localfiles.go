// Package helpers provides ready-made Source and logging-hook
// implementations for common pipeline setups: reading a directory of
// files, and shipping error records to Elasticsearch.
package helpers

import (
	"context"
	"io/fs"
	"path/filepath"
	"sort"

	"github.com/hexlabs/pipeline/pipeline"
	"github.com/hexlabs/pipeline/item"
)

var _ pipeline.Source = (*LocalFilesSource)(nil)

// LocalFilesSource walks Root and yields one Item per regular file
// whose extension matches Extension, in lexical path order. Extension
// empty means every regular file matches. Each Item's Payload carries
// the file's path under "path", and its ID is the file's base name.
type LocalFilesSource struct {
	Root      string
	Extension string

	paths   []string
	scanned bool
	pos     int
	cur     *item.Item
	err     error
}

func (s *LocalFilesSource) scan() {
	s.scanned = true
	err := filepath.WalkDir(s.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if s.Extension != "" && filepath.Ext(path) != s.Extension {
			return nil
		}
		s.paths = append(s.paths, path)
		return nil
	})
	if err != nil {
		s.err = err
		return
	}
	sort.Strings(s.paths)
}

// Next implements pipeline.Source.
func (s *LocalFilesSource) Next(context.Context) bool {
	if !s.scanned {
		s.scan()
	}
	if s.err != nil || s.pos >= len(s.paths) {
		return false
	}
	path := s.paths[s.pos]
	it := item.New(filepath.Base(path))
	it.Payload["path"] = path
	s.cur = it
	s.pos++
	return true
}

// Item implements pipeline.Source.
func (s *LocalFilesSource) Item() *item.Item { return s.cur }

// Error implements pipeline.Source.
func (s *LocalFilesSource) Error() error { return s.err }
