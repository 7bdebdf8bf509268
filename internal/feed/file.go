package feed

import (
	"context"
	"fmt"
	"os"

	"photovote/internal/photovote"
)

// FileSource reads the feed document from the local filesystem.
type FileSource struct {
	path string
}

var _ photovote.FeedSource = (*FileSource)(nil)

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Items(context.Context) ([]photovote.FeedItem, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("opening feed file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}
