package storage

// File is one entry of a multi-file torrent, in content order.
type File struct {
	Path   []string
	Length int
}

// Layout describes how the assembled content maps onto files. A layout
// without Files is a single file called Name.
type Layout struct {
	Name   string
	Length int
	Files  []File
}

func (l Layout) IsMultiFile() bool {
	return len(l.Files) > 0
}

// Sink receives the assembled content once every piece is verified.
// This allows swapping the disk for memory in tests.
type Sink interface {
	Store(layout Layout, content []byte) error
}
