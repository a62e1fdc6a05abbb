package torrent

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/jackpal/bencode-go"
	"github.com/ztrue/tracerr"

	"peerwire/internal/storage"
)

type bencodeFile struct {
	Length int      `bencode:"length"`
	Path   []string `bencode:"path"`
}

// bencodeInfo is the info dictionary of the torrent file
type bencodeInfo struct {
	Name        string        `bencode:"name"`
	Pieces      string        `bencode:"pieces"`
	Length      int           `bencode:"length"`
	PieceLength int           `bencode:"piece length"`
	Files       []bencodeFile `bencode:"files"`
}

// Bencoded torrent file depackaged to a struct
type bencodeTorrent struct {
	Announce     string      `bencode:"announce"`
	AnnounceList [][]string  `bencode:"announce-list"`
	Info         bencodeInfo `bencode:"info"`
}

// Metainfo is everything the engine needs from a .torrent file.
type Metainfo struct {
	Name         string
	Announce     string
	AnnounceList [][]string
	InfoHash     [20]byte
	PieceHashes  [][20]byte
	PieceLength  int
	Length       int
	// Files is empty for single-file torrents.
	Files []storage.File
}

func Open(path string) (*Metainfo, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	defer file.Close()

	return Parse(file)
}

// Parse reads a bencoded metainfo file. The info hash is taken over the info
// dictionary as it appears in the file, including keys this package ignores.
func Parse(r io.Reader) (*Metainfo, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	infoHash, err := hashInfo(raw)
	if err != nil {
		return nil, err
	}

	var bt bencodeTorrent
	if err := bencode.Unmarshal(bytes.NewReader(raw), &bt); err != nil {
		return nil, tracerr.Errorf("could not unmarshal the torrent file: %v", err)
	}
	return bt.toMetainfo(infoHash)
}

func hashInfo(raw []byte) ([20]byte, error) {
	decoded, err := bencode.Decode(bytes.NewReader(raw))
	if err != nil {
		return [20]byte{}, tracerr.Errorf("could not decode the torrent file: %v", err)
	}
	top, ok := decoded.(map[string]interface{})
	if !ok {
		return [20]byte{}, tracerr.New("torrent file is not a dictionary")
	}
	info, ok := top["info"].(map[string]interface{})
	if !ok {
		return [20]byte{}, tracerr.New("torrent file has no info dictionary")
	}

	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, info); err != nil {
		return [20]byte{}, tracerr.Wrap(err)
	}
	return sha1.Sum(buf.Bytes()), nil
}

func (info *bencodeInfo) splitPieces() ([][20]byte, error) {
	const hashLen = 20

	if len(info.Pieces) == 0 || len(info.Pieces)%hashLen != 0 {
		return nil, fmt.Errorf("pieces are wrongly encoded, length %d not divisible by %d", len(info.Pieces), hashLen)
	}

	hashes := make([][20]byte, len(info.Pieces)/hashLen)
	for i := range hashes {
		copy(hashes[i][:], info.Pieces[i*hashLen:(i+1)*hashLen])
	}
	return hashes, nil
}

func (bt *bencodeTorrent) toMetainfo(infoHash [20]byte) (*Metainfo, error) {
	info := &bt.Info
	if info.Name == "" {
		return nil, tracerr.New("info dictionary has no name")
	}
	if info.PieceLength <= 0 {
		return nil, tracerr.Errorf("invalid piece length %d", info.PieceLength)
	}
	hashes, err := info.splitPieces()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	m := &Metainfo{
		Name:         info.Name,
		Announce:     bt.Announce,
		AnnounceList: bt.AnnounceList,
		InfoHash:     infoHash,
		PieceHashes:  hashes,
		PieceLength:  info.PieceLength,
		Length:       info.Length,
	}

	if len(info.Files) > 0 {
		if info.Length != 0 {
			return nil, tracerr.New("info dictionary has both length and files")
		}
		for _, f := range info.Files {
			if f.Length < 0 || len(f.Path) == 0 {
				return nil, tracerr.Errorf("invalid file entry %v", f.Path)
			}
			m.Files = append(m.Files, storage.File{Path: f.Path, Length: f.Length})
			m.Length += f.Length
		}
	}
	if m.Length <= 0 {
		return nil, tracerr.Errorf("invalid total length %d", m.Length)
	}

	if want := (m.Length + m.PieceLength - 1) / m.PieceLength; want != len(hashes) {
		return nil, tracerr.Errorf("%d piece hashes for %d bytes in pieces of %d", len(hashes), m.Length, m.PieceLength)
	}
	return m, nil
}

func (m *Metainfo) NumPieces() int {
	return len(m.PieceHashes)
}

func (m *Metainfo) IsMultiFile() bool {
	return len(m.Files) > 0
}

func (m *Metainfo) PieceBounds(index int) (begin, end int) {
	begin = index * m.PieceLength
	end = begin + m.PieceLength
	if end > m.Length {
		end = m.Length
	}
	return
}

func (m *Metainfo) PieceSize(index int) int {
	begin, end := m.PieceBounds(index)
	return end - begin
}

// Trackers lists every announce URL once, announce-list tiers first.
func (m *Metainfo) Trackers() []string {
	var urls []string
	for _, tier := range m.AnnounceList {
		for _, u := range tier {
			if u != "" && !slices.Contains(urls, u) {
				urls = append(urls, u)
			}
		}
	}
	if m.Announce != "" && !slices.Contains(urls, m.Announce) {
		urls = append(urls, m.Announce)
	}
	return urls
}

func (m *Metainfo) Layout() storage.Layout {
	return storage.Layout{
		Name:   m.Name,
		Length: m.Length,
		Files:  m.Files,
	}
}
