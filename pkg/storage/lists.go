package storage

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
)

// Chunked list layout constants. A small list lives inside a chunk that
// packs up to ListsPerChunk lists and ChunkCapacityElements elements; a
// larger list spans its own chain of pages recorded in the lists metadata.
const (
	SmallListCapacity     = 32
	ListsPerChunk         = 512
	ChunkCapacityElements = 2048
)

// List headers are packed u64s. Bit 63 marks a large list whose low bits
// index into the metadata page chains; small lists pack
// size<<48 | chunkIdx<<16 | posInChunk.
const largeListFlag = uint64(1) << 63

// SmallListHeader packs a small-list header
func SmallListHeader(size uint64, chunkIdx uint64, posInChunk int) uint64 {
	return size<<48 | chunkIdx<<16 | uint64(posInChunk)
}

// LargeListHeader packs a large-list header
func LargeListHeader(largeListIdx uint64) uint64 {
	return largeListFlag | largeListIdx
}

// IsLargeListHeader reports whether header describes a large list
func IsLargeListHeader(header uint64) bool {
	return header&largeListFlag != 0
}

// DecodeSmallListHeader unpacks (size, chunkIdx, posInChunk)
func DecodeSmallListHeader(header uint64) (uint64, uint64, int) {
	return header >> 48, (header >> 16) & 0xFFFFFFFF, int(header & 0xFFFF)
}

// DecodeLargeListHeader unpacks the metadata list index
func DecodeLargeListHeader(header uint64) uint64 {
	return header &^ largeListFlag
}

// ListPlacement assigns every source offset a slot in the two-level list
// layout. It is computed from the counted list sizes before any element is
// placed; placement is best-fit by remaining element capacity over open
// chunks and a list never splits across chunks.
type ListPlacement struct {
	Headers    []uint64
	ChunkUsed  []int
	LargeSizes []uint64
}

// BuildListPlacement computes the placement for the given per-offset sizes
func BuildListPlacement(listSizes []uint64) *ListPlacement {
	p := &ListPlacement{Headers: make([]uint64, len(listSizes))}
	chunkLists := []int{}
	for offset, size := range listSizes {
		if size > SmallListCapacity {
			p.Headers[offset] = LargeListHeader(uint64(len(p.LargeSizes)))
			p.LargeSizes = append(p.LargeSizes, size)
			continue
		}
		chunk := -1
		for c := range p.ChunkUsed {
			if chunkLists[c] >= ListsPerChunk {
				continue
			}
			remaining := ChunkCapacityElements - p.ChunkUsed[c]
			if remaining < int(size) {
				continue
			}
			if chunk < 0 || remaining < ChunkCapacityElements-p.ChunkUsed[chunk] {
				chunk = c
			}
		}
		if chunk < 0 {
			chunk = len(p.ChunkUsed)
			p.ChunkUsed = append(p.ChunkUsed, 0)
			chunkLists = append(chunkLists, 0)
		}
		p.Headers[offset] = SmallListHeader(size, uint64(chunk), p.ChunkUsed[chunk])
		p.ChunkUsed[chunk] += int(size)
		chunkLists[chunk]++
	}
	return p
}

// ListsMetadata describes where the elements of each list live inside one
// list file: the per-offset element counts, the pages backing each chunk,
// and the page chains of large lists. Adjacency list files also record the
// neighbor id compression widths here so readers reuse them.
type ListsMetadata struct {
	NumElementsPerList []uint64
	ChunkPageLists     [][]uint64
	LargeListPageLists [][]uint64
	Compression        NodeIDCompression
}

// TotalElements returns the summed list sizes
func (m *ListsMetadata) TotalElements() uint64 {
	var total uint64
	for _, n := range m.NumElementsPerList {
		total += n
	}
	return total
}

// InMemLists builds one list file in memory during bulk load. All list
// files of a rel direction share one placement; each file maps chunk and
// chain element indexes onto its own pages according to its element size.
type InMemLists struct {
	path      string
	elemSize  int
	perPage   int
	placement *ListPlacement
	meta      *ListsMetadata
	pages     [][]byte
}

// NewInMemLists creates an in-memory list file for the given placement
func NewInMemLists(path string, elemSize int, listSizes []uint64, placement *ListPlacement) *InMemLists {
	l := &InMemLists{
		path:      path,
		elemSize:  elemSize,
		perPage:   ElementsPerPage(elemSize, false),
		placement: placement,
		meta: &ListsMetadata{
			NumElementsPerList: append([]uint64(nil), listSizes...),
			ChunkPageLists:     make([][]uint64, len(placement.ChunkUsed)),
			LargeListPageLists: make([][]uint64, len(placement.LargeSizes)),
		},
	}
	for c, used := range placement.ChunkUsed {
		l.meta.ChunkPageLists[c] = l.appendPages((used + l.perPage - 1) / l.perPage)
	}
	for i, size := range placement.LargeSizes {
		l.meta.LargeListPageLists[i] = l.appendPages((int(size) + l.perPage - 1) / l.perPage)
	}
	return l
}

func (l *InMemLists) appendPages(n int) []uint64 {
	pageIdxs := make([]uint64, n)
	for i := range pageIdxs {
		pageIdxs[i] = uint64(len(l.pages))
		l.pages = append(l.pages, make([]byte, PageSize))
	}
	return pageIdxs
}

// Path returns the list file path
func (l *InMemLists) Path() string { return l.path }

// Metadata returns the metadata under construction
func (l *InMemLists) Metadata() *ListsMetadata { return l.meta }

// SetElement places val at position posInList of the list owned by offset
func (l *InMemLists) SetElement(offset uint64, posInList uint64, val []byte) error {
	header := l.placement.Headers[offset]
	var pageIdx uint64
	var posInPage int
	if IsLargeListHeader(header) {
		chain := l.meta.LargeListPageLists[DecodeLargeListHeader(header)]
		if posInList >= uint64(len(chain))*uint64(l.perPage) {
			return &InternalError{Msg: fmt.Sprintf("list position %d beyond chain of %d pages", posInList, len(chain))}
		}
		pageIdx = chain[posInList/uint64(l.perPage)]
		posInPage = int(posInList % uint64(l.perPage))
	} else {
		size, chunkIdx, posInChunk := DecodeSmallListHeader(header)
		if posInList >= size {
			return &InternalError{Msg: fmt.Sprintf("list position %d beyond counted size %d", posInList, size)}
		}
		elemIdx := uint64(posInChunk) + posInList
		pageIdx = l.meta.ChunkPageLists[chunkIdx][elemIdx/uint64(l.perPage)]
		posInPage = int(elemIdx % uint64(l.perPage))
	}
	copy(l.pages[pageIdx][posInPage*l.elemSize:(posInPage+1)*l.elemSize], val)
	return nil
}

// ListSize returns the counted size of the list owned by offset
func (l *InMemLists) ListSize(offset uint64) uint64 {
	return l.meta.NumElementsPerList[offset]
}

// MutableElement returns the live bytes of one placed element. Used by the
// overflow sort pass to rewrite string pointers in place.
func (l *InMemLists) MutableElement(offset uint64, posInList uint64) []byte {
	header := l.placement.Headers[offset]
	var pageIdx uint64
	var posInPage int
	if IsLargeListHeader(header) {
		chain := l.meta.LargeListPageLists[DecodeLargeListHeader(header)]
		pageIdx = chain[posInList/uint64(l.perPage)]
		posInPage = int(posInList % uint64(l.perPage))
	} else {
		_, chunkIdx, posInChunk := DecodeSmallListHeader(header)
		elemIdx := uint64(posInChunk) + posInList
		pageIdx = l.meta.ChunkPageLists[chunkIdx][elemIdx/uint64(l.perPage)]
		posInPage = int(elemIdx % uint64(l.perPage))
	}
	return l.pages[pageIdx][posInPage*l.elemSize : (posInPage+1)*l.elemSize]
}

// SaveToFile writes the data pages, the headers sibling and the metadata
// sibling, fsyncing each.
func (l *InMemLists) SaveToFile() error {
	if err := savePages(l.path, l.pages); err != nil {
		return err
	}
	if err := saveListHeaders(ListHeadersPath(l.path), l.placement.Headers); err != nil {
		return err
	}
	return saveListsMetadata(ListMetadataPath(l.path), l.meta)
}

// SaveToShadowFiles writes the rebuilt lists into the shadow files of the
// primary and each sibling, for the replayer to rename at checkpoint.
func (l *InMemLists) SaveToShadowFiles() error {
	if err := savePages(ShadowPath(l.path), l.pages); err != nil {
		return err
	}
	if err := saveListHeaders(ShadowPath(ListHeadersPath(l.path)), l.placement.Headers); err != nil {
		return err
	}
	return saveListsMetadata(ShadowPath(ListMetadataPath(l.path)), l.meta)
}

// Sibling file naming for list and column files. The WAL replayer renames
// or removes these together with their primary.

// OverflowPath returns the overflow sibling of a column or list file
func OverflowPath(primary string) string { return primary + ".ovf" }

// ListMetadataPath returns the metadata sibling of a list file
func ListMetadataPath(primary string) string { return primary + ".metadata" }

// ListHeadersPath returns the headers sibling of a list file
func ListHeadersPath(primary string) string { return primary + ".headers" }

func saveListHeaders(path string, headers []uint64) error {
	file, err := os.Create(path)
	if err != nil {
		return &IOError{Path: path, Op: "create", Err: err}
	}
	defer file.Close()
	w := bufio.NewWriter(file)
	if err := WriteFileHeader(w); err != nil {
		return &IOError{Path: path, Op: "write header", Err: err}
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(headers))); err != nil {
		return &IOError{Path: path, Op: "write", Err: err}
	}
	if err := binary.Write(w, binary.LittleEndian, headers); err != nil {
		return &IOError{Path: path, Op: "write", Err: err}
	}
	if err := w.Flush(); err != nil {
		return &IOError{Path: path, Op: "flush", Err: err}
	}
	return file.Sync()
}

// LoadListHeaders reads a saved headers sibling
func LoadListHeaders(path string) ([]uint64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &IOError{Path: path, Op: "read", Err: err}
	}
	payload, err := ReadFileHeader(raw)
	if err != nil {
		return nil, &IOError{Path: path, Op: "decode", Err: err}
	}
	count := binary.LittleEndian.Uint64(payload[:8])
	headers := make([]uint64, count)
	for i := range headers {
		headers[i] = binary.LittleEndian.Uint64(payload[8+i*8:])
	}
	return headers, nil
}

func saveListsMetadata(path string, meta *ListsMetadata) error {
	file, err := os.Create(path)
	if err != nil {
		return &IOError{Path: path, Op: "create", Err: err}
	}
	defer file.Close()
	w := bufio.NewWriter(file)
	if err := WriteFileHeader(w); err != nil {
		return &IOError{Path: path, Op: "write header", Err: err}
	}
	write := func(v interface{}) {
		if err == nil {
			err = binary.Write(w, binary.LittleEndian, v)
		}
	}
	write([]uint8{meta.Compression.BytesPerTable, meta.Compression.BytesPerOffset})
	write(uint64(len(meta.NumElementsPerList)))
	write(meta.NumElementsPerList)
	writePageLists := func(lists [][]uint64) {
		write(uint64(len(lists)))
		for _, pages := range lists {
			write(uint64(len(pages)))
			write(pages)
		}
	}
	writePageLists(meta.ChunkPageLists)
	writePageLists(meta.LargeListPageLists)
	if err != nil {
		return &IOError{Path: path, Op: "write", Err: err}
	}
	if err := w.Flush(); err != nil {
		return &IOError{Path: path, Op: "flush", Err: err}
	}
	return file.Sync()
}

// LoadListsMetadata reads a saved metadata sibling
func LoadListsMetadata(path string) (*ListsMetadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &IOError{Path: path, Op: "read", Err: err}
	}
	payload, err := ReadFileHeader(raw)
	if err != nil {
		return nil, &IOError{Path: path, Op: "decode", Err: err}
	}
	meta := &ListsMetadata{}
	pos := 0
	readU64 := func() uint64 {
		v := binary.LittleEndian.Uint64(payload[pos:])
		pos += 8
		return v
	}
	meta.Compression = NodeIDCompression{BytesPerTable: payload[0], BytesPerOffset: payload[1]}
	pos = 2
	numLists := readU64()
	meta.NumElementsPerList = make([]uint64, numLists)
	for i := range meta.NumElementsPerList {
		meta.NumElementsPerList[i] = readU64()
	}
	readPageLists := func() [][]uint64 {
		lists := make([][]uint64, readU64())
		for i := range lists {
			lists[i] = make([]uint64, readU64())
			for j := range lists[i] {
				lists[i][j] = readU64()
			}
		}
		return lists
	}
	meta.ChunkPageLists = readPageLists()
	meta.LargeListPageLists = readPageLists()
	return meta, nil
}

// Lists reads a saved list file through the buffer manager
type Lists struct {
	file     *PagedFile
	bm       *BufferManager
	elemSize int
	perPage  int
	headers  []uint64
	meta     *ListsMetadata
}

// OpenLists opens a saved list file together with its headers and metadata
func OpenLists(path string, elemSize int, bm *BufferManager) (*Lists, error) {
	headers, err := LoadListHeaders(ListHeadersPath(path))
	if err != nil {
		return nil, err
	}
	meta, err := LoadListsMetadata(ListMetadataPath(path))
	if err != nil {
		return nil, err
	}
	file, err := OpenPagedFile(path)
	if err != nil {
		return nil, err
	}
	return &Lists{
		file:     file,
		bm:       bm,
		elemSize: elemSize,
		perPage:  ElementsPerPage(elemSize, false),
		headers:  headers,
		meta:     meta,
	}, nil
}

// Metadata returns the loaded lists metadata
func (l *Lists) Metadata() *ListsMetadata { return l.meta }

// ListSize returns the number of elements in the list owned by offset
func (l *Lists) ListSize(offset uint64) uint64 {
	if offset >= uint64(len(l.meta.NumElementsPerList)) {
		return 0
	}
	return l.meta.NumElementsPerList[offset]
}

// ReadList returns every element of the list owned by offset
func (l *Lists) ReadList(offset uint64) ([][]byte, error) {
	if offset >= uint64(len(l.headers)) {
		return nil, nil
	}
	header := l.headers[offset]
	size := l.ListSize(offset)
	out := make([][]byte, 0, size)
	if size == 0 {
		return out, nil
	}

	var locate func(posInList uint64) (uint64, int)
	if IsLargeListHeader(header) {
		chain := l.meta.LargeListPageLists[DecodeLargeListHeader(header)]
		locate = func(posInList uint64) (uint64, int) {
			return chain[posInList/uint64(l.perPage)], int(posInList % uint64(l.perPage))
		}
	} else {
		_, chunkIdx, posInChunk := DecodeSmallListHeader(header)
		pages := l.meta.ChunkPageLists[chunkIdx]
		locate = func(posInList uint64) (uint64, int) {
			elemIdx := uint64(posInChunk) + posInList
			return pages[elemIdx/uint64(l.perPage)], int(elemIdx % uint64(l.perPage))
		}
	}

	for pos := uint64(0); pos < size; pos++ {
		pageIdx, posInPage := locate(pos)
		frame, err := l.bm.Pin(l.file, pageIdx)
		if err != nil {
			return nil, err
		}
		frame.Latch.RLock()
		elem := make([]byte, l.elemSize)
		copy(elem, frame.Data[posInPage*l.elemSize:])
		frame.Latch.RUnlock()
		l.bm.Unpin(frame, false)
		out = append(out, elem)
	}
	return out, nil
}

// Close closes the underlying file
func (l *Lists) Close() error {
	if err := l.bm.EvictFile(l.file); err != nil {
		return err
	}
	return l.file.Close()
}

// AdjLists reads a saved adjacency list file, decoding neighbor ids with
// the compression recorded in the metadata.
type AdjLists struct {
	lists       *Lists
	singleTable TableID
}

// OpenAdjLists opens a saved adjacency list file. singleTable is used when
// the recorded compression stores no table bytes.
func OpenAdjLists(path string, singleTable TableID, bm *BufferManager) (*AdjLists, error) {
	meta, err := LoadListsMetadata(ListMetadataPath(path))
	if err != nil {
		return nil, err
	}
	lists, err := OpenLists(path, meta.Compression.TotalBytes(), bm)
	if err != nil {
		return nil, err
	}
	return &AdjLists{lists: lists, singleTable: singleTable}, nil
}

// ListSize returns the number of neighbors of the bound node at offset
func (a *AdjLists) ListSize(offset uint64) uint64 { return a.lists.ListSize(offset) }

// Metadata returns the loaded lists metadata
func (a *AdjLists) Metadata() *ListsMetadata { return a.lists.meta }

// ReadList returns the neighbors of the bound node at offset
func (a *AdjLists) ReadList(offset uint64) ([]NodeID, error) {
	elems, err := a.lists.ReadList(offset)
	if err != nil {
		return nil, err
	}
	out := make([]NodeID, len(elems))
	for i, elem := range elems {
		out[i] = a.lists.meta.Compression.Decode(elem, a.singleTable)
	}
	return out, nil
}

// Close closes the underlying lists
func (a *AdjLists) Close() error { return a.lists.Close() }

// InMemAdjLists builds an adjacency list file, encoding neighbor ids with
// the chosen compression.
type InMemAdjLists struct {
	lists       *InMemLists
	compression NodeIDCompression
}

// NewInMemAdjLists creates an in-memory adjacency list file
func NewInMemAdjLists(path string, compression NodeIDCompression, listSizes []uint64, placement *ListPlacement) *InMemAdjLists {
	l := NewInMemLists(path, compression.TotalBytes(), listSizes, placement)
	l.meta.Compression = compression
	return &InMemAdjLists{lists: l, compression: compression}
}

// SetRel places nbr at position posInList of the bound node's list
func (a *InMemAdjLists) SetRel(offset uint64, posInList uint64, nbr NodeID) error {
	buf := make([]byte, a.compression.TotalBytes())
	a.compression.Encode(nbr, buf)
	return a.lists.SetElement(offset, posInList, buf)
}

// SaveToFile writes the data pages and both siblings
func (a *InMemAdjLists) SaveToFile() error { return a.lists.SaveToFile() }

// SaveToShadowFiles writes the rebuilt lists into shadow files
func (a *InMemAdjLists) SaveToShadowFiles() error { return a.lists.SaveToShadowFiles() }
