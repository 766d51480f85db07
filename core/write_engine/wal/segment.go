package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pierrec/lz4/v4"
)

const (
	segmentSuffix = ".wal"
	archiveSuffix = ".wal.lz4"
)

// segmentInfo describes one log segment on disk.
type segmentInfo struct {
	id       uint64
	path     string
	archived bool // lz4-compressed by a checkpoint
}

func segmentPath(dir string, id uint64) string {
	return filepath.Join(dir, strconv.FormatUint(id, 10)+segmentSuffix)
}

// listSegments returns the segments in dir ordered by id. When both the
// plain and the archived form of a segment exist (a crash during archiving),
// the plain file wins.
func listSegments(dir string) ([]segmentInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read log directory %s: %w", dir, err)
	}
	byID := make(map[uint64]segmentInfo)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		var stem string
		archived := false
		switch {
		case strings.HasSuffix(name, archiveSuffix):
			stem, archived = strings.TrimSuffix(name, archiveSuffix), true
		case strings.HasSuffix(name, segmentSuffix):
			stem = strings.TrimSuffix(name, segmentSuffix)
		default:
			continue
		}
		id, err := strconv.ParseUint(stem, 10, 64)
		if err != nil {
			continue
		}
		if prev, ok := byID[id]; ok && !prev.archived {
			continue
		}
		byID[id] = segmentInfo{id: id, path: filepath.Join(dir, name), archived: archived}
	}
	segments := make([]segmentInfo, 0, len(byID))
	for _, s := range byID {
		segments = append(segments, s)
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].id < segments[j].id })
	return segments, nil
}

// segmentReader walks the frames of one segment file.
type segmentReader struct {
	path   string
	file   *os.File
	br     *bufio.Reader
	header segmentHeader
	next   LSN   // LSN expected from the next frame
	offset int64 // bytes of the uncompressed segment consumed so far
}

// openSegment opens path and reads its header. Archived segments are
// decompressed transparently.
func openSegment(path string) (*segmentReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log segment %s: %w", path, err)
	}
	var src io.Reader = f
	if strings.HasSuffix(path, archiveSuffix) {
		src = lz4.NewReader(f)
	}
	sr := &segmentReader{path: path, file: f, br: bufio.NewReaderSize(src, 64<<10)}
	if sr.header, err = readSegmentHeader(sr.br); err != nil {
		f.Close()
		return nil, err
	}
	sr.next = sr.header.baseLSN
	sr.offset = segmentHeaderSize
	return sr, nil
}

// frame reads the next frame and checks that its LSN continues the segment.
// A frame that fails its checksum but is followed by the next frame in
// sequence is corruption, not a torn tail.
func (sr *segmentReader) frame() (frame, error) {
	fr, err := readFrame(sr.br)
	if errors.Is(err, errFrameChecksum) {
		if after, perr := readFrame(sr.br); perr == nil && after.lsn == sr.next+1 {
			return frame{}, fmt.Errorf("%w: %s has a bad checksum at LSN %d followed by valid records", ErrCorruptLog, sr.path, sr.next)
		}
		return frame{}, err
	}
	if err != nil {
		return frame{}, err
	}
	if fr.lsn != sr.next {
		return frame{}, fmt.Errorf("%w: %s has LSN %d where %d was expected", ErrCorruptLog, sr.path, fr.lsn, sr.next)
	}
	sr.next++
	sr.offset += fr.size()
	return fr, nil
}

func (sr *segmentReader) Close() error { return sr.file.Close() }

// segmentScan summarizes a segment without decoding its records.
type segmentScan struct {
	header   segmentHeader
	next     LSN   // LSN following the last valid frame
	valid    int64 // length of the valid prefix in bytes
	size     int64 // file size in bytes
	torn     bool  // the file ends in a torn frame
	noHeader bool  // the file is shorter than a segment header
}

// scanSegment validates every frame of the segment at path.
func scanSegment(path string) (segmentScan, error) {
	info, err := os.Stat(path)
	if err != nil {
		return segmentScan{}, fmt.Errorf("failed to stat log segment %s: %w", path, err)
	}
	sr, err := openSegment(path)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return segmentScan{size: info.Size(), noHeader: true}, nil
	}
	if err != nil {
		return segmentScan{}, err
	}
	defer sr.Close()

	scan := segmentScan{header: sr.header, size: info.Size()}
	for {
		_, err := sr.frame()
		if err == io.EOF {
			break
		}
		if errors.Is(err, errTornRecord) {
			scan.torn = true
			break
		}
		if err != nil {
			return segmentScan{}, err
		}
	}
	scan.next, scan.valid = sr.next, sr.offset
	return scan, nil
}

// archiveSegment compresses a sealed segment into its .wal.lz4 form and
// removes the original.
func archiveSegment(seg segmentInfo) (err error) {
	src, err := os.Open(seg.path)
	if err != nil {
		return fmt.Errorf("failed to open segment %s for archiving: %w", seg.path, err)
	}
	defer src.Close()

	final := strings.TrimSuffix(seg.path, segmentSuffix) + archiveSuffix
	tmp := final + ".tmp"
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create archive %s: %w", tmp, err)
	}
	defer func() {
		if err != nil {
			dst.Close()
			os.Remove(tmp)
		}
	}()

	zw := lz4.NewWriter(dst)
	if _, err = io.Copy(zw, src); err != nil {
		return fmt.Errorf("failed to compress segment %s: %w", seg.path, err)
	}
	if err = zw.Close(); err != nil {
		return fmt.Errorf("failed to finish archive %s: %w", tmp, err)
	}
	if err = dst.Sync(); err != nil {
		return fmt.Errorf("failed to sync archive %s: %w", tmp, err)
	}
	if err = dst.Close(); err != nil {
		return fmt.Errorf("failed to close archive %s: %w", tmp, err)
	}
	if err = os.Rename(tmp, final); err != nil {
		return fmt.Errorf("failed to publish archive %s: %w", final, err)
	}
	return os.Remove(seg.path)
}
