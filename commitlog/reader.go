package commitlog

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/datastreamhq/cascade/event"
	"github.com/rs/zerolog/log"
)

// SegmentPattern matches Cassandra CDC commit-log segment files.
const SegmentPattern = "CommitLog-*.log"

// FilterFunc restricts the stream to monitored tables. A nil filter
// passes everything.
type FilterFunc func(keyspace, table string) bool

// ParseSkip marks a frame (or file remainder) the parser could not decode.
// The pipeline forwards these to observability; they are never fatal.
type ParseSkip struct {
	File     string
	Position int64
	Reason   string
}

// Record is one element of the commit-log stream: either an Event with
// its resumption token, or a ParseSkip marker.
type Record struct {
	Event *Parsed
	Skip  *ParseSkip
}

// Parsed pairs an event with the token that resumes the stream after it.
type Parsed struct {
	Event *event.Event
	Token Token
}

// Reader tails the commit-log directory and emits a restartable stream of
// records. One Reader feeds one pipeline; it is not safe for concurrent
// Open calls.
type Reader struct {
	dir          string
	pollInterval time.Duration
	filter       FilterFunc
	bufferSize   int
}

// NewReader creates a reader over the given cdc_raw directory.
func NewReader(dir string, pollInterval time.Duration, filter FilterFunc, bufferSize int) *Reader {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Reader{
		dir:          dir,
		pollInterval: pollInterval,
		filter:       filter,
		bufferSize:   bufferSize,
	}
}

// Open starts streaming from the given token. A zero token resumes from
// the oldest commit-log file still present, position 0. With a token, all
// frames whose byte range ends at or before the token position are
// dropped. The returned channel closes when ctx is cancelled.
func (r *Reader) Open(ctx context.Context, start Token) (<-chan Record, error) {
	if _, err := os.Stat(r.dir); err != nil {
		return nil, fmt.Errorf("commit-log directory unreachable: %w", err)
	}

	out := make(chan Record, r.bufferSize)
	go r.run(ctx, start, out)
	return out, nil
}

func (r *Reader) run(ctx context.Context, start Token, out chan<- Record) {
	defer close(out)

	curFile := start.File
	curPos := start.Position
	torn := false

	log.Info().
		Str("dir", r.dir).
		Str("start", Token{File: curFile, Position: curPos}.String()).
		Msg("Commit-log reader started")

	for {
		if ctx.Err() != nil {
			return
		}

		files, err := r.listSegments()
		if err != nil {
			log.Error().Err(err).Str("dir", r.dir).Msg("Failed to list commit-log segments")
			if !sleepCtx(ctx, r.pollInterval) {
				return
			}
			continue
		}

		if len(files) == 0 {
			if !sleepCtx(ctx, r.pollInterval) {
				return
			}
			continue
		}

		// Resolve the segment to read. A missing start file means the
		// source expired it; resume from the oldest still present.
		idx := indexOf(files, curFile)
		if curFile == "" || idx < 0 {
			if curFile != "" {
				log.Warn().Str("file", curFile).Msg("Resume segment no longer present, starting from oldest")
			}
			curFile = files[0]
			curPos = 0
			torn = false
			idx = 0
		}

		if !torn {
			newPos, tornNow, err := r.readSegment(ctx, curFile, curPos, out)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error().Err(err).Str("file", curFile).Msg("Error reading commit-log segment")
			}
			curPos = newPos
			torn = tornNow
		}

		// Move to the next segment once one exists; the source only
		// appends to the newest file.
		if idx+1 < len(files) {
			curFile = files[idx+1]
			curPos = 0
			torn = false
			continue
		}

		if !sleepCtx(ctx, r.pollInterval) {
			return
		}
	}
}

// readSegment streams frames from one file starting at pos. Returns the
// position after the last consumed byte and whether framing was lost
// (torn segment: give up on the remainder of this file).
func (r *Reader) readSegment(ctx context.Context, file string, pos int64, out chan<- Record) (int64, bool, error) {
	f, err := os.Open(filepath.Join(r.dir, file))
	if err != nil {
		return pos, false, err
	}
	defer f.Close()

	if pos > 0 {
		if _, err := f.Seek(pos, io.SeekStart); err != nil {
			return pos, false, err
		}
	}

	header := make([]byte, frameHeaderSize)
	for {
		if ctx.Err() != nil {
			return pos, false, ctx.Err()
		}

		n, err := io.ReadFull(f, header)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			// Incomplete header: the segment may still be written to.
			return pos, false, nil
		}
		if err != nil {
			return pos, false, err
		}
		_ = n

		length := binary.BigEndian.Uint32(header[0:4])
		checksum := binary.BigEndian.Uint32(header[4:8])

		if length == 0 || length > MaxFrameSize {
			// Framing is lost; nothing after this point is recoverable.
			end, _ := f.Seek(0, io.SeekEnd)
			if !emit(ctx, out, Record{Skip: &ParseSkip{
				File:     file,
				Position: pos,
				Reason:   fmt.Sprintf("invalid frame length %d, abandoning segment remainder", length),
			}}) {
				return pos, true, ctx.Err()
			}
			return end, true, nil
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(f, payload); err == io.EOF || err == io.ErrUnexpectedEOF {
			// Incomplete payload: wait for the writer to finish the frame.
			return pos, false, nil
		} else if err != nil {
			return pos, false, err
		}

		end := pos + int64(frameHeaderSize) + int64(length)

		if crc32.ChecksumIEEE(payload) != checksum {
			if !emit(ctx, out, Record{Skip: &ParseSkip{
				File:     file,
				Position: pos,
				Reason:   "frame checksum mismatch",
			}}) {
				return pos, false, ctx.Err()
			}
			pos = end
			continue
		}

		ev, err := ParseFrame(file, payload)
		if err != nil {
			if !emit(ctx, out, Record{Skip: &ParseSkip{
				File:     file,
				Position: pos,
				Reason:   err.Error(),
			}}) {
				return pos, false, ctx.Err()
			}
			pos = end
			continue
		}

		if r.filter != nil && !r.filter(ev.Keyspace, ev.Table) {
			pos = end
			continue
		}

		if !emit(ctx, out, Record{Event: &Parsed{
			Event: ev,
			Token: Token{File: file, Position: end},
		}}) {
			return pos, false, ctx.Err()
		}
		pos = end
	}
}

// listSegments returns segment file names sorted oldest first.
func (r *Reader) listSegments() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(r.dir, SegmentPattern))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, filepath.Base(m))
	}
	sort.Strings(names)
	return names, nil
}

func indexOf(files []string, name string) int {
	for i, f := range files {
		if f == name {
			return i
		}
	}
	return -1
}

func emit(ctx context.Context, out chan<- Record, rec Record) bool {
	select {
	case out <- rec:
		return true
	case <-ctx.Done():
		return false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
