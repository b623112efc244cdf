package blobstore

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/mehsaandev/code-time-machine/internal/diffcodec"
	"github.com/mehsaandev/code-time-machine/internal/hashing"
)

// Archive format:
//
//	gzip stream containing
//	  magic    [4]byte  "CTMB"
//	  version  uint16
//	  count    uint64
//	  entries  count times:
//	    length  uint32   payload byte length
//	    payload          hash[32] kind[1] body
//	    crc     uint32   IEEE CRC-32 of payload
//
// Full bodies are uint32-prefixed raw content; delta bodies are a 32-byte
// base hash followed by a uint32-prefixed encoded script.
const (
	archiveMagic   = "CTMB"
	archiveVersion = 1

	// maxEntryBytes rejects absurd entry lengths before allocation.
	maxEntryBytes = 1 << 30
)

// Archive format errors.
var (
	ErrInvalidMagic       = errors.New("invalid archive magic")
	ErrUnsupportedVersion = errors.New("unsupported archive version")
	ErrCorruptedEntry     = errors.New("corrupted archive entry")
)

var crcTable = crc32.IEEETable

// Serialize writes the whole blob map as one compressed archive.
func (s *Store) Serialize(w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	gz := gzip.NewWriter(w)

	header := make([]byte, 0, 4+2+8)
	header = append(header, archiveMagic...)
	header = binary.BigEndian.AppendUint16(header, archiveVersion)
	header = binary.BigEndian.AppendUint64(header, uint64(len(s.blobs)))
	if _, err := gz.Write(header); err != nil {
		return fmt.Errorf("write archive header: %w", err)
	}

	for _, h := range s.sortedHashes() {
		payload, err := encodeEntry(h, s.blobs[h])
		if err != nil {
			return err
		}
		frame := binary.BigEndian.AppendUint32(nil, uint32(len(payload)))
		frame = append(frame, payload...)
		frame = binary.BigEndian.AppendUint32(frame, crc32.Checksum(payload, crcTable))
		if _, err := gz.Write(frame); err != nil {
			return fmt.Errorf("write archive entry: %w", err)
		}
	}

	if err := gz.Close(); err != nil {
		return fmt.Errorf("close archive stream: %w", err)
	}
	return nil
}

func encodeEntry(h hashing.ContentHash, blob *Blob) ([]byte, error) {
	rawHash, err := hex.DecodeString(string(h))
	if err != nil || len(rawHash) != hashing.HexLength/2 {
		return nil, fmt.Errorf("encode entry: malformed hash %q", h)
	}

	buf := bytes.NewBuffer(make([]byte, 0, 64+len(blob.Content)))
	buf.Write(rawHash)
	buf.WriteByte(byte(blob.Kind))

	switch blob.Kind {
	case KindFull:
		var lenBytes [4]byte
		binary.BigEndian.PutUint32(lenBytes[:], uint32(len(blob.Content)))
		buf.Write(lenBytes[:])
		buf.Write(blob.Content)
	case KindDelta:
		rawBase, err := hex.DecodeString(string(blob.Base))
		if err != nil || len(rawBase) != hashing.HexLength/2 {
			return nil, fmt.Errorf("encode entry: malformed base hash %q", blob.Base)
		}
		script, err := blob.Script.Encode()
		if err != nil {
			return nil, fmt.Errorf("encode entry %s: %w", h.Short(), err)
		}
		buf.Write(rawBase)
		var lenBytes [4]byte
		binary.BigEndian.PutUint32(lenBytes[:], uint32(len(script)))
		buf.Write(lenBytes[:])
		buf.Write(script)
	default:
		return nil, fmt.Errorf("encode entry %s: unknown blob kind %d", h.Short(), blob.Kind)
	}

	return buf.Bytes(), nil
}

// Deserialize replaces the store contents from an archive produced by
// Serialize. A legacy uncompressed JSON archive is migrated transparently;
// anything else fails with ErrInvalidMagic.
func (s *Store) Deserialize(r io.Reader) error {
	br := bufio.NewReader(r)
	head, err := br.Peek(2)
	if err != nil {
		return fmt.Errorf("read archive: %w", err)
	}

	switch {
	case head[0] == 0x1f && head[1] == 0x8b:
		return s.deserializeBinary(br)
	case head[0] == '{':
		return s.deserializeLegacyJSON(br)
	default:
		return fmt.Errorf("%w: leading bytes %x", ErrInvalidMagic, head)
	}
}

func (s *Store) deserializeBinary(r io.Reader) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("open archive stream: %w", err)
	}
	defer gz.Close()

	header := make([]byte, 4+2+8)
	if _, err := io.ReadFull(gz, header); err != nil {
		return fmt.Errorf("read archive header: %w", err)
	}
	if string(header[:4]) != archiveMagic {
		return fmt.Errorf("%w: %q", ErrInvalidMagic, header[:4])
	}
	if v := binary.BigEndian.Uint16(header[4:6]); v != archiveVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	count := binary.BigEndian.Uint64(header[6:])

	blobs := make(map[hashing.ContentHash]*Blob, count)
	samples := make(map[hashing.ContentHash]lineSample)

	var frame [4]byte
	for i := uint64(0); i < count; i++ {
		if _, err := io.ReadFull(gz, frame[:]); err != nil {
			return fmt.Errorf("%w: entry %d length: %v", ErrCorruptedEntry, i, err)
		}
		length := binary.BigEndian.Uint32(frame[:])
		if length == 0 || length > maxEntryBytes {
			return fmt.Errorf("%w: entry %d has length %d", ErrCorruptedEntry, i, length)
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(gz, payload); err != nil {
			return fmt.Errorf("%w: entry %d payload: %v", ErrCorruptedEntry, i, err)
		}
		if _, err := io.ReadFull(gz, frame[:]); err != nil {
			return fmt.Errorf("%w: entry %d checksum: %v", ErrCorruptedEntry, i, err)
		}
		if crc32.Checksum(payload, crcTable) != binary.BigEndian.Uint32(frame[:]) {
			return fmt.Errorf("%w: entry %d checksum mismatch", ErrCorruptedEntry, i)
		}

		h, blob, err := decodeEntry(payload)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrCorruptedEntry, i, err)
		}
		blobs[h] = blob
		if blob.Kind == KindFull {
			samples[h] = sampleLineSet(blob.Content)
		}
	}

	s.mu.Lock()
	s.blobs = blobs
	s.samples = samples
	s.mu.Unlock()
	return nil
}

func decodeEntry(payload []byte) (hashing.ContentHash, *Blob, error) {
	const rawHashLen = hashing.HexLength / 2
	if len(payload) < rawHashLen+1 {
		return "", nil, errors.New("entry too short")
	}
	h := hashing.ContentHash(hex.EncodeToString(payload[:rawHashLen]))
	kind := BlobKind(payload[rawHashLen])
	body := payload[rawHashLen+1:]

	switch kind {
	case KindFull:
		if len(body) < 4 {
			return "", nil, errors.New("truncated content length")
		}
		length := binary.BigEndian.Uint32(body[:4])
		body = body[4:]
		if uint32(len(body)) != length {
			return "", nil, fmt.Errorf("content length %d does not match body %d", length, len(body))
		}
		content := make([]byte, length)
		copy(content, body)
		return h, &Blob{Kind: KindFull, Content: content}, nil

	case KindDelta:
		if len(body) < rawHashLen+4 {
			return "", nil, errors.New("truncated delta body")
		}
		base := hashing.ContentHash(hex.EncodeToString(body[:rawHashLen]))
		length := binary.BigEndian.Uint32(body[rawHashLen : rawHashLen+4])
		body = body[rawHashLen+4:]
		if uint32(len(body)) != length {
			return "", nil, fmt.Errorf("script length %d does not match body %d", length, len(body))
		}
		script, err := diffcodec.Decode(body)
		if err != nil {
			return "", nil, err
		}
		return h, &Blob{Kind: KindDelta, Base: base, Script: script}, nil

	default:
		return "", nil, fmt.Errorf("unknown blob kind %d", kind)
	}
}

// legacyBlob is the retired uncompressed JSON archive entry. Entries with a
// base hash are deltas; the rest carry full content inline.
type legacyBlob struct {
	Content string          `json:"content,omitempty"`
	Base    string          `json:"base,omitempty"`
	Script  json.RawMessage `json:"script,omitempty"`
}

// deserializeLegacyJSON migrates the retired JSON layout in one pass. The
// next Serialize call rewrites the archive in the current format.
func (s *Store) deserializeLegacyJSON(r io.Reader) error {
	var legacy map[string]legacyBlob
	if err := json.NewDecoder(r).Decode(&legacy); err != nil {
		return fmt.Errorf("parse legacy archive: %w", err)
	}

	blobs := make(map[hashing.ContentHash]*Blob, len(legacy))
	samples := make(map[hashing.ContentHash]lineSample)

	for key, entry := range legacy {
		h := hashing.ContentHash(key)
		if !h.Valid() {
			return fmt.Errorf("%w: legacy key %q", ErrCorruptedEntry, key)
		}
		if entry.Base != "" {
			base := hashing.ContentHash(entry.Base)
			if !base.Valid() {
				return fmt.Errorf("%w: legacy base %q", ErrCorruptedEntry, entry.Base)
			}
			script, err := diffcodec.Decode(entry.Script)
			if err != nil {
				return fmt.Errorf("%w: legacy script for %s: %v", ErrCorruptedEntry, h.Short(), err)
			}
			blobs[h] = &Blob{Kind: KindDelta, Base: base, Script: script}
			continue
		}
		content := []byte(entry.Content)
		blobs[h] = &Blob{Kind: KindFull, Content: content}
		samples[h] = sampleLineSet(content)
	}

	s.mu.Lock()
	s.blobs = blobs
	s.samples = samples
	s.mu.Unlock()

	s.log.Info("migrated legacy blob archive", "blobs", len(blobs))
	return nil
}

type countingWriter struct {
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

// SerializedSize returns the compressed archive size the store would occupy
// on disk right now. Retention decisions compare this against the size cap.
func (s *Store) SerializedSize() (int64, error) {
	var counter countingWriter
	if err := s.Serialize(&counter); err != nil {
		return 0, err
	}
	return counter.n, nil
}
