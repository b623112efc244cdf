// Package blobstore implements the content-addressed storage layer.
//
// Every stored unit is addressed by the full-width fingerprint of its
// content. A blob is either Full (raw bytes) or Delta (a base fingerprint
// plus an edit script that rebuilds the content from the base). New content
// is delta-encoded against the most similar existing Full blob when the
// similarity heuristic and the codec's size budget both clear; otherwise it
// is stored whole. Unreferenced blobs are reclaimed by mark-and-sweep
// garbage collection over the live-set closure.
package blobstore

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zeebo/xxh3"
	"golang.org/x/exp/maps"

	"github.com/mehsaandev/code-time-machine/internal/diffcodec"
	"github.com/mehsaandev/code-time-machine/internal/hashing"
	"github.com/mehsaandev/code-time-machine/internal/logging"
)

const (
	// sampleLineCount bounds how many leading lines feed the similarity
	// sample of a blob.
	sampleLineCount = 50

	// candidateFloor is the minimum overlap ratio for a Full blob to be
	// considered as a delta base at all.
	candidateFloor = 0.5

	// encodeFloor is the stronger ratio the best candidate must clear
	// before delta encoding is attempted.
	encodeFloor = 0.6

	// maxDeltaHops bounds base-chain resolution. Normal operation never
	// chains past depth one since only Full blobs are chosen as bases;
	// the bound protects Get against malformed archives.
	maxDeltaHops = 64
)

// Store integrity errors.
var (
	ErrBlobNotFound = errors.New("blob not found")
	ErrBrokenChain  = errors.New("delta chain broken")
)

// BlobKind discriminates blob storage forms.
type BlobKind uint8

const (
	// KindFull stores raw content bytes.
	KindFull BlobKind = iota + 1
	// KindDelta stores a base reference plus an edit script.
	KindDelta
)

// String returns the string representation of the blob kind.
func (k BlobKind) String() string {
	switch k {
	case KindFull:
		return "full"
	case KindDelta:
		return "delta"
	default:
		return "unknown"
	}
}

// Blob is one stored unit. Exactly one of Content (KindFull) or Base+Script
// (KindDelta) is populated.
type Blob struct {
	Kind    BlobKind
	Content []byte
	Base    hashing.ContentHash
	Script  *diffcodec.EditScript
}

// lineSample is the hashed set of a blob's leading lines.
type lineSample map[uint64]struct{}

// Store is an in-memory content-addressed blob map with delta compression.
// It is safe for concurrent use; mutations serialize on the write lock.
type Store struct {
	mu      sync.RWMutex
	blobs   map[hashing.ContentHash]*Blob
	samples map[hashing.ContentHash]lineSample
	log     *logging.Logger
}

// New creates an empty Store. A nil logger falls back to the process
// default.
func New(log *logging.Logger) *Store {
	if log == nil {
		log = logging.Default().WithComponent("blobstore")
	}
	return &Store{
		blobs:   make(map[hashing.ContentHash]*Blob),
		samples: make(map[hashing.ContentHash]lineSample),
		log:     log,
	}
}

// Put stores content and returns its fingerprint. Storing content that is
// already present is a no-op returning the same fingerprint. New content is
// delta-encoded against the most similar existing Full blob when the
// similarity floors and the codec's size budget allow; otherwise it is
// stored whole.
func (s *Store) Put(content []byte) hashing.ContentHash {
	h := hashing.Hash(content)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.blobs[h]; exists {
		return h
	}

	if base, ratio, ok := s.selectDeltaBase(content); ok {
		script, fits := diffcodec.Diff(string(s.blobs[base].Content), string(content))
		if fits {
			s.blobs[h] = &Blob{Kind: KindDelta, Base: base, Script: script}
			s.log.Debug("blob delta encoded",
				"hash", h.Short(), "base", base.Short(), "ratio", fmt.Sprintf("%.2f", ratio))
			return h
		}
	}

	stored := make([]byte, len(content))
	copy(stored, content)
	s.blobs[h] = &Blob{Kind: KindFull, Content: stored}
	s.samples[h] = sampleLineSet(stored)
	return h
}

// selectDeltaBase returns the Full blob with the highest sampled-line
// overlap against content, provided it clears both similarity floors.
// Callers must hold the write lock.
func (s *Store) selectDeltaBase(content []byte) (hashing.ContentHash, float64, bool) {
	sample := sampleLineSet(content)
	if len(sample) == 0 {
		return "", 0, false
	}

	var (
		bestHash  hashing.ContentHash
		bestRatio float64
	)
	for h, candidate := range s.samples {
		matches := 0
		for lh := range sample {
			if _, ok := candidate[lh]; ok {
				matches++
			}
		}
		ratio := float64(matches) / float64(len(sample))
		if ratio < candidateFloor {
			continue
		}
		// Ties resolve to the smallest hash so encoding is reproducible.
		if ratio > bestRatio || (ratio == bestRatio && (bestHash == "" || h < bestHash)) {
			bestHash = h
			bestRatio = ratio
		}
	}

	if bestHash == "" || bestRatio < encodeFloor {
		return "", 0, false
	}
	return bestHash, bestRatio, true
}

// sampleLineSet hashes up to sampleLineCount leading lines of content into
// a set.
func sampleLineSet(content []byte) lineSample {
	set := make(lineSample, sampleLineCount)
	rest := content
	for i := 0; i < sampleLineCount && len(rest) > 0; i++ {
		var line []byte
		if idx := bytes.IndexByte(rest, '\n'); idx >= 0 {
			line, rest = rest[:idx], rest[idx+1:]
		} else {
			line, rest = rest, nil
		}
		set[xxh3.Hash(line)] = struct{}{}
	}
	return set
}

// Get resolves a fingerprint to its full content. Delta blobs are resolved
// by walking the base chain iteratively and replaying the collected scripts
// from the Full end forward. A missing fingerprint yields ErrBlobNotFound;
// a missing base, an over-long chain, or a script that no longer applies
// yields ErrBrokenChain.
func (s *Store) Get(h hashing.ContentHash) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolve(h)
}

func (s *Store) resolve(h hashing.ContentHash) ([]byte, error) {
	var scripts []*diffcodec.EditScript

	cur := h
	for hop := 0; ; hop++ {
		if hop > maxDeltaHops {
			return nil, fmt.Errorf("%w: chain for %s exceeds %d hops", ErrBrokenChain, h.Short(), maxDeltaHops)
		}
		blob, ok := s.blobs[cur]
		if !ok {
			if cur == h {
				return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, h.Short())
			}
			return nil, fmt.Errorf("%w: base %s missing while resolving %s", ErrBrokenChain, cur.Short(), h.Short())
		}
		if blob.Kind == KindFull {
			text := string(blob.Content)
			for i := len(scripts) - 1; i >= 0; i-- {
				applied, err := diffcodec.Apply(text, scripts[i])
				if err != nil {
					return nil, fmt.Errorf("%w: replaying delta for %s: %v", ErrBrokenChain, h.Short(), err)
				}
				text = applied
			}
			return []byte(text), nil
		}
		scripts = append(scripts, blob.Script)
		cur = blob.Base
	}
}

// Has reports whether a fingerprint is present.
func (s *Store) Has(h hashing.ContentHash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[h]
	return ok
}

// Kind returns the storage form of a present fingerprint.
func (s *Store) Kind(h hashing.ContentHash) (BlobKind, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.blobs[h]
	if !ok {
		return 0, false
	}
	return blob.Kind, true
}

// Count returns the number of stored blobs.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

// Hashes returns all stored fingerprints in lexicographic order.
func (s *Store) Hashes() []hashing.ContentHash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedHashes()
}

func (s *Store) sortedHashes() []hashing.ContentHash {
	hashes := maps.Keys(s.blobs)
	sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })
	return hashes
}

// Stats summarizes store composition.
type Stats struct {
	Blobs  int
	Full   int
	Deltas int
}

// Stats returns current store composition counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Blobs: len(s.blobs)}
	for _, b := range s.blobs {
		if b.Kind == KindDelta {
			st.Deltas++
		} else {
			st.Full++
		}
	}
	return st
}

// GarbageCollect removes every blob not reachable from the live set. The
// mark phase expands live fingerprints across delta bases so no retained
// content loses part of its resolution chain; the sweep removes the rest.
// Running it twice in a row removes nothing the second time.
func (s *Store) GarbageCollect(live map[hashing.ContentHash]struct{}) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	marked := make(map[hashing.ContentHash]struct{}, len(live))
	for h := range live {
		cur := h
		for hop := 0; hop <= maxDeltaHops; hop++ {
			if _, done := marked[cur]; done {
				break
			}
			blob, ok := s.blobs[cur]
			if !ok {
				break
			}
			marked[cur] = struct{}{}
			if blob.Kind != KindDelta {
				break
			}
			cur = blob.Base
		}
	}

	removed := 0
	for h := range s.blobs {
		if _, keep := marked[h]; !keep {
			delete(s.blobs, h)
			delete(s.samples, h)
			removed++
		}
	}
	if removed > 0 {
		s.log.Debug("garbage collected", "removed", removed, "remaining", len(s.blobs))
	}
	return removed
}
