package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/c360/embedbridge/errors"
	"github.com/c360/embedbridge/protocol"
)

const collectionName = "embedbridge-index"

// Index wraps the in-memory similarity index co-located with the embedding
// model. Records live only here; the host side never materializes one, it
// only sees opaque serialized blobs at checkpoint/restore boundaries.
type Index struct {
	mu   sync.Mutex
	db   *chromem.DB
	coll *chromem.Collection
	dims int // established by the first Add or Load; 0 until then
}

// NewIndex creates an empty index.
func NewIndex() (*Index, error) {
	db := chromem.NewDB()
	coll, err := db.GetOrCreateCollection(collectionName, nil, nil)
	if err != nil {
		return nil, errors.WrapFatal(err, "Index", "NewIndex", "create collection")
	}
	return &Index{db: db, coll: coll}, nil
}

// Add inserts or updates one record by id. The first record pins the
// index's vector width; later records with a different width fail with a
// dimension-mismatch application error.
func (ix *Index) Add(ctx context.Context, id string, embedding []float32, title, sourceURL string) error {
	if id == "" {
		return errors.WrapInvalid(errors.ErrInvalidMessage, "Index", "Add", "empty record id")
	}
	if len(embedding) == 0 {
		return errors.WrapInvalid(errors.ErrEmptyInput, "Index", "Add", "empty embedding")
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.dims == 0 {
		ix.dims = len(embedding)
	} else if len(embedding) != ix.dims {
		return errors.WrapApplication(
			fmt.Errorf("%w: got %d, index width is %d", errors.ErrDimensionWidth, len(embedding), ix.dims),
			"Index", "Add", "insert "+id)
	}

	metadata := map[string]string{}
	if title != "" {
		metadata["title"] = title
	}
	if sourceURL != "" {
		metadata["source_url"] = sourceURL
	}

	err := ix.coll.AddDocument(ctx, chromem.Document{
		ID:        id,
		Metadata:  metadata,
		Embedding: embedding,
		Content:   title, // chromem requires some content; the title is the natural stand-in
	})
	if err != nil {
		return errors.WrapApplication(err, "Index", "Add", "insert "+id)
	}
	return nil
}

// Search returns up to limit matches sorted by descending similarity. An
// empty index returns an empty result list, not an error.
func (ix *Index) Search(ctx context.Context, embedding []float32, limit int) ([]protocol.Match, error) {
	if limit <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidMessage, "Index", "Search", "non-positive limit")
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	count := ix.coll.Count()
	if count == 0 {
		return []protocol.Match{}, nil
	}
	if len(embedding) != ix.dims {
		return nil, errors.WrapApplication(
			fmt.Errorf("%w: got %d, index width is %d", errors.ErrDimensionWidth, len(embedding), ix.dims),
			"Index", "Search", "query")
	}

	// Query the full ranking, not just limit entries. chromem scores
	// concurrently and orders by score alone, so records with equal
	// similarity land in arbitrary order; truncating before the tie-break
	// below would make the cut itself nondeterministic.
	results, err := ix.coll.QueryEmbedding(ctx, embedding, count, nil, nil)
	if err != nil {
		return nil, errors.WrapApplication(err, "Index", "Search", "query")
	}

	matches := make([]protocol.Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, protocol.Match{
			ID:        r.ID,
			Score:     r.Similarity,
			Title:     r.Metadata["title"],
			SourceURL: r.Metadata["source_url"],
		})
	}
	// Ties break on ID so repeated searches and restored snapshots rank
	// identically.
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Count returns the number of indexed records.
func (ix *Index) Count() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.coll.Count()
}

// snapshot is the serialized index envelope: the chromem export plus the
// pinned vector width, which the export alone does not expose.
type snapshot struct {
	Dims int    `json:"dims"`
	Data []byte `json:"data"`
}

// Serialize captures the full index state as an opaque blob. A
// Load(Serialize()) round trip on a fresh index reproduces identical
// search behavior.
func (ix *Index) Serialize() ([]byte, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var buf bytes.Buffer
	if err := ix.db.ExportToWriter(&buf, false, ""); err != nil {
		return nil, errors.WrapApplication(err, "Index", "Serialize", "export")
	}
	blob, err := json.Marshal(snapshot{Dims: ix.dims, Data: buf.Bytes()})
	if err != nil {
		return nil, errors.WrapApplication(err, "Index", "Serialize", "marshal envelope")
	}
	return blob, nil
}

// Load replaces the in-memory index with one reconstructed from a prior
// blob. Required after any sandbox recreation, since index state does not
// survive the sandbox's destruction.
func (ix *Index) Load(blob []byte) error {
	if len(blob) == 0 {
		return errors.WrapInvalid(errors.ErrEmptyInput, "Index", "Load", "empty blob")
	}

	var snap snapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return errors.WrapApplication(
			fmt.Errorf("%w: %v", errors.ErrBlobCorrupted, err),
			"Index", "Load", "parse envelope")
	}

	db := chromem.NewDB()
	if err := db.ImportFromReader(bytes.NewReader(snap.Data), ""); err != nil {
		return errors.WrapApplication(
			fmt.Errorf("%w: %v", errors.ErrBlobCorrupted, err),
			"Index", "Load", "import")
	}
	coll := db.GetCollection(collectionName, nil)
	if coll == nil {
		return errors.WrapApplication(errors.ErrBlobCorrupted, "Index", "Load", "missing collection")
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.db = db
	ix.coll = coll
	ix.dims = snap.Dims
	return nil
}
