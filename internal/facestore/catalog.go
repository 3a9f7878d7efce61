package facestore

import (
	"sort"
	"sync"
	"time"

	"faceattend/internal/model"
)

type catalogFile struct {
	Faces       map[string]model.FaceRecord `json:"faces"`
	LastUpdated time.Time                   `json:"lastUpdated"`
}

// Catalog maps external ids to provider registrations. Every operation reads
// the snapshot, applies its change and rewrites the file under one lock.
type Catalog struct {
	path string
	now  func() time.Time

	mu sync.Mutex
}

// NewCatalog returns a catalog persisted at path.
func NewCatalog(path string, now func() time.Time) *Catalog {
	if now == nil {
		now = time.Now
	}
	return &Catalog{path: path, now: now}
}

// Path returns the snapshot file location.
func (c *Catalog) Path() string { return c.path }

func (c *Catalog) load() (catalogFile, error) {
	f := catalogFile{Faces: map[string]model.FaceRecord{}}
	if _, err := readJSON(c.path, &f); err != nil {
		return catalogFile{}, err
	}
	if f.Faces == nil {
		f.Faces = map[string]model.FaceRecord{}
	}
	for id, rec := range f.Faces {
		rec.ExternalID = id
		f.Faces[id] = rec
	}
	return f, nil
}

func (c *Catalog) save(f catalogFile) error {
	f.LastUpdated = c.now().UTC()
	return writeJSON(c.path, f)
}

// Get returns the record for id.
func (c *Catalog) Get(id string) (model.FaceRecord, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := c.load()
	if err != nil {
		return model.FaceRecord{}, false, err
	}
	rec, ok := f.Faces[id]
	return rec, ok, nil
}

// FindByToken returns the record registered under provider with token.
func (c *Catalog) FindByToken(provider model.ProviderKind, token string) (model.FaceRecord, bool, error) {
	if token == "" {
		return model.FaceRecord{}, false, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := c.load()
	if err != nil {
		return model.FaceRecord{}, false, err
	}
	for _, rec := range f.Faces {
		if rec.Provider == provider && rec.ProviderToken == token {
			return rec, true, nil
		}
	}
	return model.FaceRecord{}, false, nil
}

// Upsert stores rec, replacing any record with the same external id, and
// returns the replaced record if there was one.
func (c *Catalog) Upsert(rec model.FaceRecord) (model.FaceRecord, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := c.load()
	if err != nil {
		return model.FaceRecord{}, false, err
	}
	prev, existed := f.Faces[rec.ExternalID]
	if rec.RegisteredAt.IsZero() {
		rec.RegisteredAt = c.now().UTC()
	}
	f.Faces[rec.ExternalID] = rec
	if err := c.save(f); err != nil {
		return model.FaceRecord{}, false, err
	}
	return prev, existed, nil
}

// Delete removes id and returns the removed record.
func (c *Catalog) Delete(id string) (model.FaceRecord, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := c.load()
	if err != nil {
		return model.FaceRecord{}, false, err
	}
	rec, ok := f.Faces[id]
	if !ok {
		return model.FaceRecord{}, false, nil
	}
	delete(f.Faces, id)
	if err := c.save(f); err != nil {
		return model.FaceRecord{}, false, err
	}
	return rec, true, nil
}

// List returns all records ordered by external id.
func (c *Catalog) List() ([]model.FaceRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := c.load()
	if err != nil {
		return nil, err
	}
	out := make([]model.FaceRecord, 0, len(f.Faces))
	for _, rec := range f.Faces {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

// Count returns the number of catalog entries.
func (c *Catalog) Count() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := c.load()
	if err != nil {
		return 0, err
	}
	return len(f.Faces), nil
}
