package contentstore

// ExtractedMeta is the best-effort title and meta-description pulled from
// an HTML document. Extraction failure yields a zero value; it is never
// an error.
type ExtractedMeta struct {
	Title           string
	MetaDescription string
}

// StoreResult describes where a page's body ended up.
type StoreResult struct {
	path         string
	hash         string
	newlyWritten bool
}

func NewStoreResult(path, hash string, newlyWritten bool) StoreResult {
	return StoreResult{path: path, hash: hash, newlyWritten: newlyWritten}
}

func (r StoreResult) Path() string {
	return r.path
}

func (r StoreResult) Hash() string {
	return r.hash
}

// NewlyWritten reports whether a new blob file was written for this call,
// as opposed to reusing an existing blob found via its content hash.
func (r StoreResult) NewlyWritten() bool {
	return r.newlyWritten
}
