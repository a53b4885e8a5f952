package contentstore

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/rohmanhakim/crawlkit/internal/metadata"
	"github.com/rohmanhakim/crawlkit/pkg/failure"
	"github.com/rohmanhakim/crawlkit/pkg/fileutil"
	"github.com/rohmanhakim/crawlkit/pkg/hashutil"
)

/*
Responsibilities
- Compute the content hash of a fetched body
- Write the blob to disk crash-safely (temp file + rename)
- Skip the write entirely when a blob already exists under the same hash
- Extract title and meta description best-effort

A body is identified by its content hash, not by the URL it was fetched
from: many URLs may resolve to byte-identical content, and only one copy
is ever kept on disk.
*/

// PageHashLookup resolves an existing content_path for a content hash, if
// any page has already been stored under it. The content store asks this
// before writing a new blob so identical bodies are deduplicated.
type PageHashLookup interface {
	FindContentPathByHash(hash string) (path string, found bool, err failure.ClassifiedError)
}

type Store struct {
	blobDir      string
	hashAlgo     hashutil.HashAlgo
	metadataSink metadata.MetadataSink
}

func NewStore(blobDir string, hashAlgo hashutil.HashAlgo, metadataSink metadata.MetadataSink) Store {
	return Store{
		blobDir:      blobDir,
		hashAlgo:     hashAlgo,
		metadataSink: metadataSink,
	}
}

// StoreOrLink implements store_or_link: compute the body's content hash,
// reuse an existing blob for that hash if one is already recorded via
// lookup, otherwise write a new blob (temp file + atomic rename).
func (s *Store) StoreOrLink(pageURL url.URL, body []byte, lookup PageHashLookup) (StoreResult, failure.ClassifiedError) {
	result, err := s.storeOrLink(body, lookup)
	if err != nil {
		var contentErr *ContentError
		errors.As(err, &contentErr)
		s.metadataSink.RecordError(
			time.Now(),
			"contentstore",
			"Store.StoreOrLink",
			mapContentErrorToMetadataCause(contentErr),
			err.Error(),
			[]metadata.Attribute{
				metadata.NewAttr(metadata.AttrURL, pageURL.String()),
			},
		)
		// result may still carry the content hash when only the blob write
		// failed; the caller records metadata with an empty path in that case.
		return result, contentErr
	}

	if result.NewlyWritten() {
		s.metadataSink.RecordArtifact(metadata.ArtifactBlob, result.Path(), []metadata.Attribute{
			metadata.NewAttr(metadata.AttrURL, pageURL.String()),
			metadata.NewAttr(metadata.AttrField, result.Hash()),
		})
	}

	return result, nil
}

func (s *Store) storeOrLink(body []byte, lookup PageHashLookup) (StoreResult, failure.ClassifiedError) {
	hash, err := hashutil.HashBytes(body, s.hashAlgo)
	if err != nil {
		return StoreResult{}, &ContentError{
			Message:   err.Error(),
			Retryable: false,
			Cause:     ErrCauseHashComputationFailed,
		}
	}

	if existingPath, found, lookupErr := lookup.FindContentPathByHash(hash); lookupErr != nil {
		return StoreResult{}, &ContentError{
			Message:   lookupErr.Error(),
			Retryable: false,
			Cause:     ErrCauseLookupFailure,
		}
	} else if found {
		return NewStoreResult(existingPath, hash, false), nil
	}

	path, writeErr := s.writeBlob(hash, body)
	if writeErr != nil {
		return NewStoreResult("", hash, false), writeErr
	}

	return NewStoreResult(path, hash, true), nil
}

func (s *Store) writeBlob(hash string, body []byte) (string, *ContentError) {
	if err := fileutil.EnsureDir(s.blobDir); err != nil {
		return "", &ContentError{
			Message:   err.Error(),
			Retryable: true,
			Cause:     ErrCauseWriteFailure,
			Path:      s.blobDir,
		}
	}

	finalPath := filepath.Join(s.blobDir, hash+".html")

	tmp, err := os.CreateTemp(s.blobDir, hash+".*.tmp")
	if err != nil {
		return "", &ContentError{
			Message:   fmt.Sprintf("create temp file: %v", err),
			Retryable: !errors.Is(err, syscall.ENOSPC),
			Cause:     classifyWriteErr(err),
			Path:      s.blobDir,
		}
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", &ContentError{
			Message:   fmt.Sprintf("write temp file: %v", err),
			Retryable: !errors.Is(err, syscall.ENOSPC),
			Cause:     classifyWriteErr(err),
			Path:      tmpPath,
		}
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", &ContentError{
			Message:   fmt.Sprintf("close temp file: %v", err),
			Retryable: false,
			Cause:     ErrCauseWriteFailure,
			Path:      tmpPath,
		}
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", &ContentError{
			Message:   fmt.Sprintf("rename into place: %v", err),
			Retryable: false,
			Cause:     ErrCauseWriteFailure,
			Path:      finalPath,
		}
	}

	return finalPath, nil
}

func classifyWriteErr(err error) ContentErrorCause {
	if errors.Is(err, syscall.ENOSPC) {
		return ErrCauseDiskFull
	}
	return ErrCauseWriteFailure
}

// ExtractMeta pulls the title and meta description out of an HTML
// document best-effort. A parse failure yields a zero ExtractedMeta; it
// is never an error, matching the tolerant posture of the link extractor.
func ExtractMeta(htmlBody []byte) ExtractedMeta {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(htmlBody))
	if err != nil {
		return ExtractedMeta{}
	}

	title := doc.Find("title").First().Text()
	desc, _ := doc.Find(`meta[name="description"]`).First().Attr("content")

	return ExtractedMeta{
		Title:           title,
		MetaDescription: desc,
	}
}
