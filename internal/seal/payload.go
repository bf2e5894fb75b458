package seal

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	apperrors "custody/internal/errors"
)

const (
	inlinePrefix = "inline:"
	blobPrefix   = "blob:"
)

// Blobs stores payload bytes addressed by content digest.
type Blobs interface {
	PutBlob(ctx context.Context, digest string, data []byte) error
	GetBlob(ctx context.Context, digest string) ([]byte, error)
}

// InlineRef encodes payload bytes directly into a payload reference.
func InlineRef(payload []byte) string {
	return inlinePrefix + base64.StdEncoding.EncodeToString(payload)
}

// BlobRef references a payload held in a Blobs store.
func BlobRef(digest string) string {
	return blobPrefix + digest
}

// Resolve returns the payload bytes a reference points at.
func Resolve(ctx context.Context, blobs Blobs, ref string) ([]byte, error) {
	switch {
	case strings.HasPrefix(ref, inlinePrefix):
		b, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ref, inlinePrefix))
		if err != nil {
			return nil, fmt.Errorf("decode inline payload: %w", err)
		}
		return b, nil
	case strings.HasPrefix(ref, blobPrefix):
		if blobs == nil {
			return nil, fmt.Errorf("no blob store for %s", ref)
		}
		return blobs.GetBlob(ctx, strings.TrimPrefix(ref, blobPrefix))
	default:
		return nil, fmt.Errorf("unknown payload reference scheme in %q", ref)
	}
}

// MemBlobs is an in-memory Blobs store.
type MemBlobs struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemBlobs returns an empty in-memory blob store.
func NewMemBlobs() *MemBlobs {
	return &MemBlobs{data: make(map[string][]byte)}
}

func (m *MemBlobs) PutBlob(_ context.Context, digest string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[digest] = append([]byte(nil), data...)
	return nil
}

func (m *MemBlobs) GetBlob(_ context.Context, digest string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.data[digest]
	if !ok {
		return nil, apperrors.New(apperrors.CodeNotFound, "blob "+digest+" not found")
	}
	return append([]byte(nil), b...), nil
}
