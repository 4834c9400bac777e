/*
Package media is the remote media store for post images.

All images of a post live in the namespace "images/<post id>/" of a kss driver, named
"image<index>.jpg". The order of a post's images is the listing order of its namespace,
the first image is the post's thumbnail.
*/
package media

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/relabs-tech/blogger/core/backend/kss"
	"github.com/relabs-tech/blogger/core/logger"
)

const rootPrefix = "images/"

// MaxImages is the number of images a post can have. Indexes are single digits, so the
// listing order of a namespace is the index order.
const MaxImages = 10

// Compression describes how uploaded images are downscaled before they are stored
type Compression struct {
	MaxWidth  int
	MaxHeight int
	Quality   int
}

// DefaultCompression fits images into 500x300 and stores them as JPEG with quality 80
var DefaultCompression = Compression{MaxWidth: 500, MaxHeight: 300, Quality: 80}

// Builder is a builder helper for the Store
type Builder struct {
	// Driver is the object store. This is mandatory.
	Driver kss.Driver
	// URLValidity is how long resolved image URLs are valid. Default is one hour.
	URLValidity time.Duration
	// Compression is applied to every upload. Nil stores uploads as they are.
	Compression *Compression
}

// Store is the remote media store
type Store struct {
	driver      kss.Driver
	urlValidity time.Duration
	compression *Compression
}

// New creates a new media store
func New(b *Builder) *Store {
	if b.Driver == nil {
		panic("Driver is missing")
	}
	validity := b.URLValidity
	if validity <= 0 {
		validity = time.Hour
	}
	return &Store{driver: b.Driver, urlValidity: validity, compression: b.Compression}
}

// Namespace returns the key prefix of all images of a post
func Namespace(postID string) string {
	return rootPrefix + postID + "/"
}

// Key returns the key of the image of a post at index
func Key(postID string, index int) string {
	return Namespace(postID) + "image" + strconv.Itoa(index) + ".jpg"
}

// Assets lists the namespace of the post and resolves a URL for every image, in
// listing order. A post without images has no assets.
func (s *Store) Assets(ctx context.Context, postID string) ([]string, error) {
	if postID == "" {
		return nil, fmt.Errorf("empty post id")
	}
	keys, err := s.driver.ListAllWithPrefix(ctx, Namespace(postID))
	if err != nil {
		return nil, fmt.Errorf("cannot list images of post %s: %w", postID, err)
	}
	urls := make([]string, 0, len(keys))
	for _, key := range keys {
		u, err := s.driver.GetPreSignedURL(ctx, kss.Get, key, s.urlValidity)
		if err != nil {
			return nil, fmt.Errorf("cannot resolve %s: %w", key, err)
		}
		urls = append(urls, u)
	}
	return urls, nil
}

// Upload stores the image of a post at index, replacing an existing image with the same
// index. If compression is configured, the image is compressed first.
func (s *Store) Upload(ctx context.Context, postID string, index int, data []byte) error {
	if index < 0 || index >= MaxImages {
		return fmt.Errorf("image index %d of post %s out of range [0,%d)", index, postID, MaxImages)
	}
	if s.compression != nil {
		compressed, err := Compress(data, s.compression.MaxWidth, s.compression.MaxHeight, s.compression.Quality)
		if err != nil {
			return fmt.Errorf("cannot compress image %d of post %s: %w", index, postID, err)
		}
		logger.FromContext(ctx).Debugf("media: compressed image %d of post %s from %d to %d bytes", index, postID, len(data), len(compressed))
		data = compressed
	}
	return s.driver.UploadData(ctx, Key(postID, index), data)
}

// DeleteAll deletes every image of a post
func (s *Store) DeleteAll(ctx context.Context, postID string) error {
	if postID == "" {
		return fmt.Errorf("empty post id")
	}
	return s.driver.DeleteAllWithPrefix(ctx, Namespace(postID))
}

// PostIDs returns the ids of all posts that have at least one image
func (s *Store) PostIDs(ctx context.Context) (map[string]struct{}, error) {
	keys, err := s.driver.ListAllWithPrefix(ctx, rootPrefix)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]struct{})
	for _, key := range keys {
		rest := strings.TrimPrefix(key, rootPrefix)
		if i := strings.Index(rest, "/"); i > 0 {
			ids[rest[:i]] = struct{}{}
		}
	}
	return ids, nil
}
