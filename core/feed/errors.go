package feed

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/relabs-tech/blogger/core/store"
)

var (
	// ErrInvalidSession is reported when the aggregator has no session id to subscribe with
	ErrInvalidSession = errors.New("invalid session: no session id available")
	// ErrPostNotFound is returned when a post does not exist
	ErrPostNotFound = errors.New("post not found")
	// ErrTooManyImages is returned when a post would get more images than allowed
	ErrTooManyImages = errors.New("too many images")
	// ErrClosed is returned by operations on a closed aggregator
	ErrClosed = errors.New("feed closed")
	// ErrAlreadyStarted is returned by Start on a running aggregator
	ErrAlreadyStarted = errors.New("feed already started")
)

// LoadFailedError is reported when the post subscription fails. The subscription has
// ended and is not retried.
type LoadFailedError struct {
	Cause error
}

func (e *LoadFailedError) Error() string {
	return "load failed: " + e.Cause.Error()
}

func (e *LoadFailedError) Unwrap() error {
	return e.Cause
}

// MediaUploadFailedError is returned when one or more images of a post could not be
// uploaded. The post itself has been written.
type MediaUploadFailedError struct {
	PostID string
	// Failed holds the indexes of the images that failed
	Failed []int
	Cause  error
}

func (e *MediaUploadFailedError) Error() string {
	failed := make([]string, len(e.Failed))
	for i, index := range e.Failed {
		failed[i] = strconv.Itoa(index)
	}
	return fmt.Sprintf("media upload failed for post %s (images %s): %v", e.PostID, strings.Join(failed, ","), e.Cause)
}

func (e *MediaUploadFailedError) Unwrap() error {
	return e.Cause
}

// DeleteFailedError is returned when a post or one of its images could not be deleted.
// Whatever was deleted before the failure stays deleted. PostID is empty when the posts
// of an account could not be listed.
type DeleteFailedError struct {
	PostID string
	Cause  error
}

func (e *DeleteFailedError) Error() string {
	if e.PostID == "" {
		return fmt.Sprintf("delete failed: %v", e.Cause)
	}
	return fmt.Sprintf("delete failed for post %s: %v", e.PostID, e.Cause)
}

func (e *DeleteFailedError) Unwrap() error {
	return e.Cause
}

// IsPermissionDenied tells whether err was caused by the post store refusing access
func IsPermissionDenied(err error) bool {
	return errors.Is(err, store.ErrPermissionDenied)
}
