package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/blogger/core/logger"
	"github.com/relabs-tech/blogger/core/post"
	"github.com/relabs-tech/blogger/core/store"
)

func (a *Aggregator) requireSession() (string, error) {
	sessionID := a.SessionID()
	if sessionID == "" {
		return "", ErrInvalidSession
	}
	return sessionID, nil
}

func (a *Aggregator) upsert(ctx context.Context, sessionID string, r post.Record) error {
	data, err := post.Encode(r)
	if err != nil {
		return err
	}
	return a.posts.Upsert(ctx, sessionID, r.ID, data)
}

// uploadAll uploads the images of a post concurrently. Images are stored at their
// index, so a later upload replaces the image at the same index.
func (a *Aggregator) uploadAll(ctx context.Context, postID string, images [][]byte) error {
	if len(images) == 0 {
		return nil
	}
	var (
		mutex  sync.Mutex
		failed []int
		cause  error
	)
	var g errgroup.Group
	g.SetLimit(a.mediaConcurrency)
	for i, data := range images {
		g.Go(func() error {
			if err := a.media.Upload(ctx, postID, i, data); err != nil {
				mutex.Lock()
				defer mutex.Unlock()
				failed = append(failed, i)
				if cause == nil {
					cause = err
				}
			}
			// one failure does not stop the other uploads
			return nil
		})
	}
	g.Wait()
	// images changed without a change of the post record
	a.Refresh()
	if len(failed) > 0 {
		sort.Ints(failed)
		return &MediaUploadFailedError{PostID: postID, Failed: failed, Cause: cause}
	}
	return nil
}

// CreatePost creates a new post with post time now and no hits, then uploads its images.
// It returns the id of the new post. If an upload fails, the post stays created and a
// *MediaUploadFailedError is returned together with the id.
func (a *Aggregator) CreatePost(ctx context.Context, title, message string, images [][]byte) (string, error) {
	sessionID, err := a.requireSession()
	if err != nil {
		return "", err
	}
	if len(images) > a.maxImages {
		return "", fmt.Errorf("%w: %d, at most %d", ErrTooManyImages, len(images), a.maxImages)
	}
	data, err := post.Encode(post.Record{
		Title:    title,
		Message:  message,
		PostTime: post.NowMillis(a.now()),
	})
	if err != nil {
		return "", err
	}
	postID, err := a.posts.Add(ctx, sessionID, data)
	if err != nil {
		return "", fmt.Errorf("cannot create post: %w", err)
	}
	rlog := logger.FromContext(ctx).WithField("post", postID)
	rlog.Infof("feed: created post with %d images", len(images))
	if err := a.uploadAll(ctx, postID, images); err != nil {
		rlog.WithError(err).Errorln("feed: image upload failed")
		return postID, err
	}
	return postID, nil
}

// UpdatePost replaces the post record and refreshes its post time. If images are given,
// they are uploaded at their index and replace the images stored there; other images
// stay untouched.
func (a *Aggregator) UpdatePost(ctx context.Context, postID, title, message string, hits int, images [][]byte) error {
	sessionID, err := a.requireSession()
	if err != nil {
		return err
	}
	if len(images) > a.maxImages {
		return fmt.Errorf("%w: %d, at most %d", ErrTooManyImages, len(images), a.maxImages)
	}
	err = a.upsert(ctx, sessionID, post.Record{
		ID:       postID,
		Title:    title,
		Message:  message,
		PostTime: post.NowMillis(a.now()),
		Hits:     hits,
	})
	if err != nil {
		return fmt.Errorf("cannot update post %s: %w", postID, err)
	}
	rlog := logger.FromContext(ctx).WithField("post", postID)
	rlog.Infof("feed: updated post with %d images", len(images))
	if err := a.uploadAll(ctx, postID, images); err != nil {
		rlog.WithError(err).Errorln("feed: image upload failed")
		return err
	}
	return nil
}

// DeletePost deletes the post record and then all its images. A failure in either step
// is returned as *DeleteFailedError, nothing is rolled back. A post that is not in the
// collection of the session yields ErrPostNotFound and no images are touched.
func (a *Aggregator) DeletePost(ctx context.Context, postID string) error {
	sessionID, err := a.requireSession()
	if err != nil {
		return err
	}
	_, err = a.posts.Get(ctx, sessionID, postID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrPostNotFound
	}
	if err != nil {
		return &DeleteFailedError{PostID: postID, Cause: err}
	}
	return a.deletePost(ctx, sessionID, postID)
}

func (a *Aggregator) deletePost(ctx context.Context, sessionID, postID string) error {
	rlog := logger.FromContext(ctx).WithField("post", postID)
	if err := a.posts.Delete(ctx, sessionID, postID); err != nil {
		rlog.WithError(err).Errorln("feed: cannot delete post")
		return &DeleteFailedError{PostID: postID, Cause: err}
	}
	if err := a.media.DeleteAll(ctx, postID); err != nil {
		rlog.WithError(err).Errorln("feed: post deleted, but not its images")
		return &DeleteFailedError{PostID: postID, Cause: err}
	}
	rlog.Infoln("feed: deleted post")
	return nil
}

// DeleteAccount deletes every post of the session together with its images and then
// ends the session, as SwitchSession with an empty session id does. Deletion stops at
// the first failure with a *DeleteFailedError; posts deleted until then stay deleted
// and the session stays active.
func (a *Aggregator) DeleteAccount(ctx context.Context) error {
	sessionID, err := a.requireSession()
	if err != nil {
		return err
	}
	rlog := logger.FromContext(ctx).WithField("session", sessionID)
	docs, err := a.posts.List(ctx, sessionID)
	if err != nil {
		rlog.WithError(err).Errorln("feed: cannot list posts of account")
		return &DeleteFailedError{Cause: err}
	}
	for _, doc := range docs {
		if err := a.deletePost(ctx, sessionID, doc.ID); err != nil {
			return err
		}
	}
	rlog.Infof("feed: deleted account with %d posts", len(docs))

	a.mutex.Lock()
	defer a.mutex.Unlock()
	if a.closed {
		return ErrClosed
	}
	if a.sessionID != sessionID {
		// the session was switched meanwhile
		return nil
	}
	a.stop()
	a.sessionID = ""
	a.publishEmpty("")
	return nil
}

// IncrementHits writes the post as currently published with one more hit. Concurrent
// increments may overwrite each other, the last write wins.
func (a *Aggregator) IncrementHits(ctx context.Context, postID string) error {
	sessionID, err := a.requireSession()
	if err != nil {
		return err
	}
	views := a.Views()
	if views.SessionID != sessionID {
		return ErrPostNotFound
	}
	for _, d := range views.Base {
		if d.ID == postID {
			r := d.Record()
			r.Hits++
			if err := a.upsert(ctx, sessionID, r); err != nil {
				return fmt.Errorf("cannot increment hits of post %s: %w", postID, err)
			}
			return nil
		}
	}
	return ErrPostNotFound
}

// Post reads a single post fresh from the store and resolves its images
func (a *Aggregator) Post(ctx context.Context, postID string) (post.Display, error) {
	sessionID, err := a.requireSession()
	if err != nil {
		return post.Display{}, err
	}
	doc, err := a.posts.Get(ctx, sessionID, postID)
	if errors.Is(err, store.ErrNotFound) {
		return post.Display{}, ErrPostNotFound
	}
	if err != nil {
		return post.Display{}, err
	}
	r, err := post.Decode(doc.ID, doc.Data)
	if err != nil {
		return post.Display{}, err
	}
	images, err := a.media.Assets(ctx, postID)
	if err != nil {
		return post.Display{}, fmt.Errorf("cannot resolve images of post %s: %w", postID, err)
	}
	return post.Merge(r, images), nil
}
