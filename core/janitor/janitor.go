/*
Package janitor reconciles the media store with the post store.

Deleting a post removes its record first and its images second. When the second step
fails, the images stay behind without a post. The janitor finds such orphaned image
namespaces and deletes them, either on demand with Sweep() or on a cron schedule.
*/
package janitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/relabs-tech/blogger/core/logger"
	"github.com/relabs-tech/blogger/core/store"
)

// Media is what the janitor needs from the media store
type Media interface {
	PostIDs(ctx context.Context) (map[string]struct{}, error)
	DeleteAll(ctx context.Context, postID string) error
}

// Janitor deletes orphaned media
type Janitor struct {
	posts   store.Indexer
	media   Media
	timeout time.Duration

	mutex sync.Mutex
	cron  *cron.Cron
}

// New returns a new janitor. A sweep started by the schedule is cancelled after timeout,
// zero means one minute.
func New(posts store.Indexer, media Media, timeout time.Duration) *Janitor {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Janitor{posts: posts, media: media, timeout: timeout}
}

// Sweep deletes the images of all posts unknown to the post store. It returns the
// post ids whose images were deleted, in lexicographic order.
func (j *Janitor) Sweep(ctx context.Context) ([]string, error) {
	rlog := logger.FromContext(ctx)
	// media first: a post is written before its images, so every post that has images
	// when the media index is read is in the post index read afterwards
	withMedia, err := j.media.PostIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot list media: %w", err)
	}
	known, err := j.posts.PostIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot list posts: %w", err)
	}
	orphans := []string{}
	for postID := range withMedia {
		if _, ok := known[postID]; !ok {
			orphans = append(orphans, postID)
		}
	}
	sort.Strings(orphans)

	deleted := []string{}
	var firstErr error
	for _, postID := range orphans {
		if err := j.media.DeleteAll(ctx, postID); err != nil {
			rlog.WithError(err).WithField("post", postID).Errorln("janitor: cannot delete orphaned media")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		deleted = append(deleted, postID)
	}
	if len(deleted) > 0 {
		rlog.Infof("janitor: deleted media of %d orphaned posts", len(deleted))
	}
	return deleted, firstErr
}

// Start runs Sweep() on the given cron schedule until Stop() is called
func (j *Janitor) Start(schedule string) error {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	if j.cron != nil {
		return fmt.Errorf("janitor already started")
	}
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
		defer cancel()
		ctx, rlog := logger.ContextWithLogger(ctx)
		if _, err := j.Sweep(ctx); err != nil {
			rlog.WithError(err).Errorln("janitor: sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	c.Start()
	j.cron = c
	logger.Default().Infof("janitor: scheduled sweep %q", schedule)
	return nil
}

// Stop stops the schedule and waits for a running sweep to finish
func (j *Janitor) Stop() {
	j.mutex.Lock()
	c := j.cron
	j.cron = nil
	j.mutex.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
