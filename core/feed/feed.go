/*
Package feed implements the feed aggregator: a live, ranked projection of the posts of
one session joined with their images.

The aggregator subscribes to the post collection named by the session id. Every snapshot
of that collection is decoded, the images of every post are resolved concurrently, and
the resulting display records are published together with the derived views: all posts
newest first, the most recent posts, the most popular posts, and the number of posts per
day of the last week.

A newer snapshot always supersedes an older one. The pass working on the older snapshot
is cancelled and its result discarded, so the published views always reflect the latest
snapshot. Every publication replaces the previous one as a whole; readers never see a
partially updated set of views.

Failures are reported and never retried. A subscription failure ends the subscription and
leaves the last published views in place.
*/
package feed

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/blogger/core/logger"
	"github.com/relabs-tech/blogger/core/post"
	"github.com/relabs-tech/blogger/core/store"
)

// Defaults for the Builder
const (
	DefaultRecentLimit      = 10
	DefaultPopularLimit     = 5
	DefaultMediaConcurrency = 8
	DefaultMaxImages        = 3
	// MaxImagesLimit caps Builder.MaxImages, the media store keeps at most ten images per post
	MaxImagesLimit = 10
)

// MediaStore is what the aggregator needs from the media store
type MediaStore interface {
	// Assets returns the URLs of all images of a post in listing order
	Assets(ctx context.Context, postID string) ([]string, error)
	// Upload stores the image of a post at index
	Upload(ctx context.Context, postID string, index int, data []byte) error
	// DeleteAll deletes all images of a post
	DeleteAll(ctx context.Context, postID string) error
}

// Builder is a builder helper for the Aggregator
type Builder struct {
	// SessionID names the post collection. Empty means nobody is logged in.
	SessionID string
	// Posts is the post store. This is mandatory.
	Posts store.Store
	// Media is the media store. This is mandatory.
	Media MediaStore
	// RecentLimit is the length of the recent view. Default is 10.
	RecentLimit int
	// PopularLimit is the length of the popular view. Default is 5.
	PopularLimit int
	// MediaConcurrency bounds the concurrent media resolutions of one pass. Default is 8.
	MediaConcurrency int
	// MaxImages is the maximum number of images of one post. Default is 3, at most
	// MaxImagesLimit.
	MaxImages int
	// Now is the clock for post times. Default is time.Now.
	Now func() time.Time
}

// Aggregator is the feed aggregator
type Aggregator struct {
	posts            store.Store
	media            MediaStore
	recentLimit      int
	popularLimit     int
	mediaConcurrency int
	maxImages        int
	now              func() time.Time

	// mutex guards the lifecycle: session, running pipeline, closed
	mutex     sync.Mutex
	sessionID string
	cancel    context.CancelFunc
	done      chan struct{}
	refresh   chan struct{}
	closed    bool

	generation   atomic.Uint64
	views        atomic.Pointer[Views]
	publishMutex sync.Mutex

	watchMutex    sync.Mutex
	watchers      map[chan Views]struct{}
	watchesClosed bool

	errors chan error
}

// New creates a new aggregator. It does nothing until Start() is called.
func New(b Builder) *Aggregator {
	if b.Posts == nil {
		panic("Posts is missing")
	}
	if b.Media == nil {
		panic("Media is missing")
	}
	a := &Aggregator{
		posts:            b.Posts,
		media:            b.Media,
		recentLimit:      b.RecentLimit,
		popularLimit:     b.PopularLimit,
		mediaConcurrency: b.MediaConcurrency,
		maxImages:        b.MaxImages,
		now:              b.Now,
		sessionID:        b.SessionID,
		watchers:         make(map[chan Views]struct{}),
		errors:           make(chan error, 16),
	}
	if a.recentLimit <= 0 {
		a.recentLimit = DefaultRecentLimit
	}
	if a.popularLimit <= 0 {
		a.popularLimit = DefaultPopularLimit
	}
	if a.mediaConcurrency <= 0 {
		a.mediaConcurrency = DefaultMediaConcurrency
	}
	if a.maxImages <= 0 {
		a.maxImages = DefaultMaxImages
	}
	if a.maxImages > MaxImagesLimit {
		a.maxImages = MaxImagesLimit
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

// SessionID returns the session the aggregator works for
func (a *Aggregator) SessionID() string {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.sessionID
}

// Start subscribes to the posts of the session. The subscription lives until ctx is
// done, Close() is called, or the session is switched.
//
// Without a session id, Start reports ErrInvalidSession, publishes nothing and does
// not subscribe.
func (a *Aggregator) Start(ctx context.Context) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if a.closed {
		return ErrClosed
	}
	if a.cancel != nil {
		return ErrAlreadyStarted
	}
	return a.start(ctx)
}

// SwitchSession ends the current subscription, clears the views and starts over with
// the posts of sessionID
func (a *Aggregator) SwitchSession(ctx context.Context, sessionID string) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if a.closed {
		return ErrClosed
	}
	a.stop()
	a.sessionID = sessionID
	a.publishEmpty(sessionID)
	return a.start(ctx)
}

// Close ends the subscription and closes all watch channels and the error channel
func (a *Aggregator) Close() {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	a.stop()

	a.watchMutex.Lock()
	a.watchesClosed = true
	for w := range a.watchers {
		close(w)
		delete(a.watchers, w)
	}
	a.watchMutex.Unlock()
	close(a.errors)
}

// Errors delivers the failures of the subscription: ErrInvalidSession and
// *LoadFailedError. Errors are dropped if nobody reads them.
func (a *Aggregator) Errors() <-chan error {
	return a.errors
}

// Refresh re-runs the pipeline on the latest snapshot, which picks up images that
// changed without a change of the post record
func (a *Aggregator) Refresh() {
	a.mutex.Lock()
	refresh := a.refresh
	a.mutex.Unlock()
	if refresh == nil {
		return
	}
	select {
	case refresh <- struct{}{}:
	default:
	}
}

// start must be called with the mutex held
func (a *Aggregator) start(ctx context.Context) error {
	sessionID := a.sessionID
	rlog := logger.FromContext(ctx).WithField("session", sessionID)
	if sessionID == "" {
		rlog.Warnln("feed: no session, not subscribing")
		a.emit(ErrInvalidSession)
		return ErrInvalidSession
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub, err := a.posts.Subscribe(runCtx, sessionID)
	if err != nil {
		cancel()
		failed := &LoadFailedError{Cause: err}
		rlog.WithError(err).Errorln("feed: cannot subscribe")
		a.emit(failed)
		return failed
	}
	a.cancel = cancel
	a.done = make(chan struct{})
	a.refresh = make(chan struct{}, 1)
	go a.run(runCtx, rlog, sessionID, sub, a.refresh, a.done)
	rlog.Infoln("feed: started")
	return nil
}

// stop must be called with the mutex held
func (a *Aggregator) stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	<-a.done
	a.cancel = nil
	a.done = nil
	a.refresh = nil
}

func (a *Aggregator) emit(err error) {
	select {
	case a.errors <- err:
		return
	default:
	}
	// drop the oldest error to make room
	select {
	case <-a.errors:
	default:
	}
	select {
	case a.errors <- err:
	default:
	}
}

// run is the pipeline loop. It owns the subscription and at most one pass at a time.
func (a *Aggregator) run(ctx context.Context, rlog *logrus.Entry, sessionID string, sub store.Subscription,
	refresh chan struct{}, done chan struct{}) {
	defer close(done)
	defer sub.Cancel()

	var (
		passes     sync.WaitGroup
		cancelPass context.CancelFunc = func() {}
		latest     *store.Snapshot
	)
	defer passes.Wait()
	defer func() { cancelPass() }()

	startPass := func(snapshot store.Snapshot) {
		cancelPass()
		generation := a.generation.Add(1)
		var passCtx context.Context
		passCtx, cancelPass = context.WithCancel(ctx)
		passes.Add(1)
		go func() {
			defer passes.Done()
			a.pass(passCtx, rlog.WithField("generation", generation), generation, sessionID, snapshot)
		}()
	}

	for {
		select {
		case <-ctx.Done():
			rlog.Debugln("feed: subscription ended")
			return
		case <-refresh:
			if latest != nil {
				startPass(*latest)
			}
		case snapshot, ok := <-sub.C():
			if !ok {
				rlog.Infoln("feed: subscription closed by the store")
				return
			}
			if snapshot.Err != nil {
				rlog.WithError(snapshot.Err).Errorln("feed: load failed")
				a.emit(&LoadFailedError{Cause: snapshot.Err})
				return
			}
			latest = &snapshot
			startPass(snapshot)
		}
	}
}

// pass runs the join for one snapshot and publishes the result unless a newer pass
// has started in the meantime
func (a *Aggregator) pass(ctx context.Context, rlog *logrus.Entry, generation uint64, sessionID string, snapshot store.Snapshot) {
	base, err := a.join(ctx, rlog, snapshot)
	if err != nil {
		rlog.WithError(err).Debugln("feed: pass abandoned")
		return
	}
	a.publishMutex.Lock()
	defer a.publishMutex.Unlock()
	if ctx.Err() != nil || generation != a.generation.Load() {
		rlog.Debugln("feed: pass superseded")
		return
	}
	views := derive(generation, sessionID, base, a.recentLimit, a.popularLimit, a.now())
	a.views.Store(views)
	a.notify(*views)
	rlog.Debugf("feed: published %d posts", len(base))
}

// join decodes the snapshot and resolves the images of every post concurrently. Invalid
// documents are dropped. A post whose images cannot be resolved is shown without images.
// The only error is the cancellation of ctx.
func (a *Aggregator) join(ctx context.Context, rlog *logrus.Entry, snapshot store.Snapshot) ([]post.Display, error) {
	records := make([]post.Record, 0, len(snapshot.Documents))
	for _, doc := range snapshot.Documents {
		r, err := post.Decode(doc.ID, doc.Data)
		if err != nil {
			rlog.WithError(err).Debugln("feed: dropping invalid post")
			continue
		}
		records = append(records, r)
	}

	base := make([]post.Display, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.mediaConcurrency)
	for i := range records {
		g.Go(func() error {
			r := records[i]
			images, err := a.media.Assets(gctx, r.ID)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				rlog.WithError(err).WithField("post", r.ID).Warnln("feed: cannot resolve images")
				images = nil
			}
			base[i] = post.Merge(r, images)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return base, ctx.Err()
}

// publishEmpty publishes empty views, used when the session changes
func (a *Aggregator) publishEmpty(sessionID string) {
	a.publishMutex.Lock()
	defer a.publishMutex.Unlock()
	views := derive(a.generation.Add(1), sessionID, []post.Display{}, a.recentLimit, a.popularLimit, a.now())
	a.views.Store(views)
	a.notify(*views)
}

// notify delivers views to all watchers, replacing undelivered ones
func (a *Aggregator) notify(views Views) {
	a.watchMutex.Lock()
	defer a.watchMutex.Unlock()
	for w := range a.watchers {
		select {
		case <-w:
		default:
		}
		w <- views
	}
}

// Views returns the latest publication. Before the first publication all views are empty.
func (a *Aggregator) Views() Views {
	if v := a.views.Load(); v != nil {
		return *v
	}
	return Views{}
}

// All returns all posts, newest first
func (a *Aggregator) All() []post.Display {
	return a.Views().All
}

// Recent returns the most recent posts
func (a *Aggregator) Recent() []post.Display {
	return a.Views().Recent
}

// Popular returns the posts with the most hits
func (a *Aggregator) Popular() []post.Display {
	return a.Views().Popular
}

// Weekly returns the number of posts per day of the last week
func (a *Aggregator) Weekly() []DayCount {
	return a.Views().Weekly
}

// Watch returns a channel that delivers the current and every later publication until
// ctx is done or the aggregator is closed. A slow reader only sees the latest one.
func (a *Aggregator) Watch(ctx context.Context) <-chan Views {
	w := make(chan Views, 1)
	a.watchMutex.Lock()
	defer a.watchMutex.Unlock()
	if a.watchesClosed {
		close(w)
		return w
	}
	a.watchers[w] = struct{}{}
	if v := a.views.Load(); v != nil {
		w <- *v
	}
	context.AfterFunc(ctx, func() {
		a.watchMutex.Lock()
		defer a.watchMutex.Unlock()
		if _, ok := a.watchers[w]; ok {
			delete(a.watchers, w)
			close(w)
		}
	})
	return w
}
