package backend

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/blogger/core/access"
	"github.com/relabs-tech/blogger/core/backend/kss"
	"github.com/relabs-tech/blogger/core/feed"
	"github.com/relabs-tech/blogger/core/logger"
	"github.com/relabs-tech/blogger/core/media"
	"github.com/relabs-tech/blogger/core/session"
	"github.com/relabs-tech/blogger/core/store"
)

// Backend is the blogger rest backend. It owns the feed aggregator of the current session.
type Backend struct {
	router    *mux.Router
	publicURL string
	posts     store.Store
	session   session.Store
	verifier  *access.Verifier

	// KssDriver is the object store the images live in
	KssDriver kss.Driver
	// Media is the media store on top of KssDriver
	Media *media.Store

	aggregator *feed.Aggregator
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	// loginMutex serializes session changes
	loginMutex sync.Mutex
}

// FeedConfiguration holds the limits of the feed aggregator. Zero values take the
// aggregator's defaults.
type FeedConfiguration struct {
	RecentLimit      int
	PopularLimit     int
	MediaConcurrency int
	MaxImages        int
}

// Builder is a builder helper for the Backend
type Builder struct {
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// PublicURL is the URL the router is reachable at. It is needed for the local kss driver.
	PublicURL string
	// Posts is the post store. This is mandatory.
	Posts store.Store
	// Session is the session store. This is mandatory.
	Session session.Store
	// Verifier verifies the identity tokens presented at login. This is mandatory.
	Verifier *access.Verifier
	// KSS configures the object store for images. This is mandatory.
	KSS kss.Configuration
	// MediaURLValidity is how long image URLs are valid. Default is one hour.
	MediaURLValidity time.Duration
	// Compression is applied to uploaded images. Nil stores them unchanged.
	Compression *media.Compression
	// Feed holds the limits of the feed aggregator
	Feed FeedConfiguration
}

// New realizes the actual backend. It adds all routes to the router and, if the session
// store holds a user, starts the feed for that user.
func New(bb *Builder) *Backend {
	if bb.Router == nil {
		panic("Router is missing")
	}
	if bb.Posts == nil {
		panic("Posts is missing")
	}
	if bb.Session == nil {
		panic("Session is missing")
	}
	if bb.Verifier == nil {
		panic("Verifier is missing")
	}

	ctx, cancel := context.WithCancel(context.Background())
	ctx, rlog := logger.ContextWithLogger(ctx)
	b := &Backend{
		router:    bb.Router,
		publicURL: bb.PublicURL,
		posts:     bb.Posts,
		session:   bb.Session,
		verifier:  bb.Verifier,
		ctx:       ctx,
		cancel:    cancel,
	}

	if err := b.configureKSS(bb.KSS); err != nil {
		panic(err)
	}
	b.Media = media.New(&media.Builder{
		Driver:      b.KssDriver,
		URLValidity: bb.MediaURLValidity,
		Compression: bb.Compression,
	})

	sessionID, err := b.session.CurrentID(ctx)
	if err != nil {
		rlog.WithError(err).Errorln("backend: cannot read session, starting logged out")
		sessionID = ""
	}
	b.aggregator = feed.New(feed.Builder{
		SessionID:        sessionID,
		Posts:            b.posts,
		Media:            b.Media,
		RecentLimit:      bb.Feed.RecentLimit,
		PopularLimit:     bb.Feed.PopularLimit,
		MediaConcurrency: bb.Feed.MediaConcurrency,
		MaxImages:        bb.Feed.MaxImages,
	})
	b.wg.Add(1)
	go b.watchErrors()

	if sessionID != "" {
		startCtx, _ := logger.ContextWithLoggerSession(ctx, sessionID)
		if err := b.aggregator.Start(startCtx); err != nil {
			rlog.WithError(err).Errorln("backend: cannot start feed for stored session")
		}
	} else {
		rlog.Infoln("backend: no stored session")
	}

	logger.AddRequestID(b.router)
	b.handleCORS()
	b.handleCompression()
	b.router.Use(b.identityMiddleware)
	b.handleSessionRoutes()
	b.handleFeedRoutes()
	b.handlePostRoutes()
	return b
}

// Aggregator returns the feed aggregator of the backend
func (b *Backend) Aggregator() *feed.Aggregator {
	return b.aggregator
}

// Close stops the feed. The stores are not closed.
func (b *Backend) Close() {
	b.aggregator.Close()
	b.cancel()
	b.wg.Wait()
}

// switchSession makes sessionID the session of the feed. An empty sessionID stops the feed.
func (b *Backend) switchSession(sessionID string) error {
	ctx, _ := logger.ContextWithLoggerSession(b.ctx, sessionID)
	err := b.aggregator.SwitchSession(ctx, sessionID)
	if sessionID == "" && errors.Is(err, feed.ErrInvalidSession) {
		return nil
	}
	return err
}

// watchErrors applies the forced logout policy: when the post store refuses access to
// the collection of the session, the session is cleared.
func (b *Backend) watchErrors() {
	defer b.wg.Done()
	rlog := logger.FromContext(b.ctx)
	for err := range b.aggregator.Errors() {
		if errors.Is(err, feed.ErrInvalidSession) {
			rlog.Debugln("backend: feed has no session")
			continue
		}
		if !feed.IsPermissionDenied(err) {
			rlog.WithError(err).Errorln("backend: feed failed")
			continue
		}
		rlog.WithError(err).Warnln("backend: access to posts denied, logging out")
		b.forceLogout()
	}
}

func (b *Backend) forceLogout() {
	b.loginMutex.Lock()
	defer b.loginMutex.Unlock()
	rlog := logger.FromContext(b.ctx)
	if err := b.session.Clear(b.ctx); err != nil {
		rlog.WithError(err).Errorln("backend: cannot clear session")
	}
	if err := b.switchSession(""); err != nil && !errors.Is(err, feed.ErrClosed) {
		rlog.WithError(err).Errorln("backend: cannot stop feed")
	}
}

// identityMiddleware adds the identity of the current session to the request context
// and its logger
func (b *Backend) identityMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		userID, err := b.session.CurrentID(ctx)
		if err != nil {
			logger.FromContext(ctx).WithError(err).Errorf("Error 4010: cannot read session")
			http.Error(w, "Error 4010", http.StatusInternalServerError)
			return
		}
		if userID != "" {
			email, _ := b.session.Email(ctx)
			ctx = access.ContextWithIdentity(ctx, &access.Identity{UserID: userID, Email: email})
			ctx, _ = logger.ContextWithLoggerSession(ctx, userID)
		}
		h.ServeHTTP(w, r.WithContext(ctx))
	})
}
