package backend_test

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/blogger/core/access"
	"github.com/relabs-tech/blogger/core/backend"
	"github.com/relabs-tech/blogger/core/backend/kss"
	"github.com/relabs-tech/blogger/core/client"
	"github.com/relabs-tech/blogger/core/feed"
	"github.com/relabs-tech/blogger/core/media"
	"github.com/relabs-tech/blogger/core/post"
	"github.com/relabs-tech/blogger/core/session"
	"github.com/relabs-tech/blogger/core/store"
	"github.com/relabs-tech/blogger/core/store/memstore"
)

var verifier = access.NewVerifier("backend-test-secret", "blogger")

type testService struct {
	backend *backend.Backend
	client  client.Client
	session session.Store
}

func newService(t *testing.T, posts store.Store, sessions session.Store, compression *media.Compression) *testService {
	router := mux.NewRouter()
	b := backend.New(&backend.Builder{
		Router:   router,
		Posts:    posts,
		Session:  sessions,
		Verifier: verifier,
		KSS: kss.Configuration{
			DriverType:         kss.DriverTypeLocal,
			LocalConfiguration: &kss.LocalConfiguration{BasePath: t.TempDir()},
		},
		Compression: compression,
		Feed:        backend.FeedConfiguration{PopularLimit: 2},
	})
	t.Cleanup(b.Close)
	return &testService{backend: b, client: client.NewWithRouter(router), session: sessions}
}

func login(t *testing.T, cl client.Client, userID string) {
	token, err := verifier.Issue(access.Identity{UserID: userID, Email: userID + "@example.com"}, time.Hour)
	require.NoError(t, err)
	s, status, err := cl.Login(token)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, userID, s.UserID)
}

// feedOf polls a feed view until cond holds
func feedOf(t *testing.T, cl client.Client, view string, cond func(posts []post.Display) bool) []post.Display {
	t.Helper()
	var posts []post.Display
	require.Eventually(t, func() bool {
		var err error
		posts, _, err = cl.Feed(view)
		return err == nil && cond(posts)
	}, 5*time.Second, 10*time.Millisecond, "last feed %v", posts)
	return posts
}

func TestPostLifecycle(t *testing.T) {
	s := newService(t, memstore.New(nil), session.NewMemory(), nil)
	cl := s.client

	_, status, _ := cl.Feed("posts")
	assert.Equal(t, http.StatusUnauthorized, status)
	_, status, _ = cl.CreatePost("t", "m", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	login(t, cl, "u1")
	current, _, err := cl.Session()
	require.NoError(t, err)
	assert.Equal(t, client.Session{UserID: "u1", Email: "u1@example.com"}, current)

	postID, status, err := cl.CreatePost("first", "hello", [][]byte{[]byte("image zero"), []byte("image one")})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.NotEmpty(t, postID)

	posts := feedOf(t, cl, "posts", func(posts []post.Display) bool {
		return len(posts) == 1 && len(posts[0].Images) == 2
	})
	p := posts[0]
	assert.Equal(t, postID, p.ID)
	assert.Equal(t, "first", p.Title)
	assert.Equal(t, "hello", p.Message)
	assert.Equal(t, p.Images[0], p.Thumbnail)

	// the thumbnail is a signed URL served by the same router
	var thumbnail []byte
	_, _, err = cl.RawGetBlobWithHeader(p.Thumbnail, nil, &thumbnail)
	require.NoError(t, err)
	assert.Equal(t, "image zero", string(thumbnail))

	detail, status, err := cl.Post(postID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, p.ID, detail.ID)
	assert.Len(t, detail.Images, 2)

	status, err = cl.IncrementHits(postID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)
	feedOf(t, cl, "popular", func(posts []post.Display) bool {
		return len(posts) == 1 && posts[0].Hits == 1
	})

	status, err = cl.UpdatePost(postID, "second", "changed", 7, [][]byte{[]byte("new image zero")})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)
	posts = feedOf(t, cl, "recent", func(posts []post.Display) bool {
		return len(posts) == 1 && posts[0].Title == "second"
	})
	assert.Equal(t, 7, posts[0].Hits)
	assert.Len(t, posts[0].Images, 2)

	status, err = cl.DeletePost(postID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)
	feedOf(t, cl, "posts", func(posts []post.Display) bool { return len(posts) == 0 })
	_, status, _ = cl.Post(postID)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = cl.IncrementHits(postID)
	assert.Equal(t, http.StatusNotFound, status)

	status, err = cl.Logout()
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)
	_, status, _ = cl.Feed("posts")
	assert.Equal(t, http.StatusUnauthorized, status)
	current, _, err = cl.Session()
	require.NoError(t, err)
	assert.Empty(t, current.UserID)
}

func TestFeedEtag(t *testing.T) {
	s := newService(t, memstore.New(nil), session.NewMemory(), nil)
	cl := s.client
	login(t, cl, "u1")
	_, _, err := cl.CreatePost("a", "m", nil)
	require.NoError(t, err)
	feedOf(t, cl, "posts", func(posts []post.Display) bool { return len(posts) == 1 })

	status, header, err := cl.RawGetWithHeader("/feed/posts", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	etag := header.Get("Etag")
	require.NotEmpty(t, etag)

	status, _, err = cl.RawGetWithHeader("/feed/posts", map[string]string{"If-None-Match": etag}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotModified, status)

	// another view has another etag
	status, _, err = cl.RawGetWithHeader("/feed/popular", map[string]string{"If-None-Match": etag}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	_, _, err = cl.CreatePost("b", "m", nil)
	require.NoError(t, err)
	feedOf(t, cl, "posts", func(posts []post.Display) bool { return len(posts) == 2 })
	status, _, err = cl.RawGetWithHeader("/feed/posts", map[string]string{"If-None-Match": etag}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
}

func TestPopularLimit(t *testing.T) {
	posts := memstore.New(nil)
	ctx := context.Background()
	for i, hits := range []int{3, 1, 4, 1} {
		data, err := post.Encode(post.Record{Title: fmt.Sprint(i), PostTime: int64(i), Hits: hits})
		require.NoError(t, err)
		require.NoError(t, posts.Upsert(ctx, "u1", fmt.Sprint("p", i), data))
	}
	s := newService(t, posts, session.NewMemory(), nil)
	login(t, s.client, "u1")

	popular := feedOf(t, s.client, "popular", func(posts []post.Display) bool { return len(posts) == 2 })
	assert.Equal(t, "p2", popular[0].ID)
	assert.Equal(t, "p0", popular[1].ID)
	all := feedOf(t, s.client, "posts", func(posts []post.Display) bool { return len(posts) == 4 })
	assert.Equal(t, "p3", all[0].ID)
}

func TestLoginFailures(t *testing.T) {
	s := newService(t, memstore.New(nil), session.NewMemory(), nil)

	other := access.NewVerifier("other-secret", "blogger")
	token, err := other.Issue(access.Identity{UserID: "u1"}, time.Hour)
	require.NoError(t, err)
	_, status, _ := s.client.Login(token)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = s.client.RawPut("/session", []byte(`{"token":`), nil)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = s.client.RawPut("/session", []byte(`{}`), nil)
	assert.Equal(t, http.StatusBadRequest, status)

	current, _, err := s.client.Session()
	require.NoError(t, err)
	assert.Empty(t, current.UserID)
}

func TestSwitchUser(t *testing.T) {
	posts := memstore.New(nil)
	ctx := context.Background()
	data, err := post.Encode(post.Record{Title: "of u2"})
	require.NoError(t, err)
	require.NoError(t, posts.Upsert(ctx, "u2", "p", data))

	s := newService(t, posts, session.NewMemory(), nil)
	login(t, s.client, "u1")
	_, _, err = s.client.CreatePost("of u1", "", nil)
	require.NoError(t, err)
	feedOf(t, s.client, "posts", func(posts []post.Display) bool { return len(posts) == 1 && posts[0].Title == "of u1" })

	login(t, s.client, "u2")
	feedOf(t, s.client, "posts", func(posts []post.Display) bool { return len(posts) == 1 && posts[0].Title == "of u2" })
}

func TestStoredSessionStartsFeed(t *testing.T) {
	posts := memstore.New(nil)
	ctx := context.Background()
	data, err := post.Encode(post.Record{Title: "stored"})
	require.NoError(t, err)
	require.NoError(t, posts.Upsert(ctx, "u1", "p", data))

	sessions := session.NewMemory()
	require.NoError(t, sessions.StoreUserID(ctx, "u1"))
	s := newService(t, posts, sessions, nil)
	feedOf(t, s.client, "posts", func(posts []post.Display) bool { return len(posts) == 1 })
}

func TestInvalidForms(t *testing.T) {
	s := newService(t, memstore.New(nil), session.NewMemory(), nil)
	login(t, s.client, "u1")

	status, _ := s.client.RawPost("/posts", map[string]string{"title": "json is not a form"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	images := []client.File{}
	for i := 0; i < 4; i++ {
		images = append(images, client.File{Field: "images", Name: fmt.Sprint(i), Data: []byte{byte(i)}})
	}
	status, _ = s.client.Multipart(http.MethodPost, "/posts", map[string]string{"title": "t"}, images, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = s.client.Multipart(http.MethodPut, "/posts/p", map[string]string{"hits": "-1"}, nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = s.client.Multipart(http.MethodPut, "/posts/p", map[string]string{"hits": "many"}, nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	// nothing was written
	all := feedOf(t, s.client, "posts", func(posts []post.Display) bool { return true })
	assert.Empty(t, all)
}

func TestMediaUploadFailure(t *testing.T) {
	compression := media.DefaultCompression
	s := newService(t, memstore.New(nil), session.NewMemory(), &compression)
	login(t, s.client, "u1")

	// not an image, compression fails
	_, status, err := s.client.CreatePost("t", "m", [][]byte{[]byte("not an image")})
	assert.Equal(t, http.StatusBadGateway, status)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"failed_images":[0]`)

	// the post was created anyway
	posts := feedOf(t, s.client, "posts", func(posts []post.Display) bool { return len(posts) == 1 })
	assert.Contains(t, err.Error(), posts[0].ID)
	assert.False(t, posts[0].HasThumbnail())
}

// deniedStore refuses access to every collection once subscribed
type deniedStore struct {
	*memstore.Store
}

func (s deniedStore) Subscribe(ctx context.Context, collection string) (store.Subscription, error) {
	f := store.NewFeed(nil)
	f.Push(store.Snapshot{Err: fmt.Errorf("collection %s: %w", collection, store.ErrPermissionDenied)})
	return f, nil
}

func TestForcedLogout(t *testing.T) {
	s := newService(t, deniedStore{memstore.New(nil)}, session.NewMemory(), nil)
	login(t, s.client, "u1")

	require.Eventually(t, func() bool {
		current, _, err := s.client.Session()
		return err == nil && current.UserID == ""
	}, 5*time.Second, 10*time.Millisecond)
	_, status, _ := s.client.Feed("posts")
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestWeeklyFeed(t *testing.T) {
	s := newService(t, memstore.New(nil), session.NewMemory(), nil)
	_, status, _ := s.client.Weekly()
	assert.Equal(t, http.StatusUnauthorized, status)

	login(t, s.client, "u1")
	_, _, err := s.client.CreatePost("today", "", nil)
	require.NoError(t, err)
	_, _, err = s.client.CreatePost("also today", "", nil)
	require.NoError(t, err)

	var weekly []feed.DayCount
	require.Eventually(t, func() bool {
		weekly, _, err = s.client.Weekly()
		return err == nil && len(weekly) == feed.WeekDays && weekly[feed.WeekDays-1].Count == 2
	}, 5*time.Second, 10*time.Millisecond, "last weekly %v", weekly)
	for _, day := range weekly[:feed.WeekDays-1] {
		assert.Zero(t, day.Count)
	}
}

func TestDeleteAccount(t *testing.T) {
	posts := memstore.New(nil)
	ctx := context.Background()
	data, err := post.Encode(post.Record{Title: "of u2"})
	require.NoError(t, err)
	require.NoError(t, posts.Upsert(ctx, "u2", "p", data))

	s := newService(t, posts, session.NewMemory(), nil)
	status, _ := s.client.DeleteAccount()
	assert.Equal(t, http.StatusUnauthorized, status)

	login(t, s.client, "u1")
	for _, title := range []string{"first", "second"} {
		_, status, err := s.client.CreatePost(title, "", [][]byte{[]byte(title)})
		require.NoError(t, err)
		require.Equal(t, http.StatusCreated, status)
	}
	feedOf(t, s.client, "posts", func(posts []post.Display) bool { return len(posts) == 2 })

	status, err = s.client.DeleteAccount()
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)

	current, _, err := s.client.Session()
	require.NoError(t, err)
	assert.Empty(t, current.UserID)
	_, status, _ = s.client.Feed("posts")
	assert.Equal(t, http.StatusUnauthorized, status)

	docs, err := posts.List(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, docs)
	docs, err = posts.List(ctx, "u2")
	require.NoError(t, err)
	assert.Len(t, docs, 1)
	withMedia, err := s.backend.Media.PostIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, withMedia)
}

func TestDeleteMissingPost(t *testing.T) {
	s := newService(t, memstore.New(nil), session.NewMemory(), nil)
	login(t, s.client, "u1")
	status, _ := s.client.DeletePost("missing")
	assert.Equal(t, http.StatusNotFound, status)
}
