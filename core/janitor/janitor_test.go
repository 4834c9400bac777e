package janitor

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/blogger/core/backend/kss"
	"github.com/relabs-tech/blogger/core/media"
	"github.com/relabs-tech/blogger/core/store/memstore"
)

func newMedia(t *testing.T) *media.Store {
	u, _ := url.Parse("http://localhost")
	d, err := kss.NewLocalFilesystem(mux.NewRouter(), kss.LocalConfiguration{BasePath: t.TempDir()}, *u)
	require.NoError(t, err)
	return media.New(&media.Builder{Driver: d})
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	posts := memstore.New(nil)
	m := newMedia(t)

	kept, err := posts.Add(ctx, "u1", []byte(`{"title":"kept"}`))
	require.NoError(t, err)
	require.NoError(t, m.Upload(ctx, kept, 0, []byte("a")))
	require.NoError(t, m.Upload(ctx, "gone-2", 0, []byte("b")))
	require.NoError(t, m.Upload(ctx, "gone-1", 0, []byte("c")))
	require.NoError(t, m.Upload(ctx, "gone-1", 1, []byte("d")))

	j := New(posts, m, 0)
	deleted, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"gone-1", "gone-2"}, deleted)

	withMedia, err := m.PostIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{kept: {}}, withMedia)

	deleted, err = j.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, deleted)
}

type failingMedia struct {
	ids map[string]struct{}
}

func (f failingMedia) PostIDs(ctx context.Context) (map[string]struct{}, error) {
	return f.ids, nil
}

func (f failingMedia) DeleteAll(ctx context.Context, postID string) error {
	if postID == "b" {
		return errors.New("bucket unavailable")
	}
	return nil
}

func TestSweepContinuesAfterFailure(t *testing.T) {
	j := New(memstore.New(nil), failingMedia{ids: map[string]struct{}{"a": {}, "b": {}, "c": {}}}, 0)
	deleted, err := j.Sweep(context.Background())
	assert.EqualError(t, err, "bucket unavailable")
	assert.Equal(t, []string{"a", "c"}, deleted)
}

// creatingMedia creates a post with an image while the media index is listed
type creatingMedia struct {
	*media.Store
	posts   *memstore.Store
	created string
}

func (m *creatingMedia) PostIDs(ctx context.Context) (map[string]struct{}, error) {
	postID, err := m.posts.Add(ctx, "u1", []byte(`{"title":"new"}`))
	if err != nil {
		return nil, err
	}
	m.created = postID
	if err := m.Store.Upload(ctx, postID, 0, []byte("a")); err != nil {
		return nil, err
	}
	return m.Store.PostIDs(ctx)
}

func TestSweepKeepsPostCreatedDuringSweep(t *testing.T) {
	ctx := context.Background()
	posts := memstore.New(nil)
	m := &creatingMedia{Store: newMedia(t), posts: posts}

	j := New(posts, m, 0)
	deleted, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, deleted)

	images, err := m.Store.Assets(ctx, m.created)
	require.NoError(t, err)
	assert.Len(t, images, 1)
}

func TestSchedule(t *testing.T) {
	ctx := context.Background()
	m := newMedia(t)
	require.NoError(t, m.Upload(ctx, "orphan", 0, []byte("a")))

	j := New(memstore.New(nil), m, time.Second)
	assert.Error(t, j.Start("not a schedule"))
	require.NoError(t, j.Start("@every 1s"))
	assert.Error(t, j.Start("@every 1s"))
	defer j.Stop()

	assert.Eventually(t, func() bool {
		ids, err := m.PostIDs(ctx)
		return err == nil && len(ids) == 0
	}, 5*time.Second, 10*time.Millisecond)
	j.Stop()
}
