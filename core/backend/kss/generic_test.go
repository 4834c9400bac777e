package kss_test

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/blogger/core/backend/kss"
	"github.com/relabs-tech/blogger/core/client"
)

func testPresignedURLPutGet(t *testing.T, driver kss.Driver, cl client.Client) {
	ctx := context.Background()
	key := "some_key"

	pushURL, err := driver.GetPreSignedURL(ctx, kss.Put, key, time.Minute)
	require.NoError(t, err)
	_, err = cl.RawPut(pushURL, []byte("123"), nil)
	require.NoError(t, err)

	getURL, err := driver.GetPreSignedURL(ctx, kss.Get, key, time.Minute)
	require.NoError(t, err)
	var data []byte
	_, _, err = cl.RawGetBlobWithHeader(getURL, map[string]string{}, &data)
	require.NoError(t, err)
	assert.Equal(t, "123", string(data))

	// a tainted URL is not authorized
	pushURL, err = driver.GetPreSignedURL(ctx, kss.Put, "some_other_key", time.Minute)
	require.NoError(t, err)
	tainted, err := url.Parse(pushURL)
	require.NoError(t, err)
	v := tainted.Query()
	v.Set("key", "another_key")
	tainted.RawQuery = v.Encode()
	status, _ := cl.RawPut(tainted.String(), []byte("123"), nil)
	assert.Equal(t, http.StatusForbidden, status)

	// an expired URL is not authorized
	pushURL, err = driver.GetPreSignedURL(ctx, kss.Put, key, time.Second)
	require.NoError(t, err)
	time.Sleep(1500 * time.Millisecond)
	status, _ = cl.RawPut(pushURL, []byte("123"), nil)
	assert.Equal(t, http.StatusForbidden, status)

	// a URL signed for Get cannot be used to upload
	pushURL, err = driver.GetPreSignedURL(ctx, kss.Get, key, time.Minute)
	require.NoError(t, err)
	status, _ = cl.PostMultipart(pushURL, []byte("123"))
	assert.Equal(t, http.StatusForbidden, status)

	require.NoError(t, driver.Delete(ctx, "another_key"))
	require.NoError(t, driver.Delete(ctx, key))
}

func testDelete(t *testing.T, driver kss.Driver, cl client.Client) {
	ctx := context.Background()
	key := "some_key"

	require.NoError(t, driver.UploadData(ctx, key, []byte("123")))

	getURL, err := driver.GetPreSignedURL(ctx, kss.Get, key, time.Minute)
	require.NoError(t, err)
	var data []byte
	status, _, _ := cl.RawGetBlobWithHeader(getURL, map[string]string{}, &data)
	assert.Equal(t, http.StatusOK, status)

	require.NoError(t, driver.Delete(ctx, key))
	status, _, _ = cl.RawGetBlobWithHeader(getURL, map[string]string{}, &data)
	assert.Equal(t, http.StatusNotFound, status)

	// deleting again is fine
	require.NoError(t, driver.Delete(ctx, key))
}

func testListAllWithPrefixDeleteAllWithPrefix(t *testing.T, driver kss.Driver) {
	ctx := context.Background()
	require.NoError(t, driver.UploadData(ctx, "key_to_not_delete", []byte{1, 2, 3}))
	for n := 2; n >= 0; n-- {
		require.NoError(t, driver.UploadData(ctx, "key/"+strconv.Itoa(n), []byte{1, 2, 3}))
	}

	keys, err := driver.ListAllWithPrefix(ctx, "key/")
	require.NoError(t, err)
	assert.Equal(t, []string{"key/0", "key/1", "key/2"}, keys)

	keys, err = driver.ListAllWithPrefix(ctx, "")
	require.NoError(t, err)
	assert.Len(t, keys, 4)

	require.NoError(t, driver.DeleteAllWithPrefix(ctx, "key/"))
	keys, err = driver.ListAllWithPrefix(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"key_to_not_delete"}, keys)

	require.NoError(t, driver.DeleteAllWithPrefix(ctx, ""))
	keys, err = driver.ListAllWithPrefix(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}
