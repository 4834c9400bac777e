package post

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	r, err := Decode("a", []byte(`{"title":"T1","message":"hello","postTime":100,"hits":2}`))
	require.NoError(t, err)
	assert.Equal(t, Record{ID: "a", Title: "T1", Message: "hello", PostTime: 100, Hits: 2}, r)

	// hits defaults to zero
	r, err = Decode("b", []byte(`{"title":"T2","postTime":200}`))
	require.NoError(t, err)
	assert.Equal(t, 0, r.Hits)
	assert.Equal(t, "", r.Message)
}

func TestDecodeInvalid(t *testing.T) {
	testCases := []struct {
		name string
		data string
	}{
		{"not json", `{"title":`},
		{"array", `[1,2]`},
		{"string", `"post"`},
		{"title type", `{"title":5}`},
		{"negative hits", `{"hits":-1}`},
		{"fractional time", `{"postTime":1.5}`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode("x", []byte(tc.data))
			assert.Error(t, err)
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	in := Record{ID: "ignored", Title: "T", Message: "M", PostTime: 42, Hits: 7}
	data, err := Encode(in)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "ignored")

	out, err := Decode("id", data)
	require.NoError(t, err)
	in.ID = "id"
	assert.Equal(t, in, out)
}

func TestMerge(t *testing.T) {
	r := Record{ID: "a", Title: "T", PostTime: 1}

	d := Merge(r, nil)
	assert.False(t, d.HasThumbnail())
	assert.Empty(t, d.Images)
	assert.NotNil(t, d.Images)

	images := []string{"https://x/0", "https://x/1"}
	d = Merge(r, images)
	assert.True(t, d.HasThumbnail())
	assert.Equal(t, images[0], d.Thumbnail)
	assert.Equal(t, images, d.Images)

	// the display record does not alias the input
	images[0] = "changed"
	assert.Equal(t, "https://x/0", d.Images[0])
	assert.Equal(t, r, d.Record())
}

func TestNowMillis(t *testing.T) {
	assert.Equal(t, int64(1500), NowMillis(time.Unix(1, 500*int64(time.Millisecond))))
}
