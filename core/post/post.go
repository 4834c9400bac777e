/*
Package post holds the post record as it is stored remotely and the display record the
feed derives from it.

A post record is owned by the post store and identified by the id the store assigned on
creation. A display record joins one post record with the media assets found under the
post's namespace in the media store. Display records are never persisted.
*/
package post

import (
	"embed"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/blogger/core/schema"
)

// SchemaID is the id of the embedded post document schema
const SchemaID = "https://blogger.relabs.tech/schemas/post.json"

//go:embed schemas/*.json
var schemaFS embed.FS

var validator *schema.Validator

func init() {
	var err error
	validator, err = schema.NewValidatorFromFS(schemaFS, "schemas")
	if err != nil {
		panic(err)
	}
}

// Record is the authoritative remote representation of one blog entry
type Record struct {
	ID       string `json:"-"`
	Title    string `json:"title"`
	Message  string `json:"message"`
	PostTime int64  `json:"postTime"`
	Hits     int    `json:"hits"`
}

// Display is a post record joined with its resolved media assets. Thumbnail is
// empty exactly when Images is empty, otherwise it equals Images[0].
type Display struct {
	ID        string   `json:"post_id"`
	Title     string   `json:"title"`
	Message   string   `json:"message"`
	PostTime  int64    `json:"post_time"`
	Hits      int      `json:"hits"`
	Thumbnail string   `json:"thumbnail,omitempty"`
	Images    []string `json:"images"`
}

// HasThumbnail returns true if the display record has at least one image
func (d Display) HasThumbnail() bool {
	return d.Thumbnail != ""
}

// Decode validates data against the post schema and decodes it into a record with the
// given id. Missing properties take their zero value.
func Decode(id string, data []byte) (Record, error) {
	var r Record
	if err := validator.ValidateBytes(data, SchemaID); err != nil {
		return r, fmt.Errorf("post %s: %w", id, err)
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("post %s: %w", id, err)
	}
	r.ID = id
	return r, nil
}

// Encode returns the document representation of the record. The id is not part
// of the document.
func Encode(r Record) ([]byte, error) {
	return json.Marshal(r)
}

// Merge joins a record with its media assets
func Merge(r Record, images []string) Display {
	d := Display{
		ID:       r.ID,
		Title:    r.Title,
		Message:  r.Message,
		PostTime: r.PostTime,
		Hits:     r.Hits,
		Images:   make([]string, len(images)),
	}
	copy(d.Images, images)
	if len(d.Images) > 0 {
		d.Thumbnail = d.Images[0]
	}
	return d
}

// Record returns the post record part of the display record
func (d Display) Record() Record {
	return Record{
		ID:       d.ID,
		Title:    d.Title,
		Message:  d.Message,
		PostTime: d.PostTime,
		Hits:     d.Hits,
	}
}

// NowMillis returns t as milliseconds since epoch, the unit of PostTime
func NowMillis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}
