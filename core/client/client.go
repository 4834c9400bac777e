// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package client provides easy and fast in-process access to the blogger REST api

Instead of marshalling HTTP, the client talks directly to the mux router. The client
is perfectly suited for unit tests. With NewWithURL() it talks to a remote service.
*/
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/blogger/core/feed"
	"github.com/relabs-tech/blogger/core/post"
)

// Client provides easy access to the REST API.
type Client struct {
	router     *mux.Router
	httpClient *http.Client
	url        string
	ctx        context.Context

	defaultHeaders map[string]string
}

// NewWithRouter creates a client to make pseudo-REST requests to the backend,
// through the mux router
func NewWithRouter(router *mux.Router) Client {
	return Client{
		router:         router,
		defaultHeaders: map[string]string{},
	}
}

// NewWithURL creates a client to make REST requests to the backend
func NewWithURL(url string) Client {
	return Client{
		url:            url,
		httpClient:     &http.Client{Timeout: 20 * time.Second},
		defaultHeaders: map[string]string{},
	}
}

// WithHeader returns a new client with a default header added
func (c Client) WithHeader(key string, value string) Client {
	headers := make(map[string]string, len(c.defaultHeaders)+1)
	for k, v := range c.defaultHeaders {
		headers[k] = v
	}
	headers[key] = value
	c.defaultHeaders = headers
	return c
}

// WithContext returns a new client with specific request context
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

// Context returns the context requests are made with
func (c Client) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

func (c Client) newRequest(method, path string, body io.Reader, header map[string]string) *http.Request {
	r, _ := http.NewRequestWithContext(c.Context(), method, c.url+path, body)
	for key, value := range c.defaultHeaders {
		r.Header.Add(key, value)
	}
	for key, value := range header {
		r.Header.Set(key, value)
	}
	return r
}

// do executes the request either against the router or over the network
func (c Client) do(r *http.Request) (int, http.Header, []byte, error) {
	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		res := rec.Result()
		return res.StatusCode, res.Header, rec.Body.Bytes(), nil
	}
	res, err := c.httpClient.Do(r)
	if err != nil {
		return http.StatusInternalServerError, nil, nil, err
	}
	defer res.Body.Close()
	resBody, err := io.ReadAll(res.Body)
	return res.StatusCode, res.Header, resBody, err
}

func unmarshal(resBody []byte, result interface{}) error {
	if len(resBody) == 0 || result == nil {
		return nil
	}
	if raw, ok := result.(*[]byte); ok {
		*raw = resBody
		return nil
	}
	return json.Unmarshal(resBody, result)
}

func wrongStatus(status int, want int, resBody []byte) error {
	return fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
		status, want, strings.TrimSpace(string(resBody)))
}

// RawGet gets the resource from path. Expects http.StatusOK as response, otherwise it will
// flag an error. Returns the actual http status code.
//
// result can be a struct pointer or a raw *[]byte. result can be nil.
func (c Client) RawGet(path string, result interface{}) (int, error) {
	status, _, err := c.RawGetWithHeader(path, nil, result)
	return status, err
}

// RawGetWithHeader gets the resource from path with additional request headers. Expects
// http.StatusOK as response, otherwise it will flag an error. Returns the actual http status
// code and the response header.
func (c Client) RawGetWithHeader(path string, header map[string]string, result interface{}) (int, http.Header, error) {
	status, resHeader, resBody, err := c.do(c.newRequest(http.MethodGet, path, nil, header))
	if err != nil {
		return status, resHeader, err
	}
	if status == http.StatusNoContent || status == http.StatusNotModified {
		return status, resHeader, nil
	}
	if status != http.StatusOK {
		return status, resHeader, wrongStatus(status, http.StatusOK, resBody)
	}
	return status, resHeader, unmarshal(resBody, result)
}

// RawGetBlobWithHeader gets a binary resource from path. Expects http.StatusOK as response,
// otherwise it will flag an error.
func (c Client) RawGetBlobWithHeader(path string, header map[string]string, blob *[]byte) (int, http.Header, error) {
	status, resHeader, resBody, err := c.do(c.newRequest(http.MethodGet, path, nil, header))
	if err != nil {
		return status, resHeader, err
	}
	if status != http.StatusOK {
		return status, resHeader, wrongStatus(status, http.StatusOK, resBody)
	}
	*blob = resBody
	return status, resHeader, nil
}

func (c Client) bodyRequest(method, path string, body interface{}, result interface{}) (int, error) {
	var err error
	j, ok := body.([]byte)
	if !ok {
		j, err = json.Marshal(body)
		if err != nil {
			return http.StatusBadRequest, fmt.Errorf("%s to %s: %w", method, path, err)
		}
	}
	status, _, resBody, err := c.do(c.newRequest(method, path, bytes.NewBuffer(j),
		map[string]string{"Content-Type": "application/json"}))
	if err != nil {
		return status, err
	}
	if status != http.StatusOK && status != http.StatusCreated && status != http.StatusNoContent {
		return status, wrongStatus(status, http.StatusOK, resBody)
	}
	return status, unmarshal(resBody, result)
}

// RawPost posts a resource to path. Expects http.StatusOK, http.StatusCreated or
// http.StatusNoContent as valid responses.
//
// body can also be a []byte, result can also be raw *[]byte. result can be nil.
func (c Client) RawPost(path string, body interface{}, result interface{}) (int, error) {
	return c.bodyRequest(http.MethodPost, path, body, result)
}

// RawPut puts a resource to path. Expects http.StatusOK, http.StatusCreated or
// http.StatusNoContent as valid responses.
//
// body can also be a []byte, result can also be raw *[]byte. result can be nil.
func (c Client) RawPut(path string, body interface{}, result interface{}) (int, error) {
	return c.bodyRequest(http.MethodPut, path, body, result)
}

// RawDelete deletes the resource at path. Expects http.StatusNoContent as response, otherwise it will
// flag an error.
func (c Client) RawDelete(path string) (int, error) {
	status, _, resBody, err := c.do(c.newRequest(http.MethodDelete, path, nil, nil))
	if err != nil {
		return status, err
	}
	if status != http.StatusNoContent {
		return status, wrongStatus(status, http.StatusNoContent, resBody)
	}
	return status, nil
}

// File is one file part of a multipart form
type File struct {
	Field string
	Name  string
	Data  []byte
}

// Multipart sends a multipart form with fields and files to path. Expects http.StatusOK,
// http.StatusCreated or http.StatusNoContent as valid responses.
func (c Client) Multipart(method, path string, fields map[string]string, files []File, result interface{}) (int, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	for key, value := range fields {
		if err := w.WriteField(key, value); err != nil {
			return http.StatusBadRequest, err
		}
	}
	for _, f := range files {
		fw, err := w.CreateFormFile(f.Field, f.Name)
		if err != nil {
			return http.StatusBadRequest, err
		}
		if _, err = fw.Write(f.Data); err != nil {
			return http.StatusBadRequest, err
		}
	}
	w.Close()

	status, _, resBody, err := c.do(c.newRequest(method, path, &b,
		map[string]string{"Content-Type": w.FormDataContentType()}))
	if err != nil {
		return status, err
	}
	if status != http.StatusOK && status != http.StatusCreated && status != http.StatusNoContent {
		return status, wrongStatus(status, http.StatusOK, resBody)
	}
	return status, unmarshal(resBody, result)
}

// PostMultipart uploads data as the form file "file" using POST
func (c Client) PostMultipart(path string, data []byte) (int, error) {
	return c.Multipart(http.MethodPost, path, nil, []File{{Field: "file", Name: "file", Data: data}}, nil)
}

// Session is the current session as reported by the backend
type Session struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// Login starts a session with a signed identity token
func (c Client) Login(token string) (Session, int, error) {
	var s Session
	status, err := c.RawPut("/session", map[string]string{"token": token}, &s)
	return s, status, err
}

// Logout ends the current session
func (c Client) Logout() (int, error) {
	return c.RawDelete("/session")
}

// Session returns the current session
func (c Client) Session() (Session, int, error) {
	var s Session
	status, err := c.RawGet("/session", &s)
	return s, status, err
}

// Feed reads one of the feed views "posts", "recent" or "popular"
func (c Client) Feed(view string) ([]post.Display, int, error) {
	var posts []post.Display
	status, err := c.RawGet("/feed/"+view, &posts)
	return posts, status, err
}

// Weekly reads the number of posts per day of the last week
func (c Client) Weekly() ([]feed.DayCount, int, error) {
	var weekly []feed.DayCount
	status, err := c.RawGet("/feed/weekly", &weekly)
	return weekly, status, err
}

// DeleteAccount deletes all posts of the session and ends the session
func (c Client) DeleteAccount() (int, error) {
	return c.RawDelete("/account")
}

// Post reads the detail of a single post
func (c Client) Post(postID string) (post.Display, int, error) {
	var p post.Display
	status, err := c.RawGet("/posts/"+postID, &p)
	return p, status, err
}

func imageFiles(images [][]byte) []File {
	files := make([]File, len(images))
	for i, data := range images {
		files[i] = File{Field: "images", Name: "image" + strconv.Itoa(i), Data: data}
	}
	return files
}

// CreatePost creates a new post and returns its id
func (c Client) CreatePost(title, message string, images [][]byte) (string, int, error) {
	var result struct {
		PostID string `json:"post_id"`
	}
	status, err := c.Multipart(http.MethodPost, "/posts",
		map[string]string{"title": title, "message": message}, imageFiles(images), &result)
	return result.PostID, status, err
}

// UpdatePost replaces the content of a post. Images are replaced if any are given.
func (c Client) UpdatePost(postID, title, message string, hits int, images [][]byte) (int, error) {
	return c.Multipart(http.MethodPut, "/posts/"+postID,
		map[string]string{"title": title, "message": message, "hits": strconv.Itoa(hits)},
		imageFiles(images), nil)
}

// DeletePost deletes a post together with its images
func (c Client) DeletePost(postID string) (int, error) {
	return c.RawDelete("/posts/" + postID)
}

// IncrementHits counts one more view of a post
func (c Client) IncrementHits(postID string) (int, error) {
	return c.RawPut("/posts/"+postID+"/hits", []byte("{}"), nil)
}
