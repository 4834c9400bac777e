package backend

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/blogger/core/logger"
)

// maxMemory is the part of a multipart form kept in memory, the rest goes to temporary files
const maxMemory = 32 << 20

type postForm struct {
	title   string
	message string
	hits    int
	images  [][]byte
}

// readPostForm reads a multipart post form. Images are the files of field "images" in
// the order they were sent.
func readPostForm(r *http.Request, withHits bool) (*postForm, error) {
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		return nil, fmt.Errorf("expected multipart form: %w", err)
	}
	defer r.MultipartForm.RemoveAll()
	f := &postForm{
		title:   r.FormValue("title"),
		message: r.FormValue("message"),
	}
	if withHits {
		if s := r.FormValue("hits"); s != "" {
			hits, err := strconv.Atoi(s)
			if err != nil || hits < 0 {
				return nil, fmt.Errorf("hits must be a non-negative integer")
			}
			f.hits = hits
		}
	}
	for _, header := range r.MultipartForm.File["images"] {
		file, err := header.Open()
		if err != nil {
			return nil, fmt.Errorf("cannot open image %s: %w", header.Filename, err)
		}
		data, err := io.ReadAll(file)
		file.Close()
		if err != nil {
			return nil, fmt.Errorf("cannot read image %s: %w", header.Filename, err)
		}
		f.images = append(f.images, data)
	}
	return f, nil
}

func (b *Backend) handlePostRoutes() {
	logger.Default().Debugln("posts")
	logger.Default().Debugln("  handle route: /posts POST")
	logger.Default().Debugln("  handle route: /posts/{post_id} GET,PUT,DELETE")
	logger.Default().Debugln("  handle route: /posts/{post_id}/hits PUT")

	// CREATE
	b.router.HandleFunc("/posts", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		form, err := readPostForm(r, false)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		postID, err := b.aggregator.CreatePost(r.Context(), form.title, form.message, form.images)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"post_id": postID})
	}).Methods(http.MethodOptions, http.MethodPost)

	// READ
	b.router.HandleFunc("/posts/{post_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		p, err := b.aggregator.Post(r.Context(), mux.Vars(r)["post_id"])
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}).Methods(http.MethodOptions, http.MethodGet)

	// UPDATE
	b.router.HandleFunc("/posts/{post_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		form, err := readPostForm(r, true)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = b.aggregator.UpdatePost(r.Context(), mux.Vars(r)["post_id"], form.title, form.message, form.hits, form.images)
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodOptions, http.MethodPut)

	// DELETE
	b.router.HandleFunc("/posts/{post_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if err := b.aggregator.DeletePost(r.Context(), mux.Vars(r)["post_id"]); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodOptions, http.MethodDelete)

	// HITS
	b.router.HandleFunc("/posts/{post_id}/hits", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if err := b.aggregator.IncrementHits(r.Context(), mux.Vars(r)["post_id"]); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodOptions, http.MethodPut)
}
