package backend

import (
	"net/http"

	"github.com/gorilla/handlers"
)

// handleCompression compresses responses for clients that accept gzip or deflate
func (b *Backend) handleCompression() {

	compressionMiddleware := func(h http.Handler) http.Handler {
		return handlers.CompressHandler(h)
	}
	b.router.Use(compressionMiddleware)
}
