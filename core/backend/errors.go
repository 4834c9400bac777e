package backend

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/blogger/core/feed"
	"github.com/relabs-tech/blogger/core/logger"
)

// mediaUploadFailedResponse tells the client which post was written without some of its images
type mediaUploadFailedResponse struct {
	PostID       string `json:"post_id"`
	FailedImages []int  `json:"failed_images"`
	Error        string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		http.Error(w, "Error 4700", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(jsonData)
}

// writeError maps feed errors to http responses
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	rlog := logger.FromContext(r.Context())

	var uploadFailed *feed.MediaUploadFailedError
	var deleteFailed *feed.DeleteFailedError
	var loadFailed *feed.LoadFailedError
	switch {
	case errors.Is(err, feed.ErrInvalidSession):
		http.Error(w, "not authorized, no session", http.StatusUnauthorized)
	case errors.Is(err, feed.ErrPostNotFound):
		http.Error(w, "no such post", http.StatusNotFound)
	case errors.Is(err, feed.ErrTooManyImages):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &uploadFailed):
		rlog.WithError(err).Errorf("Error 4720: image upload failed")
		writeJSON(w, http.StatusBadGateway, mediaUploadFailedResponse{
			PostID:       uploadFailed.PostID,
			FailedImages: uploadFailed.Failed,
			Error:        "Error 4720",
		})
	case errors.As(err, &deleteFailed):
		rlog.WithError(err).Errorf("Error 4721: delete failed")
		http.Error(w, "Error 4721", http.StatusBadGateway)
	case errors.As(err, &loadFailed):
		rlog.WithError(err).Errorf("Error 4722: cannot load posts")
		if feed.IsPermissionDenied(err) {
			http.Error(w, "not authorized", http.StatusForbidden)
			return
		}
		http.Error(w, "Error 4722", http.StatusBadGateway)
	default:
		rlog.WithError(err).Errorf("Error 4723: internal error")
		http.Error(w, "Error 4723", http.StatusInternalServerError)
	}
}
