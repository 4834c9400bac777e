package backend

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/blogger/core/feed"
	"github.com/relabs-tech/blogger/core/logger"
	"github.com/relabs-tech/blogger/core/post"
)

func displays(posts []post.Display) interface{} {
	if posts == nil {
		return []post.Display{}
	}
	return posts
}

// the feed views by route name
var feedViews = map[string]func(v feed.Views) interface{}{
	"posts":   func(v feed.Views) interface{} { return displays(v.All) },
	"recent":  func(v feed.Views) interface{} { return displays(v.Recent) },
	"popular": func(v feed.Views) interface{} { return displays(v.Popular) },
	"weekly": func(v feed.Views) interface{} {
		if v.Weekly == nil {
			return []feed.DayCount{}
		}
		return v.Weekly
	},
}

func (b *Backend) handleFeedRoutes() {
	logger.Default().Debugln("feed")
	logger.Default().Debugln("  handle route: /feed/{view} GET")

	b.router.HandleFunc("/feed/{view:posts|recent|popular|weekly}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		view := mux.Vars(r)["view"]

		sessionID := b.aggregator.SessionID()
		if sessionID == "" {
			writeError(w, r, feed.ErrInvalidSession)
			return
		}
		views := b.aggregator.Views()
		if views.SessionID != sessionID {
			// nothing published for this session yet
			views = feed.Views{SessionID: sessionID}
		}
		etag := fmt.Sprintf(`"%s-%d"`, view, views.Generation)
		w.Header().Set("Etag", etag)
		if ifNoneMatchFound(r.Header.Get("If-None-Match"), etag) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		writeJSON(w, http.StatusOK, feedViews[view](views))
	}).Methods(http.MethodOptions, http.MethodGet)
}

// ifNoneMatchFound returns true if etag is found in ifNoneMatch. The format of ifNoneMatch is one
// of the following:
// If-None-Match: "<etag_value>"
// If-None-Match: "<etag_value>", "<etag_value>", ...
// If-None-Match: *
func ifNoneMatchFound(ifNoneMatch, etag string) bool {
	ifNoneMatch = strings.Trim(ifNoneMatch, " ")
	if len(ifNoneMatch) == 0 {
		return false
	}
	if ifNoneMatch == "*" {
		return true
	}
	for _, s := range strings.Split(ifNoneMatch, ",") {
		s = strings.Trim(s, " \"")
		t := strings.Trim(etag, " \"")
		if s == t {
			return true
		}
	}
	return false
}
