package backend

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/blogger/core/access"
	"github.com/relabs-tech/blogger/core/logger"
)

type sessionResponse struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

type loginRequest struct {
	Token string `json:"token"`
}

func (b *Backend) handleSessionRoutes() {
	logger.Default().Debugln("session")
	logger.Default().Debugln("  handle route: /session GET,PUT,DELETE")

	b.router.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		response := sessionResponse{}
		if identity := access.IdentityFromContext(r.Context()); identity != nil {
			response.UserID = identity.UserID
			response.Email = identity.Email
		}
		writeJSON(w, http.StatusOK, response)
	}).Methods(http.MethodOptions, http.MethodGet)

	b.router.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		rlog := logger.FromContext(r.Context())
		rlog.Infoln("called route for", r.URL, r.Method)

		var request loginRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.Token == "" {
			http.Error(w, "invalid body, expected {\"token\": \"...\"}", http.StatusBadRequest)
			return
		}
		identity, err := b.verifier.Verify(request.Token)
		if err != nil {
			rlog.WithError(err).Warnln("login with invalid token")
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}

		b.loginMutex.Lock()
		defer b.loginMutex.Unlock()
		if err := b.session.StoreUserID(r.Context(), identity.UserID); err != nil {
			rlog.WithError(err).Errorf("Error 4011: cannot store session")
			http.Error(w, "Error 4011", http.StatusInternalServerError)
			return
		}
		if err := b.session.StoreEmail(r.Context(), identity.Email); err != nil {
			rlog.WithError(err).Errorf("Error 4012: cannot store session")
			http.Error(w, "Error 4012", http.StatusInternalServerError)
			return
		}
		if err := b.switchSession(identity.UserID); err != nil {
			writeError(w, r, err)
			return
		}
		rlog.WithField("user", identity.UserID).Infoln("logged in")
		writeJSON(w, http.StatusOK, sessionResponse{UserID: identity.UserID, Email: identity.Email})
	}).Methods(http.MethodOptions, http.MethodPut)

	b.router.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		rlog := logger.FromContext(r.Context())
		rlog.Infoln("called route for", r.URL, r.Method)

		b.loginMutex.Lock()
		defer b.loginMutex.Unlock()
		if err := b.switchSession(""); err != nil {
			writeError(w, r, err)
			return
		}
		if err := b.session.Clear(r.Context()); err != nil {
			rlog.WithError(err).Errorf("Error 4013: cannot clear session")
			http.Error(w, "Error 4013", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodOptions, http.MethodDelete)

	logger.Default().Debugln("  handle route: /account DELETE")
	b.router.HandleFunc("/account", func(w http.ResponseWriter, r *http.Request) {
		rlog := logger.FromContext(r.Context())
		rlog.Infoln("called route for", r.URL, r.Method)

		b.loginMutex.Lock()
		defer b.loginMutex.Unlock()
		if err := b.aggregator.DeleteAccount(r.Context()); err != nil {
			writeError(w, r, err)
			return
		}
		if err := b.session.Clear(r.Context()); err != nil {
			rlog.WithError(err).Errorf("Error 4014: cannot clear session")
			http.Error(w, "Error 4014", http.StatusInternalServerError)
			return
		}
		rlog.Infoln("account deleted")
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodOptions, http.MethodDelete)
}
