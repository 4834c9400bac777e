package kss

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/blogger/core/logger"
)

// the route the local filesystem serves pre-signed URLs on
const filesystemRoute = "/kss/filesystem"

// LocalFilesystem is the KSS Driver storing objects in the local filesystem. Every object
// lives in <base>/<key>/file. Pre-signed URLs are signed with an RSA key and served by
// a route on the router.
type LocalFilesystem struct {
	router     *mux.Router
	baseFolder string
	publicURL  url.URL
	privateKey *rsa.PrivateKey
	now        func() time.Time
}

// NewLocalFilesystem returns a new LocalFilesystem and adds its route to the router
func NewLocalFilesystem(router *mux.Router, config LocalConfiguration, publicURL url.URL) (*LocalFilesystem, error) {
	privateKey := config.PrivateKey
	if privateKey == nil {
		logger.Default().Warn("No private key provided to sign URLs, a random one will be generated")
		logger.Default().Warn("This can only work when running in a single instance configuration")

		var err error
		privateKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(config.BasePath, 0700); err != nil {
		return nil, fmt.Errorf("cannot create base folder %s: %w", config.BasePath, err)
	}
	f := &LocalFilesystem{
		router:     router,
		baseFolder: config.BasePath,
		publicURL:  publicURL,
		privateKey: privateKey,
		now:        time.Now,
	}
	f.configure()
	return f, nil
}

func (f *LocalFilesystem) configure() {
	logger.Default().Debugln("filesystem routes enabled")
	logger.Default().Debugln("  handle route:", filesystemRoute, "GET,PUT,POST")

	f.router.Handle(filesystemRoute, http.HandlerFunc(f.handler)).Methods(http.MethodOptions, http.MethodGet, http.MethodPut, http.MethodPost)
}

func validKey(key string) bool {
	return key != "" && !strings.Contains(key, "..") && !strings.HasPrefix(key, "/")
}

func (f *LocalFilesystem) objectPath(key string) string {
	return filepath.Join(f.baseFolder, filepath.FromSlash(key), "file")
}

func (f *LocalFilesystem) handler(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	v := r.URL.Query()
	key := v.Get("key")
	method := v.Get("method")

	if !f.isValid(v) {
		rlog.Errorf("invalid signature for %s", r.URL.String())
		http.Error(w, "not authorized", http.StatusForbidden)
		return
	}
	if r.Method != method && !(method == string(Put) && r.Method == http.MethodPost) {
		rlog.Errorf("signature valid for %s, but was used for %s in %s", method, r.Method, r.URL.String())
		http.Error(w, "not authorized", http.StatusForbidden)
		return
	}

	rlog.Debugf("filesystem: [%s] key: '%s'", r.Method, key)
	switch r.Method {
	case http.MethodGet:
		filePath := f.objectPath(key)
		if _, err := os.Stat(filePath); err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.ServeFile(w, r, filePath)
	case http.MethodPut:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "cannot read body", http.StatusBadRequest)
			return
		}
		if err := f.write(key, data); err != nil {
			rlog.WithError(err).Errorf("could not write key '%s'", key)
			http.Error(w, "cannot write", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodPost:
		file, _, err := r.FormFile("file")
		if err != nil {
			rlog.WithError(err).Errorf("could not read form file for key '%s'", key)
			http.Error(w, "missing form file", http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			http.Error(w, "cannot read form file", http.StatusBadRequest)
			return
		}
		if err := f.write(key, data); err != nil {
			rlog.WithError(err).Errorf("could not write key '%s'", key)
			http.Error(w, "cannot write", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *LocalFilesystem) write(key string, data []byte) error {
	filePath := f.objectPath(key)
	if err := os.MkdirAll(filepath.Dir(filePath), 0700); err != nil {
		return err
	}
	return os.WriteFile(filePath, data, 0600)
}

// UploadData stores data under key
func (f *LocalFilesystem) UploadData(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !validKey(key) {
		return fmt.Errorf("invalid key '%s'", key)
	}
	return f.write(key, data)
}

// ListAllWithPrefix returns all keys starting with prefix, sorted
func (f *LocalFilesystem) ListAllWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys := []string{}
	err := filepath.WalkDir(f.baseFolder, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != "file" {
			return nil
		}
		rel, err := filepath.Rel(f.baseFolder, filepath.Dir(p))
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete deletes the key file and prunes the directories it leaves empty
func (f *LocalFilesystem) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !validKey(key) {
		return fmt.Errorf("invalid key '%s'", key)
	}
	filePath := f.objectPath(key)
	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	base := filepath.Clean(f.baseFolder)
	for dir := filepath.Dir(filePath); dir != base && strings.HasPrefix(dir, base); dir = filepath.Dir(dir) {
		// fails on non-empty directories, which ends the pruning
		if os.Remove(dir) != nil {
			break
		}
	}
	return nil
}

// DeleteAllWithPrefix deletes all keys starting with prefix
func (f *LocalFilesystem) DeleteAllWithPrefix(ctx context.Context, prefix string) error {
	keys, err := f.ListAllWithPrefix(ctx, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := f.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// GetPreSignedURL returns a pre-signed URL that can be used with the given method until expireIn has passed.
// A URL signed for Put also accepts a multipart POST with the form file "file".
func (f *LocalFilesystem) GetPreSignedURL(ctx context.Context, method Method, key string, expireIn time.Duration) (string, error) {
	if !validKey(key) {
		return "", fmt.Errorf("invalid key '%s'", key)
	}
	if method != Get && method != Put {
		return "", fmt.Errorf("%s unsupported method to presign '%s'", method, key)
	}
	v := url.Values{}
	v.Set("key", key)
	v.Set("expiry", f.now().Add(expireIn).UTC().Format(time.RFC3339Nano))
	v.Set("method", string(method))

	hashed := sha256.Sum256([]byte(canonical(v)))
	signature, err := rsa.SignPKCS1v15(rand.Reader, f.privateKey, crypto.SHA256, hashed[:])
	if err != nil {
		return "", err
	}
	v.Set("signature", base64.RawURLEncoding.EncodeToString(signature))

	u := url.URL{
		Scheme:   f.publicURL.Scheme,
		Host:     f.publicURL.Host,
		Path:     strings.TrimSuffix(f.publicURL.Path, "/") + filesystemRoute,
		RawQuery: v.Encode(),
	}
	return u.String(), nil
}

func canonical(v url.Values) string {
	return v.Get("method") + "\n" + v.Get("key") + "\n" + v.Get("expiry")
}

// isValid tells whether or not the query carries a valid, unexpired signature
func (f *LocalFilesystem) isValid(v url.Values) bool {
	if !validKey(v.Get("key")) {
		return false
	}
	expiry, err := time.Parse(time.RFC3339Nano, v.Get("expiry"))
	if err != nil || expiry.Before(f.now()) {
		return false
	}
	signature, err := base64.RawURLEncoding.DecodeString(v.Get("signature"))
	if err != nil {
		return false
	}
	hashed := sha256.Sum256([]byte(canonical(v)))
	return rsa.VerifyPKCS1v15(&f.privateKey.PublicKey, crypto.SHA256, hashed[:], signature) == nil
}
