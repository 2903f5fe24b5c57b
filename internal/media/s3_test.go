package media

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AndreuSerraCandela/Incidencias/internal/model"
)

type s3Request struct {
	Method string
	Path   string
	Type   string
}

// fakeS3 answers path-style object requests with success.
func fakeS3(t *testing.T) (*httptest.Server, func() []s3Request) {
	t.Helper()
	var mu sync.Mutex
	var reqs []s3Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		reqs = append(reqs, s3Request{Method: r.Method, Path: r.URL.Path, Type: r.Header.Get("Content-Type")})
		mu.Unlock()
		switch r.Method {
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			w.Header().Set("ETag", `"abc"`)
			w.WriteHeader(http.StatusOK)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, func() []s3Request {
		mu.Lock()
		defer mu.Unlock()
		return append([]s3Request(nil), reqs...)
	}
}

func newTestStore(t *testing.T, endpoint string) *PhotoStore {
	t.Helper()
	store, err := NewPhotoStore(context.Background(), Options{
		Endpoint:  endpoint,
		Region:    "us-east-1",
		Bucket:    "incidencias",
		AccessKey: "test",
		SecretKey: "test",
		PublicURL: "https://cdn.example/incidencias/",
	})
	if err != nil {
		t.Fatalf("NewPhotoStore() error = %v", err)
	}
	store.now = func() time.Time { return time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC) }
	return store
}

func TestNewPhotoStoreRequiresBucket(t *testing.T) {
	if _, err := NewPhotoStore(context.Background(), Options{Endpoint: "http://localhost:9000"}); err == nil {
		t.Fatal("NewPhotoStore() without bucket: expected error")
	}
}

func TestUploadAndDeletePhoto(t *testing.T) {
	srv, requests := fakeS3(t)
	store := newTestStore(t, srv.URL)
	ctx := context.Background()

	ref, err := store.UploadPhoto(ctx, model.EncodeDataURI("image/jpeg", []byte{0xff, 0xd8, 0xff}), "foto 1.jpg")
	if err != nil {
		t.Fatalf("UploadPhoto() error = %v", err)
	}
	if !strings.HasPrefix(ref.ServerID, "photos/2026/03/09/") || !strings.HasSuffix(ref.ServerID, "-foto 1.jpg") {
		t.Errorf("ServerID = %q, want dated photos key", ref.ServerID)
	}
	if ref.URL != "https://cdn.example/incidencias/"+ref.ServerID {
		t.Errorf("URL = %q, want public URL of key", ref.URL)
	}

	if err := store.DeletePhoto(ctx, ref); err != nil {
		t.Fatalf("DeletePhoto() error = %v", err)
	}

	reqs := requests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %+v, want put and delete", reqs)
	}
	if reqs[0].Method != http.MethodPut || !strings.HasPrefix(reqs[0].Path, "/incidencias/photos/") {
		t.Errorf("put request = %+v", reqs[0])
	}
	if reqs[0].Type != "image/jpeg" {
		t.Errorf("put content type = %q, want image/jpeg", reqs[0].Type)
	}
	if reqs[1].Method != http.MethodDelete || reqs[1].Path != reqs[0].Path {
		t.Errorf("delete request = %+v, want same key as put", reqs[1])
	}
}

func TestUploadRejectsMalformedData(t *testing.T) {
	srv, requests := fakeS3(t)
	store := newTestStore(t, srv.URL)
	if _, err := store.UploadPhoto(context.Background(), "data:image/jpeg,raw", "x.jpg"); err == nil {
		t.Fatal("UploadPhoto() with non-base64 data uri: expected error")
	}
	if n := len(requests()); n != 0 {
		t.Errorf("requests = %d, want 0", n)
	}
}

func TestDeleteForeignReference(t *testing.T) {
	srv, _ := fakeS3(t)
	store := newTestStore(t, srv.URL)
	err := store.DeletePhoto(context.Background(), model.RemoteRef{URL: "https://elsewhere/x.jpg"})
	if err == nil {
		t.Fatal("DeletePhoto() of foreign URL: expected error")
	}
}

func TestPing(t *testing.T) {
	srv, requests := fakeS3(t)
	store := newTestStore(t, srv.URL)
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if reqs := requests(); len(reqs) != 1 || reqs[0].Method != http.MethodHead || !strings.HasPrefix(reqs[0].Path, "/incidencias") {
		t.Errorf("requests = %+v, want HEAD /incidencias", reqs)
	}
}
