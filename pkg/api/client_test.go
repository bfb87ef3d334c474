package api_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-roomclient/pkg/api"
)

// fakeRoomServer is a minimal in-memory stand-in for the room API.
type fakeRoomServer struct {
	mu    sync.Mutex
	rooms map[string]api.Room
	files map[string][]api.FileInfo
}

func newFakeRoomServer() *fakeRoomServer {
	return &fakeRoomServer{
		rooms: make(map[string]api.Room),
		files: make(map[string][]api.FileInfo),
	}
}

func (s *fakeRoomServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/rooms", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SlugPrefix string `json:"slugPrefix"`
			Owner      string `json:"owner"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		slug := req.SlugPrefix + "-abc123"
		room := api.Room{Slug: slug, Owner: req.Owner}
		s.mu.Lock()
		s.rooms[slug] = room
		s.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(room)
	})
	mux.HandleFunc("GET /api/rooms/{slug}", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		room, ok := s.rooms[r.PathValue("slug")]
		s.mu.Unlock()
		if !ok {
			http.Error(w, `{"error":"Room not found"}`, http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(room)
	})
	mux.HandleFunc("DELETE /api/rooms/{slug}", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		delete(s.rooms, r.PathValue("slug"))
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /api/rooms/{slug}/save", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Content string `json:"content"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		room, ok := s.rooms[r.PathValue("slug")]
		if ok {
			room.Content = req.Content
			s.rooms[r.PathValue("slug")] = room
		}
		s.mu.Unlock()
		if !ok {
			http.Error(w, `{"error":"Room not found"}`, http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /api/rooms/{slug}/files", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		files := s.files[r.PathValue("slug")]
		s.mu.Unlock()
		if files == nil {
			files = []api.FileInfo{}
		}
		_ = json.NewEncoder(w).Encode(files)
	})
	mux.HandleFunc("DELETE /api/rooms/{slug}/files/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-User-ID") == "" {
			http.Error(w, `{"error":"missing user"}`, http.StatusForbidden)
			return
		}
		slug, id := r.PathValue("slug"), r.PathValue("id")
		s.mu.Lock()
		kept := s.files[slug][:0]
		for _, f := range s.files[slug] {
			if f.ID != id {
				kept = append(kept, f)
			}
		}
		s.files[slug] = kept
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func newTestClient(t *testing.T, srv *httptest.Server) *api.Client {
	t.Helper()
	client, err := api.NewClient(&api.ClientConfig{BaseURL: srv.URL}, zerolog.Nop())
	require.NoError(t, err)
	return client
}

func TestClient_Ownership(t *testing.T) {
	// Scenario: create room as u1; fetch as u1 -> owner; fetch as u2 -> not.
	ctx := context.Background()
	fake := newFakeRoomServer()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	client := newTestClient(t, srv)

	created, err := client.CreateRoom(ctx, "u1", "room")
	require.NoError(t, err)
	require.NotEmpty(t, created.Slug)

	fetched, err := client.GetRoom(ctx, created.Slug)
	require.NoError(t, err)
	assert.True(t, fetched.IsOwnedBy("u1"))
	assert.False(t, fetched.IsOwnedBy("u2"))
	assert.False(t, fetched.IsOwnedBy(""), "empty user id never owns a room")
}

func TestClient_GetRoomNotFound(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(newFakeRoomServer().handler())
	defer srv.Close()
	client := newTestClient(t, srv)

	_, err := client.GetRoom(ctx, "no-such-room")
	assert.ErrorIs(t, err, api.ErrRoomNotFound)
}

func TestClient_SaveAndDecodeSnapshot(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRoomServer()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	client := newTestClient(t, srv)

	room, err := client.CreateRoom(ctx, "u1", "room")
	require.NoError(t, err)

	update := []byte{0x01, 0x02, 0xfe, 0xff}
	require.NoError(t, client.SaveSnapshot(ctx, room.Slug, update))

	fetched, err := client.GetRoom(ctx, room.Slug)
	require.NoError(t, err)
	assert.Equal(t, base64.StdEncoding.EncodeToString(update), fetched.Content)

	decoded, err := fetched.DecodeSnapshot()
	require.NoError(t, err)
	assert.Equal(t, update, decoded)
}

func TestRoom_DecodeSnapshotEmpty(t *testing.T) {
	decoded, err := api.Room{}.DecodeSnapshot()
	require.NoError(t, err)
	assert.Nil(t, decoded, "a never-saved room has no snapshot")
}

func TestClient_DeleteRoom(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRoomServer()
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	client := newTestClient(t, srv)

	room, err := client.CreateRoom(ctx, "u1", "room")
	require.NoError(t, err)
	require.NoError(t, client.DeleteRoom(ctx, room.Slug))

	_, err = client.GetRoom(ctx, room.Slug)
	assert.ErrorIs(t, err, api.ErrRoomNotFound)
}

func TestClient_ListAndDeleteFiles(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRoomServer()
	fake.files["room-1"] = []api.FileInfo{
		{ID: "f1", Name: "notes.txt", UploaderID: "u1"},
		{ID: "f2", Name: "diagram.png", UploaderID: "u2"},
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	client := newTestClient(t, srv)

	files, err := client.ListFiles(ctx, "room-1")
	require.NoError(t, err)
	require.Len(t, files, 2)

	require.NoError(t, client.DeleteFile(ctx, "room-1", "f1", "u1"))
	files, err = client.ListFiles(ctx, "room-1")
	require.NoError(t, err)
	assert.Len(t, files, 1)
	assert.Equal(t, "f2", files[0].ID)
}

func TestFileInfo_CanBeDeletedBy(t *testing.T) {
	file := api.FileInfo{ID: "f1", Name: "doc.md", UploaderID: "u2"}

	assert.True(t, file.CanBeDeletedBy("u9", true), "room owner may delete any file")
	assert.True(t, file.CanBeDeletedBy("u2", false), "uploader may delete their own file")
	assert.False(t, file.CanBeDeletedBy("u3", false))

	anonymous := api.FileInfo{ID: "f2", Name: "orphan.bin"}
	assert.False(t, anonymous.CanBeDeletedBy("", false), "no uploader id means only the owner may delete")
}
