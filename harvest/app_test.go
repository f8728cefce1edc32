package harvest

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestPNG(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 0x44, G: 0x88, B: 0x22, A: 0xff})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create(%s) error = %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
}

func setupApp(t *testing.T) (*App, http.Handler) {
	t.Helper()
	dir := t.TempDir()
	dataset := filepath.Join(dir, "dataset")

	writeTestPNG(t, filepath.Join(dataset, "farm_a", "2024_6_01.png"))
	writeTestPNG(t, filepath.Join(dataset, "farm_a", "2024_10_03.png"))
	writeTestPNG(t, filepath.Join(dataset, "farm_b", "2024_7_15.png"))
	if err := os.MkdirAll(filepath.Join(dataset, "farm_c"), 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(dataset, "farm_c", "broken.png"), []byte("not a png"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg := &Config{
		Addr:         ":0",
		DatasetRoot:  dataset,
		IndexPath:    filepath.Join(dir, "farm_index.json"),
		DatabasePath: filepath.Join(dir, "harvestmark.db"),
		CSVPath:      filepath.Join(dir, "annotations.csv"),
		BackupDir:    filepath.Join(dir, "by_user"),
		BatchSize:    1,
		Annotators:   []string{"alice", "bob"},
	}
	cfg.Cache.Dir = filepath.Join(dir, "thumbnail_cache")
	cfg.Cache.CapacityBytes = 1 << 20
	cfg.Cache.RenderTimeout = "5s"

	app, err := NewApp(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	t.Cleanup(func() { app.Close() })
	return app, app.Handler()
}

func doJSON(t *testing.T, h http.Handler, method, target string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var parsed map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &parsed); err != nil {
			t.Fatalf("Unmarshal(%s) error = %v", rec.Body.String(), err)
		}
	}
	return rec.Code, parsed
}

func TestApp_AnnotationFlow(t *testing.T) {
	app, h := setupApp(t)

	t.Run("login checks the roster", func(t *testing.T) {
		code, _ := doJSON(t, h, "POST", "/api/login", map[string]string{"name": "mallory"})
		if code != http.StatusForbidden {
			t.Errorf("login(mallory) = %d, want 403", code)
		}
		code, resp := doJSON(t, h, "POST", "/api/login", map[string]string{"name": "alice"})
		if code != http.StatusOK {
			t.Fatalf("login(alice) = %d, want 200", code)
		}
		if resp["success"] != true {
			t.Errorf("login response = %v", resp)
		}
	})

	t.Run("fresh annotator has no batch", func(t *testing.T) {
		code, resp := doJSON(t, h, "GET", "/api/status?annotator=alice", nil)
		if code != http.StatusOK {
			t.Fatalf("status = %d, want 200", code)
		}
		if resp["state"] != "no_batch" {
			t.Errorf("state = %v, want no_batch", resp["state"])
		}
	})

	t.Run("claim hands out the first batch", func(t *testing.T) {
		code, resp := doJSON(t, h, "POST", "/api/claim_batch", map[string]string{"annotator": "alice"})
		if code != http.StatusOK {
			t.Fatalf("claim = %d, want 200", code)
		}
		if resp["state"] != "in_progress" || resp["current_farm_id"] != "farm_a" {
			t.Errorf("claim response = %v", resp)
		}
	})

	t.Run("farm detail lists chronological thumbnails", func(t *testing.T) {
		code, resp := doJSON(t, h, "GET", "/api/farm/farm_a", nil)
		if code != http.StatusOK {
			t.Fatalf("farm = %d, want 200", code)
		}
		if resp["image_count"] != float64(2) {
			t.Errorf("image_count = %v, want 2", resp["image_count"])
		}
		thumbs := resp["thumbnails"].([]any)
		first := thumbs[0].(map[string]any)
		if first["filename"] != "2024_6_01.png" {
			t.Errorf("first thumbnail = %v, want the June capture", first["filename"])
		}
		if first["date_display"] != "Jun 2024" {
			t.Errorf("date_display = %v", first["date_display"])
		}
	})

	t.Run("unknown farm is 404", func(t *testing.T) {
		code, _ := doJSON(t, h, "GET", "/api/farm/farm_z", nil)
		if code != http.StatusNotFound {
			t.Errorf("farm = %d, want 404", code)
		}
	})

	t.Run("thumbnail renders and caches", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/thumbnail?farm_id=farm_a&filename=2024_6_01.png&w=8&h=8", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("thumbnail = %d, want 200", rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
			t.Errorf("Content-Type = %q", ct)
		}
		if rec.Header().Get("X-Render-Failed") != "" {
			t.Error("healthy thumbnail should not be flagged as failed")
		}
		if _, err := png.Decode(bytes.NewReader(rec.Body.Bytes())); err != nil {
			t.Errorf("response is not a PNG: %v", err)
		}
		if app.Cache.Len() != 1 {
			t.Errorf("Cache.Len() = %d, want 1", app.Cache.Len())
		}
	})

	t.Run("broken source yields the placeholder", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/thumbnail?farm_id=farm_c&filename=broken.png", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("thumbnail = %d, want 200", rec.Code)
		}
		if rec.Header().Get("X-Render-Failed") != "1" {
			t.Error("placeholder response should carry X-Render-Failed")
		}
		if _, err := png.Decode(bytes.NewReader(rec.Body.Bytes())); err != nil {
			t.Errorf("placeholder is not a PNG: %v", err)
		}
	})

	t.Run("save without selection is 400", func(t *testing.T) {
		code, _ := doJSON(t, h, "POST", "/api/save_annotation",
			map[string]string{"annotator": "alice", "farm_id": "farm_a"})
		if code != http.StatusBadRequest {
			t.Errorf("save = %d, want 400", code)
		}
	})

	t.Run("save records the selection and completes the batch", func(t *testing.T) {
		code, resp := doJSON(t, h, "POST", "/api/save_annotation", map[string]string{
			"annotator": "alice", "farm_id": "farm_a", "selected_image": "2024_10_03.png",
		})
		if code != http.StatusOK {
			t.Fatalf("save = %d, want 200: %v", code, resp)
		}
		if resp["state"] != "batch_complete" || resp["completed"] != true {
			t.Errorf("save response = %v", resp)
		}

		data, err := os.ReadFile(app.Config.CSVPath)
		if err != nil {
			t.Fatalf("ReadFile(csv) error = %v", err)
		}
		if !strings.Contains(string(data), "farm_a,2024_10_03.png") {
			t.Errorf("CSV missing the annotation row:\n%s", data)
		}
	})

	t.Run("farm detail reports the previous selection", func(t *testing.T) {
		code, resp := doJSON(t, h, "GET", "/api/farm/farm_a?annotator=alice", nil)
		if code != http.StatusOK {
			t.Fatalf("farm = %d, want 200", code)
		}
		if resp["selected_index"] != float64(1) {
			t.Errorf("selected_index = %v, want 1", resp["selected_index"])
		}
	})

	t.Run("skip advances and release returns the batch", func(t *testing.T) {
		code, resp := doJSON(t, h, "POST", "/api/claim_batch", map[string]string{"annotator": "alice"})
		if code != http.StatusOK || resp["current_farm_id"] != "farm_b" {
			t.Fatalf("claim = %d %v, want farm_b", code, resp)
		}
		code, _ = doJSON(t, h, "POST", "/api/release_batch", map[string]string{"annotator": "alice"})
		if code != http.StatusOK {
			t.Fatalf("release = %d, want 200", code)
		}
		code, resp = doJSON(t, h, "POST", "/api/claim_batch", map[string]string{"annotator": "bob"})
		if code != http.StatusOK || resp["current_farm_id"] != "farm_b" {
			t.Errorf("claim(bob) = %d %v, want released farm_b", code, resp)
		}
	})

	t.Run("release without a batch is 400", func(t *testing.T) {
		code, _ := doJSON(t, h, "POST", "/api/release_batch", map[string]string{"annotator": "alice"})
		if code != http.StatusBadRequest {
			t.Errorf("release = %d, want 400", code)
		}
	})

	t.Run("admin tasks summarizes batches and sessions", func(t *testing.T) {
		code, resp := doJSON(t, h, "GET", "/api/admin/tasks", nil)
		if code != http.StatusOK {
			t.Fatalf("admin tasks = %d, want 200", code)
		}
		if resp["total_farms"] != float64(3) {
			t.Errorf("total_farms = %v, want 3", resp["total_farms"])
		}
		if len(resp["batches"].([]any)) != 3 {
			t.Errorf("batches = %v, want 3", resp["batches"])
		}
		if len(resp["sessions"].([]any)) != 2 {
			t.Errorf("sessions = %v, want 2", resp["sessions"])
		}
	})

	t.Run("admin page renders", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/admin", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("admin = %d, want 200", rec.Code)
		}
		body := rec.Body.String()
		if !strings.Contains(body, "Batches") || !strings.Contains(body, "alice") {
			t.Errorf("admin page missing expected content:\n%s", body)
		}
	})
}

func TestApp_RestartResumes(t *testing.T) {
	dir := t.TempDir()
	dataset := filepath.Join(dir, "dataset")
	writeTestPNG(t, filepath.Join(dataset, "farm_a", "2024_6_01.png"))
	writeTestPNG(t, filepath.Join(dataset, "farm_b", "2024_7_15.png"))

	cfg := &Config{
		DatasetRoot:  dataset,
		IndexPath:    filepath.Join(dir, "farm_index.json"),
		DatabasePath: filepath.Join(dir, "harvestmark.db"),
		CSVPath:      filepath.Join(dir, "annotations.csv"),
		BackupDir:    filepath.Join(dir, "by_user"),
		BatchSize:    2,
	}
	cfg.Cache.Dir = filepath.Join(dir, "thumbnail_cache")
	cfg.Cache.CapacityBytes = 1 << 20
	cfg.Cache.RenderTimeout = "5s"

	app, err := NewApp(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	h := app.Handler()
	doJSON(t, h, "POST", "/api/login", map[string]string{"name": "alice"})
	code, _ := doJSON(t, h, "POST", "/api/claim_batch", map[string]string{"annotator": "alice"})
	if code != http.StatusOK {
		t.Fatalf("claim = %d, want 200", code)
	}
	code, resp := doJSON(t, h, "POST", "/api/skip_farm", map[string]string{"annotator": "alice"})
	if code != http.StatusOK || resp["current_farm_id"] != "farm_b" {
		t.Fatalf("skip = %d %v", code, resp)
	}
	app.Close()

	reopened, err := NewApp(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewApp() after restart error = %v", err)
	}
	defer reopened.Close()

	code, resp = doJSON(t, reopened.Handler(), "GET", "/api/status?annotator=alice", nil)
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if resp["state"] != "in_progress" || resp["current_farm_id"] != "farm_b" || resp["cursor"] != float64(1) {
		t.Errorf("restart status = %v, want resumed at farm_b", resp)
	}
}
