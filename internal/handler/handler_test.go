package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/vedranjukic/apex/internal/config"
	"github.com/vedranjukic/apex/internal/events"
	"github.com/vedranjukic/apex/internal/model"
	"github.com/vedranjukic/apex/internal/project"
	"github.com/vedranjukic/apex/internal/provider/mock"
	"github.com/vedranjukic/apex/internal/sandbox"
	"github.com/vedranjukic/apex/internal/session"
	"github.com/vedranjukic/apex/internal/settings"
	"github.com/vedranjukic/apex/internal/store"
)

type fixture struct {
	t        *testing.T
	store    *store.Store
	provider *mock.Provider
	srv      *httptest.Server
}

func setup(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	if err := db.AutoMigrate(model.AllModels()...); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	st := store.New(db)
	if err := st.CreateUser(context.Background(), model.NewDefaultUser()); err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}

	p := mock.New()
	manager := sandbox.NewManager(p, nil)
	holder := sandbox.NewHolder(manager)
	t.Cleanup(manager.Close)

	broker := events.NewBroker()
	projects := project.NewService(st, holder, broker, "snapshot-1", nil)
	orc := session.New(st, holder, session.Options{}, nil)
	t.Cleanup(orc.Close)

	cfg := &config.Config{}
	settingsSvc := settings.NewService(st, cfg, holder, projects, nil, nil)

	h := New(st, cfg, projects, orc, settingsSvc, nil)
	r := chi.NewRouter()
	h.Register(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &fixture{t: t, store: st, provider: p, srv: srv}
}

func (f *fixture) do(method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	f.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			f.t.Fatalf("failed to encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	if err != nil {
		f.t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		f.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (f *fixture) waitForStatus(projectID, want string) {
	f.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		p, err := f.store.GetProjectByID(context.Background(), projectID)
		if err == nil && p.Status == want {
			return
		}
		if time.Now().After(deadline) {
			f.t.Fatalf("project never reached status %q", want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestProjectLifecycleOverREST(t *testing.T) {
	f := setup(t)

	resp, created := f.do("POST", "/api/projects", map[string]string{"name": "My App"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, body %v", resp.StatusCode, created)
	}
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatalf("create returned no id: %v", created)
	}
	if created["status"] != model.ProjectStatusCreating {
		t.Errorf("initial status = %v, want creating", created["status"])
	}

	f.waitForStatus(id, model.ProjectStatusRunning)

	resp, got := f.do("GET", "/api/projects/"+id, nil)
	if resp.StatusCode != http.StatusOK || got["status"] != model.ProjectStatusRunning {
		t.Fatalf("get status = %d, project %v", resp.StatusCode, got)
	}

	resp, renamed := f.do("PUT", "/api/projects/"+id, map[string]string{"name": "Renamed"})
	if resp.StatusCode != http.StatusOK || renamed["name"] != "Renamed" {
		t.Errorf("rename status = %d, project %v", resp.StatusCode, renamed)
	}

	resp, _ = f.do("DELETE", "/api/projects/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp, _ = f.do("GET", "/api/projects/"+id, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", resp.StatusCode)
	}
}

func TestForkEndpoint(t *testing.T) {
	f := setup(t)

	_, created := f.do("POST", "/api/projects", map[string]string{"name": "Root"})
	id := created["id"].(string)
	f.waitForStatus(id, model.ProjectStatusRunning)

	resp, fork := f.do("POST", "/api/projects/"+id+"/fork", map[string]string{"branchName": "feature-x"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("fork status = %d, body %v", resp.StatusCode, fork)
	}
	if fork["forkedFromId"] != id {
		t.Errorf("forkedFromId = %v, want %v", fork["forkedFromId"], id)
	}
	if fork["name"] != "Root (feature-x)" {
		t.Errorf("fork name = %v", fork["name"])
	}

	resp, _ = f.do("GET", "/api/projects/"+id+"/forks", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("forks status = %d", resp.StatusCode)
	}
}

func TestVscodeURLWithoutSandbox(t *testing.T) {
	f := setup(t)

	p := &model.Project{UserID: model.DefaultUserID, Name: "Bare", Status: model.ProjectStatusCreating}
	if err := f.store.CreateProject(context.Background(), p); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	resp, body := f.do("GET", "/api/projects/"+p.ID+"/vscode-url", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, body %v, want 409", resp.StatusCode, body)
	}
}

func TestSettingsRejectUnknownKey(t *testing.T) {
	f := setup(t)

	resp, _ := f.do("PUT", "/api/settings/favorite_color", map[string]string{"value": "blue"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}

	resp, _ = f.do("PUT", "/api/settings/"+model.SettingSandboxSnapshot, map[string]string{"value": "apex:v2"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestChatCRUDAndMessages(t *testing.T) {
	f := setup(t)

	_, created := f.do("POST", "/api/projects", map[string]string{"name": "Chatty"})
	projectID := created["id"].(string)
	f.waitForStatus(projectID, model.ProjectStatusRunning)

	resp, chat := f.do("POST", "/api/projects/"+projectID+"/chats", map[string]string{"title": "First", "mode": "agent"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create chat status = %d", resp.StatusCode)
	}
	chatID := chat["id"].(string)

	resp, _ = f.do("GET", "/api/chats/"+chatID+"/messages", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("messages status = %d", resp.StatusCode)
	}

	resp, updated := f.do("PUT", "/api/chats/"+chatID, map[string]string{"title": "Second"})
	if resp.StatusCode != http.StatusOK || updated["title"] != "Second" {
		t.Errorf("update chat status = %d, chat %v", resp.StatusCode, updated)
	}

	resp, _ = f.do("DELETE", "/api/chats/"+chatID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete chat status = %d", resp.StatusCode)
	}
	resp, _ = f.do("GET", "/api/chats/"+chatID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get deleted chat status = %d", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	f := setup(t)
	resp, body := f.do("GET", "/health", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health = %d %v", resp.StatusCode, body)
	}
}
