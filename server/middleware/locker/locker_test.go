package locker_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"
	"github.com/nasa-jpl/ideactl/generichttp"
	"github.com/nasa-jpl/ideactl/server/middleware/locker"
)

type table generichttp.RouteTable

func (t table) RT() generichttp.RouteTable { return generichttp.RouteTable(t) }

func newRouter(l *locker.Locker) http.Handler {
	rt := table{
		generichttp.MethodPath{Method: http.MethodPost, Path: "/axis/{axis}/pos"}: func(w http.ResponseWriter, r *http.Request) {},
		generichttp.MethodPath{Method: http.MethodGet, Path: "/axis/{axis}/pos"}:  func(w http.ResponseWriter, r *http.Request) {},
	}
	locker.Inject(rt, l)
	r := chi.NewRouter()
	r.Use(l.Check)
	rt.RT().Bind(r)
	return r
}

func do(h http.Handler, method, url, body string) int {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, url, strings.NewReader(body)))
	return w.Code
}

func TestLockedRefusesWrites(t *testing.T) {
	l := locker.New()
	h := newRouter(l)
	if code := do(h, http.MethodPost, "/axis/0/pos", `{"f64":1}`); code != http.StatusOK {
		t.Fatalf("expected 200 while unlocked, got %d", code)
	}
	l.Lock()
	if code := do(h, http.MethodPost, "/axis/0/pos", `{"f64":1}`); code != http.StatusLocked {
		t.Errorf("expected 423 while locked, got %d", code)
	}
	if code := do(h, http.MethodGet, "/axis/0/pos", ""); code != http.StatusOK {
		t.Errorf("expected reads to pass while locked, got %d", code)
	}
}

func TestLockRouteIsNeverLocked(t *testing.T) {
	l := locker.New()
	h := newRouter(l)
	if code := do(h, http.MethodPost, "/lock", `{"bool":true}`); code != http.StatusOK {
		t.Fatalf("expected 200 locking, got %d", code)
	}
	if !l.Locked() {
		t.Fatal("expected locker to be locked")
	}
	if code := do(h, http.MethodPost, "/lock", `{"bool":false}`); code != http.StatusOK {
		t.Fatalf("expected 200 unlocking while locked, got %d", code)
	}
	if l.Locked() {
		t.Error("expected locker to be unlocked")
	}
}

func TestLockGet(t *testing.T) {
	l := locker.New()
	h := newRouter(l)
	l.Lock()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/lock", nil))
	if got := strings.TrimSpace(w.Body.String()); got != `{"bool":true}` {
		t.Errorf("expected locked payload, got %s", got)
	}
}
