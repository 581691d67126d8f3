package quickjs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cryguy/scriptd/internal/core"
	"github.com/cryguy/scriptd/internal/loader"
	"github.com/cryguy/scriptd/internal/metrics"
	"github.com/cryguy/scriptd/internal/storage"
)

func testEngine() core.EngineConfig {
	cfg := core.DefaultEngineConfig()
	cfg.PoolSize = 2
	cfg.MemoryLimitMB = 64
	cfg.ExecutionTimeout = 2000
	cfg.AcquireTimeout = 2000
	cfg.FetchAllowPrivate = true
	return cfg
}

func writeScripts(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, src := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0644); err != nil {
			t.Fatalf("writing %s: %v", name, err)
		}
	}
}

type poolOpt func(*Options)

func withEngine(fn func(*core.EngineConfig)) poolOpt {
	return func(o *Options) { fn(&o.Engine) }
}

func withStorage(s core.Storage) poolOpt {
	return func(o *Options) { o.Storage = s }
}

func withMetrics(m *metrics.Metrics) poolOpt {
	return func(o *Options) { o.Metrics = m }
}

func newPoolErr(t *testing.T, dir string, opts ...poolOpt) (*Pool, error) {
	t.Helper()
	o := Options{Engine: testEngine()}
	for _, fn := range opts {
		fn(&o)
	}
	p, err := New(loader.New(core.ScriptsConfig{Dir: dir, MaxScriptSizeKB: 256}, nil), o)
	if err == nil {
		t.Cleanup(func() { _ = p.Close() })
	}
	return p, err
}

func newTestPool(t *testing.T, src string, opts ...poolOpt) *Pool {
	t.Helper()
	dir := t.TempDir()
	writeScripts(t, dir, map[string]string{"main.js": src})
	p, err := newPoolErr(t, dir, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func memoryStorage(t *testing.T) core.Storage {
	t.Helper()
	s, err := storage.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func dispatch(ctx context.Context, p *Pool, method, path string, body []byte) (*core.Response, error) {
	route, params, ok := p.Registry().Match(method, path)
	if !ok {
		return nil, core.ErrNoRoute
	}
	iso, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.Release(iso)
	return iso.Invoke(ctx, Invocation{
		Handler: route.Handler,
		Kind:    route.Kind,
		Route:   route.Signature(),
		Request: &core.Request{
			Method: method,
			Path:   path,
			URI:    path,
			Header: http.Header{"X-Test": {"a", "b"}},
			Body:   body,
			Params: params,
		},
	})
}

func mustDispatch(t *testing.T, p *Pool, method, path string, body []byte) *core.Response {
	t.Helper()
	resp, err := dispatch(context.Background(), p, method, path, body)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func TestPool_ParamBinding(t *testing.T) {
	p := newTestPool(t, `
addRoute("GET", "/test/{table}", jsonHandler(function(req) {
	return { table: req.params.table, method: req.method };
}));`)

	resp := mustDispatch(t, p, "GET", "/test/users", nil)
	if resp.Status != 200 {
		t.Fatalf("status = %d", resp.Status)
	}
	if got := string(resp.Body); got != `{"table":"users","method":"GET"}` {
		t.Errorf("body = %s", got)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %q", ct)
	}

	if _, err := dispatch(context.Background(), p, "GET", "/other/x", nil); !errors.Is(err, core.ErrNoRoute) {
		t.Errorf("expected ErrNoRoute, got %v", err)
	}
}

func TestPool_ResponseKinds(t *testing.T) {
	p := newTestPool(t, `
addRoute("GET", "/text", function() { return 42; });
addRoute("GET", "/html", htmlHandler(function() { return "<b>hi</b>"; }));
addRoute("GET", "/json-undefined", function() {}, "json");
addRoute("GET", "/null", function() { return null; });
addRoute("POST", "/created", jsonHandler(function(req) {
	return response(req.json(), { status: StatusCodes.CREATED, headers: { "X-Id": "7" } });
}));`)

	cases := []struct {
		method, path, body string
		status             int
		want, ctype        string
	}{
		{"GET", "/text", "", 200, "42", "text/plain; charset=utf-8"},
		{"GET", "/html", "", 200, "<b>hi</b>", "text/html; charset=utf-8"},
		{"GET", "/json-undefined", "", 200, "null", "application/json"},
		{"GET", "/null", "", 200, "", "text/plain; charset=utf-8"},
		{"POST", "/created", `{"a":[1,2]}`, 201, `{"a":[1,2]}`, "application/json"},
	}
	for _, tc := range cases {
		resp := mustDispatch(t, p, tc.method, tc.path, []byte(tc.body))
		if resp.Status != tc.status || string(resp.Body) != tc.want || resp.Header.Get("Content-Type") != tc.ctype {
			t.Errorf("%s %s = %d %q %q", tc.method, tc.path, resp.Status, resp.Body, resp.Header.Get("Content-Type"))
		}
	}
	resp := mustDispatch(t, p, "POST", "/created", []byte(`{}`))
	if resp.Header.Get("X-Id") != "7" {
		t.Errorf("X-Id = %q", resp.Header.Get("X-Id"))
	}
}

func TestPool_RequestObject(t *testing.T) {
	p := newTestPool(t, `
addRoute("GET", "/req", jsonHandler(function(req) {
	return { headers: req.headers["x-test"], body: req.body.length, user: req.user };
}));`)
	resp := mustDispatch(t, p, "GET", "/req", []byte{1, 2, 3})
	if got := string(resp.Body); got != `{"headers":"a, b","body":3,"user":null}` {
		t.Errorf("body = %s", got)
	}
}

func TestPool_DuplicateRouteFailsLoad(t *testing.T) {
	for name, src := range map[string]string{
		"plain": `addRoute("GET", "/a", function() {}); addRoute("GET", "/a", function() {});`,
		"caught": `addRoute("GET", "/a", function() {});
try { addRoute("get", "/a", function() {}); } catch (e) {}`,
		"param names": `addRoute("GET", "/u/{id}", function() {}); addRoute("GET", "/u/:name", function() {});`,
	} {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			writeScripts(t, dir, map[string]string{"main.js": src})
			_, err := newPoolErr(t, dir)
			var ce *core.ConfigurationError
			if !errors.As(err, &ce) {
				t.Fatalf("expected ConfigurationError, got %v", err)
			}
			if ce.Phase != "register" {
				t.Errorf("phase = %q", ce.Phase)
			}
		})
	}
}

func TestPool_CompileErrorFailsLoad(t *testing.T) {
	dir := t.TempDir()
	writeScripts(t, dir, map[string]string{"main.js": `throw new Error("boom at load");`})
	_, err := newPoolErr(t, dir)
	var ce *core.ConfigurationError
	if !errors.As(err, &ce) || ce.Phase != "compile" || ce.File != "main.js" {
		t.Fatalf("expected compile ConfigurationError for main.js, got %v", err)
	}
}

func TestPool_RouteOutsideLoadIsRejected(t *testing.T) {
	p := newTestPool(t, `
addRoute("GET", "/late", function() {
	try { addRoute("GET", "/x", function() {}); return "registered"; }
	catch (e) { return "rejected"; }
});`)
	resp := mustDispatch(t, p, "GET", "/late", nil)
	if string(resp.Body) != "rejected" {
		t.Errorf("body = %q", resp.Body)
	}
}

// stalledStorage blocks every call until its context ends.
type stalledStorage struct {
	started chan struct{}
	once    sync.Once
}

func (s *stalledStorage) Query(ctx context.Context, _ string, _ []core.Value) ([]core.Row, error) {
	s.once.Do(func() { close(s.started) })
	<-ctx.Done()
	return nil, &core.StorageError{Kind: core.StorageIO, Err: ctx.Err()}
}

func (s *stalledStorage) Execute(ctx context.Context, q string, p []core.Value) (int64, error) {
	_, err := s.Query(ctx, q, p)
	return 0, err
}

func (s *stalledStorage) Close() error { return nil }

func TestPool_CapacityExceeded(t *testing.T) {
	store := &stalledStorage{started: make(chan struct{})}
	p := newTestPool(t, `
addRoute("GET", "/stall", async function() { await query("SELECT 1"); return "done"; });
addRoute("GET", "/fast", function() { return "fast"; });`,
		withStorage(store),
		withEngine(func(c *core.EngineConfig) {
			c.PoolSize = 1
			c.AcquireTimeout = 100
			c.ExecutionTimeout = 10000
		}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := dispatch(ctx, p, "GET", "/stall", nil)
		done <- err
	}()

	select {
	case <-store.started:
	case <-time.After(5 * time.Second):
		t.Fatal("stalled query never started")
	}

	start := time.Now()
	_, err := dispatch(context.Background(), p, "GET", "/fast", nil)
	if !errors.Is(err, core.ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if time.Since(start) < 90*time.Millisecond {
		t.Errorf("acquire gave up after %v", time.Since(start))
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("stalled request: %v", err)
	}

	resp := mustDispatch(t, p, "GET", "/fast", nil)
	if string(resp.Body) != "fast" {
		t.Errorf("body = %q", resp.Body)
	}
}

func TestPool_TimeoutReplacesIsolate(t *testing.T) {
	p := newTestPool(t, `
addRoute("GET", "/spin", function() { while (true) {} });
addRoute("GET", "/ok", function() { return "ok"; });`,
		withEngine(func(c *core.EngineConfig) {
			c.PoolSize = 1
			c.ExecutionTimeout = 200
			c.AcquireTimeout = 5000
		}))

	iso, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	firstID := iso.ID
	p.Release(iso)

	_, err = dispatch(context.Background(), p, "GET", "/spin", nil)
	if !errors.Is(err, core.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	iso, err = p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after timeout: %v", err)
	}
	if iso.ID == firstID {
		t.Error("timed out isolate was reused")
	}
	p.Release(iso)

	resp := mustDispatch(t, p, "GET", "/ok", nil)
	if string(resp.Body) != "ok" {
		t.Errorf("body = %q", resp.Body)
	}
}

func TestPool_ErrorMapping(t *testing.T) {
	p := newTestPool(t, `
addRoute("GET", "/missing", function() { throw new HttpError(404, "not found"); });
addRoute("GET", "/async-missing", async function() { await sleep(1); throw HttpError.from(StatusCodes.GONE); });
addRoute("GET", "/boom", function() { throw new Error("secret detail"); });
addRoute("GET", "/bad-status", function() { throw new HttpError(42, "nope"); });
addRoute("GET", "/never", function() { return new Promise(function() {}); });`)

	_, err := dispatch(context.Background(), p, "GET", "/missing", nil)
	var he *core.HandlerError
	if !errors.As(err, &he) || he.Status != 404 || he.Message != "not found" {
		t.Errorf("/missing: %v", err)
	}

	_, err = dispatch(context.Background(), p, "GET", "/async-missing", nil)
	if !errors.As(err, &he) || he.Status != 410 || he.Message != "Gone" {
		t.Errorf("/async-missing: %v", err)
	}

	var ie *core.InternalError
	_, err = dispatch(context.Background(), p, "GET", "/boom", nil)
	if !errors.As(err, &ie) || !strings.Contains(ie.Message, "secret detail") {
		t.Errorf("/boom: %v", err)
	}

	_, err = dispatch(context.Background(), p, "GET", "/bad-status", nil)
	if !errors.As(err, &ie) {
		t.Errorf("/bad-status: %v", err)
	}

	start := time.Now()
	_, err = dispatch(context.Background(), p, "GET", "/never", nil)
	if !errors.As(err, &ie) {
		t.Errorf("/never: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("unsettleable handler took %v", time.Since(start))
	}
}

func TestPool_Reload(t *testing.T) {
	dir := t.TempDir()
	writeScripts(t, dir, map[string]string{"main.js": `addRoute("GET", "/v", function() { return "v1"; });`})
	p, err := newPoolErr(t, dir)
	if err != nil {
		t.Fatal(err)
	}

	held, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	writeScripts(t, dir, map[string]string{"main.js": `addRoute("GET", "/v", function() { return "v2"; });`})
	if err := p.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if p.Generation() != 2 {
		t.Errorf("generation = %d", p.Generation())
	}

	for i := 0; i < 4; i++ {
		resp := mustDispatch(t, p, "GET", "/v", nil)
		if string(resp.Body) != "v2" {
			t.Fatalf("request %d after reload saw %q", i, resp.Body)
		}
	}

	if held.Generation != 1 {
		t.Errorf("held isolate generation = %d", held.Generation)
	}
	p.Release(held)
	if held.Status() != StatusDisposed {
		t.Errorf("old isolate status after release = %v", held.Status())
	}

	writeScripts(t, dir, map[string]string{"main.js": `addRoute("GET", "/v", function() {}); addRoute("GET", "/v", function() {});`})
	var ce *core.ConfigurationError
	if err := p.Reload(); !errors.As(err, &ce) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	resp := mustDispatch(t, p, "GET", "/v", nil)
	if string(resp.Body) != "v2" {
		t.Errorf("failed reload replaced the live generation: %q", resp.Body)
	}
}

func TestPool_Database(t *testing.T) {
	p := newTestPool(t, `
addRoute("POST", "/setup", async function() {
	await execute("CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT UNIQUE, price REAL, data BLOB, note TEXT)");
	return "ok";
});
addRoute("POST", "/insert", async function() {
	var n = await execute("INSERT INTO items VALUES (?, ?, ?, ?, ?)",
		[9007199254740993n, "widget", 2.5, new Uint8Array([0, 255]), null]);
	return n;
});
addRoute("GET", "/items", jsonHandler(async function() {
	var rows = await query("SELECT id, name, price, data, note FROM items");
	var r = rows[0];
	return [typeof r[0], r[0].toString(), r[1], r[2], Array.from(r[3]), r[4]];
}));
addRoute("POST", "/dup", async function() {
	try {
		await execute("INSERT INTO items (id, name) VALUES (?, ?)", [1, "widget"]);
		return "inserted";
	} catch (e) {
		return [e instanceof StorageError, e.kind, e.retryable].join(":");
	}
});
addRoute("GET", "/bad-param", async function() {
	try { await query("SELECT ?", [{}]); return "accepted"; }
	catch (e) { return e.name; }
});
addRoute("GET", "/sequential", jsonHandler(async function() {
	var a = query("SELECT 1");
	var b = query("SELECT 'two'");
	var c = query("SELECT 3.5");
	var all = await Promise.all([a, b, c]);
	return all.map(function(rows) { return rows[0][0]; });
}));`, withStorage(memoryStorage(t)))

	mustDispatch(t, p, "POST", "/setup", nil)
	if resp := mustDispatch(t, p, "POST", "/insert", nil); string(resp.Body) != "1" {
		t.Errorf("insert = %q", resp.Body)
	}
	if resp := mustDispatch(t, p, "GET", "/items", nil); string(resp.Body) != `["bigint","9007199254740993","widget",2.5,[0,255],null]` {
		t.Errorf("items = %s", resp.Body)
	}
	if resp := mustDispatch(t, p, "POST", "/dup", nil); string(resp.Body) != "true:constraint:false" {
		t.Errorf("dup = %q", resp.Body)
	}
	if resp := mustDispatch(t, p, "GET", "/bad-param", nil); string(resp.Body) != "TypeError" {
		t.Errorf("bad-param = %q", resp.Body)
	}
	if resp := mustDispatch(t, p, "GET", "/sequential", nil); string(resp.Body) != `[1,"two",3.5]` {
		t.Errorf("sequential = %s", resp.Body)
	}
}

func TestPool_TextCodec(t *testing.T) {
	p := newTestPool(t, `
addRoute("POST", "/decode", jsonHandler(function(req) {
	var s = req.text();
	var units = [];
	for (var i = 0; i < s.length; i++) units.push(s.charCodeAt(i));
	return units;
}));
addRoute("GET", "/encode", jsonHandler(function() {
	return Array.from(new TextEncoder().encode("aé€😀\ud800z"));
}));
addRoute("GET", "/lone", function() { return "a\ud800b\udc00c"; });
addRoute("GET", "/bytes", function() { return response(new Uint8Array([0xff, 0x00, 0x80])); });`)

	resp := mustDispatch(t, p, "POST", "/decode", []byte{0xF0, 0x9F, 0x98, 0x80, 0x80, 'x', 0xE2, 0x82})
	if got := string(resp.Body); got != `[55357,56832,120]` {
		t.Errorf("decode = %s", got)
	}

	resp = mustDispatch(t, p, "GET", "/encode", nil)
	if got := string(resp.Body); got != `[97,195,169,226,130,172,240,159,152,128,122]` {
		t.Errorf("encode = %s", got)
	}

	resp = mustDispatch(t, p, "GET", "/lone", nil)
	if got := string(resp.Body); got != "abc" {
		t.Errorf("lone = %q", got)
	}

	resp = mustDispatch(t, p, "GET", "/bytes", nil)
	if got := resp.Body; len(got) != 3 || got[0] != 0xff || got[2] != 0x80 {
		t.Errorf("bytes = %v", got)
	}
}

func TestPool_Timers(t *testing.T) {
	p := newTestPool(t, `
addRoute("GET", "/order", async function() {
	var out = [];
	setTimeout(function() { out.push("b"); }, 30);
	setTimeout(function() { out.push("a"); }, 5);
	var id = setTimeout(function() { out.push("x"); }, 10);
	clearTimeout(id);
	await sleep(60);
	return out.join("");
});
addRoute("GET", "/leak", function() {
	setTimeout(function() { globalThis.leaked = true; }, 1);
	return "scheduled";
});
addRoute("GET", "/leaked", function() { return String(globalThis.leaked === true); });`,
		withEngine(func(c *core.EngineConfig) { c.PoolSize = 1 }))

	if resp := mustDispatch(t, p, "GET", "/order", nil); string(resp.Body) != "ab" {
		t.Errorf("order = %q", resp.Body)
	}
	mustDispatch(t, p, "GET", "/leak", nil)
	time.Sleep(20 * time.Millisecond)
	if resp := mustDispatch(t, p, "GET", "/leaked", nil); string(resp.Body) != "false" {
		t.Errorf("timer outlived its request: %q", resp.Body)
	}
}

func TestPool_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", r.Method)
		fmt.Fprintf(w, `{"path":%q}`, r.URL.Path)
	}))
	defer srv.Close()

	p := newTestPool(t, fmt.Sprintf(`
addRoute("GET", "/proxy", jsonHandler(async function() {
	var r = await fetch(%q + "/up", { method: "post" });
	var body = await r.json();
	return [r.status, r.ok, r.headers["x-upstream"], body.path];
}));
addRoute("GET", "/budget", async function() {
	try {
		await fetch(%q);
		await fetch(%q);
		return "unlimited";
	} catch (e) { return e.message; }
});`, srv.URL, srv.URL, srv.URL),
		withEngine(func(c *core.EngineConfig) { c.MaxFetchRequests = 1 }))

	if resp := mustDispatch(t, p, "GET", "/proxy", nil); string(resp.Body) != `[200,true,"POST","/up"]` {
		t.Errorf("proxy = %s", resp.Body)
	}
	if resp := mustDispatch(t, p, "GET", "/budget", nil); !strings.Contains(string(resp.Body), "maximum fetch requests") {
		t.Errorf("budget = %q", resp.Body)
	}
}

func TestPool_PeriodicRegistration(t *testing.T) {
	p := newTestPool(t, `
var ticks = 0;
addPeriodicCallback(10, function() { ticks++; });
addRoute("GET", "/", function() { return "root"; });`)

	periodic := p.Periodic()
	if len(periodic) != 1 || periodic[0].IntervalMs != 100 {
		t.Fatalf("periodic = %+v", periodic)
	}

	iso, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Release(iso)
	resp, err := iso.Invoke(context.Background(), Invocation{Handler: periodic[0].Handler})
	if err != nil || resp.Status != 200 {
		t.Fatalf("periodic invoke: %v", err)
	}
}

func TestPool_IsolatesDoNotShareState(t *testing.T) {
	p := newTestPool(t, `
var count = 0;
addRoute("GET", "/inc", function() { count++; return count; });`)

	a, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Release(a)
	defer p.Release(b)

	route, _, _ := p.Registry().Match("GET", "/inc")
	inv := Invocation{Handler: route.Handler, Kind: route.Kind, Request: &core.Request{Method: "GET", Path: "/inc"}}
	for i := 0; i < 3; i++ {
		if _, err := a.Invoke(context.Background(), inv); err != nil {
			t.Fatal(err)
		}
	}
	resp, err := b.Invoke(context.Background(), inv)
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Body) != "1" {
		t.Errorf("second isolate saw count %q", resp.Body)
	}
}

func TestPool_AcquireAfterClose(t *testing.T) {
	p := newTestPool(t, `addRoute("GET", "/", function() { return ""; });`)
	_ = p.Close()
	if _, err := p.Acquire(context.Background()); !errors.Is(err, core.ErrPoolClosed) {
		t.Errorf("expected ErrPoolClosed, got %v", err)
	}
}

func TestPool_BinaryPaths(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		_, _ = w.Write(b)
	}))
	defer srv.Close()

	p := newTestPool(t, fmt.Sprintf(`
addRoute("GET", "/base64", jsonHandler(function() {
	var bin = atob("YQBi");
	var rejected = false;
	try { btoa("\u0100"); } catch (e) { rejected = true; }
	return [btoa("a\u0000b"), bin.length, bin.charCodeAt(1), atob(" YW\nJj "), btoa(""), rejected];
}));
addRoute("GET", "/roundtrip", jsonHandler(function() {
	var s = "héllo 😀 \u0000 ab";
	var enc = new TextEncoder().encode(s);
	return [enc.length, new TextDecoder().decode(enc) === s, new TextDecoder().decode(new Uint8Array([104, 0, 105])).length];
}));
addRoute("GET", "/blob", jsonHandler(async function() {
	var rows = await query("SELECT length(?), hex(?)", [new Uint8Array([0, 1, 2, 3]), new Uint8Array([0, 255])]);
	return rows[0];
}));
addRoute("GET", "/post-text", async function() {
	var r = await fetch(%[1]q, { method: "POST", body: "hello world" });
	return r.text();
});
addRoute("GET", "/post-bytes", jsonHandler(async function() {
	var r = await fetch(%[1]q, { method: "POST", body: new Uint8Array([0, 1, 0, 2]) });
	return Array.from(await r.bytes());
}));`, srv.URL), withStorage(memoryStorage(t)))

	cases := map[string]string{
		"/base64":     `["YQBi",3,0,"abc","",true]`,
		"/roundtrip":  `[16,true,3]`,
		"/blob":       `[4,"00FF"]`,
		"/post-text":  "hello world",
		"/post-bytes": `[0,1,0,2]`,
	}
	for path, want := range cases {
		if resp := mustDispatch(t, p, "GET", path, nil); string(resp.Body) != want {
			t.Errorf("%s = %s, want %s", path, resp.Body, want)
		}
	}
}

func TestPool_DatabaseBusyIsRetryable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "busy.db")
	holder, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		t.Fatal(err)
	}
	defer holder.Close()

	ctx := context.Background()
	if _, err := holder.ExecContext(ctx, "CREATE TABLE k (v TEXT)"); err != nil {
		t.Fatal(err)
	}
	conn, err := holder.Conn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		t.Fatal(err)
	}

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(0)")
	if err != nil {
		t.Fatal(err)
	}
	store := &storage.SQLite{DB: db}
	t.Cleanup(func() { _ = store.Close() })

	p := newTestPool(t, `
addRoute("POST", "/write", async function() {
	try {
		await execute("INSERT INTO k VALUES (?)", ["a"]);
		return "written";
	} catch (e) {
		return [e instanceof StorageError, e.kind, e.retryable].join(":");
	}
});`, withStorage(store))

	if resp := mustDispatch(t, p, "POST", "/write", nil); string(resp.Body) != "true:busy:true" {
		t.Errorf("locked write = %q", resp.Body)
	}
	if _, err := conn.ExecContext(ctx, "ROLLBACK"); err != nil {
		t.Fatal(err)
	}
	if resp := mustDispatch(t, p, "POST", "/write", nil); string(resp.Body) != "written" {
		t.Errorf("write after unlock = %q", resp.Body)
	}
}

func TestPool_LateWatchdogSparesNextInvocation(t *testing.T) {
	p := newTestPool(t, `
addRoute("GET", "/edge", function() { var end = Date.now() + 1; while (Date.now() < end) {} return "edge"; });
addRoute("GET", "/ok", function() { return "ok"; });`,
		withEngine(func(c *core.EngineConfig) { c.PoolSize = 1 }))

	invocation := func(path string) Invocation {
		route, _, _ := p.Registry().Match("GET", path)
		return Invocation{Handler: route.Handler, Kind: route.Kind, Request: &core.Request{Method: "GET", Path: path}}
	}
	edge, ok := invocation("/edge"), invocation("/ok")

	for i := 0; i < 50; i++ {
		iso, err := p.Acquire(context.Background())
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		iso.engine.ExecutionTimeout = 1
		_, err = iso.Invoke(context.Background(), edge)
		if err == nil && !iso.poisoned {
			// Give a watchdog that lost the race time to fire.
			time.Sleep(3 * time.Millisecond)
			iso.engine.ExecutionTimeout = 5000
			resp, err := iso.Invoke(context.Background(), ok)
			if err != nil || string(resp.Body) != "ok" {
				p.Release(iso)
				t.Fatalf("iteration %d: invocation after a finished one failed: %v", i, err)
			}
		}
		p.Release(iso)
	}
}

func TestPool_ReplacementRetries(t *testing.T) {
	m := metrics.New()
	p := newTestPool(t, `
addRoute("GET", "/spin", function() { while (true) {} });
addRoute("GET", "/ok", function() { return "ok"; });`,
		withMetrics(m),
		withEngine(func(c *core.EngineConfig) {
			c.PoolSize = 1
			c.ExecutionTimeout = 100
			c.AcquireTimeout = 5000
		}))

	var attempts atomic.Int32
	build := p.newIsolate
	p.newIsolate = func(gen uint64, unit *loader.CompiledUnit) (*Isolate, error) {
		if attempts.Add(1) <= 2 {
			return nil, errors.New("out of memory")
		}
		return build(gen, unit)
	}
	p.replaceBackoff = 5 * time.Millisecond

	if _, err := dispatch(context.Background(), p, "GET", "/spin", nil); !errors.Is(err, core.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	resp := mustDispatch(t, p, "GET", "/ok", nil)
	if string(resp.Body) != "ok" {
		t.Errorf("body = %q", resp.Body)
	}
	if n := attempts.Load(); n != 3 {
		t.Errorf("replacement attempts = %d, want 3", n)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	for _, want := range []string{
		"scriptd_isolate_replacement_failures_total 2",
		"scriptd_isolate_replacements_total 1",
	} {
		if !strings.Contains(rec.Body.String(), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}
