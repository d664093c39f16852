package syncq

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/schoolhub/syncq/internal/logging"
	"github.com/schoolhub/syncq/internal/syncq/dispatch"
	"github.com/schoolhub/syncq/internal/syncq/store"
	"github.com/schoolhub/syncq/internal/syncq/task"
	"github.com/schoolhub/syncq/internal/syncq/transport"
)

func newServer(t *testing.T, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newClient(t *testing.T, base string) *transport.Client {
	t.Helper()
	c, err := transport.New(transport.Config{BaseURL: base, Timeout: time.Second})
	if err != nil {
		t.Fatalf("transport.New() failed: %v", err)
	}
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEngine_OfflineEnqueueThenReconnect(t *testing.T) {
	srv, hits := newServer(t, http.StatusCreated)

	eng, err := Init(context.Background(), Options{
		DataDir: t.TempDir(),
		Sender:  newClient(t, srv.URL),
		Logs:    logging.Discard(),
	})
	if err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	defer eng.Teardown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Monitor().SetOnline(false)
	go eng.Run(ctx)

	_, err = eng.EnqueueTask(ctx, "/support/school-1/incidents", map[string]string{"category": "Safety"}, task.MethodPost)
	if err != nil {
		t.Fatalf("EnqueueTask() failed: %v", err)
	}

	c := eng.Projection().Counts()
	if c.Total != 1 || c.Pending != 1 {
		t.Fatalf("counts while offline = %+v, want one pending", c)
	}

	eng.Monitor().SetOnline(true)
	waitFor(t, func() bool { return eng.Projection().Counts().Total == 0 })
	if hits.Load() != 1 {
		t.Errorf("server hits = %d, want 1", hits.Load())
	}
}

func TestEngine_EnqueueWhileOnlineDrains(t *testing.T) {
	srv, hits := newServer(t, http.StatusOK)

	eng, err := Init(context.Background(), Options{
		Sender: newClient(t, srv.URL),
		Logs:   logging.Discard(),
	})
	if err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	defer eng.Teardown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	for i := 0; i < 3; i++ {
		if _, err := eng.EnqueueTask(ctx, "/attendance/uploads", map[string]int{"n": i}, task.MethodPost); err != nil {
			t.Fatalf("EnqueueTask() failed: %v", err)
		}
	}
	waitFor(t, func() bool { return hits.Load() == 3 && eng.Projection().Counts().Total == 0 })
}

func TestEngine_RecoversInflightOnInit(t *testing.T) {
	dir := t.TempDir()
	srv, _ := newServer(t, http.StatusOK)

	eng, err := Init(context.Background(), Options{DataDir: dir, Sender: newClient(t, srv.URL), Logs: logging.Discard()})
	if err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	eng.Monitor().SetOnline(false)
	id, _ := eng.EnqueueTask(context.Background(), "/fees/invoices", nil, task.MethodPost)
	// simulate a crash mid-send
	_ = eng.Store().Update(context.Background(), id, store.Patch{
		Status:   store.StatusPtr(task.StatusInflight),
		Attempts: store.IntPtr(1),
	})
	if err := eng.Teardown(); err != nil {
		t.Fatalf("Teardown() failed: %v", err)
	}

	eng, err = Init(context.Background(), Options{DataDir: dir, Sender: newClient(t, srv.URL), Logs: logging.Discard()})
	if err != nil {
		t.Fatalf("second Init() failed: %v", err)
	}
	defer eng.Teardown()

	got, err := eng.Store().Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Status != task.StatusPending || got.Attempts != 1 {
		t.Errorf("recovered task = %s/%d, want pending/1", got.Status, got.Attempts)
	}
}

func TestEngine_SecondInitOnSameDirIsLocked(t *testing.T) {
	dir := t.TempDir()
	srv, _ := newServer(t, http.StatusOK)

	eng, err := Init(context.Background(), Options{DataDir: dir, Sender: newClient(t, srv.URL), Logs: logging.Discard()})
	if err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	defer eng.Teardown()

	_, err = Init(context.Background(), Options{DataDir: dir, Sender: newClient(t, srv.URL), Logs: logging.Discard()})
	if err == nil {
		t.Skip("directory locks are not enforced on this platform")
	}
	if !errors.Is(err, store.ErrLocked) {
		t.Errorf("second Init() = %v, want ErrLocked", err)
	}
}

func TestEngine_PermanentFailureBlocksDependentTask(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path == "/fees/invoices" {
			http.Error(w, `{"error":"amount required"}`, http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	eng, err := Init(context.Background(), Options{Sender: newClient(t, srv.URL), Logs: logging.Discard()})
	if err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	defer eng.Teardown()
	ctx := context.Background()

	eng.Monitor().SetOnline(false)
	first, _ := eng.EnqueueTask(ctx, "/fees/invoices", map[string]int{"amount": 0}, task.MethodPost)
	second, _ := eng.EnqueueTask(ctx, "/fees/invoices/pay", map[string]string{"invoice": "latest"}, task.MethodPost)
	eng.Monitor().SetOnline(true)

	for i := 0; i < 3; i++ {
		eng.Dispatcher().Drain(ctx, dispatch.TriggerManual)
	}

	f, _ := eng.Store().Get(ctx, first)
	if f.Status != task.StatusFailed || f.LastError == "" {
		t.Errorf("first = %+v, want failed with error", f)
	}
	s, _ := eng.Store().Get(ctx, second)
	if s.Status != task.StatusPending || s.Attempts != 0 {
		t.Errorf("second = %s/%d, want untouched pending", s.Status, s.Attempts)
	}
	if calls.Load() != 1 {
		t.Errorf("server calls = %d, want 1", calls.Load())
	}
}

func TestEngine_TeardownIsIdempotent(t *testing.T) {
	srv, _ := newServer(t, http.StatusOK)
	eng, err := Init(context.Background(), Options{DataDir: t.TempDir(), Sender: newClient(t, srv.URL), Logs: logging.Discard()})
	if err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	if err := eng.Teardown(); err != nil {
		t.Fatalf("Teardown() failed: %v", err)
	}
	if err := eng.Teardown(); err != nil {
		t.Errorf("second Teardown() = %v", err)
	}
}

func TestInit_RequiresSender(t *testing.T) {
	if _, err := Init(context.Background(), Options{}); err == nil {
		t.Error("Init() without sender should fail")
	}
}

func TestEngine_TeardownStopsRun(t *testing.T) {
	srv, _ := newServer(t, http.StatusOK)
	eng, err := Init(context.Background(), Options{DataDir: t.TempDir(), Sender: newClient(t, srv.URL), Logs: logging.Discard()})
	if err != nil {
		t.Fatalf("Init() failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- eng.Run(context.Background()) }()
	waitFor(t, func() bool {
		eng.mu.Lock()
		defer eng.mu.Unlock()
		return len(eng.cancels) == 1
	})

	if err := eng.Teardown(); err != nil {
		t.Fatalf("Teardown() failed: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() still active after Teardown")
	}

	if _, err := eng.EnqueueTask(context.Background(), "/fees/invoices", nil, task.MethodPost); !errors.Is(err, store.ErrClosed) {
		t.Errorf("EnqueueTask() after Teardown = %v, want ErrClosed", err)
	}
	if err := eng.Run(context.Background()); !errors.Is(err, store.ErrClosed) {
		t.Errorf("Run() after Teardown = %v, want ErrClosed", err)
	}
}

func TestEngine_ClockStepsBackAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	srv, _ := newServer(t, http.StatusOK)
	ctx := context.Background()

	open := func(ms int64) *Engine {
		t.Helper()
		eng, err := Init(ctx, Options{
			DataDir: dir,
			Sender:  newClient(t, srv.URL),
			Logs:    logging.Discard(),
			Clock:   func() time.Time { return time.UnixMilli(ms) },
		})
		if err != nil {
			t.Fatalf("Init() failed: %v", err)
		}
		eng.Monitor().SetOnline(false)
		return eng
	}

	eng := open(10000)
	first, err := eng.EnqueueTask(ctx, "/fees/invoices", map[string]int{"amount": 50}, task.MethodPost)
	if err != nil {
		t.Fatalf("EnqueueTask() failed: %v", err)
	}
	_ = eng.Teardown()

	eng = open(9000)
	defer eng.Teardown()
	second, err := eng.EnqueueTask(ctx, "/fees/invoices/pay", nil, task.MethodPost)
	if err != nil {
		t.Fatalf("EnqueueTask() failed: %v", err)
	}

	tasks := eng.Projection().Snapshot()
	if len(tasks) != 2 || tasks[0].ID != first || tasks[1].ID != second {
		t.Errorf("replay order = %v, want [%s %s]", tasks, first, second)
	}
}
