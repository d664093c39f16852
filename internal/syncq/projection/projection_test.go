package projection

import (
	"context"
	"fmt"
	"testing"

	"github.com/schoolhub/syncq/internal/syncq/store"
	"github.com/schoolhub/syncq/internal/syncq/task"
)

func add(t *testing.T, s store.Store, id, endpoint string, createdAt int64) {
	t.Helper()
	err := s.Append(context.Background(), task.Task{
		ID: id, Endpoint: endpoint, Method: task.MethodPost,
		CreatedAt: createdAt, Status: task.StatusPending,
	})
	if err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
}

func ids(tasks []task.Task) string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return fmt.Sprint(out)
}

func TestProjection_LoadsExisting(t *testing.T) {
	s := store.NewMemory()
	add(t, s, "b", "/b", 2)
	add(t, s, "a", "/a", 1)

	p, err := New(context.Background(), s)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer p.Close()

	if got := ids(p.Snapshot()); got != "[a b]" {
		t.Errorf("snapshot = %s, want [a b]", got)
	}
}

func TestProjection_ReflectsWritesBeforeTheyReturn(t *testing.T) {
	s := store.NewMemory()
	p, err := New(context.Background(), s)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer p.Close()
	ctx := context.Background()

	add(t, s, "x", "/support/school-1/incidents", 10)
	if c := p.Counts(); c.Total != 1 || c.Pending != 1 {
		t.Fatalf("counts after append = %+v", c)
	}

	_ = s.Update(ctx, "x", store.Patch{Status: store.StatusPtr(task.StatusInflight)})
	if c := p.Counts(); c.Inflight != 1 || c.Pending != 0 {
		t.Fatalf("counts after update = %+v", c)
	}

	_ = s.Remove(ctx, "x")
	if c := p.Counts(); c.Total != 0 {
		t.Fatalf("counts after remove = %+v", c)
	}
}

func TestProjection_UpdateKeepsPosition(t *testing.T) {
	s := store.NewMemory()
	p, _ := New(context.Background(), s)
	defer p.Close()

	add(t, s, "1", "/a", 1)
	add(t, s, "2", "/a", 2)
	add(t, s, "3", "/a", 3)
	_ = s.Update(context.Background(), "2", store.Patch{Status: store.StatusPtr(task.StatusFailed)})

	snap := p.Snapshot()
	if got := ids(snap); got != "[1 2 3]" {
		t.Fatalf("snapshot = %s, want [1 2 3]", got)
	}
	if snap[1].Status != task.StatusFailed {
		t.Errorf("status = %s, want failed", snap[1].Status)
	}
}

func TestProjection_TiesKeepInsertionOrder(t *testing.T) {
	s := store.NewMemory()
	p, _ := New(context.Background(), s)
	defer p.Close()

	add(t, s, "late", "/a", 5)
	add(t, s, "first", "/a", 1)
	add(t, s, "second", "/a", 1)

	list, _ := s.List(context.Background())
	if got, want := ids(p.Snapshot()), ids(list); got != want {
		t.Errorf("projection = %s, store = %s", got, want)
	}
}

func TestProjection_SnapshotsAreImmutable(t *testing.T) {
	s := store.NewMemory()
	p, _ := New(context.Background(), s)
	defer p.Close()

	add(t, s, "1", "/a", 1)
	before := p.Snapshot()
	add(t, s, "2", "/a", 2)
	_ = s.Update(context.Background(), "1", store.Patch{Status: store.StatusPtr(task.StatusFailed)})

	if len(before) != 1 || before[0].Status != task.StatusPending {
		t.Errorf("earlier snapshot changed: %+v", before)
	}
}

func TestProjection_SubscribeAndUnsubscribe(t *testing.T) {
	s := store.NewMemory()
	p, _ := New(context.Background(), s)
	defer p.Close()

	var seen []int
	unsubscribe := p.Subscribe(func(tasks []task.Task) { seen = append(seen, len(tasks)) })

	add(t, s, "1", "/a", 1)
	add(t, s, "2", "/a", 2)
	unsubscribe()
	add(t, s, "3", "/a", 3)

	if got := fmt.Sprint(seen); got != "[1 2]" {
		t.Errorf("seen = %s, want [1 2]", got)
	}
}

func TestProjection_FilteredViews(t *testing.T) {
	s := store.NewMemory()
	p, _ := New(context.Background(), s)
	defer p.Close()

	var school1 []task.Task
	p.SubscribeFiltered(EndpointPrefix("/support/school-1/"), func(tasks []task.Task) { school1 = tasks })

	add(t, s, "a", "/support/school-1/incidents", 1)
	add(t, s, "b", "/support/school-2/incidents", 2)
	add(t, s, "c", "/support/school-1/incidents", 3)
	_ = s.Update(context.Background(), "c", store.Patch{Status: store.StatusPtr(task.StatusFailed)})

	if got := ids(school1); got != "[a c]" {
		t.Errorf("school-1 view = %s, want [a c]", got)
	}
	if got := ids(p.Filter(StatusIn(task.StatusFailed))); got != "[c]" {
		t.Errorf("failed view = %s, want [c]", got)
	}
	pred := And(EndpointPrefix("/support/school-1/"), StatusIn(task.StatusPending))
	if got := ids(p.Filter(pred)); got != "[a]" {
		t.Errorf("combined view = %s, want [a]", got)
	}
	if got := ids(p.Filter(nil)); got != "[a b c]" {
		t.Errorf("unfiltered = %s", got)
	}
}

func TestProjection_CloseStopsFollowing(t *testing.T) {
	s := store.NewMemory()
	p, _ := New(context.Background(), s)
	p.Close()

	add(t, s, "1", "/a", 1)
	if n := len(p.Snapshot()); n != 0 {
		t.Errorf("closed projection saw %d tasks", n)
	}
}

func TestCounts_Waiting(t *testing.T) {
	c := CountTasks([]task.Task{
		{Status: task.StatusPending},
		{Status: task.StatusPending},
		{Status: task.StatusInflight},
		{Status: task.StatusFailed},
	})
	if c.Total != 4 || c.Waiting() != 3 || c.Failed != 1 {
		t.Errorf("counts = %+v, waiting = %d", c, c.Waiting())
	}
}
