package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// collector gathers results delivered by the pool.
type collector struct {
	mu      sync.Mutex
	results []TaskResult
	inside  int
	overlap bool
}

func (c *collector) handle(r TaskResult) {
	c.mu.Lock()
	c.inside++
	if c.inside > 1 {
		c.overlap = true
	}
	c.mu.Unlock()

	time.Sleep(time.Millisecond)

	c.mu.Lock()
	c.results = append(c.results, r)
	c.inside--
	c.mu.Unlock()
}

func (c *collector) byID() map[string][]TaskResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := make(map[string][]TaskResult)
	for _, r := range c.results {
		m[r.Task.ID] = append(m[r.Task.ID], r)
	}
	return m
}

// callers maps provider names to scripted callers.
func connectWith(callers map[string]Caller) func(ProviderConfig) (Caller, error) {
	return func(cfg ProviderConfig) (Caller, error) {
		c, ok := callers[cfg.Name]
		if !ok {
			return nil, fmt.Errorf("no caller for %s", cfg.Name)
		}
		return c, nil
	}
}

func echo(prefix string) Caller {
	return CallerFunc(func(_ context.Context, _, user string) (string, error) {
		return prefix + ":" + user, nil
	})
}

func failing(err error) Caller {
	return CallerFunc(func(context.Context, string, string) (string, error) {
		return "", err
	})
}

func submitAll(t *testing.T, p *Pool, n int) {
	t.Helper()
	for i := range n {
		task := Task{ID: fmt.Sprintf("t%02d", i), Payload: fmt.Sprintf("doc %d", i)}
		if err := p.Submit(context.Background(), task); err != nil {
			t.Fatalf("Submit %s: %v", task.ID, err)
		}
	}
}

func drain(t *testing.T, p *Pool) Report {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan Report, 1)
	go func() { done <- p.Drain(ctx) }()
	select {
	case r := <-done:
		return r
	case <-time.After(15 * time.Second):
		t.Fatal("Drain did not return")
		return Report{}
	}
}

func TestPool_AllTasksCompleteExactlyOnce(t *testing.T) {
	col := &collector{}
	pool, err := NewPool(
		[]ProviderConfig{{Name: "a"}, {Name: "b"}, {Name: "c"}},
		connectWith(map[string]Caller{"a": echo("a"), "b": echo("b"), "c": echo("c")}),
		WithLogger(quietLogger()),
		WithResultHandler(col.handle))
	if err != nil {
		t.Fatal(err)
	}
	pool.Start(context.Background())
	submitAll(t, pool, 20)

	report := drain(t, pool)
	if report.Completed != 20 || !report.Complete() || len(report.Retired) != 0 {
		t.Errorf("unexpected report %+v", report)
	}
	got := col.byID()
	if len(got) != 20 {
		t.Fatalf("expected 20 distinct results, got %d", len(got))
	}
	for id, rs := range got {
		if len(rs) != 1 {
			t.Errorf("task %s delivered %d times", id, len(rs))
		}
		if rs[0].Err != nil || !strings.HasSuffix(rs[0].Output, rs[0].Task.Payload) {
			t.Errorf("task %s: unexpected result %+v", id, rs[0])
		}
	}
	if col.overlap {
		t.Error("result handler ran concurrently")
	}
}

func TestPool_FailingProviderRetiresAndOthersFinish(t *testing.T) {
	col := &collector{}
	var retired []Retirement
	var rmu sync.Mutex
	pool, err := NewPool(
		[]ProviderConfig{{Name: "bad"}, {Name: "good"}},
		connectWith(map[string]Caller{"bad": failing(errors.New("quota exhausted")), "good": echo("good")}),
		WithLogger(quietLogger()),
		WithResultHandler(col.handle),
		WithRetireHandler(func(r Retirement) { rmu.Lock(); retired = append(retired, r); rmu.Unlock() }))
	if err != nil {
		t.Fatal(err)
	}
	pool.Start(context.Background())
	submitAll(t, pool, 6)

	report := drain(t, pool)
	if report.Completed != 6 || len(report.Unprocessed) != 0 {
		t.Fatalf("expected all 6 completed by the healthy provider, got %+v", report)
	}
	for id, rs := range col.byID() {
		if len(rs) != 1 || rs[0].Provider != "good" {
			t.Errorf("task %s: %+v", id, rs)
		}
	}
	// The bad provider may or may not have received a task before the good
	// one drained the queue; if it did, it retired exactly once.
	if len(report.Retired) > 1 {
		t.Errorf("expected at most one retirement, got %+v", report.Retired)
	}
	for _, r := range report.Retired {
		if r.Provider != "bad" || !strings.Contains(r.Reason, "quota exhausted") {
			t.Errorf("unexpected retirement %+v", r)
		}
	}
	rmu.Lock()
	defer rmu.Unlock()
	if len(retired) != len(report.Retired) {
		t.Errorf("retire handler saw %d, report has %d", len(retired), len(report.Retired))
	}
}

func TestPool_RetiredTaskIsPickedUpByAnotherProvider(t *testing.T) {
	badCalled := make(chan struct{})
	bad := CallerFunc(func(context.Context, string, string) (string, error) {
		close(badCalled)
		return "", errors.New("boom")
	})
	good := CallerFunc(func(_ context.Context, _, user string) (string, error) {
		<-badCalled // make sure the bad provider takes the first task
		return "ok " + user, nil
	})

	col := &collector{}
	pool, err := NewPool(
		[]ProviderConfig{{Name: "bad"}, {Name: "good"}},
		connectWith(map[string]Caller{"bad": bad, "good": good}),
		WithLogger(quietLogger()),
		WithResultHandler(col.handle))
	if err != nil {
		t.Fatal(err)
	}
	pool.Start(context.Background())
	submitAll(t, pool, 2)

	report := drain(t, pool)
	if report.Completed != 2 || len(report.Retired) != 1 || report.Retired[0].Provider != "bad" {
		t.Fatalf("unexpected report %+v", report)
	}
	if n := len(col.byID()); n != 2 {
		t.Errorf("expected 2 results, got %d", n)
	}
}

func TestPool_SingleFailingProviderReportsUnprocessed(t *testing.T) {
	col := &collector{}
	pool, err := NewPool(
		[]ProviderConfig{{Name: "only"}},
		connectWith(map[string]Caller{"only": failing(errors.New("401 unauthorized"))}),
		WithLogger(quietLogger()),
		WithResultHandler(col.handle))
	if err != nil {
		t.Fatal(err)
	}
	pool.Start(context.Background())
	submitAll(t, pool, 3)

	report := drain(t, pool)
	if report.Completed != 0 || len(report.Retired) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(report.Unprocessed) != 3 {
		t.Fatalf("expected 3 unprocessed tasks, got %d", len(report.Unprocessed))
	}
	ids := make([]string, 0, 3)
	for id, rs := range col.byID() {
		if len(rs) != 1 || !errors.Is(rs[0].Err, ErrUnprocessed) {
			t.Errorf("task %s: expected one ErrUnprocessed result, got %+v", id, rs)
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if strings.Join(ids, ",") != "t00,t01,t02" {
		t.Errorf("unexpected unprocessed ids %v", ids)
	}
}

func TestPool_ErrorMarkerRetires(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		markers []string
		retired bool
	}{
		{"default english marker", "Error: rate limited", nil, true},
		{"default chinese marker", "发生错误，请稍后再试", nil, true},
		{"clean output", "## 摘要\n内容", nil, false},
		{"custom markers ignore defaults", "Error in the transcript is fine", []string{"FAILED"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := []Option{WithLogger(quietLogger())}
			if tt.markers != nil {
				opts = append(opts, WithErrorMarkers(tt.markers))
			}
			out := tt.output
			pool, err := NewPool([]ProviderConfig{{Name: "p"}},
				connectWith(map[string]Caller{"p": CallerFunc(func(context.Context, string, string) (string, error) {
					return out, nil
				})}), opts...)
			if err != nil {
				t.Fatal(err)
			}
			pool.Start(context.Background())
			submitAll(t, pool, 1)
			report := drain(t, pool)
			if got := len(report.Retired) == 1; got != tt.retired {
				t.Errorf("retired=%v, want %v (report %+v)", got, tt.retired, report)
			}
		})
	}
}

func TestPool_SubmitBlocksWhenQueueFull(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	slow := CallerFunc(func(_ context.Context, _, user string) (string, error) {
		started <- struct{}{}
		<-release
		return "done " + user, nil
	})
	pool, err := NewPool([]ProviderConfig{{Name: "slow"}},
		connectWith(map[string]Caller{"slow": slow}), WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	pool.Start(context.Background())

	ctx := context.Background()
	if err := pool.Submit(ctx, Task{ID: "1"}); err != nil {
		t.Fatal(err)
	}
	<-started // worker holds task 1
	if err := pool.Submit(ctx, Task{ID: "2"}); err != nil {
		t.Fatal(err)
	}

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := pool.Submit(short, Task{ID: "3"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected Submit to block until deadline, got %v", err)
	}

	close(release)
	go func() {
		for range started {
		}
	}()
	report := drain(t, pool)
	close(started)
	if report.Completed != 2 {
		t.Errorf("expected 2 completed, got %+v", report)
	}
}

func TestPool_SubmitAfterDrain(t *testing.T) {
	pool, err := NewPool([]ProviderConfig{{Name: "a"}},
		connectWith(map[string]Caller{"a": echo("a")}), WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	pool.Start(context.Background())
	drain(t, pool)

	if err := pool.Submit(context.Background(), Task{ID: "late"}); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("expected ErrPoolClosed, got %v", err)
	}
}

func TestNewPool_NoActiveProviders(t *testing.T) {
	_, err := NewPool(
		[]ProviderConfig{{Name: "x", Failed: true}, {Name: "y"}},
		connectWith(map[string]Caller{}),
		WithLogger(quietLogger()))
	if !errors.Is(err, ErrNoProviders) {
		t.Fatalf("expected ErrNoProviders, got %v", err)
	}
}

func TestNewPool_FailedProvidersAreReported(t *testing.T) {
	pool, err := NewPool(
		[]ProviderConfig{{Name: "x", Failed: true}, {Name: "y"}},
		connectWith(map[string]Caller{"y": echo("y")}),
		WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	if pool.Size() != 1 {
		t.Errorf("expected 1 worker, got %d", pool.Size())
	}
	pool.Start(context.Background())
	report := drain(t, pool)
	if len(report.Retired) != 1 || report.Retired[0].Provider != "x" {
		t.Errorf("expected x reported as retired, got %+v", report.Retired)
	}
}

func TestPool_RateGateSpacesCalls(t *testing.T) {
	clk := newFakeClock()
	gate := newTestGate(clk, clk.sleep)

	var mu sync.Mutex
	var calls []time.Time
	caller := CallerFunc(func(context.Context, string, string) (string, error) {
		mu.Lock()
		calls = append(calls, clk.now())
		mu.Unlock()
		return "ok", nil
	})

	pool, err := NewPool([]ProviderConfig{{Name: "p", MinInterval: 3 * time.Second}},
		connectWith(map[string]Caller{"p": caller}),
		WithLogger(quietLogger()),
		WithGate(gate))
	if err != nil {
		t.Fatal(err)
	}
	pool.Start(context.Background())
	submitAll(t, pool, 4)
	drain(t, pool)

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 4 {
		t.Fatalf("expected 4 calls, got %d", len(calls))
	}
	for i := 1; i < len(calls); i++ {
		if gap := calls[i].Sub(calls[i-1]); gap < 3*time.Second {
			t.Errorf("calls %d and %d only %v apart", i-1, i, gap)
		}
	}
}

func TestPool_CancelLetsInFlightCallFinish(t *testing.T) {
	inCall := make(chan struct{})
	var callErr error
	caller := CallerFunc(func(ctx context.Context, _, _ string) (string, error) {
		close(inCall)
		time.Sleep(50 * time.Millisecond)
		callErr = ctx.Err()
		return "finished", nil
	})

	col := &collector{}
	pool, err := NewPool([]ProviderConfig{{Name: "p"}},
		connectWith(map[string]Caller{"p": caller}),
		WithLogger(quietLogger()),
		WithResultHandler(col.handle))
	if err != nil {
		t.Fatal(err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	pool.Start(runCtx)
	submitAll(t, pool, 2)

	<-inCall
	cancel()
	report := drain(t, pool)

	if callErr != nil {
		t.Errorf("in-flight call saw cancelled context: %v", callErr)
	}
	if report.Completed != 1 || len(report.Unprocessed) != 1 {
		t.Errorf("expected 1 completed and 1 unprocessed, got %+v", report)
	}
	if n := len(col.byID()); n != 2 {
		t.Errorf("expected a result for both tasks, got %d", n)
	}
}

func TestClassify(t *testing.T) {
	if o := Classify("fine", nil, DefaultErrorMarkers); o.Retired() || o.Output != "fine" {
		t.Errorf("unexpected outcome %+v", o)
	}
	if o := Classify("", errors.New("timeout"), DefaultErrorMarkers); !o.Retired() || o.Reason != "timeout" {
		t.Errorf("unexpected outcome %+v", o)
	}
	if o := Classify("Error: API Key missing", nil, DefaultErrorMarkers); !o.Retired() {
		t.Error("marker output should retire")
	}
}
