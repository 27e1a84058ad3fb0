package mcp

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/nugget/tether/internal/config"
	"github.com/nugget/tether/internal/events"
)

func newTestRegistry(t *testing.T, servers []config.ServerConfig, opts ...Option) *Registry {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	r := NewRegistry(servers, opts...)
	t.Cleanup(r.Close)
	return r
}

func TestRegistry_NotConfigured(t *testing.T) {
	r := newTestRegistry(t, []config.ServerConfig{fakeConfig(t, "time", "basic")})
	ctx := testContext(t)

	for _, name := range []string{"", "  ", "weather"} {
		_, err := r.Invoke(ctx, name, "get_time", nil)
		if !errors.Is(err, ErrNotConfigured) {
			t.Errorf("Invoke(%q) error = %v, want ErrNotConfigured", name, err)
		}
		if _, err := r.Instructions(ctx, name); !errors.Is(err, ErrNotConfigured) {
			t.Errorf("Instructions(%q) error = %v, want ErrNotConfigured", name, err)
		}
	}

	_, err := r.Invoke(ctx, "weather", "x", nil)
	if want := "MCP server 'weather' is not configured"; err == nil || err.Error() != want {
		t.Errorf("error text = %v, want %q", err, want)
	}
}

func TestRegistry_SharesOneProcess(t *testing.T) {
	bus := events.New()
	sub := bus.Subscribe(64)
	defer bus.Unsubscribe(sub)

	r := newTestRegistry(t, []config.ServerConfig{fakeConfig(t, "time", "basic")}, WithEvents(bus))

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw, err := r.Invoke(testContext(t), "time", "get_time", json.RawMessage(`{}`))
			if err == nil && ParseCallResult(raw).Message() != "10:00" {
				err = errors.New("unexpected result " + string(raw))
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}

	starts := 0
	for len(sub) > 0 {
		if e := <-sub; e.Kind == events.KindServerStarted {
			starts++
		}
	}
	if starts != 1 {
		t.Errorf("server started %d times, want 1", starts)
	}
}

func TestRegistry_InstructionsAndMetadata(t *testing.T) {
	r := newTestRegistry(t, []config.ServerConfig{fakeConfig(t, "time", "basic")})
	ctx := testContext(t)

	got, err := r.Instructions(ctx, "time")
	if err != nil {
		t.Fatalf("Instructions: %v", err)
	}
	if got != "Use get_time for clocks." {
		t.Errorf("Instructions = %q", got)
	}

	info, err := r.ToolMetadata(ctx, "time", "get_time")
	if err != nil {
		t.Fatalf("ToolMetadata: %v", err)
	}
	if info == nil || info.Description != "Current local time" {
		t.Errorf("ToolMetadata(get_time) = %+v", info)
	}

	info, err = r.ToolMetadata(ctx, "time", "missing")
	if err != nil || info != nil {
		t.Errorf("ToolMetadata(missing) = %+v, %v; want nil, nil", info, err)
	}
}

func TestRegistry_Status(t *testing.T) {
	r := newTestRegistry(t, []config.ServerConfig{
		fakeConfig(t, "time", "basic"),
		fakeConfig(t, "idle", "basic"),
	})

	for _, st := range r.Status() {
		if st.Running {
			t.Errorf("%s running before first use", st.Name)
		}
	}

	if _, err := r.Tools(testContext(t), "time"); err != nil {
		t.Fatalf("Tools: %v", err)
	}

	status := r.Status()
	if len(status) != 2 {
		t.Fatalf("Status() returned %d entries", len(status))
	}
	if status[0].Name != "idle" || status[1].Name != "time" {
		t.Errorf("Status() order = %s, %s", status[0].Name, status[1].Name)
	}
	if status[0].Running {
		t.Error("idle server started by an unrelated call")
	}
	if !status[1].Running || strings.Join(status[1].Tools, ",") != "get_time,echo" {
		t.Errorf("time status = %+v", status[1])
	}

	r.Close()
	for _, st := range r.Status() {
		if st.Running {
			t.Errorf("%s still running after Close", st.Name)
		}
	}
}

func TestDiscover(t *testing.T) {
	r := newTestRegistry(t, []config.ServerConfig{
		fakeConfig(t, "time", "basic"),
		{Name: "broken", Command: filepath.Join(t.TempDir(), "missing")},
	})

	results := Discover(testContext(t), r)
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}

	byName := map[string]DiscoveryResult{}
	for _, res := range results {
		byName[res.Server] = res
	}
	if got := byName["broken"]; got.Status != StatusFailed || got.Error == "" {
		t.Errorf("broken = %+v, want failed with error", got)
	}
	loaded := byName["time"]
	if loaded.Status != StatusLoaded || len(loaded.Tools) != 2 {
		t.Errorf("time = %+v, want loaded with 2 tools", loaded)
	}
	if loaded.Instructions != "Use get_time for clocks." {
		t.Errorf("Instructions = %q", loaded.Instructions)
	}

	tools := ToolConfigs(results)
	if len(tools) != 2 {
		t.Fatalf("ToolConfigs returned %d entries", len(tools))
	}
	if tools[0].Name != "get_time" || tools[0].Server != "time" || tools[0].Description != "Current local time" {
		t.Errorf("tools[0] = %+v", tools[0])
	}
}
