package docker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	ctrbackend "github.com/opswarden/opswarden/internal/backend/container"
	"github.com/opswarden/opswarden/internal/backend/sandbox"
)

// fakeEngine implements the calls under test; anything else panics through
// the nil embedded interface.
type fakeEngine struct {
	engine

	mu         sync.Mutex
	inspect    map[string]types.ContainerJSON
	networks   map[string]bool
	logs       []byte
	createErrs []error
	pulled     []string
	created    []*container.HostConfig
	started    []string
	removed    []string
	exitCode   int64
	hang       bool
}

func (f *fakeEngine) ContainerInspect(_ context.Context, id string) (types.ContainerJSON, error) {
	info, ok := f.inspect[id]
	if !ok {
		return types.ContainerJSON{}, errdefs.NotFound(errors.New("No such container: " + id))
	}
	return info, nil
}

func (f *fakeEngine) ContainerLogs(context.Context, string, container.LogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.logs)), nil
}

func (f *fakeEngine) NetworkInspect(_ context.Context, id string, _ network.InspectOptions) (network.Inspect, error) {
	if !f.networks[id] {
		return network.Inspect{}, errdefs.NotFound(errors.New("network " + id + " not found"))
	}
	return network.Inspect{Name: id}, nil
}

func (f *fakeEngine) ContainerCreate(_ context.Context, _ *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		return container.CreateResponse{}, err
	}
	f.created = append(f.created, host)
	return container.CreateResponse{ID: "0123456789abcdef"}, nil
}

func (f *fakeEngine) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	f.pulled = append(f.pulled, ref)
	f.mu.Unlock()
	return io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil
}

func (f *fakeEngine) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	f.mu.Lock()
	f.started = append(f.started, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) ContainerWait(ctx context.Context, _ string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	respCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	if f.hang {
		go func() {
			<-ctx.Done()
			errCh <- ctx.Err()
		}()
	} else {
		respCh <- container.WaitResponse{StatusCode: f.exitCode}
	}
	return respCh, errCh
}

func (f *fakeEngine) ContainerRemove(_ context.Context, id string, opts container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if opts.Force {
		f.removed = append(f.removed, id)
	}
	return nil
}

func (f *fakeEngine) removedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

func muxed(t *testing.T, frames ...frame) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, fr := range frames {
		w := stdcopy.NewStdWriter(&buf, fr.stream)
		if _, err := w.Write([]byte(fr.text)); err != nil {
			t.Fatalf("writing frame: %v", err)
		}
	}
	return buf.Bytes()
}

type frame struct {
	stream stdcopy.StdType
	text   string
}

func TestBoundedBuffer(t *testing.T) {
	head := newBoundedBuffer(5, false)
	head.Write([]byte("abc"))
	head.Write([]byte("defgh"))
	if head.String() != "abcde" || !head.Truncated() {
		t.Errorf("head = %q truncated=%v", head.String(), head.Truncated())
	}

	tail := newBoundedBuffer(5, true)
	tail.Write([]byte("abc"))
	tail.Write([]byte("defgh"))
	if tail.String() != "defgh" || !tail.Truncated() {
		t.Errorf("tail = %q truncated=%v", tail.String(), tail.Truncated())
	}

	fits := newBoundedBuffer(5, true)
	fits.Write([]byte("ab"))
	fits.Write([]byte("cd"))
	if fits.String() != "abcd" || fits.Truncated() {
		t.Errorf("fits = %q truncated=%v", fits.String(), fits.Truncated())
	}

	unbounded := newBoundedBuffer(0, false)
	n, err := unbounded.Write([]byte("anything"))
	if n != 8 || err != nil || unbounded.Truncated() {
		t.Errorf("unbounded write = %d, %v", n, err)
	}
}

func TestInspect(t *testing.T) {
	f := &fakeEngine{inspect: map[string]types.ContainerJSON{
		"web": {
			ContainerJSONBase: &types.ContainerJSONBase{
				ID:           "abc",
				Name:         "/web",
				RestartCount: 2,
				State: &types.ContainerState{
					Status:    "exited",
					ExitCode:  137,
					OOMKilled: true,
					StartedAt: "2026-01-02T03:04:05.123456789Z",
				},
			},
			Config: &container.Config{Image: "nginx:1.27"},
			NetworkSettings: &types.NetworkSettings{Networks: map[string]*network.EndpointSettings{
				"frontend": {}, "backend": {},
			}},
		},
	}}
	c := newClient(f, nil)

	st, err := c.Inspect(context.Background(), "web")
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if st.Name != "web" || st.Image != "nginx:1.27" || st.ExitCode != 137 || !st.OOMKilled || st.RestartCount != 2 {
		t.Errorf("state = %+v", st)
	}
	if strings.Join(st.Networks, ",") != "backend,frontend" {
		t.Errorf("networks = %v", st.Networks)
	}
	if st.StartedAt.IsZero() || !st.FinishedAt.IsZero() {
		t.Errorf("times = %s / %s", st.StartedAt, st.FinishedAt)
	}

	_, err = c.Inspect(context.Background(), "missing")
	if !errors.Is(err, ctrbackend.ErrNotFound) {
		t.Errorf("missing container error = %v, want ErrNotFound", err)
	}
}

func TestLogs_InterleavesStreams(t *testing.T) {
	f := &fakeEngine{
		inspect: map[string]types.ContainerJSON{"web": {ContainerJSONBase: &types.ContainerJSONBase{ID: "abc"}, Config: &container.Config{}}},
		logs: muxed(t,
			frame{stdcopy.Stdout, "one\n"},
			frame{stdcopy.Stderr, "two\n"},
			frame{stdcopy.Stdout, "three\n"},
		),
	}
	c := newClient(f, nil)

	out, err := c.Logs(context.Background(), "web", ctrbackend.LogOptions{Tail: 10})
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if out.Text != "one\ntwo\nthree\n" || out.BytesTruncated {
		t.Errorf("logs = %q truncated=%v", out.Text, out.BytesTruncated)
	}

	out, err = c.Logs(context.Background(), "web", ctrbackend.LogOptions{Tail: 10, MaxBytes: 9})
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	// The newest 9 bytes are "wo\nthree\n"; the partial line is dropped.
	if out.Text != "three\n" || !out.BytesTruncated {
		t.Errorf("bounded logs = %q truncated=%v", out.Text, out.BytesTruncated)
	}
}

func TestNetworkExists(t *testing.T) {
	c := newClient(&fakeEngine{networks: map[string]bool{"frontend": true}}, nil)
	ok, err := c.NetworkExists(context.Background(), "frontend")
	if err != nil || !ok {
		t.Errorf("frontend = %v, %v", ok, err)
	}
	ok, err = c.NetworkExists(context.Background(), "nope")
	if err != nil || ok {
		t.Errorf("nope = %v, %v", ok, err)
	}
}

func testSpec() sandbox.RunSpec {
	return sandbox.RunSpec{
		Image:          "python:3.12-alpine",
		Cmd:            []string{"timeout", "-s", "KILL", "5", "python3", "-c", "print(1)"},
		User:           "65534:65534",
		MemoryBytes:    256 << 20,
		NanoCPUs:       500_000_000,
		PidsLimit:      64,
		MaxOutputBytes: 4,
	}
}

func TestRun_CollectsOutputAndRemoves(t *testing.T) {
	f := &fakeEngine{
		exitCode: 3,
		logs: muxed(t,
			frame{stdcopy.Stdout, "hello world"},
			frame{stdcopy.Stderr, "err"},
		),
	}
	c := newClient(f, nil)

	res, err := c.Run(context.Background(), testSpec())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 3 || res.Stdout != "hell" || res.Stderr != "err" || !res.OutputTruncated {
		t.Errorf("result = %+v", res)
	}
	if got := f.removedIDs(); len(got) != 1 || got[0] != "0123456789abcdef" {
		t.Errorf("removed = %v", got)
	}

	host := f.created[0]
	if host.NetworkMode != "none" || !host.ReadonlyRootfs || host.CapDrop[0] != "ALL" {
		t.Errorf("host config not isolated: %+v", host)
	}
	if host.Resources.Memory != 256<<20 || *host.Resources.PidsLimit != 64 {
		t.Errorf("resources = %+v", host.Resources)
	}
}

func TestRun_DeadlineForceRemoves(t *testing.T) {
	f := &fakeEngine{hang: true}
	c := newClient(f, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Run(ctx, testSpec())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run error = %v, want deadline exceeded", err)
	}
	if got := f.removedIDs(); len(got) != 1 {
		t.Errorf("removed = %v, want the container force-removed", got)
	}
}

func TestRun_PullsMissingImage(t *testing.T) {
	f := &fakeEngine{createErrs: []error{errdefs.NotFound(errors.New("No such image"))}}
	c := newClient(f, nil)

	if _, err := c.Run(context.Background(), testSpec()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.pulled) != 1 || f.pulled[0] != "python:3.12-alpine" {
		t.Errorf("pulled = %v", f.pulled)
	}
	if len(f.started) != 1 {
		t.Errorf("started = %v", f.started)
	}
}
