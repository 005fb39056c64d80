package container

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	goarchive "github.com/moby/go-archive"
)

const (
	labelPrefix = "flowmesh"
	inputDir    = "/input"
	// UpstreamFile is where a task container finds its dependencies' results.
	UpstreamFile = inputDir + "/upstream.json"
)

// Runner executes one-shot task containers and collects their output.
type Runner struct {
	docker  *client.Client
	network string

	netOnce sync.Once
	netErr  error

	mu     sync.Mutex
	active map[string]string // container id -> task label
}

// RunOpts describes a single task container.
type RunOpts struct {
	// Task labels the container for cleanup and logs.
	Task    string
	Image   string
	Command []string
	Env     map[string]string
	// Upstream is written to UpstreamFile before the container starts.
	Upstream []byte
}

type RunResult struct {
	ExitCode int64
	Stdout   []byte
	Stderr   []byte
	Took     time.Duration
}

func NewRunner(networkName string) (*Runner, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Runner{
		docker:  docker,
		network: networkName,
		active:  make(map[string]string),
	}, nil
}

func (r *Runner) ensureNetwork(ctx context.Context) error {
	if r.network == "" {
		return nil
	}
	r.netOnce.Do(func() {
		if _, err := r.docker.NetworkInspect(ctx, r.network, network.InspectOptions{}); err == nil {
			return
		}
		if _, err := r.docker.NetworkCreate(ctx, r.network, network.CreateOptions{Driver: "bridge"}); err != nil {
			r.netErr = fmt.Errorf("create network %s: %w", r.network, err)
			return
		}
		slog.Info("created docker network", "network", r.network)
	})
	return r.netErr
}

// Run creates the container, copies the upstream payload in, starts it and
// waits for it to exit. The container is always removed. Cancelling ctx
// kills the container.
func (r *Runner) Run(ctx context.Context, opts RunOpts) (*RunResult, error) {
	if err := r.ensureNetwork(ctx); err != nil {
		return nil, err
	}

	cfg := &dockercontainer.Config{
		Image:      opts.Image,
		Cmd:        opts.Command,
		Env:        EnvList(opts.Env),
		WorkingDir: inputDir,
		Labels: map[string]string{
			labelPrefix + ".managed": "true",
			labelPrefix + ".task":    opts.Task,
		},
	}
	hostCfg := &dockercontainer.HostConfig{}
	if r.network != "" {
		hostCfg.NetworkMode = dockercontainer.NetworkMode(r.network)
	}

	resp, err := r.docker.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	r.track(resp.ID, opts.Task)
	defer r.remove(resp.ID)

	if err := r.copyUpstream(ctx, resp.ID, opts.Upstream); err != nil {
		return nil, err
	}

	start := time.Now()
	if err := r.docker.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}
	slog.Debug("task container started", "task", opts.Task, "container", shortID(resp.ID), "image", opts.Image)

	waitCh, errCh := r.docker.ContainerWait(ctx, resp.ID, dockercontainer.WaitConditionNotRunning)
	res := &RunResult{}
	select {
	case w := <-waitCh:
		if w.Error != nil {
			return nil, fmt.Errorf("wait container: %s", w.Error.Message)
		}
		res.ExitCode = w.StatusCode
	case err := <-errCh:
		return nil, fmt.Errorf("wait container: %w", err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	res.Took = time.Since(start)

	logs, err := r.docker.ContainerLogs(ctx, resp.ID, dockercontainer.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, fmt.Errorf("read logs: %w", err)
	}
	defer logs.Close()
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return nil, fmt.Errorf("demux logs: %w", err)
	}
	res.Stdout, res.Stderr = stdout.Bytes(), stderr.Bytes()
	return res, nil
}

func (r *Runner) copyUpstream(ctx context.Context, id string, upstream []byte) error {
	if upstream == nil {
		upstream = []byte("{}")
	}
	tarball, err := goarchive.Generate("upstream.json", string(upstream))
	if err != nil {
		return fmt.Errorf("build upstream archive: %w", err)
	}
	if err := r.docker.CopyToContainer(ctx, id, inputDir, tarball, dockercontainer.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy upstream: %w", err)
	}
	return nil
}

func (r *Runner) track(id, task string) {
	r.mu.Lock()
	r.active[id] = task
	r.mu.Unlock()
}

// remove force-removes a container. It runs detached from the task context
// so cancelled tasks still clean up.
func (r *Runner) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.docker.ContainerRemove(ctx, id, dockercontainer.RemoveOptions{Force: true}); err != nil {
		slog.Warn("failed to remove container", "container", shortID(id), "error", err)
	}
	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()
}

// ActiveCount reports how many task containers are running.
func (r *Runner) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// CleanupStale removes managed containers left behind by a previous process.
func (r *Runner) CleanupStale(ctx context.Context) error {
	args := filters.NewArgs()
	args.Add("label", labelPrefix+".managed=true")

	containers, err := r.docker.ContainerList(ctx, dockercontainer.ListOptions{All: true, Filters: args})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}

	r.mu.Lock()
	active := maps.Clone(r.active)
	r.mu.Unlock()

	for _, c := range containers {
		if _, ok := active[c.ID]; ok {
			continue
		}
		slog.Info("cleaning up stale container", "container", shortID(c.ID))
		_ = r.docker.ContainerRemove(ctx, c.ID, dockercontainer.RemoveOptions{Force: true})
	}
	return nil
}

func (r *Runner) Close() error {
	return r.docker.Close()
}

// EnvList renders env as KEY=VALUE pairs in key order.
func EnvList(env map[string]string) []string {
	keys := slices.Sorted(maps.Keys(env))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// Tail returns at most n trailing bytes of b, trimmed to a line boundary
// when one is available.
func Tail(b []byte, n int) string {
	b = bytes.TrimRight(b, "\n")
	if len(b) <= n {
		return string(b)
	}
	b = b[len(b)-n:]
	if i := bytes.IndexByte(b, '\n'); i >= 0 && i < len(b)-1 {
		b = b[i+1:]
	}
	return string(b)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
