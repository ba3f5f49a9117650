package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"
)

// PlatformLabel marks every container this adapter creates, so shutdown and
// reconciliation can enumerate "ours" without depending on naming
// conventions.
const PlatformLabel = "sandbox-platform"

const cpuPeriodMicros = 100000

// DockerAdapter implements Adapter against a single Docker Engine API
// endpoint.
type DockerAdapter struct {
	cli    *dockerclient.Client
	logger *zap.Logger
}

// NewDockerAdapter dials the Docker daemon at host (e.g.
// "unix:///var/run/docker.sock" or a tcp:// endpoint).
func NewDockerAdapter(host string, logger *zap.Logger) (*DockerAdapter, error) {
	opts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, dockerclient.WithHost(host))
	}

	cli, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerAdapter{cli: cli, logger: logger}, nil
}

func (d *DockerAdapter) HealthCheck(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	if err != nil {
		return &Error{Kind: ErrUnavailable, Op: "health_check", Err: err}
	}
	return nil
}

func (d *DockerAdapter) EnsureImage(ctx context.Context, image string, progress ProgressFunc) error {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, image)
	if err == nil {
		if progress != nil {
			progress(100, "image present")
		}
		return nil
	}

	reader, err := d.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return classify("ensure_image", err)
	}
	defer reader.Close()

	aggregatePullProgress(reader, progress)
	return nil
}

// aggregatePullProgress parses the newline-delimited JSON progress stream
// docker's pull endpoint emits and folds per-layer byte progress into one
// 0-100 percentage, per §4.1.
func aggregatePullProgress(r io.Reader, progress ProgressFunc) {
	type layerProgress struct {
		Current int64
		Total   int64
	}
	layers := map[string]*layerProgress{}

	dec := json.NewDecoder(r)
	for {
		var msg struct {
			ID             string `json:"id"`
			Status         string `json:"status"`
			ProgressDetail struct {
				Current int64 `json:"current"`
				Total   int64 `json:"total"`
			} `json:"progressDetail"`
		}
		if err := dec.Decode(&msg); err != nil {
			break
		}
		if msg.ID != "" && msg.ProgressDetail.Total > 0 {
			layers[msg.ID] = &layerProgress{Current: msg.ProgressDetail.Current, Total: msg.ProgressDetail.Total}
		}
		if progress == nil {
			continue
		}
		var cur, total int64
		for _, l := range layers {
			cur += l.Current
			total += l.Total
		}
		pct := 0
		if total > 0 {
			pct = int(cur * 100 / total)
		}
		progress(pct, msg.Status)
	}
}

func (d *DockerAdapter) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range spec.Ports {
		port, err := nat.NewPort("tcp", strconv.Itoa(p.Container))
		if err != nil {
			return "", fmt.Errorf("invalid container port %d: %w", p.Container, err)
		}
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(p.Host)}}
	}

	labels := map[string]string{PlatformLabel: "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	memBytes := int64(spec.MemoryMB) * 1048576
	cpuQuota := int64(spec.CPU * float64(cpuPeriodMicros))

	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Command,
		Env:          spec.Env,
		Labels:       labels,
		ExposedPorts: exposed,
	}

	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		Resources: container.Resources{
			CPUPeriod:  cpuPeriodMicros,
			CPUQuota:   cpuQuota,
			Memory:     memBytes,
			MemorySwap: memBytes, // swap = memory: no additional swap
		},
		CapDrop:        []string{"ALL"},
		CapAdd:         []string{"CHOWN", "SETUID", "SETGID"},
		SecurityOpt:    []string{"no-new-privileges:true"},
		NetworkMode:    "bridge",
		ReadonlyRootfs: false,
		AutoRemove:     false,
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", classify("create_container", err)
	}

	return resp.ID, nil
}

func (d *DockerAdapter) Start(ctx context.Context, ref string) error {
	if err := d.cli.ContainerStart(ctx, ref, types.ContainerStartOptions{}); err != nil {
		return classify("start", err)
	}
	return nil
}

func (d *DockerAdapter) Stop(ctx context.Context, ref string, graceSeconds int) error {
	timeout := graceSeconds
	err := d.cli.ContainerStop(ctx, ref, container.StopOptions{Timeout: &timeout})
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return nil // already stopped/gone is success, per §4.1
		}
		return classify("stop", err)
	}
	return nil
}

func (d *DockerAdapter) Restart(ctx context.Context, ref string, graceSeconds int) error {
	timeout := graceSeconds
	if err := d.cli.ContainerRestart(ctx, ref, container.StopOptions{Timeout: &timeout}); err != nil {
		return classify("restart", err)
	}
	return nil
}

func (d *DockerAdapter) Remove(ctx context.Context, ref string, force bool) error {
	err := d.cli.ContainerRemove(ctx, ref, types.ContainerRemoveOptions{Force: force})
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return nil // not found is success, per §4.1
		}
		return classify("remove", err)
	}
	return nil
}

func (d *DockerAdapter) Inspect(ctx context.Context, ref string) (*InspectResult, error) {
	info, err := d.cli.ContainerInspect(ctx, ref)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return nil, nil
		}
		return nil, classify("inspect", err)
	}

	return &InspectResult{
		Status:   info.State.Status,
		Running:  info.State.Running,
		ExitCode: info.State.ExitCode,
	}, nil
}

func (d *DockerAdapter) WaitRunning(ctx context.Context, ref string, deadline time.Duration) (bool, error) {
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		res, err := d.Inspect(ctx, ref)
		if err != nil {
			return false, err
		}
		if res != nil {
			if res.Running {
				return true, nil
			}
			if res.Status == "exited" || res.Status == "dead" {
				return false, nil
			}
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
			return false, nil
		case <-ticker.C:
		}
	}
}

func (d *DockerAdapter) Stats(ctx context.Context, ref string) (*ContainerMetrics, error) {
	resp, err := d.cli.ContainerStats(ctx, ref, false)
	if err != nil {
		return nil, classify("stats", err)
	}
	defer resp.Body.Close()

	var raw types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode stats: %w", err)
	}

	return statsFromJSON(&raw), nil
}

// statsFromJSON applies the CPU-percent formula from §4.1:
// (cpu_delta / system_delta) * cpu_count * 100.
func statsFromJSON(raw *types.StatsJSON) *ContainerMetrics {
	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)

	cpuCount := float64(raw.CPUStats.OnlineCPUs)
	if cpuCount == 0 {
		cpuCount = float64(len(raw.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpuCount == 0 {
		cpuCount = 1
	}

	var cpuPercent float64
	if systemDelta > 0 && cpuDelta > 0 {
		cpuPercent = (cpuDelta / systemDelta) * cpuCount * 100
	}

	var memPercent float64
	if raw.MemoryStats.Limit > 0 {
		memPercent = float64(raw.MemoryStats.Usage) / float64(raw.MemoryStats.Limit) * 100
	}

	var rx, tx int64
	for _, n := range raw.Networks {
		rx += int64(n.RxBytes)
		tx += int64(n.TxBytes)
	}

	var blkRead, blkWrite int64
	for _, e := range raw.BlkioStats.IoServiceBytesRecursive {
		switch strings.ToLower(e.Op) {
		case "read":
			blkRead += int64(e.Value)
		case "write":
			blkWrite += int64(e.Value)
		}
	}

	return &ContainerMetrics{
		CPUPercent:     cpuPercent,
		MemoryUsage:    int64(raw.MemoryStats.Usage),
		MemoryLimit:    int64(raw.MemoryStats.Limit),
		MemoryPercent:  memPercent,
		NetworkRxBytes: rx,
		NetworkTxBytes: tx,
		BlockIORead:    blkRead,
		BlockIOWrite:   blkWrite,
	}
}

func (d *DockerAdapter) StreamLogs(ctx context.Context, ref string, sinceUnix int64) (<-chan LogEvent, error) {
	since := ""
	if sinceUnix > 0 {
		since = strconv.FormatInt(sinceUnix, 10)
	}

	reader, err := d.cli.ContainerLogs(ctx, ref, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Timestamps: true,
		Since:      since,
	})
	if err != nil {
		return nil, classify("stream_logs", err)
	}

	out := make(chan LogEvent, 256)
	go func() {
		defer close(out)
		defer reader.Close()
		demuxLogs(ctx, reader, out)
	}()

	return out, nil
}

func (d *DockerAdapter) GetLogs(ctx context.Context, ref string, tail int) ([]LogEvent, error) {
	opts := types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
	}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}

	reader, err := d.cli.ContainerLogs(ctx, ref, opts)
	if err != nil {
		return nil, classify("get_logs", err)
	}
	defer reader.Close()

	ch := make(chan LogEvent, 256)
	go func() {
		defer close(ch)
		demuxLogs(ctx, reader, ch)
	}()

	var events []LogEvent
	for e := range ch {
		events = append(events, e)
	}
	return events, nil
}

// demuxLogs decodes the 8-byte-header multiplexed stream (stream type in
// byte 0, big-endian length in bytes 4..8, payload after) using docker's own
// stdcopy framing and emits one LogEvent per line.
func demuxLogs(ctx context.Context, r io.Reader, out chan<- LogEvent) {
	var stdoutBuf, stderrBuf bytes.Buffer
	pr, pw := io.Pipe()
	epr, epw := io.Pipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = stdcopy.StdCopy(pw, epw, r)
		pw.Close()
		epw.Close()
	}()

	go drainLines(ctx, pr, "stdout", out)
	go drainLines(ctx, epr, "stderr", out)

	<-done
	_ = stdoutBuf
	_ = stderrBuf
}

func drainLines(ctx context.Context, r io.Reader, stream string, out chan<- LogEvent) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				idx := bytes.IndexByte(buf, '\n')
				if idx < 0 {
					break
				}
				line := buf[:idx]
				buf = buf[idx+1:]
				ts, text := splitTimestamp(string(line))
				select {
				case out <- LogEvent{Stream: stream, Text: text, Timestamp: ts}:
				case <-ctx.Done():
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// splitTimestamp pulls the RFC3339Nano timestamp docker prefixes each log
// line with (when Timestamps: true) off the front.
func splitTimestamp(line string) (time.Time, string) {
	idx := strings.IndexByte(line, ' ')
	if idx < 0 {
		return time.Now(), line
	}
	ts, err := time.Parse(time.RFC3339Nano, line[:idx])
	if err != nil {
		return time.Now(), line
	}
	return ts, line[idx+1:]
}

func (d *DockerAdapter) ExecBatch(ctx context.Context, ref string, argv []string) (int, string, error) {
	execResp, err := d.cli.ContainerExecCreate(ctx, ref, types.ExecConfig{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return 0, "", classify("exec_batch", err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, execResp.ID, types.ExecStartCheck{})
	if err != nil {
		return 0, "", classify("exec_batch", err)
	}
	defer attach.Close()

	var combined bytes.Buffer
	_, _ = stdcopy.StdCopy(&combined, &combined, attach.Reader)

	inspect, err := d.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return 0, combined.String(), classify("exec_batch", err)
	}

	return inspect.ExitCode, combined.String(), nil
}

func (d *DockerAdapter) ExecInteractive(ctx context.Context, ref string, initialCols, initialRows int) (Session, error) {
	execResp, err := d.cli.ContainerExecCreate(ctx, ref, types.ExecConfig{
		Cmd:          []string{"/bin/sh"},
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, classify("exec_interactive", err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, execResp.ID, types.ExecStartCheck{Tty: true})
	if err != nil {
		return nil, classify("exec_interactive", err)
	}

	sess := &execSession{cli: d.cli, execID: execResp.ID, conn: attach}
	if err := sess.Resize(ctx, initialCols, initialRows); err != nil {
		d.logger.Warn("initial pty resize failed", zap.Error(err))
	}

	return sess, nil
}

func (d *DockerAdapter) ListOwned(ctx context.Context) ([]string, error) {
	f := filters.NewArgs()
	f.Add("label", PlatformLabel+"=true")

	containers, err := d.cli.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: f})
	if err != nil {
		return nil, classify("list_owned", err)
	}

	refs := make([]string, 0, len(containers))
	for _, c := range containers {
		refs = append(refs, c.ID)
	}
	return refs, nil
}

func classify(op string, err error) error {
	switch {
	case dockerclient.IsErrNotFound(err):
		return &Error{Kind: ErrNotFound, Op: op, Err: err}
	case dockerclient.IsErrConnectionFailed(err):
		return &Error{Kind: ErrUnavailable, Op: op, Err: err}
	default:
		return &Error{Kind: ErrOther, Op: op, Err: err}
	}
}
