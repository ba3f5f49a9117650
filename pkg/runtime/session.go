package runtime

import (
	"context"

	"github.com/docker/docker/api/types"
	dockerclient "github.com/docker/docker/client"
)

// execSession adapts a docker exec HijackedResponse to the Session
// interface: a PTY-backed shell whose resize and close map directly onto
// the exec API.
type execSession struct {
	cli    *dockerclient.Client
	execID string
	conn   types.HijackedResponse
}

func (s *execSession) Read(p []byte) (int, error) {
	return s.conn.Reader.Read(p)
}

func (s *execSession) Write(p []byte) (int, error) {
	return s.conn.Conn.Write(p)
}

func (s *execSession) Resize(ctx context.Context, cols, rows int) error {
	return s.cli.ContainerExecResize(ctx, s.execID, types.ResizeOptions{
		Width:  uint(cols),
		Height: uint(rows),
	})
}

func (s *execSession) Close() error {
	s.conn.Close()
	return nil
}
