package container

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// EnsureImage pulls ref when it is missing locally, or always when pull is set.
func EnsureImage(ctx context.Context, docker *client.Client, ref string, pull bool) error {
	if !pull {
		if _, err := docker.ImageInspect(ctx, ref); err == nil {
			return nil
		} else if !client.IsErrNotFound(err) {
			return fmt.Errorf("inspect image: %w", err)
		}
	}

	slog.Info("pulling browser image", "image", ref)
	rc, err := docker.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image: %w", err)
	}
	defer rc.Close()

	// Drain the pull output
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("read pull output: %w", err)
	}

	slog.Info("browser image ready", "image", ref)
	return nil
}
