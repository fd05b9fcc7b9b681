package cli

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/service/audience"
	"github.com/urfave/cli/v3"
)

type gcsReader struct {
	io.ReadCloser
	gcs *audience.GCS
}

func (r *gcsReader) Close() error {
	rerr := r.ReadCloser.Close()
	if err := r.gcs.Close(); err != nil {
		return err
	}
	return rerr
}

// openInput opens a local file, stdin for "-", or a gs://bucket/object reference
func openInput(ctx context.Context, ref string) (io.ReadCloser, error) {
	switch {
	case ref == "-":
		return io.NopCloser(os.Stdin), nil

	case strings.HasPrefix(ref, "gs://"):
		gcs, err := audience.NewGCS(ctx, "")
		if err != nil {
			return nil, err
		}
		r, err := gcs.Open(ctx, ref)
		if err != nil {
			_ = gcs.Close()
			return nil, err
		}
		return &gcsReader{ReadCloser: r, gcs: gcs}, nil

	default:
		// #nosec G304 - path is provided by the operator
		f, err := os.Open(ref)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to open input", goerr.V("path", ref))
		}
		return f, nil
	}
}

func outWriter(c *cli.Command) io.Writer {
	if w := c.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}
