package safe_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/secmon-lab/pushblaster/pkg/utils/logging"
	"github.com/secmon-lab/pushblaster/pkg/utils/safe"
)

type failingCloser struct{}

func (failingCloser) Close() error { return errors.New("broken pipe") }

func TestClose(t *testing.T) {
	var buf bytes.Buffer
	ctx := logging.With(context.Background(), slog.New(slog.NewTextHandler(&buf, nil)))

	safe.Close(ctx, nil)
	gt.Value(t, buf.Len()).Equal(0)

	safe.Close(ctx, failingCloser{})
	gt.String(t, buf.String()).Contains("broken pipe")
}

func TestRemoveAll(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	gt.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o700)).Required()

	safe.RemoveAll(context.Background(), dir)
	_, err := os.Stat(dir)
	gt.Bool(t, errors.Is(err, os.ErrNotExist)).True()
}
