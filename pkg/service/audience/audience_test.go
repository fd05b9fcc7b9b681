package audience_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/secmon-lab/pushblaster/pkg/domain/interfaces"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
	"github.com/secmon-lab/pushblaster/pkg/service/audience"
)

const (
	userA = "3f2c6c1e-8a0b-4f7e-9d7a-2b1c0e5d4a10"
	userB = "9b8a7c6d-5e4f-4a3b-8c2d-1e0f9a8b7c6d"
)

func TestReadMembers(t *testing.T) {
	t.Run("user_id plus attributes", func(t *testing.T) {
		in := "\ufeffuser_id,firstName,product_name\n" +
			strings.ToUpper(userA) + ",Ada,Jordan 1\n" +
			",Nobody,skip\n" +
			userB + ",Lin,Dunk Low\n"
		members, err := audience.ReadMembers(strings.NewReader(in))
		gt.NoError(t, err).Required()
		gt.A(t, members).Length(2)
		gt.Value(t, members[0].UserID).Equal(types.UserID(userA))
		gt.Value(t, members[0].Attributes["firstName"]).Equal("Ada")
		gt.Value(t, members[1].Attributes["product_name"]).Equal("Dunk Low")
	})

	t.Run("missing user_id column", func(t *testing.T) {
		_, err := audience.ReadMembers(strings.NewReader("id,name\n1,a\n"))
		gt.Bool(t, errors.Is(err, audience.ErrMissingUserIDColumn)).True()
	})

	t.Run("empty input", func(t *testing.T) {
		_, err := audience.ReadMembers(strings.NewReader(""))
		gt.Bool(t, errors.Is(err, audience.ErrMissingUserIDColumn)).True()
	})
}

func TestStatic(t *testing.T) {
	src := audience.NewStatic()
	criteria := model.AudienceCriteria{UserIDs: []string{userA, strings.ToUpper(userA), userB, ""}}

	members, err := src.Generate(context.Background(), criteria)
	gt.NoError(t, err)
	gt.A(t, members).Length(4)

	n, err := src.Count(context.Background(), criteria)
	gt.NoError(t, err)
	gt.Value(t, n).Equal(2)
}

func TestScriptArgs(t *testing.T) {
	args := audience.ScriptArgs("/tmp/out", true, map[string]string{"lookback_days": "7", "cooling": "72"})
	gt.Value(t, args).Equal([]string{"--output_dir", "/tmp/out", "--dry_run", "--cooling", "72", "--lookback_days", "7"})
}

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	gt.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600)).Required()
}

func TestScript(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	dir := t.TempDir()

	// args: --output_dir <dir> [--key value ...]
	writeScript(t, dir, "layer3.sh", `out="$2"
printf 'user_id,TEST\n00000000-0000-4000-8000-000000000000,x\n' > "$out/layer3_TEST_1.csv"
printf 'user_id,lookback\n`+userA+`,%s\n`+userB+`,%s\n' "$4" "$4" > "$out/layer3.csv"
`)
	writeScript(t, dir, "broken.sh", "echo boom >&2\nexit 3\n")
	writeScript(t, dir, "silent.sh", "exit 0\n")
	writeScript(t, dir, "slow.sh", "sleep 5\n")

	src := audience.NewScript(dir, audience.WithInterpreter("sh"), audience.WithScriptTimeout(time.Second))

	t.Run("reads the generated CSV", func(t *testing.T) {
		members, err := src.Generate(context.Background(), model.AudienceCriteria{
			Source:     audience.SourceScript,
			Script:     "layer3.sh",
			Parameters: map[string]string{"lookback_days": "7"},
		})
		gt.NoError(t, err).Required()
		gt.A(t, members).Length(2)
		gt.Value(t, members[0].UserID).Equal(types.UserID(userA))
		gt.Value(t, members[0].Attributes["lookback"]).Equal("7")
	})

	t.Run("rejects paths outside the script directory", func(t *testing.T) {
		for _, name := range []string{"../layer3.sh", "/bin/sh", ".hidden", "", "missing.sh"} {
			_, err := src.Generate(context.Background(), model.AudienceCriteria{Script: name})
			gt.Bool(t, errors.Is(err, audience.ErrScriptNotAllowed)).True()
		}
	})

	t.Run("non-zero exit", func(t *testing.T) {
		_, err := src.Generate(context.Background(), model.AudienceCriteria{Script: "broken.sh"})
		gt.Error(t, err)
	})

	t.Run("no output", func(t *testing.T) {
		_, err := src.Generate(context.Background(), model.AudienceCriteria{Script: "silent.sh"})
		gt.Bool(t, errors.Is(err, audience.ErrNoScriptOutput)).True()
	})

	t.Run("timeout", func(t *testing.T) {
		started := time.Now()
		_, err := src.Generate(context.Background(), model.AudienceCriteria{Script: "slow.sh"})
		gt.Error(t, err)
		gt.Bool(t, time.Since(started) < 4*time.Second).True()
	})
}

type memoryOpener map[string]string

func (m memoryOpener) Open(_ context.Context, bucket, object string) (io.ReadCloser, error) {
	body, ok := m[bucket+"/"+object]
	if !ok {
		return nil, errors.New("object doesn't exist")
	}
	return io.NopCloser(bytes.NewBufferString(body)), nil
}

func TestParseObjectRef(t *testing.T) {
	bucket, object, err := audience.ParseObjectRef("gs://audiences/2026/layer2.csv", "default")
	gt.NoError(t, err)
	gt.Value(t, bucket).Equal("audiences")
	gt.Value(t, object).Equal("2026/layer2.csv")

	bucket, object, err = audience.ParseObjectRef("/layer2.csv", "default")
	gt.NoError(t, err)
	gt.Value(t, bucket).Equal("default")
	gt.Value(t, object).Equal("layer2.csv")

	for _, ref := range []string{"gs://bucket-only", "gs:///object", ""} {
		_, _, err := audience.ParseObjectRef(ref, "default")
		gt.Bool(t, errors.Is(err, audience.ErrInvalidObject)).True()
	}
	_, _, err = audience.ParseObjectRef("layer2.csv", "")
	gt.Bool(t, errors.Is(err, audience.ErrInvalidObject)).True()
}

func TestGCS(t *testing.T) {
	src := audience.NewGCSWithOpener(memoryOpener{
		"audiences/layer2.csv": "user_id,product_name\n" + userA + ",Samba\n",
	}, "audiences")

	members, err := src.Generate(context.Background(), model.AudienceCriteria{Source: audience.SourceGCS, Object: "layer2.csv"})
	gt.NoError(t, err).Required()
	gt.A(t, members).Length(1)
	gt.Value(t, members[0].Attributes["product_name"]).Equal("Samba")

	_, err = src.Generate(context.Background(), model.AudienceCriteria{Source: audience.SourceGCS, Object: "gs://audiences/missing.csv"})
	gt.Error(t, err)
	gt.NoError(t, src.Close())
}

func TestRouter(t *testing.T) {
	router := audience.NewRouter().Register(audience.SourceGCS, audience.NewGCSWithOpener(memoryOpener{
		"b/a.csv": "user_id\n" + userB + "\n",
	}, "b"))

	t.Run("empty source is static", func(t *testing.T) {
		members, err := router.Generate(context.Background(), model.AudienceCriteria{UserIDs: []string{userA}})
		gt.NoError(t, err)
		gt.A(t, members).Length(1)

		n, err := router.Count(context.Background(), model.AudienceCriteria{UserIDs: []string{userA, userB}})
		gt.NoError(t, err)
		gt.Value(t, n).Equal(2)
	})

	t.Run("dispatches by name", func(t *testing.T) {
		members, err := router.Generate(context.Background(), model.AudienceCriteria{Source: audience.SourceGCS, Object: "a.csv"})
		gt.NoError(t, err)
		gt.Value(t, members[0].UserID).Equal(types.UserID(userB))
	})

	t.Run("count unsupported", func(t *testing.T) {
		_, err := router.Count(context.Background(), model.AudienceCriteria{Source: audience.SourceGCS, Object: "a.csv"})
		gt.Bool(t, errors.Is(err, interfaces.ErrCountUnsupported)).True()
	})

	t.Run("unknown source", func(t *testing.T) {
		_, err := router.Generate(context.Background(), model.AudienceCriteria{Source: "kafka"})
		gt.Bool(t, errors.Is(err, audience.ErrUnknownSource)).True()
	})
}
