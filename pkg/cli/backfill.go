package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/cli/config"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
	"github.com/secmon-lab/pushblaster/pkg/usecase"
	"github.com/secmon-lab/pushblaster/pkg/utils/logging"
	"github.com/secmon-lab/pushblaster/pkg/utils/safe"
	"github.com/urfave/cli/v3"
)

func cmdBackfill() *cli.Command {
	var file string
	var trackLogs string
	var top int
	var apply int
	var repoCfg config.Repository

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "file",
			Aliases:     []string{"f"},
			Usage:       "Previously imported historical sends CSV (local path, gs://bucket/object or -)",
			Required:    true,
			Destination: &file,
		},
		&cli.StringFlag{
			Name:        "track-logs",
			Usage:       "JSON array of push provider delivery logs (local path or gs://bucket/object)",
			Required:    true,
			Destination: &trackLogs,
		},
		&cli.IntFlag{
			Name:        "top",
			Usage:       "Number of candidate logs to list",
			Value:       usecase.DefaultTopMatches,
			Destination: &top,
		},
		&cli.IntFlag{
			Name:        "apply",
			Usage:       "Rank of the candidate whose content fills the imported rows (0 lists only)",
			Destination: &apply,
		},
	}
	flags = append(flags, repoCfg.Flags()...)

	return &cli.Command{
		Name:    "backfill",
		Aliases: []string{"restore"},
		Usage:   "Match an imported audience against delivery logs and fill in missing push content",
		Flags:   flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			w := outWriter(c)

			validation, err := loadHistorical(ctx, file)
			if err != nil {
				return err
			}
			if err := checkValidation(validation, false); err != nil {
				printValidation(w, validation)
				return err
			}

			logs, err := loadTrackResults(ctx, trackLogs)
			if err != nil {
				return err
			}

			size := distinctUsers(validation.ValidData)
			matches := usecase.NewRestorationUseCase(nil, nil).FindMatchingTrackResults(size, logs, top)
			printMatches(w, size, matches)

			if apply == 0 {
				return nil
			}
			if apply < 0 || apply > len(matches) {
				return goerr.Wrap(usecase.ErrValidation, "apply rank out of range",
					goerr.V("apply", apply), goerr.V("matches", len(matches)))
			}

			repo, err := repoCfg.Configure(ctx)
			if err != nil {
				return goerr.Wrap(err, "failed to initialize repository")
			}
			defer func() {
				if err := repo.Close(); err != nil {
					logging.Default().Error("failed to close repository", "error", err.Error())
				}
			}()

			updated, err := usecase.NewRestorationUseCase(repo, nil).BackfillFromMatch(ctx, validation.ValidData, matches[apply-1])
			if err != nil {
				return err
			}
			_, _ = color.New(color.FgGreen, color.Bold).Fprintf(w, "back-filled rows: %d\n", updated)
			return nil
		},
	}
}

func loadTrackResults(ctx context.Context, ref string) ([]model.TrackResult, error) {
	r, err := openInput(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer safe.Close(ctx, r)

	var logs []model.TrackResult
	if err := json.NewDecoder(r).Decode(&logs); err != nil {
		return nil, goerr.Wrap(usecase.ErrValidation, "invalid track log JSON", goerr.V("file", ref), goerr.V("error", err.Error()))
	}
	return logs, nil
}

func distinctUsers(rows []*model.UserNotification) int {
	seen := make(map[types.UserID]struct{}, len(rows))
	for _, r := range rows {
		seen[r.UserID] = struct{}{}
	}
	return len(seen)
}

func printMatches(w io.Writer, audienceSize int, matches []model.TrackMatch) {
	_, _ = fmt.Fprintf(w, "audience size: %d\n", audienceSize)
	if len(matches) == 0 {
		_, _ = color.New(color.FgYellow).Fprintln(w, "no matching delivery logs")
		return
	}

	for i, m := range matches {
		c := color.New(color.FgRed)
		switch {
		case m.MatchQuality >= 85:
			c = color.New(color.FgGreen)
		case m.MatchQuality >= 50:
			c = color.New(color.FgYellow)
		}
		_, _ = c.Fprintf(w, "%2d. quality %3d", i+1, m.MatchQuality)
		_, _ = fmt.Fprintf(w, "  size %d (diff %d, %.2f%%)  %s  %s  %q\n",
			m.Result.AudienceSize, m.SizeDifference, m.PercentDifference,
			m.Result.ID, m.Result.CreatedAt.Format("2006-01-02 15:04"), m.Result.Title)
	}
}
