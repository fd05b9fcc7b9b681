package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/cli/config"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/usecase"
	"github.com/secmon-lab/pushblaster/pkg/utils/logging"
	"github.com/secmon-lab/pushblaster/pkg/utils/safe"
	"github.com/urfave/cli/v3"
)

// maxReportedRows caps the invalid rows printed in a summary
const maxReportedRows = 20

func cmdImport() *cli.Command {
	var file string
	var dryRun bool
	var strict bool
	var repoCfg config.Repository

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "file",
			Aliases:     []string{"f"},
			Usage:       "Historical sends CSV (local path, gs://bucket/object or - for stdin)",
			Required:    true,
			Destination: &file,
		},
		&cli.BoolFlag{
			Name:        "dry-run",
			Usage:       "Validate only, write nothing",
			Destination: &dryRun,
		},
		&cli.BoolFlag{
			Name:        "strict",
			Usage:       "Refuse the whole upload when any row is invalid",
			Destination: &strict,
		},
	}
	flags = append(flags, repoCfg.Flags()...)

	return &cli.Command{
		Name:    "import",
		Aliases: []string{"i"},
		Usage:   "Import historical sends into the notification ledger",
		Flags:   flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			w := outWriter(c)

			validation, err := loadHistorical(ctx, file)
			if err != nil {
				return err
			}
			printValidation(w, validation)
			if err := checkValidation(validation, strict); err != nil {
				return err
			}
			if dryRun {
				return nil
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

			result, err := usecase.NewRestorationUseCase(repo, nil).BulkInsertHistoricalNotifications(ctx, validation.ValidData)
			if err != nil {
				return err
			}
			printInsert(w, result)
			return nil
		},
	}
}

func loadHistorical(ctx context.Context, ref string) (*model.HistoricalValidation, error) {
	r, err := openInput(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer safe.Close(ctx, r)

	header, rows, err := usecase.ParseHistoricalCSV(r)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to parse historical CSV", goerr.V("file", ref))
	}
	return usecase.NewRestorationUseCase(nil, nil).ValidateHistoricalData(header, rows), nil
}

func checkValidation(v *model.HistoricalValidation, strict bool) error {
	if len(v.MissingColumns) > 0 {
		return goerr.Wrap(usecase.ErrValidation, "required columns missing", goerr.V("columns", v.MissingColumns))
	}
	if len(v.ValidData) == 0 {
		return goerr.Wrap(usecase.ErrValidation, "no valid rows")
	}
	if strict && len(v.InvalidRows) > 0 {
		return goerr.Wrap(usecase.ErrValidation, "upload has invalid rows", goerr.V("invalid", len(v.InvalidRows)))
	}
	return nil
}

func printValidation(w io.Writer, v *model.HistoricalValidation) {
	if len(v.MissingColumns) > 0 {
		_, _ = color.New(color.FgRed, color.Bold).Fprintf(w, "missing columns: %v\n", v.MissingColumns)
		return
	}

	_, _ = color.New(color.FgGreen).Fprintf(w, "valid rows:   %d\n", len(v.ValidData))
	if len(v.InvalidRows) == 0 {
		return
	}
	_, _ = color.New(color.FgYellow).Fprintf(w, "invalid rows: %d\n", len(v.InvalidRows))
	for i, row := range v.InvalidRows {
		if i == maxReportedRows {
			_, _ = fmt.Fprintf(w, "  ... %d more\n", len(v.InvalidRows)-maxReportedRows)
			break
		}
		_, _ = fmt.Fprintf(w, "  line %d: %v\n", row.Line, row.Errors)
	}
}

func printInsert(w io.Writer, r *model.BulkInsertResult) {
	_, _ = color.New(color.FgGreen, color.Bold).Fprintf(w, "inserted:           %d\n", r.InsertedCount)
	_, _ = fmt.Fprintf(w, "duplicates skipped: %d\n", r.DuplicatesSkipped)
	for _, e := range r.Errors {
		_, _ = color.New(color.FgRed).Fprintf(w, "error: %s\n", e)
	}
}
