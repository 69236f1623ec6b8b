package app

import (
	"context"
	"errors"
	"fmt"

	"kpiwatch/internal/history"
	"kpiwatch/internal/ingest"
)

// Import loads a history-schema CSV into the active history and rebuilds the
// snapshot. With DryRun set nothing is written.
func (a *App) Import(ctx context.Context, opts ImportOptions) error {
	if opts.Path == "" {
		return errors.New("导入文件路径不能为空")
	}
	out := writerOrStdout(opts.Out)

	rows, err := ingest.NewFile("import", opts.Path, a.Logger).Fetch(ctx)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		a.Logger.Warn().Str("path", opts.Path).Msg("导入文件没有有效数据")
		return nil
	}

	backend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer backend.Close()

	if opts.DryRun {
		a.Logger.Warn().Msg("导入 dry-run：不会写入存储")
		existing, err := backend.LoadHistory(ctx)
		if err != nil {
			return err
		}
		merged := history.Append(existing, rows)
		kept, expired, dropped := history.SplitRetention(merged, a.Config.History.RetentionDays)
		fmt.Fprintf(out, "dry-run: %d rows read, %d stored, %d after merge, %d kept, %d to archive, %d undated\n",
			len(rows), len(existing), len(merged), len(kept), len(expired), dropped)
		return nil
	}

	svc, err := a.newService(backend, nil, nil, opts.Windows, nil)
	if err != nil {
		return err
	}
	res, err := svc.Apply(ctx, rows)
	if err != nil {
		return err
	}
	printSummary(out, res)
	return nil
}
