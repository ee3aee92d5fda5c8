package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tomeshelf/tomeshelf/internal/archive"
	"github.com/tomeshelf/tomeshelf/internal/offline/paths"
)

// newArchiveCmd exports downloaded manga as ZIP files without going through
// the worker process; it reads the library directly.
func newArchiveCmd() *cobra.Command {
	var (
		extensionID string
		outputDir   string
	)
	cmd := &cobra.Command{
		Use:   "archive [manga-slug...]",
		Short: "Export downloaded manga as ZIP archives.",
		Long: `archive packs downloaded manga into one ZIP per manga. With no
arguments every downloaded manga of the extension is exported.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := buildLogger(cfg)
			if err != nil {
				return err
			}
			defer syncLogger(logger)

			if extensionID == "" {
				extensionID = cfg.Storage.ExtensionID
			}
			if outputDir == "" {
				outputDir = cfg.Archive.OutputDir
			}

			slugs := args
			if len(slugs) == 0 {
				slugs, err = downloadedSlugs(cfg.Storage.DataDir, extensionID)
				if err != nil {
					return err
				}
			}
			if len(slugs) == 0 {
				return fmt.Errorf("no downloaded manga found for extension %s", extensionID)
			}

			items := make([]archive.BulkItem, 0, len(slugs))
			for _, slug := range slugs {
				items = append(items, archive.BulkItem{ExtensionID: extensionID, MangaSlug: slug})
			}

			a := archive.New(cfg.Storage.DataDir, archive.Config{
				CompressionLevel: cfg.Archive.CompressionLevel,
				Logger:           logger.Named("archive"),
			})
			results := a.ArchiveBulk(cmd.Context(), items, outputDir, func(current, total int) {
				logger.Info("archive progress", zap.Int("done", current), zap.Int("total", total))
			})

			failed := 0
			for _, res := range results {
				if res.Err != nil {
					failed++
					logger.Error("archive failed", zap.String("manga_slug", res.MangaSlug), zap.Error(res.Err))
					continue
				}
				logger.Info("archive written", zap.String("manga_slug", res.MangaSlug), zap.String("path", res.Path))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d archives failed", failed, len(results))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&extensionID, "extension", "", "extension id (defaults to storage.extension_id)")
	cmd.Flags().StringVar(&outputDir, "out", "", "output directory (defaults to archive.output_dir)")
	return cmd
}

// downloadedSlugs lists the manga directories of one extension.
func downloadedSlugs(dataDir, extensionID string) ([]string, error) {
	dir := paths.NewBuilder(dataDir).ExtensionDir(extensionID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list downloaded manga: %w", err)
	}
	var slugs []string
	for _, entry := range entries {
		if entry.IsDir() {
			slugs = append(slugs, entry.Name())
		}
	}
	return slugs, nil
}
