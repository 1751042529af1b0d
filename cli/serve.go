package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/krau/tumorlens/history"
	"github.com/krau/tumorlens/labels"
	"github.com/krau/tumorlens/onnx"
	"github.com/krau/tumorlens/server"
	"github.com/krau/tumorlens/service"
	"github.com/spf13/cobra"
)

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP prediction server",
		Example: `  tumorlens serve
  tumorlens serve --config /etc/tumorlens/config.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *cfgPath)
		},
	}
}

// runServe loads every startup artifact before listening. Any failure here
// is fatal: the server never starts with a partial model or registry.
func runServe(ctx context.Context, cfgPath string) error {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	slog.Info("Starting tumorlens", slog.String("model_version", cfg.ModelVersion))

	registry, err := labels.Load(cfg.ClassIndicesPath())
	if err != nil {
		return fmt.Errorf("failed to load class indices: %w", err)
	}
	for _, l := range registry.Labels() {
		slog.Info("Class", slog.Int("index", l.Index), slog.String("name", l.RawName), slog.String("display", l.DisplayName))
	}

	destroy, err := onnx.InitEnvironment(cfg.Libonnx)
	if err != nil {
		return err
	}
	defer destroy()

	engine, err := onnx.NewEngine(onnx.Options{
		ModelPath:    cfg.ModelPath(),
		ImageSize:    cfg.ImageSize,
		Classes:      registry.Len(),
		Sessions:     cfg.Sessions,
		OutputLogits: cfg.OutputLogits,
	})
	if err != nil {
		return fmt.Errorf("failed to load model: %w", err)
	}
	defer engine.Close()
	slog.Info("Model loaded", slog.String("path", cfg.ModelPath()), slog.Int("sessions", cfg.Sessions))

	store, err := history.Open(ctx, history.Options{
		DBPath:       cfg.DBPath,
		ImageDir:     cfg.HistoryDir,
		ModelVersion: cfg.ModelVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer store.Close()

	predictor := service.NewPredictor(engine, registry, store, cfg.ImageSize)
	srv := server.New(predictor, store, server.Options{
		ModelVersion:   cfg.ModelVersion,
		MaxUploadBytes: cfg.MaxUploadBytes(),
		CORSOrigins:    cfg.CORSOrigins,
	})
	return srv.Run(ctx, cfg.Addr())
}
