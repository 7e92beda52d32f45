// Command lectureindex builds and queries the multimodal embedding index for
// a lecture video. Frame and transcript embeddings are produced by the
// surrounding pipeline; this tool indexes them, detects topic boundaries,
// and answers similarity queries.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lectureindex/config"
	"lectureindex/core"
	"lectureindex/index"
	"lectureindex/processors"
	"lectureindex/storage"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	root := &cobra.Command{
		Use:           "lectureindex",
		Short:         "Multimodal embedding index and boundary detection for lecture videos",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildCmd(logger), searchCmd(logger), eventsCmd(), syncCmd(logger))

	if err := root.Execute(); err != nil {
		logger.Error("command failed", zap.Error(err))
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load()
}

func indexPrefix(cfg *config.Config, lectureID string) string {
	return filepath.Join(cfg.DataDir, lectureID, "index")
}

type buildInput struct {
	Frames   []core.Frame   `json:"frames"`
	Segments []core.Segment `json:"segments"`
}

func buildCmd(logger *zap.Logger) *cobra.Command {
	var (
		lectureID    string
		title        string
		framesNPY    string
		segmentsNPY  string
		manifestPath string
	)
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the index for a lecture from precomputed embeddings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if lectureID == "" {
				lectureID = uuid.NewString()
			}

			var manifest buildInput
			if err := readJSONFile(manifestPath, &manifest); err != nil {
				return fmt.Errorf("read manifest: %w", err)
			}
			frameEmbs, err := readNPYFile(framesNPY)
			if err != nil {
				return fmt.Errorf("read frame embeddings: %w", err)
			}
			if len(frameEmbs) != len(manifest.Frames) {
				return fmt.Errorf("%d frame embeddings for %d frames in manifest", len(frameEmbs), len(manifest.Frames))
			}
			segEmbs, err := readNPYFile(segmentsNPY)
			if err != nil {
				return fmt.Errorf("read segment embeddings: %w", err)
			}
			if len(segEmbs) != len(manifest.Segments) {
				return fmt.Errorf("%d segment embeddings for %d segments in manifest", len(segEmbs), len(manifest.Segments))
			}

			dim := cfg.Dimension
			if len(frameEmbs) > 0 {
				dim = len(frameEmbs[0])
			}
			midx := index.NewMultimodal(dim, logger)
			detector := processors.NewBoundaryDetector(processors.DetectorConfig{
				Threshold:       cfg.Threshold,
				MinEventGap:     cfg.MinEventGap,
				SmoothingWindow: cfg.SmoothingWindow,
			}, logger)

			var events []core.Event
			var duration float64
			for i, frame := range manifest.Frames {
				if err := midx.AddVisual(frameEmbs[i], frame.TimestampSec, frame.Index); err != nil {
					return err
				}
				ev, err := detector.Process(frameEmbs[i], frame.TimestampSec)
				if err != nil {
					return fmt.Errorf("boundary detection at frame %d: %w", i, err)
				}
				if ev != nil {
					events = append(events, *ev)
				}
				if frame.TimestampSec > duration {
					duration = frame.TimestampSec
				}
			}
			for i, seg := range manifest.Segments {
				segID := seg.ID
				if segID == "" {
					segID = fmt.Sprintf("seg_%04d", i)
					manifest.Segments[i].ID = segID
				}
				if err := midx.AddTranscript(segEmbs[i], seg.Start, seg.End, seg.Text, segID); err != nil {
					return err
				}
				if seg.End > duration {
					duration = seg.End
				}
			}

			if err := midx.Save(indexPrefix(cfg, lectureID)); err != nil {
				return err
			}

			db, err := storage.OpenMetaDB(cfg.MetaDBPath)
			if err != nil {
				return err
			}
			defer db.Close()
			ctx := cmd.Context()
			if err := db.CreateLecture(ctx, core.Lecture{ID: lectureID, Title: title, Duration: duration}); err != nil {
				return err
			}
			if err := db.SaveSegments(ctx, lectureID, manifest.Segments); err != nil {
				return err
			}
			if err := db.SaveEvents(ctx, lectureID, events); err != nil {
				return err
			}

			logger.Info("lecture indexed",
				zap.String("lecture_id", lectureID),
				zap.Int("frames", len(manifest.Frames)),
				zap.Int("segments", len(manifest.Segments)),
				zap.Int("events", len(events)))
			fmt.Println(lectureID)
			return nil
		},
	}
	cmd.Flags().StringVar(&lectureID, "lecture", "", "lecture id (generated when empty)")
	cmd.Flags().StringVar(&title, "title", "", "lecture title")
	cmd.Flags().StringVar(&framesNPY, "frame-embeddings", "", "frame embedding matrix (.npy)")
	cmd.Flags().StringVar(&segmentsNPY, "segment-embeddings", "", "transcript segment embedding matrix (.npy)")
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "frames and segments manifest (json)")
	_ = cmd.MarkFlagRequired("frame-embeddings")
	_ = cmd.MarkFlagRequired("segment-embeddings")
	_ = cmd.MarkFlagRequired("manifest")
	return cmd
}

func searchCmd(logger *zap.Logger) *cobra.Command {
	var (
		lectureID string
		query     string
		queryNPY  string
		modality  string
		topK      int
	)
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search a lecture's index with a text query or a precomputed vector",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			midx, err := index.LoadMultimodal(indexPrefix(cfg, lectureID), index.Options{Logger: logger})
			if err != nil {
				return err
			}

			var vec []float32
			switch {
			case queryNPY != "":
				rows, err := readNPYFile(queryNPY)
				if err != nil {
					return fmt.Errorf("read query vector: %w", err)
				}
				if len(rows) == 0 {
					return fmt.Errorf("query vector file %s is empty", queryNPY)
				}
				vec = rows[0]
			case query != "":
				embedder, err := storage.NewEmbedder(cfg)
				if err != nil {
					return err
				}
				vec, err = embedder.EmbedText(cmd.Context(), query)
				if err != nil {
					return err
				}
			default:
				return fmt.Errorf("one of --query or --query-vector is required")
			}

			var mod *core.Modality
			if modality != "" {
				m := core.Modality(modality)
				mod = &m
			}
			results, err := midx.Search(vec, topK, mod)
			if err != nil {
				return err
			}
			for _, r := range results {
				meta := r.Metadata
				switch {
				case meta == nil:
					fmt.Printf("%8d  %.4f\n", r.ID, r.Score)
				case meta.Modality == core.ModalityVisual:
					fmt.Printf("%8d  %.4f  visual      t=%.1fs frame=%d\n", r.ID, r.Score, meta.Timestamp, meta.FrameIndex)
				default:
					fmt.Printf("%8d  %.4f  transcript  %.1f-%.1fs  %s\n", r.ID, r.Score, meta.StartTime, meta.EndTime, meta.Text)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&lectureID, "lecture", "", "lecture id")
	cmd.Flags().StringVar(&query, "query", "", "query text (embedded through the configured API)")
	cmd.Flags().StringVar(&queryNPY, "query-vector", "", "precomputed query embedding (.npy, first row)")
	cmd.Flags().StringVar(&modality, "modality", "", "restrict to one modality (visual|transcript)")
	cmd.Flags().IntVar(&topK, "k", 5, "number of results")
	_ = cmd.MarkFlagRequired("lecture")
	return cmd
}

func eventsCmd() *cobra.Command {
	var lectureID string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List detected topic boundaries for a lecture",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := storage.OpenMetaDB(cfg.MetaDBPath)
			if err != nil {
				return err
			}
			defer db.Close()
			events, err := db.Events(cmd.Context(), lectureID)
			if err != nil {
				return err
			}
			for _, ev := range events {
				fmt.Println(ev)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&lectureID, "lecture", "", "lecture id")
	_ = cmd.MarkFlagRequired("lecture")
	return cmd
}

func syncCmd(logger *zap.Logger) *cobra.Command {
	var lectureID string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push a lecture's transcript segments to the configured remote store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			backend, err := storage.NewBackend(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			if backend == nil {
				return fmt.Errorf("no remote store configured (set store to pgvector or milvus)")
			}
			defer backend.Close(context.Background())

			db, err := storage.OpenMetaDB(cfg.MetaDBPath)
			if err != nil {
				return err
			}
			defer db.Close()
			segments, err := db.Segments(cmd.Context(), lectureID)
			if err != nil {
				return err
			}
			n, err := backend.Upsert(cmd.Context(), lectureID, segments)
			if err != nil {
				return err
			}
			logger.Info("segments synced", zap.String("lecture_id", lectureID), zap.Int("count", n))
			return nil
		},
	}
	cmd.Flags().StringVar(&lectureID, "lecture", "", "lecture id")
	_ = cmd.MarkFlagRequired("lecture")
	return cmd
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func readNPYFile(path string) ([][]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return storage.ReadNPY(f)
}
