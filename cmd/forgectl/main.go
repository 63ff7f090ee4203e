// forgectl is the operational companion to the studyforge server: submit
// documents, inspect jobs, run dispatch cycles and triage the dead-letter
// queue against the same database.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/studyforge/studyforge/internal/config"
	"github.com/studyforge/studyforge/internal/content"
	"github.com/studyforge/studyforge/internal/engine"
	"github.com/studyforge/studyforge/internal/extract"
	"github.com/studyforge/studyforge/internal/job"
	"github.com/studyforge/studyforge/internal/workers"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadTool()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	jobs, err := job.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer jobs.Close()

	contentStore, err := content.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer contentStore.Close()

	rootCmd := &cobra.Command{
		Use:          "forgectl",
		Short:        "Admin CLI for the studyforge ingestion pipeline",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(submitCmd(jobs, contentStore))
	rootCmd.AddCommand(docsCmd(contentStore))
	rootCmd.AddCommand(jobsCmd(jobs))
	rootCmd.AddCommand(dispatchCmd(cfg, jobs, contentStore))
	rootCmd.AddCommand(sweepCmd(cfg, jobs))
	rootCmd.AddCommand(dlqCmd(jobs))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func submitCmd(jobs job.Store, cs *content.SQLiteStore) *cobra.Command {
	var title, sourceRef, contentType string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Create a document and its root ingest job",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := job.IngestPayload{SourceRef: sourceRef, ContentType: contentType}
			if err := payload.Validate(); err != nil {
				return err
			}
			if title == "" {
				return fmt.Errorf("--title must not be empty")
			}

			ctx := context.Background()
			doc := &content.Document{
				ID:          uuid.New().String(),
				Title:       title,
				SourceRef:   sourceRef,
				ContentType: contentType,
			}
			if err := cs.CreateDocument(ctx, doc); err != nil {
				return err
			}

			raw, err := json.Marshal(&payload)
			if err != nil {
				return err
			}
			jobID, err := jobs.Spawn(ctx, job.SpawnRequest{
				Type:      job.TypeIngest,
				OwnerRef:  doc.ID,
				Payload:   raw,
				DedupeKey: job.DedupeKeyFor(doc.ID, job.TypeIngest),
			})
			if err != nil {
				return err
			}
			fmt.Printf("document %s submitted (ingest job %s)\n", doc.ID, jobID)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "document title")
	cmd.Flags().StringVar(&sourceRef, "source", "", "blob-store reference of the source file")
	cmd.Flags().StringVar(&contentType, "type", "text", "source content type: pdf_scan, audio, note_image, text")
	return cmd
}

func docsCmd(cs *content.SQLiteStore) *cobra.Command {
	return &cobra.Command{
		Use:   "docs",
		Short: "List documents and their pipeline status",
		RunE: func(cmd *cobra.Command, args []string) error {
			docs, err := cs.ListDocuments(context.Background())
			if err != nil {
				return err
			}
			for _, d := range docs {
				line := fmt.Sprintf("%s  %-10s %s", d.ID, d.Status, d.Title)
				if d.Error != "" {
					line += "  (" + d.Error + ")"
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

func jobsCmd(jobs job.Store) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recent jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, total, err := jobs.List(context.Background(), limit, 0)
			if err != nil {
				return err
			}
			fmt.Printf("%d jobs total\n", total)
			for _, j := range list {
				fmt.Printf("%s  %-16s %-10s %-9s attempt=%d progress=%d%% owner=%s\n",
					j.ID, j.Type, j.Status, j.Stage, j.AttemptCount, j.Progress, j.OwnerRef)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of jobs to show")
	return cmd
}

func dispatchCmd(cfg *config.Config, jobs *job.SQLiteStore, cs *content.SQLiteStore) *cobra.Command {
	var cycles int

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Run dispatch cycles until the graph is idle or --cycles is reached",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := slog.New(slog.NewTextHandler(os.Stderr, nil))
			inference := extract.NewClient(cfg.ExtractorURL, cfg.ExtractorTimeout)

			d := engine.New(jobs, cs, engine.Options{
				MaxAttempts:        cfg.MaxAttempts,
				BackoffBase:        cfg.BackoffBase,
				BackoffCap:         cfg.BackoffCap,
				StalenessThreshold: cfg.StalenessThreshold,
				ClaimBatchSize:     cfg.ClaimBatchSize,
				TickTimeBudget:     cfg.TickTimeBudget,
			}, log)
			chunking := workers.ChunkOptions{Size: cfg.ChunkSize, Overlap: cfg.ChunkOverlap}
			d.Register(job.TypeIngest, workers.NewIngest(jobs, cs, inference, chunking, log))
			d.Register(job.TypeDetectSegments, workers.NewDetectSegments(jobs, cs, log))
			d.Register(job.TypeSegmentAnalyze, workers.NewSegmentAnalyze(jobs, cs, inference, log))
			d.Register(job.TypeSynthesize, workers.NewSynthesize(jobs, cs, cfg.BarrierPoll, log))

			ctx := context.Background()
			for i := 0; i < cycles; i++ {
				report, err := d.RunOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("cycle %d: claimed=%d completed=%d advanced=%d retried=%d failed=%d swept=%d\n",
					i+1, report.Claimed, report.Completed, report.Advanced, report.Retried, report.Failed, report.Swept)
				if report.Claimed == 0 && report.Swept == 0 {
					break
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&cycles, "cycles", 1, "maximum dispatch cycles to run")
	return cmd
}

func sweepCmd(cfg *config.Config, jobs job.Store) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Reset orphaned processing jobs back to pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := jobs.SweepOrphans(context.Background(), cfg.StalenessThreshold)
			if err != nil {
				return err
			}
			fmt.Printf("%d orphaned jobs reset\n", n)
			return nil
		},
	}
}
