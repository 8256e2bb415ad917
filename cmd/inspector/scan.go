package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/stoik/content-inspection/internal/adapters/storage"
	"github.com/stoik/content-inspection/internal/application"
	"github.com/stoik/content-inspection/internal/domain"
	"github.com/stoik/content-inspection/internal/domain/detection"
)

type scanOptions struct {
	Network bool
	Fixed   []string
}

func newScanCmd(root *rootOptions) *cobra.Command {
	opts := &scanOptions{}

	cmd := &cobra.Command{
		Use:   "scan <path>",
		Short: "Inspect a local file or traffic record and print its record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			artifact, err := localArtifact(args[0], data, opts.Network, cfg.Server.MaxUploadSize)
			if err != nil {
				return err
			}

			dets, _, err := buildDetectors(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			fixed, err := parseFixed(opts.Fixed)
			if err != nil {
				return err
			}
			dets = append(dets, fixed...)

			st := storage.NewMemoryStore(storage.Options{DedupWindow: cfg.Store.DedupWindow})
			svc, err := newInspectionService(st, dets, cfg)
			if err != nil {
				return err
			}

			res, err := svc.Submit(cmd.Context(), application.SubmitRequest{
				Principal: localPrincipal(),
				Artifact:  artifact,
			})
			if err != nil {
				return err
			}
			return printRecord(cmd.OutOrStdout(), res.Record)
		},
	}

	cmd.Flags().BoolVar(&opts.Network, "network", false, "Treat the file as a JSON traffic record")
	cmd.Flags().StringArrayVar(&opts.Fixed, "fixed", nil, "Add a detector with a fixed result, as <name>=<classification> (repeatable)")
	return cmd
}

func localArtifact(path string, data []byte, network bool, maxSize int64) (domain.Artifact, error) {
	limits := domain.Limits{MaxSize: maxSize}
	if !network {
		return domain.NewFileArtifact(filepath.Base(path), data, 0, limits, time.Now())
	}

	var traffic map[string]any
	if err := json.Unmarshal(data, &traffic); err != nil {
		return domain.Artifact{}, fmt.Errorf("parse traffic record %s: %w", path, err)
	}
	return domain.NewNetworkArtifact(filepath.Base(path), traffic, limits, time.Now())
}

// parseFixed turns "name=classification" flags into static detectors
func parseFixed(specs []string) ([]detection.Detector, error) {
	dets := make([]detection.Detector, 0, len(specs))
	for _, spec := range specs {
		name, class, ok := strings.Cut(spec, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("--fixed %q: expected <name>=<classification>", spec)
		}

		c := domain.Classification(strings.ToLower(strings.TrimSpace(class)))
		switch c {
		case domain.ClassClean, domain.ClassSuspicious, domain.ClassMalicious, domain.ClassInconclusive:
		default:
			return nil, fmt.Errorf("--fixed %q: unknown classification %q", spec, class)
		}
		dets = append(dets, detection.NewStaticDetector(name, detection.Completed(c, "fixed result", nil)))
	}
	return dets, nil
}

func localPrincipal() domain.Principal {
	now := time.Now().UTC()
	return domain.Principal{
		ID:         uuid.New(),
		ExternalID: "local",
		Role:       domain.RoleAdmin,
		Status:     application.PrincipalActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func printRecord(w io.Writer, record *domain.Record) error {
	out, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
